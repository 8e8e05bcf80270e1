package webrtc

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"

	"github.com/dj-oyu/sai-fitness/analysis-server/internal/analysis"
	"github.com/dj-oyu/sai-fitness/analysis-server/internal/calibration"
	"github.com/dj-oyu/sai-fitness/analysis-server/internal/runner"
	"github.com/dj-oyu/sai-fitness/analysis-server/pkg/types"
)

type fakeSender struct {
	mu    sync.Mutex
	lines []string
	fail  bool
}

func (f *fakeSender) SendText(s string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("channel closed")
	}
	f.lines = append(f.lines, s)
	return nil
}

func (f *fakeSender) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.lines...)
}

// enduranceLine is a landmark descriptor with both hips at x.
func enduranceLine(t *testing.T, seq int, x float64) []byte {
	t.Helper()
	lms := make([]types.Landmark, types.NumLandmarks)
	for i := range lms {
		lms[i] = types.Landmark{X: 0.5, Y: 0.5, Visibility: 1}
	}
	lms[types.LeftHip].X = x
	lms[types.RightHip].X = x
	line, err := json.Marshal(runner.Descriptor{Landmarks: &types.LandmarkFrame{
		Seq:       uint64(seq),
		Timestamp: time.Duration(seq) * 100 * time.Millisecond,
		Landmarks: lms,
	}})
	if err != nil {
		t.Fatal(err)
	}
	return line
}

func newTestSession(t *testing.T, tag analysis.ExerciseType) *Session {
	t.Helper()
	a, err := analysis.New(string(tag), calibration.Default())
	if err != nil {
		t.Fatal(err)
	}
	return newSession(SessionInfo{ID: "0123456789abcdef", TestType: tag, AthleteID: "ath"}, a)
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("session did not finish")
	}
}

func TestSessionStreamsResultsAndFinalizes(t *testing.T) {
	sess := newTestSession(t, analysis.EnduranceRun)
	out := &fakeSender{}
	var final runner.Summary
	calls := 0
	sess.start(&runner.StreamRunner{}, out, runner.FormatJSON, func(sum runner.Summary) {
		calls++
		final = sum
	})

	for i, x := range []float64{0.1, 0.3, 0.6} {
		if err := sess.push(enduranceLine(t, i, x)); err != nil {
			t.Fatalf("push: %v", err)
		}
	}
	if err := sess.push([]byte("garbage")); err != nil {
		t.Fatalf("push garbage: %v", err)
	}
	sess.end()
	waitDone(t, sess)

	if calls != 1 {
		t.Fatalf("onDone called %d times", calls)
	}
	if final.Emitted != 3 || final.Skipped != 1 {
		t.Fatalf("summary = %+v", final)
	}
	if final.Last.Score != 0.5 {
		t.Fatalf("final distance = %v, want 0.5", final.Last.Score)
	}
	lines := out.sent()
	if len(lines) != 3 || !strings.Contains(lines[2], `"testType":"Endurance Run"`) {
		t.Fatalf("sent = %v", lines)
	}
	st := sess.Stats()
	if st.Messages != 4 || st.Results != 3 {
		t.Fatalf("stats = %+v", st)
	}
	if err := sess.push(enduranceLine(t, 9, 0.9)); !errors.Is(err, errSessionEnded) {
		t.Fatalf("push after end = %v", err)
	}
}

func TestSessionObserverSeesSentResults(t *testing.T) {
	sess := newTestSession(t, analysis.EnduranceRun)
	var seen []float64
	sess.observe = func(res analysis.Result) { seen = append(seen, res.Score) }
	sess.start(&runner.StreamRunner{}, &fakeSender{}, runner.FormatJSON, nil)
	for i, x := range []float64{0.2, 0.5} {
		if err := sess.push(enduranceLine(t, i, x)); err != nil {
			t.Fatalf("push: %v", err)
		}
	}
	sess.end()
	waitDone(t, sess)
	if len(seen) != 2 || seen[1] != 0.3 {
		t.Fatalf("observed scores = %v", seen)
	}
}

func TestSessionSendFailureStopsRunner(t *testing.T) {
	sess := newTestSession(t, analysis.EnduranceRun)
	done := make(chan runner.Summary, 1)
	sess.start(&runner.StreamRunner{}, &fakeSender{fail: true}, runner.FormatJSON, func(sum runner.Summary) { done <- sum })

	if err := sess.push(enduranceLine(t, 0, 0.2)); err != nil {
		t.Fatalf("first push: %v", err)
	}
	select {
	case sum := <-done:
		if sum.Emitted != 0 {
			t.Fatalf("emitted = %d", sum.Emitted)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("runner did not stop")
	}
	// The pipe is closed now; further pushes fail instead of blocking.
	if err := sess.push(enduranceLine(t, 1, 0.3)); err == nil {
		t.Fatalf("push into dead session succeeded")
	}
}

func TestSessionEndWithoutStart(t *testing.T) {
	sess := newTestSession(t, analysis.SitUps)
	sess.end()
	sess.end()
	waitDone(t, sess)
	sess.start(&runner.StreamRunner{}, &fakeSender{}, runner.FormatJSON, func(runner.Summary) {
		t.Errorf("ended session started")
	})
}

func TestSessionClaimOnce(t *testing.T) {
	sess := newTestSession(t, analysis.SitUps)
	if !sess.claim() || sess.claim() {
		t.Fatalf("claim should succeed exactly once")
	}
}

func TestSessionProtobufResults(t *testing.T) {
	sess := newTestSession(t, analysis.EnduranceRun)
	out := &fakeSender{}
	sess.start(&runner.StreamRunner{}, out, runner.FormatProtobuf, nil)
	sess.push(enduranceLine(t, 0, 0.2))
	sess.end()
	waitDone(t, sess)
	lines := out.sent()
	if len(lines) != 1 || strings.HasPrefix(lines[0], "{") {
		t.Fatalf("sent = %v", lines)
	}
}

func TestHandleOfferRejectsUnknownTestType(t *testing.T) {
	srv := NewServer(Options{STUNServers: []string{}, Calibration: calibration.Default()})
	_, _, err := srv.HandleOffer([]byte(`{}`), "Pogo Stick", "")
	var invalid *analysis.InvalidExerciseTypeError
	if !errors.As(err, &invalid) {
		t.Fatalf("err = %v", err)
	}
	if srv.SessionCount() != 0 {
		t.Fatalf("session leaked")
	}
}

func TestHandleOfferRejectsBadOffer(t *testing.T) {
	srv := NewServer(Options{STUNServers: []string{}, Calibration: calibration.Default()})
	if _, _, err := srv.HandleOffer([]byte(`not json`), "Sit Ups", ""); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestRemoveUnknownSession(t *testing.T) {
	srv := NewServer(Options{STUNServers: []string{}})
	srv.RemoveSession("missing")
	if err := srv.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestLiveSessionOverDataChannel(t *testing.T) {
	if testing.Short() {
		t.Skip("peer connection test")
	}
	finished := make(chan runner.Summary, 1)
	srv := NewServer(Options{
		STUNServers: []string{},
		Calibration: calibration.Default(),
		OnFinish: func(info SessionInfo, sum runner.Summary) {
			if info.AthleteID == "ath-1" {
				finished <- sum
			}
		},
	})
	defer srv.Close(context.Background())

	client, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("client peer: %v", err)
	}
	defer client.Close()

	dc, err := client.CreateDataChannel("frames", nil)
	if err != nil {
		t.Fatalf("data channel: %v", err)
	}
	results := make(chan string, 16)
	dc.OnMessage(func(m webrtc.DataChannelMessage) { results <- string(m.Data) })
	opened := make(chan struct{})
	dc.OnOpen(func() { close(opened) })

	offer, err := client.CreateOffer(nil)
	if err != nil {
		t.Fatal(err)
	}
	gather := webrtc.GatheringCompletePromise(client)
	if err := client.SetLocalDescription(offer); err != nil {
		t.Fatal(err)
	}
	<-gather
	offerJSON, _ := json.Marshal(client.LocalDescription())

	answerJSON, id, err := srv.HandleOffer(offerJSON, string(analysis.EnduranceRun), "ath-1")
	if err != nil {
		t.Fatalf("HandleOffer: %v", err)
	}
	if id == "" || srv.SessionCount() != 1 {
		t.Fatalf("session not registered")
	}
	var answer webrtc.SessionDescription
	if err := json.Unmarshal(answerJSON, &answer); err != nil {
		t.Fatal(err)
	}
	if err := client.SetRemoteDescription(answer); err != nil {
		t.Fatal(err)
	}

	select {
	case <-opened:
	case <-time.After(10 * time.Second):
		t.Skip("no usable ICE path in this environment")
	}

	for i, x := range []float64{0.1, 0.4} {
		if err := dc.Send(enduranceLine(t, i, x)); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	for i := 0; i < 2; i++ {
		select {
		case <-results:
		case <-time.After(5 * time.Second):
			t.Fatalf("result %d not received", i)
		}
	}
	dc.Close()

	select {
	case sum := <-finished:
		if sum.Emitted != 2 || sum.Last.Score != 0.3 {
			t.Fatalf("summary = %+v", sum)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("session not finalized")
	}
}
