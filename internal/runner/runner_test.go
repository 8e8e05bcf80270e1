package runner

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"image/png"
	"io"
	"math"
	"math/rand"
	"reflect"
	"strings"
	"testing"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dj-oyu/sai-fitness/analysis-server/internal/analysis"
	"github.com/dj-oyu/sai-fitness/analysis-server/internal/apperr"
	"github.com/dj-oyu/sai-fitness/analysis-server/internal/calibration"
	"github.com/dj-oyu/sai-fitness/analysis-server/internal/metrics"
	"github.com/dj-oyu/sai-fitness/analysis-server/internal/pose"
	"github.com/dj-oyu/sai-fitness/analysis-server/internal/video"
	"github.com/dj-oyu/sai-fitness/analysis-server/pkg/types"
)

func newAnalyzer(t *testing.T, tag analysis.ExerciseType) analysis.Analyzer {
	t.Helper()
	a, err := analysis.New(string(tag), calibration.Default())
	if err != nil {
		t.Fatalf("analysis.New: %v", err)
	}
	return a
}

// randomSession produces n frames with integer-millisecond timestamps so the
// t_ms JSON form round-trips exactly.
func randomSession(seed int64, n int) []*types.LandmarkFrame {
	rng := rand.New(rand.NewSource(seed))
	frames := make([]*types.LandmarkFrame, n)
	for i := range frames {
		lms := make([]types.Landmark, types.NumLandmarks)
		for j := range lms {
			lms[j] = types.Landmark{
				X:          rng.Float64(),
				Y:          rng.Float64(),
				Z:          rng.Float64() - 0.5,
				Visibility: 0.3 + 0.7*rng.Float64(),
			}
		}
		frames[i] = &types.LandmarkFrame{
			Seq:       uint64(i),
			Timestamp: time.Duration(i*33) * time.Millisecond,
			Width:     1280,
			Height:    720,
			Landmarks: lms,
		}
	}
	return frames
}

// sitUp returns a frame whose torso angle is deg, feet down, elbows wide.
func sitUp(seq int, deg float64) *types.LandmarkFrame {
	lms := make([]types.Landmark, types.NumLandmarks)
	for i := range lms {
		lms[i] = types.Landmark{X: 0.5, Y: 0.5, Visibility: 1}
	}
	rad := deg * math.Pi / 180
	sx, sy := 0.5+0.2*math.Cos(rad), 0.6-0.2*math.Sin(rad)
	lms[types.LeftHip] = types.Landmark{X: 0.5, Y: 0.6, Visibility: 1}
	lms[types.LeftKnee] = types.Landmark{X: 0.7, Y: 0.6, Visibility: 1}
	lms[types.LeftAnkle] = types.Landmark{X: 0.9, Y: 0.62, Visibility: 1}
	lms[types.LeftShoulder] = types.Landmark{X: sx, Y: sy, Visibility: 1}
	lms[types.LeftElbow] = types.Landmark{X: sx + 0.1, Y: sy + 0.05, Visibility: 1}
	return &types.LandmarkFrame{
		Seq:       uint64(seq),
		Timestamp: time.Duration(seq*40) * time.Millisecond,
		Width:     1280,
		Height:    720,
		Landmarks: lms,
	}
}

func sitUpSession() []*types.LandmarkFrame {
	var frames []*types.LandmarkFrame
	for i, deg := range []float64{170, 150, 95, 80, 170, 165, 90, 170} {
		frames = append(frames, sitUp(i, deg))
	}
	return frames
}

func landmarkLines(t *testing.T, frames []*types.LandmarkFrame) string {
	t.Helper()
	var sb strings.Builder
	for _, f := range frames {
		line, err := json.Marshal(Descriptor{Landmarks: f})
		if err != nil {
			t.Fatal(err)
		}
		sb.Write(line)
		sb.WriteByte('\n')
	}
	return sb.String()
}

func collect(results *[]analysis.Result) func(analysis.Result) error {
	return func(r analysis.Result) error {
		*results = append(*results, r)
		return nil
	}
}

func TestBatchAndStreamAgree(t *testing.T) {
	sessions := map[string][]*types.LandmarkFrame{
		"random-1": randomSession(1, 200),
		"random-2": randomSession(2, 500),
		"sit-ups":  sitUpSession(),
	}
	for name, frames := range sessions {
		for _, tag := range analysis.ExerciseTypes() {
			batch, err := (&BatchRunner{}).Run(context.Background(), Frames(frames...), newAnalyzer(t, tag))
			if err != nil {
				t.Fatalf("%s/%s batch: %v", name, tag, err)
			}

			var streamed []analysis.Result
			sum, err := (&StreamRunner{}).Run(context.Background(), strings.NewReader(landmarkLines(t, frames)), newAnalyzer(t, tag), collect(&streamed))
			if err != nil {
				t.Fatalf("%s/%s stream: %v", name, tag, err)
			}
			if sum.Emitted != len(frames) || len(streamed) != len(frames) {
				t.Fatalf("%s/%s emitted %d results for %d frames", name, tag, sum.Emitted, len(frames))
			}
			if !reflect.DeepEqual(batch, streamed[len(streamed)-1]) {
				t.Fatalf("%s/%s diverged:\nbatch  %+v\nstream %+v", name, tag, batch, streamed[len(streamed)-1])
			}
			if !reflect.DeepEqual(sum.Last, batch) {
				t.Fatalf("%s/%s summary last differs from batch", name, tag)
			}
		}
	}
}

func TestSitUpSessionCountsReps(t *testing.T) {
	res, err := (&BatchRunner{}).Run(context.Background(), Frames(sitUpSession()...), newAnalyzer(t, analysis.SitUps))
	if err != nil {
		t.Fatal(err)
	}
	if res.Score != 2 {
		t.Fatalf("score = %v, want 2", res.Score)
	}
}

type scriptedSource struct {
	items  []any // *types.LandmarkFrame or error
	pos    int
	closed bool
}

func (s *scriptedSource) Next(ctx context.Context) (*types.LandmarkFrame, error) {
	if s.pos >= len(s.items) {
		return nil, io.EOF
	}
	item := s.items[s.pos]
	s.pos++
	switch v := item.(type) {
	case error:
		return nil, v
	case *types.LandmarkFrame:
		return v, nil
	}
	return nil, nil
}

func (s *scriptedSource) Close() error {
	s.closed = true
	return nil
}

func TestBatchRunnerSkipsRecoverableErrors(t *testing.T) {
	m := metrics.New()
	frames := sitUpSession()
	src := &scriptedSource{items: []any{
		frames[0], frames[1], frames[2],
		apperr.Frame(errors.New("bad jpeg"), "frame 3"),
		nil,
		frames[3], frames[4],
	}}
	var tapped int
	b := &BatchRunner{Metrics: m, Tap: func(*types.LandmarkFrame) { tapped++ }}
	res, err := b.Run(context.Background(), src, newAnalyzer(t, analysis.SitUps))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Score != 1 {
		t.Fatalf("score = %v, want 1", res.Score)
	}
	if !src.closed {
		t.Fatalf("source not closed")
	}
	if tapped != 5 {
		t.Fatalf("tapped %d frames, want 5", tapped)
	}
	if m.FrameErrors.Load() != 1 || m.FramesNoPose.Load() != 1 || m.FramesConsumed.Load() != 5 {
		t.Fatalf("metrics: errors %d nopose %d consumed %d", m.FrameErrors.Load(), m.FramesNoPose.Load(), m.FramesConsumed.Load())
	}
}

func TestBatchRunnerFatalErrorClosesSource(t *testing.T) {
	src := &scriptedSource{items: []any{sitUp(0, 170), apperr.Input(errors.New("gone"), "decoder")}}
	_, err := (&BatchRunner{}).Run(context.Background(), src, newAnalyzer(t, analysis.SitUps))
	if !errors.Is(err, apperr.ErrInput) {
		t.Fatalf("err = %v, want input error", err)
	}
	if !src.closed {
		t.Fatalf("source not closed after fatal error")
	}
}

func TestBatchRunnerCancellationIsEndOfInput(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	frames := sitUpSession()
	src := Frames(frames...)
	var seen int
	b := &BatchRunner{Tap: func(*types.LandmarkFrame) {
		seen++
		if seen == 5 {
			cancel()
		}
	}}
	res, err := b.Run(ctx, src, newAnalyzer(t, analysis.SitUps))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if seen != 5 || res.Score != 1 {
		t.Fatalf("seen %d frames, score %v", seen, res.Score)
	}
	if !src.Closed() {
		t.Fatalf("source not closed")
	}
}

func TestStreamRunnerSkipsBadLines(t *testing.T) {
	m := metrics.New()
	frames := sitUpSession()
	good := strings.Split(strings.TrimSpace(landmarkLines(t, frames)), "\n")
	input := strings.Join([]string{
		good[0], good[1],
		`not json at all`,
		`{"frame":"!!!not-base64"}`,
		`{"frame":"aGVsbG8="}`,
		`{}`,
		``,
		good[2], good[3], good[4],
	}, "\n")

	called := false
	s := &StreamRunner{
		Metrics: m,
		Estimator: pose.EstimatorFunc(func(context.Context, image.Image) (*types.LandmarkFrame, error) {
			called = true
			return nil, nil
		}),
	}
	var out []analysis.Result
	sum, err := s.Run(context.Background(), strings.NewReader(input), newAnalyzer(t, analysis.SitUps), collect(&out))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if called {
		t.Fatalf("estimator called for undecodable frame")
	}
	if sum.Emitted != 5 || sum.Skipped != 4 || sum.Lines != 9 {
		t.Fatalf("summary = %+v", sum)
	}
	if out[len(out)-1].Score != 1 {
		t.Fatalf("score = %v, state lost across bad lines", out[len(out)-1].Score)
	}
	if m.ProtocolErrors.Load() != 3 || m.FrameErrors.Load() != 1 {
		t.Fatalf("protocol %d frame %d", m.ProtocolErrors.Load(), m.FrameErrors.Load())
	}
}

func pngLine(t *testing.T, w, h int, tms *float64) string {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewGray(image.Rect(0, 0, w, h))); err != nil {
		t.Fatal(err)
	}
	line, _ := json.Marshal(Descriptor{Frame: base64.StdEncoding.EncodeToString(buf.Bytes()), TimeMs: tms})
	return string(line)
}

func TestStreamRunnerEstimatesFrames(t *testing.T) {
	calls := 0
	est := pose.EstimatorFunc(func(_ context.Context, img image.Image) (*types.LandmarkFrame, error) {
		calls++
		switch calls {
		case 2:
			return nil, nil // nobody in view
		case 3:
			return nil, errors.New("model failure")
		}
		f := sitUp(0, 170)
		f.Width, f.Height = 0, 0
		return f, nil
	})
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := &StreamRunner{
		Estimator: est,
		Now: func() time.Time {
			clock = clock.Add(100 * time.Millisecond)
			return clock
		},
	}
	var tapped []*types.LandmarkFrame
	s.Tap = func(f *types.LandmarkFrame) { tapped = append(tapped, f) }

	tms := 1234.0
	input := strings.Join([]string{
		pngLine(t, 20, 10, nil),
		pngLine(t, 20, 10, nil),
		pngLine(t, 20, 10, nil),
		pngLine(t, 20, 10, &tms),
	}, "\n")
	var out []analysis.Result
	sum, err := s.Run(context.Background(), strings.NewReader(input), newAnalyzer(t, analysis.SitUps), collect(&out))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Emitted != 2 || len(out) != 2 || sum.Skipped != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	if tapped[0].Width != 20 || tapped[0].Height != 10 {
		t.Fatalf("frame size = %dx%d", tapped[0].Width, tapped[0].Height)
	}
	if tapped[0].Seq != 0 || tapped[1].Seq != 1 {
		t.Fatalf("seqs = %d, %d", tapped[0].Seq, tapped[1].Seq)
	}
	if tapped[0].Timestamp != 100*time.Millisecond {
		t.Fatalf("session clock timestamp = %v", tapped[0].Timestamp)
	}
	if tapped[1].Timestamp != 1234*time.Millisecond {
		t.Fatalf("explicit timestamp = %v", tapped[1].Timestamp)
	}
}

func TestStreamRunnerFrameWithoutEstimator(t *testing.T) {
	var out []analysis.Result
	sum, err := (&StreamRunner{}).Run(context.Background(), strings.NewReader(pngLine(t, 4, 4, nil)), newAnalyzer(t, analysis.SitUps), collect(&out))
	if err != nil || sum.Skipped != 1 || len(out) != 0 {
		t.Fatalf("sum = %+v err = %v", sum, err)
	}
}

func TestStreamRunnerCancellation(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := (&StreamRunner{}).Run(ctx, pr, newAnalyzer(t, analysis.SitUps), func(analysis.Result) error { return nil })
		done <- err
	}()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("cancelled run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not stop on cancellation")
	}
}

type failingReader struct{ data io.Reader }

func (r *failingReader) Read(p []byte) (int, error) {
	n, err := r.data.Read(p)
	if err == io.EOF {
		return n, errors.New("connection reset")
	}
	return n, err
}

func TestStreamRunnerReadErrorIsReturned(t *testing.T) {
	frames := sitUpSession()[:2]
	r := &failingReader{data: strings.NewReader(landmarkLines(t, frames))}
	var out []analysis.Result
	sum, err := (&StreamRunner{}).Run(context.Background(), r, newAnalyzer(t, analysis.SitUps), collect(&out))
	if err == nil || !strings.Contains(err.Error(), "connection reset") {
		t.Fatalf("err = %v", err)
	}
	if sum.Emitted != 2 {
		t.Fatalf("emitted %d before the error, want 2", sum.Emitted)
	}
}

func TestStreamRunnerEmitErrorStops(t *testing.T) {
	input := landmarkLines(t, sitUpSession())
	_, err := (&StreamRunner{}).Run(context.Background(), strings.NewReader(input), newAnalyzer(t, analysis.SitUps),
		func(analysis.Result) error { return io.ErrClosedPipe })
	if !errors.Is(err, io.ErrClosedPipe) {
		t.Fatalf("err = %v", err)
	}
}

type fakeVideo struct {
	frames []video.Frame
	errAt  int
	pos    int
	closed bool
}

func (v *fakeVideo) Next(ctx context.Context) (video.Frame, error) {
	if v.pos >= len(v.frames) {
		return video.Frame{}, io.EOF
	}
	i := v.pos
	v.pos++
	if i == v.errAt {
		return video.Frame{}, apperr.Frame(errors.New("corrupt"), "frame %d", i)
	}
	return v.frames[i], nil
}

func (v *fakeVideo) Close() error {
	v.closed = true
	return nil
}

func TestEstimatingSource(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 64, 48))
	vid := &fakeVideo{errAt: 1}
	for i := 0; i < 4; i++ {
		vid.frames = append(vid.frames, video.Frame{Seq: uint64(i), Timestamp: time.Duration(i) * time.Second, Image: img})
	}
	est := pose.EstimatorFunc(func(_ context.Context, _ image.Image) (*types.LandmarkFrame, error) {
		f := sitUp(99, 170)
		f.Width, f.Height = 0, 0
		return f, nil
	})
	m := metrics.New()
	src := &EstimatingSource{Video: vid, Estimator: est, Metrics: m}

	f, err := src.Next(context.Background())
	if err != nil || f.Seq != 0 || f.Width != 64 || f.Height != 48 {
		t.Fatalf("first = %+v, %v", f, err)
	}
	if _, err := src.Next(context.Background()); !errors.Is(err, apperr.ErrFrame) {
		t.Fatalf("corrupt frame err = %v", err)
	}
	f, err = src.Next(context.Background())
	if err != nil || f.Seq != 2 || f.Timestamp != 2*time.Second {
		t.Fatalf("third = %+v, %v", f, err)
	}

	res, err := (&BatchRunner{}).Run(context.Background(), src, newAnalyzer(t, analysis.SitUps))
	if err != nil || res.TestType != analysis.SitUps {
		t.Fatalf("batch over remainder: %+v, %v", res, err)
	}
	if !vid.closed {
		t.Fatalf("video not closed")
	}
	if m.FramesRead.Load() != 3 {
		t.Fatalf("frames read = %d", m.FramesRead.Load())
	}
}

func TestEncodeResultFormats(t *testing.T) {
	res := newAnalyzer(t, analysis.BroadJump).Result()

	js, err := EncodeResult(res, FormatJSON)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(js, []byte(`{"testType":"Broad Jump","score":0,`)) || bytes.Contains(js, []byte("analyzedVideoUrl")) {
		t.Fatalf("json = %s", js)
	}

	pb, err := EncodeResult(res, FormatProtobuf)
	if err != nil {
		t.Fatal(err)
	}
	raw, err := base64.StdEncoding.DecodeString(string(pb))
	if err != nil {
		t.Fatalf("protobuf line is not base64: %v", err)
	}
	var st structpb.Struct
	if err := proto.Unmarshal(raw, &st); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	fields := st.GetFields()
	if fields["testType"].GetStringValue() != "Broad Jump" {
		t.Fatalf("testType = %v", fields["testType"])
	}
	if got := fields["result"].GetStructValue().GetFields()["status"].GetStringValue(); got != analysis.StatusIncomplete {
		t.Fatalf("result.status = %q", got)
	}
	if fields["anomalies"].GetListValue() == nil {
		t.Fatalf("anomalies missing")
	}
}

func TestEmitterWritesLines(t *testing.T) {
	var buf bytes.Buffer
	e := NewEmitter(&buf, FormatJSON)
	a := newAnalyzer(t, analysis.EnduranceRun)
	e.Emit(a.Result())
	e.Emit(a.Result())
	if n := strings.Count(buf.String(), "\n"); n != 2 {
		t.Fatalf("wrote %d lines", n)
	}
	if _, err := ParseFormat("xml"); err == nil {
		t.Fatalf("expected error for unknown format")
	}
}

// untimedLine is a landmarks line with no t_ms anywhere; only the right
// wrist is visible.
func untimedLine(t *testing.T, wristY float64) string {
	t.Helper()
	lms := make([]types.Landmark, types.NumLandmarks)
	lms[types.RightWrist] = types.Landmark{X: 0.5, Y: wristY, Visibility: 1}
	line, err := json.Marshal(map[string]any{"landmarks": map[string]any{"landmarks": lms}})
	if err != nil {
		t.Fatal(err)
	}
	return string(line)
}

func secondClock() func() time.Time {
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
}

func TestStreamRunnerTimestampPrecedence(t *testing.T) {
	own := sitUp(7, 170)
	own.Timestamp = 500 * time.Millisecond
	ownLine, _ := json.Marshal(Descriptor{Landmarks: own})
	override := 2000.0
	overrideLine, _ := json.Marshal(Descriptor{Landmarks: own, TimeMs: &override})

	var tapped []*types.LandmarkFrame
	s := &StreamRunner{Now: secondClock(), Tap: func(f *types.LandmarkFrame) { tapped = append(tapped, f) }}
	input := strings.Join([]string{string(ownLine), string(overrideLine), untimedLine(t, 0.5)}, "\n")
	if _, err := s.Run(context.Background(), strings.NewReader(input), newAnalyzer(t, analysis.EnduranceRun), collect(new([]analysis.Result))); err != nil {
		t.Fatal(err)
	}
	if len(tapped) != 3 {
		t.Fatalf("tapped %d frames", len(tapped))
	}
	if tapped[0].Timestamp != 500*time.Millisecond || tapped[0].Seq != 7 {
		t.Fatalf("landmark time: %v seq %d", tapped[0].Timestamp, tapped[0].Seq)
	}
	if tapped[1].Timestamp != 2*time.Second {
		t.Fatalf("descriptor time: %v", tapped[1].Timestamp)
	}
	if tapped[2].Timestamp != 3*time.Second || tapped[2].Seq != 2 {
		t.Fatalf("session clock time: %v seq %d", tapped[2].Timestamp, tapped[2].Seq)
	}
}

func TestStreamRunnerUntimedShuttleRunUsesSessionClock(t *testing.T) {
	var lines []string
	for _, y := range []float64{0.9, 0.2, 0.76, 0.2, 0.76} {
		lines = append(lines, untimedLine(t, y))
	}
	var out []analysis.Result
	s := &StreamRunner{Now: secondClock()}
	if _, err := s.Run(context.Background(), strings.NewReader(strings.Join(lines, "\n")), newAnalyzer(t, analysis.ShuttleRun), collect(&out)); err != nil {
		t.Fatal(err)
	}
	last := out[len(out)-1]
	payload := last.Result.(analysis.ShuttleRunResult)
	if payload.Status != analysis.StatusSuccess || last.Score != 4 || payload.FinalTimeSeconds != 4 {
		t.Fatalf("result = %+v score %v", payload, last.Score)
	}
}

func TestStreamRunnerNonBase64FrameIsProtocolError(t *testing.T) {
	m := metrics.New()
	s := &StreamRunner{Metrics: m, Estimator: pose.EstimatorFunc(func(context.Context, image.Image) (*types.LandmarkFrame, error) {
		t.Fatalf("estimator called for an undecodable frame")
		return nil, nil
	})}
	input := `{"frame":"%%%"}` + "\n" + `{"frame":"bm90IGFuIGltYWdl"}` + "\n"
	sum, err := s.Run(context.Background(), strings.NewReader(input), newAnalyzer(t, analysis.SitUps), collect(new([]analysis.Result)))
	if err != nil {
		t.Fatal(err)
	}
	if sum.Skipped != 2 || m.ProtocolErrors.Load() != 1 || m.FrameErrors.Load() != 1 {
		t.Fatalf("skipped %d, protocol %d, frame %d", sum.Skipped, m.ProtocolErrors.Load(), m.FrameErrors.Load())
	}
}
