// Package webrtc serves live analysis sessions over WebRTC data channels.
// The client opens a data channel, sends one frame descriptor per message and
// receives one encoded result per detected pose.
package webrtc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"

	"github.com/dj-oyu/sai-fitness/analysis-server/internal/analysis"
	"github.com/dj-oyu/sai-fitness/analysis-server/internal/calibration"
	"github.com/dj-oyu/sai-fitness/analysis-server/internal/logger"
	"github.com/dj-oyu/sai-fitness/analysis-server/internal/metrics"
	"github.com/dj-oyu/sai-fitness/analysis-server/internal/pose"
	"github.com/dj-oyu/sai-fitness/analysis-server/internal/runner"
)

var log = logger.For("WebRTC")

// FinishFunc is called once per session after its data channel closes.
type FinishFunc func(info SessionInfo, sum runner.Summary)

// ResultFunc observes every result a session sends to its client.
type ResultFunc func(info SessionInfo, res analysis.Result)

// Options configures a Server.
type Options struct {
	// STUNServers defaults to Google's public server when nil. An empty
	// non-nil slice disables STUN.
	STUNServers []string
	MaxSessions int
	Calibration calibration.Set
	Estimator   pose.Estimator
	Metrics     *metrics.Metrics
	Format      runner.Format
	OnFinish    FinishFunc
	OnResult    ResultFunc
}

// Server manages live analysis peer connections
type Server struct {
	opts       Options
	sessions   map[string]*Session
	sessionsMu sync.RWMutex
	config     webrtc.Configuration
	api        *webrtc.API
}

// NewServer creates a new WebRTC server
func NewServer(opts Options) *Server {
	iceServers := make([]webrtc.ICEServer, 0, len(opts.STUNServers))
	for _, url := range opts.STUNServers {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{url}})
	}
	if opts.STUNServers == nil {
		iceServers = []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	}
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = 8
	}

	settingsEngine := webrtc.SettingEngine{}
	settingsEngine.SetDTLSRetransmissionInterval(time.Second * 2)
	settingsEngine.SetNetworkTypes([]webrtc.NetworkType{
		webrtc.NetworkTypeUDP4,
		webrtc.NetworkTypeUDP6,
	})

	return &Server{
		opts:     opts,
		sessions: make(map[string]*Session),
		config:   webrtc.Configuration{ICEServers: iceServers},
		api:      webrtc.NewAPI(webrtc.WithSettingEngine(settingsEngine)),
	}
}

// HandleOffer validates testType, creates a peer connection for the offer
// and returns the answer once ICE gathering has completed. The first data
// channel the client opens carries the session.
func (s *Server) HandleOffer(offerJSON []byte, testType, athleteID string) ([]byte, string, error) {
	a, err := analysis.New(testType, s.opts.Calibration)
	if err != nil {
		return nil, "", err
	}

	var offer webrtc.SessionDescription
	if err := json.Unmarshal(offerJSON, &offer); err != nil {
		return nil, "", fmt.Errorf("failed to parse offer: %w", err)
	}

	if n := s.SessionCount(); n >= s.opts.MaxSessions {
		return nil, "", fmt.Errorf("maximum sessions reached (%d)", s.opts.MaxSessions)
	}

	peerConn, err := s.api.NewPeerConnection(s.config)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create peer connection: %w", err)
	}

	sess := newSession(SessionInfo{
		ID:        uuid.NewString(),
		TestType:  a.TestType(),
		AthleteID: athleteID,
		StartedAt: time.Now(),
	}, a)
	sess.peerConn = peerConn
	if s.opts.OnResult != nil {
		sess.observe = func(res analysis.Result) { s.opts.OnResult(sess.info, res) }
	}

	peerConn.OnDataChannel(func(dc *webrtc.DataChannel) {
		if !sess.claim() {
			log.Warnf("session %s: ignoring extra data channel %q", sess.info.ID, dc.Label())
			return
		}
		sess.start(s.streamRunner(sess.info.ID), dc, s.opts.Format, func(sum runner.Summary) {
			s.finish(sess, sum)
		})
		dc.OnOpen(func() {
			log.Infof("session %s: channel %q open (%s)", sess.info.ID, dc.Label(), sess.info.TestType)
		})
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			if err := sess.push(msg.Data); err != nil {
				log.Debugf("session %s: drop message: %v", sess.info.ID, err)
			}
		})
		dc.OnClose(func() {
			log.Debugf("session %s: channel closed", sess.info.ID)
			sess.end()
		})
	})

	peerConn.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Debugf("session %s connection state: %s", sess.info.ID, state.String())
		if state == webrtc.PeerConnectionStateDisconnected ||
			state == webrtc.PeerConnectionStateFailed ||
			state == webrtc.PeerConnectionStateClosed {
			log.Infof("session %s connection lost (%s), removing...", sess.info.ID, state.String())
			go s.RemoveSession(sess.info.ID)
		}
	})

	if err := peerConn.SetRemoteDescription(offer); err != nil {
		peerConn.Close()
		return nil, "", fmt.Errorf("failed to set remote description: %w", err)
	}
	answer, err := peerConn.CreateAnswer(nil)
	if err != nil {
		peerConn.Close()
		return nil, "", fmt.Errorf("failed to create answer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(peerConn)
	if err := peerConn.SetLocalDescription(answer); err != nil {
		peerConn.Close()
		return nil, "", fmt.Errorf("failed to set local description: %w", err)
	}
	<-gatherComplete

	if s.opts.Metrics != nil {
		sess.metricsDone = s.opts.Metrics.SessionStarted(string(sess.info.TestType), "live")
	}
	s.sessionsMu.Lock()
	s.sessions[sess.info.ID] = sess
	s.sessionsMu.Unlock()

	localDesc := peerConn.LocalDescription()
	if localDesc == nil {
		s.RemoveSession(sess.info.ID)
		return nil, "", fmt.Errorf("no local description available")
	}
	answerJSON, err := json.Marshal(localDesc)
	if err != nil {
		s.RemoveSession(sess.info.ID)
		return nil, "", fmt.Errorf("failed to marshal answer: %w", err)
	}
	log.Infof("session %s created for %s", sess.info.ID, sess.info.TestType)
	return answerJSON, sess.info.ID, nil
}

func (s *Server) streamRunner(id string) *runner.StreamRunner {
	return &runner.StreamRunner{
		Estimator: s.opts.Estimator,
		Metrics:   s.opts.Metrics,
		Log:       logger.For("Live " + id[:8]),
	}
}

func (s *Server) finish(sess *Session, sum runner.Summary) {
	log.Infof("session %s finished: %d lines, %d results, %d skipped",
		sess.info.ID, sum.Lines, sum.Emitted, sum.Skipped)
	if s.opts.OnFinish != nil {
		s.opts.OnFinish(sess.info, sum)
	}
}

// RemoveSession ends and closes a session by ID. It is safe to call more
// than once.
func (s *Server) RemoveSession(id string) {
	s.sessionsMu.Lock()
	sess, exists := s.sessions[id]
	delete(s.sessions, id)
	s.sessionsMu.Unlock()
	if !exists {
		return
	}
	if sess.metricsDone != nil {
		sess.metricsDone(false)
	}

	sess.end()
	sess.cancel()
	if sess.peerConn != nil {
		sess.peerConn.Close()
	}
	st := sess.Stats()
	log.Infof("session %s removed (messages: %d, results: %d)", id, st.Messages, st.Results)
}

// SessionCount returns the number of live sessions
func (s *Server) SessionCount() int {
	s.sessionsMu.RLock()
	defer s.sessionsMu.RUnlock()
	return len(s.sessions)
}

// SessionStats returns stats for all live sessions
func (s *Server) SessionStats() map[string]Stats {
	s.sessionsMu.RLock()
	defer s.sessionsMu.RUnlock()

	stats := make(map[string]Stats, len(s.sessions))
	for id, sess := range s.sessions {
		stats[id] = sess.Stats()
	}
	return stats
}

// Close ends every session and waits up to ctx for their results to be
// finalized.
func (s *Server) Close(ctx context.Context) error {
	s.sessionsMu.RLock()
	all := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		all = append(all, sess)
	}
	s.sessionsMu.RUnlock()

	for _, sess := range all {
		sess.end()
	}
	for _, sess := range all {
		select {
		case <-sess.Done():
		case <-ctx.Done():
		}
		s.RemoveSession(sess.info.ID)
	}
	return ctx.Err()
}
