package webrtc

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v3"

	"github.com/dj-oyu/sai-fitness/analysis-server/internal/analysis"
	"github.com/dj-oyu/sai-fitness/analysis-server/internal/runner"
)

var errSessionEnded = errors.New("session ended")

// SessionInfo identifies a live session.
type SessionInfo struct {
	ID        string                `json:"id"`
	TestType  analysis.ExerciseType `json:"testType"`
	AthleteID string                `json:"athleteId,omitempty"`
	StartedAt time.Time             `json:"startedAt"`
}

// Stats is a snapshot of a session's traffic.
type Stats struct {
	SessionInfo
	Messages uint64 `json:"messages"`
	Results  uint64 `json:"results"`
}

// textSender is the outbound half of a data channel.
type textSender interface {
	SendText(s string) error
}

// Session is one live analysis: a data channel piped into a StreamRunner
// with its own analyzer.
type Session struct {
	info     SessionInfo
	analyzer analysis.Analyzer
	peerConn *webrtc.PeerConnection

	metricsDone func(failed bool)
	observe     func(analysis.Result)

	ctx    context.Context
	cancel context.CancelFunc
	pr     *io.PipeReader
	pw     *io.PipeWriter
	done   chan struct{}

	mu      sync.Mutex
	claimed bool
	started bool
	ended   bool

	messages atomic.Uint64
	results  atomic.Uint64
}

func newSession(info SessionInfo, a analysis.Analyzer) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	pr, pw := io.Pipe()
	return &Session{
		info:     info,
		analyzer: a,
		ctx:      ctx,
		cancel:   cancel,
		pr:       pr,
		pw:       pw,
		done:     make(chan struct{}),
	}
}

// claim reports whether this is the first data channel for the session.
func (s *Session) claim() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimed {
		return false
	}
	s.claimed = true
	return true
}

// start runs the analysis until the input is closed, sending every result
// to out. onDone gets the final summary exactly once.
func (s *Session) start(run *runner.StreamRunner, out textSender, format runner.Format, onDone func(runner.Summary)) {
	s.mu.Lock()
	if s.started || s.ended {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	go func() {
		defer close(s.done)
		sum, err := run.Run(s.ctx, s.pr, s.analyzer, func(res analysis.Result) error {
			line, err := runner.EncodeResult(res, format)
			if err != nil {
				return err
			}
			if err := out.SendText(string(line)); err != nil {
				return err
			}
			s.results.Add(1)
			if s.observe != nil {
				s.observe(res)
			}
			return nil
		})
		// Unblock any writer still pushing into a dead session.
		s.pr.CloseWithError(errSessionEnded)
		if err != nil {
			log.Warnf("session %s ended with error: %v", s.info.ID, err)
		}
		if onDone != nil {
			onDone(sum)
		}
	}()
}

// push queues one message as an input line.
func (s *Session) push(data []byte) error {
	s.messages.Add(1)
	s.mu.Lock()
	ended := s.ended
	s.mu.Unlock()
	if ended {
		return errSessionEnded
	}
	line := make([]byte, len(data)+1)
	copy(line, data)
	line[len(data)] = '\n'
	_, err := s.pw.Write(line)
	return err
}

// end closes the input. Results already queued are still processed.
func (s *Session) end() {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	started := s.started
	s.mu.Unlock()

	s.pw.Close()
	if !started {
		close(s.done)
	}
}

// Done is closed once the session has been finalized.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) Info() SessionInfo { return s.info }

func (s *Session) Stats() Stats {
	return Stats{
		SessionInfo: s.info,
		Messages:    s.messages.Load(),
		Results:     s.results.Load(),
	}
}
