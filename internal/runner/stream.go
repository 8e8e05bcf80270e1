package runner

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dj-oyu/sai-fitness/analysis-server/internal/analysis"
	"github.com/dj-oyu/sai-fitness/analysis-server/internal/apperr"
	"github.com/dj-oyu/sai-fitness/analysis-server/internal/imagecodec"
	"github.com/dj-oyu/sai-fitness/analysis-server/internal/logger"
	"github.com/dj-oyu/sai-fitness/analysis-server/internal/metrics"
	"github.com/dj-oyu/sai-fitness/analysis-server/internal/pose"
	"github.com/dj-oyu/sai-fitness/analysis-server/pkg/types"
)

// Descriptor is one input line of a stream session. Frame is a base64 image
// (a data URL prefix is accepted). Landmarks, when present, replaces pose
// estimation. The frame time is TimeMs, else the landmarks' own t_ms, else
// the session clock.
type Descriptor struct {
	Frame     string               `json:"frame,omitempty"`
	TimeMs    *float64             `json:"t_ms,omitempty"`
	Landmarks *types.LandmarkFrame `json:"landmarks,omitempty"`

	landmarksTimed bool
}

func (d *Descriptor) UnmarshalJSON(data []byte) error {
	var raw struct {
		Frame     string          `json:"frame"`
		TimeMs    *float64        `json:"t_ms"`
		Landmarks json.RawMessage `json:"landmarks"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*d = Descriptor{Frame: raw.Frame, TimeMs: raw.TimeMs}
	if len(raw.Landmarks) == 0 || string(raw.Landmarks) == "null" {
		return nil
	}
	f, timed, err := types.DecodeFrame(raw.Landmarks)
	if err != nil {
		return err
	}
	d.Landmarks = &f
	d.landmarksTimed = timed
	return nil
}

// Summary describes a finished stream session.
type Summary struct {
	Last    analysis.Result // last emitted result, zero if none
	Emitted int
	Lines   int
	Skipped int
}

// StreamRunner feeds frame lines to one analyzer and emits its result after
// every frame with a detected pose.
type StreamRunner struct {
	Estimator pose.Estimator // required unless every line carries landmarks
	Metrics   *metrics.Metrics
	Log       *logger.Module
	Tap       func(*types.LandmarkFrame)
	Now       func() time.Time
}

// Run reads r until EOF, a read error or ctx cancellation. EOF and
// cancellation end the session cleanly; a read error or a failing emit is
// returned. Malformed lines and frames that cannot be decoded or estimated
// are skipped without touching analyzer state.
func (s *StreamRunner) Run(ctx context.Context, r io.Reader, a analysis.Analyzer, emit func(analysis.Result) error) (Summary, error) {
	log := s.Log
	if log == nil {
		log = logger.For("Stream")
	}
	now := s.Now
	if now == nil {
		now = time.Now
	}

	lines := make(chan lineOrErr)
	stop := make(chan struct{})
	defer close(stop)
	go readLines(r, lines, stop)

	var (
		sum     Summary
		started time.Time
		index   uint64
	)
	for {
		var item lineOrErr
		var ok bool
		select {
		case <-ctx.Done():
			log.Infof("session cancelled after %d lines", sum.Lines)
			return sum, nil
		case item, ok = <-lines:
		}
		if !ok {
			return sum, nil
		}
		if item.err != nil {
			return sum, fmt.Errorf("read stream: %w", item.err)
		}
		if started.IsZero() {
			started = now()
		}
		sum.Lines++

		frame, err := s.frame(ctx, item.line, now().Sub(started), index)
		if err != nil {
			if ctx.Err() != nil {
				return sum, nil
			}
			sum.Skipped++
			s.countSkip(err)
			log.Warnf("line %d skipped: %v", sum.Lines, err)
			continue
		}
		if frame == nil {
			if s.Metrics != nil {
				s.Metrics.FramesNoPose.Add(1)
			}
			continue
		}
		index++

		if s.Tap != nil {
			s.Tap(frame)
		}
		if a.Consume(frame) && s.Metrics != nil {
			s.Metrics.FramesConsumed.Add(1)
		}
		res := a.Result()
		if err := emit(res); err != nil {
			return sum, fmt.Errorf("emit result: %w", err)
		}
		sum.Last = res
		sum.Emitted++
		if s.Metrics != nil {
			s.Metrics.ResultsEmitted.Add(1)
		}
	}
}

// frame turns one line into a landmark frame, (nil, nil) when no pose was
// found, or a protocol/frame error.
func (s *StreamRunner) frame(ctx context.Context, line []byte, clock time.Duration, index uint64) (*types.LandmarkFrame, error) {
	var d Descriptor
	if err := json.Unmarshal(line, &d); err != nil {
		return nil, apperr.Protocol(err, "malformed line")
	}

	var frame *types.LandmarkFrame
	switch {
	case d.Landmarks != nil:
		f := *d.Landmarks
		frame = &f
		if !d.landmarksTimed {
			frame.Seq = index
			frame.Timestamp = clock
		}
	case d.Frame == "":
		return nil, apperr.Protocol(nil, "line has neither frame nor landmarks")
	default:
		if s.Estimator == nil {
			return nil, apperr.Protocol(nil, "frame given but no pose estimator configured")
		}
		img, err := imagecodec.DecodeBase64(d.Frame)
		if errors.Is(err, imagecodec.ErrBase64) {
			return nil, apperr.Protocol(err, "frame is not base64")
		}
		if err != nil {
			return nil, apperr.Frame(err, "decode frame")
		}
		if s.Metrics != nil {
			s.Metrics.FramesRead.Add(1)
		}
		start := time.Now()
		est, err := s.Estimator.Estimate(ctx, img)
		if s.Metrics != nil {
			s.Metrics.ObserveEstimate(time.Since(start))
		}
		if err != nil {
			return nil, apperr.Frame(err, "estimate pose")
		}
		if est == nil {
			return nil, nil
		}
		frame = est
		frame.Seq = index
		frame.Timestamp = clock
		if frame.Width == 0 || frame.Height == 0 {
			b := img.Bounds()
			frame.Width, frame.Height = b.Dx(), b.Dy()
		}
	}
	if d.TimeMs != nil {
		frame.Timestamp = time.Duration(*d.TimeMs * float64(time.Millisecond))
	}
	return frame, nil
}

func (s *StreamRunner) countSkip(err error) {
	if s.Metrics == nil {
		return
	}
	if errors.Is(err, apperr.ErrProtocol) {
		s.Metrics.ProtocolErrors.Add(1)
	} else {
		s.Metrics.FrameErrors.Add(1)
	}
}

type lineOrErr struct {
	line []byte
	err  error
}

// readLines sends each non-blank line of r, then closes out. A read error
// other than EOF is sent as the last item.
func readLines(r io.Reader, out chan<- lineOrErr, stop <-chan struct{}) {
	defer close(out)
	br := bufio.NewReaderSize(r, 256*1024)
	for {
		line, err := br.ReadBytes('\n')
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			select {
			case out <- lineOrErr{line: trimmed}:
			case <-stop:
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				select {
				case out <- lineOrErr{err: err}:
				case <-stop:
				}
			}
			return
		}
	}
}
