// Package runner drives an analyzer over a session's frames, either a whole
// recorded video at once or a live stream of frame lines.
package runner

import (
	"context"
	"io"
	"time"

	"github.com/dj-oyu/sai-fitness/analysis-server/internal/apperr"
	"github.com/dj-oyu/sai-fitness/analysis-server/internal/metrics"
	"github.com/dj-oyu/sai-fitness/analysis-server/internal/pose"
	"github.com/dj-oyu/sai-fitness/analysis-server/internal/video"
	"github.com/dj-oyu/sai-fitness/analysis-server/pkg/types"
)

// LandmarkSource yields landmark frames in order. Next returns io.EOF at the
// end, and (nil, nil) for a frame where no person was detected. Errors that
// satisfy apperr.Recoverable skip a single frame.
type LandmarkSource interface {
	Next(ctx context.Context) (*types.LandmarkFrame, error)
	Close() error
}

// EstimatingSource runs pose estimation over the frames of a video source.
type EstimatingSource struct {
	Video     video.Source
	Estimator pose.Estimator
	Metrics   *metrics.Metrics
}

func (s *EstimatingSource) Next(ctx context.Context) (*types.LandmarkFrame, error) {
	vf, err := s.Video.Next(ctx)
	if err != nil {
		return nil, err
	}
	if s.Metrics != nil {
		s.Metrics.FramesRead.Add(1)
	}

	start := time.Now()
	lf, err := s.Estimator.Estimate(ctx, vf.Image)
	if s.Metrics != nil {
		s.Metrics.ObserveEstimate(time.Since(start))
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apperr.Frame(err, "estimate frame %d", vf.Seq)
	}
	if lf == nil {
		return nil, nil
	}
	lf.Seq = vf.Seq
	lf.Timestamp = vf.Timestamp
	if lf.Width == 0 || lf.Height == 0 {
		b := vf.Image.Bounds()
		lf.Width, lf.Height = b.Dx(), b.Dy()
	}
	return lf, nil
}

func (s *EstimatingSource) Close() error { return s.Video.Close() }

// SliceSource replays frames already in memory.
type SliceSource struct {
	Frames []*types.LandmarkFrame
	pos    int
	closed bool
}

// Frames returns a source over frames. A nil entry is a frame without a pose.
func Frames(frames ...*types.LandmarkFrame) *SliceSource {
	return &SliceSource{Frames: frames}
}

func (s *SliceSource) Next(ctx context.Context) (*types.LandmarkFrame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.pos >= len(s.Frames) {
		return nil, io.EOF
	}
	f := s.Frames[s.pos]
	s.pos++
	return f, nil
}

func (s *SliceSource) Close() error {
	s.closed = true
	return nil
}

// Closed reports whether Close was called.
func (s *SliceSource) Closed() bool { return s.closed }
