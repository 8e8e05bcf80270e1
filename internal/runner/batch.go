package runner

import (
	"context"
	"errors"
	"io"

	"github.com/dj-oyu/sai-fitness/analysis-server/internal/analysis"
	"github.com/dj-oyu/sai-fitness/analysis-server/internal/apperr"
	"github.com/dj-oyu/sai-fitness/analysis-server/internal/logger"
	"github.com/dj-oyu/sai-fitness/analysis-server/internal/metrics"
	"github.com/dj-oyu/sai-fitness/analysis-server/pkg/types"
)

// BatchRunner feeds every frame of a source to one analyzer and reports a
// single result at the end.
type BatchRunner struct {
	Metrics *metrics.Metrics
	Log     *logger.Module
	// Tap, if set, sees every frame the analyzer is given (trace recording).
	Tap func(*types.LandmarkFrame)
}

// Run consumes src in order until it is exhausted or ctx is cancelled, then
// returns the analyzer's result. Cancellation is treated as end of input.
// src is closed on every path.
func (b *BatchRunner) Run(ctx context.Context, src LandmarkSource, a analysis.Analyzer) (analysis.Result, error) {
	log := b.Log
	if log == nil {
		log = logger.For("Batch")
	}
	defer func() {
		if err := src.Close(); err != nil {
			log.Warnf("close source: %v", err)
		}
	}()

	var frames, consumed, skipped int
	for {
		frame, err := src.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if ctx.Err() != nil {
				log.Infof("cancelled after %d frames", frames)
				break
			}
			if apperr.Recoverable(err) {
				skipped++
				b.count(func(m *metrics.Metrics) { m.FrameErrors.Add(1) })
				log.Warnf("skipping frame: %v", err)
				continue
			}
			return analysis.Result{}, err
		}
		frames++
		if frame == nil {
			b.count(func(m *metrics.Metrics) { m.FramesNoPose.Add(1) })
			continue
		}
		if b.Tap != nil {
			b.Tap(frame)
		}
		if a.Consume(frame) {
			consumed++
			b.count(func(m *metrics.Metrics) { m.FramesConsumed.Add(1) })
		}
	}

	res := a.Result()
	log.Infof("%s: %d frames, %d consumed, %d skipped, score %v", a.TestType(), frames, consumed, skipped, res.Score)
	return res, nil
}

func (b *BatchRunner) count(f func(*metrics.Metrics)) {
	if b.Metrics != nil {
		f(b.Metrics)
	}
}
