// Package pose adapts a pose-estimation backend into landmark frames.
package pose

import (
	"context"
	"image"

	"github.com/dj-oyu/sai-fitness/analysis-server/pkg/types"
)

// Estimator extracts body landmarks from one image. A nil frame with a nil
// error means no person was detected.
type Estimator interface {
	Estimate(ctx context.Context, img image.Image) (*types.LandmarkFrame, error)
}

// EstimatorFunc adapts a function into an Estimator.
type EstimatorFunc func(ctx context.Context, img image.Image) (*types.LandmarkFrame, error)

func (f EstimatorFunc) Estimate(ctx context.Context, img image.Image) (*types.LandmarkFrame, error) {
	return f(ctx, img)
}
