package analysis

import (
	"github.com/dj-oyu/sai-fitness/analysis-server/internal/calibration"
	"github.com/dj-oyu/sai-fitness/analysis-server/pkg/types"
)

// DistanceUnitNormalized marks a distance summed in normalized image
// coordinates. It is a movement proxy, not a physical distance.
const DistanceUnitNormalized = "normalized"

// EnduranceRunResult is the payload of an endurance run result.
type EnduranceRunResult struct {
	DistanceCovered float64 `json:"distanceCovered"`
	Unit            string  `json:"unit"`
}

// EnduranceRunAnalyzer integrates right-hip displacement between frames.
// The total is uncalibrated: camera distance, zoom and panning all scale it.
type EnduranceRunAnalyzer struct {
	minVisibility float64

	hasPrev bool
	prev    types.Landmark
	total   float64
}

// NewEnduranceRun creates an endurance run analyzer.
func NewEnduranceRun(cal calibration.Set) *EnduranceRunAnalyzer {
	return &EnduranceRunAnalyzer{minVisibility: cal.MinVisibility}
}

func (a *EnduranceRunAnalyzer) TestType() ExerciseType { return EnduranceRun }

func (a *EnduranceRunAnalyzer) Consume(frame *types.LandmarkFrame) bool {
	if !frame.Visible(a.minVisibility, types.RightHip) {
		return false
	}
	hip, _ := frame.Get(types.RightHip)
	if a.hasPrev {
		a.total += planarDistance(a.prev, hip)
	}
	a.prev = hip
	a.hasPrev = true
	return true
}

func (a *EnduranceRunAnalyzer) Result() Result {
	distance := round2(a.total)
	return Result{
		TestType: EnduranceRun,
		Score:    distance,
		Result: EnduranceRunResult{
			DistanceCovered: distance,
			Unit:            DistanceUnitNormalized,
		},
		Anomalies: []string{},
	}
}
