package analysis

import (
	"math"

	"github.com/dj-oyu/sai-fitness/analysis-server/internal/calibration"
	"github.com/dj-oyu/sai-fitness/analysis-server/pkg/types"
)

// VerticalJumpResult is the payload of a vertical jump result.
type VerticalJumpResult struct {
	JumpHeightCm  float64 `json:"jumpHeightCm"`
	PeakDelta     float64 `json:"peakDelta"`
	StandingReach float64 `json:"standingReach"`
	FrameHeight   int     `json:"frameHeight"`
}

var verticalJumpLandmarks = []types.LandmarkID{
	types.LeftWrist, types.RightWrist, types.RightHip, types.RightKnee,
}

// VerticalJumpAnalyzer measures the highest wrist rise above the standing
// reach. The reach is the first sample of the warm-up window, not an average.
// The best jump is tracked in centimetres, each rise converted with the height
// of its own frame, so a later frame of another size cannot lower the score.
type VerticalJumpAnalyzer struct {
	cal           calibration.VerticalJump
	minVisibility float64

	consumed      int
	hasReach      bool
	standingReach float64
	peakDelta     float64
	peakCm        float64
	frameHeight   int // of the peak frame, or the latest one before any peak
	anomalies     anomalySet
}

// NewVerticalJump creates a vertical jump analyzer.
func NewVerticalJump(cal calibration.Set) *VerticalJumpAnalyzer {
	return &VerticalJumpAnalyzer{
		cal:           cal.VerticalJump,
		minVisibility: cal.MinVisibility,
		frameHeight:   cal.VerticalJump.DefaultFrameHeight,
	}
}

func (a *VerticalJumpAnalyzer) TestType() ExerciseType { return VerticalJump }

func (a *VerticalJumpAnalyzer) Consume(frame *types.LandmarkFrame) bool {
	if !frame.Visible(a.minVisibility, verticalJumpLandmarks...) {
		return false
	}
	leftWrist, _ := frame.Get(types.LeftWrist)
	rightWrist, _ := frame.Get(types.RightWrist)
	hip, _ := frame.Get(types.RightHip)
	knee, _ := frame.Get(types.RightKnee)

	wristY := math.Min(leftWrist.Y, rightWrist.Y)
	if !a.hasReach && a.consumed < a.cal.WarmupFrames {
		a.standingReach = wristY
		a.hasReach = true
	}
	a.consumed++
	height := frameHeight(frame, a.cal.DefaultFrameHeight)
	if a.peakDelta == 0 {
		a.frameHeight = height
	}

	if a.hasReach {
		delta := a.standingReach - wristY
		if cm := delta * float64(height) * a.cal.PixelToCm; delta > 0 && cm > a.peakCm {
			a.peakDelta = delta
			a.peakCm = cm
			a.frameHeight = height
		}
	}
	if earlySquat(knee, hip, a.cal.EarlySquatMargin) {
		a.anomalies.add(AnomalyEarlySquat)
	}
	return true
}

func (a *VerticalJumpAnalyzer) Result() Result {
	heightCm := round2(a.peakCm)
	return Result{
		TestType: VerticalJump,
		Score:    heightCm,
		Result: VerticalJumpResult{
			JumpHeightCm:  heightCm,
			PeakDelta:     a.peakDelta,
			StandingReach: a.standingReach,
			FrameHeight:   a.frameHeight,
		},
		CheatDetected: a.anomalies.any(),
		Anomalies:     a.anomalies.list(),
	}
}
