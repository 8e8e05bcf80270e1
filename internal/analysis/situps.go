package analysis

import (
	"github.com/dj-oyu/sai-fitness/analysis-server/internal/calibration"
	"github.com/dj-oyu/sai-fitness/analysis-server/pkg/types"
)

// SitUpPhase is the torso position of the rep state machine.
type SitUpPhase string

const (
	PhaseDown SitUpPhase = "DOWN"
	PhaseUp   SitUpPhase = "UP"
)

// SitUpsResult is the payload of a sit-ups result.
type SitUpsResult struct {
	Count int        `json:"count"`
	Phase SitUpPhase `json:"phase"`
}

var sitUpsLandmarks = []types.LandmarkID{
	types.LeftShoulder, types.LeftElbow, types.LeftHip, types.LeftKnee, types.LeftAnkle,
}

// SitUpsAnalyzer counts reps from the torso angle at the left hip.
type SitUpsAnalyzer struct {
	cal           calibration.SitUps
	minVisibility float64

	phase     SitUpPhase
	count     int
	anomalies anomalySet
}

// NewSitUps creates a sit-ups analyzer in the DOWN phase.
func NewSitUps(cal calibration.Set) *SitUpsAnalyzer {
	return &SitUpsAnalyzer{
		cal:           cal.SitUps,
		minVisibility: cal.MinVisibility,
		phase:         PhaseDown,
	}
}

func (a *SitUpsAnalyzer) TestType() ExerciseType { return SitUps }

func (a *SitUpsAnalyzer) Consume(frame *types.LandmarkFrame) bool {
	if !frame.Visible(a.minVisibility, sitUpsLandmarks...) {
		return false
	}
	shoulder, _ := frame.Get(types.LeftShoulder)
	elbow, _ := frame.Get(types.LeftElbow)
	hip, _ := frame.Get(types.LeftHip)
	knee, _ := frame.Get(types.LeftKnee)
	ankle, _ := frame.Get(types.LeftAnkle)

	if footLifted(ankle, hip, a.cal.FootLiftThreshold) {
		a.anomalies.add(AnomalyFootLift)
	}
	if handsPullingHead(elbow, shoulder, a.cal.HandsPullThreshold) {
		a.anomalies.add(AnomalyHandsPulling)
	}

	angle := jointAngle(shoulder, hip, knee)
	switch {
	case a.phase == PhaseDown && angle < a.cal.UpAngle:
		a.phase = PhaseUp
	case a.phase == PhaseUp && angle > a.cal.DownAngle:
		a.count++
		a.phase = PhaseDown
	}
	return true
}

func (a *SitUpsAnalyzer) Result() Result {
	cheated := a.anomalies.any()
	score := float64(a.count)
	if cheated {
		score = 0
	}
	return Result{
		TestType:      SitUps,
		Score:         score,
		Result:        SitUpsResult{Count: a.count, Phase: a.phase},
		CheatDetected: cheated,
		Anomalies:     a.anomalies.list(),
	}
}
