package analysis

import (
	"math"

	"github.com/dj-oyu/sai-fitness/analysis-server/internal/calibration"
	"github.com/dj-oyu/sai-fitness/analysis-server/pkg/types"
)

// BroadJumpState is the broad jump state machine position.
type BroadJumpState string

const (
	JumpReady    BroadJumpState = "READY"
	JumpJumping  BroadJumpState = "JUMPING"
	JumpLanded   BroadJumpState = "LANDED"
	JumpMeasured BroadJumpState = "MEASURED"
)

// BroadJumpResult is the payload of a broad jump result.
type BroadJumpResult struct {
	DistanceCm    float64        `json:"distanceCm"`
	MaxJumpPixels int            `json:"maxJumpPixels"`
	State         BroadJumpState `json:"state"`
	Status        string         `json:"status"`
}

var broadJumpLandmarks = []types.LandmarkID{
	types.LeftHip, types.RightHip, types.LeftHeel, types.RightHeel,
}

// BroadJumpAnalyzer measures the distance from the take-off line to the
// rearmost heel and flags a foul when the athlete falls back after landing.
type BroadJumpAnalyzer struct {
	cal           calibration.BroadJump
	minVisibility float64

	state       BroadJumpState
	maxJumpPx   int
	landingHipX int
	foul        bool
}

// NewBroadJump creates a broad jump analyzer in the READY state.
func NewBroadJump(cal calibration.Set) *BroadJumpAnalyzer {
	return &BroadJumpAnalyzer{
		cal:           cal.BroadJump,
		minVisibility: cal.MinVisibility,
		state:         JumpReady,
	}
}

func (a *BroadJumpAnalyzer) TestType() ExerciseType { return BroadJump }

// State returns the current state machine position.
func (a *BroadJumpAnalyzer) State() BroadJumpState { return a.state }

func (a *BroadJumpAnalyzer) Consume(frame *types.LandmarkFrame) bool {
	if a.state == JumpMeasured {
		return false
	}
	if !frame.Visible(a.minVisibility, broadJumpLandmarks...) {
		return false
	}
	leftHip, _ := frame.Get(types.LeftHip)
	rightHip, _ := frame.Get(types.RightHip)
	leftHeel, _ := frame.Get(types.LeftHeel)
	rightHeel, _ := frame.Get(types.RightHeel)

	w := float64(frameWidth(frame, a.cal.DefaultFrameWidth))
	hipX := int((leftHip.X + rightHip.X) * w / 2)
	heelX := int(math.Min(leftHeel.X, rightHeel.X) * w)

	switch a.state {
	case JumpReady:
		if hipX > a.cal.TakeOffLineX {
			a.state = JumpJumping
		}
	case JumpJumping:
		if jump := heelX - a.cal.TakeOffLineX; jump > a.maxJumpPx {
			a.maxJumpPx = jump
		}
		if hipX < a.cal.TakeOffLineX+a.maxJumpPx {
			a.state = JumpLanded
			a.landingHipX = hipX
		}
	case JumpLanded:
		if hipX < a.landingHipX-a.cal.FoulThresholdPx {
			a.foul = true
		}
		a.state = JumpMeasured
	}
	return true
}

func (a *BroadJumpAnalyzer) Result() Result {
	payload := BroadJumpResult{
		MaxJumpPixels: a.maxJumpPx,
		State:         a.state,
	}
	res := Result{TestType: BroadJump, Anomalies: []string{}}

	switch {
	case a.foul:
		payload.Status = StatusFoul
		res.CheatDetected = true
		res.Anomalies = []string{AnomalyJumpFoul}
	case a.state == JumpLanded || a.state == JumpMeasured:
		payload.Status = StatusSuccess
		payload.DistanceCm = round2(float64(a.maxJumpPx) / a.cal.PixelsPerCm)
		res.Score = payload.DistanceCm
	default:
		payload.Status = StatusIncomplete
	}
	res.Result = payload
	return res
}
