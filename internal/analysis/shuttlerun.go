package analysis

import (
	"time"

	"github.com/dj-oyu/sai-fitness/analysis-server/internal/calibration"
	"github.com/dj-oyu/sai-fitness/analysis-server/pkg/types"
)

// ShuttleState is the shuttle run state machine position.
type ShuttleState string

const (
	ShuttleReady     ShuttleState = "READY"
	ShuttleRunning   ShuttleState = "RUNNING"
	ShuttleReturning ShuttleState = "RETURNING"
	ShuttleFinished  ShuttleState = "FINISHED"
)

// ShuttleRunResult is the payload of a shuttle run result.
type ShuttleRunResult struct {
	LapsCompleted    int          `json:"lapsCompleted"`
	FinalTimeSeconds float64      `json:"finalTimeSeconds"`
	ElapsedSeconds   float64      `json:"elapsedSeconds"`
	State            ShuttleState `json:"state"`
	Status           string       `json:"status"`
}

// ShuttleRunAnalyzer times a run between two horizontal lines using the right
// wrist. All timing comes from frame timestamps so batch and live sessions
// over the same frames agree.
type ShuttleRunAnalyzer struct {
	cal           calibration.ShuttleRun
	minVisibility float64

	state     ShuttleState
	laps      int
	startedAt time.Duration
	lastSeen  time.Duration
	finalTime time.Duration
}

// NewShuttleRun creates a shuttle run analyzer in the READY state.
func NewShuttleRun(cal calibration.Set) *ShuttleRunAnalyzer {
	return &ShuttleRunAnalyzer{
		cal:           cal.ShuttleRun,
		minVisibility: cal.MinVisibility,
		state:         ShuttleReady,
	}
}

func (a *ShuttleRunAnalyzer) TestType() ExerciseType { return ShuttleRun }

// State returns the current state machine position.
func (a *ShuttleRunAnalyzer) State() ShuttleState { return a.state }

func (a *ShuttleRunAnalyzer) Consume(frame *types.LandmarkFrame) bool {
	if a.state == ShuttleFinished {
		return false
	}
	if !frame.Visible(a.minVisibility, types.RightWrist) {
		return false
	}
	wrist, _ := frame.Get(types.RightWrist)
	y := int(wrist.Y * float64(frameHeight(frame, a.cal.DefaultFrameHeight)))
	a.lastSeen = frame.Timestamp

	switch a.state {
	case ShuttleReady:
		if y > a.cal.StartLineY {
			a.state = ShuttleRunning
			a.startedAt = frame.Timestamp
		}
	case ShuttleRunning:
		if absInt(y-a.cal.FarLineY) < a.cal.TouchThreshold {
			a.state = ShuttleReturning
			a.laps++
		}
	case ShuttleReturning:
		if absInt(y-a.cal.StartLineY) < a.cal.TouchThreshold {
			a.laps++
			if a.laps == a.cal.Laps {
				a.state = ShuttleFinished
				a.finalTime = frame.Timestamp - a.startedAt
			} else {
				a.state = ShuttleRunning
			}
		}
	}
	return true
}

func (a *ShuttleRunAnalyzer) Result() Result {
	payload := ShuttleRunResult{
		LapsCompleted: a.laps,
		State:         a.state,
		Status:        StatusIncomplete,
	}
	if a.state != ShuttleReady {
		payload.ElapsedSeconds = round2((a.lastSeen - a.startedAt).Seconds())
	}
	var score float64
	if a.state == ShuttleFinished {
		payload.Status = StatusSuccess
		payload.FinalTimeSeconds = round2(a.finalTime.Seconds())
		payload.ElapsedSeconds = payload.FinalTimeSeconds
		score = payload.FinalTimeSeconds
	}
	return Result{
		TestType:  ShuttleRun,
		Score:     score,
		Result:    payload,
		Anomalies: []string{},
	}
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
