// Package analysis implements the per-exercise scoring engine.
//
// Each exercise is an independent finite-state analyzer over a sequence of
// landmark frames. Analyzers are not safe for concurrent use: a session owns
// exactly one analyzer and feeds it frames in arrival order.
package analysis

import (
	"math"

	"github.com/dj-oyu/sai-fitness/analysis-server/pkg/types"
)

// ExerciseType is the tag selecting an analyzer.
type ExerciseType string

const (
	SitUps       ExerciseType = "Sit Ups"
	VerticalJump ExerciseType = "Vertical Jump"
	ShuttleRun   ExerciseType = "Shuttle Run"
	BroadJump    ExerciseType = "Broad Jump"
	EnduranceRun ExerciseType = "Endurance Run"
)

// ExerciseTypes lists every supported tag in a stable order.
func ExerciseTypes() []ExerciseType {
	return []ExerciseType{SitUps, VerticalJump, ShuttleRun, BroadJump, EnduranceRun}
}

// Status values shared by the state-machine exercises.
const (
	StatusSuccess    = "SUCCESS"
	StatusIncomplete = "INCOMPLETE"
	StatusFoul       = "FOUL"
)

// Result is the scored outcome of a session so far.
type Result struct {
	TestType         ExerciseType `json:"testType"`
	Score            float64      `json:"score"`
	Result           any          `json:"result"`
	CheatDetected    bool         `json:"cheatDetected"`
	Anomalies        []string     `json:"anomalies"`
	AnalyzedVideoURL string       `json:"analyzedVideoUrl,omitempty"`
	// TraceURL points at the published landmark trace of the session.
	TraceURL string `json:"traceUrl,omitempty"`
}

// Analyzer turns landmark frames into a score.
type Analyzer interface {
	TestType() ExerciseType

	// Consume feeds one frame. It reports false, leaving state untouched, when
	// the frame is nil or its required landmarks are not visible enough.
	Consume(frame *types.LandmarkFrame) bool

	// Result returns the current outcome. It never mutates state.
	Result() Result
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
