package analysis

import (
	"fmt"

	"github.com/dj-oyu/sai-fitness/analysis-server/internal/calibration"
)

// InvalidExerciseTypeError is returned for a tag no analyzer handles.
type InvalidExerciseTypeError struct {
	Tag string
}

func (e *InvalidExerciseTypeError) Error() string {
	return fmt.Sprintf("Invalid test type: %s", e.Tag)
}

type constructor func(calibration.Set) Analyzer

var constructors = map[ExerciseType]constructor{
	SitUps:       func(c calibration.Set) Analyzer { return NewSitUps(c) },
	VerticalJump: func(c calibration.Set) Analyzer { return NewVerticalJump(c) },
	ShuttleRun:   func(c calibration.Set) Analyzer { return NewShuttleRun(c) },
	BroadJump:    func(c calibration.Set) Analyzer { return NewBroadJump(c) },
	EnduranceRun: func(c calibration.Set) Analyzer { return NewEnduranceRun(c) },
}

// ParseExerciseType validates a tag without building an analyzer.
func ParseExerciseType(tag string) (ExerciseType, error) {
	t := ExerciseType(tag)
	if _, ok := constructors[t]; !ok {
		return "", &InvalidExerciseTypeError{Tag: tag}
	}
	return t, nil
}

// New builds a fresh analyzer for tag. Unknown tags never fall back to a
// default analyzer.
func New(tag string, cal calibration.Set) (Analyzer, error) {
	t, err := ParseExerciseType(tag)
	if err != nil {
		return nil, err
	}
	return constructors[t](cal), nil
}
