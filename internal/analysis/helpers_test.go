package analysis

import (
	"math"
	"reflect"
	"testing"
	"time"

	"github.com/dj-oyu/sai-fitness/analysis-server/internal/calibration"
	"github.com/dj-oyu/sai-fitness/analysis-server/pkg/types"
)

// newFrame returns a frame with every landmark fully visible at the centre.
func newFrame() *types.LandmarkFrame {
	lms := make([]types.Landmark, types.NumLandmarks)
	for i := range lms {
		lms[i] = types.Landmark{X: 0.5, Y: 0.5, Visibility: 1}
	}
	return &types.LandmarkFrame{Width: 1280, Height: 720, Landmarks: lms}
}

func set(f *types.LandmarkFrame, id types.LandmarkID, x, y float64) {
	f.Landmarks[id].X = x
	f.Landmarks[id].Y = y
}

func hide(f *types.LandmarkFrame, id types.LandmarkID) *types.LandmarkFrame {
	f.Landmarks[id].Visibility = 0.2
	return f
}

func at(f *types.LandmarkFrame, t time.Duration) *types.LandmarkFrame {
	f.Timestamp = t
	return f
}

// sitUpFrame builds a frame whose shoulder-hip-knee angle equals deg, with
// feet down and elbows away from the head.
func sitUpFrame(deg float64) *types.LandmarkFrame {
	f := newFrame()
	hip := types.Landmark{X: 0.5, Y: 0.6}
	rad := deg * math.Pi / 180
	shoulderX := hip.X + 0.2*math.Cos(rad)
	shoulderY := hip.Y - 0.2*math.Sin(rad)
	set(f, types.LeftHip, hip.X, hip.Y)
	set(f, types.LeftKnee, 0.7, 0.6)
	set(f, types.LeftAnkle, 0.9, 0.62)
	set(f, types.LeftShoulder, shoulderX, shoulderY)
	set(f, types.LeftElbow, shoulderX+0.1, shoulderY+0.05)
	return f
}

func feed(a Analyzer, frames ...*types.LandmarkFrame) {
	for _, f := range frames {
		a.Consume(f)
	}
}

func assertIdempotent(t *testing.T, a Analyzer) {
	t.Helper()
	first := a.Result()
	second := a.Result()
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("Result() not idempotent:\n%+v\n%+v", first, second)
	}
}

func defaultCal() calibration.Set { return calibration.Default() }
