package analysis

import (
	"testing"

	"github.com/dj-oyu/sai-fitness/analysis-server/pkg/types"
)

// jumpPose places both hips at hip and both heels at heel (normalized x).
// At 1280px wide the pixel column is int(x*1280).
func jumpPose(hip, heel float64) *types.LandmarkFrame {
	f := newFrame()
	set(f, types.LeftHip, hip, 0.5)
	set(f, types.RightHip, hip, 0.5)
	set(f, types.LeftHeel, heel, 0.9)
	set(f, types.RightHeel, heel+0.01, 0.9)
	return f
}

func jumpUntilLanded() []*types.LandmarkFrame {
	return []*types.LandmarkFrame{
		jumpPose(0.2, 0.2),       // hip 256: ready
		jumpPose(0.3, 0.2),       // hip 384: jumping
		jumpPose(0.55, 0.5015),   // heel 641 -> 291px
		jumpPose(0.62, 0.6015),   // heel 769 -> 419px, hip 793 still ahead
		jumpPose(0.5915, 0.6015), // hip 757 < 350+419: landed
	}
}

func TestBroadJumpMeasured(t *testing.T) {
	a := NewBroadJump(defaultCal())
	feed(a, jumpUntilLanded()...)
	if a.State() != JumpLanded {
		t.Fatalf("state = %s, want LANDED", a.State())
	}
	a.Consume(jumpPose(0.585, 0.6015)) // hip 748 >= 757-15

	res := a.Result()
	payload := res.Result.(BroadJumpResult)
	if payload.State != JumpMeasured || payload.Status != StatusSuccess {
		t.Fatalf("state/status = %s/%s", payload.State, payload.Status)
	}
	if payload.MaxJumpPixels != 419 {
		t.Fatalf("max jump = %d px", payload.MaxJumpPixels)
	}
	if res.Score != 20.95 || payload.DistanceCm != 20.95 {
		t.Fatalf("score = %v, want 20.95", res.Score)
	}
	if res.CheatDetected {
		t.Fatalf("unexpected foul")
	}
	assertIdempotent(t, a)
}

func TestBroadJumpFoulForcesZero(t *testing.T) {
	a := NewBroadJump(defaultCal())
	feed(a, jumpUntilLanded()...)
	a.Consume(jumpPose(0.57, 0.6015)) // hip 729 < 742

	res := a.Result()
	payload := res.Result.(BroadJumpResult)
	if payload.Status != StatusFoul {
		t.Fatalf("status = %s, want FOUL", payload.Status)
	}
	if res.Score != 0 || payload.DistanceCm != 0 {
		t.Fatalf("score = %v distance = %v, want 0", res.Score, payload.DistanceCm)
	}
	if !res.CheatDetected || len(res.Anomalies) != 1 || res.Anomalies[0] != AnomalyJumpFoul {
		t.Fatalf("foul not reported: %+v", res)
	}
	if payload.MaxJumpPixels != 419 {
		t.Fatalf("measured distance should be kept in payload, got %d", payload.MaxJumpPixels)
	}
}

func TestBroadJumpStopsAfterMeasured(t *testing.T) {
	a := NewBroadJump(defaultCal())
	feed(a, jumpUntilLanded()...)
	a.Consume(jumpPose(0.585, 0.6015))
	if a.Consume(jumpPose(0.1, 0.1)) {
		t.Fatalf("measured analyzer consumed another frame")
	}
	if a.Result().Result.(BroadJumpResult).Status != StatusSuccess {
		t.Fatalf("late regression must not turn into a foul")
	}
}

func TestBroadJumpIncomplete(t *testing.T) {
	a := NewBroadJump(defaultCal())
	feed(a, jumpUntilLanded()[:4]...)
	res := a.Result()
	payload := res.Result.(BroadJumpResult)
	if payload.Status != StatusIncomplete || res.Score != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestBroadJumpHiddenHeelIsNoop(t *testing.T) {
	a := NewBroadJump(defaultCal())
	if a.Consume(hide(jumpPose(0.3, 0.2), types.RightHeel)) {
		t.Fatalf("frame with hidden heel consumed")
	}
	if a.State() != JumpReady {
		t.Fatalf("state = %s", a.State())
	}
}
