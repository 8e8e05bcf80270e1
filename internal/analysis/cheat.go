package analysis

import (
	"math"

	"github.com/dj-oyu/sai-fitness/analysis-server/pkg/types"
)

// Anomaly messages reported to clients.
const (
	AnomalyFootLift     = "Foot lift detected."
	AnomalyHandsPulling = "Hands pulling on head detected."
	AnomalyEarlySquat   = "Early squat detected."
	AnomalyJumpFoul     = "Jump foul detected"
)

// anomalySet is an insertion-ordered set of anomaly messages. Once an anomaly
// is flagged it stays flagged for the rest of the session.
type anomalySet struct {
	items []string
}

func (s *anomalySet) add(msg string) {
	for _, existing := range s.items {
		if existing == msg {
			return
		}
	}
	s.items = append(s.items, msg)
}

func (s *anomalySet) any() bool { return len(s.items) > 0 }

// list returns a copy that is never nil, so results always encode "anomalies": [].
func (s *anomalySet) list() []string {
	out := make([]string, len(s.items))
	copy(out, s.items)
	return out
}

// footLifted: ankle leaves the floor plane relative to the hip.
func footLifted(ankle, hip types.Landmark, threshold float64) bool {
	return math.Abs(ankle.Y-hip.Y) > threshold
}

// handsPullingHead: elbow tucked in line with the shoulder, i.e. hands behind the head.
func handsPullingHead(elbow, shoulder types.Landmark, threshold float64) bool {
	return math.Abs(elbow.X-shoulder.X) < threshold
}

// earlySquat: knee above the hip by more than margin before take-off.
func earlySquat(knee, hip types.Landmark, margin float64) bool {
	return knee.Y < hip.Y-margin
}
