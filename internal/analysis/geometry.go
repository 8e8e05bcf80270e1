package analysis

import (
	"math"

	"github.com/dj-oyu/sai-fitness/analysis-server/pkg/types"
)

// jointAngle returns the angle at vertex b formed by a-b-c in degrees,
// folded into [0, 180].
func jointAngle(a, b, c types.Landmark) float64 {
	radians := math.Atan2(c.Y-b.Y, c.X-b.X) - math.Atan2(a.Y-b.Y, a.X-b.X)
	angle := math.Abs(radians * 180.0 / math.Pi)
	if angle > 180.0 {
		angle = 360 - angle
	}
	return angle
}

// planarDistance is the Euclidean distance in normalized image coordinates.
func planarDistance(a, b types.Landmark) float64 {
	return math.Hypot(b.X-a.X, b.Y-a.Y)
}

func frameHeight(f *types.LandmarkFrame, fallback int) int {
	if f.Height > 0 {
		return f.Height
	}
	return fallback
}

func frameWidth(f *types.LandmarkFrame, fallback int) int {
	if f.Width > 0 {
		return f.Width
	}
	return fallback
}
