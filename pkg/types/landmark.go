package types

import (
	"encoding/json"
	"time"
)

// LandmarkID indexes a body point in the MediaPipe pose layout (33 points).
type LandmarkID int

// Pose landmark indices
const (
	Nose           LandmarkID = 0
	LeftEyeInner   LandmarkID = 1
	LeftEye        LandmarkID = 2
	LeftEyeOuter   LandmarkID = 3
	RightEyeInner  LandmarkID = 4
	RightEye       LandmarkID = 5
	RightEyeOuter  LandmarkID = 6
	LeftEar        LandmarkID = 7
	RightEar       LandmarkID = 8
	MouthLeft      LandmarkID = 9
	MouthRight     LandmarkID = 10
	LeftShoulder   LandmarkID = 11
	RightShoulder  LandmarkID = 12
	LeftElbow      LandmarkID = 13
	RightElbow     LandmarkID = 14
	LeftWrist      LandmarkID = 15
	RightWrist     LandmarkID = 16
	LeftPinky      LandmarkID = 17
	RightPinky     LandmarkID = 18
	LeftIndex      LandmarkID = 19
	RightIndex     LandmarkID = 20
	LeftThumb      LandmarkID = 21
	RightThumb     LandmarkID = 22
	LeftHip        LandmarkID = 23
	RightHip       LandmarkID = 24
	LeftKnee       LandmarkID = 25
	RightKnee      LandmarkID = 26
	LeftAnkle      LandmarkID = 27
	RightAnkle     LandmarkID = 28
	LeftHeel       LandmarkID = 29
	RightHeel      LandmarkID = 30
	LeftFootIndex  LandmarkID = 31
	RightFootIndex LandmarkID = 32

	NumLandmarks = 33
)

var landmarkNames = [NumLandmarks]string{
	"nose", "left_eye_inner", "left_eye", "left_eye_outer",
	"right_eye_inner", "right_eye", "right_eye_outer",
	"left_ear", "right_ear", "mouth_left", "mouth_right",
	"left_shoulder", "right_shoulder", "left_elbow", "right_elbow",
	"left_wrist", "right_wrist", "left_pinky", "right_pinky",
	"left_index", "right_index", "left_thumb", "right_thumb",
	"left_hip", "right_hip", "left_knee", "right_knee",
	"left_ankle", "right_ankle", "left_heel", "right_heel",
	"left_foot_index", "right_foot_index",
}

// String returns the snake_case landmark name.
func (id LandmarkID) String() string {
	if id < 0 || int(id) >= NumLandmarks {
		return "unknown"
	}
	return landmarkNames[id]
}

// Landmark is one body point. X and Y are normalized to the frame width and
// height (origin top-left, y grows downward).
type Landmark struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Z          float64 `json:"z"`
	Visibility float64 `json:"visibility"`
}

// LandmarkFrame is the pose observation for one video frame.
// Analyzers must treat it as read-only.
type LandmarkFrame struct {
	Seq       uint64        `json:"seq"`
	Timestamp time.Duration `json:"-"`
	Width     int           `json:"width,omitempty"`  // Source frame width in pixels (0 = unknown)
	Height    int           `json:"height,omitempty"` // Source frame height in pixels (0 = unknown)
	Landmarks []Landmark    `json:"landmarks"`
}

// Get returns the landmark at id. ok is false when the frame does not carry it.
func (f *LandmarkFrame) Get(id LandmarkID) (Landmark, bool) {
	if f == nil || id < 0 || int(id) >= len(f.Landmarks) {
		return Landmark{}, false
	}
	return f.Landmarks[id], true
}

// Visible reports whether every listed landmark is present with
// visibility >= minVisibility.
func (f *LandmarkFrame) Visible(minVisibility float64, ids ...LandmarkID) bool {
	for _, id := range ids {
		lm, ok := f.Get(id)
		if !ok || lm.Visibility < minVisibility {
			return false
		}
	}
	return true
}

type landmarkFrameJSON struct {
	Seq       uint64     `json:"seq"`
	TimeMs    *float64   `json:"t_ms"`
	Width     int        `json:"width,omitempty"`
	Height    int        `json:"height,omitempty"`
	Landmarks []Landmark `json:"landmarks"`
}

// MarshalJSON encodes Timestamp as fractional milliseconds under "t_ms".
func (f LandmarkFrame) MarshalJSON() ([]byte, error) {
	ms := float64(f.Timestamp) / float64(time.Millisecond)
	return json.Marshal(landmarkFrameJSON{
		Seq:       f.Seq,
		TimeMs:    &ms,
		Width:     f.Width,
		Height:    f.Height,
		Landmarks: f.Landmarks,
	})
}

// UnmarshalJSON is the inverse of MarshalJSON. A missing "t_ms" decodes as
// a zero Timestamp; use DecodeFrame to tell the two apart.
func (f *LandmarkFrame) UnmarshalJSON(data []byte) error {
	frame, _, err := DecodeFrame(data)
	if err != nil {
		return err
	}
	*f = frame
	return nil
}

// DecodeFrame decodes a JSON landmark frame and reports whether it carried
// "t_ms".
func DecodeFrame(data []byte) (LandmarkFrame, bool, error) {
	var raw landmarkFrameJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return LandmarkFrame{}, false, err
	}
	f := LandmarkFrame{
		Seq:       raw.Seq,
		Width:     raw.Width,
		Height:    raw.Height,
		Landmarks: raw.Landmarks,
	}
	if raw.TimeMs != nil {
		f.Timestamp = time.Duration(*raw.TimeMs * float64(time.Millisecond))
	}
	return f, raw.TimeMs != nil, nil
}
