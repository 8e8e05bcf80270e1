// Package video turns recorded attempts into ordered, timestamped images.
package video

import (
	"context"
	"image"
	"time"
)

// DefaultFPS is the sampling rate used when a source is not told otherwise.
const DefaultFPS = 30

// Frame is one decoded image and its position in the video.
type Frame struct {
	Seq       uint64
	Timestamp time.Duration
	Image     image.Image
}

// Source yields frames in presentation order. Next returns io.EOF after the
// last frame. Errors wrapping apperr.ErrFrame only invalidate that frame and
// the caller may keep reading.
type Source interface {
	Next(ctx context.Context) (Frame, error)
	Close() error
}

// timestampAt maps a frame index to its offset at fps.
func timestampAt(index uint64, fps float64) time.Duration {
	if fps <= 0 {
		fps = DefaultFPS
	}
	return time.Duration(float64(index) / fps * float64(time.Second))
}
