package video

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/dj-oyu/sai-fitness/analysis-server/internal/apperr"
	"github.com/dj-oyu/sai-fitness/analysis-server/internal/imagecodec"
)

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

// maxJPEGSize bounds a single frame so a corrupt stream cannot grow the
// buffer without limit.
const maxJPEGSize = 32 << 20

// MJPEGSource splits a concatenated JPEG stream (ffmpeg image2pipe output)
// into frames.
type MJPEGSource struct {
	r      *bufio.Reader
	closer io.Closer
	fps    float64
	index  uint64
}

// NewMJPEGSource reads JPEG images back to back from r. If r is an
// io.Closer it is closed by Close.
func NewMJPEGSource(r io.Reader, fps float64) *MJPEGSource {
	s := &MJPEGSource{r: bufio.NewReaderSize(r, 256*1024), fps: fps}
	if c, ok := r.(io.Closer); ok {
		s.closer = c
	}
	return s
}

func (s *MJPEGSource) Next(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	data, err := s.nextJPEG()
	if err != nil {
		return Frame{}, err
	}
	index := s.index
	s.index++
	img, _, err := imagecodec.Decode(data)
	if err != nil {
		return Frame{}, apperr.Frame(err, "frame %d", index)
	}
	return Frame{Seq: index, Timestamp: timestampAt(index, s.fps), Image: img}, nil
}

// nextJPEG returns the bytes from the next SOI marker through its EOI marker.
func (s *MJPEGSource) nextJPEG() ([]byte, error) {
	if err := s.skipTo(jpegSOI); err != nil {
		return nil, err
	}
	buf := bytes.NewBuffer(append([]byte(nil), jpegSOI...))
	var prev byte
	for {
		b, err := s.r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		buf.WriteByte(b)
		if prev == jpegEOI[0] && b == jpegEOI[1] {
			return buf.Bytes(), nil
		}
		if buf.Len() > maxJPEGSize {
			return nil, fmt.Errorf("jpeg frame exceeds %d bytes", maxJPEGSize)
		}
		prev = b
	}
}

func (s *MJPEGSource) skipTo(marker []byte) error {
	var prev byte
	first := true
	for {
		b, err := s.r.ReadByte()
		if err != nil {
			return err
		}
		if !first && prev == marker[0] && b == marker[1] {
			return nil
		}
		prev, first = b, false
	}
}

func (s *MJPEGSource) Close() error {
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}
