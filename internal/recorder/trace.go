package recorder

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"

	"github.com/dj-oyu/sai-fitness/analysis-server/internal/apperr"
	"github.com/dj-oyu/sai-fitness/analysis-server/pkg/types"
)

// Trace replays a recorded trace file as a landmark source.
type Trace struct {
	Header Header

	file *os.File
	r    *bufio.Reader
	line int
}

// OpenTrace opens path and reads its header line.
func OpenTrace(path string) (*Trace, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, apperr.Input(err, "open trace")
	}
	t := &Trace{file: f, r: bufio.NewReaderSize(f, 64*1024)}

	first, err := t.readLine()
	if err != nil {
		f.Close()
		if err == io.EOF {
			return nil, apperr.Input(nil, "trace %s is empty", path)
		}
		return nil, apperr.Input(err, "read trace header")
	}
	if err := json.Unmarshal(first, &t.Header); err != nil || t.Header.Session == "" {
		f.Close()
		return nil, apperr.Input(err, "trace %s has no header", path)
	}
	return t, nil
}

func (t *Trace) readLine() ([]byte, error) {
	for {
		line, err := t.r.ReadBytes('\n')
		t.line++
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			return line, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// Next returns the next recorded frame, or io.EOF. A corrupt line is
// reported as a frame error and skipped on the next call.
func (t *Trace) Next(ctx context.Context) (*types.LandmarkFrame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	line, err := t.readLine()
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, apperr.Input(err, "read trace")
	}
	var frame types.LandmarkFrame
	if err := json.Unmarshal(line, &frame); err != nil {
		return nil, apperr.Frame(err, "trace line %d", t.line)
	}
	return &frame, nil
}

func (t *Trace) Close() error { return t.file.Close() }
