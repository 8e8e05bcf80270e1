package runner

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dj-oyu/sai-fitness/analysis-server/internal/analysis"
)

// Format selects the wire encoding of emitted results.
type Format string

const (
	FormatJSON     Format = "json"
	FormatProtobuf Format = "protobuf"
)

// ParseFormat accepts "json" (default for "") and "protobuf".
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case "", FormatJSON:
		return FormatJSON, nil
	case FormatProtobuf, "proto", "pb":
		return FormatProtobuf, nil
	}
	return "", fmt.Errorf("unknown output format %q", s)
}

// Emitter writes one result per line to w. It is safe for concurrent use.
type Emitter struct {
	mu     sync.Mutex
	w      io.Writer
	format Format
}

func NewEmitter(w io.Writer, format Format) *Emitter {
	return &Emitter{w: w, format: format}
}

// Emit writes res as a single line.
func (e *Emitter) Emit(res analysis.Result) error {
	line, err := EncodeResult(res, e.format)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	_, err = e.w.Write(append(line, '\n'))
	return err
}

// EncodeResult renders res without a trailing newline. The protobuf form is
// the base64 of a google.protobuf.Struct holding the same fields as the JSON
// form.
func EncodeResult(res analysis.Result, format Format) ([]byte, error) {
	if format != FormatProtobuf {
		data, err := json.Marshal(res)
		if err != nil {
			return nil, fmt.Errorf("marshal result: %w", err)
		}
		return data, nil
	}
	st, err := ResultStruct(res)
	if err != nil {
		return nil, err
	}
	pbData, err := proto.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("protobuf marshal: %w", err)
	}
	out := make([]byte, base64.StdEncoding.EncodedLen(len(pbData)))
	base64.StdEncoding.Encode(out, pbData)
	return out, nil
}

// ResultStruct converts res into a protobuf Struct via its JSON form.
func ResultStruct(res analysis.Result) (*structpb.Struct, error) {
	data, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	st, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("build struct: %w", err)
	}
	return st, nil
}
