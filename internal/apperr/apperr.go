// Package apperr defines the error kinds shared by the analysis pipeline and
// how fatal errors are reported at the process boundary.
package apperr

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrInput: missing file, unreachable URL, unreadable source. Fatal to the run.
	ErrInput = errors.New("input error")
	// ErrFrame: one frame failed decode or pose estimation. The frame is skipped.
	ErrFrame = errors.New("frame error")
	// ErrProtocol: malformed streaming line. The line is skipped.
	ErrProtocol = errors.New("protocol error")
	// ErrUpstream: media upload/download failure. Never fatal to scoring.
	ErrUpstream = errors.New("upstream error")
)

// Error attaches a kind and a human-readable message to an underlying cause.
type Error struct {
	Kind error
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	case e.Msg != "":
		return e.Msg
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return e.Kind.Error()
	}
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

func wrap(kind, err error, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// Input wraps err as an ErrInput.
func Input(err error, format string, args ...any) error {
	return wrap(ErrInput, err, format, args...)
}

// Frame wraps err as an ErrFrame.
func Frame(err error, format string, args ...any) error {
	return wrap(ErrFrame, err, format, args...)
}

// Protocol wraps err as an ErrProtocol.
func Protocol(err error, format string, args ...any) error {
	return wrap(ErrProtocol, err, format, args...)
}

// Upstream wraps err as an ErrUpstream.
func Upstream(err error, format string, args ...any) error {
	return wrap(ErrUpstream, err, format, args...)
}

// Recoverable reports whether err only invalidates a single frame or line.
func Recoverable(err error) bool {
	return errors.Is(err, ErrFrame) || errors.Is(err, ErrProtocol)
}

// Payload is the JSON object fatal errors are reported as.
type Payload struct {
	Error string `json:"error"`
}

// ToPayload converts err into its boundary representation.
func ToPayload(err error) Payload {
	if err == nil {
		return Payload{}
	}
	return Payload{Error: err.Error()}
}

// WriteJSON writes err as a single {"error": ...} line.
func WriteJSON(w io.Writer, err error) error {
	return json.NewEncoder(w).Encode(ToPayload(err))
}
