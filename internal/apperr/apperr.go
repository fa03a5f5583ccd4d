// Package apperr defines the error kinds surfaced by the assistant engine.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure by how the engine reacts to it.
type Kind int

const (
	KindUnknown Kind = iota
	// KindCaptureDevice is fatal, the session cannot continue without input.
	KindCaptureDevice
	// KindTransport aborts the current utterance.
	KindTransport
	// KindRecognitionTimeout ends an utterance without a transcript.
	KindRecognitionTimeout
	// KindPlaybackDevice completes the failing playback item early.
	KindPlaybackDevice
	// KindMalformedResponse is skipped.
	KindMalformedResponse
)

func (k Kind) String() string {
	switch k {
	case KindCaptureDevice:
		return "capture_device"
	case KindTransport:
		return "transport"
	case KindRecognitionTimeout:
		return "recognition_timeout"
	case KindPlaybackDevice:
		return "playback_device"
	case KindMalformedResponse:
		return "malformed_response"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is matching against a kind.
var (
	ErrCaptureDevice      = &Error{Kind: KindCaptureDevice}
	ErrTransport          = &Error{Kind: KindTransport}
	ErrRecognitionTimeout = &Error{Kind: KindRecognitionTimeout}
	ErrPlaybackDevice     = &Error{Kind: KindPlaybackDevice}
	ErrMalformedResponse  = &Error{Kind: KindMalformedResponse}
)

// Error is a classified failure.
type Error struct {
	Kind Kind
	Op   string // operation that failed, e.g. "capture.open"
	Err  error
}

// New wraps err with a kind and operation
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so the package sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
