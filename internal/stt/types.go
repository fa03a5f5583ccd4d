package stt

import (
	"context"
	"errors"
)

// SpeechEvent is a recognizer-side voice activity signal.
type SpeechEvent int

const (
	EventNone SpeechEvent = iota
	// EventEndOfUtterance means the recognizer decided the speaker finished.
	EventEndOfUtterance
)

// Response is one recognizer message normalized across backends.
type Response struct {
	// Transcript is the best alternative of the first result
	Transcript string

	// IsFinal indicates if this is a final transcription (true) or interim (false)
	IsFinal bool

	// Stability is the recognizer's estimate that the interim text will not change
	Stability float64

	// Confidence is the confidence score (0.0 to 1.0) if available
	Confidence float64

	// Event carries a voice activity signal, if any
	Event SpeechEvent

	// HasResults is false for event-only or keepalive messages
	HasResults bool
}

// ErrMalformedResponse marks a recognizer message with an unexpected shape.
// Callers skip it and keep reading.
var ErrMalformedResponse = errors.New("malformed recognizer response")

// ErrStreamClosed is returned when sending on a finished stream
var ErrStreamClosed = errors.New("recognition stream closed")

// Stream is one bidirectional recognition exchange.
type Stream interface {
	// Send forwards a chunk of LINEAR16 audio
	Send(audio []byte) error

	// CloseSend signals end of audio; results keep arriving until Recv returns io.EOF
	CloseSend() error

	// Recv blocks for the next response. It returns io.EOF once the
	// recognizer has delivered everything.
	Recv() (*Response, error)

	// Close releases the stream
	Close() error
}

// Transport opens recognition streams against a backend.
type Transport interface {
	// Open starts a new exchange
	Open(ctx context.Context) (Stream, error)

	// Name identifies the backend in logs and metrics
	Name() string

	// Close closes the client and cleans up resources
	Close() error
}

// StreamConfig is shared by all backends
type StreamConfig struct {
	SampleRate   int
	LanguageCode string
	Model        string
}
