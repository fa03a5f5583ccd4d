//go:build !portaudio

package device

import (
	"time"

	"github.com/rs/zerolog"
)

// PortAudioCapture is unavailable without the portaudio build tag
type PortAudioCapture struct{}

// NewPortAudioCapture always fails in this build
func NewPortAudioCapture(logger zerolog.Logger) (*PortAudioCapture, error) {
	return nil, ErrUnavailable
}

func (c *PortAudioCapture) Open(sampleRate, frameSize int, onFrame func([]int16)) error {
	return ErrUnavailable
}

func (c *PortAudioCapture) Close() error { return nil }

// Speaker is unavailable without the portaudio build tag
type Speaker struct{}

// NewSpeaker always fails in this build
func NewSpeaker(logger zerolog.Logger) (*Speaker, error) {
	return nil, ErrUnavailable
}

func (s *Speaker) Duration(payload []byte) (time.Duration, error) {
	return MP3Duration(payload)
}

func (s *Speaker) Play(payload []byte) (<-chan error, error) {
	return nil, ErrUnavailable
}

func (s *Speaker) Stop() {}

func (s *Speaker) Close() error { return nil }
