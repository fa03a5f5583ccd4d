//go:build portaudio

package device

import (
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-assistant/internal/observability"
)

// PortAudioCapture reads 16-bit mono frames from the default input device in callback mode
type PortAudioCapture struct {
	logger zerolog.Logger

	mu        sync.Mutex
	stream    *portaudio.Stream
	closeOnce sync.Once
}

// NewPortAudioCapture initializes PortAudio
func NewPortAudioCapture(logger zerolog.Logger) (*PortAudioCapture, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize PortAudio: %w", err)
	}
	return &PortAudioCapture{
		logger: observability.WithComponent(logger, "capture"),
	}, nil
}

// Open starts the input stream. onFrame runs on the PortAudio callback
// thread and must not block; the buffer is reused after it returns.
func (c *PortAudioCapture) Open(sampleRate, frameSize int, onFrame func([]int16)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stream != nil {
		return fmt.Errorf("capture already open")
	}

	stream, err := portaudio.OpenDefaultStream(1, 0, float64(sampleRate), frameSize, func(in []int16) {
		onFrame(in)
	})
	if err != nil {
		return fmt.Errorf("failed to open input stream: %w", err)
	}

	if err := stream.Start(); err != nil {
		stream.Close()
		return fmt.Errorf("failed to start input stream: %w", err)
	}

	c.stream = stream
	c.logger.Info().
		Int("sample_rate", sampleRate).
		Int("frame_size", frameSize).
		Msg("Microphone stream opened")
	return nil
}

// Close stops the stream and terminates PortAudio. Safe to call more than once.
func (c *PortAudioCapture) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		stream := c.stream
		c.stream = nil
		c.mu.Unlock()

		if stream != nil {
			if stopErr := stream.Stop(); stopErr != nil {
				c.logger.Warn().Err(stopErr).Msg("Failed to stop input stream")
			}
			err = stream.Close()
		}
		if termErr := portaudio.Terminate(); termErr != nil && err == nil {
			err = termErr
		}
	})
	return err
}
