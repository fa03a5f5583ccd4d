//go:build portaudio

package device

import (
	"bytes"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/faiface/beep"
	"github.com/faiface/beep/mp3"
	"github.com/faiface/beep/speaker"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-assistant/internal/observability"
)

// Speaker plays MP3 payloads through beep's speaker
type Speaker struct {
	logger zerolog.Logger

	mu        sync.Mutex
	rate      beep.SampleRate // 0 until the speaker is initialized
	finish    func()
	closed    bool
	closeOnce sync.Once
}

// NewSpeaker creates a speaker; the output device opens on first Play
func NewSpeaker(logger zerolog.Logger) (*Speaker, error) {
	return &Speaker{
		logger: observability.WithComponent(logger, "speaker"),
	}, nil
}

// Duration measures the payload without playing it
func (s *Speaker) Duration(payload []byte) (time.Duration, error) {
	return MP3Duration(payload)
}

// Play decodes payload and starts playback. The returned channel receives
// once, when the audio ends or Stop is called.
func (s *Speaker) Play(payload []byte) (<-chan error, error) {
	streamer, format, err := mp3.Decode(io.NopCloser(bytes.NewReader(payload)))
	if err != nil {
		return nil, fmt.Errorf("failed to decode audio: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		streamer.Close()
		return nil, fmt.Errorf("speaker closed")
	}
	if s.rate == 0 {
		if err := speaker.Init(format.SampleRate, format.SampleRate.N(time.Second/10)); err != nil {
			streamer.Close()
			return nil, fmt.Errorf("failed to initialize speaker: %w", err)
		}
		s.rate = format.SampleRate
	}

	var source beep.Streamer = streamer
	if format.SampleRate != s.rate {
		source = beep.Resample(4, format.SampleRate, s.rate, streamer)
	}

	done := make(chan error, 1)
	var once sync.Once
	finish := func() {
		once.Do(func() {
			streamer.Close()
			done <- nil
		})
	}
	s.finish = finish

	speaker.Play(beep.Seq(source, beep.Callback(finish)))
	return done, nil
}

// Stop cuts the current playback
func (s *Speaker) Stop() {
	s.mu.Lock()
	finish := s.finish
	s.finish = nil
	initialized := s.rate != 0
	s.mu.Unlock()

	if initialized {
		speaker.Clear()
	}
	if finish != nil {
		finish()
	}
}

// Close stops playback. Safe to call more than once.
func (s *Speaker) Close() error {
	s.closeOnce.Do(func() {
		s.Stop()
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.logger.Debug().Msg("Speaker closed")
	})
	return nil
}
