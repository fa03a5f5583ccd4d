// Package playback serializes synthesized speech and drives the duplex gate.
package playback

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-assistant/internal/apperr"
	"github.com/lexiqai/voice-assistant/internal/duplex"
	"github.com/lexiqai/voice-assistant/internal/monitor"
	"github.com/lexiqai/voice-assistant/internal/observability"
	"github.com/lexiqai/voice-assistant/internal/resilience"
	"github.com/lexiqai/voice-assistant/internal/tts"
)

// ErrClosed is returned by Speak after Close
var ErrClosed = errors.New("playback scheduler closed")

// Device plays encoded audio payloads
type Device interface {
	// Duration measures a payload without playing it
	Duration(payload []byte) (time.Duration, error)

	// Play starts playback and returns a channel that receives once when it ends
	Play(payload []byte) (<-chan error, error)

	// Stop halts the current playback; its channel still fires
	Stop()

	// Close releases the output device. Safe to call more than once.
	Close() error
}

// EventSink receives playback events
type EventSink interface {
	Publish(e monitor.Event)
}

// Config holds playback timing and voice selection
type Config struct {
	Cooldown        time.Duration // Capture stays muted this long after an item ends
	EarlyListen     time.Duration // Capture reopens this long before an item ends
	DefaultDuration time.Duration // Used when a payload cannot be measured
	MinTextLength   int           // Shorter fragments are dropped while busy
	QueueSize       int
	LanguageCode    string
	VoiceID         string
	ShutdownTimeout time.Duration
}

// DefaultConfig returns the default playback configuration
func DefaultConfig() *Config {
	return &Config{
		Cooldown:        500 * time.Millisecond,
		EarlyListen:     90 * time.Millisecond,
		DefaultDuration: 2 * time.Second,
		MinTextLength:   5,
		QueueSize:       32,
		LanguageCode:    "en-US",
		ShutdownTimeout: 2 * time.Second,
	}
}

// Item is one synthesized utterance waiting for the speaker
type Item struct {
	Text     string
	Payload  []byte
	Duration time.Duration

	generation uint64
}

// Scheduler plays items one at a time in submission order. Every submitted
// item holds a gate reservation until it starts, so capture is muted from
// the moment text is accepted.
type Scheduler struct {
	config         *Config
	synth          tts.Synthesizer
	device         Device
	gate           *duplex.Gate
	circuitBreaker *resilience.CircuitBreaker
	retry          *resilience.RetryConfig
	metrics        *observability.Metrics
	events         EventSink
	logger         zerolog.Logger

	items      chan *Item
	generation atomic.Uint64

	mu        sync.Mutex
	queued    int           // accepted, not yet playing
	playing   bool
	interrupt chan struct{} // closed by Stop to cut the current item

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once
}

// Options carries the optional collaborators of a Scheduler
type Options struct {
	CircuitBreaker *resilience.CircuitBreaker
	Retry          *resilience.RetryConfig
	Metrics        *observability.Metrics
	Events         EventSink
	Logger         zerolog.Logger
}

// NewScheduler creates a scheduler and starts its playback worker
func NewScheduler(config *Config, synth tts.Synthesizer, device Device, gate *duplex.Gate, opts Options) *Scheduler {
	if config == nil {
		config = DefaultConfig()
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 32
	}
	if opts.Retry == nil {
		opts.Retry = resilience.DefaultRetryConfig()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		config:         config,
		synth:          synth,
		device:         device,
		gate:           gate,
		circuitBreaker: opts.CircuitBreaker,
		retry:          opts.Retry,
		metrics:        opts.Metrics,
		events:         opts.Events,
		logger:         observability.WithComponent(opts.Logger, "playback"),
		items:          make(chan *Item, config.QueueSize),
		ctx:            ctx,
		cancel:         cancel,
		done:           make(chan struct{}),
	}

	go s.run()
	return s
}

// Speak synthesizes text and queues it for playback. It returns once the
// item is queued, not when it has been played.
func (s *Scheduler) Speak(ctx context.Context, text string) error {
	if s.closed.Load() {
		return ErrClosed
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	if s.shouldFilter(text) {
		s.logger.Debug().Str("text", text).Msg("Dropping short fragment while busy")
		if s.metrics != nil {
			s.metrics.RecordPlayback("filtered", 0)
		}
		return nil
	}

	// Close sets closed under mu before it resets the gate
	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		return ErrClosed
	}
	generation := s.generation.Load()
	s.gate.Reserve()
	s.queued++
	s.mu.Unlock()

	payload, err := s.synthesize(ctx, text)
	if err != nil {
		s.abandon()
		if s.metrics != nil {
			s.metrics.RecordPlayback("synth_error", 0)
			s.metrics.RecordError("synthesis_error", "playback")
		}
		return fmt.Errorf("failed to synthesize %q: %w", text, err)
	}

	duration, err := s.device.Duration(payload)
	if err != nil || duration <= 0 {
		s.logger.Debug().Err(err).Msg("Could not measure payload, using default duration")
		duration = s.config.DefaultDuration
	}

	item := &Item{Text: text, Payload: payload, Duration: duration, generation: generation}
	if s.closed.Load() {
		s.abandon()
		return ErrClosed
	}
	select {
	case s.items <- item:
		if s.metrics != nil {
			s.metrics.RecordAudioBytes("out", int64(len(payload)))
		}
		s.logger.Debug().
			Str("text", text).
			Dur("duration", duration).
			Msg("Queued speech")
		return nil
	case <-ctx.Done():
		s.abandon()
		return ctx.Err()
	case <-s.done:
		s.abandon()
		return ErrClosed
	}
}

func (s *Scheduler) shouldFilter(text string) bool {
	if utf8.RuneCountInString(text) >= s.config.MinTextLength || endsTerminal(text) {
		return false
	}
	return s.busy()
}

func endsTerminal(text string) bool {
	switch text[len(text)-1] {
	case '.', '!', '?':
		return true
	}
	return false
}

func (s *Scheduler) synthesize(ctx context.Context, text string) ([]byte, error) {
	var payload []byte
	call := func(ctx context.Context) error {
		synth := func() error {
			var err error
			payload, err = s.synth.Synthesize(ctx, text, s.config.LanguageCode, s.config.VoiceID)
			return err
		}
		if s.circuitBreaker != nil {
			return s.circuitBreaker.Call(synth)
		}
		return synth()
	}

	retryable := func(err error) bool {
		return !errors.Is(err, resilience.ErrCircuitOpen) &&
			!errors.Is(err, tts.ErrEmptyText) &&
			resilience.IsRetryableNetworkError(err)
	}

	if err := resilience.Retry(ctx, call, s.retry, retryable); err != nil {
		return nil, err
	}
	return payload, nil
}

// abandon undoes the reservation of an item that will never play
func (s *Scheduler) abandon() {
	s.mu.Lock()
	if s.queued > 0 {
		s.queued--
	}
	s.mu.Unlock()
	s.gate.Release()
}

func (s *Scheduler) busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queued > 0 || s.playing
}

func (s *Scheduler) run() {
	defer close(s.done)

	for {
		select {
		case item := <-s.items:
			s.play(item)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Scheduler) play(item *Item) {
	if item.generation != s.generation.Load() {
		s.abandon()
		if s.metrics != nil {
			s.metrics.RecordPlayback("stopped", 0)
		}
		return
	}

	interrupt := make(chan struct{})
	s.mu.Lock()
	s.queued--
	s.playing = true
	s.interrupt = interrupt
	s.mu.Unlock()

	s.gate.BeginPlayback()
	if s.metrics != nil {
		s.metrics.SetTTSActive(true)
	}
	defer s.finishItem()

	finished, err := s.device.Play(item.Payload)
	if err != nil {
		s.logger.Error().
			Err(apperr.New(apperr.KindPlaybackDevice, "playback.play", err)).
			Str("text", item.Text).
			Msg("Playback device error, skipping item")
		if s.metrics != nil {
			s.metrics.RecordPlayback("device_error", 0)
			s.metrics.RecordError("playback_device", "playback")
		}
		s.gate.EndPlayback(0)
		return
	}

	lead := item.Duration - s.config.EarlyListen
	if lead < 0 {
		lead = 0
	}
	earlyListen := time.AfterFunc(lead, func() {
		s.gate.OpenEarlyListen()
		if s.metrics != nil {
			s.metrics.SetTTSActive(s.gate.TTSActive())
		}
	})

	status := "played"
	select {
	case err := <-finished:
		if err != nil {
			status = "device_error"
			s.logger.Error().
				Err(apperr.New(apperr.KindPlaybackDevice, "playback.finish", err)).
				Msg("Playback ended with error")
		}
	case <-interrupt:
		s.device.Stop()
		status = "stopped"
	case <-s.ctx.Done():
		s.device.Stop()
		status = "stopped"
	}
	earlyListen.Stop()

	s.gate.EndPlayback(s.config.Cooldown)
	if s.metrics != nil {
		s.metrics.RecordPlayback(status, item.Duration)
	}
	if s.events != nil {
		s.events.Publish(monitor.Event{
			Type: monitor.EventPlayback,
			Data: map[string]interface{}{
				"text":        item.Text,
				"status":      status,
				"duration_ms": item.Duration.Milliseconds(),
			},
		})
	}
	s.logger.Debug().
		Str("text", item.Text).
		Str("status", status).
		Msg("Playback finished")
}

func (s *Scheduler) finishItem() {
	s.mu.Lock()
	s.playing = false
	s.interrupt = nil
	s.mu.Unlock()
	if s.metrics == nil {
		return
	}
	s.metrics.SetTTSActive(s.gate.TTSActive())

	// the gate unmutes on its own when the cooldown runs out
	if deadline := s.gate.CooldownDeadline(); !deadline.IsZero() {
		time.AfterFunc(time.Until(deadline)+time.Millisecond, func() {
			s.metrics.SetTTSActive(s.gate.TTSActive())
		})
	}
}

// Stop halts the current item and discards everything queued behind it.
// Items still being synthesized are discarded when they reach the queue.
func (s *Scheduler) Stop() {
	s.generation.Add(1)

	s.mu.Lock()
	if s.interrupt != nil {
		close(s.interrupt)
		s.interrupt = nil
	}
	s.mu.Unlock()

	for {
		select {
		case <-s.items:
			s.abandon()
			if s.metrics != nil {
				s.metrics.RecordPlayback("stopped", 0)
			}
		default:
			return
		}
	}
}

// Playing reports whether an item is on the speaker
func (s *Scheduler) Playing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playing
}

// Idle reports whether nothing is queued or playing and the cooldown has passed
func (s *Scheduler) Idle() bool {
	return !s.busy() && !s.gate.TTSActive()
}

// WaitIdle blocks until the scheduler is idle or ctx is done
func (s *Scheduler) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for !s.Idle() {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Close stops playback, joins the worker and releases the device and gate.
// Safe to call more than once.
func (s *Scheduler) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed.Store(true)
		s.mu.Unlock()
		s.Stop()
		s.cancel()

		select {
		case <-s.done:
		case <-time.After(s.config.ShutdownTimeout):
			s.logger.Warn().Msg("Playback worker did not stop in time")
		}

		err = s.device.Close()
		s.gate.Reset()
		if s.metrics != nil {
			s.metrics.SetTTSActive(false)
		}
	})
	return err
}
