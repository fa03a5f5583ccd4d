// Package engine runs the listen loop: capture, segmentation, streaming
// recognition and transcript dispatch, muted while the assistant speaks.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/lexiqai/voice-assistant/internal/apperr"
	"github.com/lexiqai/voice-assistant/internal/audio"
	"github.com/lexiqai/voice-assistant/internal/duplex"
	"github.com/lexiqai/voice-assistant/internal/monitor"
	"github.com/lexiqai/voice-assistant/internal/observability"
	"github.com/lexiqai/voice-assistant/internal/recognition"
	"github.com/lexiqai/voice-assistant/internal/resilience"
	"github.com/lexiqai/voice-assistant/internal/stt"
)

// ErrClosed is returned by Run on an engine that was already closed
var ErrClosed = errors.New("engine closed")

// errExit ends Run after the handler asked to leave
var errExit = errors.New("exit requested")

// Mode is the session mode the application callback steers
type Mode string

const (
	ModePassive Mode = "passive" // waiting for the wake phrase
	ModeActive  Mode = "active"  // conversing
	ModeExit    Mode = "exit"    // end the session
)

// Utterance is a released transcript
type Utterance struct {
	ID   string
	Text string
	Rule recognition.Rule
	Mode Mode // mode at the time of dispatch
}

// UtteranceHandler receives each released transcript, at most once per
// utterance, on the listen goroutine. It returns the next mode, or "" to keep
// the current one.
type UtteranceHandler func(ctx context.Context, u Utterance) Mode

// Capture is a microphone in callback mode
type Capture interface {
	Open(sampleRate, frameSize int, onFrame func([]int16)) error
	Close() error
}

// Playback is the speech output side the engine tears down
type Playback interface {
	Stop()
	Close() error
}

// EventSink receives engine events
type EventSink interface {
	Publish(e monitor.Event)
}

// Config holds the engine parameters
type Config struct {
	SampleRate      int
	FrameSize       int
	QueueSize       int
	VAD             *audio.VADConfig
	Segmenter       *audio.SegmenterConfig
	Assembler       *audio.AssemblerConfig
	Evaluator       *recognition.Config
	Retry           *resilience.RetryConfig
	TickInterval    time.Duration // time-based dispatch rules are re-checked this often
	ShutdownTimeout time.Duration
	InitialMode     Mode
}

// DefaultConfig returns the default engine configuration
func DefaultConfig() *Config {
	return &Config{
		SampleRate:      16000,
		FrameSize:       512,
		QueueSize:       256,
		VAD:             audio.DefaultVADConfig(),
		Segmenter:       audio.DefaultSegmenterConfig(),
		Assembler:       audio.DefaultAssemblerConfig(),
		Evaluator:       recognition.DefaultConfig(),
		Retry:           resilience.DefaultRetryConfig(),
		TickInterval:    100 * time.Millisecond,
		ShutdownTimeout: 2 * time.Second,
		InitialMode:     ModePassive,
	}
}

// Options carries the optional collaborators of an Engine
type Options struct {
	SessionID string   // generated when empty
	Playback  Playback // may be nil
	Events    EventSink
	Metrics   *observability.Metrics
	Logger    zerolog.Logger
	Now       func() time.Time
}

type streamResult struct {
	resp *stt.Response
	err  error
}

// utterance is the recognition exchange for one segmented utterance
type utterance struct {
	id        string
	stream    stt.Stream
	responses chan streamResult
	done      chan struct{}
	eval      *recognition.Evaluator
	started   time.Time
	sendDone  bool // end of audio sent, waiting for the transcript
	logger    zerolog.Logger
}

// Engine owns one listen session.
type Engine struct {
	config    *Config
	capture   Capture
	transport stt.Transport
	gate      *duplex.Gate
	handler   UtteranceHandler
	playback  Playback
	events    EventSink
	metrics   *observability.Metrics
	logger    zerolog.Logger
	now       func() time.Time
	sessionID string

	queue *audio.FrameQueue
	vad   *audio.AdaptiveVAD
	seg   *audio.Segmenter
	asm   *audio.Assembler
	utt   *utterance
	group *errgroup.Group

	mode      atomic.Value // Mode
	accepting atomic.Bool
	started   atomic.Bool

	mu          sync.Mutex
	cancel      context.CancelFunc
	workersDone chan struct{}
	closed      bool
	closeOnce   sync.Once
	closeErr    error
}

// New creates an engine. The gate is shared with the playback scheduler.
func New(config *Config, capture Capture, transport stt.Transport, gate *duplex.Gate, handler UtteranceHandler, opts Options) *Engine {
	if config == nil {
		config = DefaultConfig()
	}
	if config.TickInterval <= 0 {
		config.TickInterval = 100 * time.Millisecond
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 2 * time.Second
	}
	if config.InitialMode == "" {
		config.InitialMode = ModePassive
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	sessionID := opts.SessionID
	if sessionID == "" {
		sessionID = observability.NewCorrelationID()
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.NewSessionMetrics(sessionID)
	}

	e := &Engine{
		config:      config,
		capture:     capture,
		transport:   transport,
		gate:        gate,
		handler:     handler,
		playback:    opts.Playback,
		events:      opts.Events,
		metrics:     opts.Metrics,
		logger:      observability.WithComponent(opts.Logger.With().Str("correlation_id", sessionID).Logger(), "engine"),
		now:         opts.Now,
		sessionID:   sessionID,
		queue:       audio.NewFrameQueue(config.QueueSize),
		vad:         audio.NewAdaptiveVAD(config.VAD),
		seg:         audio.NewSegmenter(config.Segmenter),
		asm:         audio.NewAssembler(config.Assembler),
		workersDone: make(chan struct{}),
	}
	e.mode.Store(config.InitialMode)
	return e
}

// SessionID returns the correlation id of this session
func (e *Engine) SessionID() string {
	return e.sessionID
}

// Mode returns the current session mode
func (e *Engine) Mode() Mode {
	return e.mode.Load().(Mode)
}

// SetMode changes the session mode
func (e *Engine) SetMode(m Mode) {
	prev := e.mode.Swap(m).(Mode)
	if prev != m {
		e.logger.Info().Str("from", string(prev)).Str("to", string(m)).Msg("Mode changed")
		e.publish(monitor.Event{
			Type: monitor.EventModeChange,
			Data: map[string]interface{}{"from": string(prev), "to": string(m)},
		})
	}
}

// Run opens the capture device and processes audio until ctx is done,
// Close is called or the handler returns ModeExit. A capture device failure
// is returned as an apperr.KindCaptureDevice error.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if !e.started.CompareAndSwap(false, true) {
		e.mu.Unlock()
		return fmt.Errorf("engine already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.mu.Unlock()
	defer cancel()

	e.metrics.RecordSessionStart()
	defer e.metrics.RecordSessionEnd()

	e.accepting.Store(true)
	if err := e.capture.Open(e.config.SampleRate, e.config.FrameSize, e.onFrame); err != nil {
		e.accepting.Store(false)
		close(e.workersDone)
		e.Close()
		return apperr.New(apperr.KindCaptureDevice, "capture.open", err)
	}
	e.logger.Info().
		Str("mode", string(e.Mode())).
		Str("backend", e.transport.Name()).
		Msg("Listening")

	g, gctx := errgroup.WithContext(ctx)
	e.group = g
	items := make(chan audio.Item)
	g.Go(func() error { return e.pump(gctx, items) })
	g.Go(func() error { return e.listen(gctx, items) })

	err := g.Wait()
	close(e.workersDone)
	e.Close()

	switch {
	case err == nil, errors.Is(err, errExit), errors.Is(err, context.Canceled):
		return nil
	default:
		return err
	}
}

// onFrame runs on the capture callback. It must never block.
func (e *Engine) onFrame(samples []int16) {
	defer func() {
		if r := recover(); r != nil {
			e.metrics.RecordFrame("dropped")
			e.logger.Warn().Interface("panic", r).Msg("Recovered panic in capture callback, frame dropped")
		}
	}()

	if !e.accepting.Load() {
		return
	}

	frame := audio.NewFrame(samples, e.now(), e.gate.Muted())
	dropped := e.queue.Dropped()
	if !e.queue.Push(audio.FrameItem(frame)) || e.queue.Dropped() > dropped {
		e.metrics.RecordFrame("dropped")
	}
}

// pump hands queue items to the listen loop. Frames stay queued while the
// listen loop waits for a transcript.
func (e *Engine) pump(ctx context.Context, out chan<- audio.Item) error {
	for {
		item, err := e.queue.Pop(ctx)
		if err != nil {
			return nil
		}
		select {
		case out <- item:
		case <-ctx.Done():
			return nil
		}
		if item.Kind == audio.ItemStop {
			return nil
		}
	}
}

func (e *Engine) listen(ctx context.Context, items <-chan audio.Item) error {
	ticker := time.NewTicker(e.config.TickInterval)
	defer ticker.Stop()
	defer e.closeUtterance()

	for {
		in := items
		var responses <-chan streamResult
		if e.utt != nil {
			responses = e.utt.responses
			if e.utt.sendDone {
				in = nil
			}
		}

		var err error
		select {
		case item := <-in:
			if item.Kind == audio.ItemStop {
				e.logger.Debug().Msg("Stop sentinel received")
				return nil
			}
			err = e.processFrame(ctx, item.Frame)
		case r := <-responses:
			err = e.handleResult(ctx, r)
		case <-ticker.C:
			err = e.tick(ctx)
		case <-ctx.Done():
			return ctx.Err()
		}
		if err != nil {
			return err
		}
	}
}

func (e *Engine) processFrame(ctx context.Context, f audio.Frame) error {
	if f.Muted || e.gate.Muted() {
		f.Muted = true
		e.asm.Push(audio.FrameItem(f))
		e.seg.Hold(f.Timestamp)
		e.metrics.RecordFrame("muted")
		return nil
	}
	e.metrics.RecordFrame("processed")

	decision := e.vad.Classify(f.RMS, e.seg.Active())
	step := e.seg.Step(f.Timestamp, decision)

	if step.Started {
		e.beginUtterance(ctx, f.Timestamp)
	}
	if step.FalseStart {
		e.logger.Debug().Msg("False start, discarding utterance")
		e.endUtterance("no_speech")
		return nil
	}

	chunks := e.asm.Push(audio.FrameItem(f))
	if item, ok := audio.MarkerItem(step.Marker); ok {
		e.metrics.RecordMarker(step.Marker.String())
		if step.Marker == audio.MarkerEndOfSpeech && e.utt != nil {
			e.metrics.RecordSpeechDuration(f.Timestamp.Sub(e.utt.started))
		}
		e.publishUtterance(monitor.EventMarker, map[string]interface{}{"marker": step.Marker.String()})
		chunks = append(chunks, e.asm.Push(item)...)
	}

	for _, c := range chunks {
		if !e.sendChunk(c) {
			break
		}
	}
	return nil
}

// beginUtterance opens a recognition stream at speech onset. On failure the
// utterance is dropped and the next speech frame starts over.
func (e *Engine) beginUtterance(ctx context.Context, ts time.Time) {
	id := uuid.New().String()
	logger := observability.WithUtteranceID(e.logger, id)

	var stream stt.Stream
	open := func(ctx context.Context) error {
		var err error
		stream, err = e.transport.Open(ctx)
		return err
	}
	retryable := func(err error) bool {
		return !errors.Is(err, resilience.ErrCircuitOpen) && resilience.IsRetryableNetworkError(err)
	}
	if err := resilience.Retry(ctx, open, e.config.Retry, retryable); err != nil {
		logger.Error().
			Err(apperr.New(apperr.KindTransport, "stt.open", err)).
			Msg("Failed to open recognition stream")
		e.metrics.RecordError("stream_open", "stt")
		e.metrics.RecordUtteranceEnd("transport_error")
		e.seg.Reset()
		e.asm.Reset()
		return
	}

	u := &utterance{
		id:        id,
		stream:    stream,
		responses: make(chan streamResult, 16),
		done:      make(chan struct{}),
		eval:      recognition.NewEvaluator(e.config.Evaluator, e.now),
		started:   ts,
		logger:    logger,
	}
	e.utt = u
	e.asm.Begin()
	e.metrics.RecordUtteranceStart(ts)
	e.group.Go(func() error { return e.read(u) })

	logger.Info().Msg("Speech started")
	e.publishUtterance(monitor.EventSpeechStart, nil)
}

// read forwards stream results until the stream ends or the utterance closes
func (e *Engine) read(u *utterance) error {
	for {
		resp, err := u.stream.Recv()
		select {
		case u.responses <- streamResult{resp: resp, err: err}:
		case <-u.done:
			return nil
		}
		if err != nil && !errors.Is(err, stt.ErrMalformedResponse) {
			return nil
		}
	}
}

func (e *Engine) sendChunk(c audio.Chunk) bool {
	u := e.utt
	if u == nil {
		return false
	}

	if len(c.Audio) > 0 {
		if err := u.stream.Send(c.Audio); err != nil {
			e.transportFailure("stt.send", err)
			return false
		}
		e.metrics.RecordAudioBytes("in", int64(len(c.Audio)))
		u.logger.Debug().Int("frames", c.Frames).Int("bytes", len(c.Audio)).Msg("Sent chunk")
	}
	if c.Marker == audio.MarkerSentenceBoundary {
		u.logger.Info().Msg("Sentence boundary")
	}
	if c.EndOfStream {
		if err := u.stream.CloseSend(); err != nil {
			e.transportFailure("stt.close_send", err)
			return false
		}
		u.sendDone = true
		u.logger.Info().Msg("End of speech")
	}
	return true
}

func (e *Engine) handleResult(ctx context.Context, r streamResult) error {
	u := e.utt
	if u == nil {
		return nil
	}

	switch {
	case r.err == nil:
		return e.handleDecision(ctx, u.eval.Observe(r.resp))
	case errors.Is(r.err, io.EOF):
		d := u.eval.Finish()
		if d.Outcome == recognition.OutcomeDispatch {
			return e.handleDecision(ctx, d)
		}
		u.logger.Debug().Msg("Stream ended without a transcript")
		e.endUtterance("no_speech")
		return nil
	case errors.Is(r.err, stt.ErrMalformedResponse):
		u.logger.Debug().Err(apperr.New(apperr.KindMalformedResponse, "stt.recv", r.err)).Msg("Skipping response")
		e.metrics.RecordError("malformed_response", "stt")
		return nil
	default:
		e.transportFailure("stt.recv", r.err)
		return nil
	}
}

func (e *Engine) tick(ctx context.Context) error {
	floor, ceiling := e.vad.NoiseFloor()
	e.metrics.SetNoiseProfile(floor, ceiling)

	if e.utt == nil {
		return nil
	}
	return e.handleDecision(ctx, e.utt.eval.Tick())
}

func (e *Engine) handleDecision(ctx context.Context, d recognition.Decision) error {
	switch d.Outcome {
	case recognition.OutcomeDispatch:
		return e.dispatch(ctx, d)
	case recognition.OutcomeAbort:
		e.utt.logger.Info().
			Err(apperr.New(apperr.KindRecognitionTimeout, "recognition.evaluate", fmt.Errorf("no transcript"))).
			Msg("Dead air, dropping utterance")
		e.endUtterance("timeout")
	}
	return nil
}

func (e *Engine) dispatch(ctx context.Context, d recognition.Decision) error {
	u := e.utt
	outcome := "dispatched"
	if d.Rule == recognition.RuleFallback {
		outcome = "fallback"
	}

	e.metrics.RecordDispatch(string(d.Rule), e.now())
	u.logger.Info().
		Str("text", d.Text).
		Str("rule", string(d.Rule)).
		Msg("Dispatching transcript")
	e.publishUtterance(monitor.EventDispatch, map[string]interface{}{"text": d.Text, "rule": string(d.Rule)})
	e.endUtterance(outcome)

	if e.handler == nil {
		return nil
	}
	next := e.handler(ctx, Utterance{ID: u.id, Text: d.Text, Rule: d.Rule, Mode: e.Mode()})
	if next == "" {
		return nil
	}
	e.SetMode(next)
	if next == ModeExit {
		return errExit
	}
	return nil
}

func (e *Engine) transportFailure(op string, err error) {
	if e.utt != nil {
		e.utt.logger.Error().Err(apperr.New(apperr.KindTransport, op, err)).Msg("Recognition transport failed")
	}
	e.metrics.RecordError("transport", "stt")
	e.endUtterance("transport_error")
}

// endUtterance closes the exchange and resets segmentation so the next cycle starts clean
func (e *Engine) endUtterance(outcome string) {
	if e.utt != nil {
		e.publishUtterance(monitor.EventUtteranceEnd, map[string]interface{}{"outcome": outcome})
	}
	e.metrics.RecordUtteranceEnd(outcome)
	e.closeUtterance()
	e.seg.Reset()
	e.asm.Reset()
	e.vad.ResetQuality()
}

func (e *Engine) closeUtterance() {
	u := e.utt
	if u == nil {
		return
	}
	e.utt = nil
	close(u.done)
	if err := u.stream.Close(); err != nil {
		u.logger.Debug().Err(err).Msg("Error closing recognition stream")
	}
}

func (e *Engine) publish(ev monitor.Event) {
	if e.events == nil {
		return
	}
	ev.SessionID = e.sessionID
	e.events.Publish(ev)
}

func (e *Engine) publishUtterance(eventType string, data map[string]interface{}) {
	ev := monitor.Event{Type: eventType, Data: data}
	if e.utt != nil {
		ev.UtteranceID = e.utt.id
	}
	e.publish(ev)
}

// Close tears the session down: capture stops feeding the queue, the stop
// sentinel is queued, the devices and playback are released and the workers
// are joined. Safe to call more than once and from any goroutine.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		cancel := e.cancel
		e.mu.Unlock()

		e.accepting.Store(false)
		e.queue.Close()

		if err := e.capture.Close(); err != nil {
			e.closeErr = apperr.New(apperr.KindCaptureDevice, "capture.close", err)
		}
		if e.playback != nil {
			e.playback.Stop()
			if err := e.playback.Close(); err != nil {
				e.logger.Warn().Err(err).Msg("Failed to close playback")
			}
		}
		if cancel != nil {
			cancel()
		}

		if e.started.Load() {
			select {
			case <-e.workersDone:
			case <-time.After(e.config.ShutdownTimeout):
				e.logger.Warn().Dur("timeout", e.config.ShutdownTimeout).Msg("Workers did not stop in time")
			}
		}
		e.logger.Info().Int64("dropped_frames", e.queue.Dropped()).Msg("Session closed")
	})
	return e.closeErr
}
