package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexiqai/voice-assistant/internal/apperr"
	"github.com/lexiqai/voice-assistant/internal/duplex"
	"github.com/lexiqai/voice-assistant/internal/monitor"
	"github.com/lexiqai/voice-assistant/internal/recognition"
	"github.com/lexiqai/voice-assistant/internal/resilience"
	"github.com/lexiqai/voice-assistant/internal/stt"
)

const testFrameSize = 512

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeCapture struct {
	mu         sync.Mutex
	onFrame    func([]int16)
	openErr    error
	opened     chan struct{}
	closeCalls int
}

func newFakeCapture() *fakeCapture {
	return &fakeCapture{opened: make(chan struct{})}
}

func (c *fakeCapture) Open(sampleRate, frameSize int, onFrame func([]int16)) error {
	if c.openErr != nil {
		return c.openErr
	}
	c.mu.Lock()
	c.onFrame = onFrame
	c.mu.Unlock()
	close(c.opened)
	return nil
}

func (c *fakeCapture) Close() error {
	c.mu.Lock()
	c.closeCalls++
	c.mu.Unlock()
	return nil
}

func (c *fakeCapture) closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCalls
}

func (c *fakeCapture) emit(samples []int16) {
	c.mu.Lock()
	fn := c.onFrame
	c.mu.Unlock()
	fn(samples)
}

// fakeStream answers CloseSend with one final result. A silent stream never
// answers. Errors pushed on fail are returned by Recv ahead of the result.
type fakeStream struct {
	transcript string
	silent     bool
	results    chan *stt.Response
	fail       chan error
	closed     chan struct{}
	once       sync.Once

	mu         sync.Mutex
	bytes      int
	sendClosed bool
}

func newFakeStream(transcript string, silent bool) *fakeStream {
	return &fakeStream{
		transcript: transcript,
		silent:     silent,
		results:    make(chan *stt.Response, 1),
		fail:       make(chan error, 1),
		closed:     make(chan struct{}),
	}
}

func (s *fakeStream) Send(audio []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendClosed {
		return stt.ErrStreamClosed
	}
	s.bytes += len(audio)
	return nil
}

// CloseSend releases the final result, then ends the stream
func (s *fakeStream) CloseSend() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.sendClosed {
		s.sendClosed = true
		if s.silent {
			return nil
		}
		s.results <- &stt.Response{Transcript: s.transcript, IsFinal: true, Stability: 0.9, HasResults: true}
		close(s.results)
	}
	return nil
}

func (s *fakeStream) Recv() (*stt.Response, error) {
	select {
	case err := <-s.fail:
		return nil, err
	case r, ok := <-s.results:
		if !ok {
			return nil, io.EOF
		}
		return r, nil
	case <-s.closed:
		return nil, io.EOF
	}
}

func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeStream) stats() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytes, s.sendClosed
}

func (s *fakeStream) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

type fakeTransport struct {
	mu         sync.Mutex
	failFirst  int
	transcript string
	silent     bool
	streams    []*fakeStream
	opens      int
}

func (t *fakeTransport) Open(ctx context.Context) (stt.Stream, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.opens++
	if t.opens <= t.failFirst {
		return nil, errors.New("permission denied")
	}
	s := newFakeStream(t.transcript, t.silent)
	t.streams = append(t.streams, s)
	return s, nil
}

func (t *fakeTransport) Name() string { return "fake" }

func (t *fakeTransport) Close() error { return nil }

func (t *fakeTransport) openCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.opens
}

func (t *fakeTransport) stream(i int) *fakeStream {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.streams[i]
}

type fakePlayback struct {
	mu     sync.Mutex
	stops  int
	closes int
}

func (p *fakePlayback) Stop() {
	p.mu.Lock()
	p.stops++
	p.mu.Unlock()
}

func (p *fakePlayback) Close() error {
	p.mu.Lock()
	p.closes++
	p.mu.Unlock()
	return nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []monitor.Event
}

func (s *recordingSink) Publish(e monitor.Event) {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
}

// values returns Data[key] of every event of the given type
func (s *recordingSink) values(eventType, key string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, e := range s.events {
		if e.Type == eventType {
			out = append(out, fmt.Sprint(e.Data[key]))
		}
	}
	return out
}

func (s *recordingSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Type)
	}
	return out
}

type harness struct {
	engine    *Engine
	capture   *fakeCapture
	transport *fakeTransport
	gate      *duplex.Gate
	playback  *fakePlayback
	events    *recordingSink
	clock     *fakeClock
	heard     chan Utterance
}

func newHarness(t *testing.T, next Mode, tune ...func(*Config)) *harness {
	t.Helper()

	cfg := DefaultConfig()
	cfg.VAD.Adaptive = false
	cfg.TickInterval = 10 * time.Millisecond
	cfg.ShutdownTimeout = time.Second
	cfg.Retry = &resilience.RetryConfig{
		MaxAttempts:       2,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        time.Millisecond,
		BackoffMultiplier: 1,
	}
	for _, fn := range tune {
		fn(cfg)
	}

	h := &harness{
		capture:   newFakeCapture(),
		transport: &fakeTransport{transcript: "turn on the lights"},
		gate:      duplex.NewGate(),
		playback:  &fakePlayback{},
		events:    &recordingSink{},
		clock:     &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)},
		heard:     make(chan Utterance, 4),
	}
	handler := func(ctx context.Context, u Utterance) Mode {
		h.heard <- u
		return next
	}
	h.engine = New(cfg, h.capture, h.transport, h.gate, handler, Options{
		Playback: h.playback,
		Events:   h.events,
		Logger:   zerolog.Nop(),
		Now:      h.clock.Now,
	})
	return h
}

func (h *harness) run(ctx context.Context) <-chan error {
	errCh := make(chan error, 1)
	go func() { errCh <- h.engine.Run(ctx) }()
	return errCh
}

func (h *harness) feed(t *testing.T, amplitude int16, frames int) {
	t.Helper()
	select {
	case <-h.capture.opened:
	case <-time.After(time.Second):
		t.Fatal("capture never opened")
	}
	samples := make([]int16, testFrameSize)
	for i := range samples {
		samples[i] = amplitude
	}
	for i := 0; i < frames; i++ {
		h.clock.Advance(32 * time.Millisecond)
		h.capture.emit(samples)
	}
}

// utterance feeds leading silence, a spoken span and enough trailing
// silence to end it.
func (h *harness) utterance(t *testing.T) {
	h.feed(t, 0, 5)
	h.feed(t, 3000, 20)
	h.feed(t, 0, 20)
}

// drained waits until every fed frame has left the capture queue
func (h *harness) drained(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.engine.queue.Len() == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func waitRun(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}

func TestEngine_DispatchesFinalTranscript(t *testing.T) {
	h := newHarness(t, "")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := h.run(ctx)

	h.utterance(t)

	select {
	case u := <-h.heard:
		assert.Equal(t, "turn on the lights", u.Text)
		assert.Equal(t, recognition.RuleFinal, u.Rule)
		assert.Equal(t, ModePassive, u.Mode)
		assert.NotEmpty(t, u.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not called")
	}

	require.Equal(t, 1, h.transport.openCount())
	sent, closed := h.transport.stream(0).stats()
	assert.True(t, closed, "end of audio should be signalled")
	// pre-roll plus the voiced frames
	assert.GreaterOrEqual(t, sent, 25*testFrameSize*2)

	cancel()
	require.NoError(t, waitRun(t, errCh))

	types := h.events.types()
	assert.Contains(t, types, monitor.EventSpeechStart)
	assert.Contains(t, types, monitor.EventDispatch)
	assert.Contains(t, types, monitor.EventUtteranceEnd)

	select {
	case u := <-h.heard:
		t.Fatalf("transcript dispatched twice: %+v", u)
	default:
	}
}

func TestEngine_MutedWhilePlaybackPending(t *testing.T) {
	h := newHarness(t, "")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := h.run(ctx)

	h.gate.Reserve()
	h.utterance(t)

	require.Never(t, func() bool {
		return h.transport.openCount() > 0
	}, 200*time.Millisecond, 10*time.Millisecond, "speech heard while muted")

	h.gate.Release()
	h.utterance(t)

	require.Eventually(t, func() bool {
		return h.transport.openCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	select {
	case u := <-h.heard:
		assert.Equal(t, "turn on the lights", u.Text)
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not called after unmute")
	}

	cancel()
	require.NoError(t, waitRun(t, errCh))
}

func TestEngine_ExitModeEndsRun(t *testing.T) {
	h := newHarness(t, ModeExit)
	errCh := h.run(context.Background())

	h.utterance(t)

	require.NoError(t, waitRun(t, errCh))
	assert.Equal(t, ModeExit, h.engine.Mode())
	assert.Equal(t, 1, h.capture.closes())
	assert.Contains(t, h.events.types(), monitor.EventModeChange)
}

func TestEngine_CloseIsIdempotent(t *testing.T) {
	h := newHarness(t, "")
	errCh := h.run(context.Background())

	h.feed(t, 0, 3)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.engine.Close())
		}()
	}
	wg.Wait()

	require.NoError(t, waitRun(t, errCh))
	assert.Equal(t, 1, h.capture.closes())

	h.playback.mu.Lock()
	assert.Equal(t, 1, h.playback.stops)
	assert.Equal(t, 1, h.playback.closes)
	h.playback.mu.Unlock()

	// late callbacks are ignored
	h.feed(t, 3000, 5)
	assert.Equal(t, 0, h.transport.openCount())

	assert.ErrorIs(t, h.engine.Run(context.Background()), ErrClosed)
}

func TestEngine_CaptureOpenFailure(t *testing.T) {
	h := newHarness(t, "")
	h.capture.openErr = errors.New("no default input device")

	err := h.engine.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrCaptureDevice)
	assert.Equal(t, apperr.KindCaptureDevice, apperr.KindOf(err))
	assert.Equal(t, 1, h.capture.closes())
}

func TestEngine_RecoversFromStreamOpenFailure(t *testing.T) {
	h := newHarness(t, "")
	h.transport.failFirst = 1
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := h.run(ctx)

	h.utterance(t)

	select {
	case u := <-h.heard:
		assert.Equal(t, "turn on the lights", u.Text)
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not called")
	}
	assert.Equal(t, 2, h.transport.openCount())

	cancel()
	require.NoError(t, waitRun(t, errCh))
}

func TestEngine_SetMode(t *testing.T) {
	h := newHarness(t, "")
	assert.Equal(t, ModePassive, h.engine.Mode())

	h.engine.SetMode(ModeActive)
	assert.Equal(t, ModeActive, h.engine.Mode())
	h.engine.SetMode(ModeActive)

	assert.Equal(t, []string{monitor.EventModeChange}, h.events.types())
	assert.NotEmpty(t, h.engine.SessionID())
}

func TestEngine_RecvErrorEndsUtteranceAndNextCycleStartsClean(t *testing.T) {
	h := newHarness(t, "")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := h.run(ctx)

	h.feed(t, 0, 5)
	h.feed(t, 3000, 20)
	h.feed(t, 0, 3)
	h.drained(t)
	require.Equal(t, 1, h.transport.openCount())

	first := h.transport.stream(0)
	first.fail <- errors.New("connection reset by peer")

	require.Eventually(t, func() bool {
		return len(h.events.values(monitor.EventUtteranceEnd, "outcome")) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"transport_error"}, h.events.values(monitor.EventUtteranceEnd, "outcome"))
	assert.True(t, first.isClosed(), "failed stream should be closed")
	_, closed := first.stats()
	assert.False(t, closed, "failed stream never reached end of audio")

	h.utterance(t)

	select {
	case u := <-h.heard:
		assert.Equal(t, "turn on the lights", u.Text)
		assert.Equal(t, recognition.RuleFinal, u.Rule)
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not called on the next utterance")
	}
	assert.Equal(t, 2, h.transport.openCount())
	assert.Equal(t, []string{"transport_error", "dispatched"}, h.events.values(monitor.EventUtteranceEnd, "outcome"))

	cancel()
	require.NoError(t, waitRun(t, errCh))
}

func TestEngine_MalformedResponseIsSkipped(t *testing.T) {
	h := newHarness(t, "")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := h.run(ctx)

	h.feed(t, 0, 5)
	h.feed(t, 3000, 20)
	require.Eventually(t, func() bool {
		return h.transport.openCount() == 1
	}, 2*time.Second, 5*time.Millisecond)

	stream := h.transport.stream(0)
	stream.fail <- fmt.Errorf("%w: result without alternatives", stt.ErrMalformedResponse)
	require.Eventually(t, func() bool {
		return len(stream.fail) == 0
	}, 2*time.Second, 5*time.Millisecond)

	h.feed(t, 0, 20)

	select {
	case u := <-h.heard:
		assert.Equal(t, "turn on the lights", u.Text)
		assert.Equal(t, recognition.RuleFinal, u.Rule)
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not called after a malformed response")
	}
	assert.Equal(t, 1, h.transport.openCount())
	assert.Equal(t, []string{"dispatched"}, h.events.values(monitor.EventUtteranceEnd, "outcome"))

	cancel()
	require.NoError(t, waitRun(t, errCh))
}

func TestEngine_DeadAirAbortsUtterance(t *testing.T) {
	h := newHarness(t, "")
	h.transport.silent = true
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := h.run(ctx)

	h.utterance(t)
	require.Eventually(t, func() bool {
		if h.transport.openCount() != 1 {
			return false
		}
		_, closed := h.transport.stream(0).stats()
		return closed
	}, 2*time.Second, 5*time.Millisecond)

	// no transcript yet, still inside the dead-air window
	assert.Empty(t, h.events.values(monitor.EventUtteranceEnd, "outcome"))

	h.clock.Advance(4 * time.Second)

	require.Eventually(t, func() bool {
		return len(h.events.values(monitor.EventUtteranceEnd, "outcome")) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"timeout"}, h.events.values(monitor.EventUtteranceEnd, "outcome"))
	assert.True(t, h.transport.stream(0).isClosed())
	assert.NotContains(t, h.events.types(), monitor.EventDispatch)

	select {
	case u := <-h.heard:
		t.Fatalf("dead air dispatched a transcript: %+v", u)
	default:
	}

	cancel()
	require.NoError(t, waitRun(t, errCh))
}

func TestEngine_SentenceBoundaryKeepsStreamOpen(t *testing.T) {
	h := newHarness(t, "", func(cfg *Config) {
		cfg.Evaluator.DeadAir = time.Minute
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := h.run(ctx)

	// 70 voiced frames put the utterance past 2s, the 9th pause frame arms the boundary
	h.feed(t, 0, 5)
	h.feed(t, 3000, 70)
	h.feed(t, 0, 10)

	require.Eventually(t, func() bool {
		return len(h.events.values(monitor.EventMarker, "marker")) > 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"sentence_boundary"}, h.events.values(monitor.EventMarker, "marker"))

	stream := h.transport.stream(0)
	require.Eventually(t, func() bool {
		sent, _ := stream.stats()
		return sent == 84*testFrameSize*2
	}, 2*time.Second, 5*time.Millisecond, "boundary should flush pre-roll, speech and pause frames")
	_, closed := stream.stats()
	assert.False(t, closed, "sentence boundary must not end the stream")
	assert.False(t, stream.isClosed())
	assert.Empty(t, h.events.values(monitor.EventUtteranceEnd, "outcome"))

	h.feed(t, 3000, 10)
	h.feed(t, 0, 20)

	select {
	case u := <-h.heard:
		assert.Equal(t, "turn on the lights", u.Text)
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not called after end of speech")
	}
	assert.Equal(t, 1, h.transport.openCount())
	// the closing pause arms a second boundary before end of speech
	assert.Equal(t, []string{"sentence_boundary", "sentence_boundary", "end_of_speech"}, h.events.values(monitor.EventMarker, "marker"))

	cancel()
	require.NoError(t, waitRun(t, errCh))
}

func TestEngine_UtteranceStartUsesFrameClock(t *testing.T) {
	h := newHarness(t, "")
	h.transport.silent = true
	base := h.clock.Now()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := h.run(ctx)

	h.feed(t, 0, 5)
	h.feed(t, 3000, 3)

	require.Eventually(t, func() bool {
		return !h.engine.metrics.UtteranceStart().IsZero()
	}, 2*time.Second, 5*time.Millisecond)
	// the sixth frame is the first voiced one
	assert.Equal(t, base.Add(6*32*time.Millisecond), h.engine.metrics.UtteranceStart())

	cancel()
	require.NoError(t, waitRun(t, errCh))
}
