package stt

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	websocketv1api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket"
	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-assistant/internal/resilience"
)

// DeepgramConfig configures the Deepgram live backend
type DeepgramConfig struct {
	StreamConfig
	APIKey         string
	UtteranceEndMs int // Silence before Deepgram reports UtteranceEnd
}

// DeepgramTransport streams LINEAR16 audio to Deepgram's live websocket API.
// Deepgram has no stability score, so confidence stands in for it.
type DeepgramTransport struct {
	config         DeepgramConfig
	circuitBreaker *resilience.CircuitBreaker
	logger         zerolog.Logger
}

// NewDeepgramTransport creates a Deepgram transport. cb may be nil.
func NewDeepgramTransport(cfg DeepgramConfig, cb *resilience.CircuitBreaker, logger zerolog.Logger) (*DeepgramTransport, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("deepgram: api key must not be empty")
	}
	if cfg.UtteranceEndMs <= 0 {
		cfg.UtteranceEndMs = 1000
	}

	return &DeepgramTransport{
		config:         cfg,
		circuitBreaker: cb,
		logger:         logger.With().Str("component", "stt").Str("backend", "deepgram").Logger(),
	}, nil
}

// Name identifies the backend
func (d *DeepgramTransport) Name() string {
	return "deepgram"
}

func (d *DeepgramTransport) options() *interfaces.LiveTranscriptionOptions {
	return &interfaces.LiveTranscriptionOptions{
		Model:          d.config.Model,
		Language:       deepgramLanguage(d.config.LanguageCode),
		Punctuate:      true,
		InterimResults: true,
		UtteranceEndMs: strconv.Itoa(d.config.UtteranceEndMs),
		VadEvents:      true,
		Encoding:       "linear16",
		Channels:       1,
		SampleRate:     d.config.SampleRate,
	}
}

// deepgramLanguage maps a BCP-47 tag like en-US to the primary subtag Deepgram models accept
func deepgramLanguage(code string) string {
	if code == "" {
		return "en"
	}
	if i := strings.IndexByte(code, '-'); i > 0 && strings.EqualFold(code[:i], "en") {
		return code[:i]
	}
	return code
}

// Open connects a new live transcription websocket
func (d *DeepgramTransport) Open(ctx context.Context) (Stream, error) {
	stream := newDeepgramStream(d.logger)

	callback := &messageCallbackHandler{
		DefaultCallbackHandler: websocketv1api.NewDefaultCallbackHandler(),
		stream:                 stream,
	}

	open := func() error {
		client, err := listenClient.NewWSUsingCallback(ctx, d.config.APIKey, nil, d.options(), callback)
		if err != nil {
			return fmt.Errorf("failed to create Deepgram client: %w", err)
		}
		if !client.Connect() {
			return resilience.NewRetryableError(fmt.Errorf("deepgram websocket connect failed"))
		}
		stream.client = client
		return nil
	}

	var err error
	if d.circuitBreaker != nil {
		err = d.circuitBreaker.Call(open)
	} else {
		err = open()
	}
	if err != nil {
		return nil, err
	}

	d.logger.Debug().Str("model", d.config.Model).Msg("Recognition stream opened")
	return stream, nil
}

// Close has nothing to release, streams own their connections
func (d *DeepgramTransport) Close() error {
	return nil
}

// messageCallbackHandler implements the LiveMessageCallback interface
// It embeds the default handler and overrides only the methods we need to customize
type messageCallbackHandler struct {
	*websocketv1api.DefaultCallbackHandler
	stream *deepgramStream
}

// Message forwards transcription results to the stream
func (m *messageCallbackHandler) Message(msg *msginterfaces.MessageResponse) error {
	resp, err := convertDeepgramMessage(msg)
	if err != nil {
		m.stream.logger.Debug().Err(err).Msg("Skipping Deepgram message")
		return nil
	}
	m.stream.deliver(resp, nil)
	return nil
}

// UtteranceEnd maps Deepgram's silence signal to the end-of-utterance event
func (m *messageCallbackHandler) UtteranceEnd(ur *msginterfaces.UtteranceEndResponse) error {
	m.stream.deliver(&Response{Event: EventEndOfUtterance}, nil)
	return nil
}

// Close ends Recv once the server hangs up
func (m *messageCallbackHandler) Close(cr *msginterfaces.CloseResponse) error {
	m.stream.finish()
	return nil
}

// Error surfaces a server error to the reader
func (m *messageCallbackHandler) Error(er *msginterfaces.ErrorResponse) error {
	m.stream.deliver(nil, resilience.NewRetryableError(fmt.Errorf("deepgram error: %+v", er)))
	return nil
}

type deepgramResult struct {
	resp *Response
	err  error
}

type deepgramStream struct {
	client  *listenClient.WSCallback
	results chan deepgramResult
	done    chan struct{}
	logger  zerolog.Logger

	mu         sync.Mutex
	sendClosed bool
	finishOnce sync.Once
	closeOnce  sync.Once
}

func newDeepgramStream(logger zerolog.Logger) *deepgramStream {
	return &deepgramStream{
		results: make(chan deepgramResult, 64),
		done:    make(chan struct{}),
		logger:  logger,
	}
}

func (s *deepgramStream) deliver(resp *Response, err error) {
	select {
	case <-s.done:
		return
	default:
	}

	select {
	case s.results <- deepgramResult{resp: resp, err: err}:
	default:
		s.logger.Warn().Msg("Deepgram result buffer full, dropping response")
	}
}

func (s *deepgramStream) finish() {
	s.finishOnce.Do(func() {
		close(s.done)
	})
}

func (s *deepgramStream) Send(audio []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sendClosed || s.client == nil {
		return ErrStreamClosed
	}
	// WSCallback uses Write method for sending audio (returns bytes written and error)
	if _, err := s.client.Write(audio); err != nil {
		return fmt.Errorf("failed to send audio to Deepgram: %w", err)
	}
	return nil
}

// CloseSend asks Deepgram to flush and close. Results already buffered stay readable.
func (s *deepgramStream) CloseSend() error {
	s.mu.Lock()
	if s.sendClosed {
		s.mu.Unlock()
		return nil
	}
	s.sendClosed = true
	client := s.client
	s.mu.Unlock()

	if client != nil {
		// Finish sends CloseStream and waits for the socket to shut down
		client.Finish()
	}
	s.finish()
	return nil
}

func (s *deepgramStream) Recv() (*Response, error) {
	select {
	case r := <-s.results:
		return r.resp, r.err
	case <-s.done:
		// Drain anything delivered before shutdown
		select {
		case r := <-s.results:
			return r.resp, r.err
		default:
			return nil, io.EOF
		}
	}
}

func (s *deepgramStream) Close() error {
	s.closeOnce.Do(func() {
		_ = s.CloseSend()
	})
	return nil
}

// convertDeepgramMessage normalizes a Results message
func convertDeepgramMessage(msg *msginterfaces.MessageResponse) (*Response, error) {
	if msg == nil {
		return nil, ErrMalformedResponse
	}
	if len(msg.Channel.Alternatives) == 0 {
		return nil, fmt.Errorf("%w: message without alternatives", ErrMalformedResponse)
	}

	// Get the best alternative (first one)
	alt := msg.Channel.Alternatives[0]
	transcript := strings.TrimSpace(alt.Transcript)

	resp := &Response{
		Transcript: transcript,
		IsFinal:    msg.IsFinal,
		Confidence: alt.Confidence,
		Stability:  alt.Confidence,
		HasResults: transcript != "",
	}
	if msg.SpeechFinal {
		resp.Event = EventEndOfUtterance
	}
	return resp, nil
}
