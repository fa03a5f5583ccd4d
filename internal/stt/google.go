package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	speech "cloud.google.com/go/speech/apiv1"
	speechpb "cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"

	"github.com/lexiqai/voice-assistant/internal/resilience"
)

// GoogleConfig configures the Cloud Speech streaming backend
type GoogleConfig struct {
	StreamConfig
	CredentialsFile string // Empty uses application default credentials
}

// GoogleTransport streams LINEAR16 audio to Cloud Speech-to-Text.
type GoogleTransport struct {
	client         *speech.Client
	initial        *speechpb.StreamingRecognizeRequest
	circuitBreaker *resilience.CircuitBreaker
	logger         zerolog.Logger
}

// NewGoogleTransport dials the Speech API. cb may be nil.
func NewGoogleTransport(ctx context.Context, cfg GoogleConfig, cb *resilience.CircuitBreaker, logger zerolog.Logger) (*GoogleTransport, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := speech.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create speech client: %w", err)
	}

	return &GoogleTransport{
		client:         client,
		initial:        googleStreamingConfig(cfg.StreamConfig),
		circuitBreaker: cb,
		logger:         logger.With().Str("component", "stt").Str("backend", "google").Logger(),
	}, nil
}

func googleStreamingConfig(cfg StreamConfig) *speechpb.StreamingRecognizeRequest {
	return &speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config: &speechpb.RecognitionConfig{
					Encoding:                   speechpb.RecognitionConfig_LINEAR16,
					SampleRateHertz:            int32(cfg.SampleRate),
					LanguageCode:               cfg.LanguageCode,
					Model:                      cfg.Model,
					EnableAutomaticPunctuation: true,
				},
				InterimResults:  true,
				SingleUtterance: true,
			},
		},
	}
}

// Name identifies the backend
func (g *GoogleTransport) Name() string {
	return "google"
}

// Open starts a streaming recognize call and sends the config message
func (g *GoogleTransport) Open(ctx context.Context) (Stream, error) {
	streamCtx, cancel := context.WithCancel(ctx)

	var rpc speechpb.Speech_StreamingRecognizeClient
	open := func() error {
		var err error
		rpc, err = g.client.StreamingRecognize(streamCtx)
		if err != nil {
			return err
		}
		// Each call owns its request, the generated client may retain it.
		return rpc.Send(proto.Clone(g.initial).(*speechpb.StreamingRecognizeRequest))
	}

	var err error
	if g.circuitBreaker != nil {
		err = g.circuitBreaker.Call(open)
	} else {
		err = open()
	}
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open google stream: %w", err)
	}

	g.logger.Debug().Msg("Recognition stream opened")
	return &googleStream{rpc: rpc, cancel: cancel}, nil
}

// Close closes the client and cleans up resources
func (g *GoogleTransport) Close() error {
	return g.client.Close()
}

type googleStream struct {
	rpc    speechpb.Speech_StreamingRecognizeClient
	cancel context.CancelFunc

	mu         sync.Mutex
	sendClosed bool
	closeOnce  sync.Once
}

func (s *googleStream) Send(audio []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sendClosed {
		return ErrStreamClosed
	}
	return s.rpc.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
			AudioContent: audio,
		},
	})
}

func (s *googleStream) CloseSend() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sendClosed {
		return nil
	}
	s.sendClosed = true
	return s.rpc.CloseSend()
}

func (s *googleStream) Recv() (*Response, error) {
	resp, err := s.rpc.Recv()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, err
	}
	return convertGoogleResponse(resp)
}

func (s *googleStream) Close() error {
	s.closeOnce.Do(func() {
		_ = s.CloseSend()
		s.cancel()
	})
	return nil
}

// convertGoogleResponse normalizes one streaming response. Recognizer-side
// errors come back as gRPC status errors so retry classification applies.
func convertGoogleResponse(resp *speechpb.StreamingRecognizeResponse) (*Response, error) {
	if resp == nil {
		return nil, ErrMalformedResponse
	}
	if st := resp.GetError(); st != nil && st.GetCode() != 0 {
		return nil, status.ErrorProto(st)
	}

	out := &Response{}
	if resp.GetSpeechEventType() == speechpb.StreamingRecognizeResponse_END_OF_SINGLE_UTTERANCE {
		out.Event = EventEndOfUtterance
	}

	results := resp.GetResults()
	if len(results) == 0 {
		return out, nil
	}

	result := results[0]
	alternatives := result.GetAlternatives()
	if len(alternatives) == 0 {
		return nil, fmt.Errorf("%w: result without alternatives", ErrMalformedResponse)
	}

	var text strings.Builder
	for _, r := range results {
		if alts := r.GetAlternatives(); len(alts) > 0 {
			text.WriteString(alts[0].GetTranscript())
		}
	}

	out.HasResults = true
	out.Transcript = strings.TrimSpace(text.String())
	out.IsFinal = result.GetIsFinal()
	out.Stability = float64(result.GetStability())
	out.Confidence = float64(alternatives[0].GetConfidence())
	return out, nil
}
