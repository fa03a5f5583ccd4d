package tts

import (
	"context"
	"fmt"
	"strings"

	texttospeech "cloud.google.com/go/texttospeech/apiv1"
	ttspb "cloud.google.com/go/texttospeech/apiv1/texttospeechpb"
	"google.golang.org/api/option"
)

// GoogleSynthesizer renders speech with Cloud Text-to-Speech
type GoogleSynthesizer struct {
	client       *texttospeech.Client
	speakingRate float64
}

// NewGoogleSynthesizer creates the client. An empty credentialsFile uses application default credentials.
func NewGoogleSynthesizer(ctx context.Context, credentialsFile string) (*GoogleSynthesizer, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	client, err := texttospeech.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create text-to-speech client: %w", err)
	}
	return &GoogleSynthesizer{client: client, speakingRate: 1.0}, nil
}

// Synthesize returns MP3 audio for text
func (g *GoogleSynthesizer) Synthesize(ctx context.Context, text, languageCode, voiceID string) ([]byte, error) {
	req, err := synthesizeRequest(text, languageCode, voiceID, g.speakingRate)
	if err != nil {
		return nil, err
	}

	resp, err := g.client.SynthesizeSpeech(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("text-to-speech error: %w", err)
	}
	return resp.GetAudioContent(), nil
}

func synthesizeRequest(text, languageCode, voiceID string, rate float64) (*ttspb.SynthesizeSpeechRequest, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyText
	}

	return &ttspb.SynthesizeSpeechRequest{
		Input: &ttspb.SynthesisInput{
			InputSource: &ttspb.SynthesisInput_Text{Text: text},
		},
		Voice: &ttspb.VoiceSelectionParams{
			LanguageCode: languageCode,
			Name:         voiceID,
		},
		AudioConfig: &ttspb.AudioConfig{
			AudioEncoding: ttspb.AudioEncoding_MP3,
			SpeakingRate:  rate,
		},
	}, nil
}

// Close closes the client and cleans up resources
func (g *GoogleSynthesizer) Close() error {
	return g.client.Close()
}
