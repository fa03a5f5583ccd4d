package tts

import (
	"errors"
	"testing"

	ttspb "cloud.google.com/go/texttospeech/apiv1/texttospeechpb"
)

func TestSynthesizeRequest(t *testing.T) {
	req, err := synthesizeRequest("  Hello there.  ", "en-US", "en-US-Neural2-F", 1.0)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if got := req.GetInput().GetText(); got != "Hello there." {
		t.Errorf("Expected trimmed text, got %q", got)
	}
	if req.GetVoice().GetName() != "en-US-Neural2-F" {
		t.Errorf("Expected voice en-US-Neural2-F, got %s", req.GetVoice().GetName())
	}
	if req.GetAudioConfig().GetAudioEncoding() != ttspb.AudioEncoding_MP3 {
		t.Errorf("Expected MP3 encoding, got %s", req.GetAudioConfig().GetAudioEncoding())
	}
}

func TestSynthesizeRequest_Empty(t *testing.T) {
	if _, err := synthesizeRequest("   ", "en-US", "", 1.0); !errors.Is(err, ErrEmptyText) {
		t.Errorf("Expected ErrEmptyText, got %v", err)
	}
}
