package tts

import (
	"context"
	"errors"
)

// ErrEmptyText is returned for blank synthesis input
var ErrEmptyText = errors.New("tts: empty text")

// Synthesizer defines the interface for a Text-to-Speech client
type Synthesizer interface {
	// Synthesize converts text to an encoded audio payload (MP3)
	Synthesize(ctx context.Context, text, languageCode, voiceID string) ([]byte, error)

	// Close closes the client and cleans up resources
	Close() error
}
