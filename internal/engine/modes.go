package engine

import (
	"context"
	"strings"
	"time"
	"unicode"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-assistant/internal/observability"
)

// Speaker queues a reply for playback
type Speaker interface {
	Speak(ctx context.Context, text string) error
	// WaitIdle blocks until everything queued has been played
	WaitIdle(ctx context.Context) error
}

// Responder produces the reply to an utterance heard in active mode
type Responder func(ctx context.Context, text string) (string, error)

// PhraseHandler drives the passive/active loop. In passive mode only the wake
// phrase is acted on. In active mode every utterance is answered through the
// speaker, and the passive phrase goes back to waiting for the wake phrase.
// The exit phrase ends the session from either mode once the farewell has
// been played.
type PhraseHandler struct {
	WakePhrase    string
	PassivePhrase string
	ExitPhrase    string
	Greeting      string
	Dismissal     string
	Farewell      string
	WaitTimeout   time.Duration // bound on waiting for a dismissal or farewell to play
	Respond       Responder     // nil echoes the utterance back

	speaker Speaker
	logger  zerolog.Logger
}

// NewPhraseHandler creates a handler that replies through speaker
func NewPhraseHandler(wake, passive, exit string, speaker Speaker, logger zerolog.Logger) *PhraseHandler {
	return &PhraseHandler{
		WakePhrase:    wake,
		PassivePhrase: passive,
		ExitPhrase:    exit,
		Greeting:      "Hi, how can I help?",
		Dismissal:     "Going quiet. Say the wake phrase when you need me.",
		Farewell:      "Goodbye.",
		WaitTimeout:   10 * time.Second,
		speaker:       speaker,
		logger:        observability.WithComponent(logger, "phrases"),
	}
}

// Handle is an UtteranceHandler
func (h *PhraseHandler) Handle(ctx context.Context, u Utterance) Mode {
	text := normalizePhrase(u.Text)

	if matchPhrase(text, h.ExitPhrase) {
		h.say(ctx, h.Farewell)
		h.wait(ctx)
		return ModeExit
	}

	switch u.Mode {
	case ModePassive:
		if !matchPhrase(text, h.WakePhrase) {
			h.logger.Debug().Str("text", u.Text).Msg("Ignoring utterance while passive")
			return ""
		}
		h.say(ctx, h.Greeting)
		return ModeActive
	case ModeActive:
		if matchPhrase(text, h.PassivePhrase) {
			h.say(ctx, h.Dismissal)
			h.wait(ctx)
			return ModePassive
		}
		reply := u.Text
		if h.Respond != nil {
			var err error
			reply, err = h.Respond(ctx, u.Text)
			if err != nil {
				h.logger.Error().Err(err).Str("utterance_id", u.ID).Msg("Failed to produce reply")
				return ""
			}
		}
		h.say(ctx, reply)
	}
	return ""
}

func (h *PhraseHandler) say(ctx context.Context, text string) {
	if h.speaker == nil || text == "" {
		return
	}
	if err := h.speaker.Speak(ctx, text); err != nil {
		h.logger.Warn().Err(err).Msg("Reply not spoken")
	}
}

// wait blocks until queued speech has played, bounded by WaitTimeout
func (h *PhraseHandler) wait(ctx context.Context) {
	if h.speaker == nil {
		return
	}
	if h.WaitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.WaitTimeout)
		defer cancel()
	}
	if err := h.speaker.WaitIdle(ctx); err != nil {
		h.logger.Warn().Err(err).Msg("Stopped waiting for speech to finish")
	}
}

// matchPhrase reports whether normalized text contains phrase
func matchPhrase(text, phrase string) bool {
	phrase = normalizePhrase(phrase)
	return phrase != "" && strings.Contains(text, phrase)
}

// normalizePhrase lowercases and strips punctuation so "Hey, Assistant!"
// matches "hey assistant".
func normalizePhrase(s string) string {
	var b strings.Builder
	space := false
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			space = false
		case unicode.IsSpace(r) || r == '-':
			if !space && b.Len() > 0 {
				b.WriteByte(' ')
				space = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}
