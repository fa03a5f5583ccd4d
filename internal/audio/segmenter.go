package audio

import "time"

// Marker is a segmentation signal ordered after the frames that precede it.
type Marker int

const (
	MarkerNone Marker = iota
	MarkerSentenceBoundary
	MarkerEndOfSpeech
)

func (m Marker) String() string {
	switch m {
	case MarkerSentenceBoundary:
		return "sentence_boundary"
	case MarkerEndOfSpeech:
		return "end_of_speech"
	default:
		return "none"
	}
}

// UtteranceState is the segmentation state.
type UtteranceState int

const (
	StateIdle UtteranceState = iota
	StateSpeechActive
)

func (s UtteranceState) String() string {
	if s == StateSpeechActive {
		return "speech_active"
	}
	return "idle"
}

// SegmenterConfig holds utterance timing limits
type SegmenterConfig struct {
	MinSpeechDuration    time.Duration // Voiced span required before an end marker is honoured
	MaxSpeechDuration    time.Duration // Hard cap, forces EndOfSpeech
	FalseStartFrames     int           // Silence frames before an unconfirmed utterance is discarded
	SentencePauseFrames  int           // Pause length that arms a sentence boundary
	SentenceMinDuration  time.Duration // Utterance age required for a quality-based boundary
	SentenceMinQuality   float64       // Average speech quality required for a quality-based boundary
	LongPauseMinDuration time.Duration // Utterance age required for a long-pause boundary
}

// DefaultSegmenterConfig returns the default timing limits
func DefaultSegmenterConfig() *SegmenterConfig {
	return &SegmenterConfig{
		MinSpeechDuration:    500 * time.Millisecond,
		MaxSpeechDuration:    8 * time.Second,
		FalseStartFrames:     45,
		SentencePauseFrames:  8,
		SentenceMinDuration:  2 * time.Second,
		SentenceMinQuality:   0.6,
		LongPauseMinDuration: 3500 * time.Millisecond,
	}
}

// StepResult is the outcome of feeding one frame to the Segmenter.
type StepResult struct {
	Marker     Marker
	Started    bool // Idle -> SpeechActive on this frame
	FalseStart bool // utterance discarded without a marker
}

// Segmenter tracks utterance state from per-frame VAD decisions and emits
// boundary markers. Every timing decision uses the timestamp of the frame
// being processed.
type Segmenter struct {
	config *SegmenterConfig
	state  UtteranceState

	start       time.Time
	lastSpeech  time.Time
	silence     int
	pause       int
	sentenceEnd bool
	heldAt      time.Time
}

// NewSegmenter creates a segmenter in the Idle state
func NewSegmenter(config *SegmenterConfig) *Segmenter {
	if config == nil {
		config = DefaultSegmenterConfig()
	}
	return &Segmenter{config: config}
}

// Step advances the machine with the decision for the frame captured at ts.
func (s *Segmenter) Step(ts time.Time, d Decision) StepResult {
	s.resume(ts)

	if d.Speech {
		var out StepResult
		if s.state == StateIdle {
			s.state = StateSpeechActive
			s.start = ts
			out.Started = true
		}
		s.lastSpeech = ts
		s.silence = 0
		s.pause = 0
		s.sentenceEnd = false

		if ts.Sub(s.start) > s.config.MaxSpeechDuration {
			s.Reset()
			out.Marker = MarkerEndOfSpeech
		}
		return out
	}

	if s.state == StateIdle {
		return StepResult{}
	}

	s.silence++
	s.pause++
	elapsed := ts.Sub(s.start)

	if elapsed > s.config.MaxSpeechDuration {
		s.Reset()
		return StepResult{Marker: MarkerEndOfSpeech}
	}

	// voiced span, not elapsed time: a short burst followed by a pause never ends as speech
	if s.lastSpeech.Sub(s.start) < s.config.MinSpeechDuration {
		if s.silence > s.config.FalseStartFrames {
			s.Reset()
			return StepResult{FalseStart: true}
		}
		return StepResult{}
	}

	th := d.Thresholds
	if s.pause > s.config.SentencePauseFrames && s.pause < th.EndOfSpeechFrames {
		s.sentenceEnd = true
	}

	switch {
	case s.silence > th.EndOfSpeechFrames:
		s.Reset()
		return StepResult{Marker: MarkerEndOfSpeech}
	case s.sentenceEnd && elapsed > s.config.SentenceMinDuration && d.Quality > s.config.SentenceMinQuality:
		s.sentenceEnd = false
		s.pause = 0
		return StepResult{Marker: MarkerSentenceBoundary}
	case s.silence > th.LongPauseFrames && elapsed > s.config.LongPauseMinDuration:
		s.pause = 0
		return StepResult{Marker: MarkerSentenceBoundary}
	}
	return StepResult{}
}

// Hold freezes the utterance clock at ts while capture is muted. The held
// span is excluded from utterance timing once frames are stepped again.
func (s *Segmenter) Hold(ts time.Time) {
	if s.state == StateSpeechActive && s.heldAt.IsZero() {
		s.heldAt = ts
	}
}

func (s *Segmenter) resume(ts time.Time) {
	if s.heldAt.IsZero() {
		return
	}
	gap := ts.Sub(s.heldAt)
	s.start = s.start.Add(gap)
	s.lastSpeech = s.lastSpeech.Add(gap)
	s.heldAt = time.Time{}
}

// State returns the current utterance state
func (s *Segmenter) State() UtteranceState {
	return s.state
}

// Active reports whether an utterance is in progress
func (s *Segmenter) Active() bool {
	return s.state == StateSpeechActive
}

// SpeechStart returns the start of the current utterance
func (s *Segmenter) SpeechStart() time.Time {
	return s.start
}

// Reset discards utterance state and returns to Idle
func (s *Segmenter) Reset() {
	s.state = StateIdle
	s.start = time.Time{}
	s.lastSpeech = time.Time{}
	s.silence = 0
	s.pause = 0
	s.sentenceEnd = false
	s.heldAt = time.Time{}
}
