// Package recognition decides when a streaming transcript is ready to act on.
package recognition

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/lexiqai/voice-assistant/internal/stt"
)

// Rule names the condition that released a transcript.
type Rule string

const (
	RuleFinal          Rule = "final"
	RuleEndOfUtterance Rule = "end_of_utterance"
	RuleWordsStopped   Rule = "words_stopped"
	RuleNoUpdates      Rule = "no_updates"
	RuleLongTranscript Rule = "long_transcript"
	RuleSentenceEnd    Rule = "sentence_end"
	RuleFallback       Rule = "fallback"
)

// Outcome is what the caller should do after feeding the evaluator.
type Outcome int

const (
	OutcomeWait Outcome = iota
	OutcomeDispatch
	OutcomeAbort // dead air, drop the utterance
)

// Decision is the evaluator verdict.
type Decision struct {
	Outcome Outcome
	Text    string
	Rule    Rule
}

// Config holds the dispatch thresholds
type Config struct {
	MinLength               int // characters a transcript needs to be meaningful
	WordsStopped            time.Duration
	NoUpdates               time.Duration
	NoUpdatesStability      float64
	LongTranscriptAge       time.Duration
	LongTranscriptLength    int
	LongTranscriptStability float64
	SentenceEndStability    float64
	DeadAir                 time.Duration
}

// DefaultConfig returns the default dispatch thresholds
func DefaultConfig() *Config {
	return &Config{
		MinLength:               3,
		WordsStopped:            1200 * time.Millisecond,
		NoUpdates:               time.Second,
		NoUpdatesStability:      0.85,
		LongTranscriptAge:       2 * time.Second,
		LongTranscriptLength:    10,
		LongTranscriptStability: 0.75,
		SentenceEndStability:    0.7,
		DeadAir:                 3 * time.Second,
	}
}

// Candidate is the latest interim hypothesis for the utterance.
type Candidate struct {
	Text        string
	WordCount   int
	Stability   float64
	IsFinal     bool
	FirstSeen   time.Time
	LastChanged time.Time
	LastGrowth  time.Time // last time WordCount increased
}

// Length is the transcript length in characters
func (c Candidate) Length() int {
	return utf8.RuneCountInString(c.Text)
}

type rule struct {
	name  Rule
	match func(e *Evaluator, c Candidate, now time.Time) bool
}

// rules is evaluated in order; the first match wins. Only meaningful
// candidates (longer than MinLength) reach the table.
var rules = []rule{
	{RuleEndOfUtterance, func(e *Evaluator, c Candidate, _ time.Time) bool {
		return e.endSignalled
	}},
	{RuleWordsStopped, func(e *Evaluator, c Candidate, now time.Time) bool {
		return now.Sub(c.LastGrowth) > e.config.WordsStopped
	}},
	{RuleNoUpdates, func(e *Evaluator, c Candidate, now time.Time) bool {
		return now.Sub(c.LastChanged) > e.config.NoUpdates && c.Stability > e.config.NoUpdatesStability
	}},
	{RuleLongTranscript, func(e *Evaluator, c Candidate, now time.Time) bool {
		return now.Sub(c.FirstSeen) > e.config.LongTranscriptAge &&
			c.Length() > e.config.LongTranscriptLength &&
			c.Stability > e.config.LongTranscriptStability
	}},
	{RuleSentenceEnd, func(e *Evaluator, c Candidate, _ time.Time) bool {
		return endsSentence(c.Text) && c.Stability > e.config.SentenceEndStability
	}},
}

func endsSentence(text string) bool {
	if text == "" {
		return false
	}
	switch text[len(text)-1] {
	case '.', '!', '?', ',':
		return true
	}
	return false
}

// Evaluator consumes the responses of one utterance and releases the
// transcript at most once. Not safe for concurrent use.
type Evaluator struct {
	config *Config
	now    func() time.Time

	candidate    Candidate
	endSignalled bool
	lastResults  time.Time
	done         bool
}

// NewEvaluator starts evaluating a new utterance. The dead-air clock starts now.
func NewEvaluator(config *Config, now func() time.Time) *Evaluator {
	if config == nil {
		config = DefaultConfig()
	}
	if now == nil {
		now = time.Now
	}
	return &Evaluator{
		config:      config,
		now:         now,
		lastResults: now(),
	}
}

// Observe feeds one recognizer response.
func (e *Evaluator) Observe(resp *stt.Response) Decision {
	if e.done || resp == nil {
		return Decision{}
	}
	now := e.now()

	if resp.Event == stt.EventEndOfUtterance {
		e.endSignalled = true
	}
	if !resp.HasResults {
		return e.evaluate(now)
	}
	e.lastResults = now

	text := strings.TrimSpace(resp.Transcript)
	if resp.IsFinal {
		if text == "" {
			return e.evaluate(now)
		}
		e.update(text, resp.Stability, true, now)
		return e.dispatch(RuleFinal)
	}

	e.update(text, resp.Stability, false, now)
	return e.evaluate(now)
}

// Tick re-evaluates the time-based rules without a new response.
func (e *Evaluator) Tick() Decision {
	if e.done {
		return Decision{}
	}
	return e.evaluate(e.now())
}

// Finish is called when the response stream ends. A meaningful transcript
// that was never released is dispatched as a fallback.
func (e *Evaluator) Finish() Decision {
	if e.done {
		return Decision{}
	}
	if e.meaningful() {
		return e.dispatch(RuleFallback)
	}
	e.done = true
	return Decision{}
}

// Done reports whether the utterance has been released or aborted
func (e *Evaluator) Done() bool {
	return e.done
}

// Candidate returns the current hypothesis
func (e *Evaluator) Candidate() Candidate {
	return e.candidate
}

func (e *Evaluator) update(text string, stability float64, final bool, now time.Time) {
	c := e.candidate
	words := len(strings.Fields(text))

	if c.FirstSeen.IsZero() && text != "" {
		c.FirstSeen = now
		c.LastChanged = now
		c.LastGrowth = now
	}
	if text != c.Text {
		c.LastChanged = now
	}
	if words > c.WordCount {
		c.LastGrowth = now
	}

	c.Text = text
	c.WordCount = words
	c.Stability = stability
	c.IsFinal = final
	e.candidate = c
}

func (e *Evaluator) meaningful() bool {
	return e.candidate.Length() > e.config.MinLength
}

func (e *Evaluator) evaluate(now time.Time) Decision {
	c := e.candidate
	if e.meaningful() {
		for _, r := range rules {
			if r.match(e, c, now) {
				return e.dispatch(r.name)
			}
		}
	}

	if !e.meaningful() && now.Sub(e.lastResults) > e.config.DeadAir {
		e.done = true
		return Decision{Outcome: OutcomeAbort}
	}
	return Decision{}
}

func (e *Evaluator) dispatch(r Rule) Decision {
	e.done = true
	return Decision{Outcome: OutcomeDispatch, Text: e.candidate.Text, Rule: r}
}
