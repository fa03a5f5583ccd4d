package audio

import "math"

// Upper bounds applied to adapted thresholds.
const (
	MaxSilenceThreshold = 400.0
	MaxSpeechThreshold  = 500.0
)

// VADConfig holds configuration for Voice Activity Detection
type VADConfig struct {
	Adaptive          bool    // Derive thresholds from the noise profile
	SilenceThreshold  float64 // Lower hysteresis threshold (RMS)
	SpeechThreshold   float64 // Upper hysteresis threshold (RMS)
	EndOfSpeechFrames int     // Silence frames that end an utterance
	LongPauseFrames   int     // Silence frames that mark a sentence boundary in long speech
	NoiseWindow       int     // Noise profile capacity
	MinNoiseSamples   int     // Readings required before adapting
	QualityWindow     int     // Speech-quality running average window
}

// DefaultVADConfig returns a default VAD configuration
func DefaultVADConfig() *VADConfig {
	return &VADConfig{
		Adaptive:          true,
		SilenceThreshold:  250,
		SpeechThreshold:   320,
		EndOfSpeechFrames: 15,
		LongPauseFrames:   25,
		NoiseWindow:       30,
		MinNoiseSamples:   15,
		QualityWindow:     5,
	}
}

// Thresholds is the active classification tuple.
type Thresholds struct {
	Silence           float64
	Speech            float64
	EndOfSpeechFrames int
	LongPauseFrames   int
}

// regime maps a noise range (ceiling - floor) to a threshold tuple.
type regime struct {
	name       string
	maxRange   float64
	silenceK   float64
	speechK    float64
	silenceMin float64
	speechMin  float64
	endFrames  int
	pauseFrame int
}

var regimes = []regime{
	{name: "narrow", maxRange: 100, silenceK: 1.2, speechK: 1.5, silenceMin: 200, speechMin: 250, endFrames: 12, pauseFrame: 20},
	{name: "medium", maxRange: 500, silenceK: 1.3, speechK: 1.7, silenceMin: 250, speechMin: 300, endFrames: 15, pauseFrame: 25},
	{name: "wide", maxRange: math.Inf(1), silenceK: 1.4, speechK: 2.0, silenceMin: 280, speechMin: 350, endFrames: 18, pauseFrame: 30},
}

// Decision is the VAD verdict for one frame.
type Decision struct {
	Speech     bool
	RMS        float64
	Quality    float64 // running average over the quality window
	Thresholds Thresholds
}

// AdaptiveVAD classifies frames as speech or silence using thresholds
// derived from recent background energy.
type AdaptiveVAD struct {
	config     *VADConfig
	profile    *NoiseProfile
	thresholds Thresholds
	regime     string

	quality []float64
	qNext   int
	qCount  int
	qSum    float64
}

// NewAdaptiveVAD creates a new VAD
func NewAdaptiveVAD(config *VADConfig) *AdaptiveVAD {
	if config == nil {
		config = DefaultVADConfig()
	}
	window := config.QualityWindow
	if window <= 0 {
		window = 5
	}
	v := &AdaptiveVAD{
		config:  config,
		profile: NewNoiseProfile(config.NoiseWindow),
		quality: make([]float64, window),
	}
	v.thresholds = v.initialThresholds()
	return v
}

func (v *AdaptiveVAD) initialThresholds() Thresholds {
	return Thresholds{
		Silence:           v.config.SilenceThreshold,
		Speech:            v.config.SpeechThreshold,
		EndOfSpeechFrames: v.config.EndOfSpeechFrames,
		LongPauseFrames:   v.config.LongPauseFrames,
	}
}

// Classify records rms in the noise profile, re-derives thresholds and
// returns the verdict. active reports whether an utterance is in progress,
// which lowers the bar to the silence threshold (hysteresis).
func (v *AdaptiveVAD) Classify(rms float64, active bool) Decision {
	v.profile.Add(rms)
	if v.config.Adaptive && v.profile.Len() >= v.config.MinNoiseSamples {
		v.adapt()
	}

	speech := rms > v.thresholds.Speech || (active && rms > v.thresholds.Silence)
	if speech {
		v.recordQuality(math.Min(1, rms/(2*v.thresholds.Speech)))
	}

	return Decision{
		Speech:     speech,
		RMS:        rms,
		Quality:    v.Quality(),
		Thresholds: v.thresholds,
	}
}

func (v *AdaptiveVAD) adapt() {
	floor := v.profile.Floor()
	spread := v.profile.Ceiling() - floor

	r := regimes[len(regimes)-1]
	for _, candidate := range regimes {
		if spread < candidate.maxRange {
			r = candidate
			break
		}
	}

	v.regime = r.name
	v.thresholds = Thresholds{
		Silence:           math.Min(math.Max(floor*r.silenceK, r.silenceMin), MaxSilenceThreshold),
		Speech:            math.Min(math.Max(floor*r.speechK, r.speechMin), MaxSpeechThreshold),
		EndOfSpeechFrames: r.endFrames,
		LongPauseFrames:   r.pauseFrame,
	}
}

func (v *AdaptiveVAD) recordQuality(q float64) {
	if v.qCount == len(v.quality) {
		v.qSum -= v.quality[v.qNext]
	} else {
		v.qCount++
	}
	v.quality[v.qNext] = q
	v.qSum += q
	v.qNext = (v.qNext + 1) % len(v.quality)
}

// Quality returns the running speech-quality average, 0 with no samples
func (v *AdaptiveVAD) Quality() float64 {
	if v.qCount == 0 {
		return 0
	}
	return v.qSum / float64(v.qCount)
}

// ResetQuality clears the quality window at an utterance boundary
func (v *AdaptiveVAD) ResetQuality() {
	v.qNext = 0
	v.qCount = 0
	v.qSum = 0
}

// Thresholds returns the thresholds currently in force
func (v *AdaptiveVAD) Thresholds() Thresholds {
	return v.thresholds
}

// Regime names the noise regime last selected, empty before adaptation
func (v *AdaptiveVAD) Regime() string {
	return v.regime
}

// NoiseFloor returns the current floor and ceiling estimates
func (v *AdaptiveVAD) NoiseFloor() (floor, ceiling float64) {
	return v.profile.Floor(), v.profile.Ceiling()
}

// Reset restores the initial thresholds and forgets the noise profile
func (v *AdaptiveVAD) Reset() {
	v.profile.Reset()
	v.ResetQuality()
	v.regime = ""
	v.thresholds = v.initialThresholds()
}
