package audio

import (
	"math"
	"testing"
)

func fixedVADConfig() *VADConfig {
	config := DefaultVADConfig()
	config.Adaptive = false
	return config
}

func TestAdaptiveVAD_Classify_Thresholds(t *testing.T) {
	vad := NewAdaptiveVAD(fixedVADConfig())

	if d := vad.Classify(400, false); !d.Speech {
		t.Error("Expected RMS above speech threshold to be speech")
	}
	if d := vad.Classify(100, false); d.Speech {
		t.Error("Expected RMS below silence threshold to be silence")
	}
	if d := vad.Classify(280, false); d.Speech {
		t.Error("Expected RMS between thresholds to be silence when idle")
	}
}

func TestAdaptiveVAD_Hysteresis(t *testing.T) {
	vad := NewAdaptiveVAD(fixedVADConfig())

	// Crossing the speech threshold starts the utterance
	if d := vad.Classify(400, false); !d.Speech {
		t.Fatal("Expected speech on upward crossing")
	}

	// Frames above the silence threshold stay speech while active
	for i := 0; i < 20; i++ {
		if d := vad.Classify(260, true); !d.Speech {
			t.Errorf("Expected frame %d at 260 to remain speech while active", i)
		}
	}

	// Dropping below the silence threshold ends it
	if d := vad.Classify(240, true); d.Speech {
		t.Error("Expected frame below silence threshold to be silence")
	}
}

func TestAdaptiveVAD_InitialThresholds(t *testing.T) {
	vad := NewAdaptiveVAD(nil)
	th := vad.Thresholds()

	if th.Silence != 250 || th.Speech != 320 {
		t.Errorf("Expected initial thresholds 250/320, got %.0f/%.0f", th.Silence, th.Speech)
	}
	if th.EndOfSpeechFrames != 15 || th.LongPauseFrames != 25 {
		t.Errorf("Expected initial frame counts 15/25, got %d/%d", th.EndOfSpeechFrames, th.LongPauseFrames)
	}
}

func TestAdaptiveVAD_Regimes(t *testing.T) {
	tests := []struct {
		name     string
		readings []float64
		silence  float64
		speech   float64
		eos      int
		pause    int
		regime   string
	}{
		{
			name:     "quiet room uses minimums",
			readings: repeat(100, 15),
			silence:  200,
			speech:   250,
			eos:      12,
			pause:    20,
			regime:   "narrow",
		},
		{
			name:     "loud steady floor is clamped",
			readings: repeat(400, 15),
			silence:  MaxSilenceThreshold,
			speech:   MaxSpeechThreshold,
			eos:      12,
			pause:    20,
			regime:   "narrow",
		},
		{
			name:     "medium spread",
			readings: append(repeat(200, 15), repeat(500, 15)...),
			silence:  260,
			speech:   340,
			eos:      15,
			pause:    25,
			regime:   "medium",
		},
		{
			name:     "wide spread",
			readings: append(repeat(100, 15), repeat(1000, 15)...),
			silence:  280,
			speech:   350,
			eos:      18,
			pause:    30,
			regime:   "wide",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vad := NewAdaptiveVAD(nil)
			for _, r := range tt.readings {
				vad.Classify(r, false)
			}
			th := vad.Thresholds()
			if math.Abs(th.Silence-tt.silence) > 1e-9 {
				t.Errorf("Expected silence threshold %.1f, got %.1f", tt.silence, th.Silence)
			}
			if math.Abs(th.Speech-tt.speech) > 1e-9 {
				t.Errorf("Expected speech threshold %.1f, got %.1f", tt.speech, th.Speech)
			}
			if th.EndOfSpeechFrames != tt.eos {
				t.Errorf("Expected end_of_speech_frames %d, got %d", tt.eos, th.EndOfSpeechFrames)
			}
			if th.LongPauseFrames != tt.pause {
				t.Errorf("Expected long_pause_frames %d, got %d", tt.pause, th.LongPauseFrames)
			}
			if vad.Regime() != tt.regime {
				t.Errorf("Expected regime %s, got %s", tt.regime, vad.Regime())
			}
		})
	}
}

func TestAdaptiveVAD_NoAdaptationBeforeMinSamples(t *testing.T) {
	vad := NewAdaptiveVAD(nil)
	for i := 0; i < 14; i++ {
		vad.Classify(100, false)
	}
	if th := vad.Thresholds(); th.Speech != 320 {
		t.Errorf("Expected initial speech threshold before 15 samples, got %.1f", th.Speech)
	}

	vad.Classify(100, false)
	if th := vad.Thresholds(); th.Speech != 250 {
		t.Errorf("Expected adapted speech threshold at 15 samples, got %.1f", th.Speech)
	}
}

func TestAdaptiveVAD_Quality(t *testing.T) {
	vad := NewAdaptiveVAD(fixedVADConfig())

	for i := 0; i < 5; i++ {
		vad.Classify(640, false)
	}
	if q := vad.Quality(); q != 1.0 {
		t.Errorf("Expected quality 1.0, got %f", q)
	}

	// Quality is capped at 1 per frame
	vad.Classify(5000, true)
	if q := vad.Quality(); q != 1.0 {
		t.Errorf("Expected capped quality 1.0, got %f", q)
	}

	d := vad.Classify(330, true)
	expected := (4*1.0 + 330.0/640.0) / 5
	if math.Abs(d.Quality-expected) > 1e-9 {
		t.Errorf("Expected running quality %f, got %f", expected, d.Quality)
	}

	// Silence frames do not dilute the average
	vad.Classify(10, false)
	if math.Abs(vad.Quality()-expected) > 1e-9 {
		t.Errorf("Expected quality unchanged by silence, got %f", vad.Quality())
	}

	vad.ResetQuality()
	if vad.Quality() != 0 {
		t.Errorf("Expected quality 0 after reset, got %f", vad.Quality())
	}
}

func TestAdaptiveVAD_Reset(t *testing.T) {
	vad := NewAdaptiveVAD(nil)
	for i := 0; i < 20; i++ {
		vad.Classify(100, false)
	}
	vad.Reset()

	if th := vad.Thresholds(); th.Silence != 250 || th.Speech != 320 {
		t.Errorf("Expected initial thresholds after reset, got %.0f/%.0f", th.Silence, th.Speech)
	}
	if vad.Regime() != "" {
		t.Errorf("Expected empty regime after reset, got %s", vad.Regime())
	}
}

func repeat(v float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}
