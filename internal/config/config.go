package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/lexiqai/voice-assistant/internal/audio"
	"github.com/lexiqai/voice-assistant/internal/playback"
	"github.com/lexiqai/voice-assistant/internal/recognition"
	"github.com/lexiqai/voice-assistant/internal/resilience"
)

// Recognizer backends
const (
	BackendGoogle   = "google"
	BackendDeepgram = "deepgram"
)

// Config holds all configuration for the voice assistant
type Config struct {
	// Server configuration (health, metrics, event monitor)
	Port string `envconfig:"PORT" default:"8080"`

	// Audio capture
	SampleRate    int `envconfig:"AUDIO_SAMPLE_RATE" default:"16000"`
	FrameSize     int `envconfig:"AUDIO_FRAME_SIZE" default:"512"`   // Samples per capture callback
	QueueSize     int `envconfig:"AUDIO_QUEUE_SIZE" default:"256"`   // Frame queue capacity
	PreRollFrames int `envconfig:"AUDIO_PREROLL_FRAMES" default:"5"` // Frames kept before speech onset

	// Voice activity detection
	VADAdaptive          bool    `envconfig:"VAD_ADAPTIVE" default:"true"`
	VADSilenceThreshold  float64 `envconfig:"VAD_SILENCE_THRESHOLD" default:"250"`
	VADSpeechThreshold   float64 `envconfig:"VAD_SPEECH_THRESHOLD" default:"320"`
	VADEndOfSpeechFrames int     `envconfig:"VAD_END_OF_SPEECH_FRAMES" default:"15"`
	VADLongPauseFrames   int     `envconfig:"VAD_LONG_PAUSE_FRAMES" default:"25"`
	VADNoiseWindow       int     `envconfig:"VAD_NOISE_WINDOW" default:"30"`
	VADNoiseMinSamples   int     `envconfig:"VAD_NOISE_MIN_SAMPLES" default:"15"`

	// Segmentation
	SegmentMinSpeech        time.Duration `envconfig:"SEGMENT_MIN_SPEECH" default:"500ms"`
	SegmentMaxSpeech        time.Duration `envconfig:"SEGMENT_MAX_SPEECH" default:"8s"`
	SegmentFalseStartFrames int           `envconfig:"SEGMENT_FALSE_START_FRAMES" default:"45"`

	// Stream assembly
	ChunkFrames   int           `envconfig:"CHUNK_FRAMES" default:"15"`
	ChunkInterval time.Duration `envconfig:"CHUNK_INTERVAL" default:"500ms"`

	// Transcript dispatch
	DispatchWordsStopped   time.Duration `envconfig:"DISPATCH_WORDS_STOPPED" default:"1200ms"`
	DispatchNoUpdates      time.Duration `envconfig:"DISPATCH_NO_UPDATES" default:"1s"`
	DispatchLongTranscript time.Duration `envconfig:"DISPATCH_LONG_TRANSCRIPT" default:"2s"`
	DeadAirTimeout         time.Duration `envconfig:"DEAD_AIR_TIMEOUT" default:"3s"`

	// Playback
	TTSCooldown        time.Duration `envconfig:"TTS_COOLDOWN" default:"500ms"`
	TTSEarlyListen     time.Duration `envconfig:"TTS_EARLY_LISTEN" default:"90ms"`
	TTSDefaultDuration time.Duration `envconfig:"TTS_DEFAULT_DURATION" default:"2s"`
	TTSVoiceID         string        `envconfig:"TTS_VOICE_ID" default:"en-US-Neural2-F"`
	TTSLanguageCode    string        `envconfig:"TTS_LANGUAGE_CODE" default:""` // Falls back to LANGUAGE_CODE

	// Recognizer
	RecognizerBackend     string `envconfig:"RECOGNIZER_BACKEND" default:"google"` // google, deepgram
	LanguageCode          string `envconfig:"LANGUAGE_CODE" default:"en-US"`
	GoogleCredentialsFile string `envconfig:"GOOGLE_CREDENTIALS_FILE" default:""` // Empty uses application default credentials
	GoogleSpeechModel     string `envconfig:"GOOGLE_SPEECH_MODEL" default:"command_and_search"`
	DeepgramAPIKey        string `envconfig:"DEEPGRAM_API_KEY" default:""`
	DeepgramModel         string `envconfig:"DEEPGRAM_MODEL" default:"nova-2"`

	// Session modes
	WakePhrase    string `envconfig:"WAKE_PHRASE" default:"hey assistant"`
	PassivePhrase string `envconfig:"PASSIVE_PHRASE" default:"go quiet"` // Active back to passive
	ExitPhrase    string `envconfig:"EXIT_PHRASE" default:"goodbye"`

	// Resilience configuration
	CircuitBreakerMaxFailures  int           `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`    // Failures before opening circuit
	CircuitBreakerResetTimeout time.Duration `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30s"` // Time before attempting recovery
	RetryMaxAttempts           int           `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`              // Maximum retry attempts
	RetryInitialBackoff        time.Duration `envconfig:"RETRY_INITIAL_BACKOFF" default:"100ms"`

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
	MonitorEnabled bool   `envconfig:"MONITOR_ENABLED" default:"true"` // Serve engine events on /events

	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"2s"`
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()
	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks backend-specific keys and value ranges
func (c *Config) Validate() error {
	switch c.RecognizerBackend {
	case BackendGoogle:
	case BackendDeepgram:
		if c.DeepgramAPIKey == "" {
			return fmt.Errorf("DEEPGRAM_API_KEY is required for the deepgram backend")
		}
	default:
		return fmt.Errorf("unknown RECOGNIZER_BACKEND %q", c.RecognizerBackend)
	}

	if c.SampleRate <= 0 || c.FrameSize <= 0 {
		return fmt.Errorf("AUDIO_SAMPLE_RATE and AUDIO_FRAME_SIZE must be positive")
	}
	if c.ChunkFrames <= 0 || c.ChunkInterval <= 0 {
		return fmt.Errorf("CHUNK_FRAMES and CHUNK_INTERVAL must be positive")
	}
	if c.VADSilenceThreshold > c.VADSpeechThreshold {
		return fmt.Errorf("VAD_SILENCE_THRESHOLD (%.0f) must not exceed VAD_SPEECH_THRESHOLD (%.0f)",
			c.VADSilenceThreshold, c.VADSpeechThreshold)
	}
	if c.SegmentMinSpeech >= c.SegmentMaxSpeech {
		return fmt.Errorf("SEGMENT_MIN_SPEECH must be shorter than SEGMENT_MAX_SPEECH")
	}
	if c.TTSEarlyListen < 0 || c.TTSCooldown < 0 {
		return fmt.Errorf("TTS_EARLY_LISTEN and TTS_COOLDOWN must not be negative")
	}

	return nil
}

// FrameDuration is the wall-clock length of one capture frame
func (c *Config) FrameDuration() time.Duration {
	return audio.FrameDuration(c.FrameSize, c.SampleRate)
}

// VADConfig derives the voice activity detector configuration
func (c *Config) VADConfig() *audio.VADConfig {
	vc := audio.DefaultVADConfig()
	vc.Adaptive = c.VADAdaptive
	vc.SilenceThreshold = c.VADSilenceThreshold
	vc.SpeechThreshold = c.VADSpeechThreshold
	vc.EndOfSpeechFrames = c.VADEndOfSpeechFrames
	vc.LongPauseFrames = c.VADLongPauseFrames
	vc.NoiseWindow = c.VADNoiseWindow
	vc.MinNoiseSamples = c.VADNoiseMinSamples
	return vc
}

// SegmenterConfig derives the segmentation configuration
func (c *Config) SegmenterConfig() *audio.SegmenterConfig {
	sc := audio.DefaultSegmenterConfig()
	sc.MinSpeechDuration = c.SegmentMinSpeech
	sc.MaxSpeechDuration = c.SegmentMaxSpeech
	sc.FalseStartFrames = c.SegmentFalseStartFrames
	return sc
}

// AssemblerConfig derives the chunk batching configuration
func (c *Config) AssemblerConfig() *audio.AssemblerConfig {
	return &audio.AssemblerConfig{
		ChunkFrames:   c.ChunkFrames,
		ChunkInterval: c.ChunkInterval,
		PreRollFrames: c.PreRollFrames,
	}
}

// EvaluatorConfig derives the transcript dispatch thresholds
func (c *Config) EvaluatorConfig() *recognition.Config {
	ec := recognition.DefaultConfig()
	ec.WordsStopped = c.DispatchWordsStopped
	ec.NoUpdates = c.DispatchNoUpdates
	ec.LongTranscriptAge = c.DispatchLongTranscript
	ec.DeadAir = c.DeadAirTimeout
	return ec
}

// PlaybackConfig derives the playback scheduler configuration
func (c *Config) PlaybackConfig() *playback.Config {
	pc := playback.DefaultConfig()
	pc.Cooldown = c.TTSCooldown
	pc.EarlyListen = c.TTSEarlyListen
	pc.DefaultDuration = c.TTSDefaultDuration
	pc.VoiceID = c.TTSVoiceID
	pc.LanguageCode = c.TTSLanguageCode
	if pc.LanguageCode == "" {
		pc.LanguageCode = c.LanguageCode
	}
	return pc
}

// RetryConfig derives the retry policy for opening streams and synthesis
func (c *Config) RetryConfig() *resilience.RetryConfig {
	rc := resilience.DefaultRetryConfig()
	rc.MaxAttempts = c.RetryMaxAttempts
	rc.InitialBackoff = c.RetryInitialBackoff
	return rc
}
