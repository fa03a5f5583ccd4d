package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-assistant/internal/config"
	"github.com/lexiqai/voice-assistant/internal/device"
	"github.com/lexiqai/voice-assistant/internal/duplex"
	"github.com/lexiqai/voice-assistant/internal/engine"
	"github.com/lexiqai/voice-assistant/internal/monitor"
	"github.com/lexiqai/voice-assistant/internal/observability"
	"github.com/lexiqai/voice-assistant/internal/playback"
	"github.com/lexiqai/voice-assistant/internal/resilience"
	"github.com/lexiqai/voice-assistant/internal/stt"
	"github.com/lexiqai/voice-assistant/internal/tts"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Str("recognizer", cfg.RecognizerBackend).
		Str("language", cfg.LanguageCode).
		Dur("frame_duration", cfg.FrameDuration()).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Voice assistant starting")

	if err := run(cfg, logger); err != nil {
		logger.Error().Err(err).Msg("Voice assistant stopped with error")
		os.Exit(1)
	}
	logger.Info().Msg("Voice assistant exited gracefully")
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sttBreaker := newBreaker("stt", cfg)
	ttsBreaker := newBreaker("tts", cfg)

	transport, err := newTransport(ctx, cfg, sttBreaker, logger)
	if err != nil {
		return err
	}
	defer transport.Close()

	synth, err := tts.NewGoogleSynthesizer(ctx, cfg.GoogleCredentialsFile)
	if err != nil {
		return err
	}
	defer synth.Close()

	capture, err := device.NewPortAudioCapture(logger)
	if err != nil {
		return fmt.Errorf("failed to open capture device: %w", err)
	}
	speaker, err := device.NewSpeaker(logger)
	if err != nil {
		capture.Close()
		return fmt.Errorf("failed to open playback device: %w", err)
	}

	sessionID := observability.NewCorrelationID()
	metrics := observability.NewSessionMetrics(sessionID)
	sessionLogger := observability.WithCorrelationID(sessionID)

	playbackOpts := playback.Options{
		CircuitBreaker: ttsBreaker,
		Retry:          cfg.RetryConfig(),
		Metrics:        metrics,
		Logger:         sessionLogger,
	}
	opts := engine.Options{
		SessionID: sessionID,
		Metrics:   metrics,
		Logger:    logger,
	}
	var hub *monitor.Hub
	if cfg.MonitorEnabled {
		hub = monitor.NewHub(logger)
		defer hub.Close()
		playbackOpts.Events = hub
		opts.Events = hub
	}

	gate := duplex.NewGate()
	scheduler := playback.NewScheduler(cfg.PlaybackConfig(), synth, speaker, gate, playbackOpts)
	opts.Playback = scheduler

	phrases := engine.NewPhraseHandler(cfg.WakePhrase, cfg.PassivePhrase, cfg.ExitPhrase, scheduler, sessionLogger)

	eng := engine.New(&engine.Config{
		SampleRate:      cfg.SampleRate,
		FrameSize:       cfg.FrameSize,
		QueueSize:       cfg.QueueSize,
		VAD:             cfg.VADConfig(),
		Segmenter:       cfg.SegmenterConfig(),
		Assembler:       cfg.AssemblerConfig(),
		Evaluator:       cfg.EvaluatorConfig(),
		Retry:           cfg.RetryConfig(),
		TickInterval:    100 * time.Millisecond,
		ShutdownTimeout: cfg.ShutdownTimeout,
		InitialMode:     engine.ModePassive,
	}, capture, transport, gate, phrases.Handle, opts)

	server := newServer(cfg, hub, sttBreaker, ttsBreaker)
	go func() {
		logger.Info().Str("port", cfg.Port).Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Server failed")
		}
	}()

	logger.Info().
		Str("session_id", eng.SessionID()).
		Str("wake_phrase", cfg.WakePhrase).
		Msg("Say the wake phrase to start")

	runErr := eng.Run(ctx)

	logger.Info().Msg("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Server forced to shutdown")
	}

	return runErr
}

func newBreaker(service string, cfg *config.Config) *resilience.CircuitBreaker {
	cb := resilience.NewCircuitBreaker(service, cfg.CircuitBreakerMaxFailures, cfg.CircuitBreakerResetTimeout)
	cb.OnStateChange(func(name string, from, to resilience.CircuitState) {
		observability.UpdateCircuitBreakerState(name, int(to))
		if to == resilience.StateOpen {
			observability.IncrementCircuitBreakerFailures(name)
		}
		cbLogger := observability.GetLogger()
		cbLogger.Warn().
			Str("service", name).
			Str("from", from.String()).
			Str("to", to.String()).
			Msg("Circuit breaker state changed")
	})
	return cb
}

func newTransport(ctx context.Context, cfg *config.Config, cb *resilience.CircuitBreaker, logger zerolog.Logger) (stt.Transport, error) {
	streamCfg := stt.StreamConfig{
		SampleRate:   cfg.SampleRate,
		LanguageCode: cfg.LanguageCode,
	}

	switch cfg.RecognizerBackend {
	case config.BackendDeepgram:
		streamCfg.Model = cfg.DeepgramModel
		return stt.NewDeepgramTransport(stt.DeepgramConfig{
			StreamConfig:   streamCfg,
			APIKey:         cfg.DeepgramAPIKey,
			UtteranceEndMs: int(cfg.DispatchWordsStopped / time.Millisecond),
		}, cb, logger)
	default:
		streamCfg.Model = cfg.GoogleSpeechModel
		return stt.NewGoogleTransport(ctx, stt.GoogleConfig{
			StreamConfig:    streamCfg,
			CredentialsFile: cfg.GoogleCredentialsFile,
		}, cb, logger)
	}
}

func newServer(cfg *config.Config, hub *monitor.Hub, breakers ...*resilience.CircuitBreaker) *http.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", observability.HealthCheckHandler())

	checks := make(map[string]observability.HealthCheckFunc, len(breakers))
	for _, cb := range breakers {
		cb := cb
		checks[cb.Name()] = func(ctx context.Context) (bool, error) {
			if cb.GetState() == resilience.StateOpen {
				return false, resilience.ErrCircuitOpen
			}
			return true, nil
		}
	}
	mux.HandleFunc("/ready", observability.ReadinessHandler(checks))

	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
	}
	if hub != nil {
		mux.Handle("/events", hub)
	}

	return &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}
