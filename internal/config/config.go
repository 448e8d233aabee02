package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the streaming TTS gateway.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	// Per-connection streaming behavior.
	ConnectionIdleTimeout time.Duration
	OutboundQueueSize     int
	MaxActiveGenerations  int

	// Synthesis engine selection and tuning.
	EngineProvider        string
	EngineWorkerCommand   string
	EngineSampleRate      int
	EngineSamplesPerToken int

	// Voice library.
	VoiceDir     string
	DefaultVoice string
	DatabaseURL  string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:            envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:    envOrDefault("APP_METRICS_NAMESPACE", "ttsgate"),
		AllowAnyOrigin:      false,
		EngineProvider:      envOrDefault("ENGINE_PROVIDER", "auto"),
		EngineWorkerCommand: trimmedEnv("ENGINE_WORKER_COMMAND"),
		// The default engine emits 24 kHz mono PCM16; one speech token covers 40 ms.
		EngineSampleRate:      24000,
		EngineSamplesPerToken: 960,
		VoiceDir:              envOrDefault("VOICE_DIR", "voices"),
		DefaultVoice:          envOrDefault("DEFAULT_VOICE", "alloy"),
		DatabaseURL:           trimmedEnv("DATABASE_URL"),
		ShutdownTimeout:       15 * time.Second,
		ConnectionIdleTimeout: 5 * time.Minute,
		OutboundQueueSize:     64,
		MaxActiveGenerations:  2,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ConnectionIdleTimeout, err = durationFromEnv("APP_CONNECTION_IDLE_TIMEOUT", cfg.ConnectionIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.OutboundQueueSize, err = intFromEnv("APP_OUTBOUND_QUEUE_SIZE", cfg.OutboundQueueSize)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxActiveGenerations, err = intFromEnv("APP_MAX_ACTIVE_GENERATIONS", cfg.MaxActiveGenerations)
	if err != nil {
		return Config{}, err
	}
	cfg.EngineSampleRate, err = intFromEnv("ENGINE_SAMPLE_RATE", cfg.EngineSampleRate)
	if err != nil {
		return Config{}, err
	}
	cfg.EngineSamplesPerToken, err = intFromEnv("ENGINE_SAMPLES_PER_TOKEN", cfg.EngineSamplesPerToken)
	if err != nil {
		return Config{}, err
	}

	if cfg.ConnectionIdleTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_CONNECTION_IDLE_TIMEOUT must be at least 5s")
	}
	if cfg.OutboundQueueSize <= 0 {
		return Config{}, fmt.Errorf("APP_OUTBOUND_QUEUE_SIZE must be positive")
	}
	if cfg.MaxActiveGenerations <= 0 {
		return Config{}, fmt.Errorf("APP_MAX_ACTIVE_GENERATIONS must be positive")
	}
	if cfg.EngineSampleRate <= 0 {
		return Config{}, fmt.Errorf("ENGINE_SAMPLE_RATE must be positive")
	}
	if cfg.EngineSamplesPerToken <= 0 {
		return Config{}, fmt.Errorf("ENGINE_SAMPLES_PER_TOKEN must be positive")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.EngineProvider)) {
	case "auto", "exec", "stub":
	default:
		return Config{}, fmt.Errorf("invalid ENGINE_PROVIDER: %q (expected auto|exec|stub)", cfg.EngineProvider)
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func trimmedEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(trimmedEnv(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
