package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the relay service.
type Config struct {
	BindAddr         string
	PublicBaseURL    string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	SigningSecret string
	SessionTTL    time.Duration

	SweepInterval time.Duration
	ProducerGrace time.Duration

	MaxMessageBytes   int64
	MaxTranscriptLen  int
	OutboundQueueSize int

	MessageRatePerSec   float64
	MessageBurst        int
	SessionsPerMinute   float64
	SessionCreateBurst  int
	RateStrikeThreshold int
	RateStrikeWindow    time.Duration

	BrokerMode       string
	UpstreamWSURL    string
	UpstreamTokenURL string
	UpstreamAPIKey   string
	UpstreamTokenTTL time.Duration

	DatabaseURL string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:            envOrDefault("APP_BIND_ADDR", ":8080"),
		PublicBaseURL:       envOrDefault("APP_PUBLIC_BASE_URL", "http://localhost:8080"),
		MetricsNamespace:    envOrDefault("APP_METRICS_NAMESPACE", "micrelay"),
		AllowAnyOrigin:      false,
		SigningSecret:       trimmedEnv("APP_SIGNING_SECRET"),
		SessionTTL:          45 * time.Minute,
		SweepInterval:       30 * time.Second,
		ProducerGrace:       15 * time.Second,
		MaxMessageBytes:     16 << 10,
		MaxTranscriptLen:    4096,
		OutboundQueueSize:   64,
		MessageRatePerSec:   50,
		MessageBurst:        50,
		SessionsPerMinute:   10,
		SessionCreateBurst:  5,
		RateStrikeThreshold: 10,
		RateStrikeWindow:    10 * time.Second,
		BrokerMode:          strings.ToLower(envOrDefault("BROKER_MODE", "off")),
		UpstreamWSURL:       trimmedEnv("SPEECH_UPSTREAM_WS_URL"),
		UpstreamTokenURL:    trimmedEnv("SPEECH_UPSTREAM_TOKEN_URL"),
		UpstreamAPIKey:      trimmedEnv("SPEECH_UPSTREAM_API_KEY"),
		UpstreamTokenTTL:    60 * time.Second,
		DatabaseURL:         trimmedEnv("DATABASE_URL"),
		ShutdownTimeout:     15 * time.Second,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionTTL, err = durationFromEnv("APP_SESSION_TTL", cfg.SessionTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.SweepInterval, err = durationFromEnv("APP_SWEEP_INTERVAL", cfg.SweepInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.ProducerGrace, err = durationFromEnv("APP_PRODUCER_GRACE", cfg.ProducerGrace)
	if err != nil {
		return Config{}, err
	}
	cfg.UpstreamTokenTTL, err = durationFromEnv("SPEECH_UPSTREAM_TOKEN_TTL", cfg.UpstreamTokenTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.RateStrikeWindow, err = durationFromEnv("APP_RATE_STRIKE_WINDOW", cfg.RateStrikeWindow)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	maxBytes, err := intFromEnv("APP_MAX_MESSAGE_BYTES", int(cfg.MaxMessageBytes))
	if err != nil {
		return Config{}, err
	}
	cfg.MaxMessageBytes = int64(maxBytes)
	cfg.MaxTranscriptLen, err = intFromEnv("APP_MAX_TRANSCRIPT_LEN", cfg.MaxTranscriptLen)
	if err != nil {
		return Config{}, err
	}
	cfg.OutboundQueueSize, err = intFromEnv("APP_OUTBOUND_QUEUE_SIZE", cfg.OutboundQueueSize)
	if err != nil {
		return Config{}, err
	}
	cfg.MessageRatePerSec, err = floatFromEnv("APP_MESSAGE_RATE_PER_SEC", cfg.MessageRatePerSec)
	if err != nil {
		return Config{}, err
	}
	cfg.MessageBurst, err = intFromEnv("APP_MESSAGE_BURST", cfg.MessageBurst)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionsPerMinute, err = floatFromEnv("APP_SESSIONS_PER_MINUTE", cfg.SessionsPerMinute)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionCreateBurst, err = intFromEnv("APP_SESSION_CREATE_BURST", cfg.SessionCreateBurst)
	if err != nil {
		return Config{}, err
	}
	cfg.RateStrikeThreshold, err = intFromEnv("APP_RATE_STRIKE_THRESHOLD", cfg.RateStrikeThreshold)
	if err != nil {
		return Config{}, err
	}

	if cfg.SigningSecret == "" {
		return Config{}, fmt.Errorf("APP_SIGNING_SECRET is required")
	}
	if len(cfg.SigningSecret) < 32 {
		return Config{}, fmt.Errorf("APP_SIGNING_SECRET must be at least 32 bytes")
	}
	if cfg.SessionTTL < 30*time.Minute || cfg.SessionTTL > 60*time.Minute {
		return Config{}, fmt.Errorf("APP_SESSION_TTL must be between 30m and 60m")
	}
	if cfg.SweepInterval < time.Second {
		return Config{}, fmt.Errorf("APP_SWEEP_INTERVAL must be at least 1s")
	}
	if cfg.ProducerGrace < 0 {
		return Config{}, fmt.Errorf("APP_PRODUCER_GRACE must not be negative")
	}
	if cfg.MaxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("APP_MAX_MESSAGE_BYTES must be positive")
	}
	if cfg.MaxTranscriptLen <= 0 {
		return Config{}, fmt.Errorf("APP_MAX_TRANSCRIPT_LEN must be positive")
	}
	if cfg.OutboundQueueSize <= 0 {
		return Config{}, fmt.Errorf("APP_OUTBOUND_QUEUE_SIZE must be positive")
	}
	if cfg.MessageRatePerSec <= 0 || cfg.MessageBurst <= 0 {
		return Config{}, fmt.Errorf("message rate limit must be positive")
	}
	if cfg.SessionsPerMinute <= 0 || cfg.SessionCreateBurst <= 0 {
		return Config{}, fmt.Errorf("session creation rate limit must be positive")
	}
	if cfg.RateStrikeThreshold <= 0 {
		return Config{}, fmt.Errorf("APP_RATE_STRIKE_THRESHOLD must be positive")
	}
	switch cfg.BrokerMode {
	case "off", "ephemeral", "bridge":
	default:
		return Config{}, fmt.Errorf("invalid BROKER_MODE: %q (expected off|ephemeral|bridge)", cfg.BrokerMode)
	}
	if cfg.BrokerMode == "bridge" && cfg.UpstreamWSURL == "" {
		return Config{}, fmt.Errorf("BROKER_MODE=bridge requires SPEECH_UPSTREAM_WS_URL")
	}
	if cfg.BrokerMode == "ephemeral" && cfg.UpstreamTokenURL == "" {
		return Config{}, fmt.Errorf("BROKER_MODE=ephemeral requires SPEECH_UPSTREAM_TOKEN_URL")
	}
	if cfg.BrokerMode != "off" && cfg.UpstreamAPIKey == "" {
		return Config{}, fmt.Errorf("BROKER_MODE=%s requires SPEECH_UPSTREAM_API_KEY", cfg.BrokerMode)
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

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
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
