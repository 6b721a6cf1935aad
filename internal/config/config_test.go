package config

import (
	"strings"
	"testing"
	"time"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestLoadDefaults(t *testing.T) {
	t.Setenv("APP_SIGNING_SECRET", testSecret)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":8080" {
		t.Fatalf("BindAddr = %q, want :8080", cfg.BindAddr)
	}
	if cfg.SessionTTL != 45*time.Minute {
		t.Fatalf("SessionTTL = %v, want 45m", cfg.SessionTTL)
	}
	if cfg.SweepInterval != 30*time.Second {
		t.Fatalf("SweepInterval = %v, want 30s", cfg.SweepInterval)
	}
	if cfg.BrokerMode != "off" {
		t.Fatalf("BrokerMode = %q, want off", cfg.BrokerMode)
	}
	if cfg.MaxMessageBytes != 16<<10 {
		t.Fatalf("MaxMessageBytes = %d, want 16KiB", cfg.MaxMessageBytes)
	}
	if cfg.AllowAnyOrigin {
		t.Fatal("AllowAnyOrigin = true by default, want false")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("APP_SIGNING_SECRET", testSecret)
	t.Setenv("APP_BIND_ADDR", ":9999")
	t.Setenv("APP_SESSION_TTL", "30m")
	t.Setenv("APP_PRODUCER_GRACE", "5s")
	t.Setenv("APP_MESSAGE_RATE_PER_SEC", "25.5")
	t.Setenv("APP_ALLOW_ANY_ORIGIN", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":9999" {
		t.Fatalf("BindAddr = %q", cfg.BindAddr)
	}
	if cfg.SessionTTL != 30*time.Minute {
		t.Fatalf("SessionTTL = %v", cfg.SessionTTL)
	}
	if cfg.ProducerGrace != 5*time.Second {
		t.Fatalf("ProducerGrace = %v", cfg.ProducerGrace)
	}
	if cfg.MessageRatePerSec != 25.5 {
		t.Fatalf("MessageRatePerSec = %v", cfg.MessageRatePerSec)
	}
	if !cfg.AllowAnyOrigin {
		t.Fatal("AllowAnyOrigin override not applied")
	}
}

func TestLoadRequiresSigningSecret(t *testing.T) {
	t.Setenv("APP_SIGNING_SECRET", "")
	if _, err := Load(); err == nil {
		t.Fatal("Load() without APP_SIGNING_SECRET succeeded")
	}

	t.Setenv("APP_SIGNING_SECRET", "too-short")
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "32") {
		t.Fatalf("Load() with short secret error = %v, want length complaint", err)
	}
}

func TestLoadSessionTTLBounds(t *testing.T) {
	t.Setenv("APP_SIGNING_SECRET", testSecret)

	for _, ttl := range []string{"29m", "61m", "1s"} {
		t.Setenv("APP_SESSION_TTL", ttl)
		if _, err := Load(); err == nil {
			t.Fatalf("Load() with APP_SESSION_TTL=%s succeeded, want error", ttl)
		}
	}
	for _, ttl := range []string{"30m", "45m", "60m"} {
		t.Setenv("APP_SESSION_TTL", ttl)
		if _, err := Load(); err != nil {
			t.Fatalf("Load() with APP_SESSION_TTL=%s error = %v", ttl, err)
		}
	}
}

func TestLoadBrokerModeValidation(t *testing.T) {
	t.Setenv("APP_SIGNING_SECRET", testSecret)

	t.Setenv("BROKER_MODE", "pipeline")
	if _, err := Load(); err == nil {
		t.Fatal("Load() with invalid BROKER_MODE succeeded")
	}

	t.Setenv("BROKER_MODE", "bridge")
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "SPEECH_UPSTREAM_WS_URL") {
		t.Fatalf("bridge without ws url error = %v", err)
	}
	t.Setenv("SPEECH_UPSTREAM_WS_URL", "wss://speech.example.com/v1/stream")
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "SPEECH_UPSTREAM_API_KEY") {
		t.Fatalf("bridge without api key error = %v", err)
	}
	t.Setenv("SPEECH_UPSTREAM_API_KEY", "k-123")
	if _, err := Load(); err != nil {
		t.Fatalf("bridge fully configured error = %v", err)
	}

	t.Setenv("BROKER_MODE", "ephemeral")
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "SPEECH_UPSTREAM_TOKEN_URL") {
		t.Fatalf("ephemeral without token url error = %v", err)
	}
	t.Setenv("SPEECH_UPSTREAM_TOKEN_URL", "https://speech.example.com/v1/token")
	if _, err := Load(); err != nil {
		t.Fatalf("ephemeral fully configured error = %v", err)
	}
}

func TestLoadRejectsUnparseableValues(t *testing.T) {
	t.Setenv("APP_SIGNING_SECRET", testSecret)

	t.Setenv("APP_SESSION_TTL", "forty-five minutes")
	if _, err := Load(); err == nil {
		t.Fatal("Load() with garbage duration succeeded")
	}
	t.Setenv("APP_SESSION_TTL", "")

	t.Setenv("APP_MESSAGE_BURST", "many")
	if _, err := Load(); err == nil {
		t.Fatal("Load() with garbage int succeeded")
	}
	t.Setenv("APP_MESSAGE_BURST", "")

	t.Setenv("APP_ALLOW_ANY_ORIGIN", "maybe")
	if _, err := Load(); err == nil {
		t.Fatal("Load() with garbage bool succeeded")
	}
}
