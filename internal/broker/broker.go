package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/micrelay/micrelay/internal/observability"
)

// Operating modes. The mode is fixed at deploy time; a single process never
// serves both.
const (
	ModeOff       = "off"
	ModeEphemeral = "ephemeral"
	ModeBridge    = "bridge"
)

var (
	ErrDisabled = errors.New("broker disabled")
	// ErrTranscriptOverflow means the bridge buffer filled with finals,
	// which must not be shed; the bridge closes instead.
	ErrTranscriptOverflow = errors.New("transcript buffer overflow")
)

// Config selects the broker mode and the upstream speech API coordinates.
type Config struct {
	Mode     string
	TokenURL string
	WSURL    string
	APIKey   string
	TokenTTL time.Duration

	// TranscriptBuffer bounds the upstream→client transcript queue in
	// bridge mode.
	TranscriptBuffer int
}

// Ephemeral is a short-TTL upstream credential scoped to one session.
type Ephemeral struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Scope     string    `json:"scope"`
}

// Broker mints session-scoped upstream credentials or bridges a producer's
// audio socket to the external speech API.
type Broker struct {
	cfg     Config
	http    *http.Client
	dialer  *websocket.Dialer
	metrics *observability.Metrics
}

func New(cfg Config, metrics *observability.Metrics) *Broker {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 60 * time.Second
	}
	if cfg.TranscriptBuffer <= 0 {
		cfg.TranscriptBuffer = 64
	}
	return &Broker{
		cfg:     cfg,
		http:    &http.Client{Timeout: 10 * time.Second},
		dialer:  websocket.DefaultDialer,
		metrics: metrics,
	}
}

func (b *Broker) Mode() string {
	if b == nil {
		return ModeOff
	}
	return b.cfg.Mode
}

type upstreamTokenRequest struct {
	ExpiresInSeconds int    `json:"expires_in_seconds"`
	Scope            string `json:"scope"`
}

type upstreamTokenResponse struct {
	Token            string `json:"token"`
	ExpiresInSeconds int    `json:"expires_in_seconds"`
}

// MintEphemeral requests a short-TTL transcription-only credential from the
// upstream token endpoint, scoped to the given session. The producer then
// talks to the speech API directly; the relay never sees audio bytes in
// this mode.
func (b *Broker) MintEphemeral(ctx context.Context, sessionID string) (Ephemeral, error) {
	if b.cfg.Mode != ModeEphemeral {
		return Ephemeral{}, ErrDisabled
	}

	scope := "transcribe:" + sessionID
	body, err := json.Marshal(upstreamTokenRequest{
		ExpiresInSeconds: int(b.cfg.TokenTTL.Seconds()),
		Scope:            scope,
	})
	if err != nil {
		return Ephemeral{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.TokenURL, bytes.NewReader(body))
	if err != nil {
		return Ephemeral{}, err
	}
	req.Header.Set("Authorization", "Bearer "+b.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	res, err := b.http.Do(req)
	if err != nil {
		b.metrics.BrokerEvents.WithLabelValues("token_error").Inc()
		return Ephemeral{}, fmt.Errorf("upstream token request: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK && res.StatusCode != http.StatusCreated {
		b.metrics.BrokerEvents.WithLabelValues("token_error").Inc()
		return Ephemeral{}, fmt.Errorf("upstream token request: status %d", res.StatusCode)
	}

	var parsed upstreamTokenResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return Ephemeral{}, fmt.Errorf("decode upstream token: %w", err)
	}
	if parsed.Token == "" {
		return Ephemeral{}, errors.New("upstream returned empty token")
	}

	ttl := b.cfg.TokenTTL
	if parsed.ExpiresInSeconds > 0 {
		ttl = time.Duration(parsed.ExpiresInSeconds) * time.Second
	}
	b.metrics.BrokerEvents.WithLabelValues("token_minted").Inc()
	return Ephemeral{
		Token:     parsed.Token,
		ExpiresAt: time.Now().UTC().Add(ttl),
		Scope:     scope,
	}, nil
}

// IsRetryableUpstream classifies upstream realtime error types the producer
// may retry against without re-pairing.
func IsRetryableUpstream(messageType string) bool {
	switch messageType {
	case "rate_limited", "resource_exhausted", "queue_overflow", "error":
		return true
	default:
		return false
	}
}
