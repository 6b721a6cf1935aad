package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/micrelay/micrelay/internal/broker"
	"github.com/micrelay/micrelay/internal/config"
	"github.com/micrelay/micrelay/internal/httpapi"
	"github.com/micrelay/micrelay/internal/hub"
	"github.com/micrelay/micrelay/internal/observability"
	"github.com/micrelay/micrelay/internal/protocol"
	"github.com/micrelay/micrelay/internal/ratelimit"
	"github.com/micrelay/micrelay/internal/registry"
	"github.com/micrelay/micrelay/internal/session"
	"github.com/micrelay/micrelay/internal/token"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	reg, err := registry.NewRegistry(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("session registry init failed: %v", err)
	}
	defer reg.Close()
	if cfg.DatabaseURL != "" {
		log.Printf("session registry: postgres")
	} else {
		log.Printf("session registry: in-memory")
	}

	tokens := token.NewService(cfg.SigningSecret, "micrelay")
	sessions := session.NewStore(cfg.SessionTTL)

	messageLimiter := ratelimit.New(ratelimit.Config{
		Rate:            cfg.MessageRatePerSec,
		Burst:           cfg.MessageBurst,
		StrikeThreshold: cfg.RateStrikeThreshold,
		StrikeWindow:    cfg.RateStrikeWindow,
	})
	createLimiter := ratelimit.New(ratelimit.Config{
		Rate:  cfg.SessionsPerMinute / 60,
		Burst: cfg.SessionCreateBurst,
	})

	relay := hub.New(hub.Config{
		OutboundQueueSize: cfg.OutboundQueueSize,
		MaxMessageBytes:   cfg.MaxMessageBytes,
		MaxTranscriptLen:  cfg.MaxTranscriptLen,
		ProducerGrace:     cfg.ProducerGrace,
	}, tokens, sessions, messageLimiter, metrics)

	sessions.SetExpireHook(func(s *session.Session) {
		relay.CloseSession(s.ID, protocol.CloseSessionExpired)
		if err := reg.RecordClosed(ctx, s.ID, "expired"); err != nil {
			log.Printf("registry close failed: session=%s err=%v", s.ID, err)
		}
		metrics.SessionEvents.WithLabelValues("expired").Inc()
		metrics.ActiveSessions.Set(float64(sessions.ActiveCount()))
	})

	brk := broker.New(broker.Config{
		Mode:     cfg.BrokerMode,
		TokenURL: cfg.UpstreamTokenURL,
		WSURL:    cfg.UpstreamWSURL,
		APIKey:   cfg.UpstreamAPIKey,
		TokenTTL: cfg.UpstreamTokenTTL,
	}, metrics)
	log.Printf("broker mode: %s", brk.Mode())

	api := httpapi.New(cfg, sessions, tokens, relay, brk, reg, createLimiter, metrics)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	sessions.StartSweeper(runCtx, cfg.SweepInterval)

	go func() {
		log.Printf("relay listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	runCancel()
	relay.Shutdown()
	sessions.Drain()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}
