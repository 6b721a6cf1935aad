package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/micrelay/micrelay/internal/broker"
	"github.com/micrelay/micrelay/internal/config"
	"github.com/micrelay/micrelay/internal/hub"
	"github.com/micrelay/micrelay/internal/observability"
	"github.com/micrelay/micrelay/internal/ratelimit"
	"github.com/micrelay/micrelay/internal/registry"
	"github.com/micrelay/micrelay/internal/session"
	"github.com/micrelay/micrelay/internal/token"
)

type Server struct {
	cfg           config.Config
	sessions      *session.Store
	tokens        *token.Service
	relay         *hub.Hub
	brk           *broker.Broker
	reg           registry.Registry
	createLimiter *ratelimit.Limiter
	metrics       *observability.Metrics
	upgrader      websocket.Upgrader
}

func New(cfg config.Config, sessions *session.Store, tokens *token.Service, relay *hub.Hub, brk *broker.Broker, reg registry.Registry, createLimiter *ratelimit.Limiter, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:           cfg,
		sessions:      sessions,
		tokens:        tokens,
		relay:         relay,
		brk:           brk,
		reg:           reg,
		createLimiter: createLimiter,
		metrics:       metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Default: only allow browser websocket connections from the
				// same origin. The phone client sends no Origin header and
				// passes through.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/sessions", s.handleCreateSession)
	r.Post("/v1/sessions/{id}/end", s.handleEndSession)
	r.Get("/v1/rooms/{id}/ws", s.handleRoomWS)
	r.Post("/v1/broker/token", s.handleBrokerToken)
	r.Get("/v1/broker/bridge", s.handleBrokerBridge)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"broker_mode": s.brk.Mode(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"active_sessions": s.sessions.ActiveCount(),
		"active_rooms":    s.relay.RoomCount(),
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

// bearerToken extracts the session credential from the Authorization
// header, falling back to the token query parameter for websocket clients.
func bearerToken(r *http.Request) string {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// originKey identifies the caller for session-creation rate limiting: the
// declared Origin when present, otherwise the remote address without port.
func originKey(r *http.Request) string {
	if origin := strings.TrimSpace(r.Header.Get("Origin")); origin != "" {
		return "origin:" + origin
	}
	host := r.RemoteAddr
	if i := strings.LastIndex(host, ":"); i > 0 {
		host = host[:i]
	}
	return "addr:" + host
}
