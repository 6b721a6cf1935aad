package httpapi

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/micrelay/micrelay/internal/hub"
	"github.com/micrelay/micrelay/internal/protocol"
	"github.com/micrelay/micrelay/internal/registry"
	"github.com/micrelay/micrelay/internal/session"
	"github.com/micrelay/micrelay/internal/token"
)

type createSessionRequest struct {
	Lang  string `json:"lang"`
	Model string `json:"model"`
}

type createSessionResponse struct {
	SessionID  string    `json:"sessionId"`
	Credential string    `json:"credential"`
	RelayURL   string    `json:"relayUrl"`
	PairingURL string    `json:"pairingUrl"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	decision := s.createLimiter.Allow(originKey(r), time.Now())
	if !decision.Allowed {
		s.metrics.RateLimitEvents.WithLabelValues("session_create_denied").Inc()
		respondError(w, http.StatusTooManyRequests, "rate_limited", "too many session creations from this origin")
		return
	}

	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	sess, err := s.sessions.Create(session.CreateOptions{
		LanguageHint: strings.TrimSpace(req.Lang),
		ModelHint:    strings.TrimSpace(req.Model),
	})
	if err != nil {
		if errors.Is(err, session.ErrInvalidHint) {
			respondError(w, http.StatusBadRequest, "invalid_hint", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "session_create_failed", "could not create session")
		return
	}

	ttl := time.Until(sess.ExpiresAt)
	credential, _, err := s.tokens.Issue(sess.ID, ttl, token.Binding{
		Origin:    strings.TrimSpace(r.Header.Get("Origin")),
		UserAgent: strings.TrimSpace(r.Header.Get("User-Agent")),
	})
	if err != nil {
		_, _ = s.sessions.Remove(sess.ID)
		respondError(w, http.StatusInternalServerError, "credential_issue_failed", "could not issue credential")
		return
	}

	sum := sha256.Sum256([]byte(credential))
	_ = s.sessions.AttachCredentialHash(sess.ID, hex.EncodeToString(sum[:]))

	if err := s.reg.RecordCreated(r.Context(), registry.Record{
		SessionID:    sess.ID,
		IssuedAt:     sess.IssuedAt,
		ExpiresAt:    sess.ExpiresAt,
		LanguageHint: sess.LanguageHint,
		ModelHint:    sess.ModelHint,
	}); err != nil {
		log.Printf("registry record failed: session=%s err=%v", sess.ID, err)
	}

	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	s.metrics.SessionEvents.WithLabelValues("created").Inc()

	respondJSON(w, http.StatusCreated, createSessionResponse{
		SessionID:  sess.ID,
		Credential: credential,
		RelayURL:   s.relayURL(sess.ID),
		PairingURL: s.pairingURL(sess.ID, credential),
		ExpiresAt:  sess.ExpiresAt,
	})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if strings.TrimSpace(id) == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}

	verified, err := s.tokens.Verify(bearerToken(r))
	if err != nil {
		respondError(w, http.StatusUnauthorized, "invalid_credential", "credential rejected")
		return
	}
	if verified.SessionID != id {
		respondError(w, http.StatusForbidden, "session_mismatch", "credential is for a different session")
		return
	}

	if _, err := s.sessions.Remove(id); err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	s.relay.CloseSession(id, protocol.CloseNormal)
	if err := s.reg.RecordClosed(r.Context(), id, "ended"); err != nil {
		log.Printf("registry close failed: session=%s err=%v", id, err)
	}

	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	s.metrics.SessionEvents.WithLabelValues("ended").Inc()
	respondJSON(w, http.StatusOK, map[string]any{"status": "ended", "sessionId": id})
}

func (s *Server) handleRoomWS(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	if strings.TrimSpace(sessionID) == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "session id path segment is required")
		return
	}

	role := hub.RoleConsumer
	switch strings.TrimSpace(r.URL.Query().Get("role")) {
	case "", string(hub.RoleConsumer):
	case string(hub.RoleProducer):
		role = hub.RoleProducer
	default:
		respondError(w, http.StatusBadRequest, "invalid_role", "role must be producer or consumer")
		return
	}

	credential := bearerToken(r)
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()
	// Authentication and the specific close code on failure are the hub's
	// responsibility once the socket exists.
	s.relay.ServeConn(conn, sessionID, credential, role)
	s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()
}

func (s *Server) relayURL(sessionID string) string {
	base := strings.TrimRight(s.cfg.PublicBaseURL, "/")
	base = strings.Replace(base, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	return base + "/v1/rooms/" + url.PathEscape(sessionID) + "/ws"
}

func (s *Server) pairingURL(sessionID, credential string) string {
	q := url.Values{}
	q.Set("sid", sessionID)
	q.Set("token", credential)
	return strings.TrimRight(s.cfg.PublicBaseURL, "/") + "/pair?" + q.Encode()
}
