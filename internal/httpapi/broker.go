package httpapi

import (
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/micrelay/micrelay/internal/broker"
)

func (s *Server) handleBrokerToken(w http.ResponseWriter, r *http.Request) {
	if s.brk.Mode() != broker.ModeEphemeral {
		respondError(w, http.StatusNotFound, "broker_disabled", "ephemeral credential mode is not enabled")
		return
	}

	// Same trust domain as the room: the session credential, verified the
	// same way.
	verified, err := s.tokens.Verify(bearerToken(r))
	if err != nil {
		respondError(w, http.StatusUnauthorized, "invalid_credential", "credential rejected")
		return
	}
	if _, err := s.sessions.Get(verified.SessionID); err != nil {
		respondError(w, http.StatusUnauthorized, "session_expired", "session no longer active")
		return
	}

	eph, err := s.brk.MintEphemeral(r.Context(), verified.SessionID)
	if err != nil {
		if errors.Is(err, broker.ErrDisabled) {
			respondError(w, http.StatusNotFound, "broker_disabled", "ephemeral credential mode is not enabled")
			return
		}
		log.Printf("ephemeral mint failed: session=%s err=%v", verified.SessionID, err)
		respondError(w, http.StatusBadGateway, "upstream_error", "could not mint upstream credential")
		return
	}

	respondJSON(w, http.StatusOK, eph)
}

func (s *Server) handleBrokerBridge(w http.ResponseWriter, r *http.Request) {
	if s.brk.Mode() != broker.ModeBridge {
		respondError(w, http.StatusNotFound, "broker_disabled", "bridge mode is not enabled")
		return
	}

	verified, err := s.tokens.Verify(bearerToken(r))
	if err != nil {
		respondError(w, http.StatusUnauthorized, "invalid_credential", "credential rejected")
		return
	}
	sess, err := s.sessions.Get(verified.SessionID)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "session_expired", "session no longer active")
		return
	}
	if !time.Now().Before(sess.ExpiresAt) {
		respondError(w, http.StatusUnauthorized, "session_expired", "session no longer active")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	if err := s.brk.Bridge(r.Context(), conn, sess.ID, sess.LanguageHint, sess.ModelHint); err != nil {
		log.Printf("bridge ended with error: session=%s err=%v", sess.ID, err)
	}
}
