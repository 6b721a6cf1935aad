package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrNotFound    = errors.New("session not found")
	ErrInvalidHint = errors.New("invalid session hint")
)

const maxHintLen = 64

// Session is one pairing context. ExpiresAt is fixed at creation and never
// extended; a client that needs more time creates a new session, which also
// rotates the credential.
type Session struct {
	ID             string    `json:"session_id"`
	IssuedAt       time.Time `json:"issued_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	LanguageHint   string    `json:"language_hint,omitempty"`
	ModelHint      string    `json:"model_hint,omitempty"`
	CredentialHash string    `json:"-"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// CreateOptions carries pass-through hints chosen by the session creator.
// Hints are opaque to the relay beyond length and charset bounds.
type CreateOptions struct {
	LanguageHint string
	ModelHint    string
}

// Store is the in-memory registry of active sessions.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	ttl      time.Duration
	onExpire func(*Session)
	now      func() time.Time
}

func NewStore(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 45 * time.Minute
	}
	return &Store{
		sessions: make(map[string]*Session),
		ttl:      ttl,
		now:      time.Now,
	}
}

// SetExpireHook registers a callback invoked (outside the store lock) for
// every session the sweeper evicts.
func (st *Store) SetExpireHook(hook func(*Session)) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.onExpire = hook
}

// Create registers a fresh session with a random 128-bit URL-safe id.
func (st *Store) Create(opts CreateOptions) (*Session, error) {
	if err := validateHint(opts.LanguageHint); err != nil {
		return nil, fmt.Errorf("lang: %w", err)
	}
	if err := validateHint(opts.ModelHint); err != nil {
		return nil, fmt.Errorf("model: %w", err)
	}

	now := st.now().UTC()
	s := &Session{
		IssuedAt:       now,
		ExpiresAt:      now.Add(st.ttl),
		LanguageHint:   opts.LanguageHint,
		ModelHint:      opts.ModelHint,
		LastActivityAt: now,
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	for {
		id, err := newSessionID()
		if err != nil {
			return nil, err
		}
		// A collision at 128 random bits is an internal anomaly, not an
		// expected case; regenerate rather than fail the caller.
		if _, taken := st.sessions[id]; taken {
			continue
		}
		s.ID = id
		break
	}
	st.sessions[s.ID] = s
	return clone(s), nil
}

func (st *Store) Get(sessionID string) (*Session, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

// Touch records activity bookkeeping. It never extends ExpiresAt.
func (st *Store) Touch(sessionID string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.LastActivityAt = st.now().UTC()
	return nil
}

// AttachCredentialHash stores a digest of the issued credential. The raw
// token never lives in the store.
func (st *Store) AttachCredentialHash(sessionID, hash string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.CredentialHash = hash
	return nil
}

func (st *Store) Remove(sessionID string) (*Session, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	delete(st.sessions, sessionID)
	return clone(s), nil
}

func (st *Store) ActiveCount() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// StartSweeper runs periodic expiry eviction until ctx is cancelled.
func (st *Store) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				st.sweep()
			}
		}
	}()
}

func (st *Store) sweep() {
	now := st.now().UTC()
	var expired []*Session

	st.mu.Lock()
	for id, s := range st.sessions {
		if now.Before(s.ExpiresAt) {
			continue
		}
		delete(st.sessions, id)
		expired = append(expired, clone(s))
	}
	hook := st.onExpire
	st.mu.Unlock()

	if hook != nil {
		for _, s := range expired {
			hook(s)
		}
	}
}

// Drain removes every session without invoking the expire hook. Connection
// teardown on shutdown is the hub's job.
func (st *Store) Drain() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.sessions = make(map[string]*Session)
}

func newSessionID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func validateHint(v string) error {
	if len(v) > maxHintLen {
		return ErrInvalidHint
	}
	for i := 0; i < len(v); i++ {
		c := v[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == '.':
		default:
			return ErrInvalidHint
		}
	}
	return nil
}

func clone(s *Session) *Session {
	c := *s
	return &c
}
