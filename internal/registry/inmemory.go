package registry

import (
	"context"
	"sync"
)

// InMemoryRegistry keeps lifecycle records in process memory. It is the
// default when no DATABASE_URL is configured.
type InMemoryRegistry struct {
	mu      sync.Mutex
	records map[string]Record
}

func NewInMemoryRegistry() *InMemoryRegistry {
	return &InMemoryRegistry{records: make(map[string]Record)}
}

func (r *InMemoryRegistry) RecordCreated(_ context.Context, rec Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[rec.SessionID]; !ok {
		r.records[rec.SessionID] = rec
	}
	return nil
}

func (r *InMemoryRegistry) RecordClosed(_ context.Context, sessionID, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[sessionID]
	if !ok || !rec.ClosedAt.IsZero() {
		return nil
	}
	rec.ClosedAt = nowUTC()
	rec.CloseReason = reason
	r.records[sessionID] = rec
	return nil
}

func (r *InMemoryRegistry) Get(sessionID string) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[sessionID]
	return rec, ok
}

func (r *InMemoryRegistry) Close() error { return nil }
