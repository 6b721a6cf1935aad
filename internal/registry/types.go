package registry

import (
	"context"
	"time"
)

// Record is the durable trace of one session's lifecycle. It carries
// metadata only; transcript content is never written anywhere.
type Record struct {
	SessionID    string
	IssuedAt     time.Time
	ExpiresAt    time.Time
	LanguageHint string
	ModelHint    string
	ClosedAt     time.Time
	CloseReason  string
}

// Registry persists session lifecycle records for audit and restart
// visibility.
type Registry interface {
	RecordCreated(ctx context.Context, rec Record) error
	RecordClosed(ctx context.Context, sessionID, reason string) error
	Close() error
}
