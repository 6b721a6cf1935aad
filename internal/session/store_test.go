package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestCreateAndGet(t *testing.T) {
	st := NewStore(45 * time.Minute)

	s, err := st.Create(CreateOptions{LanguageHint: "en-US", ModelHint: "general.v2"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if s.ID == "" {
		t.Fatal("Create() returned empty session id")
	}
	if len(s.ID) != 22 {
		t.Fatalf("session id length = %d, want 22 (128 bits, base64url)", len(s.ID))
	}
	if strings.ContainsAny(s.ID, "+/=") {
		t.Fatalf("session id %q is not URL-safe", s.ID)
	}
	if got := s.ExpiresAt.Sub(s.IssuedAt); got != 45*time.Minute {
		t.Fatalf("ttl = %v, want 45m", got)
	}

	fetched, err := st.Get(s.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if fetched.LanguageHint != "en-US" || fetched.ModelHint != "general.v2" {
		t.Fatalf("hints not preserved: %+v", fetched)
	}
}

func TestGetReturnsCopy(t *testing.T) {
	st := NewStore(time.Hour)
	s, err := st.Create(CreateOptions{LanguageHint: "en"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	first, _ := st.Get(s.ID)
	first.LanguageHint = "mutated"
	first.ExpiresAt = time.Time{}

	second, err := st.Get(s.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if second.LanguageHint != "en" || second.ExpiresAt.IsZero() {
		t.Fatal("mutating a returned session leaked into the store")
	}
}

func TestCreateRejectsInvalidHints(t *testing.T) {
	st := NewStore(time.Hour)

	cases := []CreateOptions{
		{LanguageHint: "en US"},
		{LanguageHint: "en;drop"},
		{ModelHint: strings.Repeat("a", maxHintLen+1)},
		{ModelHint: "model\n"},
	}
	for _, opts := range cases {
		if _, err := st.Create(opts); !errors.Is(err, ErrInvalidHint) {
			t.Fatalf("Create(%+v) error = %v, want ErrInvalidHint", opts, err)
		}
	}

	if _, err := st.Create(CreateOptions{LanguageHint: "pt-BR", ModelHint: "fast_v1.2"}); err != nil {
		t.Fatalf("Create(valid hints) error = %v", err)
	}
}

func TestTouchUpdatesActivityNotExpiry(t *testing.T) {
	st := NewStore(time.Hour)
	base := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	st.now = func() time.Time { return base }

	s, err := st.Create(CreateOptions{})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	st.now = func() time.Time { return base.Add(10 * time.Minute) }
	if err := st.Touch(s.ID); err != nil {
		t.Fatalf("Touch() error = %v", err)
	}

	after, _ := st.Get(s.ID)
	if !after.ExpiresAt.Equal(s.ExpiresAt) {
		t.Fatalf("Touch moved ExpiresAt from %v to %v", s.ExpiresAt, after.ExpiresAt)
	}
	if !after.LastActivityAt.Equal(base.Add(10 * time.Minute)) {
		t.Fatalf("LastActivityAt = %v, want %v", after.LastActivityAt, base.Add(10*time.Minute))
	}

	if err := st.Touch("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Touch(missing) error = %v, want ErrNotFound", err)
	}
}

func TestRemove(t *testing.T) {
	st := NewStore(time.Hour)
	s, err := st.Create(CreateOptions{})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	removed, err := st.Remove(s.ID)
	if err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if removed.ID != s.ID {
		t.Fatalf("Remove() returned session %q, want %q", removed.ID, s.ID)
	}
	if _, err := st.Get(s.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(removed) error = %v, want ErrNotFound", err)
	}
	if _, err := st.Remove(s.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Remove(removed) error = %v, want ErrNotFound", err)
	}
}

func TestSweepEvictsExpiredAndCallsHook(t *testing.T) {
	st := NewStore(time.Hour)
	base := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	st.now = func() time.Time { return base }

	expired, err := st.Create(CreateOptions{})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	st.now = func() time.Time { return base.Add(30 * time.Minute) }
	fresh, err := st.Create(CreateOptions{})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	var mu sync.Mutex
	var hooked []string
	st.SetExpireHook(func(s *Session) {
		mu.Lock()
		hooked = append(hooked, s.ID)
		mu.Unlock()
	})

	// Exactly at the first session's expiry instant: expiry is inclusive.
	st.now = func() time.Time { return base.Add(time.Hour) }
	st.sweep()

	if _, err := st.Get(expired.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expired session still present, Get error = %v", err)
	}
	if _, err := st.Get(fresh.ID); err != nil {
		t.Fatalf("fresh session evicted early: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(hooked) != 1 || hooked[0] != expired.ID {
		t.Fatalf("expire hook calls = %v, want exactly [%s]", hooked, expired.ID)
	}
}

func TestStartSweeperRuns(t *testing.T) {
	st := NewStore(time.Hour)
	base := time.Now().UTC()
	st.now = func() time.Time { return base }

	s, err := st.Create(CreateOptions{})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	st.now = func() time.Time { return base.Add(2 * time.Hour) }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	st.StartSweeper(ctx, 5*time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := st.Get(s.ID); errors.Is(err, ErrNotFound) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("sweeper did not evict expired session in time")
}

func TestDrainSkipsHook(t *testing.T) {
	st := NewStore(time.Hour)
	if _, err := st.Create(CreateOptions{}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	st.SetExpireHook(func(*Session) {
		t.Error("expire hook must not fire on Drain")
	})

	st.Drain()
	if got := st.ActiveCount(); got != 0 {
		t.Fatalf("ActiveCount() = %d after Drain, want 0", got)
	}
}

func TestAttachCredentialHash(t *testing.T) {
	st := NewStore(time.Hour)
	s, err := st.Create(CreateOptions{})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := st.AttachCredentialHash(s.ID, "abc123"); err != nil {
		t.Fatalf("AttachCredentialHash() error = %v", err)
	}
	got, _ := st.Get(s.ID)
	if got.CredentialHash != "abc123" {
		t.Fatalf("CredentialHash = %q, want %q", got.CredentialHash, "abc123")
	}
	if err := st.AttachCredentialHash("missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("AttachCredentialHash(missing) error = %v, want ErrNotFound", err)
	}
}
