package token

import (
	"errors"
	"strings"
	"testing"
	"time"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestIssueVerifyRoundTrip(t *testing.T) {
	svc := NewService(testSecret, "micrelay")
	cred, expiresAt, err := svc.Issue("sess-1", time.Hour, Binding{Origin: "http://localhost:8080", UserAgent: "desktop/1.0"})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	v, err := svc.Verify(cred)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if v.SessionID != "sess-1" {
		t.Fatalf("SessionID = %q, want %q", v.SessionID, "sess-1")
	}
	if !v.ExpiresAt.Equal(expiresAt.Truncate(time.Second)) && !v.ExpiresAt.Equal(expiresAt) {
		t.Fatalf("ExpiresAt = %v, want %v", v.ExpiresAt, expiresAt)
	}
	if v.Origin != "http://localhost:8080" || v.UserAgent != "desktop/1.0" {
		t.Fatalf("unexpected binding claims: %+v", v)
	}
}

func TestVerifyRejectsTampering(t *testing.T) {
	svc := NewService(testSecret, "micrelay")
	cred, _, err := svc.Issue("sess-1", time.Hour, Binding{})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	parts := strings.Split(cred, ".")
	if len(parts) != 3 {
		t.Fatalf("expected compact JWT, got %d parts", len(parts))
	}
	tampered := parts[0] + "." + parts[1] + "." + strings.Repeat("A", len(parts[2]))
	if _, err := svc.Verify(tampered); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("Verify(tampered) error = %v, want ErrInvalidToken", err)
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	svc := NewService(testSecret, "micrelay")
	other := NewService("ffffffffffffffffffffffffffffffff", "micrelay")
	cred, _, err := other.Issue("sess-1", time.Hour, Binding{})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if _, err := svc.Verify(cred); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("Verify() error = %v, want ErrInvalidToken", err)
	}
}

func TestVerifyRejectsGarbage(t *testing.T) {
	svc := NewService(testSecret, "micrelay")
	for _, cred := range []string{"", "not-a-token", "a.b.c"} {
		if _, err := svc.Verify(cred); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("Verify(%q) error = %v, want ErrInvalidToken", cred, err)
		}
	}
}

func TestVerifyExpiredCredential(t *testing.T) {
	svc := NewService(testSecret, "micrelay")
	issued := time.Now().UTC()
	svc.now = func() time.Time { return issued }

	cred, expiresAt, err := svc.Issue("sess-1", time.Minute, Binding{})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	svc.now = func() time.Time { return expiresAt.Add(time.Second) }
	if _, err := svc.Verify(cred); !errors.Is(err, ErrExpired) {
		t.Fatalf("Verify(past expiry) error = %v, want ErrExpired", err)
	}
}

func TestVerifyAtExactExpiryIsExpired(t *testing.T) {
	svc := NewService(testSecret, "micrelay")
	issued := time.Now().UTC().Truncate(time.Second)
	svc.now = func() time.Time { return issued }

	cred, expiresAt, err := svc.Issue("sess-1", time.Minute, Binding{})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	svc.now = func() time.Time { return expiresAt }
	if _, err := svc.Verify(cred); !errors.Is(err, ErrExpired) {
		t.Fatalf("Verify(at expiry) error = %v, want ErrExpired", err)
	}

	svc.now = func() time.Time { return expiresAt.Add(-time.Second) }
	if _, err := svc.Verify(cred); err != nil {
		t.Fatalf("Verify(just before expiry) error = %v", err)
	}
}

func TestVerifyRejectsWrongIssuer(t *testing.T) {
	svc := NewService(testSecret, "micrelay")
	other := NewService(testSecret, "someone-else")
	cred, _, err := other.Issue("sess-1", time.Hour, Binding{})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if _, err := svc.Verify(cred); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("Verify() error = %v, want ErrInvalidToken", err)
	}
}
