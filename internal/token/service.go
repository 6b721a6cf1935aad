package token

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken is returned when a credential is malformed or forged.
	ErrInvalidToken = errors.New("invalid credential")
	// ErrExpired is returned when a structurally valid credential is past
	// its expiry. Verification at exactly the expiry instant is expired.
	ErrExpired = errors.New("credential expired")
)

// Claims holds the signed session credential payload.
type Claims struct {
	jwt.RegisteredClaims
	SessionID string `json:"sid"`
	Origin    string `json:"origin,omitempty"`
	UserAgent string `json:"ua,omitempty"`
}

// Binding captures optional context claims stamped at issuance so a
// credential replayed from a different origin or client can be rejected.
type Binding struct {
	Origin    string
	UserAgent string
}

// Verified is the result of a successful credential verification.
type Verified struct {
	SessionID string
	ExpiresAt time.Time
	Origin    string
	UserAgent string
}

// Service issues and verifies HS256 session credentials. The signing secret
// is fixed at construction; nothing mutates it afterwards.
type Service struct {
	secret []byte
	issuer string
	now    func() time.Time
}

func NewService(secret, issuer string) *Service {
	return &Service{
		secret: []byte(secret),
		issuer: issuer,
		now:    time.Now,
	}
}

// Issue signs a credential binding the session id to an absolute expiry.
func (s *Service) Issue(sessionID string, ttl time.Duration, bind Binding) (string, time.Time, error) {
	now := s.now().UTC()
	expiresAt := now.Add(ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		SessionID: sessionID,
		Origin:    bind.Origin,
		UserAgent: bind.UserAgent,
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := t.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// Verify parses and validates a credential (signature, structure, expiry).
// A credential presented at exactly its expiry instant is already expired.
func (s *Service) Verify(credential string) (Verified, error) {
	t, err := jwt.ParseWithClaims(credential, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Verified{}, ErrExpired
		}
		return Verified{}, ErrInvalidToken
	}
	claims, ok := t.Claims.(*Claims)
	if !ok || !t.Valid {
		return Verified{}, ErrInvalidToken
	}
	if s.issuer != "" && claims.Issuer != s.issuer {
		return Verified{}, ErrInvalidToken
	}
	if claims.SessionID == "" || claims.ExpiresAt == nil {
		return Verified{}, ErrInvalidToken
	}
	if !s.now().Before(claims.ExpiresAt.Time) {
		return Verified{}, ErrExpired
	}
	return Verified{
		SessionID: claims.SessionID,
		ExpiresAt: claims.ExpiresAt.Time,
		Origin:    claims.Origin,
		UserAgent: claims.UserAgent,
	}, nil
}
