// Package session keeps operator sessions for the pool control plane. A
// session is an opaque bearer token bound to an operator with a fixed
// lifetime; all sessions can be revoked at once after a credential change.
package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultTTL  = 24 * time.Hour
	tokenPrefix = "admin-"
	tokenBytes  = 32
)

var (
	ErrSessionNotFound = errors.New("session: not found")
	ErrSessionExpired  = errors.New("session: expired")
	ErrInvalidSubject  = errors.New("session: subject is required")
)

type Session struct {
	ID        string    `json:"id"`
	Token     string    `json:"token"`
	Subject   string    `json:"subject"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

type Store interface {
	Create(ctx context.Context, subject string) (Session, error)
	Validate(ctx context.Context, token string) (Session, error)
	Invalidate(ctx context.Context, token string) error
	InvalidateAll(ctx context.Context) error
}

type Option func(*options)

type options struct {
	ttl   time.Duration
	now   func() time.Time
	token func() (string, error)
}

func WithTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func WithTokenGenerator(generate func() (string, error)) Option {
	return func(o *options) {
		if generate != nil {
			o.token = generate
		}
	}
}

func resolveOptions(opts []Option) options {
	resolved := options{
		ttl:   DefaultTTL,
		now:   func() time.Time { return time.Now().UTC() },
		token: NewToken,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&resolved)
		}
	}
	return resolved
}

// NewToken returns a random url-safe bearer token.
func NewToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("session: generate token: %w", err)
	}
	return tokenPrefix + base64.RawURLEncoding.EncodeToString(buf), nil
}

func newSession(o options, subject string) (Session, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return Session{}, ErrInvalidSubject
	}
	token, err := o.token()
	if err != nil {
		return Session{}, err
	}
	now := o.now().UTC()
	return Session{
		ID:        uuid.NewString(),
		Token:     token,
		Subject:   subject,
		CreatedAt: now,
		ExpiresAt: now.Add(o.ttl),
	}, nil
}
