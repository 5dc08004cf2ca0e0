// Package state holds the CSRF state of pending logins. A state token is
// issued when a login starts and may be presented to the callback exactly once.
package state

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound        = errors.New("state not found")
	ErrExpired         = errors.New("state expired")
	ErrAlreadyConsumed = errors.New("state already consumed")

	ErrInvalidTTL = errors.New("state ttl must be positive")
)

// LoginAttempt is the server-side record of a login that was started but
// has not completed yet.
type LoginAttempt struct {
	StateToken     string    `json:"stateToken"`
	CreatedAt      time.Time `json:"createdAt"`
	ExpiresAt      time.Time `json:"expiresAt"`
	RedirectTarget string    `json:"redirectTarget"`
	Consumed       bool      `json:"consumed"`

	RedirectURI  string `json:"redirectURI,omitempty"`
	Nonce        string `json:"nonce,omitempty"`
	PKCEVerifier string `json:"pkceVerifier,omitempty"`
	Fingerprint  string `json:"fingerprint,omitempty"`
}

// Expired reports whether the attempt is past its expiry at the given time.
func (a LoginAttempt) Expired(now time.Time) bool {
	return now.After(a.ExpiresAt)
}

// Store issues and consumes state tokens. Implementations are safe for
// concurrent use. For a given token at most one VerifyAndConsume call succeeds.
type Store interface {
	Issue(ctx context.Context, redirectTarget string, ttl time.Duration, opts ...Option) (string, error)
	VerifyAndConsume(ctx context.Context, token string) (LoginAttempt, error)
}

type Option func(*LoginAttempt)

func WithNonce(nonce string) Option {
	return func(a *LoginAttempt) {
		a.Nonce = nonce
	}
}

func WithPKCEVerifier(verifier string) Option {
	return func(a *LoginAttempt) {
		a.PKCEVerifier = verifier
	}
}

// WithRedirectURI sets the redirect_uri sent in the authorization request.
// The token request must repeat it verbatim.
func WithRedirectURI(uri string) Option {
	return func(a *LoginAttempt) {
		a.RedirectURI = uri
	}
}

func WithFingerprint(fingerprint string) Option {
	return func(a *LoginAttempt) {
		a.Fingerprint = fingerprint
	}
}

// NewAttempt builds an unconsumed attempt for a freshly generated token.
func NewAttempt(token, redirectTarget string, now time.Time, ttl time.Duration, opts ...Option) LoginAttempt {
	a := LoginAttempt{
		StateToken:     token,
		CreatedAt:      now,
		ExpiresAt:      now.Add(ttl),
		RedirectTarget: redirectTarget,
	}
	for _, opt := range opts {
		opt(&a)
	}

	return a
}
