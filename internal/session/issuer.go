// Package session turns verified token responses into server-side sessions.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/auth-callback/internal/exchange"
	"github.com/openkcm/auth-callback/internal/oidc"
	"github.com/openkcm/auth-callback/internal/pkce"
	"github.com/openkcm/auth-callback/internal/serviceerr"
)

const maxStoreAttempts = 3

var (
	ErrInvalidClaims   = errors.New("invalid identity claims")
	ErrStore           = errors.New("storing session")
	ErrInvalidDuration = errors.New("session duration must be positive")
)

type idTokenVerifier interface {
	Verify(ctx context.Context, rawIDToken, accessToken, nonce string) (oidc.Claims, error)
}

type Issuer struct {
	verifier idTokenVerifier
	sessions Repository
	duration time.Duration
	now      func() time.Time
	newID    func() string
}

type IssuerOption func(*Issuer)

func WithClock(now func() time.Time) IssuerOption {
	return func(i *Issuer) {
		i.now = now
	}
}

func WithIDSource(newID func() string) IssuerOption {
	return func(i *Issuer) {
		i.newID = newID
	}
}

func NewIssuer(verifier idTokenVerifier, sessions Repository, duration time.Duration, opts ...IssuerOption) (*Issuer, error) {
	if duration <= 0 {
		return nil, ErrInvalidDuration
	}

	i := &Issuer{
		verifier: verifier,
		sessions: sessions,
		duration: duration,
		now:      time.Now,
		newID:    pkce.Source{}.SessionID,
	}
	for _, opt := range opts {
		opt(i)
	}

	return i, nil
}

// Duration returns the lifetime of issued sessions.
func (i *Issuer) Duration() time.Duration {
	return i.duration
}

type issueOptions struct {
	nonce       string
	fingerprint string
}

type IssueOption func(*issueOptions)

// WithNonce requires the id token to carry the given nonce.
func WithNonce(nonce string) IssueOption {
	return func(o *issueOptions) {
		o.nonce = nonce
	}
}

func WithFingerprint(fingerprint string) IssueOption {
	return func(o *issueOptions) {
		o.fingerprint = fingerprint
	}
}

// Issue verifies the id token of tokens and persists a new session for its subject.
func (i *Issuer) Issue(ctx context.Context, tokens exchange.TokenResponse, opts ...IssueOption) (Session, error) {
	var o issueOptions
	for _, opt := range opts {
		opt(&o)
	}

	claims, err := i.verifier.Verify(ctx, tokens.IDToken, tokens.AccessToken, o.nonce)
	if err != nil {
		return Session{}, errors.Join(ErrInvalidClaims, err)
	}

	if claims.Subject == "" {
		return Session{}, fmt.Errorf("%w: empty subject", ErrInvalidClaims)
	}

	now := i.now()
	s := Session{
		Subject:     claims.Subject,
		Issuer:      claims.Issuer,
		Email:       claims.Email,
		Name:        claims.Name,
		Groups:      claims.Groups,
		Fingerprint: o.fingerprint,
		IssuedAt:    now,
		ExpiresAt:   now.Add(i.duration),
	}

	for range maxStoreAttempts {
		s.ID = i.newID()

		err = i.sessions.StoreSession(ctx, s)
		if err == nil {
			slogctx.Info(ctx, "Issued session", "subject", s.Subject, "expires_at", s.ExpiresAt)
			return s, nil
		}

		if !errors.Is(err, serviceerr.ErrConflict) {
			break
		}
	}

	return Session{}, errors.Join(ErrStore, err)
}
