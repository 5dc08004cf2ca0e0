package oidc

import (
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"hash"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

var (
	ErrInvalidToken     = errors.New("invalid id token")
	ErrInvalidSignature = errors.New("id token signature verification failed")
	ErrInvalidClaims    = errors.New("id token claims are invalid")
	ErrMissingClaim     = errors.New("id token is missing a required claim")
	ErrInvalidNonce     = errors.New("id token nonce mismatch")
	ErrInvalidAtHash    = errors.New("access token does not match at_hash")
)

// Claims are the identity claims taken from a verified id token.
type Claims struct {
	Issuer    string
	Subject   string
	Audience  []string
	Email     string
	Name      string
	Groups    []string
	Nonce     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

type keyProvider interface {
	Keys(ctx context.Context, refresh bool) (*jose.JSONWebKeySet, error)
}

type Verifier struct {
	keys     keyProvider
	issuer   string
	clientID string
	algs     []jose.SignatureAlgorithm
	leeway   time.Duration
	now      func() time.Time
}

type VerifierOption func(*Verifier)

func WithLeeway(d time.Duration) VerifierOption {
	return func(v *Verifier) {
		v.leeway = d
	}
}

func WithVerifierClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) {
		v.now = now
	}
}

func NewVerifier(keys keyProvider, issuer, clientID string, algs []string, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		keys:     keys,
		issuer:   issuer,
		clientID: clientID,
		algs:     SignatureAlgorithms(algs),
		leeway:   jwt.DefaultLeeway,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}

	return v
}

// SignatureAlgorithms converts algorithm names; RS256 is used when none are given.
func SignatureAlgorithms(names []string) []jose.SignatureAlgorithm {
	if len(names) == 0 {
		return []jose.SignatureAlgorithm{jose.RS256}
	}

	algs := make([]jose.SignatureAlgorithm, 0, len(names))
	for _, name := range names {
		algs = append(algs, jose.SignatureAlgorithm(name))
	}

	return algs
}

// Verify checks the signature and the standard claims of rawIDToken. The nonce
// is compared when non-empty, the access token is checked against at_hash
// when the token carries one.
func (v *Verifier) Verify(ctx context.Context, rawIDToken, accessToken, nonce string) (Claims, error) {
	token, err := jwt.ParseSigned(rawIDToken, v.algs)
	if err != nil {
		return Claims{}, errors.Join(ErrInvalidToken, err)
	}

	type customClaims struct {
		Email  string   `json:"email"`
		Name   string   `json:"name"`
		Groups []string `json:"groups"`
		Nonce  string   `json:"nonce"`
		AtHash string   `json:"at_hash,omitempty"`
	}

	var (
		std    jwt.Claims
		custom customClaims
	)

	if err := v.claims(ctx, token, &std, &custom); err != nil {
		return Claims{}, err
	}

	if std.Subject == "" {
		return Claims{}, fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	if std.Expiry == nil {
		return Claims{}, fmt.Errorf("%w: exp", ErrMissingClaim)
	}

	err = std.ValidateWithLeeway(jwt.Expected{
		Issuer:      v.issuer,
		AnyAudience: jwt.Audience{v.clientID},
		Time:        v.now(),
	}, v.leeway)
	if err != nil {
		return Claims{}, errors.Join(ErrInvalidClaims, err)
	}

	if nonce != "" && subtle.ConstantTimeCompare([]byte(nonce), []byte(custom.Nonce)) != 1 {
		return Claims{}, ErrInvalidNonce
	}

	if custom.AtHash != "" {
		if err := verifyAccessToken(accessToken, custom.AtHash, token); err != nil {
			return Claims{}, err
		}
	}

	claims := Claims{
		Issuer:    std.Issuer,
		Subject:   std.Subject,
		Audience:  std.Audience,
		Email:     custom.Email,
		Name:      custom.Name,
		Groups:    custom.Groups,
		Nonce:     custom.Nonce,
		ExpiresAt: std.Expiry.Time(),
	}
	if std.IssuedAt != nil {
		claims.IssuedAt = std.IssuedAt.Time()
	}

	return claims, nil
}

// claims verifies the signature with the cached keys first and with a freshly
// fetched key set when that fails, so rotated keys are picked up.
func (v *Verifier) claims(ctx context.Context, token *jwt.JSONWebToken, out ...any) error {
	var lastErr error
	for _, refresh := range []bool{false, true} {
		keySet, err := v.keys.Keys(ctx, refresh)
		if err != nil {
			return fmt.Errorf("getting jwks for the provider: %w", err)
		}

		if err := token.Claims(keySet, out...); err != nil {
			lastErr = err
			continue
		}

		return nil
	}

	return errors.Join(ErrInvalidSignature, lastErr)
}

func verifyAccessToken(accessToken, atHash string, idToken *jwt.JSONWebToken) error {
	var h hash.Hash
	switch alg := idToken.Headers[0].Algorithm; alg {
	case "RS256", "ES256", "PS256":
		h = sha256.New()
	case "RS384", "ES384", "PS384":
		h = sha512.New384()
	case "RS512", "ES512", "PS512", "EdDSA":
		h = sha512.New()
	default:
		return fmt.Errorf("%w: unsupported signing algorithm %q", ErrInvalidAtHash, alg)
	}

	h.Write([]byte(accessToken)) // NOSONAR
	sum := h.Sum(nil)[:h.Size()/2]
	actual := base64.RawURLEncoding.EncodeToString(sum)
	if actual != atHash {
		return ErrInvalidAtHash
	}

	return nil
}
