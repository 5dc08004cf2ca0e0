// Package oidctest provides an in-process OpenID Connect provider for tests.
// It serves discovery, JWKS and token endpoints and mints signed id tokens.
package oidctest

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

const (
	ClientID     = "auth-callback"
	ClientSecret = "client-secret"
	AccessToken  = "access-token"

	keyID = "test-key"
)

// TokenRequest is a token request as received by the provider.
type TokenRequest struct {
	Form          map[string][]string
	Authorization string
}

// Provider is a fake identity provider backed by httptest.Server.
type Provider struct {
	*httptest.Server

	key      *rsa.PrivateKey
	signer   jose.Signer
	requests atomic.Int32

	mu           sync.Mutex
	tokenHandler http.HandlerFunc
	received     []TokenRequest
	idClaims     map[string]any
}

// Start starts the provider. By default the token endpoint returns a valid
// Bearer response with an id token for subject "user-1".
func Start(t *testing.T) *Provider {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}

	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.RS256, Key: key},
		(&jose.SignerOptions{}).WithType("JWT").WithHeader("kid", keyID),
	)
	if err != nil {
		t.Fatalf("creating signer: %v", err)
	}

	p := &Provider{key: key, signer: signer}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/openid-configuration", p.discovery)
	mux.HandleFunc("GET /.well-known/jwks.json", p.jwks)
	mux.HandleFunc("POST /oauth2/token", p.token)

	p.Server = httptest.NewServer(mux)
	t.Cleanup(p.Close)

	return p
}

func (p *Provider) Issuer() string                { return p.URL }
func (p *Provider) TokenEndpoint() string         { return p.URL + "/oauth2/token" }
func (p *Provider) AuthorizationEndpoint() string { return p.URL + "/oauth2/authorize" }
func (p *Provider) JWKSURI() string               { return p.URL + "/.well-known/jwks.json" }

// TokenRequests returns the number of requests the token endpoint received.
func (p *Provider) TokenRequests() int {
	return int(p.requests.Load())
}

// LastTokenRequest returns the last request the token endpoint received.
func (p *Provider) LastTokenRequest() TokenRequest {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.received) == 0 {
		return TokenRequest{}
	}

	return p.received[len(p.received)-1]
}

// HandleToken replaces the behaviour of the token endpoint.
func (p *Provider) HandleToken(h http.HandlerFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.tokenHandler = h
}

// SetIDTokenClaims sets extra claims merged into minted id tokens, e.g. the nonce.
func (p *Provider) SetIDTokenClaims(claims map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.idClaims = claims
}

// Claims returns a valid claim set for subject.
func (p *Provider) Claims(subject string) map[string]any {
	now := time.Now()
	return map[string]any{
		"iss":     p.URL,
		"sub":     subject,
		"aud":     ClientID,
		"iat":     now.Unix(),
		"exp":     now.Add(time.Hour).Unix(),
		"email":   subject + "@example.com",
		"name":    "Test User",
		"groups":  []string{"users"},
		"at_hash": AtHash(AccessToken),
	}
}

// Mint signs the claims with the provider key.
func (p *Provider) Mint(t *testing.T, claims map[string]any) string {
	t.Helper()

	raw, err := jwt.Signed(p.signer).Claims(claims).Serialize()
	if err != nil {
		t.Fatalf("signing id token: %v", err)
	}

	return raw
}

// MintWithKey signs the claims with a key unknown to the provider.
func MintWithKey(t *testing.T, claims map[string]any) string {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}

	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.RS256, Key: key},
		(&jose.SignerOptions{}).WithType("JWT").WithHeader("kid", keyID),
	)
	if err != nil {
		t.Fatalf("creating signer: %v", err)
	}

	raw, err := jwt.Signed(signer).Claims(claims).Serialize()
	if err != nil {
		t.Fatalf("signing id token: %v", err)
	}

	return raw
}

// AtHash computes the at_hash claim for an RS256 signed id token.
func AtHash(accessToken string) string {
	sum := sha256.Sum256([]byte(accessToken))
	return base64.RawURLEncoding.EncodeToString(sum[:len(sum)/2])
}

func (p *Provider) discovery(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"issuer":                                p.URL,
		"authorization_endpoint":                p.AuthorizationEndpoint(),
		"token_endpoint":                        p.TokenEndpoint(),
		"jwks_uri":                              p.JWKSURI(),
		"id_token_signing_alg_values_supported": []string{"RS256"},
	})
}

func (p *Provider) jwks(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       &p.key.PublicKey,
		KeyID:     keyID,
		Algorithm: string(jose.RS256),
		Use:       "sig",
	}}})
}

func (p *Provider) token(w http.ResponseWriter, r *http.Request) {
	p.requests.Add(1)

	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	p.mu.Lock()
	p.received = append(p.received, TokenRequest{Form: r.PostForm, Authorization: r.Header.Get("Authorization")})
	h := p.tokenHandler
	extra := p.idClaims
	p.mu.Unlock()

	if h != nil {
		h(w, r)
		return
	}

	claims := p.Claims("user-1")
	for k, v := range extra {
		claims[k] = v
	}

	raw, err := jwt.Signed(p.signer).Claims(claims).Serialize()
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"access_token":  AccessToken,
		"id_token":      raw,
		"token_type":    "Bearer",
		"expires_in":    3600,
		"refresh_token": "refresh-token",
	})
}
