package oidc_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openkcm/auth-callback/internal/config"
	"github.com/openkcm/auth-callback/internal/oidc"
	"github.com/openkcm/auth-callback/internal/oidc/oidctest"
)

func TestDiscover(t *testing.T) {
	idp := oidctest.Start(t)

	t.Run("returns the configuration", func(t *testing.T) {
		conf, err := oidc.Discover(t.Context(), http.DefaultClient, idp.Issuer())
		require.NoError(t, err)
		assert.Equal(t, idp.TokenEndpoint(), conf.TokenEndpoint)
		assert.Equal(t, idp.JWKSURI(), conf.JwksURI)
		assert.Equal(t, []string{"RS256"}, conf.IDTokenSigningAlgValuesSupported)
	})

	t.Run("rejects a different issuer", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_ = json.NewEncoder(w).Encode(oidc.Configuration{Issuer: "https://evil.example.com"})
		}))
		defer srv.Close()

		_, err := oidc.Discover(t.Context(), http.DefaultClient, srv.URL)
		assert.ErrorIs(t, err, oidc.ErrIssuerMismatch)
	})

	t.Run("fails on error status", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		defer srv.Close()

		_, err := oidc.Discover(t.Context(), http.DefaultClient, srv.URL)
		assert.ErrorIs(t, err, oidc.ErrDiscovery)
	})
}

func TestResolve(t *testing.T) {
	idp := oidctest.Start(t)

	t.Run("fills missing endpoints from discovery", func(t *testing.T) {
		conf, err := oidc.Resolve(t.Context(), http.DefaultClient, config.Provider{
			Issuer:        idp.Issuer(),
			TokenEndpoint: "https://override.example.com/token",
		})
		require.NoError(t, err)
		assert.Equal(t, "https://override.example.com/token", conf.TokenEndpoint)
		assert.Equal(t, idp.AuthorizationEndpoint(), conf.AuthorizationEndpoint)
		assert.Equal(t, idp.JWKSURI(), conf.JwksURI)
	})

	t.Run("skips discovery when fully configured", func(t *testing.T) {
		conf, err := oidc.Resolve(t.Context(), http.DefaultClient, config.Provider{
			Issuer:                "https://unreachable.invalid",
			AuthorizationEndpoint: "https://idp/authorize",
			TokenEndpoint:         "https://idp/token",
			JWKSURI:               "https://idp/jwks",
		})
		require.NoError(t, err)
		assert.Equal(t, "https://idp/token", conf.TokenEndpoint)
	})
}

type countingKeys struct {
	next    *oidc.KeySet
	fetches atomic.Int32
}

func (c *countingKeys) Keys(ctx context.Context, refresh bool) (*jose.JSONWebKeySet, error) {
	if refresh {
		c.fetches.Add(1)
	}
	return c.next.Keys(ctx, refresh)
}

func TestKeySet_Caches(t *testing.T) {
	var hits atomic.Int32
	idp := oidctest.Start(t)
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		resp, err := http.Get(idp.JWKSURI())
		if err != nil {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		defer resp.Body.Close()
		var ks json.RawMessage
		_ = json.NewDecoder(resp.Body).Decode(&ks)
		_, _ = w.Write(ks)
	}))
	defer proxy.Close()

	keys := oidc.NewKeySet(http.DefaultClient, proxy.URL, time.Hour)

	first, err := keys.Keys(t.Context(), false)
	require.NoError(t, err)
	require.Len(t, first.Keys, 1)

	_, err = keys.Keys(t.Context(), false)
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load())

	_, err = keys.Keys(t.Context(), true)
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load())
}

func TestKeySet_StalledEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	keys := oidc.NewKeySet(http.DefaultClient, srv.URL, time.Hour, oidc.WithFetchTimeout(50*time.Millisecond))

	start := time.Now()
	_, err := keys.Keys(t.Context(), false)
	require.ErrorIs(t, err, oidc.ErrFetchKeySet)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestVerifier_Verify(t *testing.T) {
	idp := oidctest.Start(t)
	keys := &countingKeys{next: oidc.NewKeySet(http.DefaultClient, idp.JWKSURI(), time.Hour)}
	verifier := oidc.NewVerifier(keys, idp.Issuer(), oidctest.ClientID, []string{"RS256"})

	tests := []struct {
		name    string
		claims  func() map[string]any
		raw     func(claims map[string]any) string
		access  string
		nonce   string
		wantErr error
	}{
		{
			name:   "valid token",
			claims: func() map[string]any { return idp.Claims("alice") },
			access: oidctest.AccessToken,
		},
		{
			name: "valid token with nonce",
			claims: func() map[string]any {
				c := idp.Claims("alice")
				c["nonce"] = "n-1"
				return c
			},
			access: oidctest.AccessToken,
			nonce:  "n-1",
		},
		{
			name: "nonce mismatch",
			claims: func() map[string]any {
				c := idp.Claims("alice")
				c["nonce"] = "other"
				return c
			},
			access:  oidctest.AccessToken,
			nonce:   "n-1",
			wantErr: oidc.ErrInvalidNonce,
		},
		{
			name:    "at_hash mismatch",
			claims:  func() map[string]any { return idp.Claims("alice") },
			access:  "another-access-token",
			wantErr: oidc.ErrInvalidAtHash,
		},
		{
			name: "expired",
			claims: func() map[string]any {
				c := idp.Claims("alice")
				c["exp"] = time.Now().Add(-time.Hour).Unix()
				return c
			},
			access:  oidctest.AccessToken,
			wantErr: oidc.ErrInvalidClaims,
		},
		{
			name: "wrong audience",
			claims: func() map[string]any {
				c := idp.Claims("alice")
				c["aud"] = "someone-else"
				return c
			},
			access:  oidctest.AccessToken,
			wantErr: oidc.ErrInvalidClaims,
		},
		{
			name: "wrong issuer",
			claims: func() map[string]any {
				c := idp.Claims("alice")
				c["iss"] = "https://evil.example.com"
				return c
			},
			access:  oidctest.AccessToken,
			wantErr: oidc.ErrInvalidClaims,
		},
		{
			name: "missing subject",
			claims: func() map[string]any {
				c := idp.Claims("alice")
				delete(c, "sub")
				return c
			},
			access:  oidctest.AccessToken,
			wantErr: oidc.ErrMissingClaim,
		},
		{
			name: "missing expiry",
			claims: func() map[string]any {
				c := idp.Claims("alice")
				delete(c, "exp")
				return c
			},
			access:  oidctest.AccessToken,
			wantErr: oidc.ErrMissingClaim,
		},
		{
			name:   "unknown signing key",
			claims: func() map[string]any { return idp.Claims("alice") },
			raw: func(claims map[string]any) string {
				return oidctest.MintWithKey(t, claims)
			},
			access:  oidctest.AccessToken,
			wantErr: oidc.ErrInvalidSignature,
		},
		{
			name:   "not a jws",
			claims: func() map[string]any { return nil },
			raw: func(map[string]any) string {
				return "not-a-token"
			},
			wantErr: oidc.ErrInvalidToken,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims := tt.claims()

			raw := ""
			if tt.raw != nil {
				raw = tt.raw(claims)
			} else {
				raw = idp.Mint(t, claims)
			}

			got, err := verifier.Verify(t.Context(), raw, tt.access, tt.nonce)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, "alice", got.Subject)
			assert.Equal(t, idp.Issuer(), got.Issuer)
			assert.Equal(t, "alice@example.com", got.Email)
			assert.Equal(t, []string{"users"}, got.Groups)
			assert.True(t, got.ExpiresAt.After(time.Now()))
		})
	}

	t.Run("bad signature triggers one key refresh", func(t *testing.T) {
		before := keys.fetches.Load()
		_, err := verifier.Verify(t.Context(), oidctest.MintWithKey(t, idp.Claims("bob")), oidctest.AccessToken, "")
		require.ErrorIs(t, err, oidc.ErrInvalidSignature)
		assert.Equal(t, before+1, keys.fetches.Load())
	})
}

func TestSignatureAlgorithms(t *testing.T) {
	assert.Equal(t, []jose.SignatureAlgorithm{jose.RS256}, oidc.SignatureAlgorithms(nil))
	assert.Equal(t, []jose.SignatureAlgorithm{jose.ES256, jose.PS384}, oidc.SignatureAlgorithms([]string{"ES256", "PS384"}))
}
