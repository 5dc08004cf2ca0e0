package callback_test

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openkcm/auth-callback/internal/callback"
	"github.com/openkcm/auth-callback/internal/oidc/oidctest"
	"github.com/openkcm/auth-callback/internal/pkce"
	statememory "github.com/openkcm/auth-callback/internal/state/memory"
)

func newLogin(t *testing.T, states *statememory.Store, authEndpoint string, bindFingerprint bool) *callback.Login {
	t.Helper()

	l, err := callback.NewLogin(states, callback.LoginConfig{
		AuthorizationEndpoint:  authEndpoint,
		ClientID:               oidctest.ClientID,
		RedirectURI:            redirectURI,
		Scopes:                 []string{"openid", "email"},
		StateTTL:               time.Minute,
		DefaultRedirect:        "/home",
		AllowedRedirectOrigins: []string{"https://app.example.com/"},
		BindFingerprint:        bindFingerprint,
	})
	require.NoError(t, err)

	return l
}

func login(l *callback.Login, redirectTo string) *httptest.ResponseRecorder {
	target := "/login"
	if redirectTo != "" {
		target += "?redirect_to=" + url.QueryEscape(redirectTo)
	}

	req := httptest.NewRequest(http.MethodGet, target, nil)
	req.Header.Set("User-Agent", "test-agent")
	rec := httptest.NewRecorder()
	l.ServeHTTP(rec, req)

	return rec
}

func TestNewLogin(t *testing.T) {
	_, err := callback.NewLogin(nil, callback.LoginConfig{})
	assert.ErrorIs(t, err, callback.ErrMissingDependency)

	_, err = callback.NewLogin(statememory.NewStore(time.Minute), callback.LoginConfig{AuthorizationEndpoint: "not a url"})
	assert.Error(t, err)
}

func TestLogin_AuthorizationRequest(t *testing.T) {
	states := statememory.NewStore(time.Minute)
	l := newLogin(t, states, "https://idp.example.com/authorize?prompt=login", false)

	rec := login(l, "/reports")

	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "idp.example.com", loc.Host)
	assert.Equal(t, "/authorize", loc.Path)

	q := loc.Query()
	assert.Equal(t, "login", q.Get("prompt"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, oidctest.ClientID, q.Get("client_id"))
	assert.Equal(t, redirectURI, q.Get("redirect_uri"))
	assert.Equal(t, "openid email", q.Get("scope"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.Len(t, q.Get("state"), 64)
	assert.NotEmpty(t, q.Get("nonce"))

	attempt, err := states.VerifyAndConsume(t.Context(), q.Get("state"))
	require.NoError(t, err)
	assert.Equal(t, "/reports", attempt.RedirectTarget)
	assert.Equal(t, redirectURI, attempt.RedirectURI)
	assert.Equal(t, q.Get("nonce"), attempt.Nonce)
	assert.Equal(t, q.Get("code_challenge"), pkce.Challenge(attempt.PKCEVerifier))
	assert.Empty(t, attempt.Fingerprint)
	assert.WithinDuration(t, time.Now().Add(time.Minute), attempt.ExpiresAt, 5*time.Second)
}

func TestLogin_RedirectTarget(t *testing.T) {
	tests := []struct {
		name       string
		redirectTo string
		want       string
	}{
		{name: "empty", redirectTo: "", want: "/home"},
		{name: "local path", redirectTo: "/a/b?c=d", want: "/a/b?c=d"},
		{name: "allowed origin", redirectTo: "https://app.example.com/x", want: "https://app.example.com/x"},
		{name: "foreign origin", redirectTo: "https://evil.example.com/x", want: "/home"},
		{name: "scheme relative", redirectTo: "//evil.example.com/x", want: "/home"},
		{name: "backslash", redirectTo: "/\\evil.example.com", want: "/home"},
		{name: "relative path", redirectTo: "dashboard", want: "/home"},
		{name: "javascript", redirectTo: "javascript:alert(1)", want: "/home"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			states := statememory.NewStore(time.Minute)
			l := newLogin(t, states, "https://idp.example.com/authorize", false)

			rec := login(l, tt.redirectTo)
			require.Equal(t, http.StatusFound, rec.Code)

			loc, err := url.Parse(rec.Header().Get("Location"))
			require.NoError(t, err)

			attempt, err := states.VerifyAndConsume(t.Context(), loc.Query().Get("state"))
			require.NoError(t, err)
			assert.Equal(t, tt.want, attempt.RedirectTarget)
		})
	}
}

func TestLogin_ThenCallback(t *testing.T) {
	f := newFixture(t, callback.WithFingerprintBinding(true))
	l := newLogin(t, f.states, f.provider.AuthorizationEndpoint(), true)

	rec := login(l, "/after-login")
	require.Equal(t, http.StatusFound, rec.Code)

	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	q := loc.Query()

	f.provider.SetIDTokenClaims(map[string]any{"nonce": q.Get("nonce")})

	req := httptest.NewRequest(http.MethodGet, "/auth-callback?code=abc&state="+url.QueryEscape(q.Get("state")), nil)
	req.Header.Set("User-Agent", "test-agent")
	cb := httptest.NewRecorder()
	f.handler.ServeHTTP(cb, req)

	require.Equal(t, http.StatusFound, cb.Code)
	assert.Equal(t, "/after-login", cb.Header().Get("Location"))
	assert.NotNil(t, sessionCookie(cb))

	form := f.provider.LastTokenRequest().Form
	require.Len(t, form["code_verifier"], 1)
	assert.Equal(t, q.Get("code_challenge"), pkce.Challenge(form["code_verifier"][0]))
}
