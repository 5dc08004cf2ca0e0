package callback

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/auth-callback/internal/pkce"
	"github.com/openkcm/auth-callback/internal/serviceerr"
	"github.com/openkcm/auth-callback/internal/state"
)

// LoginConfig describes the authorization request sent to the provider.
type LoginConfig struct {
	AuthorizationEndpoint  string
	ClientID               string
	RedirectURI            string
	Scopes                 []string
	StateTTL               time.Duration
	DefaultRedirect        string
	AllowedRedirectOrigins []string
	BindFingerprint        bool
}

// Login serves GET /login. It records a login attempt and sends the browser
// to the authorization endpoint.
type Login struct {
	states   state.Store
	cfg      LoginConfig
	endpoint *url.URL
	origins  map[string]struct{}
	source   pkce.Source
}

func NewLogin(states state.Store, cfg LoginConfig) (*Login, error) {
	if states == nil {
		return nil, ErrMissingDependency
	}

	endpoint, err := url.Parse(cfg.AuthorizationEndpoint)
	if err != nil || endpoint.Scheme == "" || endpoint.Host == "" {
		return nil, fmt.Errorf("invalid authorization endpoint %q", cfg.AuthorizationEndpoint)
	}

	if cfg.DefaultRedirect == "" {
		cfg.DefaultRedirect = "/"
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = []string{"openid"}
	}

	origins := make(map[string]struct{}, len(cfg.AllowedRedirectOrigins))
	for _, o := range cfg.AllowedRedirectOrigins {
		origins[strings.TrimSuffix(o, "/")] = struct{}{}
	}

	return &Login{
		states:   states,
		cfg:      cfg,
		endpoint: endpoint,
		origins:  origins,
	}, nil
}

func (l *Login) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	target := l.redirectTarget(r.URL.Query().Get("redirect_to"))
	challenge := l.source.PKCE()
	nonce := l.source.Nonce()

	opts := []state.Option{
		state.WithNonce(nonce),
		state.WithPKCEVerifier(challenge.Verifier),
		state.WithRedirectURI(l.cfg.RedirectURI),
	}
	if l.cfg.BindFingerprint {
		opts = append(opts, state.WithFingerprint(requestFingerprint(r)))
	}

	token, err := l.states.Issue(ctx, target, l.cfg.StateTTL, opts...)
	if err != nil {
		slogctx.Error(ctx, "Failed to issue state", "error", err)
		writeError(w, r, serviceerr.ErrUnknown, "")

		return
	}

	u := *l.endpoint
	q := u.Query()
	q.Set("response_type", "code")
	q.Set("client_id", l.cfg.ClientID)
	q.Set("redirect_uri", l.cfg.RedirectURI)
	q.Set("scope", strings.Join(l.cfg.Scopes, " "))
	q.Set("state", token)
	q.Set("nonce", nonce)
	q.Set("code_challenge", challenge.Challenge)
	q.Set("code_challenge_method", challenge.Method)
	u.RawQuery = q.Encode()

	setSecurityHeaders(w)
	http.Redirect(w, r, u.String(), http.StatusFound)

	slogctx.Debug(ctx, "Started login", "redirect_target", target)
}

// redirectTarget returns raw when it is a local path or points at an allowed
// origin, the default target otherwise.
func (l *Login) redirectTarget(raw string) string {
	if raw == "" {
		return l.cfg.DefaultRedirect
	}

	u, err := url.Parse(raw)
	if err != nil {
		return l.cfg.DefaultRedirect
	}

	if u.Scheme == "" && u.Host == "" {
		if strings.HasPrefix(raw, "/") && !strings.HasPrefix(raw, "//") && !strings.HasPrefix(raw, "/\\") {
			return raw
		}

		return l.cfg.DefaultRedirect
	}

	if _, ok := l.origins[u.Scheme+"://"+u.Host]; ok && (u.Scheme == "https" || u.Scheme == "http") {
		return raw
	}

	return l.cfg.DefaultRedirect
}
