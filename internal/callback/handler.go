// Package callback serves the OAuth 2.0 authorization code callback and the
// login initiation that precedes it.
package callback

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/auth-callback/internal/audit"
	"github.com/openkcm/auth-callback/internal/config"
	"github.com/openkcm/auth-callback/internal/exchange"
	"github.com/openkcm/auth-callback/internal/middleware/ratelimit"
	"github.com/openkcm/auth-callback/internal/serviceerr"
	"github.com/openkcm/auth-callback/internal/session"
	"github.com/openkcm/auth-callback/internal/state"
	"github.com/openkcm/auth-callback/pkg/fingerprint"
)

var (
	ErrMissingDependency = errors.New("missing dependency")
	ErrFingerprint       = errors.New("fingerprint mismatch")
	ErrClientGone        = errors.New("client disconnected before the session was issued")
)

type tokenExchanger interface {
	Exchange(ctx context.Context, code, redirectURI string, opts ...exchange.Option) (exchange.TokenResponse, error)
}

type sessionIssuer interface {
	Issue(ctx context.Context, tokens exchange.TokenResponse, opts ...session.IssueOption) (session.Session, error)
}

// Handler serves GET /auth-callback. It verifies the state, exchanges the
// code and issues a session. Every stage runs at most once per request.
type Handler struct {
	states    state.Store
	exchanger tokenExchanger
	issuer    sessionIssuer
	cookie    config.CookieTemplate

	redirectURI      string
	defaultRedirect  string
	errorRedirectURL string
	bindFingerprint  bool

	limiter  *ratelimit.Limiter
	auditor  *audit.Recorder
	meter    metric.Meter
	outcomes metric.Int64Counter
	now      func() time.Time
}

type Option func(*Handler)

// WithRateLimiter counts CSRF rejections per client and refuses clients
// that exhausted their budget.
func WithRateLimiter(l *ratelimit.Limiter) Option {
	return func(h *Handler) { h.limiter = l }
}

func WithAuditRecorder(r *audit.Recorder) Option {
	return func(h *Handler) { h.auditor = r }
}

// WithErrorRedirect redirects failed callbacks to u instead of answering with JSON.
func WithErrorRedirect(u string) Option {
	return func(h *Handler) { h.errorRedirectURL = u }
}

// WithFingerprintBinding rejects callbacks from a client whose fingerprint
// differs from the one recorded at login.
func WithFingerprintBinding(enabled bool) Option {
	return func(h *Handler) { h.bindFingerprint = enabled }
}

// WithRedirectURI is the redirect_uri used for attempts that carry none.
func WithRedirectURI(u string) Option {
	return func(h *Handler) { h.redirectURI = u }
}

// WithDefaultRedirect is the target for attempts that carry none.
func WithDefaultRedirect(target string) Option {
	return func(h *Handler) { h.defaultRedirect = target }
}

func WithMeter(m metric.Meter) Option {
	return func(h *Handler) { h.meter = m }
}

func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

func NewHandler(states state.Store, exchanger tokenExchanger, issuer sessionIssuer, cookie config.CookieTemplate, opts ...Option) (*Handler, error) {
	if states == nil || exchanger == nil || issuer == nil {
		return nil, ErrMissingDependency
	}

	h := &Handler{
		states:          states,
		exchanger:       exchanger,
		issuer:          issuer,
		cookie:          cookie,
		defaultRedirect: "/",
		meter:           otel.Meter("auth-callback/callback"),
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}

	outcomes, err := h.meter.Int64Counter(
		"callback.outcome",
		metric.WithDescription("Callback requests by final stage and result"),
		metric.WithUnit("request"),
	)
	if err != nil {
		return nil, err
	}
	h.outcomes = outcomes

	warnCookie(cookie)

	return h, nil
}

func warnCookie(ct config.CookieTemplate) {
	ctx := context.Background()

	if !ct.Secure {
		slogctx.Warn(ctx, "Session cookie is not marked Secure", "cookie", ct.Name)
	}
	if !ct.HTTPOnly {
		slogctx.Warn(ctx, "Session cookie is readable by scripts", "cookie", ct.Name)
	}
	if ct.SameSite == config.CookieSameSiteNone && !ct.Secure {
		slogctx.Warn(ctx, "SameSite=None requires a Secure cookie", "cookie", ct.Name)
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	client := ratelimit.ClientKey(r)
	ctx = slogctx.With(ctx, "client", client)
	r = r.WithContext(ctx)

	stage := StageReceived
	h.enter(ctx, stage)

	if h.limiter.Exhausted(client) {
		h.fail(w, r, stage, serviceerr.ErrTooManyRequests, nil)
		return
	}

	q := r.URL.Query()
	stateToken := q.Get("state")

	if providerErr := q.Get("error"); providerErr != "" {
		h.discard(ctx, stateToken)
		slogctx.Warn(ctx, "Identity provider returned an error",
			"error_code", providerErr,
			"error_description", q.Get("error_description"))
		h.fail(w, r, stage, serviceerr.ErrAuthFailed, errors.New(providerErr))

		return
	}

	if len(q["code"]) != 1 || len(q["state"]) != 1 || q.Get("code") == "" || stateToken == "" {
		h.discard(ctx, stateToken)
		h.fail(w, r, stage, serviceerr.ErrBadRequest, nil)

		return
	}
	code := q.Get("code")

	attempt, err := h.states.VerifyAndConsume(ctx, stateToken)
	if err == nil && h.bindFingerprint && attempt.Fingerprint != "" {
		if !fingerprint.Matches(attempt.Fingerprint, requestFingerprint(r)) {
			err = ErrFingerprint
		}
	}
	if err != nil {
		h.limiter.Record(client)
		h.fail(w, r, stage, serviceerr.ErrCSRFRejected, err)

		return
	}

	stage = StageStateVerified
	h.enter(ctx, stage)

	redirectURI := attempt.RedirectURI
	if redirectURI == "" {
		redirectURI = h.redirectURI
	}

	var exchangeOpts []exchange.Option
	if attempt.PKCEVerifier != "" {
		exchangeOpts = append(exchangeOpts, exchange.WithCodeVerifier(attempt.PKCEVerifier))
	}

	tokens, err := h.exchanger.Exchange(ctx, code, redirectURI, exchangeOpts...)
	if err != nil {
		var exErr *exchange.Error
		if errors.As(err, &exErr) {
			slogctx.Warn(ctx, "Token exchange failed",
				"provider_error", exErr.ProviderCode,
				"status", exErr.StatusCode,
				"attempts", exErr.Attempts)
		}

		h.fail(w, r, stage, serviceerr.ErrAuthFailed, err)

		return
	}

	stage = StageTokenExchanged
	h.enter(ctx, stage)

	// The exchange outlives a client disconnect, the session does not.
	if ctx.Err() != nil {
		slogctx.Info(ctx, "Discarding exchanged tokens", "error", ErrClientGone)
		h.record(ctx, StageError, "client_gone")

		return
	}

	sess, err := h.issuer.Issue(ctx, tokens,
		session.WithNonce(attempt.Nonce),
		session.WithFingerprint(attempt.Fingerprint),
	)
	if err != nil {
		h.fail(w, r, stage, serviceerr.ErrAuthFailed, err)
		return
	}

	stage = StageSessionIssued
	h.enter(ctx, stage)

	target := attempt.RedirectTarget
	if target == "" {
		target = h.defaultRedirect
	}

	setSecurityHeaders(w)
	http.SetCookie(w, h.cookie.ToSessionCookie(sess.ID, sess.Lifetime(h.now())))
	http.Redirect(w, r, target, http.StatusFound)

	h.auditor.LoginSucceeded(ctx, sess.Subject)
	h.enter(ctx, StageResponded)
	h.record(ctx, StageResponded, "success")

	slogctx.Info(ctx, "Login completed", "subject", sess.Subject)
}

// discard consumes token so it can no longer be used. The result does not
// matter to the caller.
func (h *Handler) discard(ctx context.Context, token string) {
	if token == "" {
		return
	}

	if _, err := h.states.VerifyAndConsume(ctx, token); err != nil {
		slogctx.Debug(ctx, "Discarding state", "error", err)
	}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, stage Stage, svcErr *serviceerr.Error, cause error) {
	ctx := r.Context()

	attrs := []any{"stage", stage.String(), "code", string(svcErr.Err)}
	if cause != nil {
		attrs = append(attrs, "error", cause)
	}

	switch svcErr.Err {
	case serviceerr.CodeCSRFRejected, serviceerr.CodeTooManyRequests:
		slogctx.Warn(ctx, "Rejected callback", attrs...)
	default:
		slogctx.Error(ctx, "Callback failed", attrs...)
	}

	if svcErr.Err == serviceerr.CodeCSRFRejected || svcErr.Err == serviceerr.CodeAuthFailed {
		h.auditor.LoginFailed(ctx, ratelimit.ClientKey(r), string(svcErr.Err))
	}

	h.enter(ctx, StageError)
	h.record(ctx, stage, string(svcErr.Err))

	writeError(w, r, svcErr, h.errorRedirectURL)
}

func (h *Handler) enter(ctx context.Context, stage Stage) {
	trace.SpanFromContext(ctx).AddEvent(stage.String())
}

func (h *Handler) record(ctx context.Context, stage Stage, result string) {
	h.outcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stage", stage.String()),
		attribute.String("result", result),
	))
}

func requestFingerprint(r *http.Request) string {
	if fp, err := fingerprint.ExtractFingerprint(r.Context()); err == nil {
		return fp
	}

	fp, _ := fingerprint.FromHTTPRequest(r)

	return fp
}
