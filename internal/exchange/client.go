// Package exchange redeems authorization codes at the provider's token endpoint.
package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"

	slogctx "github.com/veqryn/slog-context"
)

const (
	AuthMethodSecretPost  = "client_secret_post"
	AuthMethodSecretBasic = "client_secret_basic"
	AuthMethodTLS         = "tls_client_auth"
)

const (
	defaultTimeout         = 8 * time.Second
	defaultMaxRetries      = 2
	defaultInitialInterval = 200 * time.Millisecond
	defaultMaxInterval     = 2 * time.Second

	maxResponseSize = 1 << 20
)

type Client struct {
	httpClient    *http.Client
	tokenEndpoint string
	clientID      string
	clientSecret  string
	authMethod    string
	algs          []jose.SignatureAlgorithm

	timeout         time.Duration
	maxRetries      uint
	initialInterval time.Duration
	maxInterval     time.Duration
}

type ClientOption func(*Client)

// WithClientSecret authenticates the client with a shared secret sent either
// in the form body or as HTTP basic credentials.
func WithClientSecret(secret, method string) ClientOption {
	return func(c *Client) {
		c.clientSecret = secret
		c.authMethod = method
	}
}

// WithTLSClientAuth relies on the certificate configured in the HTTP client's transport.
func WithTLSClientAuth() ClientOption {
	return func(c *Client) {
		c.clientSecret = ""
		c.authMethod = AuthMethodTLS
	}
}

// WithTimeout bounds every single attempt.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithRetries sets how often an attempt that got no response is repeated.
func WithRetries(maxRetries uint, initialInterval, maxInterval time.Duration) ClientOption {
	return func(c *Client) {
		c.maxRetries = maxRetries
		if initialInterval > 0 {
			c.initialInterval = initialInterval
		}
		if maxInterval > 0 {
			c.maxInterval = maxInterval
		}
	}
}

func WithSigningAlgorithms(algs []jose.SignatureAlgorithm) ClientOption {
	return func(c *Client) {
		if len(algs) > 0 {
			c.algs = algs
		}
	}
}

func NewClient(httpClient *http.Client, tokenEndpoint, clientID string, opts ...ClientOption) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	c := &Client{
		httpClient:      httpClient,
		tokenEndpoint:   tokenEndpoint,
		clientID:        clientID,
		authMethod:      AuthMethodSecretPost,
		algs:            []jose.SignatureAlgorithm{jose.RS256},
		timeout:         defaultTimeout,
		maxRetries:      defaultMaxRetries,
		initialInterval: defaultInitialInterval,
		maxInterval:     defaultMaxInterval,
	}
	for _, opt := range opts {
		opt(c)
	}

	return c
}

type exchangeOptions struct {
	codeVerifier string
}

type Option func(*exchangeOptions)

// WithCodeVerifier adds the PKCE code_verifier to the token request.
func WithCodeVerifier(verifier string) Option {
	return func(o *exchangeOptions) {
		o.codeVerifier = verifier
	}
}

// Exchange redeems code for tokens. The request is not bound to the
// cancellation of ctx: once started, an exchange runs until it completes or
// its own timeout and retry budget is exhausted, because an authorization
// code cannot be presented twice.
func (c *Client) Exchange(ctx context.Context, code, redirectURI string, opts ...Option) (TokenResponse, error) {
	var o exchangeOptions
	for _, opt := range opts {
		opt(&o)
	}

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", redirectURI)
	form.Set("client_id", c.clientID)
	if c.authMethod == AuthMethodSecretPost && c.clientSecret != "" {
		form.Set("client_secret", c.clientSecret)
	}
	if o.codeVerifier != "" {
		form.Set("code_verifier", o.codeVerifier)
	}
	body := form.Encode()

	detached := context.WithoutCancel(ctx)

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.initialInterval
	exp.MaxInterval = c.maxInterval

	attempts := 0
	operation := func() (TokenResponse, error) {
		attempts++
		tokens, retryable, err := c.attempt(detached, body)
		if err != nil && !retryable {
			return TokenResponse{}, backoff.Permanent(err)
		}

		return tokens, err
	}

	tokens, err := backoff.Retry(detached, operation,
		backoff.WithBackOff(exp),
		backoff.WithMaxTries(c.maxRetries+1),
		backoff.WithNotify(func(err error, d time.Duration) {
			slogctx.Warn(ctx, "Token request failed without response, retrying", "attempt", attempts, "backoff", d, "error", err)
		}),
	)
	if err != nil {
		var exErr *Error
		if !errors.As(err, &exErr) {
			exErr = &Error{Kind: ErrTransport, Err: err}
		}
		exErr.Attempts = attempts

		return TokenResponse{}, exErr
	}

	slogctx.Debug(ctx, "Exchanged the auth code for tokens", "attempts", attempts, "tokens", tokens)

	return tokens, nil
}

// attempt performs a single token request. Only failures without any HTTP
// response are reported as retryable.
func (c *Client) attempt(ctx context.Context, body string) (TokenResponse, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenEndpoint, strings.NewReader(body))
	if err != nil {
		return TokenResponse{}, false, &Error{Kind: ErrTransport, Err: fmt.Errorf("creating request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if c.authMethod == AuthMethodSecretBasic {
		req.SetBasicAuth(url.QueryEscape(c.clientID), url.QueryEscape(c.clientSecret))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return TokenResponse{}, true, &Error{Kind: ErrTransport, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return TokenResponse{}, false, &Error{Kind: ErrTransport, StatusCode: resp.StatusCode, Err: fmt.Errorf("reading response: %w", err)}
	}

	if resp.StatusCode != http.StatusOK {
		exErr := &Error{Kind: ErrProviderRejected, StatusCode: resp.StatusCode}

		var pe providerError
		if err := json.Unmarshal(data, &pe); err == nil {
			exErr.ProviderCode = pe.Error
			exErr.ProviderDescription = pe.ErrorDescription
		}

		return TokenResponse{}, false, exErr
	}

	tokens, err := c.decode(data)
	if err != nil {
		return TokenResponse{}, false, &Error{Kind: ErrInvalidResponse, StatusCode: resp.StatusCode, Err: err}
	}

	return tokens, false, nil
}

var (
	errMissingAccessToken = errors.New("missing access_token")
	errMissingIDToken     = errors.New("missing id_token")
	errTokenType          = errors.New("unsupported token_type")
)

func (c *Client) decode(data []byte) (TokenResponse, error) {
	var tokens TokenResponse
	if err := json.Unmarshal(data, &tokens); err != nil {
		return TokenResponse{}, fmt.Errorf("decoding response: %w", err)
	}

	if tokens.AccessToken == "" {
		return TokenResponse{}, errMissingAccessToken
	}
	if tokens.IDToken == "" {
		return TokenResponse{}, errMissingIDToken
	}
	if !tokens.isBearer() {
		return TokenResponse{}, fmt.Errorf("%w: %q", errTokenType, tokens.TokenType)
	}

	// Signature and claims are verified when the session is issued; here
	// only the shape and algorithm of the id token are checked.
	if _, err := jwt.ParseSigned(tokens.IDToken, c.algs); err != nil {
		return TokenResponse{}, fmt.Errorf("parsing id token: %w", err)
	}

	return tokens, nil
}
