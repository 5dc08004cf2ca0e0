package business

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/openkcm/common-sdk/pkg/commoncfg"
	"github.com/valkey-io/valkey-go"

	otlpaudit "github.com/openkcm/common-sdk/pkg/otlp/audit"
	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/auth-callback/internal/audit"
	"github.com/openkcm/auth-callback/internal/business/server"
	"github.com/openkcm/auth-callback/internal/callback"
	"github.com/openkcm/auth-callback/internal/config"
	"github.com/openkcm/auth-callback/internal/exchange"
	"github.com/openkcm/auth-callback/internal/middleware/ratelimit"
	"github.com/openkcm/auth-callback/internal/oidc"
	"github.com/openkcm/auth-callback/internal/session"
	sessionsql "github.com/openkcm/auth-callback/internal/session/sql"
	sessionvalkey "github.com/openkcm/auth-callback/internal/session/valkey"
	"github.com/openkcm/auth-callback/internal/state"
	statememory "github.com/openkcm/auth-callback/internal/state/memory"
	statevalkey "github.com/openkcm/auth-callback/internal/state/valkey"
)

const (
	keySetTTL   = time.Hour
	dialTimeout = 10 * time.Second
)

var ErrUnknownBackend = errors.New("unknown backend")

// Main starts the public HTTP server serving the login and callback endpoints.
func Main(ctx context.Context, cfg *config.Config) error {
	handlers, closeFn, err := initHandlers(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialising the callback handler: %w", err)
	}
	defer closeFn()

	return server.StartHTTPServer(ctx, cfg, handlers)
}

// resources collects the connections opened while wiring the handlers.
type resources struct {
	valkeyClient valkey.Client
	closers      []func()
}

func (r *resources) close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

// valkey returns the shared valkey client, creating it on first use.
func (r *resources) valkey(cfg *config.Config) (valkey.Client, error) {
	if r.valkeyClient != nil {
		return r.valkeyClient, nil
	}

	client, err := valkeyClientFromConfig(cfg)
	if err != nil {
		return nil, err
	}

	r.valkeyClient = client
	r.closers = append(r.closers, client.Close)

	return client, nil
}

func initHandlers(ctx context.Context, cfg *config.Config) (_ server.Handlers, closeFn func(), err error) {
	res := &resources{}
	defer func() {
		if err != nil {
			res.close()
		}
	}()

	httpClient, err := loadHTTPClient(cfg)
	if err != nil {
		return server.Handlers{}, nil, fmt.Errorf("loading http client: %w", err)
	}

	clientID, err := commoncfg.LoadValueFromSourceRef(cfg.Provider.ClientAuth.ClientID)
	if err != nil {
		return server.Handlers{}, nil, fmt.Errorf("loading client id: %w", err)
	}

	provider, err := oidc.Resolve(ctx, httpClient, cfg.Provider)
	if err != nil {
		return server.Handlers{}, nil, fmt.Errorf("resolving the provider configuration: %w", err)
	}

	exchanger, err := newExchangeClient(cfg, httpClient, provider.TokenEndpoint, string(clientID))
	if err != nil {
		return server.Handlers{}, nil, err
	}

	keys := oidc.NewKeySet(httpClient, provider.JwksURI, keySetTTL, oidc.WithFetchTimeout(cfg.Exchange.Timeout))
	verifier := oidc.NewVerifier(keys, provider.Issuer, string(clientID), provider.IDTokenSigningAlgValuesSupported,
		oidc.WithLeeway(cfg.Provider.Leeway))

	states, err := newStateStore(cfg, res)
	if err != nil {
		return server.Handlers{}, nil, fmt.Errorf("creating the state store: %w", err)
	}

	sessions, err := newSessionRepository(ctx, cfg, res)
	if err != nil {
		return server.Handlers{}, nil, fmt.Errorf("creating the session repository: %w", err)
	}

	issuer, err := session.NewIssuer(verifier, sessions, cfg.Session.Duration)
	if err != nil {
		return server.Handlers{}, nil, fmt.Errorf("creating the session issuer: %w", err)
	}

	auditLogger, err := otlpaudit.NewLogger(&cfg.Audit)
	if err != nil {
		return server.Handlers{}, nil, fmt.Errorf("creating audit logger: %w", err)
	}

	opts := []callback.Option{
		callback.WithRedirectURI(cfg.Provider.RedirectURI),
		callback.WithDefaultRedirect(cfg.Session.DefaultRedirect),
		callback.WithErrorRedirect(cfg.Session.ErrorRedirectURL),
		callback.WithFingerprintBinding(cfg.State.BindFingerprint),
		callback.WithAuditRecorder(audit.NewRecorder(auditLogger)),
	}
	if rl := cfg.State.RateLimit; rl.Enabled {
		opts = append(opts, callback.WithRateLimiter(ratelimit.New(rl.Burst, rl.Every, rl.Idle)))
	}

	handler, err := callback.NewHandler(states, exchanger, issuer, cfg.Session.Cookie, opts...)
	if err != nil {
		return server.Handlers{}, nil, fmt.Errorf("creating the callback handler: %w", err)
	}

	login, err := callback.NewLogin(states, callback.LoginConfig{
		AuthorizationEndpoint:  provider.AuthorizationEndpoint,
		ClientID:               string(clientID),
		RedirectURI:            cfg.Provider.RedirectURI,
		Scopes:                 cfg.Provider.Scopes,
		StateTTL:               cfg.State.TTL,
		DefaultRedirect:        cfg.Session.DefaultRedirect,
		AllowedRedirectOrigins: cfg.Session.AllowedRedirectOrigins,
		BindFingerprint:        cfg.State.BindFingerprint,
	})
	if err != nil {
		return server.Handlers{}, nil, fmt.Errorf("creating the login handler: %w", err)
	}

	slogctx.Info(ctx, "Initialised the callback handler",
		"issuer", provider.Issuer,
		"state_backend", cfg.State.Backend,
		"session_backend", cfg.Session.Backend)

	return server.Handlers{Callback: handler, Login: login}, res.close, nil
}

func newExchangeClient(cfg *config.Config, httpClient *http.Client, tokenEndpoint, clientID string) (*exchange.Client, error) {
	opts := []exchange.ClientOption{
		exchange.WithTimeout(cfg.Exchange.Timeout),
		exchange.WithRetries(cfg.Exchange.MaxRetries, cfg.Exchange.InitialInterval, cfg.Exchange.MaxInterval),
		exchange.WithSigningAlgorithms(oidc.SignatureAlgorithms(cfg.Provider.SigningAlgorithms)),
	}

	switch cfg.Provider.ClientAuth.Type {
	case config.ClientAuthTLS:
		opts = append(opts, exchange.WithTLSClientAuth())
	case config.ClientAuthSecretPost, config.ClientAuthSecretBasic:
		secret, err := commoncfg.LoadValueFromSourceRef(cfg.Provider.ClientAuth.ClientSecret)
		if err != nil {
			return nil, fmt.Errorf("loading client secret: %w", err)
		}

		opts = append(opts, exchange.WithClientSecret(string(secret), cfg.Provider.ClientAuth.Type))
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrInvalidClientAuth, cfg.Provider.ClientAuth.Type)
	}

	return exchange.NewClient(httpClient, tokenEndpoint, clientID, opts...), nil
}

func newStateStore(cfg *config.Config, res *resources) (state.Store, error) {
	switch cfg.State.Backend {
	case config.StateBackendMemory:
		store := statememory.NewStore(cfg.State.CleanupInterval, statememory.WithRetention(cfg.State.Retention))
		return store, nil
	case config.StateBackendValkey:
		client, err := res.valkey(cfg)
		if err != nil {
			return nil, err
		}

		return statevalkey.NewStore(client, cfg.ValKey.Prefix, statevalkey.WithRetention(cfg.State.Retention)), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.State.Backend)
	}
}

func newSessionRepository(ctx context.Context, cfg *config.Config, res *resources) (session.Repository, error) {
	switch cfg.Session.Backend {
	case config.SessionBackendValkey:
		client, err := res.valkey(cfg)
		if err != nil {
			return nil, err
		}

		return sessionvalkey.NewRepository(client, cfg.ValKey.Prefix), nil
	case config.SessionBackendPostgres:
		db, err := newDBPool(ctx, cfg)
		if err != nil {
			return nil, err
		}
		res.closers = append(res.closers, db.Close)

		return sessionsql.NewRepository(db), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Session.Backend)
	}
}

func newDBPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	connStr, err := config.MakeConnStr(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("making dsn from config: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parsing dsn: %w", err)
	}
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

	db, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("initialising pgxpool connection: %w", err)
	}

	return db, nil
}

func valkeyClientFromConfig(cfg *config.Config) (valkey.Client, error) {
	valkeyHost, err := commoncfg.LoadValueFromSourceRef(cfg.ValKey.Host)
	if err != nil {
		return nil, fmt.Errorf("failed to load valkey host: %w", err)
	}

	valkeyUsername, err := commoncfg.LoadValueFromSourceRef(cfg.ValKey.User)
	if err != nil {
		return nil, fmt.Errorf("failed to load valkey username: %w", err)
	}

	valkeyPassword, err := commoncfg.LoadValueFromSourceRef(cfg.ValKey.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to load valkey password: %w", err)
	}

	valkeyOpts := valkey.ClientOption{
		InitAddress: []string{string(valkeyHost)},
		Username:    string(valkeyUsername),
		Password:    string(valkeyPassword),
		Dialer:      net.Dialer{Timeout: dialTimeout},
	}

	if cfg.ValKey.SecretRef.Type == commoncfg.MTLSSecretType {
		tlsConfig, err := commoncfg.LoadMTLSConfig(&cfg.ValKey.SecretRef.MTLS)
		if err != nil {
			return nil, fmt.Errorf("failed to load valkey mTLS config from secret ref: %w", err)
		}

		valkeyOpts.TLSConfig = tlsConfig
	}

	valkeyClient, err := valkey.NewClient(valkeyOpts)
	if err != nil {
		return nil, fmt.Errorf("creating a new valkey client: %w", err)
	}

	return valkeyClient, nil
}

// loadHTTPClient returns the client used for discovery, key set and token
// requests. With tls_client_auth it presents the configured certificate.
func loadHTTPClient(cfg *config.Config) (*http.Client, error) {
	transport, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return nil, errors.New("unexpected default transport")
	}
	transport = transport.Clone()

	if cfg.Provider.ClientAuth.Type == config.ClientAuthTLS {
		tlsConfig, err := commoncfg.LoadMTLSConfig(&cfg.Provider.ClientAuth.SecretRef.MTLS)
		if err != nil {
			return nil, fmt.Errorf("failed to load mTLS config: %w", err)
		}

		transport.TLSClientConfig = tlsConfig
	}

	return &http.Client{Transport: transport}, nil
}
