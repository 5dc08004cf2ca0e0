// Package config defines the necessary types to configure the application.
// An example config file config.yaml is provided in the repository.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/openkcm/common-sdk/pkg/commoncfg"
)

const (
	StateBackendMemory = "memory"
	StateBackendValkey = "valkey"

	SessionBackendValkey   = "valkey"
	SessionBackendPostgres = "postgres"
)

const (
	ClientAuthSecretPost  = "client_secret_post"
	ClientAuthSecretBasic = "client_secret_basic"
	ClientAuthTLS         = "tls_client_auth"
)

type Config struct {
	commoncfg.BaseConfig `mapstructure:",squash" yaml:",inline"`

	HTTP HTTPServer `yaml:"http"`

	Database    Database    `yaml:"database"`
	ValKey      ValKey      `yaml:"valkey"`
	Migrate     Migrate     `yaml:"migrate"`
	Provider    Provider    `yaml:"provider"`
	Exchange    Exchange    `yaml:"exchange"`
	State       State       `yaml:"state"`
	Session     Session     `yaml:"session"`
	Housekeeper Housekeeper `yaml:"housekeeper"`
}

type HTTPServer struct {
	Address         string        `yaml:"address" default:":8080"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" default:"5s"`
	// TrustProxyHeaders makes the server take the client address from
	// X-Forwarded-For / X-Real-IP. Enable only behind a trusted proxy.
	TrustProxyHeaders bool `yaml:"trustProxyHeaders"`
}

type Database struct {
	Name     string              `yaml:"name"`
	Port     string              `yaml:"port"`
	Host     commoncfg.SourceRef `yaml:"host"`
	User     commoncfg.SourceRef `yaml:"user"`
	Password commoncfg.SourceRef `yaml:"password"`
	SSLMode  string              `yaml:"sslMode"`
}

type ValKey struct {
	Host      commoncfg.SourceRef `yaml:"host"`
	User      commoncfg.SourceRef `yaml:"user"`
	Password  commoncfg.SourceRef `yaml:"password"`
	Prefix    string              `yaml:"prefix" default:"auth-callback"`
	SecretRef commoncfg.SecretRef `yaml:"secretRef"`
}

// Migrate selects where migrations are read from. Empty means the migrations
// compiled into the binary.
type Migrate struct {
	Source string `yaml:"source"`
}

// Provider describes the OpenID Connect provider the service authenticates against.
// Endpoints left empty are taken from the discovery document of the issuer.
type Provider struct {
	Issuer                string        `yaml:"issuer"`
	AuthorizationEndpoint string        `yaml:"authorizationEndpoint"`
	TokenEndpoint         string        `yaml:"tokenEndpoint"`
	JWKSURI               string        `yaml:"jwksURI"`
	RedirectURI           string        `yaml:"redirectURI"`
	Scopes                []string      `yaml:"scopes" default:"[\"openid\",\"profile\",\"email\"]"`
	SigningAlgorithms     []string      `yaml:"signingAlgorithms" default:"[\"RS256\"]"`
	Leeway                time.Duration `yaml:"leeway" default:"30s"`
	ClientAuth            ClientAuth    `yaml:"clientAuth"`
}

type ClientAuth struct {
	Type         string              `yaml:"type" default:"client_secret_post"`
	ClientID     commoncfg.SourceRef `yaml:"clientID"`
	ClientSecret commoncfg.SourceRef `yaml:"clientSecret"`
	SecretRef    commoncfg.SecretRef `yaml:"secretRef"`
}

type Exchange struct {
	Timeout         time.Duration `yaml:"timeout" default:"8s"`
	MaxRetries      uint          `yaml:"maxRetries" default:"2"`
	InitialInterval time.Duration `yaml:"initialInterval" default:"200ms"`
	MaxInterval     time.Duration `yaml:"maxInterval" default:"2s"`
}

type State struct {
	Backend         string        `yaml:"backend" default:"memory"`
	TTL             time.Duration `yaml:"ttl" default:"10m"`
	Retention       time.Duration `yaml:"retention" default:"10m"`
	CleanupInterval time.Duration `yaml:"cleanupInterval" default:"1m"`
	BindFingerprint bool          `yaml:"bindFingerprint"`
	RateLimit       RateLimit     `yaml:"rateLimit"`
}

// RateLimit bounds the number of rejected callbacks a single client may cause.
type RateLimit struct {
	Enabled bool          `yaml:"enabled" default:"true"`
	Burst   int           `yaml:"burst" default:"10"`
	Every   time.Duration `yaml:"every" default:"1m"`
	Idle    time.Duration `yaml:"idle" default:"15m"`
}

type Session struct {
	Backend                string         `yaml:"backend" default:"valkey"`
	Duration               time.Duration  `yaml:"duration" default:"12h"`
	Cookie                 CookieTemplate `yaml:"cookie"`
	DefaultRedirect        string         `yaml:"defaultRedirect" default:"/"`
	AllowedRedirectOrigins []string       `yaml:"allowedRedirectOrigins"`
	ErrorRedirectURL       string         `yaml:"errorRedirectURL"`
}

type Housekeeper struct {
	TriggerInterval time.Duration `yaml:"triggerInterval" default:"1h"`
}

type CookieTemplate struct {
	Name     string         `yaml:"name" default:"__Host-Http-SESSION"`
	MaxAge   int            `yaml:"maxAge"`
	Path     string         `yaml:"path" default:"/"`
	Domain   string         `yaml:"domain"`
	Secure   bool           `yaml:"secure" default:"true"`
	SameSite CookieSameSite `yaml:"sameSite" default:"Lax"`
	HTTPOnly bool           `yaml:"httpOnly" default:"true"`
}

type CookieSameSite string

const (
	CookieSameSiteNone   CookieSameSite = "None"
	CookieSameSiteLax    CookieSameSite = "Lax"
	CookieSameSiteStrict CookieSameSite = "Strict"
)

var (
	ErrInvalidBackend    = errors.New("invalid backend")
	ErrInvalidDuration   = errors.New("duration must be positive")
	ErrInvalidURL        = errors.New("invalid url")
	ErrMissingValue      = errors.New("missing value")
	ErrInvalidClientAuth = errors.New("invalid client auth type")
)

// Validate checks the callback specific settings. Settings of the common
// base config are validated by the common-sdk loader.
func (c *Config) Validate() error {
	var errs []error

	switch c.State.Backend {
	case StateBackendMemory, StateBackendValkey:
	default:
		errs = append(errs, fmt.Errorf("state.backend %q: %w", c.State.Backend, ErrInvalidBackend))
	}

	switch c.Session.Backend {
	case SessionBackendValkey, SessionBackendPostgres:
	default:
		errs = append(errs, fmt.Errorf("session.backend %q: %w", c.Session.Backend, ErrInvalidBackend))
	}

	switch c.Provider.ClientAuth.Type {
	case ClientAuthSecretPost, ClientAuthSecretBasic:
	case ClientAuthTLS:
		if c.Provider.ClientAuth.SecretRef.Type != commoncfg.MTLSSecretType {
			errs = append(errs, fmt.Errorf("provider.clientAuth.secretRef: %w", ErrMissingValue))
		}
	default:
		errs = append(errs, fmt.Errorf("provider.clientAuth.type %q: %w", c.Provider.ClientAuth.Type, ErrInvalidClientAuth))
	}

	for name, d := range map[string]time.Duration{
		"state.ttl":        c.State.TTL,
		"session.duration": c.Session.Duration,
		"exchange.timeout": c.Exchange.Timeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s: %w", name, ErrInvalidDuration))
		}
	}

	if c.Provider.Issuer == "" {
		errs = append(errs, fmt.Errorf("provider.issuer: %w", ErrMissingValue))
	}

	if err := validateAbsURL(c.Provider.RedirectURI); err != nil {
		errs = append(errs, fmt.Errorf("provider.redirectURI: %w", err))
	}

	for _, origin := range c.Session.AllowedRedirectOrigins {
		if err := validateAbsURL(origin); err != nil {
			errs = append(errs, fmt.Errorf("session.allowedRedirectOrigins %q: %w", origin, err))
		}
	}

	if c.Session.ErrorRedirectURL != "" {
		if _, err := url.Parse(c.Session.ErrorRedirectURL); err != nil {
			errs = append(errs, fmt.Errorf("session.errorRedirectURL: %w", ErrInvalidURL))
		}
	}

	return errors.Join(errs...)
}

func validateAbsURL(s string) error {
	if s == "" {
		return ErrMissingValue
	}

	u, err := url.Parse(s)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ErrInvalidURL
	}

	return nil
}
