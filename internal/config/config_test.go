package config_test

import (
	"os"
	"testing"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/openkcm/common-sdk/pkg/commoncfg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openkcm/auth-callback/internal/config"
)

func validConfig() *config.Config {
	return &config.Config{
		Provider: config.Provider{
			Issuer:      "https://idp.example.com",
			RedirectURI: "https://app.example.com/auth-callback",
			ClientAuth:  config.ClientAuth{Type: config.ClientAuthSecretPost},
		},
		Exchange: config.Exchange{Timeout: 8 * time.Second},
		State:    config.State{Backend: config.StateBackendMemory, TTL: 10 * time.Minute},
		Session:  config.Session{Backend: config.SessionBackendValkey, Duration: time.Hour},
	}
}

func TestExampleConfig(t *testing.T) {
	data, err := os.ReadFile("../../config.yaml")
	require.NoError(t, err)

	cfg := &config.Config{}
	require.NoError(t, yaml.Unmarshal(data, cfg))

	assert.Equal(t, "auth-callback", cfg.Application.Name)
	assert.Equal(t, config.StateBackendMemory, cfg.State.Backend)
	assert.Equal(t, 10*time.Minute, cfg.State.TTL)
	assert.Equal(t, 8*time.Second, cfg.Exchange.Timeout)
	assert.Equal(t, uint(2), cfg.Exchange.MaxRetries)
	assert.Equal(t, config.CookieSameSiteLax, cfg.Session.Cookie.SameSite)
	assert.Equal(t, []string{"RS256", "ES256"}, cfg.Provider.SigningAlgorithms)
	assert.NoError(t, cfg.Validate())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *config.Config)
		wantErr error
	}{
		{
			name:   "valid",
			mutate: func(*config.Config) {},
		},
		{
			name:    "unknown state backend",
			mutate:  func(c *config.Config) { c.State.Backend = "etcd" },
			wantErr: config.ErrInvalidBackend,
		},
		{
			name:    "unknown session backend",
			mutate:  func(c *config.Config) { c.Session.Backend = "memory" },
			wantErr: config.ErrInvalidBackend,
		},
		{
			name:    "zero session duration",
			mutate:  func(c *config.Config) { c.Session.Duration = 0 },
			wantErr: config.ErrInvalidDuration,
		},
		{
			name:    "negative state ttl",
			mutate:  func(c *config.Config) { c.State.TTL = -time.Second },
			wantErr: config.ErrInvalidDuration,
		},
		{
			name:    "relative redirect uri",
			mutate:  func(c *config.Config) { c.Provider.RedirectURI = "/auth-callback" },
			wantErr: config.ErrInvalidURL,
		},
		{
			name:    "missing issuer",
			mutate:  func(c *config.Config) { c.Provider.Issuer = "" },
			wantErr: config.ErrMissingValue,
		},
		{
			name:    "unknown client auth",
			mutate:  func(c *config.Config) { c.Provider.ClientAuth.Type = "private_key_jwt" },
			wantErr: config.ErrInvalidClientAuth,
		},
		{
			name:    "tls client auth without secret ref",
			mutate:  func(c *config.Config) { c.Provider.ClientAuth.Type = config.ClientAuthTLS },
			wantErr: config.ErrMissingValue,
		},
		{
			name: "tls client auth with secret ref",
			mutate: func(c *config.Config) {
				c.Provider.ClientAuth.Type = config.ClientAuthTLS
				c.Provider.ClientAuth.SecretRef.Type = commoncfg.MTLSSecretType
			},
		},
		{
			name:    "bad allowed origin",
			mutate:  func(c *config.Config) { c.Session.AllowedRedirectOrigins = []string{"example.com"} },
			wantErr: config.ErrInvalidURL,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}

			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}
