package oidc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/openkcm/auth-callback/internal/config"
)

const (
	wellKnownPath    = "/.well-known/openid-configuration"
	discoveryTimeout = 10 * time.Second
)

var (
	ErrIssuerMismatch  = errors.New("issuer in discovery document does not match")
	ErrMissingEndpoint = errors.New("missing endpoint")
	ErrDiscovery       = errors.New("fetching openid configuration")
)

// Configuration. Usually accessible from the well-known openid-configuration URL.
// It's a subset of https://openid.net/specs/openid-connect-discovery-1_0.html#ProviderMetadata
type Configuration struct {
	Issuer                            string   `json:"issuer,omitempty"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint,omitempty"`
	TokenEndpoint                     string   `json:"token_endpoint,omitempty"`
	UserinfoEndpoint                  string   `json:"userinfo_endpoint,omitempty"`
	JwksURI                           string   `json:"jwks_uri,omitempty"`
	ResponseTypesSupported            []string `json:"response_types_supported,omitempty"`
	GrantTypesSupported               []string `json:"grant_types_supported,omitempty"`
	SubjectTypesSupported             []string `json:"subject_types_supported,omitempty"`
	IDTokenSigningAlgValuesSupported  []string `json:"id_token_signing_alg_values_supported,omitempty"`
	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported,omitempty"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported,omitempty"`
}

// Discover fetches the openid configuration of the issuer.
func Discover(ctx context.Context, httpClient *http.Client, issuer string) (Configuration, error) {
	ctx, cancel := context.WithTimeout(ctx, discoveryTimeout)
	defer cancel()

	uri := strings.TrimSuffix(issuer, "/") + wellKnownPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return Configuration{}, fmt.Errorf("creating a new HTTP request: %w", err)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return Configuration{}, errors.Join(ErrDiscovery, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Configuration{}, fmt.Errorf("%w: unexpected status %d", ErrDiscovery, resp.StatusCode)
	}

	var conf Configuration
	if err := json.NewDecoder(resp.Body).Decode(&conf); err != nil {
		return Configuration{}, fmt.Errorf("decoding openid configuration: %w", err)
	}

	if strings.TrimSuffix(conf.Issuer, "/") != strings.TrimSuffix(issuer, "/") {
		return Configuration{}, fmt.Errorf("%w: got %q, want %q", ErrIssuerMismatch, conf.Issuer, issuer)
	}

	return conf, nil
}

// Resolve returns the provider configuration. Endpoints set explicitly in cfg
// take precedence; discovery is only performed when one of them is missing.
func Resolve(ctx context.Context, httpClient *http.Client, cfg config.Provider) (Configuration, error) {
	conf := Configuration{
		Issuer:                           cfg.Issuer,
		AuthorizationEndpoint:            cfg.AuthorizationEndpoint,
		TokenEndpoint:                    cfg.TokenEndpoint,
		JwksURI:                          cfg.JWKSURI,
		IDTokenSigningAlgValuesSupported: cfg.SigningAlgorithms,
	}

	if conf.AuthorizationEndpoint == "" || conf.TokenEndpoint == "" || conf.JwksURI == "" {
		discovered, err := Discover(ctx, httpClient, cfg.Issuer)
		if err != nil {
			return Configuration{}, err
		}

		if conf.AuthorizationEndpoint == "" {
			conf.AuthorizationEndpoint = discovered.AuthorizationEndpoint
		}
		if conf.TokenEndpoint == "" {
			conf.TokenEndpoint = discovered.TokenEndpoint
		}
		if conf.JwksURI == "" {
			conf.JwksURI = discovered.JwksURI
		}
		if len(conf.IDTokenSigningAlgValuesSupported) == 0 {
			conf.IDTokenSigningAlgValuesSupported = discovered.IDTokenSigningAlgValuesSupported
		}
	}

	var errs []error
	for name, v := range map[string]string{
		"authorization_endpoint": conf.AuthorizationEndpoint,
		"token_endpoint":         conf.TokenEndpoint,
		"jwks_uri":               conf.JwksURI,
	} {
		if v == "" {
			errs = append(errs, fmt.Errorf("%w: %s", ErrMissingEndpoint, name))
		}
	}

	return conf, errors.Join(errs...)
}
