package oidc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/patrickmn/go-cache"
)

const (
	defaultKeySetTTL    = time.Hour
	defaultFetchTimeout = 5 * time.Second
	keySetCacheKey      = "jwks"
)

var ErrFetchKeySet = errors.New("fetching jwks")

// KeySet fetches the provider's signing keys and caches them for a while.
type KeySet struct {
	uri          string
	httpClient   *http.Client
	cache        *cache.Cache
	fetchTimeout time.Duration
}

type KeySetOption func(*KeySet)

// WithFetchTimeout bounds a single key set download. Keys are fetched on the
// callback path, so a stalled endpoint must not hold the request.
func WithFetchTimeout(d time.Duration) KeySetOption {
	return func(k *KeySet) {
		if d > 0 {
			k.fetchTimeout = d
		}
	}
}

func NewKeySet(httpClient *http.Client, uri string, ttl time.Duration, opts ...KeySetOption) *KeySet {
	if ttl <= 0 {
		ttl = defaultKeySetTTL
	}

	k := &KeySet{
		uri:          uri,
		httpClient:   httpClient,
		cache:        cache.New(ttl, 2*ttl),
		fetchTimeout: defaultFetchTimeout,
	}
	for _, opt := range opts {
		opt(k)
	}

	return k
}

// Keys returns the cached key set or fetches it when the cache is empty or
// refresh is requested.
func (k *KeySet) Keys(ctx context.Context, refresh bool) (*jose.JSONWebKeySet, error) {
	if !refresh {
		if v, ok := k.cache.Get(keySetCacheKey); ok {
			if keySet, ok := v.(*jose.JSONWebKeySet); ok {
				return keySet, nil
			}
		}
	}

	keySet, err := k.fetch(ctx)
	if err != nil {
		return nil, err
	}

	k.cache.SetDefault(keySetCacheKey, keySet)

	return keySet, nil
}

func (k *KeySet) fetch(ctx context.Context) (*jose.JSONWebKeySet, error) {
	ctx, cancel := context.WithTimeout(ctx, k.fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, k.uri, nil)
	if err != nil {
		return nil, fmt.Errorf("creating a new HTTP request: %w", err)
	}

	resp, err := k.httpClient.Do(req)
	if err != nil {
		return nil, errors.Join(ErrFetchKeySet, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: unexpected status %d", ErrFetchKeySet, resp.StatusCode)
	}

	var keySet jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&keySet); err != nil {
		return nil, fmt.Errorf("decoding keyset response: %w", err)
	}

	return &keySet, nil
}
