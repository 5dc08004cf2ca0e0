// Package statememory keeps login attempts in process memory. It is meant for
// single instance deployments; use the valkey backend when several replicas
// serve the callback.
package statememory

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/openkcm/auth-callback/internal/pkce"
	"github.com/openkcm/auth-callback/internal/state"
)

const (
	defaultCleanupInterval = time.Minute
	maxIssueAttempts       = 3
)

var ErrTokenCollision = errors.New("generated state token already exists")

type entry struct {
	attempt  state.LoginAttempt
	consumed atomic.Bool
}

type Store struct {
	entries   *cache.Cache
	retention time.Duration
	now       func() time.Time
	newToken  func() string
}

var _ state.Store = (*Store)(nil)

type Option func(*Store)

// WithRetention keeps expired and consumed attempts around for at least d so
// that a late presentation is reported as expired or consumed instead of
// unknown. Without it they are kept for the ttl of the attempt.
func WithRetention(d time.Duration) Option {
	return func(s *Store) {
		s.retention = d
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

func WithTokenSource(newToken func() string) Option {
	return func(s *Store) {
		s.newToken = newToken
	}
}

// NewStore creates a store whose janitor evicts stale entries every
// cleanupInterval.
func NewStore(cleanupInterval time.Duration, opts ...Option) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = defaultCleanupInterval
	}

	s := &Store{
		entries:  cache.New(cache.NoExpiration, cleanupInterval),
		now:      time.Now,
		newToken: pkce.Source{}.State,
	}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

func (s *Store) Issue(_ context.Context, redirectTarget string, ttl time.Duration, opts ...state.Option) (string, error) {
	if ttl <= 0 {
		return "", state.ErrInvalidTTL
	}

	for range maxIssueAttempts {
		token := s.newToken()
		e := &entry{attempt: state.NewAttempt(token, redirectTarget, s.now(), ttl, opts...)}

		if err := s.entries.Add(token, e, ttl+s.grace(ttl)); err == nil {
			return token, nil
		}
	}

	return "", ErrTokenCollision
}

func (s *Store) VerifyAndConsume(_ context.Context, token string) (state.LoginAttempt, error) {
	v, ok := s.entries.Get(token)
	if !ok {
		return state.LoginAttempt{}, state.ErrNotFound
	}

	e, ok := v.(*entry)
	if !ok {
		return state.LoginAttempt{}, state.ErrNotFound
	}

	if e.consumed.Load() {
		return state.LoginAttempt{}, state.ErrAlreadyConsumed
	}

	if e.attempt.Expired(s.now()) {
		return state.LoginAttempt{}, state.ErrExpired
	}

	if !e.consumed.CompareAndSwap(false, true) {
		return state.LoginAttempt{}, state.ErrAlreadyConsumed
	}

	// The consumed entry only serves as a tombstone from now on. It outlives
	// the attempt so that a replay is reported as consumed.
	s.entries.Set(token, e, max(s.retention, e.attempt.ExpiresAt.Sub(s.now()), time.Millisecond))

	attempt := e.attempt
	attempt.Consumed = true

	return attempt, nil
}

// grace is how long an expired attempt is kept to be reported as expired.
func (s *Store) grace(ttl time.Duration) time.Duration {
	return max(s.retention, ttl)
}

// Len returns the number of entries including tombstones.
func (s *Store) Len() int {
	return s.entries.ItemCount()
}
