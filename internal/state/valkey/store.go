// Package statevalkey keeps login attempts in Valkey so that every replica of
// the service sees the same single-use state. Both operations run as Lua
// scripts and are therefore atomic on the server.
package statevalkey

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/valkey-io/valkey-go"

	"github.com/openkcm/auth-callback/internal/pkce"
	"github.com/openkcm/auth-callback/internal/state"
)

const maxIssueAttempts = 3

var (
	ErrTokenCollision = errors.New("generated state token already exists")
	ErrUnexpectedType = errors.New("unexpected script result")
)

// KEYS[1] attempt, ARGV[1] data, ARGV[2] expiry (unix ms), ARGV[3] key ttl (ms)
var issueScript = valkey.NewLuaScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1], 'data', ARGV[1], 'exp', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

// KEYS[1] attempt, KEYS[2] consumed marker, ARGV[1] now (unix ms), ARGV[2] marker ttl (ms)
var consumeScript = valkey.NewLuaScript(`
local exp = redis.call('HGET', KEYS[1], 'exp')
if not exp then
	if redis.call('EXISTS', KEYS[2]) == 1 then
		return {'consumed', ''}
	end
	return {'missing', ''}
end
if tonumber(ARGV[1]) > tonumber(exp) then
	return {'expired', ''}
end
local data = redis.call('HGET', KEYS[1], 'data')
redis.call('DEL', KEYS[1])
local keep = math.max(tonumber(ARGV[2]), tonumber(exp) - tonumber(ARGV[1]), 1)
redis.call('SET', KEYS[2], '1', 'PX', keep)
return {'ok', data}
`)

const (
	resultOK       = "ok"
	resultMissing  = "missing"
	resultConsumed = "consumed"
	resultExpired  = "expired"
)

type Store struct {
	valkey    valkey.Client
	prefix    string
	retention time.Duration
	now       func() time.Time
	newToken  func() string
}

var _ state.Store = (*Store)(nil)

type Option func(*Store)

// WithRetention keeps expired attempts and consumed markers for at least d.
// Without it they are kept for the ttl of the attempt.
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

func NewStore(valkeyClient valkey.Client, prefix string, opts ...Option) *Store {
	s := &Store{
		valkey:   valkeyClient,
		prefix:   strings.TrimSuffix(prefix, ":"),
		now:      time.Now,
		newToken: pkce.Source{}.State,
	}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

func (s *Store) Issue(ctx context.Context, redirectTarget string, ttl time.Duration, opts ...state.Option) (string, error) {
	if ttl <= 0 {
		return "", state.ErrInvalidTTL
	}

	for range maxIssueAttempts {
		token := s.newToken()
		attempt := state.NewAttempt(token, redirectTarget, s.now(), ttl, opts...)

		data, err := json.Marshal(attempt)
		if err != nil {
			return "", fmt.Errorf("marshaling json: %w", err)
		}

		created, err := issueScript.Exec(ctx, s.valkey,
			[]string{s.attemptKey(token)},
			[]string{
				string(data),
				strconv.FormatInt(attempt.ExpiresAt.UnixMilli(), 10),
				strconv.FormatInt((ttl + max(s.retention, ttl)).Milliseconds(), 10),
			},
		).AsInt64()
		if err != nil {
			return "", fmt.Errorf("executing issue script: %w", err)
		}

		if created == 1 {
			return token, nil
		}
	}

	return "", ErrTokenCollision
}

func (s *Store) VerifyAndConsume(ctx context.Context, token string) (state.LoginAttempt, error) {
	res, err := consumeScript.Exec(ctx, s.valkey,
		[]string{s.attemptKey(token), s.consumedKey(token)},
		[]string{
			strconv.FormatInt(s.now().UnixMilli(), 10),
			strconv.FormatInt(s.retention.Milliseconds(), 10),
		},
	).AsStrSlice()
	if err != nil {
		return state.LoginAttempt{}, fmt.Errorf("executing consume script: %w", err)
	}

	if len(res) != 2 {
		return state.LoginAttempt{}, ErrUnexpectedType
	}

	switch res[0] {
	case resultMissing:
		return state.LoginAttempt{}, state.ErrNotFound
	case resultConsumed:
		return state.LoginAttempt{}, state.ErrAlreadyConsumed
	case resultExpired:
		return state.LoginAttempt{}, state.ErrExpired
	case resultOK:
	default:
		return state.LoginAttempt{}, fmt.Errorf("%w: %q", ErrUnexpectedType, res[0])
	}

	var attempt state.LoginAttempt
	if err := json.Unmarshal([]byte(res[1]), &attempt); err != nil {
		return state.LoginAttempt{}, fmt.Errorf("unmarshaling json: %w", err)
	}

	attempt.Consumed = true

	return attempt, nil
}

// Both keys of a token share a hash tag so that the consume script only
// touches a single cluster slot.
func (s *Store) attemptKey(token string) string {
	return fmt.Sprintf("%s:state:{%s}", s.prefix, token)
}

func (s *Store) consumedKey(token string) string {
	return fmt.Sprintf("%s:state-consumed:{%s}", s.prefix, token)
}
