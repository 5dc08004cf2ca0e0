package statevalkey

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openkcm/auth-callback/internal/dbtest/valkeytest"
	"github.com/openkcm/auth-callback/internal/state"
)

func TestStoreKeys(t *testing.T) {
	s := NewStore(nil, "prefix:")

	assert.Equal(t, "prefix:state:{abc}", s.attemptKey("abc"))
	assert.Equal(t, "prefix:state-consumed:{abc}", s.consumedKey("abc"))
}

func TestStore(t *testing.T) {
	ctx := t.Context()
	valkeyClient, _, terminate := valkeytest.Start(ctx)
	defer terminate(ctx)

	t.Run("single use", func(t *testing.T) {
		store := NewStore(valkeyClient, "single", WithRetention(time.Minute))
		token, err := store.Issue(ctx, "/dashboard", time.Minute,
			state.WithNonce("nonce"),
			state.WithPKCEVerifier("verifier"),
		)
		require.NoError(t, err)

		attempt, err := store.VerifyAndConsume(ctx, token)
		require.NoError(t, err)
		assert.Equal(t, token, attempt.StateToken)
		assert.Equal(t, "/dashboard", attempt.RedirectTarget)
		assert.Equal(t, "nonce", attempt.Nonce)
		assert.Equal(t, "verifier", attempt.PKCEVerifier)
		assert.True(t, attempt.Consumed)

		_, err = store.VerifyAndConsume(ctx, token)
		assert.ErrorIs(t, err, state.ErrAlreadyConsumed)
	})

	t.Run("replay without retention", func(t *testing.T) {
		store := NewStore(valkeyClient, "replay")
		token, err := store.Issue(ctx, "/", 5*time.Minute)
		require.NoError(t, err)

		_, err = store.VerifyAndConsume(ctx, token)
		require.NoError(t, err)

		_, err = store.VerifyAndConsume(ctx, token)
		assert.ErrorIs(t, err, state.ErrAlreadyConsumed)

		pttl, err := valkeyClient.Do(ctx, valkeyClient.B().Pttl().Key(store.consumedKey(token)).Build()).AsInt64()
		require.NoError(t, err)
		assert.Greater(t, pttl, int64(4*time.Minute/time.Millisecond))
	})

	t.Run("unknown token", func(t *testing.T) {
		store := NewStore(valkeyClient, "unknown")
		_, err := store.VerifyAndConsume(ctx, "missing")
		assert.ErrorIs(t, err, state.ErrNotFound)
	})

	t.Run("expired token", func(t *testing.T) {
		now := time.Now()
		var offset atomic.Int64
		store := NewStore(valkeyClient, "expired",
			WithRetention(time.Hour),
			WithClock(func() time.Time { return now.Add(time.Duration(offset.Load())) }),
		)
		token, err := store.Issue(ctx, "/", time.Minute)
		require.NoError(t, err)

		offset.Store(int64(2 * time.Minute))

		_, err = store.VerifyAndConsume(ctx, token)
		assert.ErrorIs(t, err, state.ErrExpired)
		_, err = store.VerifyAndConsume(ctx, token)
		assert.ErrorIs(t, err, state.ErrExpired)
	})

	t.Run("collision", func(t *testing.T) {
		store := NewStore(valkeyClient, "collision", WithTokenSource(func() string { return "fixed" }))
		_, err := store.Issue(ctx, "/", time.Minute)
		require.NoError(t, err)

		_, err = store.Issue(ctx, "/", time.Minute)
		assert.ErrorIs(t, err, ErrTokenCollision)
	})

	t.Run("invalid ttl", func(t *testing.T) {
		store := NewStore(valkeyClient, "ttl")
		_, err := store.Issue(ctx, "/", -time.Second)
		assert.ErrorIs(t, err, state.ErrInvalidTTL)
	})

	t.Run("concurrent consume has one winner", func(t *testing.T) {
		store := NewStore(valkeyClient, "concurrent", WithRetention(time.Minute))
		token, err := store.Issue(ctx, "/", time.Minute)
		require.NoError(t, err)

		const workers = 32

		var (
			wg       sync.WaitGroup
			start    = make(chan struct{})
			winners  atomic.Int32
			consumed atomic.Int32
		)

		for range workers {
			wg.Go(func() {
				<-start
				_, err := store.VerifyAndConsume(ctx, token)
				if err == nil {
					winners.Add(1)
				} else if errors.Is(err, state.ErrAlreadyConsumed) {
					consumed.Add(1)
				}
			})
		}

		close(start)
		wg.Wait()

		assert.Equal(t, int32(1), winners.Load())
		assert.Equal(t, int32(workers-1), consumed.Load())
	})
}
