package sessionvalkey

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openkcm/auth-callback/internal/dbtest/valkeytest"
	"github.com/openkcm/auth-callback/internal/serviceerr"
)

func TestNewStore(t *testing.T) {
	tests := []struct {
		name       string
		prefix     string
		wantPrefix string
	}{
		{name: "keeps prefix", prefix: "test-prefix", wantPrefix: "test-prefix"},
		{name: "trims trailing colon from prefix", prefix: "test-prefix:", wantPrefix: "test-prefix"},
		{name: "trims only last trailing colon", prefix: "test:prefix:", wantPrefix: "test:prefix"},
		{name: "handles empty prefix", prefix: "", wantPrefix: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newStore(nil, tt.prefix)
			assert.Equal(t, tt.wantPrefix, store.prefix)
		})
	}
}

func TestStoreKey(t *testing.T) {
	store := newStore(nil, "prefix")

	assert.Equal(t, "prefix:session:session-123", store.key(objectTypeSession, "session-123"))
	assert.Equal(t, "prefix:session:session:with:colons", store.key(objectTypeSession, "session:with:colons"))
}

func TestStoreEncodeDecode(t *testing.T) {
	store := newStore(nil, "prefix")

	t.Run("returns error for invalid data", func(t *testing.T) {
		_, err := store.encode(make(chan int))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "marshaling json")
	})

	t.Run("returns error for invalid JSON", func(t *testing.T) {
		var decoded map[string]string
		err := store.decode([]byte(`{invalid json}`), &decoded)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unmarshaling json")
	})
}

func TestStoreSetGetDestroy(t *testing.T) {
	ctx := t.Context()
	valkeyClient, _, terminate := valkeytest.Start(ctx)
	defer terminate(ctx)

	// Use unique prefix for each test run
	prefix := "store-test-" + strings.ReplaceAll(time.Now().Format("20060102150405.000"), ".", "-")
	store := newStore(valkeyClient, prefix)

	t.Run("set and get data successfully", func(t *testing.T) {
		data := map[string]string{"id": "test-1"}
		require.NoError(t, store.Set(ctx, objectTypeSession, "test-id-1", data, 5*time.Minute))

		var result map[string]string
		require.NoError(t, store.Get(ctx, objectTypeSession, "test-id-1", &result))
		assert.Equal(t, data, result)
	})

	t.Run("get returns not found for non-existent key", func(t *testing.T) {
		var result map[string]string
		err := store.Get(ctx, objectTypeSession, "non-existent-key", &result)
		assert.ErrorIs(t, err, serviceerr.ErrNotFound)
	})

	t.Run("set keeps an existing key", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, objectTypeSession, "test-id-4", "first", 5*time.Minute))

		err := store.Set(ctx, objectTypeSession, "test-id-4", "second", 5*time.Minute)
		require.ErrorIs(t, err, serviceerr.ErrConflict)

		var result string
		require.NoError(t, store.Get(ctx, objectTypeSession, "test-id-4", &result))
		assert.Equal(t, "first", result)
	})

	t.Run("rejects non positive ttl", func(t *testing.T) {
		err := store.Set(ctx, objectTypeSession, "test-id-0", "x", 0)
		assert.ErrorIs(t, err, ErrInvalidTTL)
	})

	t.Run("set and destroy data successfully", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, objectTypeSession, "test-id-2", "value", 5*time.Minute))
		require.NoError(t, store.Destroy(ctx, objectTypeSession, "test-id-2"))

		var result string
		err := store.Get(ctx, objectTypeSession, "test-id-2", &result)
		assert.ErrorIs(t, err, serviceerr.ErrNotFound)
	})

	t.Run("destroy non-existent key does not error", func(t *testing.T) {
		require.NoError(t, store.Destroy(ctx, objectTypeSession, "non-existent-key-destroy"))
	})

	t.Run("set with expiration expires correctly", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, objectTypeSession, "test-id-3", "temporary", time.Second))

		var result string
		require.NoError(t, store.Get(ctx, objectTypeSession, "test-id-3", &result))

		assert.Eventually(t, func() bool {
			return store.Get(ctx, objectTypeSession, "test-id-3", &result) != nil
		}, 5*time.Second, 100*time.Millisecond)
	})
}
