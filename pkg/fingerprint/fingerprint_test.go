package fingerprint

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromHTTPRequest(t *testing.T) {
	tests := []struct {
		name      string
		req       *http.Request
		wantError bool
	}{
		{
			name:      "nil request",
			wantError: true,
		}, {
			name: "empty request",
			req:  httptest.NewRequest(http.MethodGet, "/", nil),
		}, {
			name: "normal request",
			req: func() *http.Request {
				r := httptest.NewRequest(http.MethodGet, "/", nil)
				r.Header.Set("User-Agent", "Foo")
				r.Header.Set("Accept", "Bar")
				return r
			}(),
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			fp, err := FromHTTPRequest(tc.req)
			if tc.wantError {
				assert.ErrorIs(t, err, ErrNilRequest)
				return
			}

			require.NoError(t, err)
			assert.Len(t, fp, 64)

			again, err := FromHTTPRequest(tc.req)
			require.NoError(t, err)
			assert.True(t, Matches(fp, again))
		})
	}
}

func TestFromHTTPRequest_HeaderBoundaries(t *testing.T) {
	r1 := httptest.NewRequest(http.MethodGet, "/", nil)
	r1.Header.Set("User-Agent", "ab")
	r1.Header.Set("Accept", "c")

	r2 := httptest.NewRequest(http.MethodGet, "/", nil)
	r2.Header.Set("User-Agent", "a")
	r2.Header.Set("Accept", "bc")

	fp1, err := FromHTTPRequest(r1)
	require.NoError(t, err)
	fp2, err := FromHTTPRequest(r2)
	require.NoError(t, err)

	assert.False(t, Matches(fp1, fp2))
}

func TestFingerprintCtxMiddleware(t *testing.T) {
	var got string
	handler := FingerprintCtxMiddleware(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		fp, err := ExtractFingerprint(r.Context())
		require.NoError(t, err)
		got = fp
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("User-Agent", "Foo")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	want, err := FromHTTPRequest(req)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = ExtractFingerprint(t.Context())
	assert.ErrorIs(t, err, ErrNoFingerprint)
}
