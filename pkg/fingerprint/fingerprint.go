// Package fingerprint derives a weak client fingerprint from request headers.
// It binds a login attempt to the browser that started it.
package fingerprint

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/http"

	slogctx "github.com/veqryn/slog-context"
)

var headerKeys = []string{"user-agent", "accept"}

var (
	ErrNilRequest    = errors.New("http request is nil")
	ErrNoFingerprint = errors.New("no fingerprint in ctx")
)

type ctxKey string

const fingerprintKey ctxKey = "fingerprint"

func FromHTTPRequest(r *http.Request) (string, error) {
	if r == nil {
		return "", ErrNilRequest
	}

	h := sha256.New()

	for _, key := range headerKeys {
		val := r.Header.Get(key)
		slogctx.Debug(r.Context(), "Building fingerprint", "header", key, "value", val)
		h.Write([]byte(val))
		h.Write([]byte{0})
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// Matches compares two fingerprints in constant time.
func Matches(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func FingerprintCtxMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fp, _ := FromHTTPRequest(r)
		ctxWithFP := context.WithValue(r.Context(), fingerprintKey, fp)
		next.ServeHTTP(w, r.WithContext(ctxWithFP))
	})
}

func ExtractFingerprint(ctx context.Context) (string, error) {
	fp, ok := ctx.Value(fingerprintKey).(string)
	if !ok {
		return "", ErrNoFingerprint
	}
	return fp, nil
}
