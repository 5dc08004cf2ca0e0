package exchange

import (
	"fmt"
	"log/slog"
	"strings"
)

const redacted = "[REDACTED]"

// TokenResponse is the successful answer of the token endpoint. It holds
// bearer credentials and is never persisted or logged in clear text.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	IDToken      string `json:"id_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

func (t TokenResponse) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("token_type", t.TokenType),
		slog.Int64("expires_in", t.ExpiresIn),
		slog.String("scope", t.Scope),
		slog.Bool("has_refresh_token", t.RefreshToken != ""),
	)
}

func (t TokenResponse) String() string {
	return fmt.Sprintf("TokenResponse{token_type=%s expires_in=%d scope=%q access_token=%s id_token=%s refresh_token=%s}",
		t.TokenType, t.ExpiresIn, t.Scope, mask(t.AccessToken), mask(t.IDToken), mask(t.RefreshToken))
}

func (t TokenResponse) GoString() string {
	return t.String()
}

func (t TokenResponse) isBearer() bool {
	return strings.EqualFold(t.TokenType, "Bearer")
}

func mask(s string) string {
	if s == "" {
		return ""
	}

	return redacted
}
