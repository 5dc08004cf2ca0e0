package session

import "time"

// Session is an authenticated browser session. It carries identity claims
// only; provider tokens are never stored.
type Session struct {
	ID          string    `json:"id"`
	Subject     string    `json:"subject"`
	Issuer      string    `json:"issuer"`
	Email       string    `json:"email,omitempty"`
	Name        string    `json:"name,omitempty"`
	Groups      []string  `json:"groups,omitempty"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	IssuedAt    time.Time `json:"issuedAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Lifetime returns the time left until the session expires.
func (s Session) Lifetime(now time.Time) time.Duration {
	return s.ExpiresAt.Sub(now)
}
