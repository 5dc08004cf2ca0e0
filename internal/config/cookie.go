package config

import (
	"net/http"
	"time"
)

func (ct *CookieTemplate) ToCookie(value string) *http.Cookie {
	var sameSite http.SameSite
	switch ct.SameSite {
	case CookieSameSiteNone:
		sameSite = http.SameSiteNoneMode
	case CookieSameSiteLax:
		sameSite = http.SameSiteLaxMode
	case CookieSameSiteStrict:
		sameSite = http.SameSiteStrictMode
	}

	return &http.Cookie{
		Name:     ct.Name,
		Value:    value,
		MaxAge:   ct.MaxAge,
		Path:     ct.Path,
		Domain:   ct.Domain,
		Secure:   ct.Secure,
		HttpOnly: ct.HTTPOnly,
		SameSite: sameSite,
	}
}

// ToSessionCookie builds the cookie carrying a session id. When the template
// leaves MaxAge unset the cookie lives as long as the session.
func (ct *CookieTemplate) ToSessionCookie(value string, lifetime time.Duration) *http.Cookie {
	c := ct.ToCookie(value)
	if c.MaxAge == 0 && lifetime > 0 {
		c.MaxAge = int(lifetime.Seconds())
	}

	return c
}
