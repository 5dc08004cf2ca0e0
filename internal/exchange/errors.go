package exchange

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrProviderRejected is returned when the token endpoint answered with
	// an error. It is never retried.
	ErrProviderRejected = errors.New("token request rejected by provider")
	// ErrTransport is returned when the token endpoint could not be reached
	// or the response could not be read.
	ErrTransport = errors.New("token request transport failure")
	// ErrInvalidResponse is returned for a successful status with an unusable body.
	ErrInvalidResponse = errors.New("invalid token response")
)

// Error describes a failed exchange. Kind is one of the sentinel errors above.
type Error struct {
	Kind                error
	StatusCode          int
	ProviderCode        string
	ProviderDescription string
	Attempts            int
	Err                 error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())

	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": status %d", e.StatusCode)
	}
	if e.ProviderCode != "" {
		fmt.Fprintf(&b, ": %s", e.ProviderCode)
	}
	if e.ProviderDescription != "" {
		fmt.Fprintf(&b, " (%s)", e.ProviderDescription)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}

	return b.String()
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}

	return []error{e.Kind, e.Err}
}

// providerError is the error body defined in RFC 6749 section 5.2.
type providerError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}
