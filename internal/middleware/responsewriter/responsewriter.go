// Package responsewriter wraps the response writer of a request so that
// middlewares can see the status code the handler wrote.
package responsewriter

import (
	"net/http"
)

// StatusRecorder remembers the first status code written through it.
type StatusRecorder struct {
	http.ResponseWriter

	status int
}

// Wrap returns w wrapped in a StatusRecorder. A writer that is already
// wrapped is returned as is.
func Wrap(w http.ResponseWriter) *StatusRecorder {
	if rec, ok := w.(*StatusRecorder); ok {
		return rec
	}

	return &StatusRecorder{ResponseWriter: w}
}

func (s *StatusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}

	s.ResponseWriter.WriteHeader(code)
}

func (s *StatusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}

	return s.ResponseWriter.Write(b)
}

// Status returns the written status code, http.StatusOK if nothing was written yet.
func (s *StatusRecorder) Status() int {
	if s.status == 0 {
		return http.StatusOK
	}

	return s.status
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (s *StatusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

// ResponseWriterMiddleware wraps the response writer of every request in a StatusRecorder.
func ResponseWriterMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(Wrap(w), r)
	})
}
