package callback

import (
	"encoding/json"
	"net/http"
	"net/url"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/auth-callback/internal/serviceerr"
)

type errorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

func setSecurityHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Cache-Control", "no-store")
	h.Set("Pragma", "no-cache")
	h.Set("Referrer-Policy", "no-referrer")
}

// writeError writes the public face of svcErr. With a non-empty redirectURL
// the browser is sent there with the error code instead of a JSON body.
// Malformed requests always get a 400.
func writeError(w http.ResponseWriter, r *http.Request, svcErr *serviceerr.Error, redirectURL string) {
	public := svcErr.Public()

	setSecurityHeaders(w)

	if redirectURL != "" && public.HTTPStatus() != http.StatusBadRequest {
		u, err := url.Parse(redirectURL)
		if err == nil {
			q := u.Query()
			q.Set("error", string(public.Err))
			u.RawQuery = q.Encode()

			http.Redirect(w, r, u.String(), http.StatusFound)
			return
		}

		slogctx.Error(r.Context(), "Invalid error redirect URL", "error", err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(public.HTTPStatus())

	err := json.NewEncoder(w).Encode(errorBody{
		Error:            string(public.Err),
		ErrorDescription: public.Description,
	})
	if err != nil {
		slogctx.Error(r.Context(), "Failed to write error response", "error", err)
	}
}
