package auth

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	stamperr "github.com/stampstore/stampstore/internal/errors"
)

// skipPaths is the set of paths that never look at credentials.
var skipPaths = map[string]bool{
	"/health":       true,
	"/healthz":      true,
	"/readyz":       true,
	"/metrics":      true,
	"/docs":         true,
	"/openapi.json": true,
	"/openapi.yaml": true,
}

// Middleware returns HTTP middleware that verifies bearer tokens. Requests
// without an Authorization header pass through anonymously; a header that
// does not hold a valid token is rejected with 401. On success the claims
// are set on the request context.
func Middleware(verifier *Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			path := r.URL.Path
			if skipPaths[path] || strings.HasPrefix(path, "/docs") {
				next.ServeHTTP(w, r)
				return
			}

			header := r.Header.Get("Authorization")
			if header == "" {
				next.ServeHTTP(w, r)
				return
			}
			token, ok := bearerToken(header)
			if !ok {
				writeAuthError(w, stamperr.ErrUnauthorized)
				return
			}
			claims, err := verifier.Verify(token)
			if err != nil {
				slog.Debug("Rejected bearer token", "path", path, "error", err)
				writeAuthError(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

// writeAuthError writes err in the same problem+json shape the API uses.
func writeAuthError(w http.ResponseWriter, err error) {
	se := stamperr.Classify(err)
	body := huma.NewError(se.HTTPStatus, se.Message)
	w.Header().Set("Content-Type", "application/problem+json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="stampstore"`)
	w.WriteHeader(se.HTTPStatus)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("Writing auth error", "error", err)
	}
}
