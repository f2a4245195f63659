package middleware

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gluk-w/claworc/termsync/internal/auth"
)

type contextKey string

const principalContextKey contextKey = "principal"

// APIKeyHeader carries the REST credential. The apiKey query parameter is
// accepted for clients that cannot set headers.
const APIKeyHeader = "X-API-Key"

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// RequireAPIKey rejects requests without a valid API key.
func RequireAPIKey(v *auth.Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(APIKeyHeader)
			if key == "" {
				key = r.URL.Query().Get("apiKey")
			}
			if key == "" {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "API key required"})
				return
			}
			p, err := v.Verify(key)
			if err != nil {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Invalid API key"})
				return
			}
			ctx := context.WithValue(r.Context(), principalContextKey, p)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetPrincipal returns the caller authenticated by RequireAPIKey.
func GetPrincipal(r *http.Request) (auth.Principal, bool) {
	p, ok := r.Context().Value(principalContextKey).(auth.Principal)
	return p, ok
}
