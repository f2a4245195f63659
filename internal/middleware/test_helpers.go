package middleware

import (
	"context"
	"net/http"

	"github.com/gluk-w/claworc/termsync/internal/auth"
)

// WithPrincipalForTest attaches a Principal to the request context for testing.
func WithPrincipalForTest(r *http.Request, p auth.Principal) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), principalContextKey, p))
}
