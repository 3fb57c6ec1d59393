package middleware

import (
	"net/http"

	"github.com/invariantlabs-ai/invariant-gateway/internal/auth"
	pkgmw "github.com/invariantlabs-ai/invariant-gateway/pkg/middleware"
)

// Credentials extracts the Invariant credentials from the request headers
// and stores them in the request context. The gateway never rejects here:
// whether a credential is required depends on the route (a dataset push
// needs one, plain proxying does not), so enforcement lives in the
// handlers.
//
// Extraction has a side effect the proxy depends on: any
// ";invariant-auth=<key>" suffix embedded in a provider auth header is
// stripped from the header in place, so the suffix never travels upstream.
func Credentials(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		creds := auth.Resolve(r.Header)
		ctx := pkgmw.SetCredentials(r.Context(), creds)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
