package middleware

import (
	"context"

	"github.com/invariantlabs-ai/invariant-gateway/pkg/contracts"
)

const credentialsKey contextKey = "credentials"

// SetCredentials stores the resolved gateway credentials in the context.
// Called by the auth middleware after header extraction.
func SetCredentials(ctx context.Context, creds *contracts.Credentials) context.Context {
	if creds == nil {
		return ctx
	}
	return context.WithValue(ctx, credentialsKey, creds)
}

// GetCredentials retrieves the resolved credentials from the context.
// Returns an empty Credentials when none were extracted, so callers can
// chain accessor methods without nil checks.
func GetCredentials(ctx context.Context) *contracts.Credentials {
	if v, ok := ctx.Value(credentialsKey).(*contracts.Credentials); ok {
		return v
	}
	return &contracts.Credentials{}
}
