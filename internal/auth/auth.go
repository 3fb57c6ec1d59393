// Package auth resolves the Invariant credentials a gateway request carries.
//
// Recognized header shapes, tried in order:
//   - Invariant-Authorization: Bearer <key>, the dedicated header.
//   - The provider's own auth header carrying a ";invariant-auth=<key>"
//     suffix, for clients that cannot set custom headers. The suffix is
//     stripped so only the clean provider value travels upstream.
//
// A separate Invariant-Guardrail-Service-Authorization header may delegate
// guardrail evaluation to a distinct credential; it falls back to the
// Invariant credential otherwise.
package auth

import (
	"net/http"
	"strings"

	"github.com/invariantlabs-ai/invariant-gateway/pkg/contracts"
)

// Headers consumed by the resolver.
const (
	HeaderInvariantAuthorization  = "Invariant-Authorization"
	HeaderGuardrailsAuthorization = "Invariant-Guardrail-Service-Authorization"
)

// EmbeddedKeyMarker introduces a gateway key embedded in a provider header.
const EmbeddedKeyMarker = ";invariant-auth="

// providerAuthHeaders are the provider credential headers that may carry an
// embedded gateway key: Authorization (OpenAI), x-api-key (Anthropic),
// x-goog-api-key (Gemini).
var providerAuthHeaders = []string{"Authorization", "X-Api-Key", "X-Goog-Api-Key"}

// ErrMissingAPIKey is the stable detail string for dataset requests that
// carry no Invariant credential.
const ErrMissingAPIKey = "Missing Invariant API key: requests that push to a dataset must carry Invariant-Authorization: Bearer <key>"

// Resolve extracts the gateway credentials from the request headers.
// Provider headers are cleaned in place: any embedded ";invariant-auth="
// suffix is removed so it never leaks upstream, whether or not it ends up
// being the winning credential source.
func Resolve(h http.Header) *contracts.Credentials {
	embedded := stripEmbeddedKeys(h)

	key := BearerToken(h.Get(HeaderInvariantAuthorization))
	if key == "" {
		key = embedded
	}

	return &contracts.Credentials{
		InvariantAPIKey:  key,
		GuardrailsAPIKey: BearerToken(h.Get(HeaderGuardrailsAuthorization)),
	}
}

// stripEmbeddedKeys removes the embedded-key suffix from every provider auth
// header and returns the last key found.
func stripEmbeddedKeys(h http.Header) string {
	var key string
	for _, name := range providerAuthHeaders {
		values := h.Values(name)
		if len(values) == 0 {
			continue
		}
		cleaned := make([]string, 0, len(values))
		for _, v := range values {
			clean, k := SplitEmbedded(v)
			if k != "" {
				key = k
			}
			cleaned = append(cleaned, clean)
		}
		h.Del(name)
		for _, v := range cleaned {
			h.Add(name, v)
		}
	}
	return key
}

// SplitEmbedded splits a credential value of the form
// "<provider-key>;invariant-auth=<gateway-key>" into its two parts.
// Values without the marker come back unchanged with an empty key.
func SplitEmbedded(value string) (clean, invariantKey string) {
	idx := strings.Index(value, EmbeddedKeyMarker)
	if idx < 0 {
		return value, ""
	}
	return strings.TrimSpace(value[:idx]), strings.TrimSpace(value[idx+len(EmbeddedKeyMarker):])
}

// BearerToken strips an optional "Bearer " prefix from a header value.
func BearerToken(value string) string {
	value = strings.TrimSpace(value)
	if len(value) >= 7 && strings.EqualFold(value[:7], "bearer ") {
		return strings.TrimSpace(value[7:])
	}
	return value
}
