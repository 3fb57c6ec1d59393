package contracts

// Credentials carries the gateway-facing keys resolved from one request.
//
// The gateway never authenticates its callers; it extracts the two logically
// distinct credentials a request may carry and forwards each to the right
// collaborator: the provider credential goes upstream untouched, the
// Invariant credential authenticates Explorer and guardrails calls.
type Credentials struct {
	// InvariantAPIKey authenticates Explorer pushes and dataset policy
	// fetches. Empty when the caller supplied none.
	InvariantAPIKey string

	// GuardrailsAPIKey authenticates guardrail evaluation when the caller
	// delegated it to a distinct credential. Empty means fall back to
	// InvariantAPIKey.
	GuardrailsAPIKey string
}

// GuardrailsKey returns the credential to use for guardrail evaluation.
func (c *Credentials) GuardrailsKey() string {
	if c == nil {
		return ""
	}
	if c.GuardrailsAPIKey != "" {
		return c.GuardrailsAPIKey
	}
	return c.InvariantAPIKey
}

// HasInvariantKey reports whether an Invariant credential was supplied.
func (c *Credentials) HasInvariantKey() bool {
	return c != nil && c.InvariantAPIKey != ""
}
