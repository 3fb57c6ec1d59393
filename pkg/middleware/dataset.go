// Package middleware provides shared request-context helpers for the
// Invariant Gateway. Handlers and transports read the dataset and resolved
// credentials from the context instead of re-parsing headers.
package middleware

import "context"

type contextKey string

const datasetKey contextKey = "dataset"

// GetDataset extracts the target dataset name from the context.
// Returns "" when the request names no dataset (snippet push mode).
func GetDataset(ctx context.Context) string {
	if v, ok := ctx.Value(datasetKey).(string); ok {
		return v
	}
	return ""
}

// SetDataset stores the target dataset name in the context.
func SetDataset(ctx context.Context, dataset string) context.Context {
	return context.WithValue(ctx, datasetKey, dataset)
}
