// Package memory provides the long-term memory collaborator: best-effort
// storage and retrieval of conversation facts that outlive any single
// session. Failures never propagate to the chat turn.
package memory

import "context"

// Manager is the long-term memory collaborator contract.
type Manager interface {
	// GetContext returns a newline-separated "- fact" list relevant to the
	// query, or the empty string when nothing is known or lookup fails.
	GetContext(ctx context.Context, query, userID string) string

	// Remember stores one completed exchange. Best-effort: callers log and
	// otherwise ignore the returned error.
	Remember(ctx context.Context, query, answer, userID string) error
}

// Noop is used when no memory backend is configured.
type Noop struct{}

func (Noop) GetContext(ctx context.Context, query, userID string) string { return "" }

func (Noop) Remember(ctx context.Context, query, answer, userID string) error { return nil }
