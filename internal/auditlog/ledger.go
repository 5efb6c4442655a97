package auditlog

import "context"

// Ledger is the append-only hash-chained audit log.
type Ledger interface {
	// Append adds an entry chained to the previous one. payload is
	// JSON-marshalled and its SHA-256 stored as DataHash.
	Append(ctx context.Context, subject, action, actor string, payload any) (*Entry, error)

	// Get returns the entry at the given zero-based index.
	Get(ctx context.Context, index int) (*Entry, error)

	// Len returns the number of entries, genesis included.
	Len(ctx context.Context) (int, error)

	// Verify walks the whole chain and checks hash consistency.
	Verify(ctx context.Context) error

	// Root returns the hash of the most recent entry.
	Root(ctx context.Context) (string, error)
}
