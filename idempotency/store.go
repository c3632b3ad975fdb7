// Package idempotency makes retried device actions replay their original
// outcome instead of re-executing. A client-supplied request id keys each
// logical action; the storage layer's uniqueness constraint on that id is
// the only synchronization primitive.
package idempotency

import (
	"context"
	"time"
)

// Record is one remembered action outcome. Created pending before the
// underlying action runs, finished with the final body and status once it
// completes.
type Record struct {
	RequestID   string
	Fingerprint string
	Body        []byte
	StatusCode  int
	Pending     bool
	CreatedAt   time.Time
}

// Store defines the interface for idempotent-action storage.
// Implementations must be safe for concurrent use.
//
// The contract that matters is InsertPending's atomicity: two concurrent
// inserts of the same request id race, exactly one wins, and the loser is
// handed the winner's record. A check-then-insert implementation is wrong.
type Store interface {
	// InsertPending atomically inserts a pending record for the request id.
	// Returns (nil, nil) when this call created the record, or the existing
	// record when the id was already seen.
	InsertPending(ctx context.Context, requestID, fingerprint string) (*Record, error)

	// Complete finishes the pending record with the final body and status.
	// Completing an already-finished record is a no-op.
	Complete(ctx context.Context, requestID, fingerprint string, body []byte, statusCode int) error

	// Prune deletes records older than the given age and reports how many
	// were removed.
	Prune(ctx context.Context, olderThan time.Duration) (int64, error)
}
