package idempotency

import (
	"context"
	"time"
)

// DefaultExpiry is how long finished records are kept before pruning.
// Clients are assumed not to retry an action after this window; the bound
// exists for capacity, not correctness.
const DefaultExpiry = 24 * time.Hour

// Outcome is the result of beginning an action.
//
// Exactly one of the three shapes applies: New (run the action and call
// CompleteAction), AlreadyPending (another request holds the action, reply
// empty without re-executing), or a replay (Body/StatusCode carry the
// original response verbatim).
type Outcome struct {
	New            bool
	AlreadyPending bool
	Body           []byte
	StatusCode     int
}

// config holds the configuration for a Cache.
type config struct {
	expiry time.Duration
	store  Store
}

// Option configures a Cache.
type Option func(*config)

// WithExpiry sets the prune age for finished records.
//
// Default: 24 hours.
func WithExpiry(expiry time.Duration) Option {
	return func(c *config) {
		c.expiry = expiry
	}
}

// WithStore sets a custom Store implementation.
//
// Use this for shared backends when running more than one instance.
// Default: an in-memory store.
func WithStore(store Store) Option {
	return func(c *config) {
		c.store = store
	}
}

// Cache deduplicates state-mutating device actions by request id.
type Cache struct {
	store  Store
	expiry time.Duration
}

func New(opts ...Option) *Cache {
	cfg := &config{expiry: DefaultExpiry}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.store == nil {
		cfg.store = NewMemStore()
	}
	return &Cache{store: cfg.store, expiry: cfg.expiry}
}

// BeginAction claims the request id. On first sight the caller must run
// the underlying action and finish with CompleteAction; on a duplicate the
// stored outcome (or the already-pending marker) comes back instead.
func (c *Cache) BeginAction(ctx context.Context, requestID, fingerprint string) (Outcome, error) {
	existing, err := c.store.InsertPending(ctx, requestID, fingerprint)
	if err != nil {
		return Outcome{}, err
	}
	if existing == nil {
		return Outcome{New: true}, nil
	}
	if existing.Pending {
		return Outcome{AlreadyPending: true}, nil
	}
	return Outcome{Body: existing.Body, StatusCode: existing.StatusCode}, nil
}

// CompleteAction records the final response for a claimed request id.
// Safe to call more than once; later completions are no-ops.
func (c *Cache) CompleteAction(ctx context.Context, requestID, fingerprint string, body []byte, statusCode int) error {
	return c.store.Complete(ctx, requestID, fingerprint, body, statusCode)
}

// Prune drops records older than the configured expiry.
func (c *Cache) Prune(ctx context.Context) (int64, error) {
	return c.store.Prune(ctx, c.expiry)
}
