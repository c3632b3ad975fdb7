package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemStore provides an in-memory implementation of Store.
//
// Suitable for single-instance deployments and tests. For clustered
// deployments implement Store against a shared backend so every instance
// observes the same uniqueness constraint.
type MemStore struct {
	mu      sync.Mutex
	records map[string]*Record
}

func NewMemStore() *MemStore {
	return &MemStore{records: make(map[string]*Record)}
}

func (s *MemStore) InsertPending(ctx context.Context, requestID, fingerprint string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.records[requestID]; ok {
		copied := *existing
		return &copied, nil
	}
	s.records[requestID] = &Record{
		RequestID:   requestID,
		Fingerprint: fingerprint,
		Pending:     true,
		CreatedAt:   time.Now(),
	}
	return nil, nil
}

func (s *MemStore) Complete(ctx context.Context, requestID, fingerprint string, body []byte, statusCode int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[requestID]
	if !ok || !rec.Pending || rec.Fingerprint != fingerprint {
		return nil
	}
	rec.Body = append([]byte(nil), body...)
	rec.StatusCode = statusCode
	rec.Pending = false
	return nil
}

func (s *MemStore) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	var n int64
	for id, rec := range s.records {
		if rec.CreatedAt.Before(cutoff) {
			delete(s.records, id)
			n++
		}
	}
	return n, nil
}

// Ensure MemStore implements Store
var _ Store = (*MemStore)(nil)
