package idempotency

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	coinfleet "github.com/coinfleet/coinfleet"
)

// PGStore persists idempotent records in the idempotents table. The
// primary key on request_id carries the concurrency guard.
type PGStore struct {
	db  *sql.DB
	log *slog.Logger
}

func NewPGStore(db *sql.DB, log *slog.Logger) *PGStore {
	if log == nil {
		log = slog.Default()
	}
	return &PGStore{db: db, log: log}
}

func (s *PGStore) InsertPending(ctx context.Context, requestID, fingerprint string) (*Record, error) {
	const insert = `INSERT INTO idempotents (request_id, device_fingerprint, pending, created)
	  VALUES ($1, $2, true, now())`

	_, err := s.db.ExecContext(ctx, insert, requestID, fingerprint)
	if err == nil {
		return nil, nil
	}
	if !coinfleet.IsUniqueViolation(err) {
		return nil, fmt.Errorf("idempotency: insert %s: %w", requestID, err)
	}

	// Lost the insert race or a genuine retry; either way the stored
	// record is authoritative.
	const read = `SELECT request_id, device_fingerprint, body, status, pending, created
	  FROM idempotents WHERE request_id = $1`

	row := s.db.QueryRowContext(ctx, read, requestID)
	var rec Record
	var body sql.NullString
	var status sql.NullInt64
	if err := row.Scan(&rec.RequestID, &rec.Fingerprint, &body, &status, &rec.Pending, &rec.CreatedAt); err != nil {
		return nil, fmt.Errorf("idempotency: read back %s: %w", requestID, err)
	}
	if body.Valid {
		rec.Body = []byte(body.String)
	}
	if status.Valid {
		rec.StatusCode = int(status.Int64)
	}
	return &rec, nil
}

func (s *PGStore) Complete(ctx context.Context, requestID, fingerprint string, body []byte, statusCode int) error {
	const update = `UPDATE idempotents SET body = $1, status = $2, pending = false
	  WHERE request_id = $3 AND device_fingerprint = $4 AND pending = true`

	res, err := s.db.ExecContext(ctx, update, string(body), statusCode, requestID, fingerprint)
	if err != nil {
		return fmt.Errorf("idempotency: complete %s: %w", requestID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		// Already finished by an earlier completion.
		s.log.Debug("idempotent completion replayed", "request", requestID)
	}
	return nil
}

func (s *PGStore) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	const del = `DELETE FROM idempotents
	  WHERE EXTRACT(EPOCH FROM (now() - created)) > $1`

	res, err := s.db.ExecContext(ctx, del, olderThan.Seconds())
	if err != nil {
		return 0, fmt.Errorf("idempotency: prune: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Ensure PGStore implements Store
var _ Store = (*PGStore)(nil)
