package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	coinfleet "github.com/coinfleet/coinfleet"
)

// PGStore is the Postgres-backed ledger. Concurrency correctness is
// delegated to the storage layer: duplicate bills hit the primary key on
// bills.id and are absorbed, and multi-statement transitions run inside
// one database transaction.
type PGStore struct {
	db  *sql.DB
	log *slog.Logger
}

// NewPGStore wraps an open database handle.
func NewPGStore(db *sql.DB, log *slog.Logger) *PGStore {
	if log == nil {
		log = slog.Default()
	}
	return &PGStore{db: db, log: log}
}

func (s *PGStore) RecordBill(ctx context.Context, session coinfleet.Session, bill coinfleet.Bill) error {
	const q = `INSERT INTO bills
		(id, device_fingerprint, currency_code, crypto_code, to_address,
		 session_id, device_time, crypto_atoms, denomination)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := s.db.ExecContext(ctx, q,
		bill.ID, session.Fingerprint, bill.CurrencyCode, bill.CryptoCode,
		bill.ToAddress, session.ID, bill.DeviceTime, bill.CryptoAtoms.String(), bill.Fiat)
	if err != nil {
		if coinfleet.IsUniqueViolation(err) {
			s.log.Warn("attempt to report bill twice", "bill", bill.ID, "device", session.Fingerprint)
			return nil
		}
		return s.classify(err, "record bill")
	}
	return nil
}

func (s *PGStore) insertTx(ctx context.Context, q queryer, session coinfleet.Session, incoming bool, tx coinfleet.Transaction, cryptoAtoms *big.Int, fiat int64, stage coinfleet.TxStage, authority coinfleet.TxAuthority) (int64, error) {
	const stmt = `INSERT INTO transactions
		(session_id, stage, authority, incoming, device_fingerprint,
		 to_address, crypto_atoms, currency_code, crypto_code, fiat,
		 tx_hash, phone, status, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id`

	if cryptoAtoms == nil {
		cryptoAtoms = big.NewInt(0)
	}
	status := tx.Status
	if status == "" {
		status = coinfleet.StatusPending
	}

	var id int64
	err := q.QueryRowContext(ctx, stmt,
		session.ID, stage, authority, incoming, session.Fingerprint,
		tx.ToAddress, cryptoAtoms.String(), tx.CurrencyCode, tx.CryptoCode, fiat,
		nullable(tx.TxHash), nullable(tx.Phone), status, nullable(tx.Error)).Scan(&id)
	if err != nil {
		return 0, s.classify(err, "insert transaction")
	}
	return id, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// guardTransition rejects an insert that would advance the session's
// latest (stage, authority) pair illegally. It runs on the same queryer
// as the insert so transactional callers see a consistent view.
func (s *PGStore) guardTransition(ctx context.Context, q queryer, session coinfleet.Session, incoming bool, stage coinfleet.TxStage, authority coinfleet.TxAuthority) error {
	const last = `SELECT stage, authority FROM transactions
		WHERE device_fingerprint=$1 AND session_id=$2 AND incoming=$3
		ORDER BY id DESC LIMIT 1`

	var prev coinfleet.Transaction
	err := q.QueryRowContext(ctx, last, session.Fingerprint, session.ID, incoming).
		Scan(&prev.Stage, &prev.Authority)
	if err == sql.ErrNoRows {
		return transitionFrom(nil, incoming, stage, authority)
	}
	if err != nil {
		return s.classify(err, "read last transition")
	}
	return transitionFrom(&prev, incoming, stage, authority)
}

func nullable(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func (s *PGStore) AddInitialIncoming(ctx context.Context, session coinfleet.Session, tx coinfleet.Transaction) error {
	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.classify(err, "begin initial incoming")
	}
	defer dbtx.Rollback()

	if err := s.guardTransition(ctx, dbtx, session, true,
		coinfleet.StageInitialRequest, coinfleet.AuthorityPending); err != nil {
		return err
	}

	const pending = `INSERT INTO pending_transactions
		(device_fingerprint, session_id, incoming, currency_code,
		 crypto_code, to_address, crypto_atoms)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	if _, err := dbtx.ExecContext(ctx, pending,
		session.Fingerprint, session.ID, true, tx.CurrencyCode,
		tx.CryptoCode, tx.ToAddress, tx.CryptoAtoms.String()); err != nil {
		return s.classify(err, "insert pending transaction")
	}

	if _, err := s.insertTx(ctx, dbtx, session, true, tx, tx.CryptoAtoms, tx.Fiat,
		coinfleet.StageInitialRequest, coinfleet.AuthorityPending); err != nil {
		return err
	}

	return dbtx.Commit()
}

func (s *PGStore) AddOutgoingTx(ctx context.Context, session coinfleet.Session, tx coinfleet.Transaction) (int64, error) {
	if err := s.guardTransition(ctx, s.db, session, false,
		coinfleet.StageFinalRequest, coinfleet.AuthorityMachine); err != nil {
		return 0, err
	}
	return s.insertTx(ctx, s.db, session, false, tx, tx.CryptoAtoms, tx.Fiat,
		coinfleet.StageFinalRequest, coinfleet.AuthorityMachine)
}

func (s *PGStore) SentCoins(ctx context.Context, session coinfleet.Session, tx coinfleet.Transaction, authority coinfleet.TxAuthority) error {
	if err := s.guardTransition(ctx, s.db, session, false,
		coinfleet.StagePartialSend, authority); err != nil {
		return err
	}
	_, err := s.insertTx(ctx, s.db, session, false, tx, tx.CryptoAtoms, tx.Fiat,
		coinfleet.StagePartialSend, authority)
	return err
}

func (s *PGStore) AddDispenseRequest(ctx context.Context, session coinfleet.Session, tx coinfleet.Transaction) error {
	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.classify(err, "begin dispense request")
	}
	defer dbtx.Rollback()

	if err := s.guardTransition(ctx, dbtx, session, true,
		coinfleet.StageDispense, coinfleet.AuthorityPending); err != nil {
		return err
	}

	const mark = `UPDATE transactions SET dispensed=$1
		WHERE stage=$2 AND authority=$3 AND device_fingerprint=$4
		AND session_id=$5 AND incoming=$6`
	res, err := dbtx.ExecContext(ctx, mark, true,
		coinfleet.StageInitialRequest, coinfleet.AuthorityPending,
		session.Fingerprint, session.ID, true)
	if err != nil {
		return s.classify(err, "mark dispensed")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNoPendingTx
	}

	if _, err := s.insertTx(ctx, dbtx, session, true, tx, big.NewInt(0), tx.Fiat,
		coinfleet.StageDispense, coinfleet.AuthorityPending); err != nil {
		return err
	}

	return dbtx.Commit()
}

func (s *PGStore) AddDispense(ctx context.Context, session coinfleet.Session, tx coinfleet.Transaction, cartridges []coinfleet.CartridgeResult) error {
	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.classify(err, "begin dispense")
	}
	defer dbtx.Rollback()

	if err := s.guardTransition(ctx, dbtx, session, true,
		coinfleet.StageDispense, coinfleet.AuthorityAuthorized); err != nil {
		return err
	}

	txID, err := s.insertTx(ctx, dbtx, session, true, tx, big.NewInt(0), tx.Fiat,
		coinfleet.StageDispense, coinfleet.AuthorityAuthorized)
	if err != nil {
		return err
	}

	var top, bottom coinfleet.CartridgeResult
	if len(cartridges) > 0 {
		top = cartridges[0]
	}
	if len(cartridges) > 1 {
		bottom = cartridges[1]
	}

	const insert = `INSERT INTO dispenses
		(device_fingerprint, transaction_id,
		 dispense1, reject1, count1, dispense2, reject2, count2,
		 refill, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	if _, err := dbtx.ExecContext(ctx, insert,
		session.Fingerprint, txID,
		top.Dispensed, top.Rejected, top.Count,
		bottom.Dispensed, bottom.Rejected, bottom.Count,
		false, nullable(tx.Error)); err != nil {
		return s.classify(err, "insert dispense")
	}

	return dbtx.Commit()
}

func (s *PGStore) UpdatePhone(ctx context.Context, session coinfleet.Session, tx coinfleet.Transaction, notified bool) (bool, error) {
	const q = `UPDATE transactions SET phone=$1, notified=$2
		WHERE incoming=$3 AND device_fingerprint=$4 AND session_id=$5
		AND stage=$6 AND authority=$7 AND phone IS NULL`

	res, err := s.db.ExecContext(ctx, q, tx.Phone, notified, true,
		session.Fingerprint, tx.SessionID,
		coinfleet.StageInitialRequest, coinfleet.AuthorityPending)
	if err != nil {
		return false, s.classify(err, "update phone")
	}
	n, _ := res.RowsAffected()
	return n == 0, nil
}

func (s *PGStore) UpdateRedeem(ctx context.Context, session coinfleet.Session) error {
	const q = `UPDATE transactions SET redeem=$1
		WHERE incoming=$2 AND device_fingerprint=$3 AND session_id=$4
		AND stage=$5 AND authority=$6`

	_, err := s.db.ExecContext(ctx, q, true, true, session.Fingerprint, session.ID,
		coinfleet.StageInitialRequest, coinfleet.AuthorityPending)
	return s.classify(err, "update redeem")
}

func (s *PGStore) UpdateNotify(ctx context.Context, txID int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE transactions SET notified=$1 WHERE id=$2`, true, txID)
	return s.classify(err, "update notify")
}

func (s *PGStore) UpdateTxStatus(ctx context.Context, txID int64, status coinfleet.TxStatus, confirm bool) error {
	q := `UPDATE transactions SET status=$1 WHERE id=$2`
	if confirm {
		q = `UPDATE transactions SET status=$1, confirmation_time=now() WHERE id=$2`
	}
	_, err := s.db.ExecContext(ctx, q, status, txID)
	return s.classify(err, "update status")
}

const txColumns = `id, session_id, device_fingerprint, incoming, stage, authority,
	currency_code, crypto_code, crypto_atoms, fiat, to_address, tx_hash,
	status, phone, notified, dispensed, redeem, error, created, confirmation_time`

func (s *PGStore) FetchTx(ctx context.Context, session coinfleet.Session) (*coinfleet.Transaction, error) {
	q := `SELECT ` + txColumns + ` FROM transactions
		WHERE device_fingerprint=$1 AND session_id=$2
		AND stage=$3 AND authority=$4 AND incoming=$5`

	rows, err := s.db.QueryContext(ctx, q, session.Fingerprint, session.ID,
		coinfleet.StageInitialRequest, coinfleet.AuthorityPending, true)
	if err != nil {
		return nil, s.classify(err, "fetch tx")
	}
	txs, err := scanTxs(rows)
	if err != nil {
		return nil, err
	}
	if len(txs) == 0 {
		return nil, nil
	}
	return &txs[0], nil
}

func (s *PGStore) FetchPhoneTxs(ctx context.Context, phone string, dispenseTimeout time.Duration) ([]coinfleet.Transaction, error) {
	q := `SELECT ` + txColumns + ` FROM transactions
		WHERE phone=$1 AND dispensed=$2
		AND (EXTRACT(EPOCH FROM (COALESCE(confirmation_time, now()) - created))) * 1000 < $3
		AND stage=$4 AND authority=$5 AND incoming=$6`

	rows, err := s.db.QueryContext(ctx, q, phone, false, dispenseTimeout.Milliseconds(),
		coinfleet.StageInitialRequest, coinfleet.AuthorityPending, true)
	if err != nil {
		return nil, s.classify(err, "fetch phone txs")
	}
	return scanTxs(rows)
}

func (s *PGStore) FetchOpenTxs(ctx context.Context, statuses []coinfleet.TxStatus, age time.Duration) ([]coinfleet.Transaction, error) {
	placeholders := make([]string, len(statuses))
	args := []interface{}{true, age.Milliseconds(), coinfleet.StageInitialRequest, coinfleet.AuthorityPending}
	for i, status := range statuses {
		placeholders[i] = fmt.Sprintf("$%d", len(args)+1)
		args = append(args, status)
	}

	q := `SELECT ` + txColumns + ` FROM transactions
		WHERE incoming=$1 AND ((EXTRACT(EPOCH FROM (now() - created))) * 1000)<$2
		AND stage=$3 AND authority=$4
		AND status IN (` + strings.Join(placeholders, ",") + `)`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, s.classify(err, "fetch open txs")
	}
	return scanTxs(rows)
}

func (s *PGStore) FetchUnnotifiedTxs(ctx context.Context, age, waitPeriod time.Duration) ([]coinfleet.Transaction, error) {
	q := `SELECT ` + txColumns + ` FROM transactions
		WHERE incoming=$1
		AND ((EXTRACT(EPOCH FROM (now() - created))) * 1000)<$2
		AND stage=$3 AND authority=$4 AND notified=$5 AND dispensed=$6
		AND phone IS NOT NULL
		AND status IN ('instant', 'confirmed')
		AND (redeem=$7 OR ((EXTRACT(EPOCH FROM (now() - created))) * 1000)>$8)`

	rows, err := s.db.QueryContext(ctx, q, true, age.Milliseconds(),
		coinfleet.StageInitialRequest, coinfleet.AuthorityPending,
		false, false, true, waitPeriod.Milliseconds())
	if err != nil {
		return nil, s.classify(err, "fetch unnotified txs")
	}
	return scanTxs(rows)
}

func (s *PGStore) CartridgeCounts(ctx context.Context, session coinfleet.Session) (CartridgeCounts, error) {
	const q = `SELECT id, count1, count2 FROM dispenses
		WHERE device_fingerprint=$1 AND refill=$2
		ORDER BY id DESC LIMIT 1`

	var counts CartridgeCounts
	var count1, count2 int
	err := s.db.QueryRowContext(ctx, q, session.Fingerprint, true).Scan(&counts.DispenseID, &count1, &count2)
	if err == sql.ErrNoRows {
		return CartridgeCounts{Counts: []int{0, 0}}, nil
	}
	if err != nil {
		return CartridgeCounts{}, s.classify(err, "cartridge counts")
	}
	counts.Counts = []int{count1, count2}
	return counts, nil
}

// parseAtoms decodes the crypto_atoms numeric column. A value that does
// not parse marks a corrupt row and is surfaced, never silently zeroed.
func parseAtoms(raw string) (*big.Int, error) {
	atoms, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("ledger: bad crypto_atoms value %q", raw)
	}
	return atoms, nil
}

func scanTxs(rows *sql.Rows) ([]coinfleet.Transaction, error) {
	defer rows.Close()

	var txs []coinfleet.Transaction
	for rows.Next() {
		var tx coinfleet.Transaction
		var atoms string
		var txHash, phone, errMsg sql.NullString
		var confirmedAt sql.NullTime

		if err := rows.Scan(&tx.ID, &tx.SessionID, &tx.Fingerprint, &tx.Incoming,
			&tx.Stage, &tx.Authority, &tx.CurrencyCode, &tx.CryptoCode,
			&atoms, &tx.Fiat, &tx.ToAddress, &txHash, &tx.Status, &phone,
			&tx.Notified, &tx.Dispensed, &tx.Redeem, &errMsg,
			&tx.CreatedAt, &confirmedAt); err != nil {
			return nil, err
		}

		parsed, err := parseAtoms(atoms)
		if err != nil {
			return nil, err
		}
		tx.CryptoAtoms = parsed
		tx.TxHash = txHash.String
		tx.Phone = phone.String
		tx.Error = errMsg.String
		if confirmedAt.Valid {
			t := confirmedAt.Time
			tx.ConfirmedAt = &t
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

// classify wraps storage failures, logging quietly for expected races and
// loudly for everything else.
func (s *PGStore) classify(err error, op string) error {
	if err == nil {
		return nil
	}
	if coinfleet.IsLowSeverity(err) {
		s.log.Debug("ledger race", "op", op, "err", err)
	} else {
		s.log.Error("ledger failure", "op", op, "err", err)
	}
	return coinfleet.NewEngineError(coinfleet.ErrCodePersistence, fmt.Sprintf("%s: %v", op, err), nil)
}

// Ensure PGStore implements Store
var _ Store = (*PGStore)(nil)
