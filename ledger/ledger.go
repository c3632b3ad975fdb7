// Package ledger records incoming and outgoing crypto movements tied to
// device sessions. Rows are append-only per (stage, authority) transition;
// duplicate physical events are absorbed by storage-level uniqueness
// constraints rather than application locks.
package ledger

import (
	"context"
	"errors"
	"time"

	coinfleet "github.com/coinfleet/coinfleet"
)

// ErrNoPendingTx is returned when a dispense request arrives for a
// session with no open initial_request/pending row.
var ErrNoPendingTx = errors.New("ledger: no pending transaction for session")

// ErrIllegalTransition is returned when an insert would move a session's
// (stage, authority) pair somewhere the state machine does not allow.
var ErrIllegalTransition = errors.New("ledger: illegal stage transition")

// transitionFrom validates an insert against the session's latest row.
// A session with no rows yet sits at the implicit (initial_request,
// pending) state, which also admits recording that state itself.
func transitionFrom(prev *coinfleet.Transaction, incoming bool, stage coinfleet.TxStage, authority coinfleet.TxAuthority) error {
	if prev == nil {
		if stage == coinfleet.StageInitialRequest && authority == coinfleet.AuthorityPending {
			return nil
		}
		if coinfleet.LegalTransition(incoming, coinfleet.StageInitialRequest, coinfleet.AuthorityPending, stage, authority) {
			return nil
		}
		return ErrIllegalTransition
	}
	if coinfleet.LegalTransition(incoming, prev.Stage, prev.Authority, stage, authority) {
		return nil
	}
	return ErrIllegalTransition
}

// Store is the durable transaction ledger. Implementations must make
// duplicate-event inserts benign (unique constraint on the physical event
// id) and wrap multi-statement transitions in one atomic unit.
type Store interface {
	// RecordBill logs one inserted banknote. Reporting the same bill
	// twice is absorbed: the duplicate is logged and success returned.
	RecordBill(ctx context.Context, session coinfleet.Session, bill coinfleet.Bill) error

	// AddInitialIncoming opens a cash-in flow: a pending_transactions
	// marker plus the (initial_request, pending) row, atomically.
	AddInitialIncoming(ctx context.Context, session coinfleet.Session, tx coinfleet.Transaction) error

	// AddOutgoingTx records the terminal (final_request, machine) row of
	// a cash-out flow.
	AddOutgoingTx(ctx context.Context, session coinfleet.Session, tx coinfleet.Transaction) (int64, error)

	// SentCoins records a (partial_send, authority) row after coins were
	// dispatched on-chain.
	SentCoins(ctx context.Context, session coinfleet.Session, tx coinfleet.Transaction, authority coinfleet.TxAuthority) error

	// AddDispenseRequest marks the open incoming row dispensed and
	// inserts the (dispense, pending) row, atomically. Fails with
	// ErrNoPendingTx when the session has no open row; partial
	// application is never visible.
	AddDispenseRequest(ctx context.Context, session coinfleet.Session, tx coinfleet.Transaction) error

	// AddDispense records the terminal (dispense, authorized) row and
	// exactly one Dispense payout row referencing it, atomically.
	AddDispense(ctx context.Context, session coinfleet.Session, tx coinfleet.Transaction, cartridges []coinfleet.CartridgeResult) error

	// UpdatePhone sets phone/notified on the open incoming row. Reports
	// noPhone=true when no matching row had a null phone.
	UpdatePhone(ctx context.Context, session coinfleet.Session, tx coinfleet.Transaction, notified bool) (noPhone bool, err error)

	// UpdateRedeem flags the open incoming row for SMS redemption.
	UpdateRedeem(ctx context.Context, session coinfleet.Session) error

	// UpdateNotify marks a transaction's owner as notified.
	UpdateNotify(ctx context.Context, txID int64) error

	// UpdateTxStatus advances the chain status of a row; confirm also
	// stamps ConfirmedAt.
	UpdateTxStatus(ctx context.Context, txID int64, status coinfleet.TxStatus, confirm bool) error

	// FetchTx returns the open (initial_request, pending, incoming) row
	// for a session, or nil when absent.
	FetchTx(ctx context.Context, session coinfleet.Session) (*coinfleet.Transaction, error)

	// FetchPhoneTxs returns undispensed incoming rows for a phone whose
	// dispense window has not elapsed.
	FetchPhoneTxs(ctx context.Context, phone string, dispenseTimeout time.Duration) ([]coinfleet.Transaction, error)

	// FetchOpenTxs returns open incoming rows younger than age whose
	// status is in the given set.
	FetchOpenTxs(ctx context.Context, statuses []coinfleet.TxStatus, age time.Duration) ([]coinfleet.Transaction, error)

	// FetchUnnotifiedTxs returns dispensed-pending rows with a phone,
	// instant/confirmed status, not yet notified, eligible for SMS
	// redeem within the wait window.
	FetchUnnotifiedTxs(ctx context.Context, age, waitPeriod time.Duration) ([]coinfleet.Transaction, error)

	// CartridgeCounts returns the latest refill counts for a device.
	CartridgeCounts(ctx context.Context, session coinfleet.Session) (CartridgeCounts, error)
}

// CartridgeCounts is the most recent refill snapshot for a device.
type CartridgeCounts struct {
	DispenseID int64
	Counts     []int
}
