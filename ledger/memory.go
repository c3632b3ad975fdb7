package ledger

import (
	"context"
	"log/slog"
	"math/big"
	"sync"
	"time"

	coinfleet "github.com/coinfleet/coinfleet"
)

// MemStore is an in-memory ledger with the same uniqueness and atomicity
// semantics as the Postgres store. Suitable for tests and single-process
// runs; state is lost on restart.
type MemStore struct {
	mu      sync.Mutex
	nextID  int64
	bills   map[string]coinfleet.Bill
	txs     []coinfleet.Transaction
	pending map[string]bool // sessionID -> pending marker
	payouts []coinfleet.Dispense
	log     *slog.Logger
}

func NewMemStore(log *slog.Logger) *MemStore {
	if log == nil {
		log = slog.Default()
	}
	return &MemStore{
		nextID:  1,
		bills:   make(map[string]coinfleet.Bill),
		pending: make(map[string]bool),
		log:     log,
	}
}

func (s *MemStore) RecordBill(ctx context.Context, session coinfleet.Session, bill coinfleet.Bill) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.bills[bill.ID]; exists {
		s.log.Warn("attempt to report bill twice", "bill", bill.ID, "device", session.Fingerprint)
		return nil
	}
	s.bills[bill.ID] = bill
	return nil
}

// BillCount reports the number of distinct bills stored. Test helper.
func (s *MemStore) BillCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bills)
}

func (s *MemStore) insertLocked(session coinfleet.Session, incoming bool, tx coinfleet.Transaction, cryptoAtoms *big.Int, stage coinfleet.TxStage, authority coinfleet.TxAuthority) int64 {
	if cryptoAtoms == nil {
		cryptoAtoms = big.NewInt(0)
	}
	status := tx.Status
	if status == "" {
		status = coinfleet.StatusPending
	}

	row := coinfleet.Transaction{
		ID:           s.nextID,
		SessionID:    session.ID,
		Fingerprint:  session.Fingerprint,
		Incoming:     incoming,
		Stage:        stage,
		Authority:    authority,
		CurrencyCode: tx.CurrencyCode,
		CryptoCode:   tx.CryptoCode,
		CryptoAtoms:  new(big.Int).Set(cryptoAtoms),
		Fiat:         tx.Fiat,
		ToAddress:    tx.ToAddress,
		TxHash:       tx.TxHash,
		Status:       status,
		Phone:        tx.Phone,
		Error:        tx.Error,
		CreatedAt:    time.Now(),
	}
	s.nextID++
	s.txs = append(s.txs, row)
	return row.ID
}

// lastLocked returns the session's most recent row on the given flow
// direction, or nil. Callers hold s.mu.
func (s *MemStore) lastLocked(session coinfleet.Session, incoming bool) *coinfleet.Transaction {
	for i := len(s.txs) - 1; i >= 0; i-- {
		row := &s.txs[i]
		if row.Incoming == incoming && row.Fingerprint == session.Fingerprint && row.SessionID == session.ID {
			return row
		}
	}
	return nil
}

func (s *MemStore) AddInitialIncoming(ctx context.Context, session coinfleet.Session, tx coinfleet.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := transitionFrom(s.lastLocked(session, true), true, coinfleet.StageInitialRequest, coinfleet.AuthorityPending); err != nil {
		return err
	}
	s.pending[session.ID] = true
	s.insertLocked(session, true, tx, tx.CryptoAtoms, coinfleet.StageInitialRequest, coinfleet.AuthorityPending)
	return nil
}

func (s *MemStore) AddOutgoingTx(ctx context.Context, session coinfleet.Session, tx coinfleet.Transaction) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := transitionFrom(s.lastLocked(session, false), false, coinfleet.StageFinalRequest, coinfleet.AuthorityMachine); err != nil {
		return 0, err
	}
	return s.insertLocked(session, false, tx, tx.CryptoAtoms, coinfleet.StageFinalRequest, coinfleet.AuthorityMachine), nil
}

func (s *MemStore) SentCoins(ctx context.Context, session coinfleet.Session, tx coinfleet.Transaction, authority coinfleet.TxAuthority) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := transitionFrom(s.lastLocked(session, false), false, coinfleet.StagePartialSend, authority); err != nil {
		return err
	}
	s.insertLocked(session, false, tx, tx.CryptoAtoms, coinfleet.StagePartialSend, authority)
	return nil
}

func (s *MemStore) AddDispenseRequest(ctx context.Context, session coinfleet.Session, tx coinfleet.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := transitionFrom(s.lastLocked(session, true), true, coinfleet.StageDispense, coinfleet.AuthorityPending); err != nil {
		return err
	}

	// Single atomic unit: mark-dispensed and the dispense/pending insert
	// happen under one lock, or not at all.
	marked := false
	for i := range s.txs {
		row := &s.txs[i]
		if row.Incoming && row.Fingerprint == session.Fingerprint && row.SessionID == session.ID &&
			row.Stage == coinfleet.StageInitialRequest && row.Authority == coinfleet.AuthorityPending {
			row.Dispensed = true
			marked = true
		}
	}
	if !marked {
		return ErrNoPendingTx
	}

	s.insertLocked(session, true, tx, big.NewInt(0), coinfleet.StageDispense, coinfleet.AuthorityPending)
	return nil
}

func (s *MemStore) AddDispense(ctx context.Context, session coinfleet.Session, tx coinfleet.Transaction, cartridges []coinfleet.CartridgeResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := transitionFrom(s.lastLocked(session, true), true, coinfleet.StageDispense, coinfleet.AuthorityAuthorized); err != nil {
		return err
	}
	txID := s.insertLocked(session, true, tx, big.NewInt(0), coinfleet.StageDispense, coinfleet.AuthorityAuthorized)
	s.payouts = append(s.payouts, coinfleet.Dispense{
		ID:            int64(len(s.payouts) + 1),
		TransactionID: txID,
		Fingerprint:   session.Fingerprint,
		Cartridges:    cartridges,
		Error:         tx.Error,
	})
	return nil
}

// TxCount reports the number of transaction rows. Test helper.
func (s *MemStore) TxCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.txs)
}

// Payouts returns recorded dispense rows. Test helper.
func (s *MemStore) Payouts() []coinfleet.Dispense {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]coinfleet.Dispense, len(s.payouts))
	copy(out, s.payouts)
	return out
}

func (s *MemStore) UpdatePhone(ctx context.Context, session coinfleet.Session, tx coinfleet.Transaction, notified bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	updated := false
	for i := range s.txs {
		row := &s.txs[i]
		if row.Incoming && row.Fingerprint == session.Fingerprint && row.SessionID == tx.SessionID &&
			row.Stage == coinfleet.StageInitialRequest && row.Authority == coinfleet.AuthorityPending &&
			row.Phone == "" {
			row.Phone = tx.Phone
			row.Notified = notified
			updated = true
		}
	}
	return !updated, nil
}

func (s *MemStore) UpdateRedeem(ctx context.Context, session coinfleet.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.txs {
		row := &s.txs[i]
		if row.Incoming && row.Fingerprint == session.Fingerprint && row.SessionID == session.ID &&
			row.Stage == coinfleet.StageInitialRequest && row.Authority == coinfleet.AuthorityPending {
			row.Redeem = true
		}
	}
	return nil
}

func (s *MemStore) UpdateNotify(ctx context.Context, txID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.txs {
		if s.txs[i].ID == txID {
			s.txs[i].Notified = true
		}
	}
	return nil
}

func (s *MemStore) UpdateTxStatus(ctx context.Context, txID int64, status coinfleet.TxStatus, confirm bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.txs {
		if s.txs[i].ID == txID {
			s.txs[i].Status = status
			if confirm {
				now := time.Now()
				s.txs[i].ConfirmedAt = &now
			}
		}
	}
	return nil
}

func (s *MemStore) FetchTx(ctx context.Context, session coinfleet.Session) (*coinfleet.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.txs {
		row := s.txs[i]
		if row.Incoming && row.Fingerprint == session.Fingerprint && row.SessionID == session.ID &&
			row.Stage == coinfleet.StageInitialRequest && row.Authority == coinfleet.AuthorityPending {
			return &row, nil
		}
	}
	return nil, nil
}

func (s *MemStore) FetchPhoneTxs(ctx context.Context, phone string, dispenseTimeout time.Duration) ([]coinfleet.Transaction, error) {
	// An absent phone is NULL in Postgres; the empty string must not
	// match rows that never set one.
	if phone == "" {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []coinfleet.Transaction
	for _, row := range s.txs {
		if row.Phone != phone || row.Dispensed || !row.Incoming ||
			row.Stage != coinfleet.StageInitialRequest || row.Authority != coinfleet.AuthorityPending {
			continue
		}
		ref := time.Now()
		if row.ConfirmedAt != nil {
			ref = *row.ConfirmedAt
		}
		if ref.Sub(row.CreatedAt) < dispenseTimeout {
			out = append(out, row)
		}
	}
	return out, nil
}

func (s *MemStore) FetchOpenTxs(ctx context.Context, statuses []coinfleet.TxStatus, age time.Duration) ([]coinfleet.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	statusSet := make(map[coinfleet.TxStatus]bool, len(statuses))
	for _, status := range statuses {
		statusSet[status] = true
	}

	var out []coinfleet.Transaction
	for _, row := range s.txs {
		if row.Incoming && time.Since(row.CreatedAt) < age &&
			row.Stage == coinfleet.StageInitialRequest && row.Authority == coinfleet.AuthorityPending &&
			statusSet[row.Status] {
			out = append(out, row)
		}
	}
	return out, nil
}

func (s *MemStore) FetchUnnotifiedTxs(ctx context.Context, age, waitPeriod time.Duration) ([]coinfleet.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []coinfleet.Transaction
	for _, row := range s.txs {
		elapsed := time.Since(row.CreatedAt)
		if row.Incoming && elapsed < age &&
			row.Stage == coinfleet.StageInitialRequest && row.Authority == coinfleet.AuthorityPending &&
			!row.Notified && !row.Dispensed && row.Phone != "" &&
			(row.Status == coinfleet.StatusInstant || row.Status == coinfleet.StatusConfirmed) &&
			(row.Redeem || elapsed > waitPeriod) {
			out = append(out, row)
		}
	}
	return out, nil
}

func (s *MemStore) CartridgeCounts(ctx context.Context, session coinfleet.Session) (CartridgeCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := len(s.payouts) - 1; i >= 0; i-- {
		payout := s.payouts[i]
		if payout.Fingerprint == session.Fingerprint && payout.Refill {
			counts := make([]int, 0, len(payout.Cartridges))
			for _, c := range payout.Cartridges {
				counts = append(counts, c.Count)
			}
			return CartridgeCounts{DispenseID: payout.ID, Counts: counts}, nil
		}
	}
	return CartridgeCounts{Counts: []int{0, 0}}, nil
}

// Ensure MemStore implements Store
var _ Store = (*MemStore)(nil)
