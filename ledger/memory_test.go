package ledger

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	coinfleet "github.com/coinfleet/coinfleet"
)

func testSession() coinfleet.Session {
	return coinfleet.Session{
		Fingerprint: "AA:BB:CC",
		ID:          uuid.NewString(),
		DeviceTime:  time.Now(),
	}
}

func testBill(id string) coinfleet.Bill {
	return coinfleet.Bill{
		ID:           id,
		CurrencyCode: "USD",
		CryptoCode:   "BTC",
		ToAddress:    "addr-1",
		CryptoAtoms:  big.NewInt(120000),
		Fiat:         50,
		DeviceTime:   time.Now(),
	}
}

func TestRecordBill_DuplicateIsBenign(t *testing.T) {
	store := NewMemStore(nil)
	session := testSession()
	bill := testBill(uuid.NewString())

	require.NoError(t, store.RecordBill(context.Background(), session, bill))
	require.NoError(t, store.RecordBill(context.Background(), session, bill))
	require.Equal(t, 1, store.BillCount(), "duplicate bill must not create a second row")
}

func TestRecordBill_ConcurrentDuplicates(t *testing.T) {
	store := NewMemStore(nil)
	session := testSession()
	bill := testBill(uuid.NewString())

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = store.RecordBill(context.Background(), session, bill)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err, "every racer must observe success")
	}
	require.Equal(t, 1, store.BillCount())
}

func TestCashInFlow_StateMachine(t *testing.T) {
	store := NewMemStore(nil)
	session := testSession()
	ctx := context.Background()

	tx := coinfleet.Transaction{
		CurrencyCode: "USD",
		CryptoCode:   "BTC",
		CryptoAtoms:  big.NewInt(120000),
		Fiat:         50,
		ToAddress:    "addr-1",
	}

	require.NoError(t, store.AddInitialIncoming(ctx, session, tx))

	open, err := store.FetchTx(ctx, session)
	require.NoError(t, err)
	require.NotNil(t, open)
	require.Equal(t, coinfleet.StageInitialRequest, open.Stage)
	require.Equal(t, coinfleet.AuthorityPending, open.Authority)
	require.Equal(t, coinfleet.StatusPending, open.Status)

	// dispense request marks the open row and opens the dispense stage
	dispTx := tx
	dispTx.SessionID = session.ID
	require.NoError(t, store.AddDispenseRequest(ctx, session, dispTx))

	open, err = store.FetchTx(ctx, session)
	require.NoError(t, err)
	require.True(t, open.Dispensed)

	// payout writes the terminal row plus exactly one dispense record
	cartridges := []coinfleet.CartridgeResult{
		{Dispensed: 2, Rejected: 0, Count: 48},
		{Dispensed: 1, Rejected: 0, Count: 99},
	}
	require.NoError(t, store.AddDispense(ctx, session, dispTx, cartridges))

	payouts := store.Payouts()
	require.Len(t, payouts, 1)
	require.Equal(t, cartridges, payouts[0].Cartridges)
}

func TestAddDispenseRequest_NoPendingTx(t *testing.T) {
	store := NewMemStore(nil)
	err := store.AddDispenseRequest(context.Background(), testSession(), coinfleet.Transaction{})
	require.ErrorIs(t, err, ErrNoPendingTx)
}

func TestAddInitialIncoming_DuplicateSessionIllegal(t *testing.T) {
	store := NewMemStore(nil)
	session := testSession()
	ctx := context.Background()

	tx := coinfleet.Transaction{
		CurrencyCode: "USD", CryptoCode: "BTC", CryptoAtoms: big.NewInt(1),
	}
	require.NoError(t, store.AddInitialIncoming(ctx, session, tx))
	require.ErrorIs(t, store.AddInitialIncoming(ctx, session, tx), ErrIllegalTransition)
	require.Equal(t, 1, store.TxCount())
}

func TestAddDispense_RequiresDispenseRequest(t *testing.T) {
	store := NewMemStore(nil)
	session := testSession()
	ctx := context.Background()

	require.NoError(t, store.AddInitialIncoming(ctx, session, coinfleet.Transaction{
		CryptoAtoms: big.NewInt(1), CurrencyCode: "USD", CryptoCode: "BTC",
	}))

	// skipping the dispense request leaves the session at initial_request
	tx := coinfleet.Transaction{SessionID: session.ID}
	require.ErrorIs(t, store.AddDispense(ctx, session, tx, nil), ErrIllegalTransition)
	require.Empty(t, store.Payouts())
}

func TestAddDispenseRequest_SecondRequestIllegal(t *testing.T) {
	store := NewMemStore(nil)
	session := testSession()
	ctx := context.Background()

	require.NoError(t, store.AddInitialIncoming(ctx, session, coinfleet.Transaction{
		CryptoAtoms: big.NewInt(1), CurrencyCode: "USD", CryptoCode: "BTC",
	}))

	tx := coinfleet.Transaction{SessionID: session.ID}
	require.NoError(t, store.AddDispenseRequest(ctx, session, tx))
	require.ErrorIs(t, store.AddDispenseRequest(ctx, session, tx), ErrIllegalTransition)
}

func TestOutgoingFlow_TransitionOrder(t *testing.T) {
	store := NewMemStore(nil)
	session := testSession()
	ctx := context.Background()

	tx := coinfleet.Transaction{
		CurrencyCode: "USD", CryptoCode: "BTC",
		CryptoAtoms: big.NewInt(100), Fiat: 20, ToAddress: "dest-1",
	}

	// partial then final is the legal order
	require.NoError(t, store.SentCoins(ctx, session, tx, coinfleet.AuthorityMachine))
	_, err := store.AddOutgoingTx(ctx, session, tx)
	require.NoError(t, err)

	// nothing may follow the terminal row
	require.ErrorIs(t, store.SentCoins(ctx, session, tx, coinfleet.AuthorityMachine), ErrIllegalTransition)
	_, err = store.AddOutgoingTx(ctx, session, tx)
	require.ErrorIs(t, err, ErrIllegalTransition)
}

func TestFetchPhoneTxs_EmptyPhoneMatchesNothing(t *testing.T) {
	store := NewMemStore(nil)
	session := testSession()
	ctx := context.Background()

	require.NoError(t, store.AddInitialIncoming(ctx, session, coinfleet.Transaction{
		CryptoAtoms: big.NewInt(1), CurrencyCode: "USD", CryptoCode: "BTC",
	}))

	// the row has no phone yet; an empty query must not return it
	txs, err := store.FetchPhoneTxs(ctx, "", time.Hour)
	require.NoError(t, err)
	require.Empty(t, txs)

	update := coinfleet.Transaction{SessionID: session.ID, Phone: "+15550100"}
	_, err = store.UpdatePhone(ctx, session, update, false)
	require.NoError(t, err)

	txs, err = store.FetchPhoneTxs(ctx, "+15550100", time.Hour)
	require.NoError(t, err)
	require.Len(t, txs, 1)
}

func TestUpdatePhone_GuardedByTuple(t *testing.T) {
	store := NewMemStore(nil)
	session := testSession()
	ctx := context.Background()

	tx := coinfleet.Transaction{
		CurrencyCode: "USD",
		CryptoCode:   "BTC",
		CryptoAtoms:  big.NewInt(100),
		Fiat:         20,
	}
	require.NoError(t, store.AddInitialIncoming(ctx, session, tx))

	update := tx
	update.SessionID = session.ID
	update.Phone = "+15550100"

	noPhone, err := store.UpdatePhone(ctx, session, update, false)
	require.NoError(t, err)
	require.False(t, noPhone)

	// second update finds no null-phone row
	noPhone, err = store.UpdatePhone(ctx, session, update, false)
	require.NoError(t, err)
	require.True(t, noPhone)

	// a different session must not be touched
	other := testSession()
	otherUpdate := update
	otherUpdate.SessionID = other.ID
	noPhone, err = store.UpdatePhone(ctx, other, otherUpdate, false)
	require.NoError(t, err)
	require.True(t, noPhone)
}

func TestUpdateTxStatus_ConfirmStampsTime(t *testing.T) {
	store := NewMemStore(nil)
	session := testSession()
	ctx := context.Background()

	require.NoError(t, store.AddInitialIncoming(ctx, session, coinfleet.Transaction{
		CryptoAtoms: big.NewInt(1), CurrencyCode: "USD", CryptoCode: "BTC",
	}))

	open, err := store.FetchTx(ctx, session)
	require.NoError(t, err)

	require.NoError(t, store.UpdateTxStatus(ctx, open.ID, coinfleet.StatusConfirmed, true))

	open, err = store.FetchTx(ctx, session)
	require.NoError(t, err)
	require.Equal(t, coinfleet.StatusConfirmed, open.Status)
	require.NotNil(t, open.ConfirmedAt)
}

func TestFetchOpenTxs_FiltersByStatusSet(t *testing.T) {
	store := NewMemStore(nil)
	ctx := context.Background()

	s1 := testSession()
	require.NoError(t, store.AddInitialIncoming(ctx, s1, coinfleet.Transaction{
		CryptoAtoms: big.NewInt(1), CurrencyCode: "USD", CryptoCode: "BTC",
	}))

	s2 := testSession()
	require.NoError(t, store.AddInitialIncoming(ctx, s2, coinfleet.Transaction{
		CryptoAtoms: big.NewInt(1), CurrencyCode: "USD", CryptoCode: "BTC",
	}))
	open2, err := store.FetchTx(ctx, s2)
	require.NoError(t, err)
	require.NoError(t, store.UpdateTxStatus(ctx, open2.ID, coinfleet.StatusRejected, false))

	txs, err := store.FetchOpenTxs(ctx, []coinfleet.TxStatus{coinfleet.StatusPending}, time.Hour)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	require.Equal(t, s1.ID, txs[0].SessionID)
}

func TestFetchUnnotifiedTxs_RedeemOrWaitWindow(t *testing.T) {
	store := NewMemStore(nil)
	ctx := context.Background()

	session := testSession()
	tx := coinfleet.Transaction{
		CryptoAtoms: big.NewInt(1), CurrencyCode: "USD", CryptoCode: "BTC",
		Phone: "+15550100", Status: coinfleet.StatusInstant,
	}
	require.NoError(t, store.AddInitialIncoming(ctx, session, tx))

	// wait window not elapsed and redeem not set: not eligible
	txs, err := store.FetchUnnotifiedTxs(ctx, time.Hour, time.Hour)
	require.NoError(t, err)
	require.Empty(t, txs)

	// redeem flag makes it eligible immediately
	require.NoError(t, store.UpdateRedeem(ctx, session))
	txs, err = store.FetchUnnotifiedTxs(ctx, time.Hour, time.Hour)
	require.NoError(t, err)
	require.Len(t, txs, 1)

	// notified rows drop out
	require.NoError(t, store.UpdateNotify(ctx, txs[0].ID))
	txs, err = store.FetchUnnotifiedTxs(ctx, time.Hour, time.Hour)
	require.NoError(t, err)
	require.Empty(t, txs)
}

func TestLegalTransition(t *testing.T) {
	cases := []struct {
		name     string
		incoming bool
		from     coinfleet.TxStage
		fromAuth coinfleet.TxAuthority
		to       coinfleet.TxStage
		toAuth   coinfleet.TxAuthority
		want     bool
	}{
		{"incoming initial to dispense pending", true, coinfleet.StageInitialRequest, coinfleet.AuthorityPending, coinfleet.StageDispense, coinfleet.AuthorityPending, true},
		{"incoming dispense pending to authorized", true, coinfleet.StageDispense, coinfleet.AuthorityPending, coinfleet.StageDispense, coinfleet.AuthorityAuthorized, true},
		{"outgoing initial to partial send", false, coinfleet.StageInitialRequest, coinfleet.AuthorityPending, coinfleet.StagePartialSend, coinfleet.AuthorityMachine, true},
		{"outgoing partial send to final", false, coinfleet.StagePartialSend, coinfleet.AuthorityMachine, coinfleet.StageFinalRequest, coinfleet.AuthorityMachine, true},
		{"no regression", true, coinfleet.StageDispense, coinfleet.AuthorityAuthorized, coinfleet.StageInitialRequest, coinfleet.AuthorityPending, false},
		{"incoming cannot partial send", true, coinfleet.StageInitialRequest, coinfleet.AuthorityPending, coinfleet.StagePartialSend, coinfleet.AuthorityMachine, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := coinfleet.LegalTransition(tc.incoming, tc.from, tc.fromAuth, tc.to, tc.toAuth)
			require.Equal(t, tc.want, got)
		})
	}
}
