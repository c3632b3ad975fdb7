// Package engine composes the ledger, wallet service, and policy document
// into the operations the device protocol exposes. Every operation takes
// the resolved policy document so a device may keep acting on the config
// version it last polled.
package engine

import (
	"context"
	"log/slog"
	"time"

	coinfleet "github.com/coinfleet/coinfleet"
	"github.com/coinfleet/coinfleet/config"
	"github.com/coinfleet/coinfleet/devicestate"
	"github.com/coinfleet/coinfleet/ledger"
	"github.com/coinfleet/coinfleet/wallet"
)

// openTxAge bounds the poller's scan window for status refreshes.
const openTxAge = 24 * time.Hour

// dispenseTimeout is how long a confirmed cash-out stays redeemable.
const dispenseTimeout = 2 * time.Hour

// redeemWaitPeriod is how long to wait for an in-person redeem before a
// transaction becomes eligible for SMS notification.
const redeemWaitPeriod = 15 * time.Minute

// Notifier delivers redemption notices to customers. SMS delivery itself
// lives outside the engine.
type Notifier interface {
	NotifyRedeem(ctx context.Context, tx coinfleet.Transaction) error
}

// Engine ties the transaction ledger, wallet providers, and device state
// together.
type Engine struct {
	ledger  ledger.Store
	wallets *wallet.Service
	devices *devicestate.Tracker
	log     *slog.Logger
}

func New(store ledger.Store, wallets *wallet.Service, devices *devicestate.Tracker, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{ledger: store, wallets: wallets, devices: devices, log: log}
}

// Locale is the machine-facing locale block of a poll response.
type Locale struct {
	FiatCode   string     `json:"fiatCode"`
	LocaleInfo LocaleInfo `json:"localeInfo"`
}

type LocaleInfo struct {
	PrimaryLocale  string   `json:"primaryLocale"`
	PrimaryLocales []string `json:"primaryLocales"`
	Country        string   `json:"country"`
}

// PollResponse carries every policy value the machine needs until its
// next poll.
type PollResponse struct {
	Locale                 Locale   `json:"locale"`
	TxLimit                int64    `json:"txLimit"`
	IDVerificationEnabled  bool     `json:"idVerificationEnabled"`
	IDVerificationLimit    int64    `json:"idVerificationLimit,omitempty"`
	SMSVerificationEnabled bool     `json:"smsVerificationEnabled"`
	Cartridges             []int    `json:"cartridges"`
	TwoWayMode             bool     `json:"twoWayMode"`
	ZeroConfLimit          int64    `json:"zeroConfLimit"`
	FiatTxLimit            int64    `json:"fiatTxLimit"`
	Reboot                 bool     `json:"reboot"`
	Coins                  []string `json:"coins"`
}

// Poll records the machine's liveness and returns its resolved policy.
func (e *Engine) Poll(ctx context.Context, doc config.Document, session coinfleet.Session, pid string) (*PollResponse, error) {
	machineID := session.Fingerprint
	if pid != "" {
		e.devices.ReportPid(machineID, pid)
	}

	counts, err := e.ledger.CartridgeCounts(ctx, session)
	if err != nil {
		return nil, err
	}

	langs := doc.EffectiveStringList(machineID, config.Global, config.FieldMachineLanguages)
	primary := ""
	if len(langs) > 0 {
		primary = langs[0]
	}

	txLimit, _ := doc.EffectiveInt(machineID, config.Global, config.FieldCashInTransactionLimit)
	zeroConfLimit, _ := doc.EffectiveInt(machineID, config.Global, config.FieldZeroConfLimit)
	fiatTxLimit, _ := doc.EffectiveInt(machineID, config.Global, config.FieldCashOutTransactionLimit)

	resp := &PollResponse{
		Locale: Locale{
			FiatCode: doc.EffectiveString(machineID, config.Global, config.FieldFiatCurrency),
			LocaleInfo: LocaleInfo{
				PrimaryLocale:  primary,
				PrimaryLocales: langs,
				Country:        doc.EffectiveString(machineID, config.Global, config.FieldCountry),
			},
		},
		TxLimit:                txLimit,
		IDVerificationEnabled:  doc.EffectiveBool(machineID, config.Global, config.FieldIDVerificationEnabled),
		SMSVerificationEnabled: doc.EffectiveBool(machineID, config.Global, config.FieldSMSVerificationEnabled),
		Cartridges:             counts.Counts,
		TwoWayMode:             doc.EffectiveBool(machineID, config.Global, config.FieldCashOutEnabled),
		ZeroConfLimit:          zeroConfLimit,
		FiatTxLimit:            fiatTxLimit,
		Reboot:                 pid != "" && e.devices.ShouldReboot(machineID, pid),
		Coins:                  doc.EffectiveStringList(machineID, config.Global, config.FieldCryptoCurrencies),
	}
	if resp.IDVerificationEnabled {
		resp.IDVerificationLimit, _ = doc.EffectiveInt(machineID, config.Global, config.FieldIDVerificationLimit)
	}
	return resp, nil
}

// Trade records one inserted banknote. Duplicate reports are benign.
func (e *Engine) Trade(ctx context.Context, session coinfleet.Session, bill coinfleet.Bill) error {
	return e.ledger.RecordBill(ctx, session, bill)
}

// SendResult is the body returned to the machine after a send.
type SendResult struct {
	TxID int64 `json:"txId"`
}

// Send dispatches the session's accumulated crypto to the customer
// address and records the terminal outgoing row for machine-sourced
// sends. A wallet shortfall surfaces as the typed insufficient-funds
// error.
func (e *Engine) Send(ctx context.Context, doc config.Document, session coinfleet.Session, tx coinfleet.Transaction) (*SendResult, error) {
	txHash, err := e.wallets.SendCoins(ctx, doc, tx.ToAddress, tx.CryptoAtoms, tx.CryptoCode)
	if err != nil {
		return nil, err
	}

	tx.TxHash = txHash
	result := &SendResult{}
	// A zero-fiat send is a timeout retry, not a machine sale; it gets
	// no terminal row.
	if tx.Fiat != 0 {
		id, err := e.ledger.AddOutgoingTx(ctx, session, tx)
		if err != nil {
			return nil, err
		}
		result.TxID = id
	}

	e.log.Info("sent coins", "session", session.ID, "crypto", tx.CryptoCode, "hash", txHash)
	return result, nil
}

// PartialSend records an interrupted multi-part dispatch. The machine
// retries the remainder under the same session.
func (e *Engine) PartialSend(ctx context.Context, session coinfleet.Session, tx coinfleet.Transaction) error {
	return e.ledger.SentCoins(ctx, session, tx, coinfleet.AuthorityMachine)
}

// CashOutResult is the body returned to the machine for a cash-out start.
type CashOutResult struct {
	ToAddress string `json:"toAddress"`
}

// CashOut opens an incoming flow: derives a receive address for the
// session and records the pending transaction against it.
func (e *Engine) CashOut(ctx context.Context, doc config.Document, session coinfleet.Session, tx coinfleet.Transaction) (*CashOutResult, error) {
	address, err := e.wallets.NewAddress(ctx, doc, wallet.AddressInfo{
		CryptoCode:  tx.CryptoCode,
		SessionID:   session.ID,
		Fingerprint: session.Fingerprint,
	})
	if err != nil {
		return nil, err
	}

	tx.ToAddress = address
	if err := e.ledger.AddInitialIncoming(ctx, session, tx); err != nil {
		return nil, err
	}

	e.log.Info("cash out opened", "session", session.ID, "crypto", tx.CryptoCode, "address", address)
	return &CashOutResult{ToAddress: address}, nil
}

// DispenseRequest marks the session's open transaction for payout.
func (e *Engine) DispenseRequest(ctx context.Context, session coinfleet.Session, tx coinfleet.Transaction) error {
	return e.ledger.AddDispenseRequest(ctx, session, tx)
}

// DispenseAck records the completed payout with per-cartridge results.
func (e *Engine) DispenseAck(ctx context.Context, session coinfleet.Session, tx coinfleet.Transaction, cartridges []coinfleet.CartridgeResult) error {
	return e.ledger.AddDispense(ctx, session, tx, cartridges)
}

// PhoneResult reports whether the phone update found an open row.
type PhoneResult struct {
	NoPhone bool `json:"noPhone"`
}

// UpdatePhone attaches a customer phone to the open transaction.
func (e *Engine) UpdatePhone(ctx context.Context, session coinfleet.Session, tx coinfleet.Transaction, notified bool) (*PhoneResult, error) {
	noPhone, err := e.ledger.UpdatePhone(ctx, session, tx, notified)
	if err != nil {
		return nil, err
	}
	return &PhoneResult{NoPhone: noPhone}, nil
}

// RegisterRedeem flags the open transaction for SMS redemption.
func (e *Engine) RegisterRedeem(ctx context.Context, session coinfleet.Session) error {
	return e.ledger.UpdateRedeem(ctx, session)
}

// PhoneTxs returns redeemable transactions for a phone number.
func (e *Engine) PhoneTxs(ctx context.Context, phone string) ([]coinfleet.Transaction, error) {
	return e.ledger.FetchPhoneTxs(ctx, phone, dispenseTimeout)
}

// AwaitDispense returns the session's open transaction, or nil when the
// session has none.
func (e *Engine) AwaitDispense(ctx context.Context, session coinfleet.Session) (*coinfleet.Transaction, error) {
	return e.ledger.FetchTx(ctx, session)
}

// LogEvent records a machine-reported event. Events are observability
// only; nothing downstream keys off them.
func (e *Engine) LogEvent(ctx context.Context, session coinfleet.Session, event map[string]interface{}) {
	e.log.Info("device event", "device", session.Fingerprint, "event", event)
}

// RefreshStatuses advances the chain status of open incoming
// transactions. An on-chain authorized status arrives downgraded to
// published unless zero-conf accepts; an accepted one is persisted as
// instant, which makes the row redeemable while it waits for the chain
// to confirm.
func (e *Engine) RefreshStatuses(ctx context.Context, doc config.Document) error {
	open, err := e.ledger.FetchOpenTxs(ctx, []coinfleet.TxStatus{
		coinfleet.StatusPending, coinfleet.StatusPublished, coinfleet.StatusInstant,
	}, openTxAge)
	if err != nil {
		return err
	}

	for _, tx := range open {
		status, err := e.wallets.GetStatus(ctx, doc, tx.Fingerprint, tx.CryptoCode, tx.ToAddress, tx.CryptoAtoms, tx.Fiat)
		if err != nil {
			e.log.Error("status refresh failed", "session", tx.SessionID, "err", err)
			continue
		}
		if status == coinfleet.StatusAuthorized {
			status = coinfleet.StatusInstant
		}
		if status == tx.Status {
			continue
		}
		confirm := status == coinfleet.StatusConfirmed
		if err := e.ledger.UpdateTxStatus(ctx, tx.ID, status, confirm); err != nil {
			return err
		}
		e.log.Info("tx status advanced", "session", tx.SessionID, "from", tx.Status, "to", status)
	}
	return nil
}

// NotifyRedeems delivers redemption notices for eligible transactions and
// marks them notified.
func (e *Engine) NotifyRedeems(ctx context.Context, notifier Notifier) error {
	txs, err := e.ledger.FetchUnnotifiedTxs(ctx, openTxAge, redeemWaitPeriod)
	if err != nil {
		return err
	}

	for _, tx := range txs {
		if err := notifier.NotifyRedeem(ctx, tx); err != nil {
			e.log.Error("redeem notification failed", "session", tx.SessionID, "err", err)
			continue
		}
		if err := e.ledger.UpdateNotify(ctx, tx.ID); err != nil {
			return err
		}
	}
	return nil
}
