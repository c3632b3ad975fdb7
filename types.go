package coinfleet

import (
	"math/big"
	"time"
)

// Session identifies one physical interaction with a machine. Sessions are
// referenced by ledger rows and idempotent actions; they are never stored
// standalone.
type Session struct {
	// Fingerprint is the device identity (client certificate fingerprint).
	Fingerprint string `json:"fingerprint"`
	// ID is the session token minted by the device for this interaction.
	ID string `json:"id"`
	// DeviceTime is the clock reading the device declared for the request.
	DeviceTime time.Time `json:"deviceTime"`
}

// TxStage describes which step of the cash-in/cash-out flow a transaction
// row records.
type TxStage string

const (
	StageInitialRequest TxStage = "initial_request"
	StagePartialSend    TxStage = "partial_send"
	StageDispense       TxStage = "dispense"
	StageFinalRequest   TxStage = "final_request"
)

// TxAuthority describes who currently owns advancing a transaction row.
type TxAuthority string

const (
	AuthorityPending    TxAuthority = "pending"
	AuthorityAuthorized TxAuthority = "authorized"
	AuthorityMachine    TxAuthority = "machine"
)

// TxStatus tracks the underlying chain event for an incoming transaction.
type TxStatus string

const (
	StatusPending           TxStatus = "pending"
	StatusInstant           TxStatus = "instant"
	StatusAuthorized        TxStatus = "authorized"
	StatusPublished         TxStatus = "published"
	StatusConfirmed         TxStatus = "confirmed"
	StatusRejected          TxStatus = "rejected"
	StatusInsufficientFunds TxStatus = "insufficient_funds"
)

// Transaction is a single monetary movement tied to a device session.
// Rows are append-only per (stage, authority) transition; only the chain
// progress fields (Status, Notified, Dispensed, Redeem, Phone, ConfirmedAt)
// mutate in place on the initial_request/pending row.
type Transaction struct {
	ID          int64       `json:"id"`
	SessionID   string      `json:"sessionId"`
	Fingerprint string      `json:"deviceFingerprint"`
	Incoming    bool        `json:"incoming"`
	Stage       TxStage     `json:"stage"`
	Authority   TxAuthority `json:"authority"`

	CurrencyCode string   `json:"currencyCode"`
	CryptoCode   string   `json:"cryptoCode"`
	CryptoAtoms  *big.Int `json:"cryptoAtoms"`
	Fiat         int64    `json:"fiatAmount"`
	ToAddress    string   `json:"toAddress"`
	TxHash       string   `json:"txHash,omitempty"`

	Status    TxStatus `json:"status,omitempty"`
	Phone     string   `json:"phone,omitempty"`
	Notified  bool     `json:"notified"`
	Dispensed bool     `json:"dispensed"`
	Redeem    bool     `json:"redeem"`
	Error     string   `json:"error,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	ConfirmedAt *time.Time `json:"confirmedAt,omitempty"`
}

// Bill is one physical banknote reported by a machine. The UUID is minted
// by the device, so reporting the same bill twice carries the same id.
type Bill struct {
	ID           string    `json:"uuid"`
	CurrencyCode string    `json:"currency"`
	CryptoCode   string    `json:"cryptoCode"`
	ToAddress    string    `json:"toAddress"`
	CryptoAtoms  *big.Int  `json:"cryptoAtoms"`
	Fiat         int64     `json:"fiat"`
	DeviceTime   time.Time `json:"deviceTime"`
}

// CartridgeResult records the outcome of one physical cassette during a
// payout.
type CartridgeResult struct {
	Dispensed int `json:"dispensed"`
	Rejected  int `json:"rejected"`
	Count     int `json:"count"`
}

// Dispense is one physical payout attempt tied to a transaction. Written
// exactly once per (dispense, authorized) transition.
type Dispense struct {
	ID            int64             `json:"id"`
	TransactionID int64             `json:"transactionId"`
	Fingerprint   string            `json:"deviceFingerprint"`
	Cartridges    []CartridgeResult `json:"perCartridge"`
	Refill        bool              `json:"refill"`
	Error         string            `json:"error,omitempty"`
}

// LegalTransition reports whether a transaction row may advance from one
// (stage, authority) pair to another. The initial pair for every flow is
// (initial_request, pending); pairs only move forward, never regress.
func LegalTransition(incoming bool, from TxStage, fromAuth TxAuthority, to TxStage, toAuth TxAuthority) bool {
	if from == StageInitialRequest && fromAuth == AuthorityPending {
		if incoming {
			return to == StageDispense && toAuth == AuthorityPending
		}
		return (to == StagePartialSend && toAuth == AuthorityMachine) ||
			(to == StageFinalRequest && toAuth == AuthorityMachine)
	}
	if incoming && from == StageDispense && fromAuth == AuthorityPending {
		return to == StageDispense && toAuth == AuthorityAuthorized
	}
	if !incoming && from == StagePartialSend && fromAuth == AuthorityMachine {
		return to == StageFinalRequest && toAuth == AuthorityMachine
	}
	return false
}
