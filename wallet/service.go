package wallet

import (
	"context"
	"errors"
	"math/big"

	coinfleet "github.com/coinfleet/coinfleet"
	"github.com/coinfleet/coinfleet/config"
)

// Service resolves the configured plugin for a currency and delegates to
// it. Policy reads go through the effective-value fallback; the policy
// document is passed per call because devices may pin a config version.
type Service struct {
	registry *Registry
	accounts map[string]Account
}

// NewService creates a wallet service over a populated registry.
// accounts maps plugin identifiers to their credentials.
func NewService(registry *Registry, accounts map[string]Account) *Service {
	if accounts == nil {
		accounts = make(map[string]Account)
	}
	return &Service{registry: registry, accounts: accounts}
}

func (s *Service) fetchWallet(doc config.Document, cryptoCode string) (Wallet, Account, error) {
	plugin := doc.EffectiveString(config.Global, cryptoCode, config.FieldWallet)
	w, err := s.registry.wallet(plugin)
	if err != nil {
		return nil, nil, err
	}
	return w, s.accounts[plugin], nil
}

// Balance returns the spendable balance for a currency.
func (s *Service) Balance(ctx context.Context, doc config.Document, cryptoCode string) (*big.Int, error) {
	w, account, err := s.fetchWallet(doc, cryptoCode)
	if err != nil {
		return nil, err
	}
	return w.Balance(ctx, account, cryptoCode)
}

// SendCoins dispatches an outgoing send through the configured provider.
// A provider insufficient-funds failure surfaces as the typed
// ErrInsufficientFunds, never a generic error.
func (s *Service) SendCoins(ctx context.Context, doc config.Document, toAddress string, cryptoAtoms *big.Int, cryptoCode string) (string, error) {
	w, account, err := s.fetchWallet(doc, cryptoCode)
	if err != nil {
		return "", err
	}

	txHash, err := w.SendCoins(ctx, account, toAddress, cryptoAtoms, cryptoCode)
	if err != nil {
		var engineErr *coinfleet.EngineError
		if errors.As(err, &engineErr) && engineErr.Code == coinfleet.ErrCodeInsufficientFunds {
			return "", coinfleet.ErrInsufficientFunds
		}
		return "", err
	}
	return txHash, nil
}

// NewAddress derives a fresh receive address for a cash-in session.
func (s *Service) NewAddress(ctx context.Context, doc config.Document, info AddressInfo) (string, error) {
	w, account, err := s.fetchWallet(doc, info.CryptoCode)
	if err != nil {
		return "", err
	}
	return w.NewAddress(ctx, account, info)
}

// Sweep moves funds from an HD session address to the operator wallet.
func (s *Service) Sweep(ctx context.Context, doc config.Document, cryptoCode string, hdIndex int) (string, error) {
	w, account, err := s.fetchWallet(doc, cryptoCode)
	if err != nil {
		return "", err
	}
	return w.Sweep(ctx, account, cryptoCode, hdIndex)
}

// walletStatus queries the provider for the on-chain status of a payment
// to an address.
func (s *Service) walletStatus(ctx context.Context, doc config.Document, toAddress string, cryptoAtoms *big.Int, cryptoCode string) (coinfleet.TxStatus, error) {
	w, account, err := s.fetchWallet(doc, cryptoCode)
	if err != nil {
		return "", err
	}
	return w.GetStatus(ctx, account, toAddress, cryptoAtoms, cryptoCode)
}

// AuthorizeZeroConf decides whether an unconfirmed payment may be trusted
// immediately. Pure decision plus at most one external risk-check call;
// mutates no stored state.
//
// Rule: a fiat amount above the effective zeroConfLimit is never trusted.
// Below the limit, the unconditional-accept policy trusts everything;
// any other configured provider gets the final say.
func (s *Service) AuthorizeZeroConf(ctx context.Context, doc config.Document, machineID, cryptoCode, toAddress string, cryptoAtoms *big.Int, fiat int64) (bool, error) {
	// A missing limit trusts nothing.
	limit, _ := doc.EffectiveInt(machineID, cryptoCode, config.FieldZeroConfLimit)
	if fiat > limit {
		return false, nil
	}

	plugin := doc.EffectiveString(config.Global, cryptoCode, config.FieldZeroConf)
	if plugin == AllZeroConf {
		return true, nil
	}

	provider, err := s.registry.zeroConfProvider(plugin)
	if err != nil {
		return false, err
	}
	return provider.Authorize(ctx, s.accounts[plugin], toAddress, cryptoAtoms, cryptoCode)
}

// GetStatus composes the provider's on-chain status with the zero-conf
// decision: an on-chain authorized status is downgraded to published
// unless zero-conf authorization also accepts. Other statuses pass
// through unchanged.
func (s *Service) GetStatus(ctx context.Context, doc config.Document, machineID, cryptoCode, toAddress string, cryptoAtoms *big.Int, fiat int64) (coinfleet.TxStatus, error) {
	status, err := s.walletStatus(ctx, doc, toAddress, cryptoAtoms, cryptoCode)
	if err != nil {
		return "", err
	}

	authorized, err := s.AuthorizeZeroConf(ctx, doc, machineID, cryptoCode, toAddress, cryptoAtoms, fiat)
	if err != nil {
		return "", err
	}

	if status == coinfleet.StatusAuthorized && !authorized {
		return coinfleet.StatusPublished, nil
	}
	return status, nil
}
