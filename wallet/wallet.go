package wallet

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	coinfleet "github.com/coinfleet/coinfleet"
)

// Account carries the per-plugin credentials a provider needs (API keys,
// node endpoints, seeds). Populated once at startup from operator config.
type Account map[string]interface{}

// AddressInfo carries the context a provider may use when deriving a
// fresh receive address.
type AddressInfo struct {
	CryptoCode  string
	SessionID   string
	Fingerprint string
	HDIndex     int
}

// Wallet is the capability contract a currency's wallet plugin
// implements. One implementation per provider, selected through the
// registry by the configured plugin identifier.
type Wallet interface {
	Balance(ctx context.Context, account Account, cryptoCode string) (*big.Int, error)
	SendCoins(ctx context.Context, account Account, toAddress string, cryptoAtoms *big.Int, cryptoCode string) (txHash string, err error)
	NewAddress(ctx context.Context, account Account, info AddressInfo) (string, error)
	GetStatus(ctx context.Context, account Account, toAddress string, cryptoAtoms *big.Int, cryptoCode string) (coinfleet.TxStatus, error)
	Sweep(ctx context.Context, account Account, cryptoCode string, hdIndex int) (txHash string, err error)
}

// ZeroConfProvider decides whether an unconfirmed payment to an address
// may be trusted. One implementation per risk-check provider.
type ZeroConfProvider interface {
	Authorize(ctx context.Context, account Account, toAddress string, cryptoAtoms *big.Int, cryptoCode string) (bool, error)
}

// AllZeroConf is the unconditional-accept zero-conf policy identifier.
const AllZeroConf = "all-zero-conf"

// Registry maps plugin identifiers to wallet and zero-conf
// implementations. Process-wide: populated once at startup, immutable
// thereafter.
type Registry struct {
	mu       sync.RWMutex
	wallets  map[string]Wallet
	zeroConf map[string]ZeroConfProvider
}

func NewRegistry() *Registry {
	return &Registry{
		wallets:  make(map[string]Wallet),
		zeroConf: make(map[string]ZeroConfProvider),
	}
}

// RegisterWallet registers a wallet provider under a plugin identifier
func (r *Registry) RegisterWallet(plugin string, w Wallet) *Registry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.wallets[plugin] = w
	return r
}

// RegisterZeroConf registers a zero-conf risk-check provider
func (r *Registry) RegisterZeroConf(plugin string, p ZeroConfProvider) *Registry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.zeroConf[plugin] = p
	return r
}

func (r *Registry) wallet(plugin string) (Wallet, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.wallets[plugin]
	if !ok {
		return nil, fmt.Errorf("no wallet plugin %q", plugin)
	}
	return w, nil
}

func (r *Registry) zeroConfProvider(plugin string) (ZeroConfProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.zeroConf[plugin]
	if !ok {
		return nil, fmt.Errorf("no zero-conf plugin %q", plugin)
	}
	return p, nil
}
