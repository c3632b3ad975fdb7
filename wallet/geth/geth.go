// Package geth implements the wallet capability against an Ethereum node
// over its RPC endpoint.
package geth

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	coinfleet "github.com/coinfleet/coinfleet"
	"github.com/coinfleet/coinfleet/wallet"
)

const transferGasLimit = 21000

// Wallet talks to a single Ethereum node. The node endpoint comes from
// the daemon supervisor (out of scope here); credentials come from the
// per-plugin account.
type Wallet struct {
	client *ethclient.Client
}

// Dial connects to the node RPC endpoint.
func Dial(rawurl string) (*Wallet, error) {
	client, err := ethclient.Dial(rawurl)
	if err != nil {
		return nil, fmt.Errorf("geth: dial %s: %w", rawurl, err)
	}
	return &Wallet{client: client}, nil
}

// NewWithClient wraps an existing client, for tests.
func NewWithClient(client *ethclient.Client) *Wallet {
	return &Wallet{client: client}
}

func accountAddress(account wallet.Account) (common.Address, error) {
	raw, _ := account["address"].(string)
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("geth: account has no valid address")
	}
	return common.HexToAddress(raw), nil
}

// Balance returns the confirmed spendable balance of the operator
// account.
func (w *Wallet) Balance(ctx context.Context, account wallet.Account, cryptoCode string) (*big.Int, error) {
	addr, err := accountAddress(account)
	if err != nil {
		return nil, err
	}
	return w.client.BalanceAt(ctx, addr, nil)
}

// SendCoins signs and broadcasts a plain value transfer. An amount above
// the spendable balance surfaces as the typed insufficient-funds error.
func (w *Wallet) SendCoins(ctx context.Context, account wallet.Account, toAddress string, cryptoAtoms *big.Int, cryptoCode string) (string, error) {
	keyHex, _ := account["privateKey"].(string)
	key, err := crypto.HexToECDSA(strings.TrimPrefix(keyHex, "0x"))
	if err != nil {
		return "", fmt.Errorf("geth: bad account key: %w", err)
	}
	from := crypto.PubkeyToAddress(key.PublicKey)

	balance, err := w.client.BalanceAt(ctx, from, nil)
	if err != nil {
		return "", err
	}

	gasPrice, err := w.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", err
	}

	cost := new(big.Int).Add(cryptoAtoms, new(big.Int).Mul(gasPrice, big.NewInt(transferGasLimit)))
	if balance.Cmp(cost) < 0 {
		return "", coinfleet.NewEngineError(coinfleet.ErrCodeInsufficientFunds,
			fmt.Sprintf("balance %s below send cost %s", balance, cost), nil)
	}

	nonce, err := w.client.PendingNonceAt(ctx, from)
	if err != nil {
		return "", err
	}

	chainID, err := w.client.ChainID(ctx)
	if err != nil {
		return "", err
	}

	to := common.HexToAddress(toAddress)
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    cryptoAtoms,
		Gas:      transferGasLimit,
		GasPrice: gasPrice,
	})

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), key)
	if err != nil {
		return "", err
	}

	if err := w.client.SendTransaction(ctx, signed); err != nil {
		return "", err
	}
	return signed.Hash().Hex(), nil
}

// NewAddress returns the operator receive address. The provider is not
// HD; every cash-in session funds the same account.
func (w *Wallet) NewAddress(ctx context.Context, account wallet.Account, info wallet.AddressInfo) (string, error) {
	addr, err := accountAddress(account)
	if err != nil {
		return "", err
	}
	return addr.Hex(), nil
}

// GetStatus classifies an incoming payment by comparing the receive
// address balance against the expected amount: confirmed balance covers
// it, pending balance covers it, or neither.
func (w *Wallet) GetStatus(ctx context.Context, account wallet.Account, toAddress string, cryptoAtoms *big.Int, cryptoCode string) (coinfleet.TxStatus, error) {
	addr := common.HexToAddress(toAddress)

	confirmed, err := w.client.BalanceAt(ctx, addr, nil)
	if err != nil {
		return "", err
	}
	if confirmed.Cmp(cryptoAtoms) >= 0 {
		return coinfleet.StatusConfirmed, nil
	}

	pending, err := w.client.PendingBalanceAt(ctx, addr)
	if err != nil {
		return "", err
	}
	if pending.Cmp(cryptoAtoms) >= 0 {
		return coinfleet.StatusAuthorized, nil
	}
	return coinfleet.StatusPending, nil
}

// Sweep is not supported by this provider; session funds already land in
// the operator account.
func (w *Wallet) Sweep(ctx context.Context, account wallet.Account, cryptoCode string, hdIndex int) (string, error) {
	return "", fmt.Errorf("geth: sweep not supported")
}

// Ensure Wallet implements the capability contract
var _ wallet.Wallet = (*Wallet)(nil)
