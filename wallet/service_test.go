package wallet

import (
	"context"
	"errors"
	"math/big"
	"testing"

	coinfleet "github.com/coinfleet/coinfleet"
	"github.com/coinfleet/coinfleet/config"
)

// mockWallet implements Wallet for testing
type mockWallet struct {
	balance   func(ctx context.Context, account Account, cryptoCode string) (*big.Int, error)
	sendCoins func(ctx context.Context, account Account, toAddress string, cryptoAtoms *big.Int, cryptoCode string) (string, error)
	getStatus func(ctx context.Context, account Account, toAddress string, cryptoAtoms *big.Int, cryptoCode string) (coinfleet.TxStatus, error)
}

func (m *mockWallet) Balance(ctx context.Context, account Account, cryptoCode string) (*big.Int, error) {
	if m.balance != nil {
		return m.balance(ctx, account, cryptoCode)
	}
	return big.NewInt(0), nil
}

func (m *mockWallet) SendCoins(ctx context.Context, account Account, toAddress string, cryptoAtoms *big.Int, cryptoCode string) (string, error) {
	if m.sendCoins != nil {
		return m.sendCoins(ctx, account, toAddress, cryptoAtoms, cryptoCode)
	}
	return "0xtx", nil
}

func (m *mockWallet) NewAddress(ctx context.Context, account Account, info AddressInfo) (string, error) {
	return "addr-1", nil
}

func (m *mockWallet) GetStatus(ctx context.Context, account Account, toAddress string, cryptoAtoms *big.Int, cryptoCode string) (coinfleet.TxStatus, error) {
	if m.getStatus != nil {
		return m.getStatus(ctx, account, toAddress, cryptoAtoms, cryptoCode)
	}
	return coinfleet.StatusAuthorized, nil
}

func (m *mockWallet) Sweep(ctx context.Context, account Account, cryptoCode string, hdIndex int) (string, error) {
	return "0xsweep", nil
}

// mockZeroConf implements ZeroConfProvider for testing
type mockZeroConf struct {
	calls     int
	authorize func(ctx context.Context, account Account, toAddress string, cryptoAtoms *big.Int, cryptoCode string) (bool, error)
}

func (m *mockZeroConf) Authorize(ctx context.Context, account Account, toAddress string, cryptoAtoms *big.Int, cryptoCode string) (bool, error) {
	m.calls++
	if m.authorize != nil {
		return m.authorize(ctx, account, toAddress, cryptoAtoms, cryptoCode)
	}
	return true, nil
}

func policyDoc(zeroConfPlugin string, limit int64) config.Document {
	return config.Document{
		{FieldLocator: config.FieldLocator{Code: config.FieldZeroConfLimit, CryptoScope: "global", MachineScope: "global"}, FieldValue: float64(limit)},
		{FieldLocator: config.FieldLocator{Code: config.FieldZeroConf, CryptoScope: "BTC", MachineScope: "global"}, FieldValue: zeroConfPlugin},
		{FieldLocator: config.FieldLocator{Code: config.FieldWallet, CryptoScope: "BTC", MachineScope: "global"}, FieldValue: "mock"},
	}
}

func TestAuthorizeZeroConf_OverLimitAlwaysRejects(t *testing.T) {
	provider := &mockZeroConf{}
	registry := NewRegistry().RegisterZeroConf("risky", provider)
	svc := NewService(registry, nil)

	doc := policyDoc("risky", 100)

	ok, err := svc.AuthorizeZeroConf(context.Background(), doc, "M1", "BTC", "addr", big.NewInt(1), 101)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("fiat above zeroConfLimit must never be trusted")
	}
	if provider.calls != 0 {
		t.Error("provider must not be consulted above the limit")
	}
}

func TestAuthorizeZeroConf_AllZeroConfAccepts(t *testing.T) {
	svc := NewService(NewRegistry(), nil)
	doc := policyDoc(AllZeroConf, 100)

	ok, err := svc.AuthorizeZeroConf(context.Background(), doc, "M1", "BTC", "addr", big.NewInt(1), 50)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("unconditional-accept policy must trust under the limit")
	}
}

func TestAuthorizeZeroConf_DelegatesToProvider(t *testing.T) {
	provider := &mockZeroConf{
		authorize: func(ctx context.Context, account Account, toAddress string, cryptoAtoms *big.Int, cryptoCode string) (bool, error) {
			if toAddress != "addr" || cryptoCode != "BTC" {
				t.Errorf("unexpected delegation args: %s %s", toAddress, cryptoCode)
			}
			return false, nil
		},
	}
	registry := NewRegistry().RegisterZeroConf("risky", provider)
	svc := NewService(registry, nil)

	ok, err := svc.AuthorizeZeroConf(context.Background(), policyDoc("risky", 100), "M1", "BTC", "addr", big.NewInt(1), 50)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("provider verdict must be returned verbatim")
	}
	if provider.calls != 1 {
		t.Errorf("expected exactly one provider call, got %d", provider.calls)
	}
}

func TestAuthorizeZeroConf_MissingLimitTrustsNothing(t *testing.T) {
	svc := NewService(NewRegistry(), nil)
	doc := config.Document{
		{FieldLocator: config.FieldLocator{Code: config.FieldZeroConf, CryptoScope: "BTC", MachineScope: "global"}, FieldValue: AllZeroConf},
	}

	ok, err := svc.AuthorizeZeroConf(context.Background(), doc, "M1", "BTC", "addr", big.NewInt(1), 1)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("absent zeroConfLimit must reject positive amounts")
	}
}

func TestGetStatus_DowngradesAuthorized(t *testing.T) {
	w := &mockWallet{}
	provider := &mockZeroConf{
		authorize: func(ctx context.Context, account Account, toAddress string, cryptoAtoms *big.Int, cryptoCode string) (bool, error) {
			return false, nil
		},
	}
	registry := NewRegistry().RegisterWallet("mock", w).RegisterZeroConf("risky", provider)
	svc := NewService(registry, nil)

	status, err := svc.GetStatus(context.Background(), policyDoc("risky", 100), "M1", "BTC", "addr", big.NewInt(1), 50)
	if err != nil {
		t.Fatal(err)
	}
	if status != coinfleet.StatusPublished {
		t.Errorf("expected authorized downgraded to published, got %s", status)
	}
}

func TestGetStatus_PassThrough(t *testing.T) {
	cases := []coinfleet.TxStatus{coinfleet.StatusPending, coinfleet.StatusConfirmed, coinfleet.StatusRejected}

	for _, chainStatus := range cases {
		t.Run(string(chainStatus), func(t *testing.T) {
			w := &mockWallet{
				getStatus: func(ctx context.Context, account Account, toAddress string, cryptoAtoms *big.Int, cryptoCode string) (coinfleet.TxStatus, error) {
					return chainStatus, nil
				},
			}
			registry := NewRegistry().RegisterWallet("mock", w)
			svc := NewService(registry, nil)

			status, err := svc.GetStatus(context.Background(), policyDoc(AllZeroConf, 100), "M1", "BTC", "addr", big.NewInt(1), 50)
			if err != nil {
				t.Fatal(err)
			}
			if status != chainStatus {
				t.Errorf("expected %s passed through, got %s", chainStatus, status)
			}
		})
	}
}

func TestSendCoins_MapsInsufficientFunds(t *testing.T) {
	w := &mockWallet{
		sendCoins: func(ctx context.Context, account Account, toAddress string, cryptoAtoms *big.Int, cryptoCode string) (string, error) {
			return "", coinfleet.NewEngineError(coinfleet.ErrCodeInsufficientFunds, "balance too low", nil)
		},
	}
	registry := NewRegistry().RegisterWallet("mock", w)
	svc := NewService(registry, nil)

	_, err := svc.SendCoins(context.Background(), policyDoc(AllZeroConf, 100), "addr", big.NewInt(1), "BTC")
	if !errors.Is(err, coinfleet.ErrInsufficientFunds) {
		t.Errorf("expected ErrInsufficientFunds, got %v", err)
	}
}

func TestService_UnknownPlugin(t *testing.T) {
	svc := NewService(NewRegistry(), nil)

	_, err := svc.Balance(context.Background(), policyDoc(AllZeroConf, 100), "BTC")
	if err == nil {
		t.Fatal("expected error for unregistered wallet plugin")
	}
}
