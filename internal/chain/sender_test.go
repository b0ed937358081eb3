package chain

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"

	"keyvault/go-backend/internal/chainkey"
	"keyvault/go-backend/internal/gate"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

const (
	testKey       = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	testRecipient = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
)

type fakeClient struct {
	mu       sync.Mutex
	chainID  *big.Int
	nonce    uint64
	gasPrice *big.Int
	estimate uint64
	balance  *big.Int
	balErr   error
	sendErr  error
	sent     []*types.Transaction
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		chainID:  big.NewInt(1),
		nonce:    7,
		gasPrice: big.NewInt(2_000_000_000),
		estimate: 21000,
		balance:  new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil),
	}
}

func (f *fakeClient) ChainID(ctx context.Context) (*big.Int, error) { return f.chainID, nil }

func (f *fakeClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return f.nonce, nil
}

func (f *fakeClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) { return f.gasPrice, nil }

func (f *fakeClient) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return f.estimate, nil
}

func (f *fakeClient) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	if f.balErr != nil {
		return nil, f.balErr
	}
	return f.balance, nil
}

func (f *fakeClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	return nil
}

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func testSigner(t *testing.T) *chainkey.Key {
	t.Helper()
	k, err := chainkey.ParseSecret(testKey)
	if err != nil {
		t.Fatalf("parse key: %v", err)
	}
	return k
}

func TestSendFillsGasAndSigns(t *testing.T) {
	client := newFakeClient()
	s := NewSender(client, 1.5, testLogger())
	signer := testSigner(t)

	hash, err := s.Send(context.Background(), signer, TxRequest{To: testRecipient, Value: big.NewInt(1000)})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(client.sent) != 1 {
		t.Fatalf("expected one broadcast, got %d", len(client.sent))
	}
	tx := client.sent[0]
	if tx.Hash() != hash {
		t.Fatal("returned hash differs from broadcast tx")
	}
	if tx.Gas() != 31500 || tx.Nonce() != 7 || tx.GasPrice().Cmp(client.gasPrice) != 0 {
		t.Fatalf("unexpected tx fields gas=%d nonce=%d price=%s", tx.Gas(), tx.Nonce(), tx.GasPrice())
	}
	from, err := types.Sender(types.LatestSignerForChainID(big.NewInt(1)), tx)
	if err != nil || from.Hex() != signer.Address() {
		t.Fatalf("unexpected sender %s %v", from.Hex(), err)
	}
}

func TestSendPrecheckInsufficientFunds(t *testing.T) {
	client := newFakeClient()
	client.balance = big.NewInt(10)
	s := NewSender(client, 1.2, testLogger())
	_, err := s.Send(context.Background(), testSigner(t), TxRequest{To: testRecipient, Value: big.NewInt(1)})
	if !errors.Is(err, ErrInsufficientFundsForGas) {
		t.Fatalf("expected ErrInsufficientFundsForGas, got %v", err)
	}
	if len(client.sent) != 0 {
		t.Fatal("nothing may be broadcast when funds are short")
	}
}

func TestSendMapsNodeErrors(t *testing.T) {
	client := newFakeClient()
	client.balErr = errors.New("node down")
	client.sendErr = errors.New("insufficient funds for gas * price + value")
	s := NewSender(client, 1.2, testLogger())
	if _, err := s.Send(context.Background(), testSigner(t), TxRequest{To: testRecipient}); !errors.Is(err, ErrInsufficientFundsForGas) {
		t.Fatalf("expected ErrInsufficientFundsForGas, got %v", err)
	}

	client.sendErr = errors.New("nonce too low")
	_, err := s.Send(context.Background(), testSigner(t), TxRequest{To: testRecipient})
	if !errors.Is(err, ErrBroadcastFailed) || errors.Is(err, ErrInsufficientFundsForGas) {
		t.Fatalf("expected generic broadcast failure, got %v", err)
	}
}

func TestSendRejectsInvalidRecipient(t *testing.T) {
	s := NewSender(newFakeClient(), 1.2, testLogger())
	if _, err := s.Send(context.Background(), testSigner(t), TxRequest{To: "bob"}); !errors.Is(err, ErrInvalidRecipient) {
		t.Fatalf("expected ErrInvalidRecipient, got %v", err)
	}
}

func TestBalanceDegradesToZero(t *testing.T) {
	client := newFakeClient()
	client.balErr = errors.New("timeout")
	s := NewSender(client, 1.2, testLogger())
	if got := s.Balance(context.Background(), testRecipient); got.Sign() != 0 {
		t.Fatalf("expected zero balance, got %s", got)
	}
}

func TestTransferRequiresConfirmation(t *testing.T) {
	client := newFakeClient()
	s := NewSender(client, 1.2, testLogger())
	var prompts []gate.Prompt
	deny := gate.New(gate.ConfirmFunc(func(ctx context.Context, p gate.Prompt) (bool, error) {
		prompts = append(prompts, p)
		return false, nil
	}))
	value := big.NewInt(500_000_000_000_000_000)
	if _, err := Transfer(context.Background(), deny, s, testSigner(t), "eip155:1", testRecipient, value); !errors.Is(err, gate.ErrUserRejected) {
		t.Fatalf("expected ErrUserRejected, got %v", err)
	}
	if len(client.sent) != 0 {
		t.Fatal("rejected transfer was broadcast")
	}
	if len(prompts) != 1 || prompts[0].Action.Kind != gate.KindMoveFunds {
		t.Fatalf("unexpected prompts %+v", prompts)
	}
	var shown string
	for _, d := range prompts[0].Action.Details {
		if d.Label == "value" {
			shown = d.Value
		}
	}
	if shown != "0.5 ETH" {
		t.Fatalf("unexpected displayed value %q", shown)
	}

	allow := gate.New(gate.ConfirmFunc(func(ctx context.Context, p gate.Prompt) (bool, error) { return true, nil }))
	if _, err := Transfer(context.Background(), allow, s, testSigner(t), "eip155:1", testRecipient, value); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if len(client.sent) != 1 {
		t.Fatalf("expected one broadcast, got %d", len(client.sent))
	}
}

func TestNetworksDialOnce(t *testing.T) {
	dials := 0
	n := NewNetworks(map[string]string{"eip155:1": "http://node"}, 1.2, func(ctx context.Context, url string) (Client, error) {
		dials++
		return newFakeClient(), nil
	}, testLogger())
	for i := 0; i < 2; i++ {
		if _, err := n.Sender(context.Background(), "eip155:1"); err != nil {
			t.Fatalf("sender: %v", err)
		}
	}
	if dials != 1 {
		t.Fatalf("expected one dial, got %d", dials)
	}
	if _, err := n.Sender(context.Background(), "eip155:56"); !errors.Is(err, ErrUnknownNetwork) {
		t.Fatalf("expected ErrUnknownNetwork, got %v", err)
	}
}

func TestGasPolicyIsReadPerTransaction(t *testing.T) {
	client := newFakeClient()
	n := NewNetworks(map[string]string{"eip155:1": "http://node"}, 1.2, func(ctx context.Context, url string) (Client, error) {
		return client, nil
	}, testLogger())
	s, err := n.Sender(context.Background(), "eip155:1")
	if err != nil {
		t.Fatalf("sender: %v", err)
	}
	buffer := 2.0
	n.UseGasPolicy(func() float64 { return buffer })
	signer := testSigner(t)

	if _, err := s.Send(context.Background(), signer, TxRequest{To: testRecipient, Value: big.NewInt(1)}); err != nil {
		t.Fatalf("send: %v", err)
	}
	buffer = 0
	if _, err := s.Send(context.Background(), signer, TxRequest{To: testRecipient, Value: big.NewInt(1)}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got := client.sent[0].Gas(); got != 42000 {
		t.Fatalf("expected policy buffer to give 42000 gas, got %d", got)
	}
	if got := client.sent[1].Gas(); got != 25200 {
		t.Fatalf("expected fallback buffer to give 25200 gas, got %d", got)
	}
}

func TestParseChainRef(t *testing.T) {
	ns, id, err := ParseChainRef("eip155:56")
	if err != nil || ns != "eip155" || id.Int64() != 56 {
		t.Fatalf("unexpected parse %s %v %v", ns, id, err)
	}
	for _, bad := range []string{"", "eip155", "eip155:", "eip155:abc", "eip155:-1"} {
		if _, _, err := ParseChainRef(bad); err == nil {
			t.Fatalf("expected %q to be rejected", bad)
		}
	}
}
