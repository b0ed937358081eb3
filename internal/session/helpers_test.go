package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"keyvault/go-backend/internal/chain"
	"keyvault/go-backend/internal/chainkey"
	"keyvault/go-backend/internal/gate"
	"keyvault/go-backend/pkg/models"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

const (
	testKey      = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	testAddress  = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
	otherAddress = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
	sessionTopic = "5e55104e70p1c"
)

var (
	pairingTopic = strings.Repeat("ab", 32)
	testURI      = "wc:" + pairingTopic + "@2?relay-protocol=irn&symKey=" + strings.Repeat("11", 32)
)

type fakeTransport struct {
	mu          sync.Mutex
	events      chan Event
	responses   chan models.SessionResponse
	paired      []PairingURI
	approved    []models.Namespaces
	rejected    []models.RPCError
	disconnects []string
	ack         chan error
	pairErr     error
}

func newFakeTransport() *fakeTransport {
	f := &fakeTransport{
		events:    make(chan Event, 16),
		responses: make(chan models.SessionResponse, 16),
		ack:       make(chan error, 1),
	}
	f.ack <- nil
	return f
}

func (f *fakeTransport) Pair(ctx context.Context, uri PairingURI) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pairErr != nil {
		return f.pairErr
	}
	f.paired = append(f.paired, uri)
	return nil
}

func (f *fakeTransport) Approve(ctx context.Context, p models.SessionProposal, ns models.Namespaces) (Approval, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.approved = append(f.approved, ns)
	return Approval{Topic: sessionTopic, Acknowledged: f.ack}, nil
}

func (f *fakeTransport) Reject(ctx context.Context, p models.SessionProposal, reason models.RPCError) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejected = append(f.rejected, reason)
	return nil
}

func (f *fakeTransport) Respond(ctx context.Context, resp models.SessionResponse) error {
	f.responses <- resp
	return nil
}

func (f *fakeTransport) Disconnect(ctx context.Context, topic string, reason models.RPCError) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects = append(f.disconnects, topic)
	return nil
}

func (f *fakeTransport) Events() <-chan Event { return f.events }

func (f *fakeTransport) snapshot() (approved []models.Namespaces, rejected []models.RPCError, disconnects []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append(approved, f.approved...), append(rejected, f.rejected...), append(disconnects, f.disconnects...)
}

// promptDriver is a confirmer whose answers are fed by the test.
type promptDriver struct {
	prompts chan gate.Prompt
	answers chan bool
}

func newPromptDriver() *promptDriver {
	return &promptDriver{prompts: make(chan gate.Prompt, 4), answers: make(chan bool, 4)}
}

func (d *promptDriver) Confirm(ctx context.Context, p gate.Prompt) (bool, error) {
	d.prompts <- p
	select {
	case ok := <-d.answers:
		return ok, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (d *promptDriver) expectPrompt(t *testing.T) gate.Prompt {
	t.Helper()
	select {
	case p := <-d.prompts:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for prompt")
		return gate.Prompt{}
	}
}

type staticSigners map[string]*chainkey.Key

func (s staticSigners) Signer(address string) (chainkey.Signer, error) {
	for addr, k := range s {
		if chainkey.SameAddress(addr, address) {
			return k, nil
		}
	}
	return nil, errors.New("identity not found")
}

type harness struct {
	t         *testing.T
	auth      *Authorizer
	transport *fakeTransport
	prompts   *promptDriver
	chainNode *fakeNode
}

func newHarness(t *testing.T, mutate ...func(*Config)) *harness {
	t.Helper()
	key, err := chainkey.ParseSecret(testKey)
	if err != nil {
		t.Fatalf("parse key: %v", err)
	}
	h := &harness{t: t, transport: newFakeTransport(), prompts: newPromptDriver(), chainNode: newFakeNode()}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := Config{
		Transport: h.transport,
		Gate:      gate.New(h.prompts, gate.WithLogger(logger)),
		Signers:   staticSigners{testAddress: key},
		Chains: chain.NewNetworks(map[string]string{"eip155:1": "http://node"}, 1.2, func(ctx context.Context, url string) (chain.Client, error) {
			return h.chainNode, nil
		}, logger),
		AckTimeout: time.Second,
		Logger:     logger,
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	auth, err := New(cfg)
	if err != nil {
		t.Fatalf("new authorizer: %v", err)
	}
	h.auth = auth

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- auth.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("authorizer did not stop")
		}
	})
	waitFor(t, func() bool { return auth.started.Load() })
	return h
}

func (h *harness) proposal(required models.Namespaces) models.SessionProposal {
	return models.SessionProposal{
		ID:                 1,
		PairingTopic:       pairingTopic,
		Proposer:           models.PeerMetadata{Name: "Example dApp", URL: "https://dapp.example"},
		RequiredNamespaces: required,
	}
}

// activate pairs and approves a session over eip155:1 and eip155:56.
func (h *harness) activate() {
	h.t.Helper()
	if err := h.auth.Pair(context.Background(), testURI, testAddress); err != nil {
		h.t.Fatalf("pair: %v", err)
	}
	h.transport.events <- ProposalEvent{Proposal: h.proposal(models.Namespaces{
		"eip155": {
			Chains:  []string{"eip155:1", "eip155:56"},
			Methods: []string{models.MethodPersonalSign, models.MethodEthSign, models.MethodSignTypedDataV4, models.MethodSendTransaction},
			Events:  []string{"accountsChanged", "chainChanged"},
		},
	})}
	p := h.prompts.expectPrompt(h.t)
	if p.Action.Kind != gate.KindGrantCapability {
		h.t.Fatalf("expected capability prompt, got %s", p.Action.Kind)
	}
	h.prompts.answers <- true
	waitFor(h.t, func() bool { return h.auth.State() == StateActive })
}

func (h *harness) request(id uint64, method, params string) {
	h.transport.events <- RequestEvent{Request: models.SigningRequest{
		ID:      id,
		Topic:   sessionTopic,
		ChainID: "eip155:1",
		Method:  method,
		Params:  []byte(params),
	}}
}

func (h *harness) expectResponse() models.SessionResponse {
	h.t.Helper()
	select {
	case r := <-h.transport.responses:
		return r
	case <-time.After(2 * time.Second):
		h.t.Fatal("timed out waiting for response")
		return models.SessionResponse{}
	}
}

func (h *harness) expectNoResponse() {
	h.t.Helper()
	select {
	case r := <-h.transport.responses:
		h.t.Fatalf("unexpected response %+v", r)
	case <-time.After(50 * time.Millisecond):
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

type fakeNode struct {
	mu   sync.Mutex
	sent []*types.Transaction
}

func newFakeNode() *fakeNode { return &fakeNode{} }

func (n *fakeNode) ChainID(ctx context.Context) (*big.Int, error) { return big.NewInt(1), nil }

func (n *fakeNode) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return 3, nil
}

func (n *fakeNode) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (n *fakeNode) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return 21000, nil
}

func (n *fakeNode) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(19), nil), nil
}

func (n *fakeNode) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, tx)
	return nil
}

func jsonString(s string) (string, error) {
	b, err := json.Marshal(s)
	return string(b), err
}
