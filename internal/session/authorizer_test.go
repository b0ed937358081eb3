package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"keyvault/go-backend/internal/chainkey"
	"keyvault/go-backend/internal/gate"
	"keyvault/go-backend/pkg/models"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func detail(p gate.Prompt, label string) string {
	for _, d := range p.Action.Details {
		if d.Label == label {
			return d.Value
		}
	}
	return ""
}

func TestProposalAccountsUseBoundIdentityOnly(t *testing.T) {
	h := newHarness(t)
	h.activate()

	approved, _, _ := h.transport.snapshot()
	if len(approved) != 1 {
		t.Fatalf("expected one approval, got %d", len(approved))
	}
	got := approved[0]["eip155"].Accounts
	want := []string{"eip155:1:" + testAddress, "eip155:56:" + testAddress}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("unexpected accounts %v", got)
	}
	st := h.auth.Status()
	if st.Session == nil || st.Session.BoundAddress != testAddress || st.Session.Topic != sessionTopic {
		t.Fatalf("unexpected session %+v", st.Session)
	}
}

func TestPairRejectsMalformedURIAndBusyState(t *testing.T) {
	h := newHarness(t)
	if err := h.auth.Pair(context.Background(), "https://example.com", testAddress); !errors.Is(err, ErrInvalidPairingURI) {
		t.Fatalf("expected ErrInvalidPairingURI, got %v", err)
	}
	if err := h.auth.Pair(context.Background(), testURI, otherAddress); err == nil {
		t.Fatal("expected pairing with a locked identity to fail")
	}
	if err := h.auth.Pair(context.Background(), testURI, testAddress); err != nil {
		t.Fatalf("pair: %v", err)
	}
	if h.auth.State() != StatePairing {
		t.Fatalf("expected pairing state, got %s", h.auth.State())
	}
	if err := h.auth.Pair(context.Background(), testURI, testAddress); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
}

func TestPairFailureReturnsToIdle(t *testing.T) {
	h := newHarness(t)
	h.transport.pairErr = errors.New("relay unreachable")
	if err := h.auth.Pair(context.Background(), testURI, testAddress); err == nil {
		t.Fatal("expected pair error")
	}
	if h.auth.State() != StateIdle {
		t.Fatalf("expected idle, got %s", h.auth.State())
	}
}

func TestProposalRejectedByUser(t *testing.T) {
	h := newHarness(t)
	if err := h.auth.Pair(context.Background(), testURI, testAddress); err != nil {
		t.Fatalf("pair: %v", err)
	}
	h.transport.events <- ProposalEvent{Proposal: h.proposal(models.Namespaces{"eip155": {Chains: []string{"eip155:1"}, Methods: []string{"personal_sign"}}})}
	h.prompts.expectPrompt(t)
	h.prompts.answers <- false
	waitFor(t, func() bool {
		_, rejected, _ := h.transport.snapshot()
		return len(rejected) == 1
	})
	_, rejected, _ := h.transport.snapshot()
	if rejected[0].Code != CodeUserRejected {
		t.Fatalf("unexpected rejection %+v", rejected[0])
	}
	waitFor(t, func() bool { return h.auth.State() == StateIdle })
}

func TestProposalWithUnsupportedRequiredNamespaceIsRejected(t *testing.T) {
	h := newHarness(t)
	if err := h.auth.Pair(context.Background(), testURI, testAddress); err != nil {
		t.Fatalf("pair: %v", err)
	}
	h.transport.events <- ProposalEvent{Proposal: h.proposal(models.Namespaces{"cosmos": {Chains: []string{"cosmos:cosmoshub-4"}}})}
	waitFor(t, func() bool {
		_, rejected, _ := h.transport.snapshot()
		return len(rejected) == 1
	})
	_, rejected, _ := h.transport.snapshot()
	if rejected[0].Code != CodeUnsupportedNamespace {
		t.Fatalf("unexpected rejection %+v", rejected[0])
	}
}

func TestUnsolicitedProposalIsDropped(t *testing.T) {
	h := newHarness(t)
	h.transport.events <- ProposalEvent{Proposal: h.proposal(models.Namespaces{"eip155": {Chains: []string{"eip155:1"}}})}
	select {
	case p := <-h.prompts.prompts:
		t.Fatalf("unexpected prompt %+v", p)
	case <-time.After(50 * time.Millisecond):
	}
	if h.auth.State() != StateIdle {
		t.Fatalf("expected idle, got %s", h.auth.State())
	}
}

func TestAckTimeoutReturnsToIdle(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.AckTimeout = 50 * time.Millisecond })
	<-h.transport.ack
	if err := h.auth.Pair(context.Background(), testURI, testAddress); err != nil {
		t.Fatalf("pair: %v", err)
	}
	h.transport.events <- ProposalEvent{Proposal: h.proposal(models.Namespaces{"eip155": {Chains: []string{"eip155:1"}}})}
	h.prompts.expectPrompt(t)
	h.prompts.answers <- true
	waitFor(t, func() bool {
		_, _, disconnects := h.transport.snapshot()
		return len(disconnects) == 1
	})
	waitFor(t, func() bool { return h.auth.State() == StateIdle })
}

func TestPersonalSignShowsTextAndSignsRawBytes(t *testing.T) {
	h := newHarness(t)
	h.activate()

	h.request(42, models.MethodPersonalSign, `["0x48656c6c6f","`+testAddress+`"]`)
	p := h.prompts.expectPrompt(t)
	if p.Action.Kind != gate.KindSignMessage {
		t.Fatalf("unexpected kind %s", p.Action.Kind)
	}
	if got := detail(p, "message"); got != "Hello" {
		t.Fatalf("expected decoded text in prompt, got %q", got)
	}
	h.prompts.answers <- true

	resp := h.expectResponse()
	if resp.ID != 42 || resp.Topic != sessionTopic || resp.Error != nil {
		t.Fatalf("unexpected response %+v", resp)
	}
	sig, err := hexutil.Decode(resp.Result.(string))
	if err != nil {
		t.Fatalf("decode signature: %v", err)
	}
	signer, err := chainkey.RecoverTextSigner([]byte{0x48, 0x65, 0x6c, 0x6c, 0x6f}, sig)
	if err != nil || !chainkey.SameAddress(signer, testAddress) {
		t.Fatalf("signature not over raw bytes: %s %v", signer, err)
	}
	waitFor(t, func() bool { return h.auth.State() == StateActive })
}

func TestEthSignParamOrder(t *testing.T) {
	h := newHarness(t)
	h.activate()
	h.request(1, models.MethodEthSign, `["`+testAddress+`","0xdeadbeef"]`)
	p := h.prompts.expectPrompt(t)
	if got := detail(p, "message"); got != "0xdeadbeef" {
		t.Fatalf("non-printable payload should be shown as hex, got %q", got)
	}
	h.prompts.answers <- true
	if resp := h.expectResponse(); resp.Error != nil {
		t.Fatalf("unexpected error %+v", resp.Error)
	}
}

func TestRejectedRequestKeepsSessionActive(t *testing.T) {
	h := newHarness(t)
	h.activate()
	h.request(7, models.MethodPersonalSign, `["hello"]`)
	h.prompts.expectPrompt(t)
	h.prompts.answers <- false

	resp := h.expectResponse()
	if resp.ID != 7 || resp.Error == nil || resp.Error.Code != CodeUserRejected || resp.Result != nil {
		t.Fatalf("unexpected response %+v", resp)
	}
	waitFor(t, func() bool { return h.auth.State() == StateActive })
}

func TestRequestsNeverAnsweredTwice(t *testing.T) {
	h := newHarness(t)
	h.activate()

	h.request(9, models.MethodPersonalSign, `["0x4869"]`)
	h.prompts.expectPrompt(t)
	h.prompts.answers <- true
	if resp := h.expectResponse(); resp.ID != 9 {
		t.Fatalf("unexpected response %+v", resp)
	}

	h.request(9, models.MethodPersonalSign, `["0x4869"]`)
	h.request(10, "wallet_unknown", `[]`)
	resp := h.expectResponse()
	if resp.ID != 10 || resp.Error == nil || resp.Error.Code != CodeMethodNotFound {
		t.Fatalf("duplicate id was answered or wrong error: %+v", resp)
	}
	h.expectNoResponse()
}

func TestStaleTopicRequestIsDropped(t *testing.T) {
	h := newHarness(t)
	h.activate()
	h.transport.events <- RequestEvent{Request: models.SigningRequest{ID: 1, Topic: "old-topic", ChainID: "eip155:1", Method: models.MethodPersonalSign, Params: []byte(`["0x00"]`)}}
	h.request(2, "wallet_unknown", `[]`)
	if resp := h.expectResponse(); resp.ID != 2 {
		t.Fatalf("stale request was answered: %+v", resp)
	}
	h.expectNoResponse()
}

func TestRequestValidationErrors(t *testing.T) {
	h := newHarness(t)
	h.activate()
	cases := []struct {
		id     uint64
		method string
		chain  string
		params string
		code   int
	}{
		{1, models.MethodSignTypedDataV4, "eip155:1", `["` + testAddress + `","{not json"]`, CodeInvalidParams},
		{2, models.MethodSignTypedDataV4, "eip155:1", `["` + testAddress + `",{"types":{},"primaryType":""}]`, CodeInvalidParams},
		{3, models.MethodPersonalSign, "eip155:1", `["0x00","` + otherAddress + `"]`, CodeUnauthorized},
		{4, "eth_accounts", "eip155:1", `[]`, CodeMethodNotFound},
		{5, models.MethodPersonalSign, "eip155:10", `["0x00"]`, CodeUnsupportedChains},
		{6, models.MethodSignTypedData, "eip155:1", `[]`, CodeMethodNotNegotiated},
		{7, models.MethodSendTransaction, "eip155:1", `[{"from":"` + otherAddress + `","to":"` + testAddress + `"}]`, CodeUnauthorized},
		{8, models.MethodPersonalSign, "eip155:1", `{"data":1}`, CodeInvalidParams},
	}
	for _, tc := range cases {
		h.transport.events <- RequestEvent{Request: models.SigningRequest{ID: tc.id, Topic: sessionTopic, ChainID: tc.chain, Method: tc.method, Params: []byte(tc.params)}}
		resp := h.expectResponse()
		if resp.ID != tc.id || resp.Error == nil || resp.Error.Code != tc.code {
			t.Fatalf("case %d: expected code %d, got %+v", tc.id, tc.code, resp)
		}
	}
	select {
	case p := <-h.prompts.prompts:
		t.Fatalf("invalid requests must not prompt, got %+v", p)
	default:
	}
}

func TestSignTypedDataFromStringPayload(t *testing.T) {
	h := newHarness(t)
	h.activate()
	typed := `{"types":{"EIP712Domain":[{"name":"name","type":"string"},{"name":"chainId","type":"uint256"}],"Mail":[{"name":"contents","type":"string"}]},"primaryType":"Mail","domain":{"name":"Ether Mail","chainId":"1"},"message":{"contents":"Hello, Bob!"}}`
	quoted, _ := jsonString(typed)
	h.request(3, models.MethodSignTypedDataV4, `["`+testAddress+`",`+quoted+`]`)
	p := h.prompts.expectPrompt(t)
	if detail(p, "domain") != "Ether Mail" || detail(p, "type") != "Mail" {
		t.Fatalf("unexpected prompt details %+v", p.Action.Details)
	}
	h.prompts.answers <- true
	resp := h.expectResponse()
	if resp.Error != nil {
		t.Fatalf("unexpected error %+v", resp.Error)
	}
}

func TestSendTransactionApprovedThenBroadcast(t *testing.T) {
	h := newHarness(t)
	h.activate()
	h.request(11, models.MethodSendTransaction, `[{"from":"`+testAddress+`","to":"`+otherAddress+`","value":"0xde0b6b3a7640000"}]`)
	p := h.prompts.expectPrompt(t)
	if p.Action.Kind != gate.KindMoveFunds || detail(p, "to") != otherAddress || detail(p, "value") != "1 ETH" {
		t.Fatalf("unexpected prompt %+v", p.Action)
	}
	if len(h.chainNode.sent) != 0 {
		t.Fatal("transaction built before approval")
	}
	h.prompts.answers <- true
	resp := h.expectResponse()
	if resp.Error != nil {
		t.Fatalf("unexpected error %+v", resp.Error)
	}
	h.chainNode.mu.Lock()
	defer h.chainNode.mu.Unlock()
	if len(h.chainNode.sent) != 1 || resp.Result != h.chainNode.sent[0].Hash().Hex() {
		t.Fatalf("result does not match broadcast tx: %+v", resp.Result)
	}
}

func TestCancelInterruptsPendingRequestWithoutResponse(t *testing.T) {
	h := newHarness(t)
	h.activate()
	h.request(5, models.MethodPersonalSign, `["0x4869"]`)
	h.prompts.expectPrompt(t)
	waitFor(t, func() bool { return h.auth.State() == StateRequestPending })

	if err := h.auth.Cancel(context.Background()); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if h.auth.State() != StateIdle {
		t.Fatalf("expected idle after cancel, got %s", h.auth.State())
	}
	h.expectNoResponse()
	_, _, disconnects := h.transport.snapshot()
	if len(disconnects) != 1 || disconnects[0] != sessionTopic {
		t.Fatalf("expected disconnect of session topic, got %v", disconnects)
	}
}

func TestPeerTeardownReleasesPendingRequest(t *testing.T) {
	h := newHarness(t)
	h.activate()
	h.request(5, models.MethodPersonalSign, `["0x4869"]`)
	h.prompts.expectPrompt(t)
	h.transport.events <- SessionEndEvent{Topic: sessionTopic, Reason: models.RPCError{Code: 6000, Message: "bye"}}
	waitFor(t, func() bool { return h.auth.State() == StateIdle })
	h.expectNoResponse()

	h.request(6, models.MethodPersonalSign, `["0x4869"]`)
	h.expectNoResponse()
}

func TestMetricsCountOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	h := newHarness(t, func(c *Config) { c.Registerer = reg })
	h.activate()
	h.request(1, models.MethodPersonalSign, `["hi"]`)
	h.prompts.expectPrompt(t)
	h.prompts.answers <- false
	h.expectResponse()

	if got := testutil.ToFloat64(h.auth.metrics.requests.WithLabelValues(models.MethodPersonalSign, "rejected")); got != 1 {
		t.Fatalf("expected one rejected request, got %v", got)
	}
	if got := testutil.ToFloat64(h.auth.metrics.proposals.WithLabelValues("approved")); got != 1 {
		t.Fatalf("expected one approved proposal, got %v", got)
	}
}

func TestSubmitBeforeRun(t *testing.T) {
	a, err := New(Config{Transport: newFakeTransport(), Gate: gate.New(newPromptDriver()), Signers: staticSigners{}})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := a.Cancel(context.Background()); !errors.Is(err, ErrAuthorizerStopped) {
		t.Fatalf("expected ErrAuthorizerStopped, got %v", err)
	}
}
