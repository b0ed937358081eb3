// Package session pairs the vault with one remote peer at a time and turns
// the peer's proposals and signing requests into explicit user approvals.
//
// All state transitions happen on the single goroutine started by Run.
// Transport events and local commands are queued to it; a pending approval
// prompt blocks everything behind it until answered or interrupted.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"keyvault/go-backend/internal/chain"
	"keyvault/go-backend/internal/chainkey"
	"keyvault/go-backend/internal/gate"
	"keyvault/go-backend/internal/platform/ratelimiter"
	"keyvault/go-backend/internal/storage"
	"keyvault/go-backend/pkg/models"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultAckTimeout = 30 * time.Second
	maxQueuedEvents   = 256
	teardownTimeout   = 5 * time.Second
)

type State int

const (
	StateIdle State = iota
	StatePairing
	StateAwaitingApproval
	StateNegotiating
	StateActive
	StateRequestPending
	StateExecuting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePairing:
		return "pairing"
	case StateAwaitingApproval:
		return "awaiting_approval"
	case StateNegotiating:
		return "negotiating"
	case StateActive:
		return "active"
	case StateRequestPending:
		return "request_pending"
	case StateExecuting:
		return "executing"
	default:
		return "unknown"
	}
}

// SignerSource resolves the bound identity to a signing handle.
type SignerSource interface {
	Signer(address string) (chainkey.Signer, error)
}

// ChainSenders resolves a CAIP-2 chain reference to a transaction sender.
type ChainSenders interface {
	Sender(ctx context.Context, chainRef string) (*chain.Sender, error)
}

type Config struct {
	Transport  Transport
	Gate       *gate.Gate
	Signers    SignerSource
	Chains     ChainSenders
	Ledger     storage.RequestLedger
	Limiter    *ratelimiter.MapLimiter
	AckTimeout time.Duration
	Logger     *slog.Logger
	Registerer prometheus.Registerer
	// OnStateChange, if set, is called from the authorizer loop after every
	// transition. It must not block.
	OnStateChange func(Status)
}

type Status struct {
	State          string                 `json:"state"`
	PairingTopic   string                 `json:"pairing_topic,omitempty"`
	Session        *models.PairedSession  `json:"session,omitempty"`
	PendingRequest *models.SigningRequest `json:"pending_request,omitempty"`
}

type commandKind int

const (
	cmdPair commandKind = iota
	cmdCancel
)

type command struct {
	kind    commandKind
	uri     PairingURI
	address string
	reply   chan error
}

type pairingAttempt struct {
	uri     PairingURI
	address string
}

type Authorizer struct {
	cfg     Config
	log     *slog.Logger
	metrics *metrics
	now     func() time.Time

	cmds    chan command
	done    chan struct{}
	started atomic.Bool

	mu            sync.Mutex
	state         State
	pairing       *pairingAttempt
	session       *models.PairedSession
	pending       *models.SigningRequest
	interrupt     context.CancelFunc
	cancelPending bool
	closingTopic  string
}

func New(cfg Config) (*Authorizer, error) {
	if cfg.Transport == nil || cfg.Gate == nil || cfg.Signers == nil {
		return nil, errors.New("session authorizer requires transport, gate and signers")
	}
	if cfg.Ledger == nil {
		cfg.Ledger = storage.NewMemoryLedger()
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Authorizer{
		cfg:     cfg,
		log:     cfg.Logger,
		metrics: newMetrics(cfg.Registerer),
		now:     time.Now,
		cmds:    make(chan command),
		done:    make(chan struct{}),
	}, nil
}

// Run processes events and commands until ctx is cancelled or the transport
// closes its event stream. It may be called once.
func (a *Authorizer) Run(ctx context.Context) error {
	if !a.started.CompareAndSwap(false, true) {
		return errors.New("session authorizer already running")
	}
	defer close(a.done)
	g, gctx := errgroup.WithContext(ctx)
	inbound := make(chan Event)
	g.Go(func() error { return a.pump(gctx, inbound) })
	g.Go(func() error { return a.loop(gctx, inbound) })
	return g.Wait()
}

// Pair starts a pairing attempt bound to address.
func (a *Authorizer) Pair(ctx context.Context, rawURI, address string) error {
	uri, err := ParsePairingURI(rawURI)
	if err != nil {
		return err
	}
	signer, err := a.cfg.Signers.Signer(address)
	if err != nil {
		return err
	}
	return a.submit(ctx, command{kind: cmdPair, uri: uri, address: signer.Address()})
}

// Cancel tears down the pairing attempt or session. A prompt that is
// currently shown is interrupted and its request gets no response.
func (a *Authorizer) Cancel(ctx context.Context) error {
	a.mu.Lock()
	a.cancelPending = true
	if a.interrupt != nil {
		a.interrupt()
	}
	a.mu.Unlock()
	return a.submit(ctx, command{kind: cmdCancel})
}

func (a *Authorizer) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Authorizer) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := Status{State: a.state.String()}
	if a.pairing != nil {
		out.PairingTopic = a.pairing.uri.Topic
	}
	if a.session != nil {
		s := *a.session
		out.Session = &s
	}
	if a.pending != nil {
		r := *a.pending
		out.PendingRequest = &r
	}
	return out
}

func (a *Authorizer) submit(ctx context.Context, cmd command) error {
	if !a.started.Load() {
		return ErrAuthorizerStopped
	}
	cmd.reply = make(chan error, 1)
	select {
	case a.cmds <- cmd:
	case <-a.done:
		return ErrAuthorizerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-a.done:
		return ErrAuthorizerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// pump queues transport events for the loop. A peer teardown for the
// current topic interrupts any prompt immediately instead of waiting behind it.
func (a *Authorizer) pump(ctx context.Context, out chan<- Event) error {
	defer close(out)
	events := a.cfg.Transport.Events()
	var queue []Event
	for {
		if events == nil && len(queue) == 0 {
			return nil
		}
		var send chan<- Event
		var next Event
		if len(queue) > 0 {
			send, next = out, queue[0]
		}
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if end, isEnd := ev.(SessionEndEvent); isEnd {
				a.markClosing(end.Topic)
			}
			if len(queue) >= maxQueuedEvents {
				a.log.Warn("session event queue full; dropping event", "topic", ev.topic())
				continue
			}
			queue = append(queue, ev)
		case send <- next:
			queue = queue[1:]
		}
	}
}

func (a *Authorizer) loop(ctx context.Context, inbound <-chan Event) error {
	defer a.shutdown()
	for {
		select {
		case <-ctx.Done():
			return nil
		case cmd := <-a.cmds:
			cmd.reply <- a.handleCommand(ctx, cmd)
		case ev, ok := <-inbound:
			if !ok {
				return nil
			}
			a.handleEvent(ctx, ev)
		}
	}
}

func (a *Authorizer) handleCommand(ctx context.Context, cmd command) error {
	switch cmd.kind {
	case cmdPair:
		a.mu.Lock()
		if a.state != StateIdle {
			a.mu.Unlock()
			return ErrBusy
		}
		a.pairing = &pairingAttempt{uri: cmd.uri, address: cmd.address}
		a.mu.Unlock()
		a.setState(StatePairing)
		if err := a.cfg.Transport.Pair(ctx, cmd.uri); err != nil {
			a.resetIdle()
			a.log.Warn("pairing failed", "pairing_topic", cmd.uri.Topic, "error", err)
			return fmt.Errorf("pair: %w", err)
		}
		a.log.Info("pairing started", "pairing_topic", cmd.uri.Topic, "bound_address", cmd.address)
		return nil
	case cmdCancel:
		a.mu.Lock()
		a.cancelPending = false
		sess, attempt := a.session, a.pairing
		a.mu.Unlock()
		reason := models.RPCError{Code: CodeUserDisconnected, Message: "user disconnected"}
		switch {
		case sess != nil:
			a.disconnect(ctx, sess.Topic, reason)
		case attempt != nil:
			a.disconnect(ctx, attempt.uri.Topic, reason)
		}
		a.resetIdle()
		return nil
	default:
		return fmt.Errorf("unknown command %d", cmd.kind)
	}
}

func (a *Authorizer) handleEvent(ctx context.Context, ev Event) {
	switch e := ev.(type) {
	case ProposalEvent:
		a.onProposal(ctx, e.Proposal)
	case RequestEvent:
		a.onRequest(ctx, e.Request)
	case SessionEndEvent:
		a.onSessionEnd(e)
	default:
		a.log.Warn("ignoring unknown session event", "type", fmt.Sprintf("%T", ev))
	}
}

func (a *Authorizer) onProposal(ctx context.Context, p models.SessionProposal) {
	a.mu.Lock()
	st, attempt := a.state, a.pairing
	a.mu.Unlock()
	if st != StatePairing || attempt == nil || p.PairingTopic != attempt.uri.Topic {
		a.log.Warn("dropping unsolicited session proposal", "pairing_topic", p.PairingTopic, "state", st.String())
		a.metrics.proposal("dropped")
		return
	}
	a.setState(StateAwaitingApproval)

	ns, err := BuildNamespaces(p, attempt.address)
	if err != nil {
		a.rejectProposal(ctx, p, models.RPCError{Code: CodeUnsupportedNamespace, Message: err.Error()})
		a.resetIdle()
		a.metrics.proposal("unsupported")
		return
	}

	opCtx, finish := a.beginOp(ctx)
	defer finish()
	err = a.cfg.Gate.Authorize(opCtx, proposalAction(p, ns, attempt.address))
	if err != nil {
		a.rejectProposal(ctx, p, models.RPCError{Code: CodeUserRejected, Message: "user rejected"})
		a.resetIdle()
		a.metrics.proposal(outcomeOf(err))
		return
	}

	a.setState(StateNegotiating)
	approval, err := a.cfg.Transport.Approve(opCtx, p, ns)
	if err != nil {
		a.log.Warn("session approval failed", "pairing_topic", p.PairingTopic, "error", err)
		a.resetIdle()
		a.metrics.proposal("failed")
		return
	}
	timer := time.NewTimer(a.cfg.AckTimeout)
	defer timer.Stop()
	var ackErr error
	select {
	case ackErr = <-approval.Acknowledged:
	case <-timer.C:
		ackErr = context.DeadlineExceeded
	case <-opCtx.Done():
		ackErr = opCtx.Err()
	}
	if ackErr != nil {
		a.log.Warn("session not established", "topic", approval.Topic, "error", fmt.Errorf("%w: %w", ErrPeerRejectedOrTimedOut, ackErr))
		if approval.Topic != "" {
			a.disconnect(ctx, approval.Topic, models.RPCError{Code: CodeUserDisconnected, Message: "session not acknowledged"})
		}
		a.resetIdle()
		a.metrics.proposal("unacknowledged")
		return
	}

	a.mu.Lock()
	a.session = &models.PairedSession{
		Topic:        approval.Topic,
		PeerName:     p.Proposer.Name,
		PeerURL:      p.Proposer.URL,
		Namespaces:   ns,
		BoundAddress: attempt.address,
		CreatedAt:    a.now().UTC(),
	}
	a.pairing = nil
	a.mu.Unlock()
	a.setState(StateActive)
	a.metrics.proposal("approved")
	a.log.Info("session established", "topic", approval.Topic, "peer", p.Proposer.Name, "bound_address", attempt.address)
}

func (a *Authorizer) onRequest(ctx context.Context, r models.SigningRequest) {
	method := methodLabel(r.Method)
	a.mu.Lock()
	st, sess, closing := a.state, a.session, a.closingTopic
	a.mu.Unlock()
	if st != StateActive || sess == nil || r.Topic != sess.Topic || r.Topic == closing {
		a.log.Warn("dropping request for stale or unknown session", "topic", r.Topic, "request_id", r.ID)
		a.metrics.request(method, "dropped")
		return
	}
	fresh, err := a.cfg.Ledger.Begin(r.Topic, r.ID)
	if err != nil {
		a.log.Error("request ledger failed", "request_id", r.ID, "error", err)
		a.respond(ctx, r, nil, rpcError(CodeInternal, "internal error"))
		a.metrics.request(method, "error")
		return
	}
	if !fresh {
		a.log.Warn("dropping duplicate request", "topic", r.Topic, "request_id", r.ID)
		a.metrics.request(method, "dropped")
		return
	}
	if !a.cfg.Limiter.Allow(r.Topic, a.now()) {
		a.respond(ctx, r, nil, rpcError(CodeLimitExceeded, "too many requests"))
		a.finishLedger(r, storage.LedgerResponded)
		a.metrics.request(method, "limited")
		return
	}

	a.mu.Lock()
	req := r
	a.pending = &req
	a.mu.Unlock()
	a.setState(StateRequestPending)

	opCtx, finish := a.beginOp(ctx)
	result, err := a.dispatch(opCtx, sess, r)
	interrupted := opCtx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded))
	finish()

	a.mu.Lock()
	a.pending = nil
	if a.session != nil && a.session.Topic == sess.Topic {
		a.state = StateActive
	}
	a.mu.Unlock()
	a.metrics.setState(a.State())

	if interrupted {
		a.log.Info("request abandoned by teardown", "topic", r.Topic, "request_id", r.ID)
		a.finishLedger(r, storage.LedgerCancelled)
		a.metrics.request(method, "cancelled")
		return
	}
	if err != nil {
		a.respond(ctx, r, nil, toRPCError(err))
		a.metrics.request(method, outcomeOf(err))
	} else {
		a.respond(ctx, r, result, nil)
		a.metrics.request(method, "approved")
	}
	a.finishLedger(r, storage.LedgerResponded)
}

func (a *Authorizer) onSessionEnd(e SessionEndEvent) {
	a.mu.Lock()
	matches := (a.session != nil && a.session.Topic == e.Topic) || (a.pairing != nil && a.pairing.uri.Topic == e.Topic)
	if a.closingTopic == e.Topic {
		a.closingTopic = ""
	}
	a.mu.Unlock()
	if !matches {
		a.log.Debug("ignoring teardown for unknown topic", "topic", e.Topic)
		return
	}
	a.cfg.Limiter.Forget(e.Topic)
	a.resetIdle()
	a.log.Info("session ended by peer", "topic", e.Topic, "code", e.Reason.Code, "reason", e.Reason.Message)
}

func (a *Authorizer) respond(ctx context.Context, r models.SigningRequest, result any, rpcErr *models.RPCError) {
	resp := models.SessionResponse{ID: r.ID, Topic: r.Topic, Result: result, Error: rpcErr}
	if err := a.cfg.Transport.Respond(ctx, resp); err != nil {
		a.log.Warn("failed to deliver response", "topic", r.Topic, "request_id", r.ID, "error", err)
	}
}

func (a *Authorizer) finishLedger(r models.SigningRequest, outcome string) {
	if err := a.cfg.Ledger.Finish(r.Topic, r.ID, outcome); err != nil {
		a.log.Warn("request ledger update failed", "request_id", r.ID, "error", err)
	}
}

func (a *Authorizer) rejectProposal(ctx context.Context, p models.SessionProposal, reason models.RPCError) {
	if err := a.cfg.Transport.Reject(ctx, p, reason); err != nil {
		a.log.Warn("failed to reject proposal", "pairing_topic", p.PairingTopic, "error", err)
	}
	a.log.Info("session proposal rejected", "pairing_topic", p.PairingTopic, "code", reason.Code)
}

func (a *Authorizer) disconnect(ctx context.Context, topic string, reason models.RPCError) {
	if err := a.cfg.Transport.Disconnect(ctx, topic, reason); err != nil {
		a.log.Warn("disconnect failed", "topic", topic, "error", err)
	}
	a.cfg.Limiter.Forget(topic)
}

// beginOp returns a context for one prompt-bearing operation that Cancel
// and peer teardown can interrupt.
func (a *Authorizer) beginOp(ctx context.Context) (context.Context, func()) {
	opCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.interrupt = cancel
	if a.cancelPending {
		cancel()
	}
	a.mu.Unlock()
	return opCtx, func() {
		a.mu.Lock()
		a.interrupt = nil
		a.mu.Unlock()
		cancel()
	}
}

func (a *Authorizer) markClosing(topic string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session != nil && a.session.Topic == topic || a.pairing != nil && a.pairing.uri.Topic == topic {
		a.closingTopic = topic
		if a.interrupt != nil {
			a.interrupt()
		}
	}
}

func (a *Authorizer) enterExecuting() { a.setState(StateExecuting) }

func (a *Authorizer) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
	a.metrics.setState(s)
	a.log.Debug("session state changed", "state", s.String())
	if a.cfg.OnStateChange != nil {
		a.cfg.OnStateChange(a.Status())
	}
}

func (a *Authorizer) resetIdle() {
	a.mu.Lock()
	a.pairing = nil
	a.session = nil
	a.pending = nil
	a.mu.Unlock()
	a.setState(StateIdle)
}

func (a *Authorizer) shutdown() {
	a.mu.Lock()
	sess := a.session
	a.mu.Unlock()
	if sess != nil {
		ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
		a.disconnect(ctx, sess.Topic, models.RPCError{Code: CodeUserDisconnected, Message: "wallet shutting down"})
		cancel()
	}
	a.resetIdle()
}

func proposalAction(p models.SessionProposal, ns models.Namespaces, address string) gate.Action {
	var chains, methods []string
	for _, key := range ns.Keys() {
		chains = append(chains, ns[key].Chains...)
		methods = append(methods, ns[key].Methods...)
	}
	name := p.Proposer.Name
	if name == "" {
		name = "unnamed peer"
	}
	return gate.Action{
		Kind:  gate.KindGrantCapability,
		Title: "Connect " + name,
		Details: []gate.Detail{
			{Label: "url", Value: p.Proposer.URL},
			{Label: "account", Value: address},
			{Label: "chains", Value: strings.Join(chains, ", ")},
			{Label: "methods", Value: strings.Join(methods, ", ")},
		},
		Ref: "proposal:" + strconv.FormatUint(p.ID, 10),
	}
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "approved"
	case errors.Is(err, gate.ErrUserRejected):
		return "rejected"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "error"
	}
}
