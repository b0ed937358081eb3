package relay

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"keyvault/go-backend/internal/session"
	"keyvault/go-backend/pkg/models"

	"github.com/gorilla/websocket"
)

const (
	writeTimeout   = 10 * time.Second
	authTokenTTL   = 24 * time.Hour
	eventQueueSize = 64
)

type topicKind int

const (
	kindPairing topicKind = iota
	kindSession
)

type topicState struct {
	kind   topicKind
	symKey []byte
	subID  string
}

type pendingProposal struct {
	pairingTopic      string
	proposerPublicKey string
}

// WebsocketTransport speaks the relay protocol over one websocket
// connection. Peer payloads are sealed under the topic's symmetric key.
type WebsocketTransport struct {
	cfg  Config
	log  *slog.Logger
	conn *websocket.Conn

	writeMu sync.Mutex
	nextID  atomic.Uint64

	mu        sync.Mutex
	topics    map[string]*topicState
	proposals map[uint64]pendingProposal
	calls     map[uint64]chan frame
	settles   map[uint64]chan error

	events    chan session.Event
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	readDone  chan struct{}
	wg        sync.WaitGroup
}

var _ session.Transport = (*WebsocketTransport)(nil)

// DialWebsocket connects to cfg.RelayURL, authenticating with a freshly
// generated ed25519 client identity.
func DialWebsocket(ctx context.Context, cfg Config) (*WebsocketTransport, error) {
	cfg = cfg.withDefaults()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	token, err := SignAuthToken(priv, cfg.RelayURL, time.Now(), authTokenTTL)
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(cfg.RelayURL)
	if err != nil {
		return nil, fmt.Errorf("relay url: %w", err)
	}
	q := u.Query()
	q.Set("auth", token)
	if cfg.ProjectID != "" {
		q.Set("projectId", cfg.ProjectID)
	}
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: cfg.DialTimeout, Proxy: http.ProxyFromEnvironment}
	dialCtx, cancelDial := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancelDial()
	conn, resp, err := dialer.DialContext(dialCtx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRelayUnavailable, err)
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	t := &WebsocketTransport{
		cfg:       cfg,
		log:       cfg.Logger,
		conn:      conn,
		topics:    make(map[string]*topicState),
		proposals: make(map[uint64]pendingProposal),
		calls:     make(map[uint64]chan frame),
		settles:   make(map[uint64]chan error),
		events:    make(chan session.Event, eventQueueSize),
		ctx:       baseCtx,
		cancel:    cancel,
		readDone:  make(chan struct{}),
	}
	t.nextID.Store(payloadID())
	go t.readLoop()
	t.log.Info("relay connected", "relay", cfg.RelayURL, "client_id", ClientID(priv.Public().(ed25519.PublicKey)))
	return t, nil
}

func (t *WebsocketTransport) Events() <-chan session.Event { return t.events }

func (t *WebsocketTransport) Pair(ctx context.Context, uri session.PairingURI) error {
	if len(uri.SymKey) != keyLen {
		return fmt.Errorf("%w: pairing key", ErrEnvelopeInvalid)
	}
	t.addTopic(uri.Topic, kindPairing, uri.SymKey)
	if err := t.subscribe(ctx, uri.Topic); err != nil {
		t.forget(uri.Topic)
		return err
	}
	return nil
}

// Approve answers the proposal with a fresh X25519 key, subscribes to the
// derived session topic and sends the settlement. The settlement ack arrives
// on Approval.Acknowledged.
func (t *WebsocketTransport) Approve(ctx context.Context, p models.SessionProposal, ns models.Namespaces) (session.Approval, error) {
	t.mu.Lock()
	prop, ok := t.proposals[p.ID]
	t.mu.Unlock()
	if !ok {
		return session.Approval{}, ErrUnknownProposal
	}
	kp, err := GenerateKeyPair()
	if err != nil {
		return session.Approval{}, err
	}
	sym, err := DeriveSymKey(kp.Private, prop.proposerPublicKey)
	if err != nil {
		return session.Approval{}, err
	}
	topic := TopicFromSymKey(sym)
	t.addTopic(topic, kindSession, sym)
	if err := t.subscribe(ctx, topic); err != nil {
		t.forget(topic)
		return session.Approval{}, err
	}

	result, _ := json.Marshal(proposeResult{Relay: relayProtocol{Protocol: "irn"}, ResponderPublicKey: kp.PublicHex()})
	if err := t.publishFrame(ctx, prop.pairingTopic, frame{ID: p.ID, JSONRPC: jsonRPCVersion, Result: result}, tagProposeResponse, ttlFiveMinutes); err != nil {
		t.forget(topic)
		return session.Approval{}, err
	}

	settleID := t.nextID.Add(1)
	ack := make(chan error, 1)
	t.mu.Lock()
	t.settles[settleID] = ack
	delete(t.proposals, p.ID)
	t.mu.Unlock()
	params, _ := json.Marshal(settleParams{
		Relay:      relayProtocol{Protocol: "irn"},
		Namespaces: ns,
		Controller: participant{PublicKey: kp.PublicHex(), Metadata: t.cfg.Metadata},
		Expiry:     time.Now().Add(sessionExpiry).Unix(),
	})
	settle := frame{ID: settleID, JSONRPC: jsonRPCVersion, Method: methodSessionSettle, Params: params}
	if err := t.publishFrame(ctx, topic, settle, tagSettleRequest, ttlOneDay); err != nil {
		t.mu.Lock()
		delete(t.settles, settleID)
		t.mu.Unlock()
		return session.Approval{Topic: topic}, err
	}
	return session.Approval{Topic: topic, Acknowledged: ack}, nil
}

func (t *WebsocketTransport) Reject(ctx context.Context, p models.SessionProposal, reason models.RPCError) error {
	t.mu.Lock()
	prop, ok := t.proposals[p.ID]
	delete(t.proposals, p.ID)
	t.mu.Unlock()
	if !ok {
		return ErrUnknownProposal
	}
	return t.publishFrame(ctx, prop.pairingTopic, frame{ID: p.ID, JSONRPC: jsonRPCVersion, Error: &reason}, tagProposeReject, ttlFiveMinutes)
}

func (t *WebsocketTransport) Respond(ctx context.Context, resp models.SessionResponse) error {
	f := frame{ID: resp.ID, JSONRPC: jsonRPCVersion, Error: resp.Error}
	if resp.Error == nil {
		result, err := json.Marshal(resp.Result)
		if err != nil {
			return err
		}
		f.Result = result
	}
	return t.publishFrame(ctx, resp.Topic, f, tagRequestResponse, ttlFiveMinutes)
}

// Disconnect notifies the peer when topic is a session, then drops the
// subscription.
func (t *WebsocketTransport) Disconnect(ctx context.Context, topic string, reason models.RPCError) error {
	t.mu.Lock()
	ts := t.topics[topic]
	var kind topicKind
	var subID string
	if ts != nil {
		kind, subID = ts.kind, ts.subID
	}
	t.mu.Unlock()
	if ts == nil {
		return ErrUnknownTopic
	}
	var firstErr error
	if kind == kindSession {
		params, _ := json.Marshal(deleteParams{Code: reason.Code, Message: reason.Message})
		del := frame{ID: t.nextID.Add(1), JSONRPC: jsonRPCVersion, Method: methodSessionDelete, Params: params}
		firstErr = t.publishFrame(ctx, topic, del, tagDeleteRequest, ttlOneDay)
	}
	if err := t.unsubscribe(ctx, topic, subID); err != nil && firstErr == nil {
		firstErr = err
	}
	t.forget(topic)
	return firstErr
}

func (t *WebsocketTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.cancel()
		t.writeMu.Lock()
		_ = t.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		t.writeMu.Unlock()
		err = t.conn.Close()
		<-t.readDone
		t.wg.Wait()
	})
	return err
}

func (t *WebsocketTransport) readLoop() {
	defer close(t.readDone)
	defer close(t.events)
	defer t.failSettles()
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			if t.ctx.Err() == nil {
				t.log.Warn("relay connection lost", "error", err)
			}
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			t.log.Warn("dropping malformed relay frame", "error", err)
			continue
		}
		if !f.isRequest() {
			t.deliverCall(f)
			continue
		}
		if f.Method != methodSubscription {
			_ = t.writeFrame(frame{ID: f.ID, JSONRPC: jsonRPCVersion, Error: &models.RPCError{Code: -32601, Message: "method not found"}})
			continue
		}
		_ = t.writeFrame(frame{ID: f.ID, JSONRPC: jsonRPCVersion, Result: trueResult})
		var p subscriptionParams
		if err := json.Unmarshal(f.Params, &p); err != nil {
			t.log.Warn("dropping malformed subscription frame", "error", err)
			continue
		}
		t.handleMessage(p.Data.Topic, p.Data.Message)
	}
}

func (t *WebsocketTransport) handleMessage(topic, message string) {
	t.mu.Lock()
	ts := t.topics[topic]
	t.mu.Unlock()
	if ts == nil {
		t.log.Debug("dropping message for unknown topic", "topic", topic)
		return
	}
	plain, err := Open(ts.symKey, message)
	if err != nil {
		t.log.Warn("dropping undecryptable message", "topic", topic, "error", err)
		return
	}
	var f frame
	if err := json.Unmarshal(plain, &f); err != nil {
		t.log.Warn("dropping malformed peer payload", "topic", topic, "error", err)
		return
	}
	if !f.isRequest() {
		t.deliverSettle(f)
		return
	}

	switch f.Method {
	case methodSessionPropose:
		var p proposeParams
		if ts.kind != kindPairing || json.Unmarshal(f.Params, &p) != nil || p.Proposer.PublicKey == "" {
			t.replyAsync(topic, f.ID, nil, &models.RPCError{Code: -32602, Message: "invalid session proposal"}, tagProposeReject)
			return
		}
		t.mu.Lock()
		t.proposals[f.ID] = pendingProposal{pairingTopic: topic, proposerPublicKey: p.Proposer.PublicKey}
		t.mu.Unlock()
		t.emit(session.ProposalEvent{Proposal: models.SessionProposal{
			ID:                 f.ID,
			PairingTopic:       topic,
			Proposer:           p.Proposer.Metadata,
			ProposerPublicKey:  p.Proposer.PublicKey,
			RequiredNamespaces: p.RequiredNamespaces,
			OptionalNamespaces: p.OptionalNamespaces,
		}})
	case methodSessionRequest:
		var p sessionRequestParams
		if json.Unmarshal(f.Params, &p) != nil || p.Request.Method == "" {
			t.replyAsync(topic, f.ID, nil, &models.RPCError{Code: -32602, Message: "invalid session request"}, tagRequestResponse)
			return
		}
		t.emit(session.RequestEvent{Request: models.SigningRequest{
			ID:      f.ID,
			Topic:   topic,
			ChainID: p.ChainID,
			Method:  p.Request.Method,
			Params:  p.Request.Params,
		}})
	case methodSessionDelete:
		var p deleteParams
		_ = json.Unmarshal(f.Params, &p)
		t.replyAsync(topic, f.ID, trueResult, nil, tagGenericResponse)
		t.forget(topic)
		t.emit(session.SessionEndEvent{Topic: topic, Reason: models.RPCError{Code: p.Code, Message: p.Message}})
	case methodSessionPing:
		t.replyAsync(topic, f.ID, trueResult, nil, tagPingResponse)
	case methodSessionEvent, methodSessionExtend, methodSessionUpdate:
		t.replyAsync(topic, f.ID, trueResult, nil, tagGenericResponse)
	default:
		t.replyAsync(topic, f.ID, nil, &models.RPCError{Code: -32601, Message: "method not found"}, tagGenericResponse)
	}
}

func (t *WebsocketTransport) emit(ev session.Event) {
	select {
	case t.events <- ev:
	case <-t.ctx.Done():
	}
}

// replyAsync answers a peer request off the read loop, which must stay free
// to deliver the relay's publish ack.
func (t *WebsocketTransport) replyAsync(topic string, id uint64, result json.RawMessage, rpcErr *models.RPCError, tag int) {
	sym := t.symKey(topic)
	if sym == nil {
		return
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ctx, cancel := context.WithTimeout(t.ctx, 2*writeTimeout)
		defer cancel()
		f := frame{ID: id, JSONRPC: jsonRPCVersion, Result: result, Error: rpcErr}
		if err := t.publishSealed(ctx, topic, sym, f, tag, ttlFiveMinutes); err != nil {
			t.log.Debug("peer reply failed", "topic", topic, "error", err)
		}
	}()
}

func (t *WebsocketTransport) deliverCall(f frame) {
	t.mu.Lock()
	ch, ok := t.calls[f.ID]
	delete(t.calls, f.ID)
	t.mu.Unlock()
	if ok {
		ch <- f
	}
}

func (t *WebsocketTransport) deliverSettle(f frame) {
	t.mu.Lock()
	ch, ok := t.settles[f.ID]
	delete(t.settles, f.ID)
	t.mu.Unlock()
	if !ok {
		return
	}
	if f.Error != nil {
		ch <- fmt.Errorf("peer refused settlement: %w", f.Error)
		return
	}
	ch <- nil
}

func (t *WebsocketTransport) failSettles() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, ch := range t.settles {
		ch <- ErrClosed
		delete(t.settles, id)
	}
}

func (t *WebsocketTransport) subscribe(ctx context.Context, topic string) error {
	res, err := t.call(ctx, methodSubscribe, subscribeParams{Topic: topic})
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	var subID string
	_ = json.Unmarshal(res, &subID)
	t.mu.Lock()
	if ts := t.topics[topic]; ts != nil {
		ts.subID = subID
	}
	t.mu.Unlock()
	return nil
}

func (t *WebsocketTransport) unsubscribe(ctx context.Context, topic, subID string) error {
	if _, err := t.call(ctx, methodUnsubscribe, unsubscribeParams{Topic: topic, ID: subID}); err != nil {
		return fmt.Errorf("unsubscribe: %w", err)
	}
	return nil
}

func (t *WebsocketTransport) publishFrame(ctx context.Context, topic string, f frame, tag, ttl int) error {
	sym := t.symKey(topic)
	if sym == nil {
		return ErrUnknownTopic
	}
	return t.publishSealed(ctx, topic, sym, f, tag, ttl)
}

func (t *WebsocketTransport) publishSealed(ctx context.Context, topic string, sym []byte, f frame, tag, ttl int) error {
	payload, err := json.Marshal(f)
	if err != nil {
		return err
	}
	message, err := Seal(sym, payload, nil)
	if err != nil {
		return err
	}
	if _, err := t.call(ctx, methodPublish, publishParams{Topic: topic, Message: message, TTL: ttl, Tag: tag}); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

// call sends a relay request and waits for its response.
func (t *WebsocketTransport) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	id := t.nextID.Add(1)
	ch := make(chan frame, 1)
	t.mu.Lock()
	t.calls[id] = ch
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.calls, id)
		t.mu.Unlock()
	}()

	if err := t.writeFrame(frame{ID: id, JSONRPC: jsonRPCVersion, Method: method, Params: raw}); err != nil {
		return nil, err
	}
	select {
	case f := <-ch:
		if f.Error != nil {
			return nil, fmt.Errorf("%w: %s: %s", ErrRelayRejected, method, f.Error.Message)
		}
		return f.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.readDone:
		return nil, ErrClosed
	}
}

func (t *WebsocketTransport) writeFrame(f frame) error {
	if t.ctx.Err() != nil {
		return ErrClosed
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := t.conn.WriteJSON(f); err != nil {
		if errors.Is(err, websocket.ErrCloseSent) {
			return ErrClosed
		}
		return fmt.Errorf("%w: %v", ErrRelayUnavailable, err)
	}
	return nil
}

func (t *WebsocketTransport) addTopic(topic string, kind topicKind, sym []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.topics[topic] = &topicState{kind: kind, symKey: append([]byte(nil), sym...)}
}

func (t *WebsocketTransport) symKey(topic string) []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ts := t.topics[topic]; ts != nil {
		return ts.symKey
	}
	return nil
}

func (t *WebsocketTransport) forget(topic string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.topics, topic)
}
