package relay

import (
	"context"
	"crypto/rand"
	"sync"

	"keyvault/go-backend/internal/session"
	"keyvault/go-backend/pkg/models"
)

// Mock is an in-memory transport. The wallet side is the session.Transport
// interface; the peer side is driven through Propose, Request, End and
// Settle.
type Mock struct {
	autoSettle bool
	events     chan session.Event
	responses  chan models.SessionResponse

	mu           sync.Mutex
	closed       bool
	paired       []session.PairingURI
	approved     map[string]models.Namespaces
	rejected     []models.RPCError
	disconnected []string
	acks         map[string]chan error
}

var _ Client = (*Mock)(nil)

// NewMock returns a mock transport. With autoSettle the peer acknowledges
// every approval immediately.
func NewMock(autoSettle bool) *Mock {
	return &Mock{
		autoSettle: autoSettle,
		events:     make(chan session.Event, eventQueueSize),
		responses:  make(chan models.SessionResponse, eventQueueSize),
		approved:   make(map[string]models.Namespaces),
		acks:       make(map[string]chan error),
	}
}

func (m *Mock) Events() <-chan session.Event { return m.events }

func (m *Mock) Pair(ctx context.Context, uri session.PairingURI) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.paired = append(m.paired, uri)
	return nil
}

func (m *Mock) Approve(ctx context.Context, p models.SessionProposal, ns models.Namespaces) (session.Approval, error) {
	sym := make([]byte, keyLen)
	if _, err := rand.Read(sym); err != nil {
		return session.Approval{}, err
	}
	topic := TopicFromSymKey(sym)
	ack := make(chan error, 1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return session.Approval{}, ErrClosed
	}
	m.approved[topic] = ns
	if m.autoSettle {
		ack <- nil
	} else {
		m.acks[topic] = ack
	}
	return session.Approval{Topic: topic, Acknowledged: ack}, nil
}

func (m *Mock) Reject(ctx context.Context, p models.SessionProposal, reason models.RPCError) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejected = append(m.rejected, reason)
	return nil
}

func (m *Mock) Respond(ctx context.Context, resp models.SessionResponse) error {
	select {
	case m.responses <- resp:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Mock) Disconnect(ctx context.Context, topic string, reason models.RPCError) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnected = append(m.disconnected, topic)
	delete(m.approved, topic)
	return nil
}

func (m *Mock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.events)
	}
	return nil
}

// Propose delivers a session proposal from the peer.
func (m *Mock) Propose(p models.SessionProposal) { m.emit(session.ProposalEvent{Proposal: p}) }

// Request delivers a signing request from the peer.
func (m *Mock) Request(r models.SigningRequest) { m.emit(session.RequestEvent{Request: r}) }

// End tears the session down from the peer side.
func (m *Mock) End(topic string, reason models.RPCError) {
	m.emit(session.SessionEndEvent{Topic: topic, Reason: reason})
}

// Settle answers a pending approval when autoSettle is off. A non-nil err
// means the peer refused.
func (m *Mock) Settle(topic string, err error) bool {
	m.mu.Lock()
	ack, ok := m.acks[topic]
	delete(m.acks, topic)
	m.mu.Unlock()
	if ok {
		ack <- err
	}
	return ok
}

func (m *Mock) Responses() <-chan models.SessionResponse { return m.responses }

// ApprovedTopics lists sessions approved and not yet disconnected.
func (m *Mock) ApprovedTopics() map[string]models.Namespaces {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]models.Namespaces, len(m.approved))
	for k, v := range m.approved {
		out[k] = v
	}
	return out
}

func (m *Mock) Paired() []session.PairingURI {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]session.PairingURI(nil), m.paired...)
}

func (m *Mock) Rejected() []models.RPCError {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.RPCError(nil), m.rejected...)
}

func (m *Mock) Disconnected() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.disconnected...)
}

// emit holds the lock while sending so Close cannot race a send on the
// closed channel.
func (m *Mock) emit(ev session.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.events <- ev
}
