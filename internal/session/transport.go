package session

import (
	"context"

	"keyvault/go-backend/pkg/models"
)

// Event is something the remote side did: proposed a session, asked for a
// signature or ended the session.
type Event interface {
	topic() string
}

type ProposalEvent struct {
	Proposal models.SessionProposal
}

type RequestEvent struct {
	Request models.SigningRequest
}

type SessionEndEvent struct {
	Topic  string
	Reason models.RPCError
}

func (e ProposalEvent) topic() string   { return e.Proposal.PairingTopic }
func (e RequestEvent) topic() string    { return e.Request.Topic }
func (e SessionEndEvent) topic() string { return e.Topic }

// Approval is the outcome of sending a session approval. Acknowledged yields
// exactly one value: nil when the peer settled the session, an error when it
// refused.
type Approval struct {
	Topic        string
	Acknowledged <-chan error
}

// Transport is the remote pairing protocol layer.
type Transport interface {
	Pair(ctx context.Context, uri PairingURI) error
	Approve(ctx context.Context, p models.SessionProposal, ns models.Namespaces) (Approval, error)
	Reject(ctx context.Context, p models.SessionProposal, reason models.RPCError) error
	Respond(ctx context.Context, resp models.SessionResponse) error
	Disconnect(ctx context.Context, topic string, reason models.RPCError) error
	Events() <-chan Event
}
