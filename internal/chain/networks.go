package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
)

var ErrUnknownNetwork = errors.New("no rpc endpoint configured for network")

// DialFunc opens a client for an RPC endpoint.
type DialFunc func(ctx context.Context, rpcURL string) (Client, error)

// Networks resolves CAIP-2 chain references (eip155:1) to senders, dialing
// each configured endpoint at most once.
type Networks struct {
	mu        sync.Mutex
	endpoints map[string]string
	senders   map[string]*Sender
	dial      DialFunc
	gasBuffer float64
	policy    GasBufferFunc
	log       *slog.Logger
}

func NewNetworks(endpoints map[string]string, gasBuffer float64, dial DialFunc, logger *slog.Logger) *Networks {
	if dial == nil {
		dial = func(ctx context.Context, rpcURL string) (Client, error) { return Dial(ctx, rpcURL) }
	}
	if logger == nil {
		logger = slog.Default()
	}
	eps := make(map[string]string, len(endpoints))
	for k, v := range endpoints {
		eps[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return &Networks{
		endpoints: eps,
		senders:   make(map[string]*Sender),
		dial:      dial,
		gasBuffer: gasBuffer,
		log:       logger,
	}
}

// UseGasPolicy makes every sender consult fn for the gas buffer each time a
// transaction is built.
func (n *Networks) UseGasPolicy(fn GasBufferFunc) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.policy = fn
	for _, s := range n.senders {
		s.policy = fn
	}
}

// Sender returns the sender for chainRef.
func (n *Networks) Sender(ctx context.Context, chainRef string) (*Sender, error) {
	chainRef = strings.TrimSpace(chainRef)
	n.mu.Lock()
	defer n.mu.Unlock()
	if s, ok := n.senders[chainRef]; ok {
		return s, nil
	}
	url, ok := n.endpoints[chainRef]
	if !ok || url == "" {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNetwork, chainRef)
	}
	client, err := n.dial(ctx, url)
	if err != nil {
		return nil, err
	}
	s := NewSender(client, n.gasBuffer, n.log)
	s.policy = n.policy
	n.senders[chainRef] = s
	return s, nil
}

// ParseChainRef splits "eip155:1" into its namespace and numeric id.
func ParseChainRef(chainRef string) (string, *big.Int, error) {
	ns, ref, ok := strings.Cut(strings.TrimSpace(chainRef), ":")
	if !ok || ns == "" || ref == "" {
		return "", nil, fmt.Errorf("invalid chain reference %q", chainRef)
	}
	id, ok := new(big.Int).SetString(ref, 10)
	if !ok || id.Sign() <= 0 {
		return "", nil, fmt.Errorf("invalid chain id in %q", chainRef)
	}
	return ns, id, nil
}
