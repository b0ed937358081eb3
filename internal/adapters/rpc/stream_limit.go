package rpc

import "sync"

const (
	defaultStreamMaxGlobal    = 32
	defaultStreamMaxPerClient = 4
)

type rpcStreamLimiter struct {
	maxGlobal    int
	maxPerClient int

	mu       sync.Mutex
	global   int
	byClient map[string]int
}

// newRPCStreamLimiter bounds concurrent /rpc/stream subscriptions globally
// and per client key.
func newRPCStreamLimiter(maxGlobal, maxPerClient int) *rpcStreamLimiter {
	if maxGlobal <= 0 {
		maxGlobal = defaultStreamMaxGlobal
	}
	if maxPerClient <= 0 {
		maxPerClient = defaultStreamMaxPerClient
	}
	return &rpcStreamLimiter{
		maxGlobal:    maxGlobal,
		maxPerClient: maxPerClient,
		byClient:     make(map[string]int),
	}
}

func (l *rpcStreamLimiter) acquire(clientKey string) (func(), bool) {
	if l == nil {
		return func() {}, true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.global >= l.maxGlobal {
		return nil, false
	}
	if l.byClient[clientKey] >= l.maxPerClient {
		return nil, false
	}
	l.global++
	l.byClient[clientKey]++
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.global > 0 {
			l.global--
		}
		next := l.byClient[clientKey] - 1
		if next <= 0 {
			delete(l.byClient, clientKey)
			return
		}
		l.byClient[clientKey] = next
	}, true
}
