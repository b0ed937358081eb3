package rpc

import (
	"crypto/sha256"
	"encoding/binary"
	"strings"
	"sync"
	"time"
)

const (
	rpcIdempotencyHeader = "X-Keyvault-Idempotency-Key"
	replayTTL            = 10 * time.Minute
	replayMaxEntries     = 1024
)

// replayableMethods are the calls whose effect must happen once per
// idempotency key. Reads, unlock attempts and secret exports ignore the key;
// an exported secret is never held in memory for replay.
var replayableMethods = map[string]bool{
	"vault.create":      true,
	"vault.import":      true,
	"vault.rename":      true,
	"vault.delete":      true,
	"vault.restore":     true,
	"vault.clear_trash": true,
	"wallet.transfer":   true,
	"approvals.decide":  true,
	"session.pair":      true,
	"session.cancel":    true,
	"vault.toggle_mode": true,
	"settings.update":   true,
}

type replayOutcome int

const (
	replayMiss replayOutcome = iota
	replayHit
	replayConflict
)

type replayEntry struct {
	digest   [sha256.Size]byte
	response rpcResponse
	storedAt time.Time
}

// replayLedger remembers the successful response of a mutating call per
// (token, key), so a client retrying a create or a transfer gets the first
// outcome instead of a second identity or a second broadcast.
type replayLedger struct {
	mu      sync.Mutex
	ttl     time.Duration
	limit   int
	entries map[string]replayEntry
}

func newReplayLedger() *replayLedger {
	return &replayLedger{
		ttl:     replayTTL,
		limit:   replayMaxEntries,
		entries: make(map[string]replayEntry),
	}
}

// replayKey scopes the client key to the caller's token. It is empty when
// the client sent no key or the method is not replayable.
func replayKey(header, token, method string) string {
	key := strings.TrimSpace(header)
	if key == "" || !replayableMethods[method] {
		return ""
	}
	return token + "|" + key
}

func (l *replayLedger) lookup(key string, req rpcRequest, now time.Time) (rpcResponse, replayOutcome) {
	if l == nil || key == "" {
		return rpcResponse{}, replayMiss
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.expireLocked(now)
	entry, ok := l.entries[key]
	if !ok {
		return rpcResponse{}, replayMiss
	}
	if entry.digest != requestDigest(req) {
		return rpcResponse{}, replayConflict
	}
	resp := entry.response
	resp.ID = req.ID
	return resp, replayHit
}

// record keeps resp for key. Failed calls are not kept, so a retry after a
// transient error (a locked vault, an unreachable node) runs again.
func (l *replayLedger) record(key string, req rpcRequest, resp rpcResponse, now time.Time) {
	if l == nil || key == "" || resp.Error != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.expireLocked(now)
	l.entries[key] = replayEntry{digest: requestDigest(req), response: resp, storedAt: now}
	if len(l.entries) > l.limit {
		l.evictOldestLocked()
	}
}

func (l *replayLedger) expireLocked(now time.Time) {
	for key, entry := range l.entries {
		if now.Sub(entry.storedAt) > l.ttl {
			delete(l.entries, key)
		}
	}
}

func (l *replayLedger) evictOldestLocked() {
	oldest := ""
	var oldestAt time.Time
	for key, entry := range l.entries {
		if oldest == "" || entry.storedAt.Before(oldestAt) {
			oldest, oldestAt = key, entry.storedAt
		}
	}
	delete(l.entries, oldest)
}

// requestDigest fingerprints the method, params and API version. Fields are
// length-prefixed so distinct requests cannot collide by concatenation.
func requestDigest(req rpcRequest) [sha256.Size]byte {
	h := sha256.New()
	writeField := func(b []byte) {
		var n [8]byte
		binary.BigEndian.PutUint64(n[:], uint64(len(b)))
		h.Write(n[:])
		h.Write(b)
	}
	writeField([]byte(req.Method))
	writeField(req.Params)
	if req.APIVersion != nil {
		var v [8]byte
		binary.BigEndian.PutUint64(v[:], uint64(*req.APIVersion))
		writeField(v[:])
	} else {
		writeField(nil)
	}
	var out [sha256.Size]byte
	copy(out[:], h.Sum(nil))
	return out
}
