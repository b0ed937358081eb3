package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	LedgerReceived  = "received"
	LedgerResponded = "responded"
	LedgerCancelled = "cancelled"
)

var requestsBucket = []byte("session_requests")

// RequestLedger remembers every (topic, request id) pair the authorizer has
// accepted so a request is executed and answered at most once.
type RequestLedger interface {
	// Begin records the request as received; it reports false when the pair
	// was already seen.
	Begin(topic string, id uint64) (bool, error)
	Finish(topic string, id uint64, outcome string) error
	Outcome(topic string, id uint64) (string, bool, error)
	Close() error
}

func ledgerKey(topic string, id uint64) []byte {
	return []byte(topic + "/" + strconv.FormatUint(id, 10))
}

type MemoryLedger struct {
	mu      sync.Mutex
	entries map[string]string
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{entries: make(map[string]string)}
}

func (l *MemoryLedger) Begin(topic string, id uint64) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := string(ledgerKey(topic, id))
	if _, ok := l.entries[key]; ok {
		return false, nil
	}
	l.entries[key] = LedgerReceived
	return true, nil
}

func (l *MemoryLedger) Finish(topic string, id uint64, outcome string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[string(ledgerKey(topic, id))] = outcome
	return nil
}

func (l *MemoryLedger) Outcome(topic string, id uint64) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.entries[string(ledgerKey(topic, id))]
	return v, ok, nil
}

func (l *MemoryLedger) Close() error { return nil }

type BoltLedger struct {
	db *bolt.DB
}

func OpenBoltLedger(path string) (*BoltLedger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open request ledger: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(requestsBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltLedger{db: db}, nil
}

func (l *BoltLedger) Begin(topic string, id uint64) (bool, error) {
	fresh := false
	err := l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(requestsBucket)
		key := ledgerKey(topic, id)
		if b.Get(key) != nil {
			return nil
		}
		fresh = true
		return b.Put(key, []byte(LedgerReceived))
	})
	return fresh, err
}

func (l *BoltLedger) Finish(topic string, id uint64, outcome string) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(requestsBucket).Put(ledgerKey(topic, id), []byte(outcome))
	})
}

func (l *BoltLedger) Outcome(topic string, id uint64) (string, bool, error) {
	var out string
	var ok bool
	err := l.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(requestsBucket).Get(ledgerKey(topic, id))
		if v != nil {
			out, ok = string(v), true
		}
		return nil
	})
	return out, ok, err
}

func (l *BoltLedger) Close() error {
	return l.db.Close()
}
