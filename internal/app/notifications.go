package app

import (
	"sync"
	"time"

	"keyvault/go-backend/internal/domains/contracts"
)

type NotificationEvent = contracts.NotificationEvent

// Notification methods published on the hub.
const (
	NotifyApprovalRequested = "approval.requested"
	NotifySessionState      = "session.state"
	NotifyVaultLocked       = "vault.locked"
	NotifyVaultUnlocked     = "vault.unlocked"
	NotifyVaultChanged      = "vault.changed"
	NotifyTransferSent      = "wallet.transfer_sent"
	NotifyFatal             = "daemon.fatal"
)

func nowUTC() time.Time {
	return time.Now().UTC()
}

// NotificationHub fans events out to subscribers and keeps a bounded
// history for replay. A subscriber that falls behind is dropped.
type NotificationHub struct {
	mu      sync.Mutex
	nextSeq int64
	limit   int
	history []NotificationEvent
	subs    map[int]chan NotificationEvent
	nextSub int
}

func NewNotificationHub(limit int) *NotificationHub {
	if limit < 1 {
		limit = 1
	}
	return &NotificationHub{
		limit: limit,
		subs:  make(map[int]chan NotificationEvent),
	}
}

func (h *NotificationHub) Publish(method string, payload any) NotificationEvent {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextSeq++
	event := NotificationEvent{
		Seq:       h.nextSeq,
		Method:    method,
		Payload:   payload,
		Timestamp: nowUTC(),
	}
	h.history = append(h.history, event)
	if len(h.history) > h.limit {
		h.history = append([]NotificationEvent(nil), h.history[len(h.history)-h.limit:]...)
	}

	for id, ch := range h.subs {
		select {
		case ch <- event:
		default:
			close(ch)
			delete(h.subs, id)
		}
	}
	return event
}

// Subscribe returns the retained events after fromSeq plus a live channel.
// The returned func unsubscribes and is safe to call more than once.
func (h *NotificationHub) Subscribe(fromSeq int64) ([]NotificationEvent, <-chan NotificationEvent, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var replay []NotificationEvent
	for _, event := range h.history {
		if event.Seq > fromSeq {
			replay = append(replay, event)
		}
	}

	id := h.nextSub
	h.nextSub++
	ch := make(chan NotificationEvent, 64)
	h.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if sub, ok := h.subs[id]; ok {
			close(sub)
			delete(h.subs, id)
		}
	}
	return replay, ch, cancel
}

func (h *NotificationHub) BacklogSize() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.history)
}
