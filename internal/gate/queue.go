package gate

import (
	"context"
	"errors"
	"sort"
	"sync"
)

var ErrPromptNotFound = errors.New("prompt not found")

type pendingPrompt struct {
	prompt   Prompt
	decision chan bool
}

// Queue is a Confirmer that parks prompts until an operator decides them
// out of band, e.g. over the local RPC API.
type Queue struct {
	mu      sync.Mutex
	pending map[string]*pendingPrompt
	notify  func(Prompt)
}

func NewQueue() *Queue {
	return &Queue{pending: make(map[string]*pendingPrompt)}
}

// OnPrompt installs a callback fired when a new prompt is parked.
func (q *Queue) OnPrompt(fn func(Prompt)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.notify = fn
}

func (q *Queue) Confirm(ctx context.Context, p Prompt) (bool, error) {
	entry := &pendingPrompt{prompt: p, decision: make(chan bool, 1)}
	q.mu.Lock()
	q.pending[p.ID] = entry
	notify := q.notify
	q.mu.Unlock()
	if notify != nil {
		notify(p)
	}

	defer func() {
		q.mu.Lock()
		delete(q.pending, p.ID)
		q.mu.Unlock()
	}()
	select {
	case ok := <-entry.decision:
		return ok, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Pending lists parked prompts, oldest first.
func (q *Queue) Pending() []Prompt {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Prompt, 0, len(q.pending))
	for _, e := range q.pending {
		out = append(out, e.prompt)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt) ||
			(out[i].CreatedAt.Equal(out[j].CreatedAt) && out[i].ID < out[j].ID)
	})
	return out
}

func (q *Queue) Decide(id string, approve bool) error {
	q.mu.Lock()
	entry, ok := q.pending[id]
	if ok {
		delete(q.pending, id)
	}
	q.mu.Unlock()
	if !ok {
		return ErrPromptNotFound
	}
	entry.decision <- approve
	return nil
}
