package gate

import "sync"

const requiredAffirmations = 2

// ConfirmationToken carries two sequential affirmative answers for a risky
// mode change. It can be consumed once.
type ConfirmationToken struct {
	mu           sync.Mutex
	purpose      Kind
	affirmations int
	consumed     bool
}

func NewConfirmationToken(purpose Kind) *ConfirmationToken {
	return &ConfirmationToken{purpose: purpose}
}

// Affirm records one affirmative answer and returns the running count.
func (t *ConfirmationToken) Affirm() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.affirmations++
	return t.affirmations
}

// Consume reports whether the token is fully confirmed for purpose and
// marks it spent.
func (t *ConfirmationToken) Consume(purpose Kind) bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.consumed || t.purpose != purpose || t.affirmations < requiredAffirmations {
		return false
	}
	t.consumed = true
	return true
}
