// Package gate implements the confirm-before-execute checkpoint that every
// secret-disclosing, fund-moving or capability-granting operation passes
// through. A decision is never cached: each Authorize call asks again.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Kind string

const (
	KindDiscloseSecret  Kind = "disclose_secret"
	KindMoveFunds       Kind = "move_funds"
	KindGrantCapability Kind = "grant_capability"
	KindSignMessage     Kind = "sign_message"
	KindUnsafeMode      Kind = "unsafe_mode"
)

var (
	ErrUserRejected  = errors.New("user rejected action")
	ErrNoConfirmer   = errors.New("no confirmer configured")
	ErrInvalidAction = errors.New("invalid gated action")
)

type Detail struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// Action describes what is about to happen, in terms a human can judge.
type Action struct {
	Kind    Kind     `json:"kind"`
	Title   string   `json:"title"`
	Details []Detail `json:"details,omitempty"`
	// Ref correlates the action with its origin, e.g. a session request id.
	Ref string `json:"ref,omitempty"`
}

// Prompt is a single question put to the user.
type Prompt struct {
	ID        string    `json:"id"`
	Action    Action    `json:"action"`
	Step      int       `json:"step"`
	Steps     int       `json:"steps"`
	CreatedAt time.Time `json:"created_at"`
}

type Confirmer interface {
	Confirm(ctx context.Context, p Prompt) (bool, error)
}

type ConfirmFunc func(ctx context.Context, p Prompt) (bool, error)

func (f ConfirmFunc) Confirm(ctx context.Context, p Prompt) (bool, error) {
	return f(ctx, p)
}

type Option func(*Gate)

func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) {
		if l != nil {
			g.log = l
		}
	}
}

// WithPrometheus registers the decision counter on reg.
func WithPrometheus(reg prometheus.Registerer) Option {
	return func(g *Gate) {
		if reg == nil {
			return
		}
		g.decisions = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keyvault",
			Subsystem: "gate",
			Name:      "decisions_total",
			Help:      "confirmation decisions by action kind and outcome",
		}, []string{"kind", "outcome"})
		reg.MustRegister(g.decisions)
	}
}

type Gate struct {
	confirmer Confirmer
	log       *slog.Logger
	seq       atomic.Uint64
	decisions *prometheus.CounterVec
}

func New(c Confirmer, opts ...Option) *Gate {
	g := &Gate{confirmer: c, log: slog.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// Authorize asks for one explicit confirmation of a. It returns nil only on
// an affirmative answer.
func (g *Gate) Authorize(ctx context.Context, a Action) error {
	return g.ask(ctx, a, 1, 1)
}

// DoubleConfirm asks twice in sequence and returns a token carrying both
// affirmations. Either refusal aborts.
func (g *Gate) DoubleConfirm(ctx context.Context, a Action) (*ConfirmationToken, error) {
	token := NewConfirmationToken(a.Kind)
	for step := 1; step <= 2; step++ {
		if err := g.ask(ctx, a, step, 2); err != nil {
			return nil, err
		}
		token.Affirm()
	}
	return token, nil
}

func (g *Gate) ask(ctx context.Context, a Action, step, steps int) error {
	if g == nil || g.confirmer == nil {
		return ErrNoConfirmer
	}
	if a.Kind == "" || a.Title == "" {
		return ErrInvalidAction
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	p := Prompt{
		ID:        "prompt_" + strconv.FormatUint(g.seq.Add(1), 10),
		Action:    a,
		Step:      step,
		Steps:     steps,
		CreatedAt: time.Now().UTC(),
	}
	ok, err := g.confirmer.Confirm(ctx, p)
	switch {
	case err != nil:
		g.record(a, "error")
		g.log.Warn("gate confirmation failed", "kind", string(a.Kind), "ref", a.Ref, "error", err)
		return fmt.Errorf("confirm %s: %w", a.Kind, err)
	case !ok:
		g.record(a, "rejected")
		g.log.Info("gate action rejected", "kind", string(a.Kind), "ref", a.Ref, "step", step)
		return ErrUserRejected
	default:
		g.record(a, "approved")
		g.log.Info("gate action approved", "kind", string(a.Kind), "ref", a.Ref, "step", step)
		return nil
	}
}

func (g *Gate) record(a Action, outcome string) {
	if g.decisions == nil {
		return
	}
	g.decisions.WithLabelValues(string(a.Kind), outcome).Inc()
}
