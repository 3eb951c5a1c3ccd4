// Package circuit implements the per-signature circuit breaker that freezes
// remediation for failure shapes that keep coming back.
package circuit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/remedyops/remedy/internal/clock"
	"github.com/remedyops/remedy/internal/signature"
	"github.com/remedyops/remedy/internal/storage"
	"github.com/remedyops/remedy/internal/types"
)

const (
	// DefaultThreshold is the failure count that opens a circuit.
	DefaultThreshold = 3
	// DefaultResetAfter is how long an open circuit waits before probing.
	DefaultResetAfter = 24 * time.Hour
)

// ErrNotOpen is returned by ManualReset for circuits that are neither open
// nor half-open.
var ErrNotOpen = errors.New("circuit is not open")

// Breaker tracks repeated failures per signature. State is persisted; the
// in-memory part is only the half-open trial latch.
type Breaker struct {
	store      storage.Storage
	clock      clock.Clock
	threshold  int
	resetAfter time.Duration

	mu     sync.Mutex
	trials map[string]bool // signature -> half-open trial in flight
}

// Config tunes the breaker. Zero values take defaults.
type Config struct {
	Storage    storage.Storage
	Clock      clock.Clock
	Threshold  int
	ResetAfter time.Duration
}

// New creates a breaker.
func New(cfg Config) (*Breaker, error) {
	if cfg.Storage == nil {
		return nil, fmt.Errorf("storage is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.ResetAfter <= 0 {
		cfg.ResetAfter = DefaultResetAfter
	}
	return &Breaker{
		store:      cfg.Storage,
		clock:      cfg.Clock,
		threshold:  cfg.Threshold,
		resetAfter: cfg.ResetAfter,
		trials:     make(map[string]bool),
	}, nil
}

// OnFailure records one failure occurrence for (repository, branch, reason)
// and returns the circuit after any resulting transition. Opens the circuit
// when the count reaches the threshold.
func (b *Breaker) OnFailure(ctx context.Context, repository, branch, reason string) (*types.Circuit, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sig := signature.Key(repository, branch, reason)
	c, err := b.load(ctx, sig, repository, branch, reason)
	if err != nil {
		return nil, err
	}
	now := b.clock.Now()
	b.applyAutoReset(c, now)

	c.FailureCount++
	c.LastFailureAt = &now

	if c.State == types.CircuitClosed && c.FailureCount >= b.threshold {
		b.transition(c, types.CircuitOpen, fmt.Sprintf("failure threshold reached (%d)", c.FailureCount), "remedy", now)
	}

	if err := b.store.UpsertCircuit(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// Allow reports whether remediation may proceed for this signature. In
// half-open state exactly one trial is admitted at a time; the latch clears on
// OnTrialSuccess or OnTrialFailure.
func (b *Breaker) Allow(ctx context.Context, repository, branch, reason string) (bool, *types.Circuit, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sig := signature.Key(repository, branch, reason)
	c, err := b.load(ctx, sig, repository, branch, reason)
	if err != nil {
		return false, nil, err
	}
	now := b.clock.Now()
	if b.applyAutoReset(c, now) {
		if err := b.store.UpsertCircuit(ctx, c); err != nil {
			return false, nil, err
		}
	}

	switch c.State {
	case types.CircuitClosed:
		return true, c, nil
	case types.CircuitOpen:
		return false, c, nil
	case types.CircuitHalfOpen:
		if b.trials[sig] {
			return false, c, nil
		}
		b.trials[sig] = true
		return true, c, nil
	default:
		return false, c, fmt.Errorf("unknown circuit state %q", c.State)
	}
}

// OnTrialSuccess records a confirmed remediation success. A half-open circuit
// closes and its failure count clears; a closed circuit just clears its count.
func (b *Breaker) OnTrialSuccess(ctx context.Context, repository, branch, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	sig := signature.Key(repository, branch, reason)
	c, err := b.load(ctx, sig, repository, branch, reason)
	if err != nil {
		return err
	}
	now := b.clock.Now()
	delete(b.trials, sig)

	if c.State == types.CircuitHalfOpen {
		b.transition(c, types.CircuitClosed, "trial remediation succeeded", "remedy", now)
	}
	c.FailureCount = 0
	return b.store.UpsertCircuit(ctx, c)
}

// OnTrialFailure records a failed half-open trial: the circuit re-opens with a
// fresh reset window.
func (b *Breaker) OnTrialFailure(ctx context.Context, repository, branch, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	sig := signature.Key(repository, branch, reason)
	c, err := b.load(ctx, sig, repository, branch, reason)
	if err != nil {
		return err
	}
	now := b.clock.Now()
	delete(b.trials, sig)

	if c.State == types.CircuitHalfOpen {
		b.transition(c, types.CircuitOpen, "trial remediation failed", "remedy", now)
	}
	return b.store.UpsertCircuit(ctx, c)
}

// ReleaseTrial clears the half-open trial latch without a state transition.
// Used when a granted trial never reaches execution (gate escalation, abort).
func (b *Breaker) ReleaseTrial(repository, branch, reason string) {
	b.mu.Lock()
	delete(b.trials, signature.Key(repository, branch, reason))
	b.mu.Unlock()
}

// ManualReset force-closes an open or half-open circuit. Closed circuits are
// left alone so operators cannot race the state machine.
func (b *Breaker) ManualReset(ctx context.Context, sig, actor string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, err := b.store.GetCircuit(ctx, sig)
	if err != nil {
		return err
	}
	if c.State == types.CircuitClosed {
		return fmt.Errorf("%w: %s is %s", ErrNotOpen, sig, c.State)
	}
	b.transition(c, types.CircuitClosed, "manual reset", actor, b.clock.Now())
	c.FailureCount = 0
	delete(b.trials, sig)
	return b.store.UpsertCircuit(ctx, c)
}

// load fetches the circuit for sig, creating a closed one if none exists.
func (b *Breaker) load(ctx context.Context, sig, repository, branch, reason string) (*types.Circuit, error) {
	c, err := b.store.GetCircuit(ctx, sig)
	if errors.Is(err, storage.ErrNotFound) {
		return &types.Circuit{
			Signature:    sig,
			Repository:   repository,
			Branch:       branch,
			ErrorPattern: signature.Normalize(reason),
			State:        types.CircuitClosed,
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load circuit %s: %w", sig, err)
	}
	return c, nil
}

// applyAutoReset moves an open circuit to half-open once its reset window has
// passed. Returns true if a transition happened.
func (b *Breaker) applyAutoReset(c *types.Circuit, now time.Time) bool {
	if c.State == types.CircuitOpen && c.AutoResetAt != nil && !now.Before(*c.AutoResetAt) {
		b.transition(c, types.CircuitHalfOpen, "auto-reset window elapsed", "remedy", now)
		return true
	}
	return false
}

func (b *Breaker) transition(c *types.Circuit, to types.CircuitState, reason, actor string, now time.Time) {
	c.History = append(c.History, types.StateTransition{
		From:   c.State,
		To:     to,
		Reason: reason,
		Actor:  actor,
		At:     now,
	})
	c.State = to
	switch to {
	case types.CircuitOpen:
		c.OpenedAt = &now
		resetAt := now.Add(b.resetAfter)
		c.AutoResetAt = &resetAt
	case types.CircuitClosed:
		c.OpenedAt = nil
		c.AutoResetAt = nil
	}
}
