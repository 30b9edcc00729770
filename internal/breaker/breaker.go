// Package breaker tracks per-module health and withholds a consistently
// failing module's jobs until it recovers. It never dead-letters individual
// jobs; gated jobs stay pending and resume automatically.
package breaker

import (
	"fmt"
	"sync"
	"time"
)

// Defaults for the trip conditions and timing windows.
const (
	DefaultThreshold    = 5
	DefaultFailureRatio = 0.8
	DefaultRecovery     = 10 * time.Minute
	DefaultStaleness    = 2 * time.Hour
)

// ModuleState is the persisted health record for one module. Absence means
// healthy: modules are deleted from the state map when they close, keeping
// the persisted blob empty in the steady state.
type ModuleState struct {
	// Failures counts consecutive batches at or above the failure ratio.
	Failures int `json:"failures"`
	// OpenedAt is the unix time the circuit opened; 0 while closed.
	OpenedAt int64 `json:"opened_at,omitempty"`
}

// StateStore persists the module → state map. Loaded once at construction,
// written on every transition.
type StateStore interface {
	Load() (map[string]ModuleState, error)
	Save(states map[string]ModuleState) error
}

// Breaker is the per-module circuit breaker.
//
// State machine per module: Closed → (threshold consecutive unhealthy
// batches) → Open → (recovery delay elapses) → Half-Open probe → a healthy
// probe closes and deletes the state; an unhealthy one re-arms the timer.
type Breaker struct {
	mu     sync.Mutex
	states map[string]ModuleState
	store  StateStore

	threshold int
	ratio     float64
	recovery  time.Duration
	staleness time.Duration
	now       func() time.Time
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithThreshold sets the consecutive unhealthy batch count that opens a
// module's circuit.
func WithThreshold(n int) Option {
	return func(b *Breaker) { b.threshold = n }
}

// WithFailureRatio sets the batch failure ratio at or above which a batch
// counts as unhealthy.
func WithFailureRatio(r float64) Option {
	return func(b *Breaker) { b.ratio = r }
}

// WithRecovery sets the delay before an open module is offered a probe.
func WithRecovery(d time.Duration) Option {
	return func(b *Breaker) { b.recovery = d }
}

// WithStaleness sets the window after which open state is auto-discarded.
// This bounds how long a stuck module can block processing even if the
// recovery path never fires.
func WithStaleness(d time.Duration) Option {
	return func(b *Breaker) { b.staleness = d }
}

// WithNow overrides the wall clock for tests.
func WithNow(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// New creates a Breaker, loading persisted state from the store.
func New(store StateStore, opts ...Option) (*Breaker, error) {
	states, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("load breaker state: %w", err)
	}
	if states == nil {
		states = make(map[string]ModuleState)
	}

	b := &Breaker{
		states:    states,
		store:     store,
		threshold: DefaultThreshold,
		ratio:     DefaultFailureRatio,
		recovery:  DefaultRecovery,
		staleness: DefaultStaleness,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// RecordBatch feeds one batch's aggregate outcome into the state machine.
// An empty batch is ignored. A healthy batch (failure ratio below the
// threshold ratio) deletes the module's state entirely - even when the
// circuit is open, a healthy probe closes it immediately with no
// trust-rebuild period. An unhealthy batch increments the consecutive
// counter and opens (or re-arms) the circuit at the threshold.
func (b *Breaker) RecordBatch(module string, successes, failures int) error {
	total := successes + failures
	if total == 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if float64(failures)/float64(total) < b.ratio {
		if _, ok := b.states[module]; !ok {
			return nil
		}
		delete(b.states, module)
		return b.persistLocked()
	}

	state := b.states[module]
	state.Failures++
	if state.Failures >= b.threshold {
		// Opening, or an unhealthy probe on an already-open circuit:
		// either way the recovery timer starts over.
		state.OpenedAt = b.now().Unix()
	}
	b.states[module] = state
	return b.persistLocked()
}

// Available reports whether the engine should attempt a module's jobs.
// An open module becomes available again in two ways: the recovery delay
// elapses (the next batch is the probe) or the state goes stale and is
// discarded on this read.
func (b *Breaker) Available(module string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, ok := b.states[module]
	if !ok || state.OpenedAt == 0 {
		return true
	}

	age := b.now().Sub(time.Unix(state.OpenedAt, 0))
	if age >= b.staleness {
		delete(b.states, module)
		// Best effort: a failed persist must not keep the module gated.
		_ = b.persistLocked()
		return true
	}
	return age >= b.recovery
}

// OpenModules returns a snapshot of currently open modules and their state.
func (b *Breaker) OpenModules() map[string]ModuleState {
	b.mu.Lock()
	defer b.mu.Unlock()

	open := make(map[string]ModuleState)
	for module, state := range b.states {
		if state.OpenedAt > 0 {
			open[module] = state
		}
	}
	return open
}

// Reset is the explicit operator override: it clears a module's state
// regardless of timers. Resetting a module with no state is a no-op.
func (b *Breaker) Reset(module string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.states[module]; !ok {
		return nil
	}
	delete(b.states, module)
	return b.persistLocked()
}

func (b *Breaker) persistLocked() error {
	if err := b.store.Save(b.states); err != nil {
		return fmt.Errorf("persist breaker state: %w", err)
	}
	return nil
}
