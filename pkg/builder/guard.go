package builder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/flowsmith-dev/flowsmith/pkg/node"
)

// Guard errors.
var (
	// ErrOutboundRateLimited is returned when the outbound limiter rejects
	// a collaborator call before it is attempted.
	ErrOutboundRateLimited = errors.New("outbound call rate limited")
	// ErrCircuitOpen is returned while the breaker is rejecting calls.
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// GuardConfig configures outbound protection for a collaborator client.
type GuardConfig struct {
	// RequestsPerSecond bounds outbound calls (0 disables the limiter).
	RequestsPerSecond float64
	// Burst is the limiter burst size.
	Burst int
	// MaxFailures opens the breaker after this many consecutive failures
	// (0 disables the breaker).
	MaxFailures int
	// ResetTimeout is how long the breaker stays open before probing.
	ResetTimeout time.Duration
	// Timeout bounds each outbound call (0 disables the bound).
	Timeout time.Duration
}

// CircuitBreaker trips after consecutive collaborator failures so a
// struggling remote service is not hammered by every session at once.
type CircuitBreaker struct {
	maxFailures  int
	resetTimeout time.Duration

	mu              sync.Mutex
	failures        int
	lastFailureTime time.Time
	state           CircuitState
}

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

// NewCircuitBreaker creates a new circuit breaker.
func NewCircuitBreaker(maxFailures int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		state:        CircuitClosed,
	}
}

// Execute runs a function through the circuit breaker.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.mu.Lock()

	if cb.state == CircuitOpen && time.Since(cb.lastFailureTime) > cb.resetTimeout {
		cb.state = CircuitHalfOpen
		cb.failures = 0
	}

	if cb.state == CircuitOpen {
		cb.mu.Unlock()
		return ErrCircuitOpen
	}
	cb.mu.Unlock()

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.failures++
		cb.lastFailureTime = time.Now()
		if cb.failures >= cb.maxFailures {
			cb.state = CircuitOpen
		}
		return err
	}

	cb.failures = 0
	cb.state = CircuitClosed
	return nil
}

// State returns the current state of the circuit breaker.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// guard bundles the outbound protections shared by both collaborator
// wrappers.
type guard struct {
	limiter *rate.Limiter
	breaker *CircuitBreaker
	timeout time.Duration
}

func newGuard(cfg GuardConfig) guard {
	g := guard{timeout: cfg.Timeout}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	if cfg.MaxFailures > 0 {
		g.breaker = NewCircuitBreaker(cfg.MaxFailures, cfg.ResetTimeout)
	}
	return g
}

func (g guard) call(ctx context.Context, fn func(context.Context) error) error {
	if g.limiter != nil && !g.limiter.Allow() {
		return ErrOutboundRateLimited
	}

	run := func() error {
		callCtx := ctx
		if g.timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, g.timeout)
			defer cancel()
		}
		return fn(callCtx)
	}

	if g.breaker != nil {
		return g.breaker.Execute(run)
	}
	return run()
}

// GuardedPersister wraps a Persister with an outbound rate limiter, a
// circuit breaker, and a call timeout. Engine compensation semantics do
// not depend on the guard; it only fails faster and more politely.
type GuardedPersister struct {
	inner Persister
	guard guard
}

// NewGuardedPersister wraps a persistence collaborator.
func NewGuardedPersister(inner Persister, cfg GuardConfig) *GuardedPersister {
	return &GuardedPersister{inner: inner, guard: newGuard(cfg)}
}

// UpdateWorkflow forwards through the guard.
func (g *GuardedPersister) UpdateWorkflow(ctx context.Context, workflowID string, nodes []node.Node) (bool, error) {
	var ok bool
	err := g.guard.call(ctx, func(callCtx context.Context) error {
		var innerErr error
		ok, innerErr = g.inner.UpdateWorkflow(callCtx, workflowID, nodes)
		if innerErr != nil {
			return innerErr
		}
		if !ok {
			return fmt.Errorf("persistence rejected update for %q", workflowID)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return ok, nil
}

// Breaker exposes the persister's circuit breaker state (nil-safe only
// when a breaker was configured).
func (g *GuardedPersister) Breaker() *CircuitBreaker {
	return g.guard.breaker
}

// GuardedExecutor wraps an Executor with the same outbound protections.
type GuardedExecutor struct {
	inner Executor
	guard guard
}

// NewGuardedExecutor wraps an execution collaborator.
func NewGuardedExecutor(inner Executor, cfg GuardConfig) *GuardedExecutor {
	return &GuardedExecutor{inner: inner, guard: newGuard(cfg)}
}

// ExecuteWorkflow forwards through the guard.
func (g *GuardedExecutor) ExecuteWorkflow(ctx context.Context, workflowID string, req ExecuteRequest) (map[string]any, error) {
	var result map[string]any
	err := g.guard.call(ctx, func(callCtx context.Context) error {
		var innerErr error
		result, innerErr = g.inner.ExecuteWorkflow(callCtx, workflowID, req)
		return innerErr
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
