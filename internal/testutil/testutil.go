// Package testutil provides fake external collaborators and clock helpers
// shared by tests across the module.
package testutil

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/flowsmith-dev/flowsmith/pkg/builder"
	"github.com/flowsmith-dev/flowsmith/pkg/node"
)

// Clock is a controllable time source for tests.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock creates a clock frozen at the given instant.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// PersistCall records one UpdateWorkflow invocation.
type PersistCall struct {
	WorkflowID string
	Nodes      []node.Node
}

// FakePersister is an in-memory persistence collaborator. It records every
// call and can be programmed to fail.
type FakePersister struct {
	mu sync.Mutex

	calls []PersistCall
	// FailNext makes the next call return an error, then clears itself.
	FailNext bool
	// RejectNext makes the next call return (false, nil), then clears itself.
	RejectNext bool
	// Err is returned by every call while set.
	Err error
	// Delay is slept before each call returns (honoring ctx cancellation).
	Delay time.Duration
}

// NewFakePersister creates an always-succeeding persister.
func NewFakePersister() *FakePersister {
	return &FakePersister{}
}

// UpdateWorkflow implements builder.Persister.
func (p *FakePersister) UpdateWorkflow(ctx context.Context, workflowID string, nodes []node.Node) (bool, error) {
	if p.Delay > 0 {
		select {
		case <-time.After(p.Delay):
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls = append(p.calls, PersistCall{WorkflowID: workflowID, Nodes: node.Clone(nodes)})

	if p.Err != nil {
		return false, p.Err
	}
	if p.FailNext {
		p.FailNext = false
		return false, errors.New("simulated persistence outage")
	}
	if p.RejectNext {
		p.RejectNext = false
		return false, nil
	}
	return true, nil
}

// Calls returns a copy of the recorded invocations.
func (p *FakePersister) Calls() []PersistCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PersistCall, len(p.calls))
	copy(out, p.calls)
	return out
}

// LastNodes returns the node list of the most recent call, or nil.
func (p *FakePersister) LastNodes() []node.Node {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.calls) == 0 {
		return nil
	}
	return node.Clone(p.calls[len(p.calls)-1].Nodes)
}

// SetFailNext arms a one-shot failure.
func (p *FakePersister) SetFailNext() {
	p.mu.Lock()
	p.FailNext = true
	p.mu.Unlock()
}

// SetRejectNext arms a one-shot rejection.
func (p *FakePersister) SetRejectNext() {
	p.mu.Lock()
	p.RejectNext = true
	p.mu.Unlock()
}

// FakeExecutor is an in-memory execution collaborator.
type FakeExecutor struct {
	mu sync.Mutex

	calls int
	// Result is returned on success.
	Result map[string]any
	// Err is returned by every call while set.
	Err error
	// Delay is slept before each call returns (honoring ctx cancellation).
	Delay time.Duration
}

// NewFakeExecutor creates an executor returning a successful result.
func NewFakeExecutor() *FakeExecutor {
	return &FakeExecutor{Result: map[string]any{"status": "success"}}
}

// ExecuteWorkflow implements builder.Executor.
func (e *FakeExecutor) ExecuteWorkflow(ctx context.Context, workflowID string, req builder.ExecuteRequest) (map[string]any, error) {
	if e.Delay > 0 {
		select {
		case <-time.After(e.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.Err != nil {
		return nil, e.Err
	}
	return e.Result, nil
}

// Calls returns how many executions were attempted.
func (e *FakeExecutor) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}
