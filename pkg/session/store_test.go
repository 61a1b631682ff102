package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/flowsmith-dev/flowsmith/pkg/audit"
	"github.com/flowsmith-dev/flowsmith/pkg/checkpoint"
	"github.com/flowsmith-dev/flowsmith/pkg/crypto"
	"github.com/flowsmith-dev/flowsmith/pkg/node"
)

// fakeClock is a settable clock for driving expiry and rate windows.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 2, 15, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func newTestStore(t *testing.T, clock *fakeClock) (*Store, *audit.InMemoryLogger) {
	t.Helper()

	auditor := audit.NewInMemoryLogger()
	cfg := Config{
		Provider:            crypto.NewAEADProvider(),
		Audit:               auditor,
		OperationsPerMinute: 5,
	}
	if clock != nil {
		cfg.Now = clock.Now
	}

	st, err := NewStore(cfg)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	return st, auditor
}

func TestCreateSession(t *testing.T) {
	st, auditor := newTestStore(t, nil)
	ctx := context.Background()

	sess, err := st.Create(ctx, "wf1")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if sess.WorkflowID != "wf1" {
		t.Errorf("WorkflowID = %q, want wf1", sess.WorkflowID)
	}
	if sess.Handle == "" {
		t.Error("Handle is empty")
	}
	if string(sess.Secret()) == sess.Handle {
		t.Error("session secret equals the external handle")
	}
	if len(sess.Secret()) == 0 {
		t.Error("session secret is empty")
	}
	if !sess.ExpiresAt.After(sess.CreatedAt) {
		t.Error("ExpiresAt not after CreatedAt")
	}

	sess.Lock()
	defer sess.Unlock()
	if sess.CheckpointCount() != 1 {
		t.Errorf("CheckpointCount() = %d, want initial checkpoint", sess.CheckpointCount())
	}
	cp, ok := sess.Checkpoint(0)
	if !ok {
		t.Fatal("checkpoint 0 missing")
	}
	restored, err := checkpoint.Open(cp, sess.Secret(), crypto.NewAEADProvider())
	if err != nil {
		t.Fatalf("Open(checkpoint 0) error = %v", err)
	}
	if len(restored) != 0 {
		t.Errorf("checkpoint 0 captured %d nodes, want 0", len(restored))
	}

	entries := auditor.BySession(sess.Handle)
	if len(entries) != 1 || entries[0].Operation != "session.create" {
		t.Errorf("audit entries = %+v, want one session.create", entries)
	}

	for _, p := range DefaultPermissions() {
		if !sess.Can(p) {
			t.Errorf("session missing default permission %q", p)
		}
	}
}

func TestCreateSessionsHaveDistinctHandles(t *testing.T) {
	st, _ := newTestStore(t, nil)
	ctx := context.Background()

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		sess, err := st.Create(ctx, "wf1")
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		if seen[sess.Handle] {
			t.Fatal("duplicate session handle minted")
		}
		seen[sess.Handle] = true
	}
}

func TestValidateUnknownHandle(t *testing.T) {
	st, _ := newTestStore(t, nil)

	if _, err := st.Validate(context.Background(), "no-such-handle"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Validate() error = %v, want ErrNotFound", err)
	}
}

func TestValidateLazyExpiry(t *testing.T) {
	// Scenario: create a session, advance time past the TTL, validate.
	clock := newFakeClock()
	st, auditor := newTestStore(t, clock)
	ctx := context.Background()

	sess, err := st.Create(ctx, "wf1")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	clock.Advance(31 * time.Minute)

	if _, err := st.Validate(ctx, sess.Handle); !errors.Is(err, ErrExpired) {
		t.Fatalf("Validate() error = %v, want ErrExpired", err)
	}

	// Evicted as a side effect: the next lookup reports not-found.
	if _, err := st.Validate(ctx, sess.Handle); !errors.Is(err, ErrNotFound) {
		t.Errorf("Validate() after eviction error = %v, want ErrNotFound", err)
	}
	if st.Len() != 0 {
		t.Errorf("Len() = %d, want 0 after eviction", st.Len())
	}

	entries := auditor.BySession(sess.Handle)
	last := entries[len(entries)-1]
	if last.Operation != "session.expire" {
		t.Errorf("last audit operation = %q, want session.expire", last.Operation)
	}
}

func TestValidateBeforeExpiry(t *testing.T) {
	clock := newFakeClock()
	st, _ := newTestStore(t, clock)
	ctx := context.Background()

	sess, err := st.Create(ctx, "wf1")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	clock.Advance(29 * time.Minute)

	got, err := st.Validate(ctx, sess.Handle)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if got != sess {
		t.Error("Validate() returned a different session instance")
	}
}

func TestRateLimitWindow(t *testing.T) {
	clock := newFakeClock()
	st, _ := newTestStore(t, clock) // limit 5/min
	ctx := context.Background()

	sess, err := st.Create(ctx, "wf1")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	sess.Lock()
	defer sess.Unlock()

	for i := 0; i < 5; i++ {
		clock.Advance(time.Second)
		if !st.Allow(sess) {
			t.Fatalf("operation %d denied under the limit", i+1)
		}
	}

	// The (N+1)th inside the window is denied without being counted.
	clock.Advance(time.Second)
	if st.Allow(sess) {
		t.Fatal("operation over the limit was allowed")
	}

	// After the window elapses the next operation succeeds.
	clock.Advance(RateWindow + time.Second)
	if !st.Allow(sess) {
		t.Error("operation after window elapsed was denied")
	}
}

func TestRateLimitDenialDoesNotExtendWindow(t *testing.T) {
	clock := newFakeClock()
	st, _ := newTestStore(t, clock)
	ctx := context.Background()

	sess, err := st.Create(ctx, "wf1")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	sess.Lock()
	defer sess.Unlock()

	start := clock.Now()
	for i := 0; i < 5; i++ {
		if !st.Allow(sess) {
			t.Fatalf("operation %d denied under the limit", i+1)
		}
	}

	// Denied attempts, all strictly inside the window, must not refresh
	// the last-counted-op timestamp.
	for _, offset := range []time.Duration{20 * time.Second, 40 * time.Second, 59 * time.Second} {
		clock.Set(start.Add(offset))
		if st.Allow(sess) {
			t.Fatalf("operation allowed at +%v with the window exhausted", offset)
		}
	}

	// 61s after the last counted operation the window has elapsed. Had the
	// denial at +59s refreshed the timestamp, this would still be denied.
	clock.Set(start.Add(RateWindow + time.Second))
	if !st.Allow(sess) {
		t.Error("denied attempts extended the rate window")
	}
}

func TestCleanup(t *testing.T) {
	st, auditor := newTestStore(t, nil)
	ctx := context.Background()

	sess, err := st.Create(ctx, "wf1")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	st.Cleanup(ctx, sess.Handle)

	if _, err := st.Validate(ctx, sess.Handle); !errors.Is(err, ErrNotFound) {
		t.Errorf("Validate() after cleanup error = %v, want ErrNotFound", err)
	}

	entries := auditor.BySession(sess.Handle)
	if entries[len(entries)-1].Operation != "session.cleanup" {
		t.Error("cleanup did not write an audit entry")
	}

	// Cleaning up an unknown handle is a no-op.
	st.Cleanup(ctx, "no-such-handle")
}

func TestSweep(t *testing.T) {
	clock := newFakeClock()
	st, _ := newTestStore(t, clock)
	ctx := context.Background()

	if _, err := st.Create(ctx, "wf-old"); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	clock.Advance(20 * time.Minute)
	fresh, err := st.Create(ctx, "wf-new")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	clock.Advance(15 * time.Minute) // old: 35m (expired), new: 15m (live)

	if n := st.Sweep(ctx); n != 1 {
		t.Errorf("Sweep() = %d, want 1", n)
	}
	if st.Len() != 1 {
		t.Errorf("Len() = %d, want 1", st.Len())
	}
	if _, err := st.Validate(ctx, fresh.Handle); err != nil {
		t.Errorf("live session swept: %v", err)
	}
}

func TestNodeListBounds(t *testing.T) {
	st, _ := newTestStore(t, nil)
	sess, err := st.Create(context.Background(), "wf1")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	sess.Lock()
	defer sess.Unlock()

	for i := 0; i < MaxNodes; i++ {
		sess.AppendNode(node.Node{ID: "n", Type: "http.request"})
	}
	if sess.NodeCount() != MaxNodes {
		t.Errorf("NodeCount() = %d, want %d", sess.NodeCount(), MaxNodes)
	}

	sess.PopNode()
	if sess.NodeCount() != MaxNodes-1 {
		t.Errorf("NodeCount() after PopNode = %d", sess.NodeCount())
	}
}

func TestCheckpointEvictionAndMonotonicIDs(t *testing.T) {
	st, _ := newTestStore(t, nil)
	sess, err := st.Create(context.Background(), "wf1")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	p := crypto.NewAEADProvider()

	sess.Lock()
	defer sess.Unlock()

	// Create enough checkpoints to force FIFO eviction (one initial plus
	// fifteen more).
	for i := 0; i < 15; i++ {
		cp, err := checkpoint.Capture(sess.NextCheckpointID(), "", sess.Nodes(), sess.Secret(), p, time.Now())
		if err != nil {
			t.Fatalf("Capture() error = %v", err)
		}
		sess.AppendCheckpoint(cp)
	}

	if sess.CheckpointCount() != checkpoint.MaxCheckpoints {
		t.Fatalf("CheckpointCount() = %d, want %d", sess.CheckpointCount(), checkpoint.MaxCheckpoints)
	}

	cps := sess.Checkpoints()
	// Oldest retained id is 6 (ids 0..5 evicted); ids strictly increase.
	if cps[0].ID != 6 {
		t.Errorf("oldest retained id = %d, want 6", cps[0].ID)
	}
	for i := 1; i < len(cps); i++ {
		if cps[i].ID != cps[i-1].ID+1 {
			t.Errorf("ids not monotonic at index %d: %d after %d", i, cps[i].ID, cps[i-1].ID)
		}
	}

	// Evicted ids resolve to nothing; no id reuse after eviction.
	if _, ok := sess.Checkpoint(0); ok {
		t.Error("evicted checkpoint id still resolves")
	}
	if next := sess.NextCheckpointID(); next != 16 {
		t.Errorf("NextCheckpointID() = %d, want 16", next)
	}
}

func TestTruncateAfter(t *testing.T) {
	st, _ := newTestStore(t, nil)
	sess, err := st.Create(context.Background(), "wf1")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	p := crypto.NewAEADProvider()

	sess.Lock()
	defer sess.Unlock()

	for i := 0; i < 4; i++ {
		cp, err := checkpoint.Capture(sess.NextCheckpointID(), "", nil, sess.Secret(), p, time.Now())
		if err != nil {
			t.Fatalf("Capture() error = %v", err)
		}
		sess.AppendCheckpoint(cp)
	}

	sess.TruncateAfter(2)

	cps := sess.Checkpoints()
	if len(cps) != 3 {
		t.Fatalf("CheckpointCount() = %d, want 3 (ids 0,1,2)", len(cps))
	}
	if cps[len(cps)-1].ID != 2 {
		t.Errorf("newest retained id = %d, want 2", cps[len(cps)-1].ID)
	}
}

func TestAuditTrailIsAppendOnlyCopy(t *testing.T) {
	st, _ := newTestStore(t, nil)
	sess, err := st.Create(context.Background(), "wf1")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	sess.Lock()
	defer sess.Unlock()

	trail := sess.AuditTrail()
	if len(trail) != 1 {
		t.Fatalf("AuditTrail() length = %d, want 1", len(trail))
	}
	trail[0].Operation = "mutated"
	if sess.AuditTrail()[0].Operation != "session.create" {
		t.Error("AuditTrail() returned a live reference to internal state")
	}
}

func TestNewStoreRequiresProvider(t *testing.T) {
	if _, err := NewStore(Config{}); err == nil {
		t.Error("NewStore() accepted a nil crypto provider")
	}
}
