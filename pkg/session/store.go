package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/flowsmith-dev/flowsmith/pkg/audit"
	"github.com/flowsmith-dev/flowsmith/pkg/checkpoint"
	"github.com/flowsmith-dev/flowsmith/pkg/crypto"
)

// Defaults applied by NewStore when the config leaves fields unset.
const (
	// DefaultTTL is the session lifetime granted at creation.
	DefaultTTL = 30 * time.Minute
	// handleBytes is the entropy, in bytes, behind a session handle.
	handleBytes = 16
	// secretBytes is the entropy, in bytes, behind a session secret.
	secretBytes = 32
)

// Common errors for session lookup.
var (
	// ErrNotFound is returned when no session exists for a handle.
	ErrNotFound = errors.New("session not found")
	// ErrExpired is returned when a session has lapsed; the lookup evicts
	// it as a side effect.
	ErrExpired = errors.New("session expired")
)

// Config configures a Store.
type Config struct {
	// Provider supplies randomness and checkpoint crypto. Required.
	Provider crypto.Provider
	// Audit receives an entry for every lifecycle operation. Defaults to
	// a no-op logger.
	Audit audit.Logger
	// Logger receives structured operational logs. Defaults to no output.
	Logger *slog.Logger
	// TTL is the session lifetime (default 30m).
	TTL time.Duration
	// OperationsPerMinute is the per-session rate limit (default 30).
	OperationsPerMinute int
	// Now overrides the clock (for tests).
	Now func() time.Time
}

// Store is an explicit, injectable session registry. It is not a process
// global: tests construct isolated instances and production may run
// several independent stores. Store is safe for concurrent use; operations
// on different sessions never contend on the per-session locks.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	provider     crypto.Provider
	auditor      audit.Logger
	logger       *slog.Logger
	ttl          time.Duration
	opsPerMinute int
	now          func() time.Time
}

// NewStore creates a session store.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Provider == nil {
		return nil, errors.New("crypto provider is required")
	}

	auditor := cfg.Audit
	if auditor == nil {
		auditor = audit.NewNoOpLogger()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	ops := cfg.OperationsPerMinute
	if ops <= 0 {
		ops = DefaultOperationsPerMinute
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Store{
		sessions:     make(map[string]*Session),
		provider:     cfg.Provider,
		auditor:      auditor,
		logger:       logger,
		ttl:          ttl,
		opsPerMinute: ops,
		now:          now,
	}, nil
}

// Create mints a new session for the given workflow: a high-entropy
// external handle, a separate internal secret, the default permission set,
// fresh rate-limit state, and checkpoint 0 capturing the empty node list.
func (st *Store) Create(ctx context.Context, workflowID string) (*Session, error) {
	if workflowID == "" {
		return nil, errors.New("workflow id is required")
	}

	handle, err := st.provider.RandomToken(handleBytes)
	if err != nil {
		return nil, fmt.Errorf("mint session handle: %w", err)
	}
	secretHex, err := st.provider.RandomToken(secretBytes)
	if err != nil {
		return nil, fmt.Errorf("mint session secret: %w", err)
	}

	now := st.now().UTC()
	perms := make(map[Permission]struct{})
	for _, p := range DefaultPermissions() {
		perms[p] = struct{}{}
	}

	sess := &Session{
		WorkflowID:  workflowID,
		Handle:      handle,
		CreatedAt:   now,
		ExpiresAt:   now.Add(st.ttl),
		secret:      []byte(secretHex),
		permissions: perms,
	}

	cp, err := checkpoint.Capture(sess.NextCheckpointID(), "initial", nil, sess.secret, st.provider, now)
	if err != nil {
		return nil, fmt.Errorf("capture initial checkpoint: %w", err)
	}
	sess.AppendCheckpoint(cp)

	entry := audit.Entry{
		Timestamp:     now,
		Operation:     "session.create",
		Success:       true,
		SessionHandle: handle,
	}
	sess.AppendAudit(entry)
	st.auditor.Log(ctx, entry)

	st.mu.Lock()
	st.sessions[handle] = sess
	st.mu.Unlock()

	st.logger.Info("session created", "workflow", workflowID, "expires_at", sess.ExpiresAt)
	return sess, nil
}

// Validate resolves a handle to its live session. Expiry is checked
// lazily: a lapsed session is evicted here, as a side effect of being
// accessed, and reported as ErrExpired. There is no background timer; run
// a Sweeper if unreferenced expired sessions must not accumulate.
func (st *Store) Validate(ctx context.Context, handle string) (*Session, error) {
	st.mu.RLock()
	sess, ok := st.sessions[handle]
	st.mu.RUnlock()

	if !ok {
		return nil, ErrNotFound
	}

	if sess.Expired(st.now()) {
		st.mu.Lock()
		// Re-check under the write lock; another caller may have evicted.
		if current, still := st.sessions[handle]; still && current == sess {
			delete(st.sessions, handle)
		}
		st.mu.Unlock()

		st.auditor.Log(ctx, audit.Entry{
			Timestamp:     st.now().UTC(),
			Operation:     "session.expire",
			Success:       true,
			SessionHandle: handle,
		})
		st.logger.Info("session expired", "handle", handle)
		return nil, ErrExpired
	}

	return sess, nil
}

// Allow applies the per-session fixed-window rate limit.
// Caller must hold the session lock.
func (st *Store) Allow(sess *Session) bool {
	return sess.rate.Allow(st.now(), st.opsPerMinute)
}

// Cleanup removes a session unconditionally.
func (st *Store) Cleanup(ctx context.Context, handle string) {
	st.mu.Lock()
	_, existed := st.sessions[handle]
	delete(st.sessions, handle)
	st.mu.Unlock()

	if existed {
		st.auditor.Log(ctx, audit.Entry{
			Timestamp:     st.now().UTC(),
			Operation:     "session.cleanup",
			Success:       true,
			SessionHandle: handle,
		})
	}
}

// Sweep evicts every expired session and returns how many were removed.
// Deployments that cannot tolerate unbounded session-map growth should
// run this periodically (see Sweeper).
func (st *Store) Sweep(ctx context.Context) int {
	now := st.now()

	st.mu.Lock()
	var evicted []string
	for handle, sess := range st.sessions {
		if sess.Expired(now) {
			delete(st.sessions, handle)
			evicted = append(evicted, handle)
		}
	}
	st.mu.Unlock()

	for _, handle := range evicted {
		st.auditor.Log(ctx, audit.Entry{
			Timestamp:     now.UTC(),
			Operation:     "session.expire",
			Success:       true,
			SessionHandle: handle,
		})
	}

	if len(evicted) > 0 {
		st.logger.Info("swept expired sessions", "count", len(evicted))
	}
	return len(evicted)
}

// Len returns the number of live sessions (including not-yet-swept
// expired ones).
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}
