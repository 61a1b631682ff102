// Package builder implements the incremental workflow-building engine:
// session-scoped node admission, encrypted checkpoint history, rollback,
// and sandboxed execution tests, with compensation against the external
// persistence collaborator so that in-memory state and remote state never
// drift apart.
package builder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/flowsmith-dev/flowsmith/pkg/audit"
	"github.com/flowsmith-dev/flowsmith/pkg/catalog"
	"github.com/flowsmith-dev/flowsmith/pkg/checkpoint"
	"github.com/flowsmith-dev/flowsmith/pkg/crypto"
	"github.com/flowsmith-dev/flowsmith/pkg/node"
	"github.com/flowsmith-dev/flowsmith/pkg/observability"
	"github.com/flowsmith-dev/flowsmith/pkg/session"
)

// DefaultExecuteTimeout bounds a sandboxed execution test.
const DefaultExecuteTimeout = 30 * time.Second

// EngineConfig configures an Engine.
type EngineConfig struct {
	// Store resolves session handles. Required.
	Store *session.Store
	// Catalog is the node-type whitelist. Required.
	Catalog catalog.Catalog
	// Provider supplies checkpoint crypto. Required.
	Provider crypto.Provider
	// Persister receives the node list after every accepted mutation.
	// Required.
	Persister Persister
	// Executor runs sandboxed execution tests. Optional; ExecuteTest
	// fails when unset.
	Executor Executor
	// Audit receives one entry per attempted operation. Defaults to a
	// no-op logger.
	Audit audit.Logger
	// Logger receives structured operational logs. Defaults to no output.
	Logger *slog.Logger
	// ExecuteTimeout bounds execution tests (default 30s).
	ExecuteTimeout time.Duration
	// Now overrides the clock (for tests).
	Now func() time.Time
}

// Engine orchestrates all session operations. Each operation holds the
// session's exclusive lock for its full duration, so the rate-limit
// check, the in-memory mutation, and the dependent external call form one
// atomic sequence per session; operations on different sessions proceed
// concurrently.
type Engine struct {
	store       *session.Store
	catalog     catalog.Catalog
	provider    crypto.Provider
	persister   Persister
	executor    Executor
	auditor     audit.Logger
	logger      *slog.Logger
	tracer      trace.Tracer
	execTimeout time.Duration
	now         func() time.Time
}

// NewEngine creates an engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errors.New("session store is required")
	}
	if cfg.Catalog == nil {
		return nil, errors.New("node catalog is required")
	}
	if cfg.Provider == nil {
		return nil, errors.New("crypto provider is required")
	}
	if cfg.Persister == nil {
		return nil, errors.New("persistence collaborator is required")
	}

	auditor := cfg.Audit
	if auditor == nil {
		auditor = audit.NewNoOpLogger()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	timeout := cfg.ExecuteTimeout
	if timeout <= 0 {
		timeout = DefaultExecuteTimeout
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Engine{
		store:       cfg.Store,
		catalog:     cfg.Catalog,
		provider:    cfg.Provider,
		persister:   cfg.Persister,
		executor:    cfg.Executor,
		auditor:     auditor,
		logger:      logger,
		tracer:      otel.Tracer("flowsmith/builder"),
		execTimeout: timeout,
		now:         now,
	}, nil
}

// CheckpointInfo is the externally visible view of a retained snapshot.
// Ciphertext and signature stay internal.
type CheckpointInfo struct {
	ID        uint64    `json:"id"`
	Label     string    `json:"label,omitempty"`
	Hash      string    `json:"hash"`
	CreatedAt time.Time `json:"createdAt"`
}

// CreateSession mints a new session for the given workflow and returns it.
// The caller receives the handle; the secret stays inside the session.
func (e *Engine) CreateSession(ctx context.Context, workflowID string) (*session.Session, error) {
	ctx, span := e.tracer.Start(ctx, "builder.CreateSession")
	defer span.End()
	start := e.now()

	sess, err := e.store.Create(ctx, workflowID)
	if err != nil {
		span.RecordError(err)
		observability.RecordOperation("session.create", "error", e.now().Sub(start))
		return nil, opError("CreateSession", KindInternal, err)
	}

	observability.RecordOperation("session.create", "success", e.now().Sub(start))
	observability.SetActiveSessions(e.store.Len())
	return sess, nil
}

// CloseSession removes a session unconditionally.
func (e *Engine) CloseSession(ctx context.Context, handle string) {
	e.store.Cleanup(ctx, handle)
	observability.SetActiveSessions(e.store.Len())
}

// AddNode admits a node definition into the session and persists the
// updated node list through the external collaborator. On persistence
// failure the admitted node is removed again before the error surfaces;
// the operation is all-or-nothing.
func (e *Engine) AddNode(ctx context.Context, handle string, partial node.Partial) (node.Node, error) {
	const op = "AddNode"
	ctx, span := e.tracer.Start(ctx, "builder.AddNode",
		trace.WithAttributes(attribute.String("node.type", partial.Type)))
	defer span.End()
	start := e.now()

	sess, err := e.resolve(ctx, op, "node.add", handle)
	if err != nil {
		span.RecordError(err)
		observability.RecordOperation("node.add", "error", e.now().Sub(start))
		return node.Node{}, err
	}

	sess.Lock()
	defer sess.Unlock()

	fail := func(kind Kind, cause error) (node.Node, error) {
		err := opError(op, kind, cause)
		e.record(ctx, sess, audit.Entry{
			Timestamp:     e.now().UTC(),
			Operation:     "node.add",
			NodeType:      partial.Type,
			Success:       false,
			Error:         string(kind),
			SessionHandle: sess.Handle,
		})
		span.RecordError(err)
		observability.RecordOperation("node.add", "error", e.now().Sub(start))
		return node.Node{}, err
	}

	if !sess.Can(session.PermAddNode) {
		return fail(KindPermissionDenied, nil)
	}
	if !e.store.Allow(sess) {
		observability.RecordRateLimitDenied()
		return fail(KindRateLimitExceeded, nil)
	}
	if sess.NodeCount() >= session.MaxNodes {
		return fail(KindCapacityExceeded, fmt.Errorf("session holds %d nodes", sess.NodeCount()))
	}

	admitted, err := node.Sanitize(partial, e.catalog)
	if err != nil {
		return fail(KindNodeRejected, err)
	}

	sess.AppendNode(admitted)

	ok, err := e.persister.UpdateWorkflow(ctx, sess.WorkflowID, sess.Nodes())
	if err != nil || !ok {
		// Compensate: the remote list was not updated, so the local one
		// must not keep the node either.
		sess.PopNode()
		observability.RecordExternalCall("persistence", "error")
		if err == nil {
			err = errors.New("persistence rejected update")
		}
		return fail(KindExternalPersistFailure, err)
	}
	observability.RecordExternalCall("persistence", "success")

	e.record(ctx, sess, audit.Entry{
		Timestamp:     e.now().UTC(),
		Operation:     "node.add",
		NodeType:      admitted.Type,
		Success:       true,
		SessionHandle: sess.Handle,
	})
	e.logger.Info("node admitted", "handle", sess.Handle, "type", admitted.Type, "count", sess.NodeCount())
	observability.RecordOperation("node.add", "success", e.now().Sub(start))
	return admitted, nil
}

// CreateCheckpoint snapshots the session's current node list into an
// encrypted, signed checkpoint. The operation is purely local and does
// not count against the session's rate limit.
func (e *Engine) CreateCheckpoint(ctx context.Context, handle, label string) (CheckpointInfo, error) {
	const op = "CreateCheckpoint"
	ctx, span := e.tracer.Start(ctx, "builder.CreateCheckpoint")
	defer span.End()
	start := e.now()

	sess, err := e.resolve(ctx, op, "checkpoint.create", handle)
	if err != nil {
		span.RecordError(err)
		observability.RecordOperation("checkpoint.create", "error", e.now().Sub(start))
		return CheckpointInfo{}, err
	}

	sess.Lock()
	defer sess.Unlock()

	fail := func(kind Kind, cause error) (CheckpointInfo, error) {
		err := opError(op, kind, cause)
		e.record(ctx, sess, audit.Entry{
			Timestamp:     e.now().UTC(),
			Operation:     "checkpoint.create",
			Success:       false,
			Error:         string(kind),
			SessionHandle: sess.Handle,
		})
		span.RecordError(err)
		observability.RecordOperation("checkpoint.create", "error", e.now().Sub(start))
		return CheckpointInfo{}, err
	}

	if !sess.Can(session.PermCheckpoint) {
		return fail(KindPermissionDenied, nil)
	}

	cp, err := checkpoint.Capture(sess.NextCheckpointID(), label, sess.Nodes(), sess.Secret(), e.provider, e.now())
	if err != nil {
		return fail(KindCheckpointCreationFailed, err)
	}
	sess.AppendCheckpoint(cp)

	e.record(ctx, sess, audit.Entry{
		Timestamp:     e.now().UTC(),
		Operation:     "checkpoint.create",
		Success:       true,
		SessionHandle: sess.Handle,
	})
	e.logger.Info("checkpoint created", "handle", sess.Handle, "id", cp.ID, "label", label)
	observability.RecordCheckpointCreated()
	observability.RecordOperation("checkpoint.create", "success", e.now().Sub(start))
	return checkpointInfo(cp), nil
}

// Rollback restores the node list captured by the given checkpoint. The
// signature is verified and the decrypted contents re-hashed before
// anything is trusted; the restored list is persisted externally before
// local state changes, and every checkpoint newer than the target is
// discarded afterwards so history stays linear.
func (e *Engine) Rollback(ctx context.Context, handle string, checkpointID uint64) ([]node.Node, error) {
	const op = "Rollback"
	ctx, span := e.tracer.Start(ctx, "builder.Rollback",
		trace.WithAttributes(attribute.Int64("checkpoint.id", int64(checkpointID))))
	defer span.End()
	start := e.now()

	sess, err := e.resolve(ctx, op, "checkpoint.rollback", handle)
	if err != nil {
		span.RecordError(err)
		observability.RecordOperation("checkpoint.rollback", "error", e.now().Sub(start))
		return nil, err
	}

	sess.Lock()
	defer sess.Unlock()

	fail := func(kind Kind, cause error) ([]node.Node, error) {
		err := opError(op, kind, cause)
		e.record(ctx, sess, audit.Entry{
			Timestamp:     e.now().UTC(),
			Operation:     "checkpoint.rollback",
			Success:       false,
			Error:         string(kind),
			SessionHandle: sess.Handle,
		})
		span.RecordError(err)
		observability.RecordRollback("error")
		observability.RecordOperation("checkpoint.rollback", "error", e.now().Sub(start))
		return nil, err
	}

	if !sess.Can(session.PermRollback) {
		return fail(KindPermissionDenied, nil)
	}
	if !e.store.Allow(sess) {
		observability.RecordRateLimitDenied()
		return fail(KindRateLimitExceeded, nil)
	}

	cp, ok := sess.Checkpoint(checkpointID)
	if !ok {
		return fail(KindInvalidCheckpointID, fmt.Errorf("checkpoint %d not retained", checkpointID))
	}

	restored, err := checkpoint.Open(cp, sess.Secret(), e.provider)
	if err != nil {
		switch {
		case errors.Is(err, checkpoint.ErrIntegrityViolation):
			return fail(KindIntegrityViolation, err)
		case errors.Is(err, checkpoint.ErrCorrupt):
			return fail(KindCorruptCheckpoint, err)
		default:
			return fail(KindInternal, err)
		}
	}

	// Persist first. If the collaborator refuses the restored list the
	// session keeps its current state untouched.
	ok, err = e.persister.UpdateWorkflow(ctx, sess.WorkflowID, node.Clone(restored))
	if err != nil || !ok {
		observability.RecordExternalCall("persistence", "error")
		if err == nil {
			err = errors.New("persistence rejected update")
		}
		return fail(KindExternalPersistFailure, err)
	}
	observability.RecordExternalCall("persistence", "success")

	sess.ReplaceNodes(restored)
	sess.TruncateAfter(checkpointID)

	e.record(ctx, sess, audit.Entry{
		Timestamp:     e.now().UTC(),
		Operation:     "checkpoint.rollback",
		Success:       true,
		SessionHandle: sess.Handle,
	})
	e.logger.Info("session rolled back", "handle", sess.Handle, "checkpoint", checkpointID, "nodes", len(restored))
	observability.RecordRollback("success")
	observability.RecordOperation("checkpoint.rollback", "success", e.now().Sub(start))
	return restored, nil
}

// ExecuteTest runs the session's workflow through the external execution
// collaborator in sandboxed test mode and returns the sanitized result.
// Session state is never modified; a failed or timed-out execution only
// surfaces an error.
func (e *Engine) ExecuteTest(ctx context.Context, handle string) (ExecutionResult, error) {
	const op = "ExecuteTest"
	ctx, span := e.tracer.Start(ctx, "builder.ExecuteTest")
	defer span.End()
	start := e.now()

	sess, err := e.resolve(ctx, op, "workflow.execute", handle)
	if err != nil {
		span.RecordError(err)
		observability.RecordOperation("workflow.execute", "error", e.now().Sub(start))
		return ExecutionResult{}, err
	}

	sess.Lock()
	defer sess.Unlock()

	fail := func(kind Kind, cause error) (ExecutionResult, error) {
		err := opError(op, kind, cause)
		e.record(ctx, sess, audit.Entry{
			Timestamp:     e.now().UTC(),
			Operation:     "workflow.execute",
			Success:       false,
			Error:         string(kind),
			SessionHandle: sess.Handle,
		})
		span.RecordError(err)
		observability.RecordOperation("workflow.execute", "error", e.now().Sub(start))
		return ExecutionResult{}, err
	}

	if e.executor == nil {
		return fail(KindExternalExecutionFailure, errors.New("no execution collaborator configured"))
	}
	if !sess.Can(session.PermExecute) {
		return fail(KindPermissionDenied, nil)
	}
	if !e.store.Allow(sess) {
		observability.RecordRateLimitDenied()
		return fail(KindRateLimitExceeded, nil)
	}

	callCtx, cancel := context.WithTimeout(ctx, e.execTimeout)
	defer cancel()

	req := ExecuteRequest{
		Mode:      "test",
		TimeoutMs: int(e.execTimeout / time.Millisecond),
		Sandbox:   true,
	}
	raw, err := e.executor.ExecuteWorkflow(callCtx, sess.WorkflowID, req)
	if err != nil {
		observability.RecordExternalCall("execution", "error")
		return fail(KindExternalExecutionFailure, err)
	}
	observability.RecordExternalCall("execution", "success")

	result := sanitizeExecutionResult(raw, e.now().UTC())

	e.record(ctx, sess, audit.Entry{
		Timestamp:     e.now().UTC(),
		Operation:     "workflow.execute",
		Success:       true,
		SessionHandle: sess.Handle,
	})
	e.logger.Info("execution test completed", "handle", sess.Handle, "status", result.Status)
	observability.RecordOperation("workflow.execute", "success", e.now().Sub(start))
	return result, nil
}

// History lists the session's retained checkpoints, oldest first. Only
// metadata is exposed.
func (e *Engine) History(ctx context.Context, handle string) ([]CheckpointInfo, error) {
	sess, err := e.resolve(ctx, "History", "checkpoint.list", handle)
	if err != nil {
		return nil, err
	}

	sess.Lock()
	defer sess.Unlock()

	cps := sess.Checkpoints()
	infos := make([]CheckpointInfo, len(cps))
	for i, cp := range cps {
		infos[i] = checkpointInfo(cp)
	}
	return infos, nil
}

// Nodes returns a copy of the session's current node list.
func (e *Engine) Nodes(ctx context.Context, handle string) ([]node.Node, error) {
	sess, err := e.resolve(ctx, "Nodes", "node.list", handle)
	if err != nil {
		return nil, err
	}

	sess.Lock()
	defer sess.Unlock()
	return sess.Nodes(), nil
}

// AuditTrail returns a copy of the session's audit entries in order.
func (e *Engine) AuditTrail(ctx context.Context, handle string) ([]audit.Entry, error) {
	sess, err := e.resolve(ctx, "AuditTrail", "audit.list", handle)
	if err != nil {
		return nil, err
	}

	sess.Lock()
	defer sess.Unlock()
	return sess.AuditTrail(), nil
}

// resolve looks up a session and maps store errors onto the failure
// taxonomy. Failures are audited against the handle even though no
// session trail exists to carry them.
func (e *Engine) resolve(ctx context.Context, op, operation, handle string) (*session.Session, error) {
	sess, err := e.store.Validate(ctx, handle)
	if err == nil {
		return sess, nil
	}

	kind := KindInternal
	switch {
	case errors.Is(err, session.ErrNotFound):
		kind = KindSessionNotFound
	case errors.Is(err, session.ErrExpired):
		kind = KindSessionExpired
		observability.RecordSessionExpired()
		observability.SetActiveSessions(e.store.Len())
	}

	e.auditor.Log(ctx, audit.Entry{
		Timestamp:     e.now().UTC(),
		Operation:     operation,
		Success:       false,
		Error:         string(kind),
		SessionHandle: handle,
	})
	return nil, opError(op, kind, err)
}

// record writes an entry both to the session's own trail and to the
// engine-wide audit sink. Caller must hold the session lock.
func (e *Engine) record(ctx context.Context, sess *session.Session, entry audit.Entry) {
	sess.AppendAudit(entry)
	e.auditor.Log(ctx, entry)
}

func checkpointInfo(cp checkpoint.Checkpoint) CheckpointInfo {
	return CheckpointInfo{
		ID:        cp.ID,
		Label:     cp.Label,
		Hash:      cp.Hash,
		CreatedAt: cp.CreatedAt,
	}
}
