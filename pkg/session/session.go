// Package session owns the mapping from session handles to live session
// state: node lists, checkpoint history, permissions, rate limiting, and
// the per-session audit trail. A session's externally visible handle and
// its internal cryptographic secret are distinct values; the secret never
// leaves the process and is never echoed back to callers.
package session

import (
	"sync"
	"time"

	"github.com/flowsmith-dev/flowsmith/pkg/audit"
	"github.com/flowsmith-dev/flowsmith/pkg/checkpoint"
	"github.com/flowsmith-dev/flowsmith/pkg/node"
)

// MaxNodes bounds the number of nodes a session may hold.
const MaxNodes = 50

// Permission is a capability granted to a session at creation.
type Permission string

// The fixed permission set granted to every session.
const (
	PermAddNode    Permission = "node:add"
	PermCheckpoint Permission = "checkpoint:create"
	PermRollback   Permission = "checkpoint:rollback"
	PermExecute    Permission = "workflow:execute"
)

// DefaultPermissions returns the permission set granted at creation.
func DefaultPermissions() []Permission {
	return []Permission{PermAddNode, PermCheckpoint, PermRollback, PermExecute}
}

// Session is the unit of one incremental build interaction.
//
// Mutating methods must be called with the session lock held (Lock/Unlock);
// the engine holds it across whole operations so that rate-limit check,
// node append, and the dependent external call form one atomic sequence.
type Session struct {
	// WorkflowID names the remote workflow this session is building.
	WorkflowID string
	// Handle is the opaque external-facing session identifier.
	Handle string
	// CreatedAt is when the session was created.
	CreatedAt time.Time
	// ExpiresAt is when the session lapses; expiry is observed lazily.
	ExpiresAt time.Time

	secret      []byte
	permissions map[Permission]struct{}

	nodes            []node.Node
	checkpoints      []checkpoint.Checkpoint
	nextCheckpointID uint64

	rate  RateLimitState
	trail []audit.Entry

	mu sync.Mutex
}

// Lock acquires the per-session exclusive lock.
func (s *Session) Lock() { s.mu.Lock() }

// Unlock releases the per-session exclusive lock.
func (s *Session) Unlock() { s.mu.Unlock() }

// Secret returns the internal session secret for crypto use.
// The value must never appear in logs, errors, or audit entries.
func (s *Session) Secret() []byte {
	return s.secret
}

// Can reports whether the session holds the given permission.
func (s *Session) Can(p Permission) bool {
	_, ok := s.permissions[p]
	return ok
}

// Expired reports whether the session has lapsed at the given instant.
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// Nodes returns a deep copy of the admitted node list.
// Caller must hold the session lock.
func (s *Session) Nodes() []node.Node {
	return node.Clone(s.nodes)
}

// NodeCount returns the number of admitted nodes.
// Caller must hold the session lock.
func (s *Session) NodeCount() int {
	return len(s.nodes)
}

// AppendNode adds an admitted node to the in-memory list.
// Caller must hold the session lock and have checked capacity.
func (s *Session) AppendNode(n node.Node) {
	s.nodes = append(s.nodes, n)
}

// PopNode removes the most recently appended node (compensation after a
// failed external persist). Caller must hold the session lock.
func (s *Session) PopNode() {
	if len(s.nodes) > 0 {
		s.nodes = s.nodes[:len(s.nodes)-1]
	}
}

// ReplaceNodes swaps the live node list for a restored one.
// Caller must hold the session lock.
func (s *Session) ReplaceNodes(nodes []node.Node) {
	s.nodes = node.Clone(nodes)
}

// Checkpoints returns a copy of the checkpoint list, oldest first.
// Caller must hold the session lock.
func (s *Session) Checkpoints() []checkpoint.Checkpoint {
	out := make([]checkpoint.Checkpoint, len(s.checkpoints))
	copy(out, s.checkpoints)
	return out
}

// CheckpointCount returns the number of retained checkpoints.
// Caller must hold the session lock.
func (s *Session) CheckpointCount() int {
	return len(s.checkpoints)
}

// NextCheckpointID returns the monotonic id for the next snapshot and
// advances the counter. Ids are never reused, even after eviction.
// Caller must hold the session lock.
func (s *Session) NextCheckpointID() uint64 {
	id := s.nextCheckpointID
	s.nextCheckpointID++
	return id
}

// AppendCheckpoint stores a snapshot, evicting the oldest entry when the
// list exceeds checkpoint.MaxCheckpoints. Caller must hold the session lock.
func (s *Session) AppendCheckpoint(cp checkpoint.Checkpoint) {
	s.checkpoints = append(s.checkpoints, cp)
	if len(s.checkpoints) > checkpoint.MaxCheckpoints {
		s.checkpoints = s.checkpoints[1:]
	}
}

// Checkpoint returns the snapshot with the given id, if retained.
// Caller must hold the session lock.
func (s *Session) Checkpoint(id uint64) (checkpoint.Checkpoint, bool) {
	for _, cp := range s.checkpoints {
		if cp.ID == id {
			return cp, true
		}
	}
	return checkpoint.Checkpoint{}, false
}

// TruncateAfter discards every checkpoint newer than id, enforcing a
// strictly linear history after rollback. Caller must hold the session lock.
func (s *Session) TruncateAfter(id uint64) {
	for i, cp := range s.checkpoints {
		if cp.ID == id {
			s.checkpoints = s.checkpoints[:i+1]
			return
		}
	}
}

// AppendAudit records an entry on the session's append-only trail.
// Caller must hold the session lock.
func (s *Session) AppendAudit(entry audit.Entry) {
	s.trail = append(s.trail, entry)
}

// AuditTrail returns a copy of the session's audit entries in order.
// Caller must hold the session lock.
func (s *Session) AuditTrail() []audit.Entry {
	out := make([]audit.Entry, len(s.trail))
	copy(out, s.trail)
	return out
}
