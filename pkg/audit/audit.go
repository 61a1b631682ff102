// Package audit provides append-only recording of session operation
// outcomes. Every operation, success or failure, produces exactly one
// entry; entries are never mutated or deleted once written.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Entry is an immutable record of one attempted operation.
type Entry struct {
	// Timestamp is when the operation completed.
	Timestamp time.Time `json:"timestamp"`
	// Operation names what was attempted (e.g. "session.create", "node.add").
	Operation string `json:"operation"`
	// NodeType is set for node admission operations.
	NodeType string `json:"nodeType,omitempty"`
	// Success reports whether the operation succeeded.
	Success bool `json:"success"`
	// Error carries the failure description, if any.
	Error string `json:"error,omitempty"`
	// SessionHandle identifies the owning session.
	SessionHandle string `json:"sessionHandle"`
}

// Logger records audit entries. Implementations must be safe for
// concurrent use and must treat entries as append-only.
type Logger interface {
	Log(ctx context.Context, entry Entry)
	Close() error
}

// InMemoryLogger stores audit entries in memory (for testing).
type InMemoryLogger struct {
	entries []Entry
	mu      sync.RWMutex
}

// NewInMemoryLogger creates a new in-memory audit logger.
func NewInMemoryLogger() *InMemoryLogger {
	return &InMemoryLogger{entries: make([]Entry, 0)}
}

// Log records an audit entry.
func (l *InMemoryLogger) Log(_ context.Context, entry Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
}

// Entries returns a copy of all logged entries.
func (l *InMemoryLogger) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// BySession returns a copy of the entries for one session, in order.
func (l *InMemoryLogger) BySession(handle string) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Entry
	for _, e := range l.entries {
		if e.SessionHandle == handle {
			out = append(out, e)
		}
	}
	return out
}

// Close closes the audit logger.
func (l *InMemoryLogger) Close() error {
	return nil
}

// SlogLogger emits audit entries as structured log records.
type SlogLogger struct {
	logger *slog.Logger
}

// NewSlogLogger creates an audit logger backed by the given slog.Logger.
// A nil logger falls back to slog.Default().
func NewSlogLogger(logger *slog.Logger) *SlogLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogLogger{logger: logger}
}

// Log records an audit entry as one structured log record.
func (l *SlogLogger) Log(ctx context.Context, entry Entry) {
	attrs := []any{
		slog.Time("timestamp", entry.Timestamp),
		slog.String("operation", entry.Operation),
		slog.Bool("success", entry.Success),
		slog.String("session", entry.SessionHandle),
	}
	if entry.NodeType != "" {
		attrs = append(attrs, slog.String("node_type", entry.NodeType))
	}
	if entry.Error != "" {
		attrs = append(attrs, slog.String("error", entry.Error))
	}

	if entry.Success {
		l.logger.LogAttrs(ctx, slog.LevelInfo, "audit", toAttrs(attrs)...)
	} else {
		l.logger.LogAttrs(ctx, slog.LevelWarn, "audit", toAttrs(attrs)...)
	}
}

// Close closes the audit logger.
func (l *SlogLogger) Close() error {
	return nil
}

func toAttrs(args []any) []slog.Attr {
	attrs := make([]slog.Attr, 0, len(args))
	for _, a := range args {
		if attr, ok := a.(slog.Attr); ok {
			attrs = append(attrs, attr)
		}
	}
	return attrs
}

// NoOpLogger discards all entries (for when audit logging is disabled).
type NoOpLogger struct{}

// NewNoOpLogger creates a new no-op audit logger.
func NewNoOpLogger() *NoOpLogger {
	return &NoOpLogger{}
}

// Log does nothing.
func (l *NoOpLogger) Log(ctx context.Context, entry Entry) {}

// Close does nothing.
func (l *NoOpLogger) Close() error {
	return nil
}

// MultiLogger fans entries out to several loggers.
type MultiLogger struct {
	loggers []Logger
}

// NewMultiLogger creates a logger that forwards to every given logger.
func NewMultiLogger(loggers ...Logger) *MultiLogger {
	return &MultiLogger{loggers: loggers}
}

// Log forwards the entry to every underlying logger.
func (l *MultiLogger) Log(ctx context.Context, entry Entry) {
	for _, lg := range l.loggers {
		lg.Log(ctx, entry)
	}
}

// Close closes all underlying loggers, returning the first error.
func (l *MultiLogger) Close() error {
	var first error
	for _, lg := range l.loggers {
		if err := lg.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
