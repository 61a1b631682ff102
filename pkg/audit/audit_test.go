package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"
)

func entry(op, handle string, success bool) Entry {
	return Entry{
		Timestamp:     time.Now().UTC(),
		Operation:     op,
		Success:       success,
		SessionHandle: handle,
	}
}

func TestInMemoryLoggerAppendOnly(t *testing.T) {
	l := NewInMemoryLogger()
	ctx := context.Background()

	l.Log(ctx, entry("session.create", "s1", true))
	l.Log(ctx, entry("node.add", "s1", false))
	l.Log(ctx, entry("session.create", "s2", true))

	got := l.Entries()
	if len(got) != 3 {
		t.Fatalf("Entries() length = %d, want 3", len(got))
	}
	if got[0].Operation != "session.create" || got[1].Operation != "node.add" {
		t.Error("entries not returned in append order")
	}

	// Mutating the returned slice must not affect the logger.
	got[0].Operation = "mutated"
	if l.Entries()[0].Operation != "session.create" {
		t.Error("Entries() returned a live reference to internal state")
	}
}

func TestInMemoryLoggerBySession(t *testing.T) {
	l := NewInMemoryLogger()
	ctx := context.Background()

	l.Log(ctx, entry("session.create", "s1", true))
	l.Log(ctx, entry("node.add", "s2", true))
	l.Log(ctx, entry("rollback", "s1", false))

	got := l.BySession("s1")
	if len(got) != 2 {
		t.Fatalf("BySession(s1) length = %d, want 2", len(got))
	}
	if got[0].Operation != "session.create" || got[1].Operation != "rollback" {
		t.Error("BySession() did not preserve append order")
	}
}

func TestSlogLoggerEmitsStructuredRecord(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&buf, nil))
	l := NewSlogLogger(base)

	e := entry("node.add", "s1", false)
	e.NodeType = "http.request"
	e.Error = "node type not allowed"
	l.Log(context.Background(), e)

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("log output is not JSON: %v", err)
	}
	if record["operation"] != "node.add" {
		t.Errorf("operation = %v, want node.add", record["operation"])
	}
	if record["node_type"] != "http.request" {
		t.Errorf("node_type = %v, want http.request", record["node_type"])
	}
	if record["error"] != "node type not allowed" {
		t.Errorf("error = %v", record["error"])
	}
	if record["level"] != "WARN" {
		t.Errorf("level = %v, want WARN for failed operation", record["level"])
	}
}

func TestMultiLoggerFansOut(t *testing.T) {
	a := NewInMemoryLogger()
	b := NewInMemoryLogger()
	m := NewMultiLogger(a, b)

	m.Log(context.Background(), entry("session.create", "s1", true))

	if len(a.Entries()) != 1 || len(b.Entries()) != 1 {
		t.Error("MultiLogger did not forward to all loggers")
	}
	if err := m.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestNoOpLogger(t *testing.T) {
	l := NewNoOpLogger()
	l.Log(context.Background(), entry("session.create", "s1", true))
	if err := l.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}
