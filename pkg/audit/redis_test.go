package audit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedisLogger(t *testing.T) (*RedisLogger, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run() error = %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	l := NewRedisLoggerFromClient(client, "test:audit:", 0)
	t.Cleanup(func() { _ = l.Close() })

	return l, mr
}

func TestRedisLoggerAppendsPerSession(t *testing.T) {
	l, _ := newTestRedisLogger(t)
	ctx := context.Background()

	l.Log(ctx, entry("session.create", "s1", true))
	l.Log(ctx, entry("node.add", "s1", true))
	l.Log(ctx, entry("session.create", "s2", true))

	got, err := l.Entries(ctx, "s1")
	if err != nil {
		t.Fatalf("Entries() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Entries(s1) length = %d, want 2", len(got))
	}
	if got[0].Operation != "session.create" || got[1].Operation != "node.add" {
		t.Error("entries not in append order")
	}

	other, err := l.Entries(ctx, "s2")
	if err != nil {
		t.Fatalf("Entries() error = %v", err)
	}
	if len(other) != 1 {
		t.Errorf("Entries(s2) length = %d, want 1", len(other))
	}
}

func TestRedisLoggerPreservesFailureEntries(t *testing.T) {
	l, _ := newTestRedisLogger(t)
	ctx := context.Background()

	e := entry("rollback", "s1", false)
	e.Error = "integrity violation"
	l.Log(ctx, e)

	got, err := l.Entries(ctx, "s1")
	if err != nil {
		t.Fatalf("Entries() error = %v", err)
	}
	if len(got) != 1 || got[0].Success || got[0].Error != "integrity violation" {
		t.Errorf("failure entry not preserved: %+v", got)
	}
}

func TestRedisLoggerTTL(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run() error = %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	l := NewRedisLoggerFromClient(client, "test:audit:", time.Minute)
	t.Cleanup(func() { _ = l.Close() })

	ctx := context.Background()
	l.Log(ctx, entry("session.create", "s1", true))

	if mr.TTL("test:audit:s1") != time.Minute {
		t.Errorf("TTL = %v, want 1m", mr.TTL("test:audit:s1"))
	}
}

func TestRedisLoggerClosed(t *testing.T) {
	l, _ := newTestRedisLogger(t)
	ctx := context.Background()

	l.Log(ctx, entry("session.create", "s1", true))
	if err := l.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	// Logging after close is a no-op, not a panic.
	l.Log(ctx, entry("node.add", "s1", true))

	if _, err := l.Entries(ctx, "s1"); err != ErrLoggerClosed {
		t.Errorf("Entries() after close error = %v, want ErrLoggerClosed", err)
	}
}
