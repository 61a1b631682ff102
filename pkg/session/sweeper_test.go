package session

import (
	"context"
	"testing"
	"time"
)

func TestNewSweeperValidatesSchedule(t *testing.T) {
	st, _ := newTestStore(t, nil)

	if _, err := NewSweeper(st, "not a schedule"); err == nil {
		t.Error("NewSweeper() accepted an invalid cron spec")
	}

	sw, err := NewSweeper(st, "@every 1m")
	if err != nil {
		t.Fatalf("NewSweeper() error = %v", err)
	}
	sw.Start()
	sw.Stop()
}

func TestSweeperRemovesExpiredSessions(t *testing.T) {
	clock := newFakeClock()
	st, _ := newTestStore(t, clock)
	ctx := context.Background()

	if _, err := st.Create(ctx, "wf1"); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	clock.Advance(31 * time.Minute)

	sw, err := NewSweeper(st, "@every 10ms")
	if err != nil {
		t.Fatalf("NewSweeper() error = %v", err)
	}
	sw.Start()
	defer sw.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for st.Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if st.Len() != 0 {
		t.Error("sweeper did not evict the expired session")
	}
}
