package session

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
)

// Sweeper runs Store.Sweep on a cron schedule. Expiry itself is lazy; the
// sweeper only bounds memory growth for sessions that are never accessed
// again. It is optional and never started implicitly.
type Sweeper struct {
	store *Store
	cron  *cron.Cron
}

// NewSweeper creates a sweeper for the store using a cron spec
// (e.g. "@every 5m"). The sweeper is stopped until Start is called.
func NewSweeper(store *Store, spec string) (*Sweeper, error) {
	c := cron.New()
	sw := &Sweeper{store: store, cron: c}

	if _, err := c.AddFunc(spec, func() {
		sw.store.Sweep(context.Background())
	}); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", spec, err)
	}

	return sw, nil
}

// Start begins running sweeps on the configured schedule.
func (sw *Sweeper) Start() {
	sw.cron.Start()
}

// Stop halts scheduling and waits for a running sweep to finish.
func (sw *Sweeper) Stop() {
	ctx := sw.cron.Stop()
	<-ctx.Done()
}
