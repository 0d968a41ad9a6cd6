package session

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// Reaper periodically removes idle sessions. Extra maintenance jobs, such
// as audit retention, can share its scheduler.
type Reaper struct {
	cron    *cron.Cron
	store   *Store
	timeout time.Duration
}

// NewReaper schedules store.ReapIdle on schedule (a cron expression such as
// "@every 5m"). Each pass is bounded by timeout.
func NewReaper(store *Store, schedule string, timeout time.Duration) (*Reaper, error) {
	r := &Reaper{
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		store:   store,
		timeout: timeout,
	}
	if _, err := r.cron.AddFunc(schedule, r.reap); err != nil {
		return nil, fmt.Errorf("reaper schedule %q: %w", schedule, err)
	}
	return r, nil
}

// AddJob runs fn on schedule alongside the reaper.
func (r *Reaper) AddJob(schedule string, fn func()) error {
	if _, err := r.cron.AddFunc(schedule, fn); err != nil {
		return fmt.Errorf("job schedule %q: %w", schedule, err)
	}
	return nil
}

func (r *Reaper) reap() {
	if r.store.Closed() {
		return
	}
	r.store.ReapIdle(r.timeout)
}

// Start begins running the schedule in the background.
func (r *Reaper) Start() { r.cron.Start() }

// Stop halts the schedule and waits for a running job until ctx ends.
func (r *Reaper) Stop(ctx context.Context) {
	select {
	case <-r.cron.Stop().Done():
	case <-ctx.Done():
		log.Printf("[session] reaper still running at shutdown")
	}
}
