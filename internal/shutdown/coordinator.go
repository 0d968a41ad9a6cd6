// Package shutdown runs bounded-concurrency teardown of many targets under
// a per-task timeout and an overall deadline.
//
// The same Coordinator serves a single-session stop, the idle reaper and
// full process shutdown. Run never blocks its caller past the deadline:
// tasks still running at that point are reported as timed out and left to
// finish on their own.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Outcome is how one target's teardown ended.
type Outcome string

const (
	Succeeded Outcome = "succeeded"
	TimedOut  Outcome = "timed_out"
	Failed    Outcome = "failed"
)

// Result is the outcome for one target.
type Result struct {
	ID      string        `json:"id"`
	Outcome Outcome       `json:"outcome"`
	Err     string        `json:"error,omitempty"`
	Elapsed time.Duration `json:"elapsed"`
}

// Report aggregates a Run. Partial failure is a normal report, not an error.
type Report struct {
	Attempted int           `json:"attempted"`
	Succeeded int           `json:"succeeded"`
	TimedOut  int           `json:"timed_out"`
	Failed    int           `json:"failed"`
	Results   []Result      `json:"results,omitempty"`
	Elapsed   time.Duration `json:"elapsed"`
}

// Clean reports whether every target was torn down successfully.
func (r Report) Clean() bool { return r.Succeeded == r.Attempted }

func (r Report) String() string {
	return fmt.Sprintf("%d attempted, %d succeeded, %d timed out, %d failed in %s",
		r.Attempted, r.Succeeded, r.TimedOut, r.Failed, r.Elapsed.Round(time.Millisecond))
}

// RemoveFunc tears down one target within timeout.
type RemoveFunc func(id string, timeout time.Duration) error

// Coordinator holds the bounds for a teardown pass.
type Coordinator struct {
	// Concurrency caps simultaneous removals.
	Concurrency int
	// TaskTimeout bounds each removal; it must be below Deadline.
	TaskTimeout time.Duration
	// Deadline bounds the whole Run.
	Deadline time.Duration
}

const (
	defaultConcurrency = 5
	defaultTaskTimeout = 5 * time.Second
	defaultDeadline    = 30 * time.Second
)

func (c Coordinator) withDefaults() Coordinator {
	if c.Concurrency <= 0 {
		c.Concurrency = defaultConcurrency
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = defaultTaskTimeout
	}
	if c.Deadline <= 0 {
		c.Deadline = defaultDeadline
	}
	return c
}

// Run removes every id through a worker pool of c.Concurrency and starts
// each alongside func concurrently with the fan-out. It returns when all of
// that work is done or when the deadline (or ctx) expires, whichever is
// first. alongside funcs receive a context that ends at the deadline.
func (c Coordinator) Run(ctx context.Context, ids []string, remove RemoveFunc, alongside ...func(ctx context.Context)) Report {
	c = c.withDefaults()
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, c.Deadline)
	defer cancel()

	var mu sync.Mutex
	results := make([]Result, len(ids))
	for i, id := range ids {
		results[i] = Result{ID: id, Outcome: TimedOut, Err: "not started before deadline"}
	}
	set := func(i int, r Result) {
		mu.Lock()
		results[i] = r
		mu.Unlock()
	}

	var side sync.WaitGroup
	for _, fn := range alongside {
		fn := fn
		side.Add(1)
		go func() {
			defer side.Done()
			fn(ctx)
		}()
	}

	fanout := make(chan struct{})
	go func() {
		defer close(fanout)
		var g errgroup.Group
		g.SetLimit(c.Concurrency)
		for i, id := range ids {
			i, id := i, id
			if ctx.Err() != nil {
				break
			}
			g.Go(func() error {
				set(i, Result{ID: id, Outcome: TimedOut, Err: "still running at deadline"})
				set(i, c.removeOne(ctx, id, remove))
				return nil
			})
		}
		g.Wait()
	}()

	sideDone := make(chan struct{})
	go func() {
		side.Wait()
		close(sideDone)
	}()

	select {
	case <-fanout:
	case <-ctx.Done():
	}
	select {
	case <-sideDone:
	case <-ctx.Done():
	}

	mu.Lock()
	report := Report{Attempted: len(ids), Results: append([]Result(nil), results...)}
	mu.Unlock()
	for _, r := range report.Results {
		switch r.Outcome {
		case Succeeded:
			report.Succeeded++
		case TimedOut:
			report.TimedOut++
		default:
			report.Failed++
		}
	}
	report.Elapsed = time.Since(start)
	return report
}

// removeOne waits for remove up to the task timeout plus a short grace, or
// until the run's deadline. A removal that outlives that wait keeps running
// detached while its worker slot is freed.
func (c Coordinator) removeOne(ctx context.Context, id string, remove RemoveFunc) Result {
	start := time.Now()
	errCh := make(chan error, 1)
	go func() {
		errCh <- remove(id, c.TaskTimeout)
	}()

	t := time.NewTimer(c.TaskTimeout + taskGrace(c.TaskTimeout))
	defer t.Stop()

	select {
	case err := <-errCh:
		r := Result{ID: id, Outcome: Classify(err), Elapsed: time.Since(start)}
		if err != nil {
			r.Err = err.Error()
		}
		return r
	case <-t.C:
		log.Printf("[shutdown] %s still running after %s, abandoning", id, c.TaskTimeout)
		return Result{ID: id, Outcome: TimedOut, Err: fmt.Sprintf("no result within %s", c.TaskTimeout), Elapsed: time.Since(start)}
	case <-ctx.Done():
		return Result{ID: id, Outcome: TimedOut, Err: "still running at deadline", Elapsed: time.Since(start)}
	}
}

func taskGrace(timeout time.Duration) time.Duration {
	return min(timeout/10, 250*time.Millisecond)
}

// Classify maps a removal error to an outcome. Deadline errors and errors
// with a Timeout() bool method that returns true count as timeouts.
func Classify(err error) Outcome {
	if err == nil {
		return Succeeded
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return TimedOut
	}
	var te interface{ Timeout() bool }
	if errors.As(err, &te) && te.Timeout() {
		return TimedOut
	}
	return Failed
}
