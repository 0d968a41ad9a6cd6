// Package portpool hands out local TCP ports for port forwards.
//
// A Pool owns a fixed, inclusive port range. Each port is either free or
// leased to exactly one holder. Leases carry a generation id so that a
// holder whose port was bulk-reclaimed and handed to someone else cannot free
// the new holder's port with a late Release.
package portpool

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"
)

// ErrPoolExhausted is returned by Lease when every port in the range is taken.
var ErrPoolExhausted = errors.New("port pool exhausted")

// Lease is exclusive ownership of one port.
type Lease struct {
	Port int
	id   uint64
}

// LeaseInfo describes a leased port for diagnostics.
type LeaseInfo struct {
	Port  int       `json:"port"`
	Owner string    `json:"owner"`
	Since time.Time `json:"since"`
}

// Stats is a point-in-time view of pool utilization.
type Stats struct {
	Size   int `json:"size"`
	Leased int `json:"leased"`
	Free   int `json:"free"`
}

type entry struct {
	id    uint64
	owner string
	since time.Time
}

// Option configures a Pool.
type Option func(*Pool)

// WithProbe makes Lease skip ports that some other process already listens on.
func WithProbe(enabled bool) Option {
	return func(p *Pool) { p.probe = enabled }
}

// WithReclaimer sets the OS-level reclamation pass used by ReleaseAll and
// the upper bound on how long ReleaseAll waits for it.
func WithReclaimer(r Reclaimer, timeout time.Duration) Option {
	return func(p *Pool) {
		p.reclaimer = r
		p.reclaimTimeout = timeout
	}
}

// Pool is safe for concurrent use.
type Pool struct {
	start, end int

	mu     sync.Mutex
	leases map[int]entry
	cursor int
	seq    uint64

	probe          bool
	reclaimer      Reclaimer
	reclaimTimeout time.Duration
	nowFn          func() time.Time
}

// New creates a pool over the inclusive range [start, end].
func New(start, end int, opts ...Option) (*Pool, error) {
	if start <= 0 || end > 65535 || start > end {
		return nil, fmt.Errorf("invalid port range %d-%d", start, end)
	}
	p := &Pool{
		start:          start,
		end:            end,
		leases:         make(map[int]entry),
		reclaimTimeout: 5 * time.Second,
		nowFn:          time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *Pool) size() int { return p.end - p.start + 1 }

// Lease claims one free port for owner. Ports are handed out round-robin so
// a just-released port is not immediately reused while its old forwarder may
// still be exiting.
func (p *Pool) Lease(owner string) (Lease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := p.size()
	for i := 0; i < n; i++ {
		port := p.start + (p.cursor+i)%n
		if _, taken := p.leases[port]; taken {
			continue
		}
		if p.probe && !portAvailable(port) {
			continue
		}
		p.cursor = (p.cursor + i + 1) % n
		p.seq++
		p.leases[port] = entry{id: p.seq, owner: owner, since: p.nowFn()}
		return Lease{Port: port, id: p.seq}, nil
	}
	return Lease{}, fmt.Errorf("%w: all %d ports in %d-%d are in use", ErrPoolExhausted, n, p.start, p.end)
}

// Release frees the lease's port. Releasing an already free port, or a
// lease whose port has since been handed to another holder, is a no-op.
// It reports whether the port was actually freed.
func (p *Pool) Release(l Lease) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.leases[l.Port]
	if !ok || e.id != l.id {
		return false
	}
	delete(p.leases, l.Port)
	return true
}

// Leased returns the currently leased ports in ascending order.
func (p *Pool) Leased() []int {
	p.mu.Lock()
	defer p.mu.Unlock()

	ports := make([]int, 0, len(p.leases))
	for port := range p.leases {
		ports = append(ports, port)
	}
	sort.Ints(ports)
	return ports
}

// Leases returns details for every leased port, ordered by port.
func (p *Pool) Leases() []LeaseInfo {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]LeaseInfo, 0, len(p.leases))
	for port, e := range p.leases {
		out = append(out, LeaseInfo{Port: port, Owner: e.owner, Since: e.since})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out
}

// Stats returns current utilization.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	leased := len(p.leases)
	return Stats{Size: p.size(), Leased: leased, Free: p.size() - leased}
}

// ReclaimReport summarizes one ReleaseAll pass.
type ReclaimReport struct {
	Requested   int           `json:"requested"`
	Released    int           `json:"released"`
	Unconfirmed []int         `json:"unconfirmed,omitempty"`
	Err         string        `json:"error,omitempty"`
	Elapsed     time.Duration `json:"elapsed"`
}

// ReleaseAll marks ports free in one step and then runs a single OS-level
// reclamation pass over them, bounded by the reclaim timeout and ctx. Ports
// that the pass could not confirm as unbound are listed in Unconfirmed; they
// stay free in the pool and are not retried.
func (p *Pool) ReleaseAll(ctx context.Context, ports []int) ReclaimReport {
	start := time.Now()
	report := ReclaimReport{Requested: len(ports)}

	inRange := make([]int, 0, len(ports))
	p.mu.Lock()
	for _, port := range ports {
		if port < p.start || port > p.end {
			continue
		}
		inRange = append(inRange, port)
		if _, ok := p.leases[port]; ok {
			delete(p.leases, port)
			report.Released++
		}
	}
	p.mu.Unlock()

	if p.reclaimer == nil || len(inRange) == 0 {
		report.Elapsed = time.Since(start)
		return report
	}

	rctx, cancel := context.WithTimeout(ctx, p.reclaimTimeout)
	defer cancel()

	type result struct {
		held []int
		err  error
	}
	done := make(chan result, 1)
	go func() {
		held, err := p.reclaimer.Reclaim(rctx, inRange)
		done <- result{held, err}
	}()

	select {
	case r := <-done:
		report.Unconfirmed = r.held
		if r.err != nil {
			report.Err = r.err.Error()
		}
	case <-rctx.Done():
		report.Unconfirmed = append([]int(nil), inRange...)
		report.Err = fmt.Sprintf("reclaim did not finish within %s", p.reclaimTimeout)
	}
	report.Elapsed = time.Since(start)

	if len(report.Unconfirmed) > 0 || report.Err != "" {
		log.Printf("[portpool] reclaim of %d ports: %d unconfirmed %v (%s)", len(inRange), len(report.Unconfirmed), report.Unconfirmed, report.Err)
	} else {
		log.Printf("[portpool] reclaimed %d ports in %s", len(inRange), report.Elapsed.Round(time.Millisecond))
	}
	return report
}

// portAvailable reports whether nothing is listening on the loopback port.
func portAvailable(port int) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
