// Package tunnel manages local port forwards to endpoints on the compute
// server.
//
// A Handle owns one leased local port and the Forwarder that serves it. The
// forwarder is either an ssh child process (ProcessBackend) or an in-process
// listener that relays over an existing SSH connection (InProcBackend).
// Handles move through Opening, Open, Closing and Closed; Close is bounded by
// its timeout and always returns the port to the pool.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nimathing2052/HGPU/internal/portpool"
)

// State is the lifecycle state of a Handle.
type State int32

const (
	StateOpening State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrLeaked is wrapped by close errors when the forwarder survived a kill.
var ErrLeaked = errors.New("forwarder survived kill")

// Endpoint is a host:port on the compute server's side of the forward.
type Endpoint struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Forward describes what a Backend should set up.
type Forward struct {
	LocalPort int
	Remote    Endpoint
}

// Forwarder is a running forward.
type Forwarder interface {
	// Terminate asks the forwarder to stop gracefully.
	Terminate() error
	// Kill stops the forwarder forcefully.
	Kill() error
	// Done is closed once the forwarder has fully stopped.
	Done() <-chan struct{}
	// Err describes why the forwarder stopped. Valid after Done is closed.
	Err() error
	// Pid is the backing process id, or 0 for in-process forwarders.
	Pid() int
}

// Backend starts forwarders.
type Backend interface {
	Start(ctx context.Context, fwd Forward) (Forwarder, error)
	Name() string
}

// Leaser is the part of the port pool a Handle needs.
type Leaser interface {
	Lease(owner string) (portpool.Lease, error)
	Release(l portpool.Lease) bool
}

// TimeoutError reports that a forwarder did not stop or start in time.
type TimeoutError struct {
	Op      string
	Port    int
	Pid     int
	After   time.Duration
	Escaped bool // still running after the kill grace period
}

func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf("tunnel %s on port %d timed out after %s", e.Op, e.Port, e.After.Round(time.Millisecond))
	if e.Pid > 0 {
		msg += fmt.Sprintf(" (pid %d)", e.Pid)
	}
	if e.Escaped {
		msg += ": " + ErrLeaked.Error()
	}
	return msg
}

// Timeout reports true; callers classify errors by this method.
func (e *TimeoutError) Timeout() bool { return true }

func (e *TimeoutError) Unwrap() error {
	if e.Escaped {
		return ErrLeaked
	}
	return nil
}

// Info is a snapshot of a Handle for listings.
type Info struct {
	ID        string    `json:"id"`
	LocalPort int       `json:"local_port"`
	Remote    Endpoint  `json:"remote"`
	Backend   string    `json:"backend"`
	Pid       int       `json:"pid,omitempty"`
	State     string    `json:"state"`
	OpenedAt  time.Time `json:"opened_at"`
}

// Handle is one local port forward.
type Handle struct {
	ID       string
	Owner    string
	Remote   Endpoint
	OpenedAt time.Time

	backend string
	lease   portpool.Lease
	pool    Leaser
	fwd     Forwarder

	state     atomic.Int32
	closeDone chan struct{}
	closeMu   sync.Mutex
	closeErr  error
}

// Port is the local port the forward listens on.
func (h *Handle) Port() int { return h.lease.Port }

// State returns the current lifecycle state.
func (h *Handle) State() State { return State(h.state.Load()) }

// Pid returns the forwarder's process id, or 0.
func (h *Handle) Pid() int {
	if h.fwd == nil {
		return 0
	}
	return h.fwd.Pid()
}

// Info returns a snapshot of the handle.
func (h *Handle) Info() Info {
	return Info{
		ID:        h.ID,
		LocalPort: h.Port(),
		Remote:    h.Remote,
		Backend:   h.backend,
		Pid:       h.Pid(),
		State:     h.State().String(),
		OpenedAt:  h.OpenedAt,
	}
}

// Alive reports whether the forwarder is still running.
func (h *Handle) Alive() bool {
	if h.State() != StateOpen {
		return false
	}
	select {
	case <-h.fwd.Done():
		return false
	default:
		return true
	}
}

// Open leases a port from pool, starts a forwarder for remote on it and
// waits until the local port accepts connections. If the forwarder cannot
// start, exits early or is not ready within timeout, it is stopped, the port
// is released and an error is returned.
func Open(ctx context.Context, pool Leaser, backend Backend, owner string, remote Endpoint, timeout time.Duration) (*Handle, error) {
	lease, err := pool.Lease(owner)
	if err != nil {
		return nil, err
	}

	h := &Handle{
		ID:        uuid.NewString(),
		Owner:     owner,
		Remote:    remote,
		backend:   backend.Name(),
		lease:     lease,
		pool:      pool,
		closeDone: make(chan struct{}),
	}
	h.state.Store(int32(StateOpening))

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	fwd, err := backend.Start(ctx, Forward{LocalPort: lease.Port, Remote: remote})
	if err != nil {
		h.fail()
		return nil, fmt.Errorf("start %s forwarder on port %d: %w", backend.Name(), lease.Port, err)
	}
	h.fwd = fwd

	if err := waitReady(ctx, lease.Port, fwd); err != nil {
		stopNow(fwd, killGrace(timeout))
		h.fail()
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &TimeoutError{Op: "open", Port: lease.Port, Pid: fwd.Pid(), After: timeout}
		}
		return nil, fmt.Errorf("open tunnel %d -> %s: %w", lease.Port, remote, err)
	}

	h.OpenedAt = time.Now()
	h.state.Store(int32(StateOpen))
	log.Printf("[tunnel] opened %s 127.0.0.1:%d -> %s (pid %d)", h.backend, lease.Port, remote, fwd.Pid())
	return h, nil
}

func (h *Handle) fail() {
	h.pool.Release(h.lease)
	h.state.Store(int32(StateClosed))
	close(h.closeDone)
}

// Close stops the forwarder: a graceful terminate, then a kill if it is
// still running as the timeout nears. The whole call is bounded by timeout
// and the port is released whatever the outcome. Calling Close on a handle
// that is already closing or closed returns nil at once.
func (h *Handle) Close(timeout time.Duration) error {
	if !h.state.CompareAndSwap(int32(StateOpen), int32(StateClosing)) {
		return nil
	}
	err := h.stop(timeout)

	h.pool.Release(h.lease)
	h.closeMu.Lock()
	h.closeErr = err
	h.closeMu.Unlock()
	h.state.Store(int32(StateClosed))
	close(h.closeDone)

	if err != nil {
		log.Printf("[tunnel] close port %d: %v", h.Port(), err)
	}
	return err
}

// Wait blocks until the handle is closed or ctx is done, and returns the
// error of the Close call that performed the teardown.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.closeDone:
		h.closeMu.Lock()
		defer h.closeMu.Unlock()
		return h.closeErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handle) stop(timeout time.Duration) error {
	select {
	case <-h.fwd.Done():
		return nil
	default:
	}

	grace := killGrace(timeout)
	if err := h.fwd.Terminate(); err != nil {
		log.Printf("[tunnel] terminate port %d: %v", h.Port(), err)
	}

	t := time.NewTimer(timeout - grace)
	defer t.Stop()
	select {
	case <-h.fwd.Done():
		return nil
	case <-t.C:
	}

	if err := h.fwd.Kill(); err != nil {
		log.Printf("[tunnel] kill port %d: %v", h.Port(), err)
	}
	terr := &TimeoutError{Op: "close", Port: h.Port(), Pid: h.fwd.Pid(), After: timeout - grace}
	t.Reset(grace)
	select {
	case <-h.fwd.Done():
	case <-t.C:
		terr.Escaped = true
	}
	return terr
}

// killGrace is how much of a close budget is kept for the forced kill.
func killGrace(timeout time.Duration) time.Duration {
	return min(timeout/4, time.Second)
}

// stopNow kills f and waits at most grace for it to exit.
func stopNow(f Forwarder, grace time.Duration) {
	f.Kill()
	select {
	case <-f.Done():
	case <-time.After(grace):
		log.Printf("[tunnel] forwarder pid %d still running after kill", f.Pid())
	}
}

const readyPollInterval = 50 * time.Millisecond

// waitReady polls the local port until it accepts a connection.
func waitReady(ctx context.Context, port int, f Forwarder) error {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	d := net.Dialer{Timeout: 250 * time.Millisecond}
	t := time.NewTicker(readyPollInterval)
	defer t.Stop()
	for {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			conn.Close()
			return nil
		}
		select {
		case <-f.Done():
			if ferr := f.Err(); ferr != nil {
				return fmt.Errorf("forwarder exited: %w", ferr)
			}
			return errors.New("forwarder exited before the port was ready")
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}
