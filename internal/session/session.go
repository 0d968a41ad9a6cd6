package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nimathing2052/HGPU/internal/audit"
	"github.com/nimathing2052/HGPU/internal/remote"
	"github.com/nimathing2052/HGPU/internal/tunnel"
)

// State is the lifecycle state of a Session.
type State int32

const (
	StateActive State = iota
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var (
	// ErrNotActive is returned for operations on a session that is closing,
	// closed, or whose connection has died.
	ErrNotActive = errors.New("session is not active")
	// ErrTunnelNotFound is returned by CloseTunnel for an unknown tunnel id.
	ErrTunnelNotFound = errors.New("tunnel not found")
)

// Connection is the authenticated link to the compute server that a
// Session owns. *remote.Conn satisfies it.
type Connection interface {
	Run(ctx context.Context, cmd string) (remote.Result, error)
	RunInteractive(ctx context.Context, cmd string, p remote.Prompt) (remote.InteractiveResult, error)
	Dial(network, addr string) (net.Conn, error)
	OpenShell(cols, rows int) (*remote.Shell, error)
	Alive() bool
	Close() error
}

// TimeoutError reports a teardown step that did not finish in time.
type TimeoutError struct {
	Op    string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s did not finish within %s", e.Op, e.After)
}

// Timeout reports true.
func (e *TimeoutError) Timeout() bool { return true }

// Info is a snapshot of a Session for API responses.
type Info struct {
	ID           string        `json:"id"`
	User         string        `json:"user"`
	State        string        `json:"state"`
	CreatedAt    time.Time     `json:"created_at"`
	LastActivity time.Time     `json:"last_activity"`
	// LastProbe is when the server last answered a keepalive, if the
	// connection tracks it.
	LastProbe    *time.Time    `json:"last_probe,omitempty"`
	Tunnels      []tunnel.Info `json:"tunnels"`
}

// prober is implemented by connections that run a keepalive loop.
type prober interface {
	LastProbe() time.Time
}

// Session is one authenticated connection to the compute server and the
// tunnels opened through it.
type Session struct {
	ID        string
	User      string
	CreatedAt time.Time

	conn    Connection
	backend tunnel.Backend
	pool    tunnel.Leaser
	rec     Recorder

	openTimeout  time.Duration
	closeTimeout time.Duration

	lastActivity atomic.Int64
	state        atomic.Int32
	// storeClosed is set once the owning store starts shutting down and
	// may be reclaiming every leased port.
	storeClosed *atomic.Bool

	// mu guards tunnels and the ACTIVE->CLOSING transition.
	mu        sync.Mutex
	tunnels   map[string]*tunnel.Handle
	closeDone chan struct{}
}

func newSession(id, user string, conn Connection, backend tunnel.Backend, pool tunnel.Leaser, opts Options, rec Recorder) *Session {
	now := time.Now()
	s := &Session{
		ID:           id,
		User:         user,
		CreatedAt:    now,
		conn:         conn,
		backend:      backend,
		pool:         pool,
		rec:          rec,
		openTimeout:  opts.TunnelOpenTimeout,
		closeTimeout: opts.TunnelCloseTimeout,
		tunnels:      make(map[string]*tunnel.Handle),
		closeDone:    make(chan struct{}),
	}
	s.lastActivity.Store(now.UnixNano())
	s.state.Store(int32(StateActive))
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Touch marks the session as used now.
func (s *Session) Touch() { s.lastActivity.Store(time.Now().UnixNano()) }

// LastActivity returns the time of the last Touch.
func (s *Session) LastActivity() time.Time { return time.Unix(0, s.lastActivity.Load()) }

// IdleFor returns how long the session has been idle at now.
func (s *Session) IdleFor(now time.Time) time.Duration { return now.Sub(s.LastActivity()) }

// Alive reports whether the session is active and its connection answers
// keepalives.
func (s *Session) Alive() bool { return s.State() == StateActive && s.conn.Alive() }

// Conn returns the session's connection.
func (s *Session) Conn() Connection { return s.conn }

// Backend returns the name of the tunnel backend in use.
func (s *Session) Backend() string { return s.backend.Name() }

// OpenTunnel forwards a fresh local port to remote.
func (s *Session) OpenTunnel(ctx context.Context, remote tunnel.Endpoint) (*tunnel.Handle, error) {
	if !s.Alive() || s.draining() {
		return nil, ErrNotActive
	}

	h, err := tunnel.Open(ctx, s.pool, s.backend, s.ID, remote, s.openTimeout)
	if err != nil {
		s.rec.Record(audit.Entry{
			SessionID: s.ID, Username: s.User, EventType: audit.EventTunnelOpen,
			Outcome: "failed", Details: err.Error(),
		})
		return nil, err
	}

	s.mu.Lock()
	if s.State() != StateActive || s.draining() {
		s.mu.Unlock()
		// Close or shutdown began while the forward was starting; the
		// new tunnel would be missed by the teardown snapshot.
		if err := h.Close(s.closeTimeout); err != nil {
			log.Printf("[session] late tunnel %s on port %d: %v", h.ID, h.Port(), err)
		}
		return nil, ErrNotActive
	}
	s.tunnels[h.ID] = h
	s.mu.Unlock()

	s.Touch()
	s.rec.Record(audit.Entry{
		SessionID: s.ID, Username: s.User, EventType: audit.EventTunnelOpen,
		Outcome: "succeeded", Details: fmt.Sprintf("127.0.0.1:%d -> %s", h.Port(), remote),
	})
	return h, nil
}

func (s *Session) draining() bool {
	return s.storeClosed != nil && s.storeClosed.Load()
}

// CloseTunnel closes one tunnel. It is removed from the session whether or
// not the close succeeds.
func (s *Session) CloseTunnel(id string, timeout time.Duration) error {
	s.mu.Lock()
	h, ok := s.tunnels[id]
	delete(s.tunnels, id)
	s.mu.Unlock()
	if !ok {
		return ErrTunnelNotFound
	}

	start := time.Now()
	err := h.Close(timeout)
	s.Touch()
	s.recordTunnelClose(h, err, time.Since(start))
	return err
}

func (s *Session) recordTunnelClose(h *tunnel.Handle, err error, elapsed time.Duration) {
	e := audit.Entry{
		SessionID: s.ID,
		Username:  s.User,
		EventType: audit.EventTunnelClose,
		Outcome:   "succeeded",
		Details:   fmt.Sprintf("port %d", h.Port()),
		Duration:  elapsed,
	}
	if err != nil {
		e.Outcome = "failed"
		e.Details = fmt.Sprintf("port %d: %v", h.Port(), err)
	}
	s.rec.Record(e)
}

// Tunnel returns the tunnel with the given id.
func (s *Session) Tunnel(id string) (*tunnel.Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.tunnels[id]
	return h, ok
}

// Tunnels returns the open tunnels ordered by local port.
func (s *Session) Tunnels() []*tunnel.Handle {
	s.mu.Lock()
	out := make([]*tunnel.Handle, 0, len(s.tunnels))
	for _, h := range s.tunnels {
		out = append(out, h)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Port() < out[j].Port() })
	return out
}

// TunnelCount returns the number of tunnels the session owns.
func (s *Session) TunnelCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tunnels)
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	hs := s.Tunnels()
	infos := make([]tunnel.Info, len(hs))
	for i, h := range hs {
		infos[i] = h.Info()
	}
	info := Info{
		ID:           s.ID,
		User:         s.User,
		State:        s.State().String(),
		CreatedAt:    s.CreatedAt,
		LastActivity: s.LastActivity(),
		Tunnels:      infos,
	}
	if p, ok := s.conn.(prober); ok {
		t := p.LastProbe()
		info.LastProbe = &t
	}
	return info
}

// Run executes cmd on the compute server.
func (s *Session) Run(ctx context.Context, cmd string) (remote.Result, error) {
	if !s.Alive() {
		return remote.Result{}, ErrNotActive
	}
	s.Touch()
	return s.conn.Run(ctx, cmd)
}

// RunInteractive executes cmd and answers its confirmation prompt.
func (s *Session) RunInteractive(ctx context.Context, cmd string, p remote.Prompt) (remote.InteractiveResult, error) {
	if !s.Alive() {
		return remote.InteractiveResult{}, ErrNotActive
	}
	s.Touch()
	return s.conn.RunInteractive(ctx, cmd, p)
}

// Dial opens a connection from the compute server's side.
func (s *Session) Dial(network, addr string) (net.Conn, error) {
	if !s.Alive() {
		return nil, ErrNotActive
	}
	s.Touch()
	return s.conn.Dial(network, addr)
}

// OpenShell starts an interactive shell on the compute server.
func (s *Session) OpenShell(cols, rows int) (*remote.Shell, error) {
	if !s.Alive() {
		return nil, ErrNotActive
	}
	s.Touch()
	return s.conn.OpenShell(cols, rows)
}

// Close tears the session down within timeout: all tunnels concurrently,
// then the connection. Calling Close on a session that is already closing
// or closed returns nil.
func (s *Session) Close(timeout time.Duration) error {
	_, err := s.close(timeout)
	return err
}

// close reports whether this call performed the teardown.
func (s *Session) close(timeout time.Duration) (bool, error) {
	s.mu.Lock()
	if !s.state.CompareAndSwap(int32(StateActive), int32(StateClosing)) {
		s.mu.Unlock()
		return false, nil
	}
	handles := make([]*tunnel.Handle, 0, len(s.tunnels))
	for _, h := range s.tunnels {
		handles = append(handles, h)
	}
	s.tunnels = make(map[string]*tunnel.Handle)
	s.mu.Unlock()

	start := time.Now()
	per := timeout
	if s.closeTimeout > 0 {
		per = min(s.closeTimeout, timeout)
	}

	errs := make([]error, len(handles)+1)
	var wg sync.WaitGroup
	for i, h := range handles {
		i, h := i, h
		wg.Add(1)
		go func() {
			defer wg.Done()
			t0 := time.Now()
			err := h.Close(per)
			if err != nil {
				errs[i] = fmt.Errorf("tunnel %d: %w", h.Port(), err)
			}
			s.recordTunnelClose(h, err, time.Since(t0))
		}()
	}
	wg.Wait()

	errs[len(handles)] = closeConn(s.conn, timeout-time.Since(start))

	s.state.Store(int32(StateClosed))
	close(s.closeDone)
	return true, errors.Join(errs...)
}

// connCloseGrace is the least time a connection gets to close after the
// tunnels have used up the session's budget.
const connCloseGrace = 50 * time.Millisecond

// closeConn closes conn, waiting at most budget but never less than
// connCloseGrace. A close that overruns keeps going in the background.
func closeConn(conn Connection, budget time.Duration) error {
	done := make(chan error, 1)
	go func() { done <- conn.Close() }()

	budget = max(budget, connCloseGrace)
	t := time.NewTimer(budget)
	defer t.Stop()
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, remote.ErrClosed) {
			return fmt.Errorf("close connection: %w", err)
		}
		return nil
	case <-t.C:
		return &TimeoutError{Op: "connection close", After: budget}
	}
}

// Wait blocks until the session is closed or ctx ends.
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-s.closeDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
