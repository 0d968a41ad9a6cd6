package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nimathing2052/HGPU/internal/audit"
	"github.com/nimathing2052/HGPU/internal/config"
	"github.com/nimathing2052/HGPU/internal/database"
	"github.com/nimathing2052/HGPU/internal/logutil"
	"github.com/nimathing2052/HGPU/internal/portpool"
	"github.com/nimathing2052/HGPU/internal/remote"
	"github.com/nimathing2052/HGPU/internal/shutdown"
	"github.com/nimathing2052/HGPU/internal/tunnel"
)

var (
	ErrNotFound        = errors.New("session not found")
	ErrTooManySessions = errors.New("too many sessions for user")
	ErrStoreClosed     = errors.New("session store is shut down")
)

// Recorder receives audit events. *audit.Auditor satisfies it.
type Recorder interface {
	Record(e audit.Entry)
	SaveShutdown(run database.ShutdownRun) error
}

type nopRecorder struct{}

func (nopRecorder) Record(audit.Entry)                      {}
func (nopRecorder) SaveShutdown(database.ShutdownRun) error { return nil }

// Pool is the port pool as seen by the store. *portpool.Pool satisfies it.
type Pool interface {
	tunnel.Leaser
	Leased() []int
	ReleaseAll(ctx context.Context, ports []int) portpool.ReclaimReport
	Stats() portpool.Stats
}

// Options bounds the store's sessions and teardowns.
type Options struct {
	MaxSessionsPerUser int
	IdleTimeout        time.Duration
	TunnelOpenTimeout  time.Duration
	TunnelCloseTimeout time.Duration
	StopTimeout        time.Duration
	PortCleanupTimeout time.Duration
	Coordinator        shutdown.Coordinator
}

// OptionsFromConfig maps settings onto store options.
func OptionsFromConfig(cfg config.Settings) Options {
	return Options{
		MaxSessionsPerUser: cfg.MaxSessionsPerUser,
		IdleTimeout:        cfg.SessionIdleTimeout,
		TunnelOpenTimeout:  cfg.TunnelOpenTimeout,
		TunnelCloseTimeout: cfg.TunnelCloseTimeout,
		StopTimeout:        cfg.SessionStopTimeout,
		PortCleanupTimeout: cfg.PortCleanupTimeout,
		Coordinator: shutdown.Coordinator{
			Concurrency: cfg.ShutdownConcurrency,
			TaskTimeout: cfg.PerTaskTimeout,
			Deadline:    cfg.ShutdownTimeout,
		},
	}
}

// Store is the registry of live sessions. It is created once and torn
// down once by Shutdown.
type Store struct {
	dialer Dialer
	pool   Pool
	opts   Options
	rec    Recorder

	// mu guards the maps and closed. It is never held across dialing or
	// a session close.
	mu       sync.RWMutex
	sessions map[string]*Session
	pending  map[string]int
	closed   bool
	// draining mirrors closed for sessions, which must not take the
	// store lock.
	draining atomic.Bool

	nowFn func() time.Time
}

// NewStore creates a Store. rec may be nil.
func NewStore(dialer Dialer, pool Pool, opts Options, rec Recorder) *Store {
	if rec == nil {
		rec = nopRecorder{}
	}
	if opts.TunnelOpenTimeout <= 0 {
		opts.TunnelOpenTimeout = 10 * time.Second
	}
	if opts.TunnelCloseTimeout <= 0 {
		opts.TunnelCloseTimeout = 2 * time.Second
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 5 * time.Second
	}
	if opts.PortCleanupTimeout <= 0 {
		opts.PortCleanupTimeout = 10 * time.Second
	}
	return &Store{
		dialer:   dialer,
		pool:     pool,
		opts:     opts,
		rec:      rec,
		sessions: make(map[string]*Session),
		pending:  make(map[string]int),
		nowFn:    time.Now,
	}
}

// Create connects with creds and registers the new session. A session that
// fails to connect is never registered.
func (s *Store) Create(ctx context.Context, creds remote.Credentials) (*Session, error) {
	user := creds.Username

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrStoreClosed
	}
	if limit := s.opts.MaxSessionsPerUser; limit > 0 && s.countLocked(user)+s.pending[user] >= limit {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w (limit %d)", ErrTooManySessions, limit)
	}
	s.pending[user]++
	s.mu.Unlock()

	conn, backend, err := s.dialer.Dial(ctx, creds)

	s.mu.Lock()
	s.pending[user]--
	if s.pending[user] <= 0 {
		delete(s.pending, user)
	}
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	sess := newSession(uuid.NewString(), user, conn, backend, s.pool, s.opts, s.rec)
	sess.storeClosed = &s.draining
	if s.closed {
		s.mu.Unlock()
		sess.Close(s.opts.StopTimeout)
		return nil, ErrStoreClosed
	}
	s.sessions[sess.ID] = sess
	s.mu.Unlock()

	log.Printf("[session] created %s for %s (%s tunnels)", sess.ID, logutil.SanitizeForLog(user), backend.Name())
	return sess, nil
}

func (s *Store) countLocked(user string) int {
	n := 0
	for _, sess := range s.sessions {
		if sess.User == user {
			n++
		}
	}
	return n
}

// Get returns the session with id.
func (s *Store) Get(id string) (*Session, error) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return sess, nil
}

// List returns every registered session, oldest first.
func (s *Store) List() []*Session {
	s.mu.RLock()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ListForUser returns the sessions owned by user.
func (s *Store) ListForUser(user string) []*Session {
	var out []*Session
	for _, sess := range s.List() {
		if sess.User == user {
			out = append(out, sess)
		}
	}
	return out
}

func (s *Store) ids(keep func(*Session) bool) []string {
	var out []string
	for _, sess := range s.List() {
		if keep == nil || keep(sess) {
			out = append(out, sess.ID)
		}
	}
	return out
}

// Remove closes the session within timeout and unregisters it whatever
// the outcome. A close that fails or overruns is reported as a leak
// candidate.
func (s *Store) Remove(id string, timeout time.Duration) error {
	return s.remove(id, timeout, audit.EventStop)
}

// Logout is Remove on the owner's request.
func (s *Store) Logout(id string, timeout time.Duration) error {
	return s.remove(id, timeout, audit.EventLogout)
}

func (s *Store) remove(id string, timeout time.Duration, event string) error {
	sess, err := s.Get(id)
	if err != nil {
		return err
	}

	start := time.Now()
	performed, err := sess.close(timeout)

	s.mu.Lock()
	if cur, ok := s.sessions[id]; ok && cur == sess {
		delete(s.sessions, id)
	}
	s.mu.Unlock()

	if !performed {
		return nil
	}
	elapsed := time.Since(start)

	entry := audit.Entry{
		SessionID: id,
		Username:  sess.User,
		EventType: event,
		Outcome:   string(shutdown.Classify(err)),
		Duration:  elapsed,
	}
	if err != nil {
		log.Printf("[session] leak candidate: %s (%s) not confirmed clean after %s: %v",
			id, logutil.SanitizeForLog(sess.User), elapsed.Round(time.Millisecond), err)
		entry.Details = err.Error()
		s.rec.Record(audit.Entry{
			SessionID: id,
			Username:  sess.User,
			EventType: audit.EventLeakCandidate,
			Outcome:   entry.Outcome,
			Details:   err.Error(),
			Duration:  elapsed,
		})
	} else {
		log.Printf("[session] removed %s (%s) in %s", id, logutil.SanitizeForLog(sess.User), elapsed.Round(time.Millisecond))
	}
	s.rec.Record(entry)
	return err
}

func (s *Store) removeMany(ids []string, deadline time.Duration, event string, alongside ...func(ctx context.Context)) shutdown.Report {
	coord := s.opts.Coordinator
	if deadline > 0 {
		coord.Deadline = deadline
	}
	return coord.Run(context.Background(), ids, func(id string, timeout time.Duration) error {
		err := s.remove(id, timeout, event)
		if errors.Is(err, ErrNotFound) {
			// Removed by someone else in the meantime.
			return nil
		}
		return err
	}, alongside...)
}

// RemoveAll removes every session through the coordinator, returning
// within timeout.
func (s *Store) RemoveAll(timeout time.Duration) shutdown.Report {
	return s.removeMany(s.ids(nil), timeout, audit.EventStop)
}

// ReapIdle removes sessions idle longer than the idle timeout and those
// whose connection has died.
func (s *Store) ReapIdle(timeout time.Duration) shutdown.Report {
	now := s.nowFn()
	ids := s.ids(func(sess *Session) bool {
		if !sess.Alive() {
			return true
		}
		return s.opts.IdleTimeout > 0 && sess.IdleFor(now) >= s.opts.IdleTimeout
	})
	if len(ids) == 0 {
		return shutdown.Report{}
	}
	report := s.removeMany(ids, timeout, audit.EventReaped)
	log.Printf("[session] reaped idle sessions: %s", report)
	return report
}

// ShutdownReport is the outcome of Store.Shutdown.
type ShutdownReport struct {
	Sessions shutdown.Report        `json:"sessions"`
	Ports    portpool.ReclaimReport `json:"ports"`
	Elapsed  time.Duration          `json:"elapsed"`
}

// Clean reports whether every session and port was confirmed released.
func (r ShutdownReport) Clean() bool {
	return r.Sessions.Clean() && len(r.Ports.Unconfirmed) == 0 && r.Ports.Err == ""
}

// Shutdown closes the store to new sessions, then removes every session
// while reclaiming all leased ports alongside. It returns within timeout.
// Only the first call does any work.
func (s *Store) Shutdown(timeout time.Duration) ShutdownReport {
	start := time.Now()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ShutdownReport{}
	}
	s.closed = true
	s.draining.Store(true)
	s.mu.Unlock()

	ids := s.ids(nil)
	ports := s.pool.Leased()
	log.Printf("[session] shutting down %d sessions, %d leased ports, deadline %s", len(ids), len(ports), timeout)

	portsDone := make(chan portpool.ReclaimReport, 1)
	reclaim := func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, s.opts.PortCleanupTimeout)
		defer cancel()
		portsDone <- s.pool.ReleaseAll(ctx, ports)
	}

	report := ShutdownReport{Sessions: s.removeMany(ids, timeout, audit.EventStop, reclaim)}
	select {
	case report.Ports = <-portsDone:
	default:
		report.Ports = portpool.ReclaimReport{
			Requested:   len(ports),
			Unconfirmed: ports,
			Err:         "port cleanup still running at deadline",
		}
	}
	report.Elapsed = time.Since(start)

	if report.Clean() {
		log.Printf("[session] shutdown clean in %s: %s", report.Elapsed.Round(time.Millisecond), report.Sessions)
	} else {
		log.Printf("[session] shutdown finished in %s, not confirmed clean: %s; ports unconfirmed %v %s",
			report.Elapsed.Round(time.Millisecond), report.Sessions, report.Ports.Unconfirmed, report.Ports.Err)
	}

	s.rec.Record(audit.Entry{
		EventType: audit.EventShutdown,
		Outcome:   outcome(report),
		Details:   report.Sessions.String(),
		Duration:  report.Elapsed,
	})
	if err := s.rec.SaveShutdown(shutdownRun("shutdown", report)); err != nil {
		log.Printf("[session] failed to save shutdown run: %v", err)
	}
	return report
}

func outcome(r ShutdownReport) string {
	if r.Clean() {
		return string(shutdown.Succeeded)
	}
	return "partial"
}

func shutdownRun(reason string, r ShutdownReport) database.ShutdownRun {
	unconfirmed := make([]string, len(r.Ports.Unconfirmed))
	for i, p := range r.Ports.Unconfirmed {
		unconfirmed[i] = strconv.Itoa(p)
	}
	return database.ShutdownRun{
		Reason:           reason,
		Attempted:        r.Sessions.Attempted,
		Succeeded:        r.Sessions.Succeeded,
		TimedOut:         r.Sessions.TimedOut,
		Failed:           r.Sessions.Failed,
		PortsRequested:   r.Ports.Requested,
		PortsUnconfirmed: strings.Join(unconfirmed, ","),
		ElapsedMs:        r.Elapsed.Milliseconds(),
	}
}

// Closed reports whether Shutdown has been called.
func (s *Store) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Stats is a point-in-time count of the store's contents.
type Stats struct {
	Sessions int            `json:"sessions"`
	Users    int            `json:"users"`
	Tunnels  int            `json:"tunnels"`
	Closed   bool           `json:"closed"`
	Ports    portpool.Stats `json:"ports"`
}

// Stats returns counts without waiting on any teardown in progress.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	st := Stats{Sessions: len(s.sessions), Closed: s.closed}
	users := make(map[string]struct{})
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		users[sess.User] = struct{}{}
		sessions = append(sessions, sess)
	}
	s.mu.RUnlock()

	st.Users = len(users)
	for _, sess := range sessions {
		st.Tunnels += sess.TunnelCount()
	}
	st.Ports = s.pool.Stats()
	return st
}
