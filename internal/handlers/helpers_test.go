package handlers

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nimathing2052/HGPU/internal/audit"
	"github.com/nimathing2052/HGPU/internal/config"
	"github.com/nimathing2052/HGPU/internal/containers"
	"github.com/nimathing2052/HGPU/internal/database"
	"github.com/nimathing2052/HGPU/internal/portpool"
	"github.com/nimathing2052/HGPU/internal/remote"
	"github.com/nimathing2052/HGPU/internal/session"
	"github.com/nimathing2052/HGPU/internal/shutdown"
	"github.com/nimathing2052/HGPU/internal/tunnel"
)

// fakeConn answers commands from a table keyed by substring.
type fakeConn struct {
	alive   atomic.Bool
	results map[string]remote.Result
}

func (c *fakeConn) Run(ctx context.Context, cmd string) (remote.Result, error) {
	for sub, res := range c.results {
		if strings.Contains(cmd, sub) {
			return res, nil
		}
	}
	return remote.Result{}, nil
}

func (c *fakeConn) RunInteractive(ctx context.Context, cmd string, p remote.Prompt) (remote.InteractiveResult, error) {
	return remote.InteractiveResult{Prompted: true}, nil
}

func (c *fakeConn) Dial(network, addr string) (net.Conn, error) {
	if !c.alive.Load() {
		return nil, errors.New("connection lost")
	}
	local, far := net.Pipe()
	go func() {
		io.Copy(io.Discard, far)
		far.Close()
	}()
	return local, nil
}

func (c *fakeConn) OpenShell(cols, rows int) (*remote.Shell, error) {
	return nil, errors.New("no shell in tests")
}

func (c *fakeConn) Alive() bool { return c.alive.Load() }

// testProbeTime is the keepalive time every fakeConn reports.
var testProbeTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func (c *fakeConn) LastProbe() time.Time { return testProbeTime }

func (c *fakeConn) Close() error {
	c.alive.Store(false)
	return nil
}

type fakeDialer struct {
	results map[string]remote.Result
	// errs maps a username to the error its login fails with.
	errs map[string]error
}

func (d *fakeDialer) Dial(ctx context.Context, creds remote.Credentials) (session.Connection, tunnel.Backend, error) {
	if err := d.errs[creds.Username]; err != nil {
		return nil, nil, err
	}
	c := &fakeConn{results: d.results}
	c.alive.Store(true)
	return c, &tunnel.InProcBackend{Client: c}, nil
}

type fakeRecorder struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (r *fakeRecorder) Record(e audit.Entry) {
	r.mu.Lock()
	r.entries = append(r.entries, e)
	r.mu.Unlock()
}

func (r *fakeRecorder) SaveShutdown(database.ShutdownRun) error { return nil }

func (r *fakeRecorder) find(event string) (audit.Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.EventType == event {
			return e, true
		}
	}
	return audit.Entry{}, false
}

type fakeEngine struct{}

func (fakeEngine) ContainerID(ctx context.Context, name string) (string, error) {
	return "cid-" + name, nil
}

func (fakeEngine) ContainerIP(ctx context.Context, id string) (string, error) {
	return "172.17.0.5", nil
}

func (fakeEngine) Exec(ctx context.Context, id string, cmd []string) (containers.ExecResult, error) {
	return containers.ExecResult{}, nil
}

func (fakeEngine) Close() error { return nil }

type testEnv struct {
	srv   *Server
	store *session.Store
	pool  *portpool.Pool
	rec   *fakeRecorder
	h     http.Handler
}

func newTestPool(t *testing.T, width int) *portpool.Pool {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	lo := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	if lo+width > 65535 {
		lo = 65535 - width
	}
	p, err := portpool.New(lo, lo+width-1, portpool.WithProbe(true))
	if err != nil {
		t.Fatalf("portpool.New: %v", err)
	}
	return p
}

func newTestEnv(t *testing.T, d *fakeDialer, width int, mutate func(*config.Settings)) *testEnv {
	t.Helper()
	cfg := config.Defaults()
	cfg.MaxSessionsPerUser = 2
	cfg.LoginAttemptsPerMin = 100
	cfg.SessionStopTimeout = time.Second
	if mutate != nil {
		mutate(&cfg)
	}

	pool := newTestPool(t, width)
	rec := &fakeRecorder{}
	store := session.NewStore(d, pool, session.Options{
		MaxSessionsPerUser: cfg.MaxSessionsPerUser,
		TunnelOpenTimeout:  2 * time.Second,
		TunnelCloseTimeout: 500 * time.Millisecond,
		StopTimeout:        time.Second,
		PortCleanupTimeout: time.Second,
		Coordinator:        shutdown.Coordinator{Concurrency: 5, TaskTimeout: time.Second, Deadline: 3 * time.Second},
	}, rec)
	t.Cleanup(func() { store.RemoveAll(2 * time.Second) })

	srv := New(cfg, Deps{Store: store, Recorder: rec})
	srv.newContainers = func(r containers.Runner) *containers.Service {
		return containers.New(r, fakeEngine{}, srv.containerOpts)
	}
	return &testEnv{srv: srv, store: store, pool: pool, rec: rec, h: srv.Routes()}
}

func (e *testEnv) do(method, path, body string, cookie *http.Cookie) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if cookie != nil {
		req.AddCookie(cookie)
	}
	rec := httptest.NewRecorder()
	e.h.ServeHTTP(rec, req)
	return rec
}

// login signs user in and returns the session cookie.
func (e *testEnv) login(t *testing.T, user string) *http.Cookie {
	t.Helper()
	rec := e.do("POST", "/api/login", `{"username":"`+user+`","password":"pw"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("login %s: %d %s", user, rec.Code, rec.Body.String())
	}
	for _, c := range rec.Result().Cookies() {
		if c.Name == SessionCookie {
			return c
		}
	}
	t.Fatalf("login %s: no session cookie", user)
	return nil
}
