package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nimathing2052/HGPU/internal/audit"
	"github.com/nimathing2052/HGPU/internal/config"
	"github.com/nimathing2052/HGPU/internal/containers"
	"github.com/nimathing2052/HGPU/internal/gpu"
	"github.com/nimathing2052/HGPU/internal/portpool"
	"github.com/nimathing2052/HGPU/internal/remote"
	"github.com/nimathing2052/HGPU/internal/session"
)

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{remote.ErrAuthFailed, http.StatusUnauthorized},
		{fmt.Errorf("dial: %w", remote.ErrUnreachable), http.StatusBadGateway},
		{portpool.ErrPoolExhausted, http.StatusServiceUnavailable},
		{session.ErrStoreClosed, http.StatusServiceUnavailable},
		{session.ErrTooManySessions, http.StatusTooManyRequests},
		{session.ErrNotFound, http.StatusNotFound},
		{session.ErrTunnelNotFound, http.StatusNotFound},
		{gpu.ErrNoGPUs, http.StatusNotFound},
		{session.ErrNotActive, http.StatusConflict},
		{containers.ErrInvalidName, http.StatusBadRequest},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestLoginSetsCookieAndAudits(t *testing.T) {
	env := newTestEnv(t, &fakeDialer{}, 5, nil)
	cookie := env.login(t, "alice")

	if !cookie.HttpOnly || cookie.Value == "" {
		t.Errorf("cookie = %+v", cookie)
	}
	sess, err := env.store.Get(cookie.Value)
	if err != nil || sess.User != "alice" {
		t.Fatalf("store.Get(cookie) = %v, %v", sess, err)
	}
	e, ok := env.rec.find(audit.EventLogin)
	if !ok || e.SessionID != sess.ID || e.SourceIP == "" {
		t.Errorf("login audit = %+v, %v", e, ok)
	}

	rec := env.do("GET", "/api/session", "", cookie)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /api/session = %d", rec.Code)
	}
	var body struct {
		Session  session.Info   `json:"session"`
		Sessions []session.Info `json:"sessions"`
	}
	json.NewDecoder(rec.Body).Decode(&body)
	if body.Session.ID != sess.ID || len(body.Sessions) != 1 {
		t.Errorf("body = %+v", body)
	}
}

func TestLoginForm(t *testing.T) {
	env := newTestEnv(t, &fakeDialer{}, 5, nil)
	req := httptest.NewRequest("POST", "/api/login", strings.NewReader(url.Values{
		"username": {"alice"},
		"password": {"pw"},
	}.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	env.h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("form login = %d %s", rec.Code, rec.Body.String())
	}
}

func TestLoginErrors(t *testing.T) {
	d := &fakeDialer{errs: map[string]error{
		"mallory": fmt.Errorf("ssh: %w", remote.ErrAuthFailed),
		"far":     fmt.Errorf("dial: %w", remote.ErrUnreachable),
	}}
	env := newTestEnv(t, d, 5, nil)
	env.login(t, "busy")
	env.login(t, "busy")

	tests := []struct {
		name string
		body string
		want int
	}{
		{"bad json", `{`, http.StatusBadRequest},
		{"missing password", `{"username":"alice"}`, http.StatusBadRequest},
		{"auth failed", `{"username":"mallory","password":"x"}`, http.StatusUnauthorized},
		{"unreachable", `{"username":"far","password":"x"}`, http.StatusBadGateway},
		{"per-user cap", `{"username":"busy","password":"x"}`, http.StatusTooManyRequests},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do("POST", "/api/login", tt.body, nil)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d (%s)", rec.Code, tt.want, rec.Body.String())
			}
		})
	}

	e, ok := env.rec.find(audit.EventLoginFailed)
	if !ok || e.Username != "mallory" {
		t.Errorf("login_failed audit = %+v", e)
	}
	if strings.Contains(e.Details, "pw") {
		t.Errorf("audit details leak the password: %q", e.Details)
	}
}

func TestLoginRateLimited(t *testing.T) {
	d := &fakeDialer{errs: map[string]error{"alice": remote.ErrAuthFailed}}
	env := newTestEnv(t, d, 5, func(c *config.Settings) { c.LoginAttemptsPerMin = 2 })

	for i := 0; i < 2; i++ {
		if rec := env.do("POST", "/api/login", `{"username":"alice","password":"x"}`, nil); rec.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d = %d", i, rec.Code)
		}
	}
	if rec := env.do("POST", "/api/login", `{"username":"alice","password":"x"}`, nil); rec.Code != http.StatusTooManyRequests {
		t.Errorf("third attempt = %d, want 429", rec.Code)
	}
	if rec := env.do("POST", "/api/login", `{"username":"bob","password":"x"}`, nil); rec.Code != http.StatusOK {
		t.Errorf("other user = %d, want 200", rec.Code)
	}
}

func TestRequireSession(t *testing.T) {
	env := newTestEnv(t, &fakeDialer{}, 5, nil)

	if rec := env.do("GET", "/api/session", "", nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("no cookie = %d", rec.Code)
	}
	bogus := &http.Cookie{Name: SessionCookie, Value: "nope"}
	if rec := env.do("GET", "/api/session", "", bogus); rec.Code != http.StatusUnauthorized {
		t.Errorf("unknown session = %d", rec.Code)
	}
}

func TestLogoutAlwaysSucceeds(t *testing.T) {
	env := newTestEnv(t, &fakeDialer{}, 5, nil)

	if rec := env.do("POST", "/logout", "", nil); rec.Code != http.StatusOK {
		t.Errorf("logout without cookie = %d", rec.Code)
	}

	cookie := env.login(t, "alice")
	if rec := env.do("POST", "/logout", "", cookie); rec.Code != http.StatusOK {
		t.Errorf("logout = %d", rec.Code)
	}
	if _, err := env.store.Get(cookie.Value); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("session still registered: %v", err)
	}
	if _, ok := env.rec.find(audit.EventLogout); !ok {
		t.Error("no logout audit entry")
	}
	if rec := env.do("POST", "/api/logout", "", cookie); rec.Code != http.StatusOK {
		t.Errorf("second logout = %d", rec.Code)
	}
}

func TestStopChecksOwnership(t *testing.T) {
	env := newTestEnv(t, &fakeDialer{}, 5, nil)
	alice := env.login(t, "alice")
	alice2 := env.login(t, "alice")
	bob := env.login(t, "bob")

	if rec := env.do("POST", "/stop/"+bob.Value, "", alice); rec.Code != http.StatusForbidden {
		t.Errorf("stop other user's session = %d, want 403", rec.Code)
	}
	if rec := env.do("POST", "/stop/missing", "", alice); rec.Code != http.StatusNotFound {
		t.Errorf("stop unknown = %d, want 404", rec.Code)
	}
	if rec := env.do("POST", "/stop/"+alice2.Value, "", alice); rec.Code != http.StatusOK {
		t.Errorf("stop own session = %d", rec.Code)
	}
	if _, err := env.store.Get(alice2.Value); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("stopped session still registered: %v", err)
	}
	if _, err := env.store.Get(bob.Value); err != nil {
		t.Errorf("bob's session was touched: %v", err)
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, &fakeDialer{}, 5, nil)
	env.login(t, "alice")

	rec := env.do("GET", "/health", "", nil)
	var body struct {
		Status   string         `json:"status"`
		Sessions int            `json:"sessions"`
		Ports    portpool.Stats `json:"ports"`
	}
	json.NewDecoder(rec.Body).Decode(&body)
	if rec.Code != http.StatusOK || body.Status != "healthy" || body.Sessions != 1 || body.Ports.Size != 5 {
		t.Errorf("health = %d %+v", rec.Code, body)
	}
}

func TestTunnels(t *testing.T) {
	env := newTestEnv(t, &fakeDialer{}, 1, nil)
	cookie := env.login(t, "alice")

	if rec := env.do("POST", "/api/tunnels", `{"port":0}`, cookie); rec.Code != http.StatusBadRequest {
		t.Errorf("bad port = %d", rec.Code)
	}

	rec := env.do("POST", "/api/tunnels", `{"host":"127.0.0.1","port":8888}`, cookie)
	if rec.Code != http.StatusCreated {
		t.Fatalf("open tunnel = %d %s", rec.Code, rec.Body.String())
	}
	var info struct {
		ID        string `json:"id"`
		LocalPort int    `json:"local_port"`
	}
	json.NewDecoder(rec.Body).Decode(&info)
	if env.pool.Stats().Leased != 1 {
		t.Errorf("leased = %d", env.pool.Stats().Leased)
	}

	if rec := env.do("POST", "/api/tunnels", `{"port":8889}`, cookie); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("exhausted pool = %d, want 503", rec.Code)
	}

	if rec := env.do("DELETE", "/api/tunnels/"+info.ID, "", cookie); rec.Code != http.StatusOK {
		t.Errorf("close tunnel = %d", rec.Code)
	}
	if env.pool.Stats().Leased != 0 {
		t.Errorf("leased after close = %d", env.pool.Stats().Leased)
	}
	if rec := env.do("DELETE", "/api/tunnels/"+info.ID, "", cookie); rec.Code != http.StatusNotFound {
		t.Errorf("close again = %d, want 404", rec.Code)
	}
}

func TestTunnelCloseUsesTunnelTimeout(t *testing.T) {
	cfg := config.Defaults()
	cfg.SessionStopTimeout = 5 * time.Second
	cfg.TunnelCloseTimeout = 1500 * time.Millisecond
	srv := New(cfg, Deps{})
	if srv.tunnelCloseTimeout != cfg.TunnelCloseTimeout {
		t.Errorf("tunnelCloseTimeout = %s, want %s", srv.tunnelCloseTimeout, cfg.TunnelCloseTimeout)
	}
	if srv.stopTimeout != cfg.SessionStopTimeout {
		t.Errorf("stopTimeout = %s, want %s", srv.stopTimeout, cfg.SessionStopTimeout)
	}
}

func TestServerLogsAdminOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hgpu.log")
	if err := os.WriteFile(path, []byte("one\ntwo\nthree\n"), 0o600); err != nil {
		t.Fatalf("write log: %v", err)
	}
	env := newTestEnv(t, &fakeDialer{}, 5, func(c *config.Settings) {
		c.LogPath = path
		c.AdminUsers = []string{"root"}
	})

	alice := env.login(t, "alice")
	if rec := env.do("GET", "/api/server-logs", "", alice); rec.Code != http.StatusForbidden {
		t.Errorf("non-admin = %d, want 403", rec.Code)
	}

	root := env.login(t, "root")
	rec := env.do("GET", "/api/server-logs?lines=2", "", root)
	var body struct {
		Logs string `json:"logs"`
	}
	json.NewDecoder(rec.Body).Decode(&body)
	if rec.Code != http.StatusOK || body.Logs != "two\nthree" {
		t.Errorf("server logs = %d %q", rec.Code, body.Logs)
	}
}

func TestSessionReportsLastProbe(t *testing.T) {
	env := newTestEnv(t, &fakeDialer{}, 5, nil)
	cookie := env.login(t, "alice")

	rec := env.do("GET", "/api/session", "", cookie)
	var body struct {
		Session session.Info `json:"session"`
	}
	json.NewDecoder(rec.Body).Decode(&body)
	if body.Session.LastProbe == nil || !body.Session.LastProbe.Equal(testProbeTime) {
		t.Errorf("last_probe = %v, want %s", body.Session.LastProbe, testProbeTime)
	}
}

func TestGPUs(t *testing.T) {
	d := &fakeDialer{results: map[string]remote.Result{
		"nvidia-smi": {Stdout: "0, 90, 20000, 24576\n1, 5, 1024, 24576\n"},
	}}
	env := newTestEnv(t, d, 5, nil)
	cookie := env.login(t, "alice")

	rec := env.do("GET", "/api/gpus", "", cookie)
	var body struct {
		GPUs        []gpu.GPU `json:"gpus"`
		LeastLoaded int       `json:"least_loaded"`
	}
	json.NewDecoder(rec.Body).Decode(&body)
	if rec.Code != http.StatusOK || len(body.GPUs) != 2 || body.LeastLoaded != 1 {
		t.Errorf("gpus = %d %+v", rec.Code, body)
	}
}

func TestContainers(t *testing.T) {
	d := &fakeDialer{results: map[string]remote.Result{
		"mlc-list": {Stdout: "[torch-dev]  Pytorch-2.1.0  running\n"},
	}}
	env := newTestEnv(t, d, 5, nil)
	cookie := env.login(t, "alice")

	rec := env.do("GET", "/api/containers", "", cookie)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "torch-dev") {
		t.Errorf("list = %d %s", rec.Code, rec.Body.String())
	}

	rec = env.do("POST", "/api/containers", `{"name":"bad name","framework":"Pytorch","version":"2.1.0"}`, cookie)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("create with bad name = %d", rec.Code)
	}

	rec = env.do("POST", "/api/containers/torch-dev/jupyter", "", cookie)
	if rec.Code != http.StatusOK {
		t.Fatalf("jupyter = %d %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "/lab") || env.pool.Stats().Leased != 1 {
		t.Errorf("jupyter body = %s, leased = %d", rec.Body.String(), env.pool.Stats().Leased)
	}
	e, ok := env.rec.find(audit.EventContainer)
	if !ok || e.Outcome != "failed" {
		t.Errorf("first container audit = %+v", e)
	}
}

type fakeQuerier struct {
	got audit.QueryOptions
}

func (q *fakeQuerier) Query(opts audit.QueryOptions) (*audit.QueryResult, error) {
	q.got = opts
	return &audit.QueryResult{Limit: opts.Limit}, nil
}

func TestEventsScopedToUser(t *testing.T) {
	env := newTestEnv(t, &fakeDialer{}, 5, nil)
	q := &fakeQuerier{}
	env.srv.events = q
	cookie := env.login(t, "alice")

	rec := env.do("GET", "/api/events?username=bob&event_type=login&limit=5&since=2026-01-02T15:04:05Z", "", cookie)
	if rec.Code != http.StatusOK {
		t.Fatalf("events = %d", rec.Code)
	}
	if q.got.Username != "alice" || q.got.EventType != "login" || q.got.Limit != 5 || q.got.Since == nil {
		t.Errorf("query = %+v", q.got)
	}
	if rec := env.do("GET", "/api/events?since=yesterday", "", cookie); rec.Code != http.StatusBadRequest {
		t.Errorf("bad since = %d", rec.Code)
	}
}

func TestMetricsRoute(t *testing.T) {
	env := newTestEnv(t, &fakeDialer{}, 5, nil)
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "hgpu_test_total", Help: "test"}))
	env.srv.gather = reg
	h := env.srv.Routes()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "hgpu_test_total") {
		t.Errorf("metrics = %d %s", rec.Code, rec.Body.String())
	}
}

func TestTerminalShellFailure(t *testing.T) {
	env := newTestEnv(t, &fakeDialer{}, 5, nil)
	cookie := env.login(t, "alice")
	ts := httptest.NewServer(env.h)
	defer ts.Close()

	hdr := http.Header{}
	hdr.Add("Cookie", SessionCookie+"="+cookie.Value)
	conn, _, err := websocket.Dial(context.Background(), "ws"+strings.TrimPrefix(ts.URL, "http")+"/api/terminal", &websocket.DialOptions{
		HTTPHeader: hdr,
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	_, _, err = conn.Read(context.Background())
	if got := websocket.CloseStatus(err); got != 4500 {
		t.Errorf("close status = %d (%v), want 4500", got, err)
	}
}
