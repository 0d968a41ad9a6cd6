package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/nimathing2052/HGPU/internal/audit"
	"github.com/nimathing2052/HGPU/internal/database"
	"github.com/nimathing2052/HGPU/internal/portpool"
	"github.com/nimathing2052/HGPU/internal/session"
)

type recorder struct {
	entries []audit.Entry
	runs    []database.ShutdownRun
}

func (r *recorder) Record(e audit.Entry) { r.entries = append(r.entries, e) }
func (r *recorder) SaveShutdown(run database.ShutdownRun) error {
	r.runs = append(r.runs, run)
	return nil
}

type staticStats session.Stats

func (s staticStats) Stats() session.Stats { return session.Stats(s) }

func TestRecordCountsAndForwards(t *testing.T) {
	reg := prometheus.NewRegistry()
	next := &recorder{}
	m, err := New(reg, next)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	m.Record(audit.Entry{EventType: audit.EventStop, Outcome: "succeeded"})
	m.Record(audit.Entry{EventType: audit.EventStop, Outcome: "succeeded"})
	m.Record(audit.Entry{EventType: audit.EventLeakCandidate, Outcome: "timed_out"})

	if got := testutil.ToFloat64(m.events.WithLabelValues(audit.EventStop, "succeeded")); got != 2 {
		t.Errorf("stop/succeeded = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.events.WithLabelValues(audit.EventLeakCandidate, "timed_out")); got != 1 {
		t.Errorf("leak/timed_out = %v, want 1", got)
	}
	if len(next.entries) != 3 {
		t.Errorf("forwarded %d entries, want 3", len(next.entries))
	}

	if err := m.SaveShutdown(database.ShutdownRun{Attempted: 4, Succeeded: 2, TimedOut: 1, Failed: 1, ElapsedMs: 1500}); err != nil {
		t.Fatalf("SaveShutdown() error: %v", err)
	}
	if got := testutil.ToFloat64(m.shutdownLeaks); got != 2 {
		t.Errorf("unconfirmed = %v, want 2", got)
	}
	if len(next.runs) != 1 {
		t.Errorf("forwarded %d runs", len(next.runs))
	}
}

func TestNilNext(t *testing.T) {
	m, err := New(prometheus.NewRegistry(), nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	m.Record(audit.Entry{EventType: audit.EventLogin, Outcome: "succeeded"})
	if err := m.SaveShutdown(database.ShutdownRun{}); err != nil {
		t.Errorf("SaveShutdown() = %v", err)
	}
}

func TestDuplicateRegistrationFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := New(reg, nil); err != nil {
		t.Fatalf("first New() error: %v", err)
	}
	if _, err := New(reg, nil); err == nil {
		t.Error("expected an error registering twice")
	}
}

func TestWatchServesGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	src := staticStats{Sessions: 3, Users: 2, Tunnels: 4, Ports: portpool.Stats{Size: 100, Leased: 4, Free: 96}}
	if err := m.Watch(src); err != nil {
		t.Fatalf("Watch() error: %v", err)
	}

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		"hgpu_sessions 3",
		"hgpu_users 2",
		"hgpu_tunnels 4",
		"hgpu_ports_leased 4",
		"hgpu_ports_free 96",
		"hgpu_store_closed 0",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
