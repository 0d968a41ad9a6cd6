// Package metrics exposes session and port pool state to Prometheus.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nimathing2052/HGPU/internal/audit"
	"github.com/nimathing2052/HGPU/internal/database"
	"github.com/nimathing2052/HGPU/internal/session"
)

const namespace = "hgpu"

// Metrics counts audit events on their way to the next recorder and
// reports store gauges on scrape. It satisfies session.Recorder.
type Metrics struct {
	reg  prometheus.Registerer
	next session.Recorder

	events          *prometheus.CounterVec
	shutdownSeconds prometheus.Histogram
	shutdownLeaks   prometheus.Counter
}

// New registers the event metrics with reg. next receives every event
// after it is counted and may be nil.
func New(reg prometheus.Registerer, next session.Recorder) (*Metrics, error) {
	m := &Metrics{
		reg:  reg,
		next: next,
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Session lifecycle events by type and outcome.",
		}, []string{"event", "outcome"}),
		shutdownSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "shutdown_duration_seconds",
			Help:      "Wall-clock time of bulk teardowns.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 20, 30, 60},
		}),
		shutdownLeaks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "shutdown_unconfirmed_total",
			Help:      "Sessions that a bulk teardown could not confirm as closed.",
		}),
	}
	for _, c := range []prometheus.Collector{m.events, m.shutdownSeconds, m.shutdownLeaks} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register metric: %w", err)
		}
	}
	return m, nil
}

// Record implements session.Recorder.
func (m *Metrics) Record(e audit.Entry) {
	m.events.WithLabelValues(e.EventType, e.Outcome).Inc()
	if m.next != nil {
		m.next.Record(e)
	}
}

// SaveShutdown implements session.Recorder.
func (m *Metrics) SaveShutdown(run database.ShutdownRun) error {
	m.shutdownSeconds.Observe(float64(run.ElapsedMs) / 1000)
	m.shutdownLeaks.Add(float64(run.TimedOut + run.Failed))
	if m.next != nil {
		return m.next.SaveShutdown(run)
	}
	return nil
}

// StatsSource reports current store counts. *session.Store satisfies it.
type StatsSource interface {
	Stats() session.Stats
}

// Watch registers gauges read from src on every scrape.
func (m *Metrics) Watch(src StatsSource) error {
	if err := m.reg.Register(newStatsCollector(src)); err != nil {
		return fmt.Errorf("register stats collector: %w", err)
	}
	return nil
}

type statsCollector struct {
	src StatsSource

	sessions   *prometheus.Desc
	users      *prometheus.Desc
	tunnels    *prometheus.Desc
	portsUsed  *prometheus.Desc
	portsFree  *prometheus.Desc
	storeState *prometheus.Desc
}

func newStatsCollector(src StatsSource) *statsCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, nil, nil)
	}
	return &statsCollector{
		src:        src,
		sessions:   desc("sessions", "Registered sessions."),
		users:      desc("users", "Users with at least one session."),
		tunnels:    desc("tunnels", "Open tunnels across all sessions."),
		portsUsed:  desc("ports_leased", "Leased local ports."),
		portsFree:  desc("ports_free", "Free local ports."),
		storeState: desc("store_closed", "1 once shutdown has begun."),
	}
}

// Describe implements prometheus.Collector.
func (c *statsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.sessions
	ch <- c.users
	ch <- c.tunnels
	ch <- c.portsUsed
	ch <- c.portsFree
	ch <- c.storeState
}

// Collect implements prometheus.Collector.
func (c *statsCollector) Collect(ch chan<- prometheus.Metric) {
	st := c.src.Stats()
	closed := 0.0
	if st.Closed {
		closed = 1
	}
	ch <- prometheus.MustNewConstMetric(c.sessions, prometheus.GaugeValue, float64(st.Sessions))
	ch <- prometheus.MustNewConstMetric(c.users, prometheus.GaugeValue, float64(st.Users))
	ch <- prometheus.MustNewConstMetric(c.tunnels, prometheus.GaugeValue, float64(st.Tunnels))
	ch <- prometheus.MustNewConstMetric(c.portsUsed, prometheus.GaugeValue, float64(st.Ports.Leased))
	ch <- prometheus.MustNewConstMetric(c.portsFree, prometheus.GaugeValue, float64(st.Ports.Free))
	ch <- prometheus.MustNewConstMetric(c.storeState, prometheus.GaugeValue, closed)
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
