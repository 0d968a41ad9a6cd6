package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/nimathing2052/HGPU/internal/audit"
	"github.com/nimathing2052/HGPU/internal/config"
	"github.com/nimathing2052/HGPU/internal/database"
	"github.com/nimathing2052/HGPU/internal/handlers"
	"github.com/nimathing2052/HGPU/internal/logging"
	"github.com/nimathing2052/HGPU/internal/metrics"
	"github.com/nimathing2052/HGPU/internal/portpool"
	"github.com/nimathing2052/HGPU/internal/session"
)

func main() {
	root := &cobra.Command{
		Use:          "hgpu",
		Short:        "GPU container portal",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}
	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the portal (default)",
			RunE: func(cmd *cobra.Command, args []string) error {
				return serve()
			},
		},
		&cobra.Command{
			Use:   "reclaim-ports",
			Short: "Free every port in the forward range held by a leftover process",
			RunE: func(cmd *cobra.Command, args []string) error {
				return reclaimPorts()
			},
		},
	)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (config.Settings, error) {
	cfg, err := config.Load()
	if err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func newPool(cfg config.Settings) (*portpool.Pool, error) {
	return portpool.New(cfg.PortRangeStart, cfg.PortRangeEnd,
		portpool.WithProbe(cfg.ProbePorts),
		portpool.WithReclaimer(portpool.NewLsofReclaimer(cfg.LsofBinary), cfg.ReclaimTimeout),
	)
}

func serve() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logging.Init(cfg.LogPath)
	defer logging.Close()

	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("Failed to init database: %v", err)
	}
	defer database.Close(db)

	auditor := audit.New(db, cfg.AuditRetentionDays)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(reg, auditor)
	if err != nil {
		log.Fatalf("Failed to register metrics: %v", err)
	}

	pool, err := newPool(cfg)
	if err != nil {
		log.Fatalf("Failed to create port pool: %v", err)
	}
	dialer, err := session.NewSSHDialer(cfg)
	if err != nil {
		log.Fatalf("Failed to create dialer: %v", err)
	}
	store := session.NewStore(dialer, pool, session.OptionsFromConfig(cfg), m)
	if err := m.Watch(store); err != nil {
		log.Fatalf("Failed to register store metrics: %v", err)
	}

	reaper, err := session.NewReaper(store, cfg.ReaperSchedule, cfg.SessionStopTimeout)
	if err != nil {
		log.Fatalf("Failed to create reaper: %v", err)
	}
	if err := reaper.AddJob("@daily", func() {
		if n, err := auditor.PurgeOlderThan(0); err != nil {
			log.Printf("[audit] purge: %v", err)
		} else if n > 0 {
			log.Printf("[audit] purged %d events older than %d days", n, auditor.RetentionDays())
		}
	}); err != nil {
		log.Fatalf("Failed to schedule audit purge: %v", err)
	}
	reaper.Start()

	srv := handlers.New(cfg, handlers.Deps{
		Store:    store,
		Recorder: m,
		Events:   auditor,
		Gatherer: reg,
	})
	httpSrv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Routes(),
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		log.Printf("Server starting on %s (ports %d-%d, %s tunnels)", cfg.ListenAddr, cfg.PortRangeStart, cfg.PortRangeEnd, cfg.TunnelMode)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-sigCtx.Done():
		log.Println("Shutting down...")
	case err := <-serveErr:
		log.Printf("Server error: %v", err)
	}
	// A second signal kills the process without waiting.
	stop()

	start := time.Now()
	reaperCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	reaper.Stop(reaperCtx)
	cancel()

	report := store.Shutdown(cfg.ShutdownTimeout)
	if !report.Clean() {
		log.Printf("Shutdown finished with leftovers: %s", report.Sessions)
	}

	httpCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	if err := httpSrv.Shutdown(httpCtx); err != nil {
		log.Printf("HTTP shutdown: %v", err)
	}
	cancel()

	auditor.Close(2 * time.Second)
	log.Printf("Server stopped in %s", time.Since(start).Round(time.Millisecond))
	return nil
}

// reclaimPorts runs the ports-only teardown over the whole forward range,
// for recovering after a crash left forwarders bound.
func reclaimPorts() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	pool, err := newPool(cfg)
	if err != nil {
		return err
	}

	ports := make([]int, 0, cfg.PortCount())
	for p := cfg.PortRangeStart; p <= cfg.PortRangeEnd; p++ {
		ports = append(ports, p)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.PortCleanupTimeout)
	defer cancel()
	report := pool.ReleaseAll(ctx, ports)

	log.Printf("[portpool] reclaim: %d ports checked in %s", report.Requested, report.Elapsed.Round(time.Millisecond))
	if len(report.Unconfirmed) > 0 {
		return fmt.Errorf("%d ports still held: %v", len(report.Unconfirmed), report.Unconfirmed)
	}
	if report.Err != "" {
		return errors.New(report.Err)
	}
	return nil
}
