package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Tunnel forwarding modes.
const (
	TunnelModeProcess = "process"
	TunnelModeInProc  = "inproc"
)

// Settings holds every tunable of the portal. Values come from Defaults(),
// then the optional YAML file named by HGPU_CONFIG_FILE, then HGPU_*
// environment variables.
type Settings struct {
	// Compute server
	ServerHost     string `envconfig:"SERVER_HOST" yaml:"server_host"`
	ServerPort     int    `envconfig:"SERVER_PORT" yaml:"server_port"`
	KnownHostsPath string `envconfig:"KNOWN_HOSTS" yaml:"known_hosts"`

	// HTTP
	ListenAddr   string   `envconfig:"LISTEN_ADDR" yaml:"listen_addr"`
	CookieSecure bool     `envconfig:"COOKIE_SECURE" yaml:"cookie_secure"`
	// AdminUsers may read the server log through the API.
	AdminUsers   []string `envconfig:"ADMIN_USERS" yaml:"admin_users"`

	// Local port pool for forwards
	PortRangeStart int  `envconfig:"PORT_RANGE_START" yaml:"port_range_start"`
	PortRangeEnd   int  `envconfig:"PORT_RANGE_END" yaml:"port_range_end"`
	ProbePorts     bool `envconfig:"PROBE_PORTS" yaml:"probe_ports"`

	// Tunnel backend
	TunnelMode  string `envconfig:"TUNNEL_MODE" yaml:"tunnel_mode"`
	SSHBinary   string `envconfig:"SSH_BINARY" yaml:"ssh_binary"`
	SSHPassPath string `envconfig:"SSHPASS_BINARY" yaml:"sshpass_binary"`
	LsofBinary  string `envconfig:"LSOF_BINARY" yaml:"lsof_binary"`

	// Timeouts
	ConnectTimeout      time.Duration `envconfig:"CONNECT_TIMEOUT" yaml:"connect_timeout"`
	KeepaliveInterval   time.Duration `envconfig:"KEEPALIVE_INTERVAL" yaml:"keepalive_interval"`
	CommandTimeout      time.Duration `envconfig:"COMMAND_TIMEOUT" yaml:"command_timeout"`
	TunnelOpenTimeout   time.Duration `envconfig:"TUNNEL_OPEN_TIMEOUT" yaml:"tunnel_open_timeout"`
	TunnelCloseTimeout  time.Duration `envconfig:"TUNNEL_CLOSE_TIMEOUT" yaml:"tunnel_close_timeout"`
	SessionStopTimeout  time.Duration `envconfig:"SESSION_STOP_TIMEOUT" yaml:"session_stop_timeout"`
	PerTaskTimeout      time.Duration `envconfig:"PER_TASK_TIMEOUT" yaml:"per_task_timeout"`
	ShutdownTimeout     time.Duration `envconfig:"SHUTDOWN_TIMEOUT" yaml:"shutdown_timeout"`
	PortCleanupTimeout  time.Duration `envconfig:"PORT_CLEANUP_TIMEOUT" yaml:"port_cleanup_timeout"`
	ReclaimTimeout      time.Duration `envconfig:"RECLAIM_TIMEOUT" yaml:"reclaim_timeout"`
	InteractiveTimeout  time.Duration `envconfig:"INTERACTIVE_TIMEOUT" yaml:"interactive_timeout"`
	SessionIdleTimeout  time.Duration `envconfig:"SESSION_IDLE_TIMEOUT" yaml:"session_idle_timeout"`
	ReaperSchedule      string        `envconfig:"REAPER_SCHEDULE" yaml:"reaper_schedule"`
	ShutdownConcurrency int           `envconfig:"SHUTDOWN_CONCURRENCY" yaml:"shutdown_concurrency"`
	MaxSessionsPerUser  int           `envconfig:"MAX_SESSIONS_PER_USER" yaml:"max_sessions_per_user"`
	LoginAttemptsPerMin int           `envconfig:"LOGIN_ATTEMPTS_PER_MINUTE" yaml:"login_attempts_per_minute"`

	// Persistence and logs
	DatabasePath       string `envconfig:"DATABASE_PATH" yaml:"database_path"`
	LogPath            string `envconfig:"LOG_PATH" yaml:"log_path"`
	AuditRetentionDays int    `envconfig:"AUDIT_RETENTION_DAYS" yaml:"audit_retention_days"`

	// Remote container tooling
	MLCDir             string `envconfig:"MLC_DIR" yaml:"mlc_dir"`
	DockerSocket       string `envconfig:"DOCKER_SOCKET" yaml:"docker_socket"`
	DefaultJupyterPort int    `envconfig:"JUPYTER_PORT" yaml:"jupyter_port"`
}

// Defaults returns the built-in settings. The timeout values are starting
// points; measure them against the deployment's real command latency.
func Defaults() Settings {
	return Settings{
		ServerHost:          "10.1.23.20",
		ServerPort:          22,
		ListenAddr:          ":2344",
		PortRangeStart:      9000,
		PortRangeEnd:        9099,
		ProbePorts:          true,
		TunnelMode:          TunnelModeProcess,
		SSHBinary:           "ssh",
		SSHPassPath:         "sshpass",
		LsofBinary:          "lsof",
		ConnectTimeout:      10 * time.Second,
		KeepaliveInterval:   15 * time.Second,
		CommandTimeout:      60 * time.Second,
		TunnelOpenTimeout:   10 * time.Second,
		TunnelCloseTimeout:  2 * time.Second,
		SessionStopTimeout:  5 * time.Second,
		PerTaskTimeout:      5 * time.Second,
		ShutdownTimeout:     30 * time.Second,
		PortCleanupTimeout:  10 * time.Second,
		ReclaimTimeout:      5 * time.Second,
		InteractiveTimeout:  30 * time.Second,
		SessionIdleTimeout:  time.Hour,
		ReaperSchedule:      "@every 5m",
		ShutdownConcurrency: 5,
		MaxSessionsPerUser:  5,
		LoginAttemptsPerMin: 10,
		DatabasePath:        "data/hgpu.db",
		LogPath:             "data/hgpu.log",
		AuditRetentionDays:  90,
		MLCDir:              "/opt/aime-ml-containers",
		DockerSocket:        "/var/run/docker.sock",
		DefaultJupyterPort:  8888,
	}
}

// Load builds Settings from defaults, the optional YAML file and the
// environment, then validates the result.
func Load() (Settings, error) {
	cfg := Defaults()

	if path := os.Getenv("HGPU_CONFIG_FILE"); path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Settings{}, err
		}
	}

	if err := envconfig.Process("HGPU", &cfg); err != nil {
		return Settings{}, fmt.Errorf("process environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Settings{}, err
	}
	return cfg, nil
}

func applyFile(cfg *Settings, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// Validate reports every inconsistent setting at once.
func (s Settings) Validate() error {
	var errs []error
	if s.ServerHost == "" {
		errs = append(errs, errors.New("server host is required"))
	}
	if s.ServerPort <= 0 || s.ServerPort > 65535 {
		errs = append(errs, fmt.Errorf("server port %d out of range", s.ServerPort))
	}
	if s.PortRangeStart <= 0 || s.PortRangeEnd > 65535 || s.PortRangeStart > s.PortRangeEnd {
		errs = append(errs, fmt.Errorf("invalid port range %d-%d", s.PortRangeStart, s.PortRangeEnd))
	}
	if s.TunnelMode != TunnelModeProcess && s.TunnelMode != TunnelModeInProc {
		errs = append(errs, fmt.Errorf("unknown tunnel mode %q", s.TunnelMode))
	}
	if s.ShutdownConcurrency <= 0 {
		errs = append(errs, errors.New("shutdown concurrency must be positive"))
	}
	if s.TunnelCloseTimeout <= 0 || s.SessionStopTimeout <= 0 || s.PerTaskTimeout <= 0 {
		errs = append(errs, errors.New("close timeouts must be positive"))
	}
	if s.PerTaskTimeout >= s.ShutdownTimeout {
		errs = append(errs, fmt.Errorf("per-task timeout %s must be below shutdown timeout %s", s.PerTaskTimeout, s.ShutdownTimeout))
	}
	if s.ReclaimTimeout <= 0 || s.ReclaimTimeout > s.PortCleanupTimeout {
		errs = append(errs, fmt.Errorf("reclaim timeout %s must be positive and at most %s", s.ReclaimTimeout, s.PortCleanupTimeout))
	}
	if s.KeepaliveInterval <= 0 || (s.SessionIdleTimeout > 0 && s.KeepaliveInterval >= s.SessionIdleTimeout) {
		errs = append(errs, errors.New("keepalive interval must be positive and shorter than the idle timeout"))
	}
	return errors.Join(errs...)
}

// PortCount is the size of the configured local port pool.
func (s Settings) PortCount() int {
	return s.PortRangeEnd - s.PortRangeStart + 1
}
