package containers

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"net"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kballard/go-shellquote"

	"github.com/nimathing2052/HGPU/internal/logutil"
	"github.com/nimathing2052/HGPU/internal/remote"
	"github.com/nimathing2052/HGPU/internal/tunnel"
)

// Runner executes commands on the compute server. *session.Session
// satisfies it.
type Runner interface {
	Run(ctx context.Context, cmd string) (remote.Result, error)
	RunInteractive(ctx context.Context, cmd string, p remote.Prompt) (remote.InteractiveResult, error)
	Dial(network, addr string) (net.Conn, error)
}

// Options configures a Service.
type Options struct {
	MLCDir             string
	DockerSocket       string
	JupyterPort        int
	CommandTimeout     time.Duration
	InteractiveTimeout time.Duration
}

// Service manages a user's ML containers over their session.
type Service struct {
	runner Runner
	opts   Options

	mu     sync.Mutex
	engine Engine
}

// New returns a Service using runner for mlc commands and engine for
// docker operations. engine may be nil, in which case one is dialed
// through runner on first use.
func New(runner Runner, engine Engine, opts Options) *Service {
	if opts.MLCDir == "" {
		opts.MLCDir = "/opt/aime-ml-containers"
	}
	if opts.DockerSocket == "" {
		opts.DockerSocket = "/var/run/docker.sock"
	}
	if opts.JupyterPort == 0 {
		opts.JupyterPort = 8888
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 60 * time.Second
	}
	if opts.InteractiveTimeout <= 0 {
		opts.InteractiveTimeout = 30 * time.Second
	}
	return &Service{runner: runner, engine: engine, opts: opts}
}

// Close releases the docker client, if one was opened.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.engine == nil {
		return nil
	}
	return s.engine.Close()
}

func (s *Service) dockerEngine() (Engine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.engine != nil {
		return s.engine, nil
	}
	e, err := NewDockerEngine(s.runner, s.opts.DockerSocket)
	if err != nil {
		return nil, err
	}
	s.engine = e
	return e, nil
}

func (s *Service) mlc(tool string, args ...string) string {
	return shellquote.Join(append([]string{path.Join(s.opts.MLCDir, "mlc-"+tool)}, args...)...)
}

func (s *Service) run(ctx context.Context, cmd string) (remote.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.CommandTimeout)
	defer cancel()
	res, err := s.runner.Run(ctx, cmd)
	if err != nil {
		return res, err
	}
	if !res.OK() {
		return res, fmt.Errorf("%s exited %d: %s", commandLabel(cmd), res.ExitCode, logutil.Tail(res.Output(), 300))
	}
	return res, nil
}

func commandLabel(cmd string) string {
	if i := strings.IndexByte(cmd, ' '); i > 0 {
		cmd = cmd[:i]
	}
	return path.Base(cmd)
}

// List returns the user's containers.
func (s *Service) List(ctx context.Context) ([]Container, error) {
	res, err := s.run(ctx, s.mlc("list"))
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	return ParseList(res.Stdout), nil
}

// Find returns the container called name.
func (s *Service) Find(ctx context.Context, name string) (Container, bool, error) {
	list, err := s.List(ctx)
	if err != nil {
		return Container{}, false, err
	}
	for _, c := range list {
		if c.Name == name {
			return c, true, nil
		}
	}
	return Container{}, false, nil
}

// Create makes a new container. It fails if one with the same name exists.
func (s *Service) Create(ctx context.Context, name, framework, version string) error {
	for _, a := range [][2]string{{"name", name}, {"framework", framework}, {"version", version}} {
		if err := ValidateArg(a[0], a[1]); err != nil {
			return err
		}
	}
	if _, exists, err := s.Find(ctx, name); err != nil {
		return err
	} else if exists {
		return fmt.Errorf("container %q already exists", name)
	}
	if _, err := s.run(ctx, s.mlc("create", name, framework, version)); err != nil {
		return fmt.Errorf("create container %s: %w", name, err)
	}
	log.Printf("[containers] created %s (%s %s)", name, framework, version)
	return nil
}

// Start starts a stopped container.
func (s *Service) Start(ctx context.Context, name string) error {
	if err := ValidateArg("name", name); err != nil {
		return err
	}
	if _, err := s.run(ctx, s.mlc("start", name)); err != nil {
		return fmt.Errorf("start container %s: %w", name, err)
	}
	return nil
}

// Stop stops a running container without asking for confirmation.
func (s *Service) Stop(ctx context.Context, name string) error {
	if err := ValidateArg("name", name); err != nil {
		return err
	}
	if _, err := s.run(ctx, s.mlc("stop", name, "-Y")); err != nil {
		return fmt.Errorf("stop container %s: %w", name, err)
	}
	return nil
}

// Remove stops the container and then deletes it, answering mlc-remove's
// confirmation prompt.
func (s *Service) Remove(ctx context.Context, name string) error {
	if err := ValidateArg("name", name); err != nil {
		return err
	}
	if err := s.Stop(ctx, name); err != nil {
		// Already stopped containers make mlc-stop fail; removal decides.
		log.Printf("[containers] stop before remove: %v", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.InteractiveTimeout)
	defer cancel()
	res, err := s.runner.RunInteractive(ctx, s.mlc("remove", name), remote.Prompt{Expect: "[Y/n]", Respond: "Y"})
	if errors.Is(err, remote.ErrNoPrompt) {
		return fmt.Errorf("remove container %s: %s", name, logutil.Tail(res.Output(), 300))
	}
	if err != nil {
		return fmt.Errorf("remove container %s: %w", name, err)
	}
	if !res.OK() {
		return fmt.Errorf("remove container %s: exited %d: %s", name, res.ExitCode, logutil.Tail(res.Output(), 300))
	}
	log.Printf("[containers] removed %s", name)
	return nil
}

// JupyterSession is the tmux session name JupyterLab runs under.
func JupyterSession(name string) string { return "jup-" + name }

const jupyterScript = `#!/bin/bash
mkdir -p /workspace/.jupyter/runtime
export HOME=/workspace
export JUPYTER_RUNTIME_DIR=/workspace/.jupyter/runtime
export JUPYTER_DATA_DIR=/workspace/.jupyter
export JUPYTER_CONFIG_DIR=/workspace/.jupyter
cd /workspace
[ -f nimaenv/bin/activate ] && . nimaenv/bin/activate
exec jupyter lab --no-browser --ip=0.0.0.0 --port=%d --allow-root --ServerApp.token='' --ServerApp.password=''
`

const scriptPath = "/workspace/start_jlab.sh"

// StartJupyter starts the container if needed, launches JupyterLab inside
// it and waits until the server listens. It returns the endpoint to tunnel
// to, as seen from the compute server.
func (s *Service) StartJupyter(ctx context.Context, name string) (tunnel.Endpoint, error) {
	if err := ValidateArg("name", name); err != nil {
		return tunnel.Endpoint{}, err
	}
	engine, err := s.dockerEngine()
	if err != nil {
		return tunnel.Endpoint{}, err
	}

	id, err := engine.ContainerID(ctx, name)
	if errors.Is(err, ErrContainerNotRunning) {
		if err := s.Start(ctx, name); err != nil {
			return tunnel.Endpoint{}, err
		}
		id, err = engine.ContainerID(ctx, name)
	}
	if err != nil {
		return tunnel.Endpoint{}, err
	}

	port := s.opts.JupyterPort
	script := base64.StdEncoding.EncodeToString([]byte(fmt.Sprintf(jupyterScript, port)))
	install := fmt.Sprintf("echo %s | base64 -d > %s && chmod +x %s", script, scriptPath, scriptPath)
	if err := s.exec(ctx, engine, id, install); err != nil {
		return tunnel.Endpoint{}, fmt.Errorf("install jupyter script: %w", err)
	}

	sess := JupyterSession(name)
	launch := fmt.Sprintf(
		"tmux has-session -t %[1]s 2>/dev/null && exit 0; "+
			"if command -v tmux >/dev/null 2>&1; then tmux new-session -d -s %[1]s %[2]s; "+
			"else nohup %[2]s > /workspace/jupyter.log 2>&1 & fi",
		shellquote.Join(sess), scriptPath)
	if err := s.exec(ctx, engine, id, launch); err != nil {
		return tunnel.Endpoint{}, fmt.Errorf("launch jupyter: %w", err)
	}

	ip, err := engine.ContainerIP(ctx, id)
	if err != nil {
		return tunnel.Endpoint{}, err
	}
	ep := tunnel.Endpoint{Host: ip, Port: port}
	if err := s.waitListening(ctx, ep); err != nil {
		return tunnel.Endpoint{}, fmt.Errorf("jupyter in %s not listening on %s: %w", name, ep, err)
	}
	log.Printf("[containers] jupyter for %s listening on %s", name, ep)
	return ep, nil
}

// StopJupyter ends the container's JupyterLab tmux session. A container
// without one is not an error.
func (s *Service) StopJupyter(ctx context.Context, name string) error {
	if err := ValidateArg("name", name); err != nil {
		return err
	}
	engine, err := s.dockerEngine()
	if err != nil {
		return err
	}
	id, err := engine.ContainerID(ctx, name)
	if errors.Is(err, ErrContainerNotRunning) {
		return nil
	}
	if err != nil {
		return err
	}
	cmd := fmt.Sprintf("tmux kill-session -t %s 2>/dev/null || true", shellquote.Join(JupyterSession(name)))
	return s.exec(ctx, engine, id, cmd)
}

func (s *Service) exec(ctx context.Context, engine Engine, id, script string) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.CommandTimeout)
	defer cancel()
	res, err := engine.Exec(ctx, id, []string{"bash", "-lc", script})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("exit %d: %s", res.ExitCode, logutil.Tail(strings.TrimSpace(res.Output), 300))
	}
	return nil
}

// waitListening polls ep from the compute server until it accepts a
// connection or ctx ends. It gives up after the command timeout.
func (s *Service) waitListening(ctx context.Context, ep tunnel.Endpoint) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.CommandTimeout)
	defer cancel()
	addr := net.JoinHostPort(ep.Host, strconv.Itoa(ep.Port))
	tick := time.NewTicker(250 * time.Millisecond)
	defer tick.Stop()
	for {
		if c, err := dialContext(ctx, s.runner, "tcp", addr); err == nil {
			c.Close()
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
}
