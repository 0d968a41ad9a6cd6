package tunnel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nimathing2052/HGPU/internal/logutil"
)

// ProcessBackend runs each forward as `sshpass -e ssh -N -L ...`. The
// password reaches sshpass through the SSHPASS environment variable and is
// never placed on the command line. Neither the backend nor the forwarder
// keeps it once the child is running.
type ProcessBackend struct {
	SSHBinary     string
	SSHPassBinary string
	Host          string
	Port          int
	User          string

	// Password returns the login password when a forward starts. Keeping it
	// a func lets callers hold the credential sealed until it is needed.
	Password func() (string, error)

	KeepaliveInterval time.Duration
	KnownHostsPath    string

	// Build overrides the command construction. Used by tests.
	Build func(fwd Forward) *exec.Cmd
}

// Name implements Backend.
func (b *ProcessBackend) Name() string { return "process" }

// Args returns the ssh argument list for fwd, without the sshpass prefix.
func (b *ProcessBackend) Args(fwd Forward) []string {
	alive := b.KeepaliveInterval
	if alive <= 0 {
		alive = 15 * time.Second
	}
	args := []string{
		"-N",
		"-o", "ExitOnForwardFailure=yes",
		"-o", fmt.Sprintf("ServerAliveInterval=%d", int(alive.Seconds())),
		"-o", "ServerAliveCountMax=3",
		"-o", "NumberOfPasswordPrompts=1",
	}
	if b.KnownHostsPath != "" {
		args = append(args, "-o", "UserKnownHostsFile="+b.KnownHostsPath, "-o", "StrictHostKeyChecking=yes")
	} else {
		args = append(args, "-o", "StrictHostKeyChecking=accept-new")
	}
	if b.Port > 0 {
		args = append(args, "-p", strconv.Itoa(b.Port))
	}
	args = append(args,
		"-L", fmt.Sprintf("127.0.0.1:%d:%s:%d", fwd.LocalPort, fwd.Remote.Host, fwd.Remote.Port),
		b.User+"@"+b.Host,
	)
	return args
}

// Start implements Backend. The child is not tied to ctx: it must outlive
// the request that opened it and is stopped only through the Forwarder.
func (b *ProcessBackend) Start(ctx context.Context, fwd Forward) (Forwarder, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var secret string
	if b.Password != nil {
		pw, err := b.Password()
		if err != nil {
			return nil, fmt.Errorf("credentials: %w", err)
		}
		secret = pw
	}

	var cmd *exec.Cmd
	ownEnv := false
	if b.Build != nil {
		cmd = b.Build(fwd)
	} else {
		sshpass := b.SSHPassBinary
		if sshpass == "" {
			sshpass = "sshpass"
		}
		ssh := b.SSHBinary
		if ssh == "" {
			ssh = "ssh"
		}
		cmd = exec.Command(sshpass, append([]string{"-e", ssh}, b.Args(fwd)...)...)
		cmd.Env = append(os.Environ(), "SSHPASS="+secret)
		ownEnv = true
	}

	f := &processForwarder{cmd: cmd, done: make(chan struct{}), password: b.Password}
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = &f.stderr
	setProcessGroup(cmd)

	err := cmd.Start()
	if ownEnv {
		// The child has its copy.
		cmd.Env = nil
	}
	if err != nil {
		return nil, fmt.Errorf("spawn %s: %w", cmd.Path, err)
	}
	go f.wait()
	return f, nil
}

type processForwarder struct {
	cmd    *exec.Cmd
	done   chan struct{}
	stderr limitedBuffer
	// password is reopened only to scrub a failed child's stderr.
	password func() (string, error)

	mu  sync.Mutex
	err error
}

func (f *processForwarder) wait() {
	err := f.cmd.Wait()
	if err != nil {
		if out := strings.TrimSpace(f.stderr.String()); out != "" {
			out = logutil.SanitizeForLog(f.redact(out))
			err = fmt.Errorf("%w: %s", err, logutil.Tail(out, 300))
		}
	}
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
	close(f.done)
}

func (f *processForwarder) redact(s string) string {
	if f.password == nil {
		return s
	}
	pw, err := f.password()
	if err != nil {
		return "(output withheld)"
	}
	return logutil.Redact(s, pw)
}

func (f *processForwarder) Terminate() error {
	return signalGroup(f.cmd.Process, false)
}

func (f *processForwarder) Kill() error {
	return signalGroup(f.cmd.Process, true)
}

func (f *processForwarder) Done() <-chan struct{} { return f.done }

func (f *processForwarder) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *processForwarder) Pid() int {
	if f.cmd.Process == nil {
		return 0
	}
	return f.cmd.Process.Pid
}

// limitedBuffer keeps the first few KiB of a child's stderr.
type limitedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

const stderrLimit = 4096

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := stderrLimit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func ignoreDone(err error) error {
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}
