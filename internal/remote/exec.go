package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/kballard/go-shellquote"
	"golang.org/x/crypto/ssh"

	"github.com/nimathing2052/HGPU/internal/logutil"
)

// ErrNoPrompt is returned by RunInteractive when the command finished
// without ever printing the expected prompt.
var ErrNoPrompt = errors.New("expected prompt not seen")

// Result is the outcome of a remote command.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// OK reports a zero exit status.
func (r Result) OK() bool { return r.ExitCode == 0 }

// Output returns stdout, or stderr when stdout is empty, trimmed.
func (r Result) Output() string {
	if s := strings.TrimSpace(r.Stdout); s != "" {
		return s
	}
	return strings.TrimSpace(r.Stderr)
}

// LoginShell wraps cmd so it runs under `bash -lc`, picking up the user's
// profile (PATH entries for container tooling live there).
func LoginShell(cmd string) string {
	return shellquote.Join("bash", "-lc", cmd)
}

// Run executes cmd in a login shell and waits for it or for ctx. A non-zero
// exit status is reported in Result, not as an error. On ctx expiry the
// remote process is signalled and the channel closed.
func (c *Conn) Run(ctx context.Context, cmd string) (Result, error) {
	if !c.Alive() {
		return Result{}, ErrClosed
	}
	sess, err := c.client.NewSession()
	if err != nil {
		return Result{}, fmt.Errorf("open session: %w", err)
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	if err := sess.Start(LoginShell(cmd)); err != nil {
		return Result{}, fmt.Errorf("start %q: %w", commandName(cmd), err)
	}

	done := make(chan error, 1)
	go func() { done <- sess.Wait() }()

	select {
	case err := <-done:
		return exitResult(err, stdout.String(), stderr.String(), cmd)
	case <-ctx.Done():
		sess.Signal(ssh.SIGKILL)
		sess.Close()
		return Result{ExitCode: -1}, fmt.Errorf("run %q: %w", commandName(cmd), ctx.Err())
	}
}

func exitResult(err error, stdout, stderr, cmd string) (Result, error) {
	res := Result{Stdout: stdout, Stderr: stderr}
	if err == nil {
		return res, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitStatus()
		return res, nil
	}
	res.ExitCode = -1
	return res, fmt.Errorf("run %q: %w", commandName(cmd), err)
}

// commandName is the first word of cmd, safe for logs and errors.
func commandName(cmd string) string {
	words, err := shellquote.Split(cmd)
	if err != nil || len(words) == 0 {
		return logutil.Tail(logutil.SanitizeForLog(cmd), 40)
	}
	return logutil.SanitizeForLog(words[0])
}

// Prompt is the second phase of an interactive command: wait until the
// output contains Expect, then type Respond followed by a newline.
type Prompt struct {
	Expect  string
	Respond string
}

// InteractiveResult adds whether the prompt was answered.
type InteractiveResult struct {
	Result
	Prompted bool
}

// RunInteractive runs cmd on a pseudo-terminal, answers the prompt once and
// waits for the command to finish. Both phases are bounded by ctx. If the
// command exits without prompting, the result is returned with ErrNoPrompt.
func (c *Conn) RunInteractive(ctx context.Context, cmd string, p Prompt) (InteractiveResult, error) {
	if !c.Alive() {
		return InteractiveResult{}, ErrClosed
	}
	sess, err := c.client.NewSession()
	if err != nil {
		return InteractiveResult{}, fmt.Errorf("open session: %w", err)
	}
	defer sess.Close()

	if err := sess.RequestPty("xterm", 40, 120, ssh.TerminalModes{ssh.ECHO: 0}); err != nil {
		return InteractiveResult{}, fmt.Errorf("request pty: %w", err)
	}
	stdin, err := sess.StdinPipe()
	if err != nil {
		return InteractiveResult{}, fmt.Errorf("stdin pipe: %w", err)
	}
	out := newPromptWatcher(p.Expect)
	sess.Stdout = out
	sess.Stderr = out

	if err := sess.Start(LoginShell(cmd)); err != nil {
		return InteractiveResult{}, fmt.Errorf("start %q: %w", commandName(cmd), err)
	}
	done := make(chan error, 1)
	go func() { done <- sess.Wait() }()

	abort := func() (InteractiveResult, error) {
		sess.Signal(ssh.SIGKILL)
		sess.Close()
		return InteractiveResult{Result: Result{ExitCode: -1, Stdout: out.String()}}, fmt.Errorf("run %q: %w", commandName(cmd), ctx.Err())
	}

	// Phase one: the prompt.
	select {
	case <-out.seen:
	case err := <-done:
		res, rerr := exitResult(err, out.String(), "", cmd)
		if rerr != nil {
			return InteractiveResult{Result: res}, rerr
		}
		return InteractiveResult{Result: res}, ErrNoPrompt
	case <-ctx.Done():
		return abort()
	}

	if _, err := io.WriteString(stdin, p.Respond+"\n"); err != nil {
		return InteractiveResult{Result: Result{ExitCode: -1, Stdout: out.String()}}, fmt.Errorf("answer prompt: %w", err)
	}
	stdin.Close()

	// Phase two: completion.
	select {
	case err := <-done:
		res, rerr := exitResult(err, out.String(), "", cmd)
		return InteractiveResult{Result: res, Prompted: true}, rerr
	case <-ctx.Done():
		r, err := abort()
		r.Prompted = true
		return r, err
	}
}

// promptWatcher collects output and closes seen the first time expect
// appears in it.
type promptWatcher struct {
	expect string

	mu   sync.Mutex
	buf  bytes.Buffer
	seen chan struct{}
	hit  bool
}

func newPromptWatcher(expect string) *promptWatcher {
	return &promptWatcher{expect: strings.ToLower(expect), seen: make(chan struct{})}
}

func (w *promptWatcher) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	if !w.hit && strings.Contains(strings.ToLower(w.buf.String()), w.expect) {
		w.hit = true
		close(w.seen)
	}
	return len(p), nil
}

func (w *promptWatcher) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

// Shell is an interactive login shell on a pseudo-terminal.
type Shell struct {
	sess   *ssh.Session
	Stdin  io.WriteCloser
	Stdout io.Reader
}

// OpenShell starts a login shell sized cols x rows.
func (c *Conn) OpenShell(cols, rows int) (*Shell, error) {
	if !c.Alive() {
		return nil, ErrClosed
	}
	sess, err := c.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	if err := sess.RequestPty("xterm-256color", rows, cols, ssh.TerminalModes{ssh.ECHO: 1}); err != nil {
		sess.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}
	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := sess.Shell(); err != nil {
		sess.Close()
		return nil, fmt.Errorf("start shell: %w", err)
	}
	return &Shell{sess: sess, Stdin: stdin, Stdout: stdout}, nil
}

// Resize changes the terminal size.
func (s *Shell) Resize(cols, rows int) error {
	return s.sess.WindowChange(rows, cols)
}

// Wait blocks until the shell exits.
func (s *Shell) Wait() error { return s.sess.Wait() }

// Close ends the shell.
func (s *Shell) Close() error {
	err := s.sess.Close()
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
