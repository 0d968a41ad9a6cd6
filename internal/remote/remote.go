// Package remote owns the authenticated SSH connection to the compute server.
//
// A Conn wraps one *ssh.Client with a keepalive loop that tracks liveness,
// login-shell command execution with caller deadlines, a two-phase
// interactive mode for commands that ask for confirmation, and an
// interactive shell for the browser terminal.
package remote

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/nimathing2052/HGPU/internal/logutil"
)

var (
	// ErrAuthFailed means the server rejected the credentials.
	ErrAuthFailed = errors.New("authentication failed")
	// ErrUnreachable means no SSH session could be established.
	ErrUnreachable = errors.New("compute server unreachable")
	// ErrClosed is returned by operations on a closed connection.
	ErrClosed = errors.New("connection closed")
)

// Target is the compute server address.
type Target struct {
	Host string
	Port int
}

// Addr returns host:port.
func (t Target) Addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// Credentials are the user's login. They are never logged or persisted; the
// String and GoString methods mask the password.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"-"`
}

func (c Credentials) String() string {
	return fmt.Sprintf("Credentials{Username: %s, Password: ****}", c.Username)
}

func (c Credentials) GoString() string { return c.String() }

// Options tune a connection.
type Options struct {
	ConnectTimeout    time.Duration
	KeepaliveInterval time.Duration
	// KnownHostsPath enables host key verification. Empty accepts any key.
	KnownHostsPath string
}

func (o Options) withDefaults() Options {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.KeepaliveInterval <= 0 {
		o.KeepaliveInterval = 15 * time.Second
	}
	return o
}

// Conn is a live SSH connection to the compute server.
type Conn struct {
	client *ssh.Client
	target Target
	user   string

	alive     atomic.Bool
	lastProbe atomic.Int64

	cancel    context.CancelFunc
	keepDone  chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// Dial connects and authenticates. Failures are ErrAuthFailed or
// ErrUnreachable; neither error text contains the password.
func Dial(ctx context.Context, target Target, creds Credentials, opts Options) (*Conn, error) {
	opts = opts.withDefaults()

	hostKey, err := hostKeyCallback(opts.KnownHostsPath)
	if err != nil {
		return nil, err
	}

	password := creds.Password
	cfg := &ssh.ClientConfig{
		User: creds.Username,
		Auth: []ssh.AuthMethod{
			ssh.Password(password),
			ssh.KeyboardInteractive(func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range questions {
					answers[i] = password
				}
				return answers, nil
			}),
		},
		HostKeyCallback: hostKey,
		Timeout:         opts.ConnectTimeout,
	}

	addr := target.Addr()
	ctx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	defer cancel()

	dialer := net.Dialer{Timeout: opts.ConnectTimeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrUnreachable, addr, err)
	}

	// The handshake has no context of its own.
	stop := context.AfterFunc(ctx, func() { netConn.Close() })
	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, cfg)
	stop()
	if err != nil {
		netConn.Close()
		return nil, classifyHandshakeError(addr, err)
	}

	c := &Conn{
		client:   ssh.NewClient(sshConn, chans, reqs),
		target:   target,
		user:     creds.Username,
		keepDone: make(chan struct{}),
	}
	c.alive.Store(true)
	c.lastProbe.Store(time.Now().UnixNano())

	keepCtx, keepCancel := context.WithCancel(context.Background())
	c.cancel = keepCancel
	go c.keepalive(keepCtx, opts.KeepaliveInterval)

	log.Printf("[remote] connected %s@%s", logutil.SanitizeForLog(creds.Username), addr)
	return c, nil
}

func classifyHandshakeError(addr string, err error) error {
	var keyErr *knownhosts.KeyError
	if errors.As(err, &keyErr) {
		return fmt.Errorf("%w: host key verification failed for %s", ErrUnreachable, addr)
	}
	if strings.Contains(err.Error(), "unable to authenticate") {
		return fmt.Errorf("%w for %s", ErrAuthFailed, addr)
	}
	return fmt.Errorf("%w: ssh handshake with %s: %v", ErrUnreachable, addr, err)
}

func hostKeyCallback(path string) (ssh.HostKeyCallback, error) {
	if path == "" {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	cb, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("load known hosts %s: %w", path, err)
	}
	return cb, nil
}

// keepalive probes the connection until it fails or ctx is cancelled. Each
// probe waits at most one interval for the server's reply.
func (c *Conn) keepalive(ctx context.Context, interval time.Duration) {
	defer close(c.keepDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.probe(ctx, interval); err != nil {
				if ctx.Err() != nil {
					return
				}
				c.alive.Store(false)
				log.Printf("[remote] keepalive failed for %s@%s: %v", logutil.SanitizeForLog(c.user), c.target.Addr(), err)
				return
			}
			c.lastProbe.Store(time.Now().UnixNano())
		}
	}
}

func (c *Conn) probe(ctx context.Context, timeout time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		_, _, err := c.client.SendRequest("keepalive@openssh.com", true, nil)
		errCh <- err
	}()
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case err := <-errCh:
		return err
	case <-t.C:
		return fmt.Errorf("no reply within %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Alive reports whether the last keepalive probe succeeded and the
// connection has not been closed.
func (c *Conn) Alive() bool { return c.alive.Load() }

// LastProbe is when the server last answered a keepalive.
func (c *Conn) LastProbe() time.Time { return time.Unix(0, c.lastProbe.Load()) }

// Target returns the server address.
func (c *Conn) Target() Target { return c.target }

// User returns the login name.
func (c *Conn) User() string { return c.user }

// Dial opens a connection from the server's side, such as "tcp" to a
// container port or "unix" to the docker socket.
func (c *Conn) Dial(network, addr string) (net.Conn, error) {
	if !c.Alive() {
		return nil, ErrClosed
	}
	return c.client.Dial(network, addr)
}

// Close stops the keepalive loop and closes the connection. It is safe to
// call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.alive.Store(false)
		c.cancel()
		c.closeErr = c.client.Close()
		<-c.keepDone
		if errors.Is(c.closeErr, net.ErrClosed) {
			c.closeErr = nil
		}
	})
	return c.closeErr
}
