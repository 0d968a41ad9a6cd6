package remote

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kballard/go-shellquote"
	"golang.org/x/crypto/ssh"
)

const (
	testUser     = "alice"
	testPassword = "hunter2"
)

// testServer is an in-process SSH server with password auth, exec and
// shell sessions, and direct-tcpip forwarding.
type testServer struct {
	addr          string
	hostKey       ssh.PublicKey
	dropKeepalive atomic.Bool
	// release unblocks "sleep" commands; closed on cleanup.
	release chan struct{}

	mu       sync.Mutex
	netConns []net.Conn
	execs    []string

	cleanup func()
}

func (ts *testServer) target(t *testing.T) Target {
	t.Helper()
	host, portStr, err := net.SplitHostPort(ts.addr)
	if err != nil {
		t.Fatalf("split %s: %v", ts.addr, err)
	}
	port, _ := strconv.Atoi(portStr)
	return Target{Host: host, Port: port}
}

func (ts *testServer) closeAllConns() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for _, c := range ts.netConns {
		c.Close()
	}
	ts.netConns = nil
}

func (ts *testServer) executed() []string {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return append([]string(nil), ts.execs...)
}

func startTestServer(t *testing.T) *testServer {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	hostSigner, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("host signer: %v", err)
	}

	config := &ssh.ServerConfig{
		PasswordCallback: func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if conn.User() == testUser && string(password) == testPassword {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("password rejected for %q", conn.User())
		},
	}
	config.AddHostKey(hostSigner)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ts := &testServer{addr: listener.Addr().String(), hostKey: hostSigner.PublicKey(), release: make(chan struct{})}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			netConn, err := listener.Accept()
			if err != nil {
				return
			}
			ts.mu.Lock()
			ts.netConns = append(ts.netConns, netConn)
			ts.mu.Unlock()
			go ts.handleConn(netConn, config)
		}
	}()

	ts.cleanup = func() {
		close(ts.release)
		listener.Close()
		ts.closeAllConns()
		<-done
	}
	t.Cleanup(ts.cleanup)
	return ts
}

func (ts *testServer) handleConn(netConn net.Conn, config *ssh.ServerConfig) {
	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, config)
	if err != nil {
		netConn.Close()
		return
	}
	defer sshConn.Close()

	go func() {
		for req := range reqs {
			if ts.dropKeepalive.Load() {
				continue
			}
			if req.WantReply {
				req.Reply(true, nil)
			}
		}
	}()

	for newChan := range chans {
		switch newChan.ChannelType() {
		case "session":
			ch, requests, err := newChan.Accept()
			if err != nil {
				continue
			}
			go ts.handleSession(ch, requests)
		case "direct-tcpip":
			var target struct {
				Host     string
				Port     uint32
				OrigHost string
				OrigPort uint32
			}
			if err := ssh.Unmarshal(newChan.ExtraData(), &target); err != nil {
				newChan.Reject(ssh.ConnectionFailed, "bad payload")
				continue
			}
			addr := net.JoinHostPort(target.Host, strconv.Itoa(int(target.Port)))
			conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
			if err != nil {
				newChan.Reject(ssh.ConnectionFailed, err.Error())
				continue
			}
			ch, _, err := newChan.Accept()
			if err != nil {
				conn.Close()
				continue
			}
			go relay(ch, conn)
		default:
			newChan.Reject(ssh.UnknownChannelType, "unknown channel type")
		}
	}
}

func relay(ch ssh.Channel, conn net.Conn) {
	defer ch.Close()
	defer conn.Close()
	done := make(chan struct{}, 2)
	go func() { io.Copy(ch, conn); done <- struct{}{} }()
	go func() { io.Copy(conn, ch); done <- struct{}{} }()
	<-done
}

func (ts *testServer) handleSession(ch ssh.Channel, requests <-chan *ssh.Request) {
	for req := range requests {
		switch req.Type {
		case "pty-req", "env", "window-change", "signal":
			if req.WantReply {
				req.Reply(true, nil)
			}
		case "exec":
			var payload struct{ Command string }
			ssh.Unmarshal(req.Payload, &payload)
			if req.WantReply {
				req.Reply(true, nil)
			}
			ts.mu.Lock()
			ts.execs = append(ts.execs, payload.Command)
			ts.mu.Unlock()
			go func() {
				defer ch.Close()
				code := runTestCommand(ch, payload.Command, ts.release)
				ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{code}))
			}()
		case "shell":
			if req.WantReply {
				req.Reply(true, nil)
			}
			go func() {
				defer ch.Close()
				io.Copy(ch, ch)
			}()
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

// runTestCommand implements a tiny command set behind `bash -lc`.
func runTestCommand(ch ssh.Channel, command string, release <-chan struct{}) uint32 {
	words, err := shellquote.Split(command)
	if err != nil || len(words) != 3 || words[0] != "bash" || words[1] != "-lc" {
		fmt.Fprintf(ch.Stderr(), "unexpected command %q\n", command)
		return 127
	}
	inner := words[2]
	switch {
	case strings.HasPrefix(inner, "echo "):
		fmt.Fprintln(ch, strings.TrimPrefix(inner, "echo "))
		return 0
	case strings.HasPrefix(inner, "exit "):
		n, _ := strconv.Atoi(strings.TrimPrefix(inner, "exit "))
		fmt.Fprintln(ch.Stderr(), "boom")
		return uint32(n)
	case inner == "sleep":
		// Blocks until the server shuts down, whatever happens on stdin.
		<-release
		return 0
	case strings.HasPrefix(inner, "mlc-remove "):
		fmt.Fprint(ch, "Are you sure you want to delete the container? [Y/n] ")
		line := readLine(ch)
		if line == "Y" {
			fmt.Fprintln(ch, "Deleted.")
			return 0
		}
		fmt.Fprintln(ch, "Aborted.")
		return 1
	case inner == "noprompt":
		fmt.Fprintln(ch, "container not found")
		return 1
	case inner == "hang-after-prompt":
		fmt.Fprint(ch, "Continue? [Y/n] ")
		io.Copy(io.Discard, ch)
		time.Sleep(10 * time.Second)
		return 0
	}
	fmt.Fprintf(ch.Stderr(), "%s: command not found\n", inner)
	return 127
}

func readLine(r io.Reader) string {
	var sb strings.Builder
	b := make([]byte, 1)
	for {
		n, err := r.Read(b)
		if n == 1 {
			if b[0] == '\n' {
				return strings.TrimSpace(sb.String())
			}
			sb.WriteByte(b[0])
		}
		if err != nil {
			return strings.TrimSpace(sb.String())
		}
	}
}
