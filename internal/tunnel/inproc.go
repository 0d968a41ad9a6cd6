package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"sync"
)

// RemoteDialer opens connections from the compute server's side. An
// *ssh.Client satisfies it.
type RemoteDialer interface {
	Dial(network, addr string) (net.Conn, error)
}

// InProcBackend forwards inside this process: it listens on the local port
// and opens a channel over the session's SSH connection for every accepted
// connection.
type InProcBackend struct {
	Client RemoteDialer
}

// Name implements Backend.
func (b *InProcBackend) Name() string { return "inproc" }

// Start implements Backend. It first checks that the remote endpoint accepts
// a connection so that a refused endpoint fails the open instead of every
// later connection.
func (b *InProcBackend) Start(ctx context.Context, fwd Forward) (Forwarder, error) {
	if err := probeRemote(ctx, b.Client, fwd.Remote.String()); err != nil {
		return nil, err
	}

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(fwd.LocalPort))
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	f := &inprocForwarder{
		client: b.Client,
		remote: fwd.Remote.String(),
		ln:     ln,
		conns:  make(map[net.Conn]struct{}),
		done:   make(chan struct{}),
	}
	go f.acceptLoop()
	return f, nil
}

func probeRemote(ctx context.Context, client RemoteDialer, addr string) error {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		c, err := client.Dial("tcp", addr)
		ch <- result{c, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			return fmt.Errorf("remote %s refused: %w", addr, r.err)
		}
		r.conn.Close()
		return nil
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.conn != nil {
				r.conn.Close()
			}
		}()
		return fmt.Errorf("probe remote %s: %w", addr, ctx.Err())
	}
}

type inprocForwarder struct {
	client RemoteDialer
	remote string
	ln     net.Listener

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	wg     sync.WaitGroup
	done   chan struct{}
	killed bool
	err    error
}

func (f *inprocForwarder) acceptLoop() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				log.Printf("[tunnel] accept on %s: %v", f.ln.Addr(), err)
				f.mu.Lock()
				f.err = err
				f.mu.Unlock()
			}
			break
		}
		if !f.track(conn) {
			conn.Close()
			break
		}
		f.wg.Add(1)
		go f.forwardConnection(conn)
	}
	f.wg.Wait()
	close(f.done)
}

func (f *inprocForwarder) track(c net.Conn) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.killed {
		return false
	}
	f.conns[c] = struct{}{}
	return true
}

func (f *inprocForwarder) untrack(c net.Conn) {
	f.mu.Lock()
	delete(f.conns, c)
	f.mu.Unlock()
}

// forwardConnection relays one local connection over a new SSH channel.
func (f *inprocForwarder) forwardConnection(local net.Conn) {
	defer f.wg.Done()
	defer f.untrack(local)
	defer local.Close()

	remote, err := f.client.Dial("tcp", f.remote)
	if err != nil {
		log.Printf("[tunnel] dial %s over ssh: %v", f.remote, err)
		return
	}
	f.mu.Lock()
	if f.killed {
		f.mu.Unlock()
		remote.Close()
		return
	}
	f.conns[remote] = struct{}{}
	f.mu.Unlock()
	defer f.untrack(remote)
	defer remote.Close()

	done := make(chan struct{}, 2)
	go func() {
		io.Copy(remote, local)
		done <- struct{}{}
	}()
	go func() {
		io.Copy(local, remote)
		done <- struct{}{}
	}()
	<-done
}

// Terminate stops accepting; open connections drain on their own.
func (f *inprocForwarder) Terminate() error {
	err := f.ln.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Kill stops accepting and cuts every open connection.
func (f *inprocForwarder) Kill() error {
	f.mu.Lock()
	f.killed = true
	conns := make([]net.Conn, 0, len(f.conns))
	for c := range f.conns {
		conns = append(conns, c)
	}
	f.mu.Unlock()

	f.Terminate()
	for _, c := range conns {
		c.Close()
	}
	return nil
}

func (f *inprocForwarder) Done() <-chan struct{} { return f.done }

func (f *inprocForwarder) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *inprocForwarder) Pid() int { return 0 }
