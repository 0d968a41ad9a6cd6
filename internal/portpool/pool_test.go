package portpool

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestPool(t *testing.T, start, end int, opts ...Option) *Pool {
	t.Helper()
	p, err := New(start, end, opts...)
	if err != nil {
		t.Fatalf("New(%d, %d): %v", start, end, err)
	}
	return p
}

func TestNewRejectsBadRange(t *testing.T) {
	for _, r := range [][2]int{{0, 10}, {9100, 9000}, {65000, 70000}} {
		if _, err := New(r[0], r[1]); err == nil {
			t.Errorf("New(%d, %d) = nil error", r[0], r[1])
		}
	}
}

func TestLeaseExhaustsOnCall101(t *testing.T) {
	p := newTestPool(t, 9000, 9099)

	var ports []int
	for i := 0; i < 100; i++ {
		l, err := p.Lease("s1")
		if err != nil {
			t.Fatalf("Lease #%d: %v", i+1, err)
		}
		ports = append(ports, l.Port)
	}

	_, err := p.Lease("s1")
	if !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("Lease #101 = %v, want ErrPoolExhausted", err)
	}
	if s := p.Stats(); s.Leased != 100 || s.Free != 0 {
		t.Errorf("Stats() = %+v, want 100 leased", s)
	}

	report := p.ReleaseAll(context.Background(), ports)
	if report.Requested != 100 || report.Released != 100 {
		t.Errorf("ReleaseAll report = %+v", report)
	}
	if _, err := p.Lease("s2"); err != nil {
		t.Fatalf("Lease after ReleaseAll: %v", err)
	}
}

func TestLeaseRoundRobin(t *testing.T) {
	p := newTestPool(t, 9000, 9002)

	a, _ := p.Lease("x")
	p.Release(a)
	b, _ := p.Lease("x")
	if b.Port == a.Port {
		t.Errorf("released port %d handed out again immediately", a.Port)
	}
}

func TestReleaseIdempotent(t *testing.T) {
	p := newTestPool(t, 9000, 9009)

	l, _ := p.Lease("x")
	if !p.Release(l) {
		t.Fatal("first Release = false")
	}
	if p.Release(l) {
		t.Fatal("second Release = true, want no-op")
	}
	if p.Stats().Leased != 0 {
		t.Errorf("Leased = %d after double release", p.Stats().Leased)
	}
}

func TestReleaseStaleLeaseKeepsNewHolder(t *testing.T) {
	p := newTestPool(t, 9000, 9000)

	old, _ := p.Lease("old")
	p.ReleaseAll(context.Background(), []int{old.Port})

	cur, err := p.Lease("new")
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	if cur.Port != old.Port {
		t.Fatalf("single-port pool leased %d, want %d", cur.Port, old.Port)
	}

	if p.Release(old) {
		t.Fatal("stale Release freed the new holder's port")
	}
	if got := p.Leases(); len(got) != 1 || got[0].Owner != "new" {
		t.Errorf("Leases() = %+v, want one lease owned by new", got)
	}
}

func TestConcurrentLeaseNoDoubleLease(t *testing.T) {
	p := newTestPool(t, 9000, 9049)

	var (
		mu    sync.Mutex
		held  = make(map[int]string)
		wg    sync.WaitGroup
		fails = make(chan string, 64)
	)
	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			owner := fmt.Sprintf("w%d", w)
			for i := 0; i < 200; i++ {
				l, err := p.Lease(owner)
				if err != nil {
					continue
				}
				mu.Lock()
				if prev, ok := held[l.Port]; ok {
					select {
					case fails <- fmt.Sprintf("port %d leased to %s while held by %s", l.Port, owner, prev):
					default:
					}
				}
				held[l.Port] = owner
				mu.Unlock()

				mu.Lock()
				delete(held, l.Port)
				mu.Unlock()
				p.Release(l)
			}
		}(w)
	}
	wg.Wait()
	close(fails)
	for f := range fails {
		t.Error(f)
	}
	if s := p.Stats(); s.Leased != 0 {
		t.Errorf("Leased = %d after all releases", s.Leased)
	}
}

func TestConcurrentReleaseAndReleaseAll(t *testing.T) {
	p := newTestPool(t, 9000, 9099)

	var leases []Lease
	for i := 0; i < 100; i++ {
		l, _ := p.Lease("x")
		leases = append(leases, l)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for _, l := range leases {
			p.Release(l)
		}
	}()
	go func() {
		defer wg.Done()
		p.ReleaseAll(context.Background(), p.Leased())
	}()
	wg.Wait()

	if s := p.Stats(); s.Leased != 0 || s.Free != 100 {
		t.Errorf("Stats() = %+v, want all free", s)
	}
}

func TestProbeSkipsBoundPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	busy := ln.Addr().(*net.TCPAddr).Port
	if busy >= 65535 {
		t.Skip("ephemeral port at top of range")
	}

	p := newTestPool(t, busy, busy+1, WithProbe(true))
	l, err := p.Lease("x")
	if err != nil {
		t.Skipf("neighbouring port %d also busy: %v", busy+1, err)
	}
	if l.Port == busy {
		t.Fatalf("Lease returned port %d that is already bound", busy)
	}
}

type fakeReclaimer struct {
	held  []int
	err   error
	delay time.Duration
	calls int
	mu    sync.Mutex
}

func (f *fakeReclaimer) Reclaim(ctx context.Context, ports []int) ([]int, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ports, ctx.Err()
		}
	}
	return f.held, f.err
}

func TestReleaseAllSingleReclaimPass(t *testing.T) {
	r := &fakeReclaimer{held: []int{9003}}
	p := newTestPool(t, 9000, 9009, WithReclaimer(r, time.Second))

	var ports []int
	for i := 0; i < 5; i++ {
		l, _ := p.Lease("x")
		ports = append(ports, l.Port)
	}

	report := p.ReleaseAll(context.Background(), ports)
	if r.calls != 1 {
		t.Errorf("reclaimer called %d times, want 1", r.calls)
	}
	if len(report.Unconfirmed) != 1 || report.Unconfirmed[0] != 9003 {
		t.Errorf("Unconfirmed = %v, want [9003]", report.Unconfirmed)
	}
	if p.Stats().Leased != 0 {
		t.Error("unconfirmed ports must still be free in the pool")
	}
}

func TestReleaseAllBoundedByReclaimTimeout(t *testing.T) {
	r := &fakeReclaimer{delay: time.Minute}
	p := newTestPool(t, 9000, 9009, WithReclaimer(r, 100*time.Millisecond))

	l, _ := p.Lease("x")
	start := time.Now()
	report := p.ReleaseAll(context.Background(), []int{l.Port})
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("ReleaseAll took %s, want ~100ms", elapsed)
	}
	if len(report.Unconfirmed) != 1 || report.Err == "" {
		t.Errorf("report = %+v, want port unconfirmed with error", report)
	}
}
