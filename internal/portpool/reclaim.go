package portpool

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
)

// Reclaimer frees ports at the OS level. It returns the ports that are still
// bound by some other process once it is done.
type Reclaimer interface {
	Reclaim(ctx context.Context, ports []int) (stillHeld []int, err error)
}

// LsofReclaimer finds listeners with a single lsof scan over the span of the
// requested ports and kills their processes. It never kills the current
// process; ports this process listens on itself are closed by their owners.
type LsofReclaimer struct {
	Binary string

	// Kill terminates a pid. Defaults to SIGKILL via os.Process.Kill.
	Kill func(pid int) error

	// scan is replaced in tests.
	scan func(ctx context.Context, lo, hi int) ([]byte, error)
}

// NewLsofReclaimer returns a reclaimer using the given lsof binary.
func NewLsofReclaimer(binary string) *LsofReclaimer {
	if binary == "" {
		binary = "lsof"
	}
	return &LsofReclaimer{Binary: binary}
}

// Reclaim implements Reclaimer.
func (r *LsofReclaimer) Reclaim(ctx context.Context, ports []int) ([]int, error) {
	if len(ports) == 0 {
		return nil, nil
	}
	want := make(map[int]bool, len(ports))
	lo, hi := ports[0], ports[0]
	for _, p := range ports {
		want[p] = true
		lo, hi = min(lo, p), max(hi, p)
	}

	owners, err := r.listeners(ctx, lo, hi, want)
	if err != nil {
		return nil, err
	}
	if len(owners) == 0 {
		return nil, nil
	}

	kill := r.Kill
	if kill == nil {
		kill = killPid
	}
	var errs []error
	for pid := range owners {
		if err := kill(pid); err != nil {
			errs = append(errs, fmt.Errorf("kill pid %d: %w", pid, err))
		}
	}

	// Second scan confirms which ports are actually unbound now.
	remaining, err := r.listeners(ctx, lo, hi, want)
	if err != nil {
		return heldPorts(owners), errors.Join(append(errs, err)...)
	}
	return heldPorts(remaining), errors.Join(errs...)
}

// listeners maps foreign pids to the wanted ports they listen on.
func (r *LsofReclaimer) listeners(ctx context.Context, lo, hi int, want map[int]bool) (map[int][]int, error) {
	scan := r.scan
	if scan == nil {
		scan = r.runLsof
	}
	out, err := scan(ctx, lo, hi)
	if err != nil {
		return nil, err
	}

	self := os.Getpid()
	owners := make(map[int][]int)
	for pid, ports := range parseLsof(out) {
		if pid == self {
			continue
		}
		for _, p := range ports {
			if want[p] {
				owners[pid] = append(owners[pid], p)
			}
		}
	}
	return owners, nil
}

func (r *LsofReclaimer) runLsof(ctx context.Context, lo, hi int) ([]byte, error) {
	cmd := exec.CommandContext(ctx, r.Binary, "-nP", "-F", "pn",
		fmt.Sprintf("-iTCP:%d-%d", lo, hi), "-sTCP:LISTEN")
	out, err := cmd.Output()
	if err != nil {
		// lsof exits 1 when nothing matched.
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 && len(bytes.TrimSpace(exitErr.Stderr)) == 0 {
			return out, nil
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("lsof scan: %w", ctx.Err())
		}
		return nil, fmt.Errorf("lsof scan: %w", err)
	}
	return out, nil
}

// parseLsof reads lsof -F pn output: a "p<pid>" line followed by one
// "n<addr>:<port>" line per socket.
func parseLsof(out []byte) map[int][]int {
	owners := make(map[int][]int)
	pid := 0
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		switch line[0] {
		case 'p':
			n, err := strconv.Atoi(line[1:])
			if err != nil {
				pid = 0
				continue
			}
			pid = n
		case 'n':
			if pid == 0 {
				continue
			}
			name := line[1:]
			if i := strings.Index(name, "->"); i >= 0 {
				name = name[:i]
			}
			i := strings.LastIndexByte(name, ':')
			if i < 0 {
				continue
			}
			port, err := strconv.Atoi(name[i+1:])
			if err != nil {
				continue
			}
			owners[pid] = append(owners[pid], port)
		}
	}
	return owners
}

func heldPorts(owners map[int][]int) []int {
	seen := make(map[int]bool)
	var out []int
	for _, ports := range owners {
		for _, p := range ports {
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	sort.Ints(out)
	return out
}

func killPid(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	if err := proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}
