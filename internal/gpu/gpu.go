// Package gpu reads GPU load from the compute server.
package gpu

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/docker/go-units"

	"github.com/nimathing2052/HGPU/internal/remote"
)

// Query is the nvidia-smi invocation whose output Parse understands.
const Query = "nvidia-smi --query-gpu=index,utilization.gpu,memory.used,memory.total --format=csv,noheader,nounits"

// ErrNoGPUs is returned when nvidia-smi reported nothing usable.
var ErrNoGPUs = errors.New("no GPUs reported")

// GPU is one device's load.
type GPU struct {
	Index       int   `json:"index"`
	Utilization int   `json:"utilization"`
	MemoryUsed  int64 `json:"memory_used_mib"`
	MemoryTotal int64 `json:"memory_total_mib"`
}

// MemoryFree returns free memory in MiB.
func (g GPU) MemoryFree() int64 { return max(g.MemoryTotal-g.MemoryUsed, 0) }

// Summary renders the device as "GPU 1: 37% util, 3.2GiB / 24GiB".
func (g GPU) Summary() string {
	return fmt.Sprintf("GPU %d: %d%% util, %s / %s", g.Index, g.Utilization,
		units.BytesSize(float64(g.MemoryUsed*units.MiB)),
		units.BytesSize(float64(g.MemoryTotal*units.MiB)))
}

// Parse reads nvidia-smi CSV output. Malformed lines are skipped.
func Parse(out string) []GPU {
	var gpus []GPU
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Split(line, ",")
		if len(fields) < 4 {
			continue
		}
		var vals [4]int64
		ok := true
		for i := range vals {
			v, err := strconv.ParseInt(strings.TrimSpace(fields[i]), 10, 64)
			if err != nil {
				ok = false
				break
			}
			vals[i] = v
		}
		if !ok {
			continue
		}
		gpus = append(gpus, GPU{
			Index:       int(vals[0]),
			Utilization: int(vals[1]),
			MemoryUsed:  vals[2],
			MemoryTotal: vals[3],
		})
	}
	return gpus
}

// LeastLoaded returns the GPU with the lowest utilization, breaking ties
// by memory used.
func LeastLoaded(gpus []GPU) (GPU, error) {
	if len(gpus) == 0 {
		return GPU{}, ErrNoGPUs
	}
	best := gpus[0]
	for _, g := range gpus[1:] {
		if g.Utilization < best.Utilization ||
			(g.Utilization == best.Utilization && g.MemoryUsed < best.MemoryUsed) {
			best = g
		}
	}
	return best, nil
}

// Runner runs a command on the compute server.
type Runner interface {
	Run(ctx context.Context, cmd string) (remote.Result, error)
}

// Usage queries the current load of every GPU.
func Usage(ctx context.Context, r Runner) ([]GPU, error) {
	res, err := r.Run(ctx, Query)
	if err != nil {
		return nil, fmt.Errorf("query gpus: %w", err)
	}
	if !res.OK() {
		return nil, fmt.Errorf("nvidia-smi exited %d: %s", res.ExitCode, res.Output())
	}
	gpus := Parse(res.Stdout)
	if len(gpus) == 0 {
		return nil, ErrNoGPUs
	}
	return gpus, nil
}
