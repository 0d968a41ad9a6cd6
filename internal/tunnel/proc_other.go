//go:build !unix

package tunnel

import (
	"os"
	"os/exec"
)

func setProcessGroup(cmd *exec.Cmd) {}

func signalGroup(p *os.Process, kill bool) error {
	if p == nil {
		return nil
	}
	if kill {
		return ignoreDone(p.Kill())
	}
	return ignoreDone(p.Signal(os.Interrupt))
}
