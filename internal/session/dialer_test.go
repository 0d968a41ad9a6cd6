package session

import (
	"testing"
	"time"

	"github.com/nimathing2052/HGPU/internal/config"
)

func TestNewSSHDialerFromSettings(t *testing.T) {
	cfg := config.Defaults()
	cfg.ServerHost = "gpu.example.org"
	cfg.ServerPort = 2222
	cfg.TunnelMode = config.TunnelModeInProc
	cfg.ConnectTimeout = 3 * time.Second

	d, err := NewSSHDialer(cfg)
	if err != nil {
		t.Fatalf("NewSSHDialer() error: %v", err)
	}
	if d.Target.Host != "gpu.example.org" || d.Target.Port != 2222 {
		t.Errorf("Target = %+v", d.Target)
	}
	if d.Options.ConnectTimeout != 3*time.Second {
		t.Errorf("ConnectTimeout = %s", d.Options.ConnectTimeout)
	}
	if d.Mode != config.TunnelModeInProc || d.sealer == nil {
		t.Errorf("dialer = %+v", d)
	}
}
