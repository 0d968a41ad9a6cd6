package session

import (
	"context"
	"fmt"

	"github.com/nimathing2052/HGPU/internal/config"
	"github.com/nimathing2052/HGPU/internal/remote"
	"github.com/nimathing2052/HGPU/internal/secret"
	"github.com/nimathing2052/HGPU/internal/tunnel"
)

// Dialer authenticates against the compute server and picks the tunnel
// backend for the resulting session.
type Dialer interface {
	Dial(ctx context.Context, creds remote.Credentials) (Connection, tunnel.Backend, error)
}

// SSHDialer is the production Dialer.
type SSHDialer struct {
	Target  remote.Target
	Options remote.Options

	// Mode is config.TunnelModeProcess or config.TunnelModeInProc.
	Mode          string
	SSHBinary     string
	SSHPassBinary string

	sealer *secret.Sealer
}

// NewSSHDialer builds a dialer from settings. Passwords needed by process
// tunnels are kept sealed with a key that exists only in this process.
func NewSSHDialer(cfg config.Settings) (*SSHDialer, error) {
	sealer, err := secret.NewSealer()
	if err != nil {
		return nil, err
	}
	return &SSHDialer{
		Target: remote.Target{Host: cfg.ServerHost, Port: cfg.ServerPort},
		Options: remote.Options{
			ConnectTimeout:    cfg.ConnectTimeout,
			KeepaliveInterval: cfg.KeepaliveInterval,
			KnownHostsPath:    cfg.KnownHostsPath,
		},
		Mode:          cfg.TunnelMode,
		SSHBinary:     cfg.SSHBinary,
		SSHPassBinary: cfg.SSHPassPath,
		sealer:        sealer,
	}, nil
}

// Dial implements Dialer.
func (d *SSHDialer) Dial(ctx context.Context, creds remote.Credentials) (Connection, tunnel.Backend, error) {
	conn, err := remote.Dial(ctx, d.Target, creds, d.Options)
	if err != nil {
		return nil, nil, err
	}

	if d.Mode == config.TunnelModeInProc {
		return conn, &tunnel.InProcBackend{Client: conn}, nil
	}

	sealed, err := d.sealer.Seal(creds.Password)
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("seal credentials: %w", err)
	}
	sealer := d.sealer
	backend := &tunnel.ProcessBackend{
		SSHBinary:         d.SSHBinary,
		SSHPassBinary:     d.SSHPassBinary,
		Host:              d.Target.Host,
		Port:              d.Target.Port,
		User:              creds.Username,
		Password:          func() (string, error) { return sealer.Open(sealed) },
		KeepaliveInterval: d.Options.KeepaliveInterval,
		KnownHostsPath:    d.Options.KnownHostsPath,
	}
	return conn, backend, nil
}
