package containers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	dockerclient "github.com/docker/docker/client"
)

// ErrContainerNotRunning is returned when no running docker container
// matches an ML container's name.
var ErrContainerNotRunning = errors.New("container is not running")

// ExecResult is the outcome of a command run inside a container.
type ExecResult struct {
	Output   string
	ExitCode int
}

// Engine is the docker daemon on the compute server.
type Engine interface {
	ContainerID(ctx context.Context, name string) (string, error)
	ContainerIP(ctx context.Context, id string) (string, error)
	Exec(ctx context.Context, id string, cmd []string) (ExecResult, error)
	Close() error
}

// SocketDialer reaches a unix socket on the compute server. A session's
// SSH connection satisfies it.
type SocketDialer interface {
	Dial(network, addr string) (net.Conn, error)
}

// DockerEngine talks to the remote daemon's unix socket through the SSH
// connection, so no daemon port has to be exposed.
type DockerEngine struct {
	client *dockerclient.Client
}

// NewDockerEngine builds a client whose every connection is dialed through
// d to socketPath.
func NewDockerEngine(d SocketDialer, socketPath string) (*DockerEngine, error) {
	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.WithHost("unix://"+socketPath),
		dockerclient.WithDialContext(func(ctx context.Context, _, _ string) (net.Conn, error) {
			return dialContext(ctx, d, "unix", socketPath)
		}),
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &DockerEngine{client: cli}, nil
}

func dialContext(ctx context.Context, d SocketDialer, network, addr string) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		c, err := d.Dial(network, addr)
		ch <- result{c, err}
	}()
	select {
	case r := <-ch:
		return r.conn, r.err
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.conn != nil {
				r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// ContainerID returns the id of the running container whose name matches.
func (e *DockerEngine) ContainerID(ctx context.Context, name string) (string, error) {
	list, err := e.client.ContainerList(ctx, container.ListOptions{
		Filters: filters.NewArgs(filters.Arg("name", name)),
	})
	if err != nil {
		return "", fmt.Errorf("list containers: %w", err)
	}
	for _, c := range list {
		for _, n := range c.Names {
			// mlc names its docker containers "<name>._.<uid>".
			n = strings.TrimPrefix(n, "/")
			if n == name || strings.HasPrefix(n, name+".") {
				return c.ID, nil
			}
		}
	}
	if len(list) > 0 {
		return list[0].ID, nil
	}
	return "", fmt.Errorf("%w: %s", ErrContainerNotRunning, name)
}

// ContainerIP returns the container's address on its first network.
func (e *DockerEngine) ContainerIP(ctx context.Context, id string) (string, error) {
	inspect, err := e.client.ContainerInspect(ctx, id)
	if err != nil {
		return "", fmt.Errorf("inspect container: %w", err)
	}
	if inspect.NetworkSettings != nil {
		for _, n := range inspect.NetworkSettings.Networks {
			if n != nil && n.IPAddress != "" {
				return n.IPAddress, nil
			}
		}
	}
	return "", fmt.Errorf("cannot determine container IP for %s", id)
}

// Exec runs cmd in the container and returns its combined output.
func (e *DockerEngine) Exec(ctx context.Context, id string, cmd []string) (ExecResult, error) {
	execID, err := e.client.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return ExecResult{ExitCode: -1}, fmt.Errorf("exec create: %w", err)
	}

	resp, err := e.client.ContainerExecAttach(ctx, execID.ID, container.ExecAttachOptions{})
	if err != nil {
		return ExecResult{ExitCode: -1}, fmt.Errorf("exec attach: %w", err)
	}
	defer resp.Close()

	output, err := io.ReadAll(resp.Reader)
	if err != nil {
		return ExecResult{ExitCode: -1}, fmt.Errorf("read exec output: %w", err)
	}

	inspect, err := e.client.ContainerExecInspect(ctx, execID.ID)
	if err != nil {
		return ExecResult{Output: string(output), ExitCode: -1}, fmt.Errorf("exec inspect: %w", err)
	}
	return ExecResult{Output: stripStreamHeaders(output), ExitCode: inspect.ExitCode}, nil
}

// Close releases the client's idle connections.
func (e *DockerEngine) Close() error { return e.client.Close() }

// stripStreamHeaders removes docker's multiplexing frames:
// [stream(1)][0(3)][size(4)][payload].
func stripStreamHeaders(data []byte) string {
	var b strings.Builder
	for len(data) > 0 {
		if len(data) < 8 || data[0] > 2 || data[1] != 0 || data[2] != 0 || data[3] != 0 {
			b.Write(data)
			break
		}
		size := int(data[4])<<24 | int(data[5])<<16 | int(data[6])<<8 | int(data[7])
		data = data[8:]
		if size > len(data) {
			b.Write(data)
			break
		}
		b.Write(data[:size])
		data = data[size:]
	}
	return b.String()
}
