// Package decoy is the boundary to the honeypot container that quarantined
// and suspicious traffic gets redirected into. The intel sweep only needs two
// things from it: is it up, and what did attackers do in it.
package decoy

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/zerofleet/backend/internal/core"
)

// Decoy is what the decoy sweep polls.
type Decoy interface {
	IsRunning(ctx context.Context) bool
	GetLogs(ctx context.Context, tail int) (string, error)
}

// DockerDecoy reads interaction logs from a named honeypot container over
// the Docker API.
type DockerDecoy struct {
	cli           *client.Client
	containerName string

	mu          sync.Mutex
	containerID string // resolved lazily, re-resolved if the container restarts
}

// NewDockerDecoy connects to the local Docker daemon.
func NewDockerDecoy(containerName string) (*DockerDecoy, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &DockerDecoy{cli: cli, containerName: containerName}, nil
}

func (d *DockerDecoy) resolve(ctx context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.containerID != "" {
		if _, err := d.cli.ContainerInspect(ctx, d.containerID); err == nil {
			return d.containerID, nil
		}
		d.containerID = ""
	}

	containers, err := d.cli.ContainerList(ctx, types.ContainerListOptions{
		Filters: filters.NewArgs(filters.Arg("name", d.containerName)),
	})
	if err != nil {
		return "", fmt.Errorf("list containers: %v: %w", err, core.ErrBackendUnavailable)
	}
	if len(containers) == 0 {
		return "", fmt.Errorf("decoy container %q: %w", d.containerName, core.ErrNotFound)
	}
	d.containerID = containers[0].ID
	return d.containerID, nil
}

// IsRunning reports whether the decoy container is up.
func (d *DockerDecoy) IsRunning(ctx context.Context) bool {
	id, err := d.resolve(ctx)
	if err != nil {
		return false
	}
	info, err := d.cli.ContainerInspect(ctx, id)
	if err != nil {
		return false
	}
	return info.State != nil && info.State.Running
}

// GetLogs fetches the last tail lines of the decoy's stdout/stderr.
// Docker multiplexes the two streams; stdcopy demultiplexes them.
func (d *DockerDecoy) GetLogs(ctx context.Context, tail int) (string, error) {
	id, err := d.resolve(ctx)
	if err != nil {
		return "", err
	}

	rc, err := d.cli.ContainerLogs(ctx, id, types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(tail),
	})
	if err != nil {
		return "", fmt.Errorf("container logs: %v: %w", err, core.ErrBackendUnavailable)
	}
	defer rc.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, rc); err != nil {
		return "", fmt.Errorf("demux logs: %w", err)
	}
	if stderr.Len() > 0 {
		stdout.WriteByte('\n')
		stdout.Write(stderr.Bytes())
	}
	return stdout.String(), nil
}

var _ Decoy = (*DockerDecoy)(nil)

// StaticDecoy serves canned logs; used in tests and when no Docker daemon is
// reachable.
type StaticDecoy struct {
	mu      sync.Mutex
	running bool
	logs    string
}

// NewStaticDecoy creates a running static decoy.
func NewStaticDecoy() *StaticDecoy {
	return &StaticDecoy{running: true}
}

// SetRunning toggles reported liveness.
func (s *StaticDecoy) SetRunning(running bool) {
	s.mu.Lock()
	s.running = running
	s.mu.Unlock()
}

// Append adds log lines to be served by GetLogs.
func (s *StaticDecoy) Append(lines string) {
	s.mu.Lock()
	if s.logs != "" {
		s.logs += "\n"
	}
	s.logs += lines
	s.mu.Unlock()
}

func (s *StaticDecoy) IsRunning(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *StaticDecoy) GetLogs(ctx context.Context, tail int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logs, nil
}

var _ Decoy = (*StaticDecoy)(nil)
