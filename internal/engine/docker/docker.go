// Package docker implements the engine.Engine interface on top of the
// Docker daemon. Sandbox machines are long-lived containers running an
// SSH daemon; the baseline snapshot is a CRIU checkpoint, so the daemon
// must run with experimental features enabled.
package docker

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/docker/docker/api/types/checkpoint"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	dockerclient "github.com/docker/docker/client"

	"github.com/terrpan/vmworker/internal/engine"
)

// DefaultCheckpoint is the checkpoint ID used for baselines.
const DefaultCheckpoint = "baseline"

// Config holds Docker-specific settings.
type Config struct {
	// Label restricts List to containers carrying this label
	// ("key" or "key=value"). Empty lists every container.
	Label string

	// Checkpoint is the checkpoint ID of the baseline.
	// Default: "baseline".
	Checkpoint string

	// CheckpointDir overrides the daemon's checkpoint directory.
	CheckpointDir string

	// StopTimeout is the grace period in seconds before SIGKILL on
	// PowerOff. Zero uses the container's own setting.
	StopTimeout int
}

// dockerAPI is the subset of the Docker client used by the engine.
type dockerAPI interface {
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerPause(ctx context.Context, containerID string) error
	ContainerUnpause(ctx context.Context, containerID string) error
	CheckpointCreate(ctx context.Context, containerID string, options checkpoint.CreateOptions) error
	CheckpointDelete(ctx context.Context, containerID string, options checkpoint.DeleteOptions) error
	CheckpointList(ctx context.Context, containerID string, options checkpoint.ListOptions) ([]checkpoint.Summary, error)
	Close() error
}

// Engine manages sandbox machines as Docker containers.
type Engine struct {
	client dockerAPI
	cfg    Config
	logger *slog.Logger
}

// Compile-time check that Engine satisfies the engine.Engine interface.
var _ engine.Engine = (*Engine)(nil)

// New creates a Docker engine connected to the daemon described by the
// environment (DOCKER_HOST and friends).
func New(cfg Config, logger *slog.Logger) (*Engine, error) {
	client, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return newEngine(client, cfg, logger), nil
}

func newEngine(client dockerAPI, cfg Config, logger *slog.Logger) *Engine {
	if cfg.Checkpoint == "" {
		cfg.Checkpoint = DefaultCheckpoint
	}
	return &Engine{client: client, cfg: cfg, logger: logger}
}

// List returns every container matching the configured label.
func (e *Engine) List(ctx context.Context) ([]engine.Machine, error) {
	opts := container.ListOptions{All: true}
	if e.cfg.Label != "" {
		opts.Filters = filters.NewArgs(filters.Arg("label", e.cfg.Label))
	}
	containers, err := e.client.ContainerList(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("container list: %w", err)
	}

	machines := make([]engine.Machine, 0, len(containers))
	for _, c := range containers {
		if len(c.Names) == 0 {
			continue
		}
		m := engine.Machine{
			Name:  strings.TrimPrefix(c.Names[0], "/"),
			State: summaryState(string(c.State)),
		}
		if c.NetworkSettings != nil {
			m.IP = firstIP(c.NetworkSettings.Networks)
		}
		if m.Snapshot, err = e.hasCheckpoint(ctx, m.Name); err != nil {
			return nil, err
		}
		machines = append(machines, m)
	}
	return machines, nil
}

// Inspect returns the state of one container.
func (e *Engine) Inspect(ctx context.Context, name string) (engine.Machine, error) {
	info, err := e.client.ContainerInspect(ctx, name)
	if err != nil {
		return engine.Machine{}, fmt.Errorf("container inspect %s: %w", name, err)
	}

	m := engine.Machine{Name: name, State: engine.StateUnknown}
	if info.ContainerJSONBase != nil && info.State != nil {
		switch {
		case info.State.Paused:
			// frozen mid-job or mid-prepare
		case info.State.Running:
			m.State = engine.StateRunning
		default:
			m.State = engine.ParseState(string(info.State.Status))
		}
	}
	if info.NetworkSettings != nil {
		m.IP = firstIP(info.NetworkSettings.Networks)
	}
	if m.Snapshot, err = e.hasCheckpoint(ctx, name); err != nil {
		return engine.Machine{}, err
	}
	return m, nil
}

// PowerOn starts the container.
func (e *Engine) PowerOn(ctx context.Context, name string) error {
	if err := e.client.ContainerStart(ctx, name, container.StartOptions{}); err != nil {
		return fmt.Errorf("container start %s: %w", name, err)
	}
	e.logger.Info("container started", slog.String("name", name))
	return nil
}

// PowerOff stops the container. A paused container is unpaused first
// because the daemon refuses to stop it otherwise.
func (e *Engine) PowerOff(ctx context.Context, name string) error {
	if err := e.unpauseIfPaused(ctx, name); err != nil {
		return err
	}
	opts := container.StopOptions{}
	if e.cfg.StopTimeout > 0 {
		timeout := e.cfg.StopTimeout
		opts.Timeout = &timeout
	}
	if err := e.client.ContainerStop(ctx, name, opts); err != nil {
		return fmt.Errorf("container stop %s: %w", name, err)
	}
	return nil
}

// Pause freezes the container's processes.
func (e *Engine) Pause(ctx context.Context, name string) error {
	if err := e.client.ContainerPause(ctx, name); err != nil {
		return fmt.Errorf("container pause %s: %w", name, err)
	}
	return nil
}

// Snapshot replaces the baseline checkpoint with the container's current
// state. CRIU cannot dump a frozen cgroup, so the container is unpaused
// right before the dump; the checkpoint exits the container afterwards.
func (e *Engine) Snapshot(ctx context.Context, name string) error {
	if err := e.unpauseIfPaused(ctx, name); err != nil {
		return err
	}

	exists, err := e.hasCheckpoint(ctx, name)
	if err != nil {
		return err
	}
	if exists {
		if err := e.client.CheckpointDelete(ctx, name, checkpoint.DeleteOptions{
			CheckpointID:  e.cfg.Checkpoint,
			CheckpointDir: e.cfg.CheckpointDir,
		}); err != nil {
			return fmt.Errorf("checkpoint delete %s/%s: %w", name, e.cfg.Checkpoint, err)
		}
	}

	if err := e.client.CheckpointCreate(ctx, name, checkpoint.CreateOptions{
		CheckpointID:  e.cfg.Checkpoint,
		CheckpointDir: e.cfg.CheckpointDir,
		Exit:          true,
	}); err != nil {
		return fmt.Errorf("checkpoint create %s/%s: %w", name, e.cfg.Checkpoint, err)
	}

	e.logger.Info("baseline checkpoint created",
		slog.String("name", name),
		slog.String("checkpoint", e.cfg.Checkpoint),
	)
	return nil
}

// Restore starts the stopped container from the baseline checkpoint.
func (e *Engine) Restore(ctx context.Context, name string) error {
	if err := e.client.ContainerStart(ctx, name, container.StartOptions{
		CheckpointID:  e.cfg.Checkpoint,
		CheckpointDir: e.cfg.CheckpointDir,
	}); err != nil {
		return fmt.Errorf("container restore %s/%s: %w", name, e.cfg.Checkpoint, err)
	}
	return nil
}

// Close releases the Docker client.
func (e *Engine) Close() error {
	return e.client.Close()
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (e *Engine) hasCheckpoint(ctx context.Context, name string) (bool, error) {
	list, err := e.client.CheckpointList(ctx, name, checkpoint.ListOptions{CheckpointDir: e.cfg.CheckpointDir})
	if err != nil {
		return false, fmt.Errorf("checkpoint list %s: %w", name, err)
	}
	for _, c := range list {
		if c.Name == e.cfg.Checkpoint {
			return true, nil
		}
	}
	return false, nil
}

func (e *Engine) unpauseIfPaused(ctx context.Context, name string) error {
	info, err := e.client.ContainerInspect(ctx, name)
	if err != nil {
		return fmt.Errorf("container inspect %s: %w", name, err)
	}
	if info.ContainerJSONBase == nil || info.State == nil || !info.State.Paused {
		return nil
	}
	if err := e.client.ContainerUnpause(ctx, name); err != nil {
		return fmt.Errorf("container unpause %s: %w", name, err)
	}
	return nil
}

// summaryState maps the State column of a container listing. Paused
// containers are neither cleanly running nor stopped.
func summaryState(s string) engine.State {
	if s == "paused" {
		return engine.StateUnknown
	}
	return engine.ParseState(s)
}

// firstIP returns the address on the alphabetically first network so the
// choice is stable across calls.
func firstIP(networks map[string]*network.EndpointSettings) string {
	keys := make([]string, 0, len(networks))
	for k := range networks {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if ep := networks[k]; ep != nil && ep.IPAddress != "" {
			return ep.IPAddress
		}
	}
	return ""
}
