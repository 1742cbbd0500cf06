// Package openvz implements the engine.Engine interface by shelling out
// to the OpenVZ command-line tools (vzlist, vzctl). Baseline snapshots
// are checkpoint dump files; rollback is an undump followed by a resume.
package openvz

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	shellquote "github.com/kballard/go-shellquote"

	"github.com/terrpan/vmworker/internal/engine"
)

// Config holds OpenVZ-specific settings.
type Config struct {
	// Sudo runs every command through sudo. Default: true via config.
	Sudo bool

	// VZCtl and VZList are the tool paths. Defaults: "vzctl", "vzlist".
	VZCtl  string
	VZList string

	// DumpDir holds the checkpoint dump files.
	// Default: "/var/lib/vz/dump".
	DumpDir string

	// CommandTimeout bounds each shell-out. Zero leaves them unbounded.
	CommandTimeout time.Duration
}

// Runner executes one external command and returns its stdout.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// execRunner runs commands with os/exec.
type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return out, fmt.Errorf("%w: %s", err, msg)
		}
		return out, err
	}
	return out, nil
}

// Engine drives OpenVZ containers.
type Engine struct {
	cfg    Config
	run    Runner
	stat   func(string) (os.FileInfo, error)
	logger *slog.Logger
}

// Compile-time check that Engine satisfies the engine.Engine interface.
var _ engine.Engine = (*Engine)(nil)

// New creates an OpenVZ engine that shells out with os/exec.
func New(cfg Config, logger *slog.Logger) *Engine {
	return newEngine(cfg, execRunner{}, os.Stat, logger)
}

func newEngine(cfg Config, run Runner, stat func(string) (os.FileInfo, error), logger *slog.Logger) *Engine {
	if cfg.VZCtl == "" {
		cfg.VZCtl = "vzctl"
	}
	if cfg.VZList == "" {
		cfg.VZList = "vzlist"
	}
	if cfg.DumpDir == "" {
		cfg.DumpDir = "/var/lib/vz/dump"
	}
	return &Engine{cfg: cfg, run: run, stat: stat, logger: logger}
}

// DumpPath returns the checkpoint file used as name's baseline.
func (e *Engine) DumpPath(name string) string {
	return filepath.Join(e.cfg.DumpDir, "Dump."+name)
}

// List returns every container, running or not.
func (e *Engine) List(ctx context.Context) ([]engine.Machine, error) {
	out, err := e.exec(ctx, e.cfg.VZList, "-H", "-a", "-o", "name,status,ip")
	if err != nil {
		return nil, err
	}
	machines := parseList(out)
	for i := range machines {
		machines[i].Snapshot = e.hasDump(machines[i].Name)
	}
	return machines, nil
}

// Inspect returns the state of one container.
func (e *Engine) Inspect(ctx context.Context, name string) (engine.Machine, error) {
	out, err := e.exec(ctx, e.cfg.VZList, "-H", "-a", "-N", name, "-o", "name,status,ip")
	if err != nil {
		return engine.Machine{}, err
	}
	machines := parseList(out)
	if len(machines) == 0 {
		return engine.Machine{}, fmt.Errorf("container %s not found", name)
	}
	m := machines[0]
	m.Snapshot = e.hasDump(name)
	return m, nil
}

// PowerOn starts the container.
func (e *Engine) PowerOn(ctx context.Context, name string) error {
	_, err := e.exec(ctx, e.cfg.VZCtl, "start", name)
	if err == nil {
		e.logger.Info("container started", slog.String("name", name))
	}
	return err
}

// PowerOff stops the container.
func (e *Engine) PowerOff(ctx context.Context, name string) error {
	_, err := e.exec(ctx, e.cfg.VZCtl, "stop", name)
	return err
}

// Pause freezes the container's processes.
func (e *Engine) Pause(ctx context.Context, name string) error {
	_, err := e.exec(ctx, e.cfg.VZCtl, "chkpnt", name, "--suspend")
	return err
}

// Snapshot dumps the frozen container to its dump file and kills it.
func (e *Engine) Snapshot(ctx context.Context, name string) error {
	if _, err := e.exec(ctx, e.cfg.VZCtl, "chkpnt", name, "--dump", "--dumpfile", e.DumpPath(name)); err != nil {
		return err
	}
	_, err := e.exec(ctx, e.cfg.VZCtl, "chkpnt", name, "--kill")
	return err
}

// Restore undumps the baseline into the stopped container and resumes it.
func (e *Engine) Restore(ctx context.Context, name string) error {
	if _, err := e.exec(ctx, e.cfg.VZCtl, "restore", name, "--undump", "--dumpfile", e.DumpPath(name)); err != nil {
		return err
	}
	_, err := e.exec(ctx, e.cfg.VZCtl, "restore", name, "--resume")
	return err
}

func (e *Engine) hasDump(name string) bool {
	_, err := e.stat(e.DumpPath(name))
	return err == nil
}

func (e *Engine) exec(ctx context.Context, tool string, args ...string) ([]byte, error) {
	argv := append([]string{tool}, args...)
	if e.cfg.Sudo {
		argv = append([]string{"sudo"}, argv...)
	}
	line := shellquote.Join(argv...)

	if e.cfg.CommandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.CommandTimeout)
		defer cancel()
	}

	e.logger.Debug("openvz command", slog.String("command", line))
	out, err := e.run.Run(ctx, argv[0], argv[1:]...)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return out, fmt.Errorf("%s: timed out after %s: %w", line, e.cfg.CommandTimeout, err)
		}
		return out, fmt.Errorf("%s: %w", line, err)
	}
	return out, nil
}

// parseList parses `vzlist -H -o name,status,ip` output. A container
// without an address shows "-" in the ip column; with several addresses
// the first is used.
func parseList(out []byte) []engine.Machine {
	var machines []engine.Machine
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 {
			continue
		}
		m := engine.Machine{
			Name:  fields[0],
			State: engine.ParseState(fields[1]),
		}
		if len(fields) > 2 && fields[2] != "-" {
			m.IP = fields[2]
		}
		machines = append(machines, m)
	}
	return machines
}
