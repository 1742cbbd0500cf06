// Package engine defines the abstraction over virtualization backends
// that host sandbox machines. Each backend (OpenVZ, Docker with CRIU
// checkpoints, GCP Compute Engine) implements the Engine interface so
// the sandbox controller stays hypervisor-agnostic and can be tested
// against a fake.
package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// State is the power state of a machine as reported by the backend.
type State string

const (
	// StateUnknown covers every status outside running/stopped. The
	// sandbox controller never assumes a clean machine in this state.
	StateUnknown State = "unknown"
	StateStopped State = "stopped"
	StateRunning State = "running"
)

// ParseState maps a backend's textual status onto a State.
func ParseState(s string) State {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "running":
		return StateRunning
	case "stopped", "exited", "created", "terminated":
		return StateStopped
	default:
		return StateUnknown
	}
}

// Machine is one row of the backend's machine listing.
type Machine struct {
	Name  string
	State State

	// IP is the machine's current address, empty if it has none.
	IP string

	// Snapshot reports whether a baseline snapshot exists.
	Snapshot bool
}

// Engine is the control surface of a virtualization backend.
//
// The sandbox lifecycle built on top of it is:
//
//	prepare:  PowerOff? → PowerOn → (boot) → Pause → Snapshot
//	per job:  PowerOff? → Restore → PowerOn? → (job) → PowerOff
//
// Implementations return promptly or fail; they are not expected to
// retry.
type Engine interface {
	// List returns every machine known to the backend.
	List(ctx context.Context) ([]Machine, error)

	// Inspect returns the current state of one machine.
	Inspect(ctx context.Context, name string) (Machine, error)

	// PowerOn starts a stopped machine.
	PowerOn(ctx context.Context, name string) error

	// PowerOff stops a machine.
	PowerOff(ctx context.Context, name string) error

	// Pause freezes a running machine in preparation for Snapshot.
	Pause(ctx context.Context, name string) error

	// Snapshot commits the paused machine's state as the baseline and
	// leaves the machine powered off.
	Snapshot(ctx context.Context, name string) error

	// Restore rolls a powered-off machine back to the baseline and
	// resumes it.
	Restore(ctx context.Context, name string) error
}

// Names lists the machines whose name starts with prefix, sorted.
func Names(ctx context.Context, e Engine, prefix string) ([]string, error) {
	machines, err := e.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing machines: %w", err)
	}
	var names []string
	for _, m := range machines {
		if strings.HasPrefix(m.Name, prefix) {
			names = append(names, m.Name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// Count returns the number of machines whose name starts with prefix.
func Count(ctx context.Context, e Engine, prefix string) (int, error) {
	names, err := Names(ctx, e, prefix)
	if err != nil {
		return 0, err
	}
	return len(names), nil
}
