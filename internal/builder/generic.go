package builder

import "context"

// Generic runs the job's script as-is, with no toolchain setup.
type Generic struct {
	job *Job
}

var _ Commands = (*Generic)(nil)

// SetupEnv does nothing; the guest's default environment is used.
func (g *Generic) SetupEnv(context.Context, Runner) (int, error) { return 0, nil }

// InstallDependencies does nothing.
func (g *Generic) InstallDependencies(context.Context, Runner) (int, error) { return 0, nil }

// Script runs the job's script lines in order, stopping at the first
// non-zero status.
func (g *Generic) Script(ctx context.Context, r Runner) (int, error) {
	return scriptLines(ctx, r, g.job.Script)
}
