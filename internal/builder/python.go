package builder

import (
	"context"

	shellquote "github.com/kballard/go-shellquote"

	"github.com/terrpan/vmworker/internal/redact"
)

// VirtualenvRoot is where the build image keeps its virtualenvs.
const VirtualenvRoot = "/home/vagrant/virtualenv"

// requirementFiles are checked in order; the first one present is
// installed.
var requirementFiles = []string{"requirements.txt", "dependencies.txt"}

// Python builds python projects inside a prebuilt virtualenv.
type Python struct {
	job *Job
}

var _ Commands = (*Python)(nil)

// SetupEnv activates the configured virtualenv.
func (p *Python) SetupEnv(ctx context.Context, r Runner) (int, error) {
	activate := VirtualenvRoot + "/" + p.job.Python.Virtualenv + "/bin/activate"
	return r.Exec(ctx, redact.Sprintf("source %s", shellquote.Join(activate)))
}

// InstallDependencies installs the first requirements file found in the
// checkout. Without one there is nothing to install.
func (p *Python) InstallDependencies(ctx context.Context, r Runner) (int, error) {
	for _, f := range requirementFiles {
		status, err := r.Exec(ctx, redact.Sprintf("test -f %s", f))
		if err != nil {
			return status, err
		}
		if status == 0 {
			return r.Exec(ctx, redact.Sprintf("pip install -r %s", f))
		}
	}
	return 0, nil
}

// Script runs the job's script, or the setuptools test suite.
func (p *Python) Script(ctx context.Context, r Runner) (int, error) {
	if len(p.job.Script) == 0 {
		return r.Exec(ctx, redact.Plain("python setup.py test"))
	}
	return scriptLines(ctx, r, p.job.Script)
}
