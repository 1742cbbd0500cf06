// Package builder turns a Job into the sequence of shell commands run
// inside a sandbox: check out the repository, export the environment,
// then the language variant's setup, dependency and script steps.
//
// Every command is a redact.String so secrets (clone tokens, secure
// environment values) reach the remote shell but never the logs.
package builder

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"time"

	shellquote "github.com/kballard/go-shellquote"

	"github.com/terrpan/vmworker/internal/redact"
)

// Supported languages.
const (
	LanguagePython  = "python"
	LanguageGeneric = "generic"
)

// Runner executes one command in the build shell and returns its exit
// status.  *shell.Session satisfies it.
type Runner interface {
	Exec(ctx context.Context, command redact.String) (int, error)
}

// Commands is the capability every language variant implements. Each
// step returns the status of the first command that failed, or 0.
type Commands interface {
	SetupEnv(ctx context.Context, r Runner) (int, error)
	InstallDependencies(ctx context.Context, r Runner) (int, error)
	Script(ctx context.Context, r Runner) (int, error)
}

// New selects the variant for job.Language.
func New(job *Job) (Commands, error) {
	if err := job.Validate(); err != nil {
		return nil, err
	}
	switch job.Language {
	case LanguagePython:
		return &Python{job: job}, nil
	default:
		return &Generic{job: job}, nil
	}
}

// Run executes the full build of job through r and returns the exit
// status of the first failing command, or 0. An error means the build
// could not be driven to completion (lost session, timeout).
func Run(ctx context.Context, r Runner, job *Job, logger *slog.Logger) (int, error) {
	cmds, err := New(job)
	if err != nil {
		return 1, err
	}

	stages := []struct {
		name    string
		timeout time.Duration
		fn      func(context.Context, Runner) (int, error)
	}{
		{"checkout", job.Timeouts.Checkout, func(ctx context.Context, r Runner) (int, error) { return checkout(ctx, r, job) }},
		{"export env", 0, func(ctx context.Context, r Runner) (int, error) { return exportEnv(ctx, r, job) }},
		{"setup env", 0, cmds.SetupEnv},
		{"install dependencies", job.Timeouts.Install, cmds.InstallDependencies},
		{"script", job.Timeouts.Script, cmds.Script},
	}

	for _, st := range stages {
		logger.Debug("build stage", slog.String("job", job.ID), slog.String("stage", st.name))

		stageCtx, cancel := ctx, context.CancelFunc(func() {})
		if st.timeout > 0 {
			stageCtx, cancel = context.WithTimeout(ctx, st.timeout)
		}
		status, err := st.fn(stageCtx, r)
		cancel()

		if err != nil {
			return status, fmt.Errorf("%s: %w", st.name, err)
		}
		if status != 0 {
			logger.Info("build stage failed",
				slog.String("job", job.ID),
				slog.String("stage", st.name),
				slog.Int("status", status),
			)
			return status, nil
		}
	}
	return 0, nil
}

// runAll executes cmds in order and stops at the first non-zero status.
func runAll(ctx context.Context, r Runner, cmds ...redact.String) (int, error) {
	for _, c := range cmds {
		status, err := r.Exec(ctx, c)
		if err != nil || status != 0 {
			return status, err
		}
	}
	return 0, nil
}

// ---------------------------------------------------------------------------
// Base steps shared by every variant
// ---------------------------------------------------------------------------

// checkout clones the repository into a directory named after it and
// changes into it. A job without a repository builds in the home
// directory.
func checkout(ctx context.Context, r Runner, job *Job) (int, error) {
	repo := job.Repository
	if repo.Slug == "" {
		return 0, nil
	}

	remote := cloneURL(repo)
	dir := shellquote.Join(path.Base(repo.Slug))

	return runAll(ctx, r,
		redact.Sprintf("git clone --depth=%d %s %s", repo.Depth, remote, dir),
		redact.Sprintf("cd %s", dir),
	)
}

// cloneURL builds the https remote for repo. The token becomes the URL's
// userinfo, escaped so '@', ':' and '/' cannot change the host, and each
// part is shell-quoted.
func cloneURL(repo Repository) redact.String {
	u := url.URL{Scheme: "https", Host: repo.Host, Path: "/" + repo.Slug + ".git"}
	if repo.Token == "" {
		return redact.Plain(shellquote.Join(u.String()))
	}
	user := url.User(repo.Token).String()
	return redact.Sprintf("https://%s@%s",
		redact.Secret(shellquote.Join(user)),
		shellquote.Join(u.Host+u.EscapedPath()),
	)
}

// exportEnv exports the job's variables. Values are shell-quoted;
// secure values are masked as a whole.
func exportEnv(ctx context.Context, r Runner, job *Job) (int, error) {
	cmds := make([]redact.String, 0, len(job.Env))
	for _, v := range job.Env {
		value := redact.Plain(shellquote.Join(v.Value))
		if v.Secure {
			value = redact.Secret(shellquote.Join(v.Value))
		}
		cmds = append(cmds, redact.Sprintf("export %s=%s", v.Name, value))
	}
	return runAll(ctx, r, cmds...)
}

// scriptLines runs each script line as its own command.
func scriptLines(ctx context.Context, r Runner, lines []string) (int, error) {
	cmds := make([]redact.String, len(lines))
	for i, l := range lines {
		cmds[i] = redact.Plain(l)
	}
	return runAll(ctx, r, cmds...)
}
