package builder

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Job describes one build: where the code lives, which language
// toolchain to set up and what to run.
type Job struct {
	ID         string         `yaml:"id"`
	Language   string         `yaml:"language"`
	Repository Repository     `yaml:"repository"`
	Env        []EnvVar       `yaml:"env"`
	Python     PythonSettings `yaml:"python"`
	Script     []string       `yaml:"script"`
	Timeouts   Timeouts       `yaml:"timeouts"`
}

// Repository is the code to check out.
type Repository struct {
	// Slug is "owner/name".
	Slug string `yaml:"slug"`

	// Token authenticates the clone. It is only ever logged masked.
	Token string `yaml:"token"`

	// Depth limits clone history. Default: 50.
	Depth int `yaml:"depth"`

	// Host is the git server. Default: "github.com".
	Host string `yaml:"host"`
}

// EnvVar is exported into the build shell before any other step.
// Secure values are masked in logs.
type EnvVar struct {
	Name   string `yaml:"name"`
	Value  string `yaml:"value"`
	Secure bool   `yaml:"secure"`
}

// PythonSettings holds settings of the python variant.
type PythonSettings struct {
	// Virtualenv names the virtualenv to activate. Default: "python2.6".
	Virtualenv string `yaml:"virtualenv"`
}

// Timeouts bound individual build stages. Zero leaves a stage bounded
// only by the session's hard command timeout.
type Timeouts struct {
	Checkout time.Duration `yaml:"checkout"`
	Install  time.Duration `yaml:"install"`
	Script   time.Duration `yaml:"script"`
}

var (
	slugPattern    = regexp.MustCompile(`^[A-Za-z0-9_.-]+/[A-Za-z0-9_.-]+$`)
	envNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// LoadJob reads a YAML job file.
func LoadJob(path string) (*Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading job %s: %w", path, err)
	}
	job := &Job{}
	if err := yaml.Unmarshal(data, job); err != nil {
		return nil, fmt.Errorf("parsing job %s: %w", path, err)
	}
	if err := job.Validate(); err != nil {
		return nil, fmt.Errorf("job %s: %w", path, err)
	}
	return job, nil
}

// ApplyDefaults fills in unset fields.
func (j *Job) ApplyDefaults() {
	if j.Language == "" {
		j.Language = LanguageGeneric
	}
	j.Language = strings.ToLower(j.Language)
	if j.Repository.Depth == 0 {
		j.Repository.Depth = 50
	}
	if j.Repository.Host == "" {
		j.Repository.Host = "github.com"
	}
	if j.Python.Virtualenv == "" {
		j.Python.Virtualenv = "python2.6"
	}
}

// Validate checks the job for fields that would produce an unsafe or
// meaningless command line.
func (j *Job) Validate() error {
	j.ApplyDefaults()

	if j.ID == "" {
		return fmt.Errorf("id is required")
	}
	if j.Repository.Slug != "" && !slugPattern.MatchString(j.Repository.Slug) {
		return fmt.Errorf("repository.slug %q must look like owner/name", j.Repository.Slug)
	}
	if j.Repository.Depth < 0 {
		return fmt.Errorf("repository.depth must not be negative")
	}
	for i, v := range j.Env {
		if !envNamePattern.MatchString(v.Name) {
			return fmt.Errorf("env[%d]: invalid variable name %q", i, v.Name)
		}
	}
	if strings.ContainsAny(j.Python.Virtualenv, "/ \t\n") {
		return fmt.Errorf("python.virtualenv %q must be a plain name", j.Python.Virtualenv)
	}

	switch j.Language {
	case LanguagePython:
	case LanguageGeneric:
		if len(j.Script) == 0 {
			return fmt.Errorf("script is required for language %q", j.Language)
		}
	default:
		return fmt.Errorf("language %q is not supported (supported: %s, %s)", j.Language, LanguagePython, LanguageGeneric)
	}
	return nil
}
