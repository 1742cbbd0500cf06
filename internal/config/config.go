// Package config handles loading, validating, and applying
// configuration for the worker. Configuration is read from a YAML file
// and can be overridden by CLI flags.
package config

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/terrpan/vmworker/internal/engine"
	"github.com/terrpan/vmworker/internal/engine/docker"
	"github.com/terrpan/vmworker/internal/engine/gcp"
	"github.com/terrpan/vmworker/internal/engine/openvz"
	"github.com/terrpan/vmworker/internal/otel"
	"github.com/terrpan/vmworker/internal/sandbox"
	"github.com/terrpan/vmworker/internal/shell"
	"github.com/terrpan/vmworker/internal/worker"
)

// SSHUserEnv overrides ssh.user when set.
const SSHUserEnv = "VMWORKER_SSH_USER"

// ---------------------------------------------------------------------------
// Top-level config
// ---------------------------------------------------------------------------

// Config is the root configuration structure.
type Config struct {
	Worker  WorkerConfig  `yaml:"worker"`
	Engine  EngineConfig  `yaml:"engine"`
	SSH     SSHConfig     `yaml:"ssh"`
	Shell   ShellConfig   `yaml:"shell"`
	Boot    BootConfig    `yaml:"boot"`
	Logging LoggingConfig `yaml:"logging"`
	OTel    OTelConfig    `yaml:"otel"`
}

// ---------------------------------------------------------------------------
// Worker
// ---------------------------------------------------------------------------

// WorkerConfig selects the machines the worker drives.
type WorkerConfig struct {
	// Machines names the machines explicitly, one slot each.
	Machines []string `yaml:"machines"`

	// NamePrefix selects machines by name from the engine's listing
	// when Machines is empty. Default: "travis-".
	NamePrefix string `yaml:"name_prefix"`

	// ConnectAttempts bounds connection attempts at the start of each
	// job. Default: 1 (3 for gcp, whose machines boot cold).
	ConnectAttempts int `yaml:"connect_attempts"`
}

// ---------------------------------------------------------------------------
// Engine
// ---------------------------------------------------------------------------

// EngineConfig selects and configures the virtualization backend.
type EngineConfig struct {
	// Type selects the backend: "openvz", "docker" or "gcp".
	// Default: "openvz".
	Type string `yaml:"type"`

	// OpenVZ holds OpenVZ settings. Only read when Type == "openvz".
	OpenVZ OpenVZEngineConfig `yaml:"openvz"`

	// Docker holds Docker settings. Only read when Type == "docker".
	Docker DockerEngineConfig `yaml:"docker"`

	// GCP holds GCP Compute Engine settings. Only read when Type == "gcp".
	GCP GCPEngineConfig `yaml:"gcp"`
}

// OpenVZEngineConfig holds OpenVZ engine settings.
type OpenVZEngineConfig struct {
	// Sudo runs vzctl/vzlist through sudo. Default: true.
	Sudo *bool `yaml:"sudo"`

	VZCtl  string `yaml:"vzctl"`
	VZList string `yaml:"vzlist"`

	// DumpDir holds checkpoint dumps. Default: "/var/lib/vz/dump".
	DumpDir string `yaml:"dump_dir"`

	// CommandTimeout bounds each vzctl call. Default: 5m.
	CommandTimeout time.Duration `yaml:"command_timeout"`
}

// DockerEngineConfig holds Docker engine settings. The daemon is
// located through the usual DOCKER_HOST environment.
type DockerEngineConfig struct {
	// Label restricts the machine listing, e.g. "vmworker.sandbox".
	Label string `yaml:"label"`

	// Checkpoint names the baseline checkpoint. Default: "baseline".
	Checkpoint string `yaml:"checkpoint"`

	CheckpointDir string `yaml:"checkpoint_dir"`

	// StopTimeout is the grace period in seconds on power off.
	StopTimeout int `yaml:"stop_timeout"`
}

// GCPEngineConfig holds GCP Compute Engine settings.
//
// Authentication uses Application Default Credentials (ADC) -- no
// credential fields are needed.
type GCPEngineConfig struct {
	// Project is the GCP project ID (required when engine.type == "gcp").
	Project string `yaml:"project"`

	// Zone is the GCP zone of the sandbox instances (required).
	Zone string `yaml:"zone"`

	// PublicIP connects over the instances' external addresses.
	// Default: true. Use a *bool so we can distinguish "not set"
	// (nil -> default true) from "explicitly set to false".
	PublicIP *bool `yaml:"public_ip"`

	// ImageSuffix names each instance's baseline machine image.
	// Default: "-baseline".
	ImageSuffix string `yaml:"image_suffix"`

	// Filter is an optional instance list filter.
	Filter string `yaml:"filter"`
}

// ---------------------------------------------------------------------------
// SSH, shell & boot
// ---------------------------------------------------------------------------

// SSHConfig describes how sessions reach the machines.
type SSHConfig struct {
	// Port defaults to 22.
	Port int `yaml:"port"`

	// User defaults to "travis". VMWORKER_SSH_USER overrides it.
	User string `yaml:"user"`

	// PrivateKeyPath is the key sessions authenticate with (required).
	PrivateKeyPath string `yaml:"private_key_path"`

	// ConnectTimeout bounds dial and handshake. Default: 10s.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// KnownHostsFile enables host key checking.
	KnownHostsFile string `yaml:"known_hosts_file"`
}

// ShellConfig controls output streaming.
type ShellConfig struct {
	// BufferLimit is the output flush threshold in bytes. Zero flushes
	// every line.
	BufferLimit int `yaml:"buffer_limit"`

	// FlushInterval flushes held output periodically. Default: 1s.
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// BootConfig controls the readiness wait while preparing a machine.
type BootConfig struct {
	// Attempts defaults to 3.
	Attempts int `yaml:"attempts"`

	// RetryInterval defaults to 5s.
	RetryInterval time.Duration `yaml:"retry_interval"`

	// SettleDelay defaults to 10s.
	SettleDelay time.Duration `yaml:"settle_delay"`
}

// ---------------------------------------------------------------------------
// Logging
// ---------------------------------------------------------------------------

// LoggingConfig controls structured logging output.
type LoggingConfig struct {
	// Level: debug, info, warn, error. Default: info.
	Level string `yaml:"level"`
	// Format: text, json. Default: text.
	Format string `yaml:"format"`
}

// ---------------------------------------------------------------------------
// OpenTelemetry
// ---------------------------------------------------------------------------

// OTelConfig controls OpenTelemetry tracing and metrics.
type OTelConfig struct {
	// Enabled controls whether OTLP push is active. Default: false.
	Enabled bool `yaml:"enabled"`

	// Endpoint is the OTLP HTTP endpoint (e.g. "localhost:4318").
	// If empty, falls back to OTEL_EXPORTER_OTLP_ENDPOINT env var.
	Endpoint string `yaml:"endpoint"`

	// Insecure enables plain HTTP (no TLS) for OTLP export.
	Insecure bool `yaml:"insecure"`

	// StdOut also prints traces and metrics to stdout (for debugging).
	StdOut bool `yaml:"stdout"`

	// PrometheusPort, when > 0, serves /metrics and /healthz.
	PrometheusPort int `yaml:"prometheus_port"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads a YAML config file from path and returns the parsed Config.
// If the file does not exist the returned Config will contain zero values
// which must be filled via flag overrides before calling Validate.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Config file is optional -- flags can supply everything.
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

// ---------------------------------------------------------------------------
// Defaults & validation
// ---------------------------------------------------------------------------

// ApplyDefaults fills in sensible defaults for any unset fields.
func (c *Config) ApplyDefaults() {
	if c.Worker.NamePrefix == "" {
		c.Worker.NamePrefix = "travis-"
	}
	if c.Engine.Type == "" {
		c.Engine.Type = "openvz"
	}
	c.Engine.Type = strings.ToLower(c.Engine.Type)
	if c.Worker.ConnectAttempts == 0 {
		c.Worker.ConnectAttempts = 1
		if c.Engine.Type == "gcp" {
			c.Worker.ConnectAttempts = 3
		}
	}

	if c.Engine.OpenVZ.Sudo == nil {
		t := true
		c.Engine.OpenVZ.Sudo = &t
	}
	if c.Engine.OpenVZ.CommandTimeout == 0 {
		c.Engine.OpenVZ.CommandTimeout = 5 * time.Minute
	}
	if c.Engine.Docker.Checkpoint == "" {
		c.Engine.Docker.Checkpoint = "baseline"
	}
	if c.Engine.GCP.PublicIP == nil {
		t := true
		c.Engine.GCP.PublicIP = &t
	}
	if c.Engine.GCP.ImageSuffix == "" {
		c.Engine.GCP.ImageSuffix = "-baseline"
	}

	if c.SSH.Port == 0 {
		c.SSH.Port = 22
	}
	if u := os.Getenv(SSHUserEnv); u != "" {
		c.SSH.User = u
	}
	if c.SSH.User == "" {
		c.SSH.User = "travis"
	}
	if c.SSH.ConnectTimeout == 0 {
		c.SSH.ConnectTimeout = 10 * time.Second
	}

	if c.Shell.FlushInterval == 0 {
		c.Shell.FlushInterval = time.Second
	}

	if c.Boot.Attempts == 0 {
		c.Boot.Attempts = sandbox.DefaultBootAttempts
	}
	if c.Boot.RetryInterval == 0 {
		c.Boot.RetryInterval = 5 * time.Second
	}
	if c.Boot.SettleDelay == 0 {
		c.Boot.SettleDelay = sandbox.DefaultSettleDelay
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	// OTel defaults: disabled by default, insecure=true for local dev
	if !c.OTel.Enabled && c.OTel.Endpoint == "" {
		c.OTel.Insecure = true
	}
}

// Validate checks that all required fields are present and consistent.
func (c *Config) Validate() error {
	c.ApplyDefaults()

	seen := make(map[string]bool, len(c.Worker.Machines))
	for i, m := range c.Worker.Machines {
		if strings.TrimSpace(m) == "" {
			return fmt.Errorf("worker.machines[%d] is empty", i)
		}
		if seen[m] {
			return fmt.Errorf("worker.machines[%d]: %q listed twice", i, m)
		}
		seen[m] = true
	}
	if c.Worker.ConnectAttempts < 0 {
		return fmt.Errorf("worker.connect_attempts must not be negative")
	}

	switch c.Engine.Type {
	case "openvz", "docker":
		// OK
	case "gcp":
		if c.Engine.GCP.Project == "" {
			return fmt.Errorf("engine.gcp.project is required when engine.type is \"gcp\"")
		}
		if c.Engine.GCP.Zone == "" {
			return fmt.Errorf("engine.gcp.zone is required when engine.type is \"gcp\"")
		}
	default:
		return fmt.Errorf("engine.type %q is not supported (supported: openvz, docker, gcp)", c.Engine.Type)
	}

	if c.SSH.PrivateKeyPath == "" {
		return fmt.Errorf("ssh.private_key_path is required")
	}
	if c.SSH.Port < 1 || c.SSH.Port > 65535 {
		return fmt.Errorf("ssh.port %d is out of range", c.SSH.Port)
	}
	if c.Shell.BufferLimit < 0 {
		return fmt.Errorf("shell.buffer_limit must not be negative")
	}
	if c.Boot.Attempts < 1 {
		return fmt.Errorf("boot.attempts must be at least 1")
	}
	if c.OTel.PrometheusPort < 0 || c.OTel.PrometheusPort > 65535 {
		return fmt.Errorf("otel.prometheus_port %d is out of range", c.OTel.PrometheusPort)
	}

	return nil
}

// ---------------------------------------------------------------------------
// Factories
// ---------------------------------------------------------------------------

// NewLogger creates a *slog.Logger from the Logging configuration,
// writing to stderr so build output on stdout stays clean.
func (c *Config) NewLogger() *slog.Logger {
	return c.newLogger(os.Stderr)
}

func (c *Config) newLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		AddSource: true,
		Level:     c.slogLevel(),
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts))
	default:
		return slog.New(slog.NewTextHandler(w, opts))
	}
}

func (c *Config) slogLevel() slog.Level {
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// OTelSetup converts the otel section for otel.SetupOTelSDK.
func (c *Config) OTelSetup() otel.Config {
	return otel.Config{
		Enabled:        c.OTel.Enabled,
		Endpoint:       c.OTel.Endpoint,
		Insecure:       c.OTel.Insecure,
		StdOut:         c.OTel.StdOut,
		PrometheusPort: c.OTel.PrometheusPort,
	}
}

// NewEngine creates the backend selected by engine.type.
func (c *Config) NewEngine(ctx context.Context, logger *slog.Logger) (engine.Engine, error) {
	switch c.Engine.Type {
	case "openvz":
		return openvz.New(openvz.Config{
			Sudo:           *c.Engine.OpenVZ.Sudo,
			VZCtl:          c.Engine.OpenVZ.VZCtl,
			VZList:         c.Engine.OpenVZ.VZList,
			DumpDir:        c.Engine.OpenVZ.DumpDir,
			CommandTimeout: c.Engine.OpenVZ.CommandTimeout,
		}, logger.WithGroup("engine.openvz")), nil
	case "docker":
		return docker.New(docker.Config{
			Label:         c.Engine.Docker.Label,
			Checkpoint:    c.Engine.Docker.Checkpoint,
			CheckpointDir: c.Engine.Docker.CheckpointDir,
			StopTimeout:   c.Engine.Docker.StopTimeout,
		}, logger.WithGroup("engine.docker"))
	case "gcp":
		return gcp.New(ctx, gcp.Config{
			Project:     c.Engine.GCP.Project,
			Zone:        c.Engine.GCP.Zone,
			PublicIP:    *c.Engine.GCP.PublicIP,
			ImageSuffix: c.Engine.GCP.ImageSuffix,
			Filter:      c.Engine.GCP.Filter,
		}, logger.WithGroup("engine.gcp"))
	default:
		return nil, fmt.Errorf("unsupported engine type: %s", c.Engine.Type)
	}
}

// NewTransport creates the SSH transport sessions connect through.
func (c *Config) NewTransport() *shell.SSH {
	return &shell.SSH{
		ConnectTimeout: c.SSH.ConnectTimeout,
		KnownHostsFile: c.SSH.KnownHostsFile,
	}
}

// MachineNames returns worker.machines, or the engine's machines
// matching worker.name_prefix when none are listed.
func (c *Config) MachineNames(ctx context.Context, eng engine.Engine) ([]string, error) {
	if len(c.Worker.Machines) > 0 {
		return c.Worker.Machines, nil
	}
	names, err := engine.Names(ctx, eng, c.Worker.NamePrefix)
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("no machines named %s* found", c.Worker.NamePrefix)
	}
	return names, nil
}

// NewWorker creates a worker over machines. Build output goes to out.
func (c *Config) NewWorker(eng engine.Engine, transport shell.Transport, machines []string, out io.Writer, logger *slog.Logger) (*worker.Worker, error) {
	return worker.New(worker.Config{
		Machines: machines,
		Sandbox: sandbox.Config{
			Engine: eng,
			Target: shell.Target{
				Port:           c.SSH.Port,
				User:           c.SSH.User,
				PrivateKeyPath: c.SSH.PrivateKeyPath,
			},
			Transport:         transport,
			BufferLimit:       c.Shell.BufferLimit,
			FlushInterval:     c.Shell.FlushInterval,
			BootAttempts:      c.Boot.Attempts,
			BootRetryInterval: c.Boot.RetryInterval,
			SettleDelay:       c.Boot.SettleDelay,
			ConnectAttempts:   c.Worker.ConnectAttempts,
		},
		Output: out,
		Logger: logger,
	})
}
