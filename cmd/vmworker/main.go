package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/terrpan/vmworker/internal/buildinfo"
	"github.com/terrpan/vmworker/internal/builder"
	"github.com/terrpan/vmworker/internal/config"
	"github.com/terrpan/vmworker/internal/engine"
	"github.com/terrpan/vmworker/internal/health"
	vmotel "github.com/terrpan/vmworker/internal/otel"
	"github.com/terrpan/vmworker/internal/worker"
)

var (
	cfgPath       string
	flagOverrides config.Config
	prepareFirst  bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "vmworker",
	Short: "CI worker that runs each build in a freshly rolled-back sandbox",
	Long: `vmworker drives a set of sandbox machines (OpenVZ containers, Docker
containers with CRIU checkpoints, or GCP instances). Every machine is
snapshotted once; every build job then runs on a machine restored to
that snapshot and powered off afterwards.

Configuration is read from a YAML file (--config) with optional CLI
flag overrides for the most common settings.`,
	SilenceUsage: true,
}

var machinesCmd = &cobra.Command{
	Use:   "machines",
	Short: "List the engine's machines and their state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSignals(cmd, listMachines)
	},
}

var prepareCmd = &cobra.Command{
	Use:   "prepare",
	Short: "Create the baseline snapshot of every machine",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSignals(cmd, prepare)
	},
}

var runCmd = &cobra.Command{
	Use:   "run JOB.yaml...",
	Short: "Run build jobs, one sandboxed machine per job",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSignals(cmd, func(ctx context.Context) error {
			return runJobs(ctx, args)
		})
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "vmworker", buildinfo.String())
	},
}

func init() {
	f := rootCmd.PersistentFlags()

	// Config file
	f.StringVar(&cfgPath, "config", "vmworker.yaml", "Path to YAML configuration file")

	// Worker & engine overrides
	f.StringSliceVar(&flagOverrides.Worker.Machines, "machine", nil, "Machine to use (repeatable; default: discover by name prefix)")
	f.StringVar(&flagOverrides.Worker.NamePrefix, "name-prefix", "", "Machine name prefix used for discovery")
	f.StringVar(&flagOverrides.Engine.Type, "engine", "", "Engine type (openvz, docker, gcp)")

	// SSH overrides
	f.StringVar(&flagOverrides.SSH.User, "ssh-user", "", "SSH user")
	f.StringVar(&flagOverrides.SSH.PrivateKeyPath, "ssh-key", "", "Path to SSH private key")

	// Logging overrides
	f.StringVar(&flagOverrides.Logging.Level, "log-level", "", "Log level (debug, info, warn, error)")
	f.StringVar(&flagOverrides.Logging.Format, "log-format", "", "Log format (text, json)")

	// Telemetry overrides
	f.IntVar(&flagOverrides.OTel.PrometheusPort, "metrics-port", 0, "Serve /metrics and /healthz on this port")

	runCmd.Flags().BoolVar(&prepareFirst, "prepare", false, "Prepare machines before running jobs")

	rootCmd.AddCommand(machinesCmd, prepareCmd, runCmd, versionCmd)
}

func withSignals(cmd *cobra.Command, fn func(ctx context.Context) error) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	return fn(ctx)
}

// applyFlagOverrides merges non-zero CLI flag values into the loaded config.
func applyFlagOverrides(cfg *config.Config) {
	if len(flagOverrides.Worker.Machines) > 0 {
		cfg.Worker.Machines = flagOverrides.Worker.Machines
	}
	if flagOverrides.Worker.NamePrefix != "" {
		cfg.Worker.NamePrefix = flagOverrides.Worker.NamePrefix
	}
	if flagOverrides.Engine.Type != "" {
		cfg.Engine.Type = flagOverrides.Engine.Type
	}
	if flagOverrides.SSH.User != "" {
		cfg.SSH.User = flagOverrides.SSH.User
	}
	if flagOverrides.SSH.PrivateKeyPath != "" {
		cfg.SSH.PrivateKeyPath = flagOverrides.SSH.PrivateKeyPath
	}
	if flagOverrides.Logging.Level != "" {
		cfg.Logging.Level = flagOverrides.Logging.Level
	}
	if flagOverrides.Logging.Format != "" {
		cfg.Logging.Format = flagOverrides.Logging.Format
	}
	if flagOverrides.OTel.PrometheusPort != 0 {
		cfg.OTel.PrometheusPort = flagOverrides.OTel.PrometheusPort
	}
}

// ---------------------------------------------------------------------------
// Shared setup
// ---------------------------------------------------------------------------

type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	engine    engine.Engine
	telemetry *vmotel.Telemetry
}

func setup(ctx context.Context) (*app, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	applyFlagOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger := cfg.NewLogger()
	logger.Info("configuration loaded",
		slog.String("configFile", cfgPath),
		slog.String("engine", cfg.Engine.Type),
		slog.String("version", buildinfo.Version),
	)

	tel, err := vmotel.Setup(ctx, cfg.OTelSetup())
	if err != nil {
		return nil, fmt.Errorf("setting up telemetry: %w", err)
	}

	eng, err := cfg.NewEngine(ctx, logger)
	if err != nil {
		_ = tel.Shutdown(ctx)
		return nil, fmt.Errorf("initializing engine: %w", err)
	}

	return &app{cfg: cfg, logger: logger, engine: eng, telemetry: tel}, nil
}

func (a *app) close(ctx context.Context) {
	if c, ok := a.engine.(io.Closer); ok {
		if err := c.Close(); err != nil {
			a.logger.Warn("closing engine", slog.String("error", err.Error()))
		}
	}
	if err := a.telemetry.Shutdown(ctx); err != nil {
		a.logger.Warn("shutting down telemetry", slog.String("error", err.Error()))
	}
}

func (a *app) newWorker(ctx context.Context) (*worker.Worker, error) {
	machines, err := a.cfg.MachineNames(ctx, a.engine)
	if err != nil {
		return nil, fmt.Errorf("resolving machines: %w", err)
	}
	a.logger.Info("using machines", slog.Any("machines", machines))
	return a.cfg.NewWorker(a.engine, a.cfg.NewTransport(), machines, os.Stdout, a.logger.WithGroup("worker"))
}

// serve starts the /healthz and /metrics server when a port is set.
func (a *app) serve(w *worker.Worker) (stop func()) {
	port := a.cfg.OTel.PrometheusPort
	if port == 0 {
		return func() {}
	}

	mux := http.NewServeMux()
	mux.Handle("/healthz", health.Handler(a.cfg.Engine.Type, slotStatus(w)))
	if h := a.telemetry.MetricsHandler(); h != nil {
		mux.Handle("/metrics", h)
	}
	srv := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(port)),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("serving metrics", slog.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server failed", slog.String("error", err.Error()))
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

func slotStatus(w *worker.Worker) func() []health.Slot {
	return func() []health.Slot {
		var out []health.Slot
		for _, s := range w.Slots() {
			state, snapshot := s.Sandbox().LastState()
			out = append(out, health.Slot{
				Machine:  s.Name(),
				State:    string(state),
				Snapshot: snapshot,
				Job:      s.Job(),
			})
		}
		return out
	}
}

// ---------------------------------------------------------------------------
// Commands
// ---------------------------------------------------------------------------

func listMachines(ctx context.Context) error {
	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.close(context.WithoutCancel(ctx))

	machines, err := a.engine.List(ctx)
	if err != nil {
		return fmt.Errorf("listing machines: %w", err)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSTATE\tIP\tSNAPSHOT")
	for _, m := range machines {
		ip := m.IP
		if ip == "" {
			ip = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\n", m.Name, m.State, ip, m.Snapshot)
	}
	return tw.Flush()
}

func prepare(ctx context.Context) error {
	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.close(context.WithoutCancel(ctx))

	w, err := a.newWorker(ctx)
	if err != nil {
		return err
	}
	if err := w.Prepare(ctx); err != nil {
		return err
	}
	a.logger.Info("all machines prepared", slog.Int("machines", len(w.Slots())))
	return nil
}

func runJobs(ctx context.Context, paths []string) error {
	jobs := make([]*builder.Job, 0, len(paths))
	for _, p := range paths {
		job, err := builder.LoadJob(p)
		if err != nil {
			return err
		}
		jobs = append(jobs, job)
	}

	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.close(context.WithoutCancel(ctx))

	w, err := a.newWorker(ctx)
	if err != nil {
		return err
	}
	stop := a.serve(w)
	defer stop()

	if prepareFirst {
		if err := w.Prepare(ctx); err != nil {
			return err
		}
	}

	reports := w.Run(ctx, jobs)

	failed := 0
	tw := tabwriter.NewWriter(os.Stderr, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB\tMACHINE\tRESULT\tSTATUS\tDURATION")
	for _, r := range reports {
		if r.Result() != worker.ResultPassed {
			failed++
		}
		machine := r.Machine
		if machine == "" {
			machine = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", r.JobID, machine, r.Result(), r.Status, r.Duration.Round(time.Second))
	}
	_ = tw.Flush()

	if failed > 0 {
		return fmt.Errorf("%d of %d jobs did not pass", failed, len(reports))
	}
	return nil
}
