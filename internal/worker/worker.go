// Package worker drives a fixed set of sandboxes in parallel. Each
// slot owns one machine and runs one build bracket at a time; jobs are
// handed to whichever slot frees up first.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/terrpan/vmworker/internal/builder"
	"github.com/terrpan/vmworker/internal/sandbox"
	"github.com/terrpan/vmworker/internal/shell"
)

// Job results reported in logs and metrics.
const (
	ResultPassed  = "passed"
	ResultFailed  = "failed"
	ResultErrored = "errored"
)

// ErrNoMachines is returned by New without any machine names.
var ErrNoMachines = errors.New("worker needs at least one machine")

// Config holds the parameters the Worker needs.
type Config struct {
	// Machines names one machine per slot.
	Machines []string

	// Sandbox is the template every slot's sandbox is built from. Name
	// and OnOutput are set per slot.
	Sandbox sandbox.Config

	// Output receives build output, each line prefixed with its job id.
	// Nil discards output.
	Output io.Writer

	Logger *slog.Logger
}

// Report is the outcome of one job.
type Report struct {
	JobID    string
	Machine  string
	Status   int
	Err      error
	Duration time.Duration
}

// Result classifies the report: passed, failed (non-zero status) or
// errored (the bracket faulted).
func (r Report) Result() string {
	switch {
	case r.Err != nil:
		return ResultErrored
	case r.Status != 0:
		return ResultFailed
	default:
		return ResultPassed
	}
}

// Slot is one machine and the job it is currently running.
type Slot struct {
	sandbox *sandbox.Sandbox
	job     atomic.Pointer[string]
}

// Name returns the slot's machine name.
func (s *Slot) Name() string { return s.sandbox.Name() }

// Sandbox returns the slot's sandbox.
func (s *Slot) Sandbox() *sandbox.Sandbox { return s.sandbox }

// Job returns the id of the running job, or "" when the slot is idle.
func (s *Slot) Job() string {
	if id := s.job.Load(); id != nil {
		return *id
	}
	return ""
}

// buildFunc runs a job's commands through a connected session.
type buildFunc func(ctx context.Context, r builder.Runner, job *builder.Job, logger *slog.Logger) (int, error)

// Worker runs jobs across its slots.
type Worker struct {
	slots  []*Slot
	out    *prefixWriter
	logger *slog.Logger
	build  buildFunc
	busy   atomic.Int64

	// OpenTelemetry instrumentation
	tracer trace.Tracer
	meter  metric.Meter

	jobsCompleted metric.Int64Counter
	jobDuration   metric.Float64Histogram
}

// New creates a Worker with one slot per machine. No machine is
// touched until Prepare or Run.
func New(cfg Config) (*Worker, error) {
	if len(cfg.Machines) == 0 {
		return nil, ErrNoMachines
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Output == nil {
		cfg.Output = io.Discard
	}

	w := &Worker{
		out:    newPrefixWriter(cfg.Output),
		logger: cfg.Logger,
		build:  builder.Run,
		tracer: otel.Tracer("vmworker/worker"),
		meter:  otel.Meter("vmworker/worker"),
	}

	seen := make(map[string]bool, len(cfg.Machines))
	for _, name := range cfg.Machines {
		if seen[name] {
			return nil, fmt.Errorf("machine %q listed twice", name)
		}
		seen[name] = true

		sc := cfg.Sandbox
		sc.Name = name
		sc.OnOutput = w.output
		if sc.Logger == nil {
			sc.Logger = cfg.Logger
		}
		w.slots = append(w.slots, &Slot{sandbox: sandbox.New(sc)})
	}

	var err error
	w.jobsCompleted, err = w.meter.Int64Counter(
		"vmworker.jobs.completed",
		metric.WithDescription("Total number of jobs completed"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create jobsCompleted counter", slog.String("error", err.Error()))
	}

	w.jobDuration, err = w.meter.Float64Histogram(
		"vmworker.job.duration",
		metric.WithDescription("Time from restoring a machine to powering it off (seconds)"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(10, 30, 60, 300, 600, 1200, 1800, 3600),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create jobDuration histogram", slog.String("error", err.Error()))
	}

	_, err = w.meter.Int64ObservableGauge(
		"vmworker.slots.busy",
		metric.WithDescription("Current number of slots running a job"),
		metric.WithUnit("1"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(w.busy.Load())
			return nil
		}),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create busy gauge", slog.String("error", err.Error()))
	}

	return w, nil
}

// Slots returns the worker's slots in configuration order.
func (w *Worker) Slots() []*Slot { return w.slots }

// Busy returns the number of slots currently running a job.
func (w *Worker) Busy() int { return int(w.busy.Load()) }

// ---------------------------------------------------------------------------
// Operations
// ---------------------------------------------------------------------------

// Prepare prepares every slot's machine concurrently. The first
// failure cancels the remaining preparations.
func (w *Worker) Prepare(ctx context.Context) error {
	ctx, span := w.tracer.Start(ctx, "worker.Prepare",
		trace.WithAttributes(attribute.Int("worker.slots", len(w.slots))))
	defer span.End()

	g, ctx := errgroup.WithContext(ctx)
	for _, slot := range w.slots {
		g.Go(func() error {
			w.logger.Info("preparing machine", slog.String("machine", slot.Name()))
			if err := slot.sandbox.Prepare(ctx); err != nil {
				return fmt.Errorf("prepare %s: %w", slot.Name(), err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// Run executes jobs on free slots and returns one report per job, in
// the order of jobs. Jobs without an id are given one. Once ctx is
// done no further job is started; those not started are reported with
// ctx's error.
func (w *Worker) Run(ctx context.Context, jobs []*builder.Job) []Report {
	ctx, span := w.tracer.Start(ctx, "worker.Run",
		trace.WithAttributes(attribute.Int("worker.jobs", len(jobs))))
	defer span.End()

	for _, job := range jobs {
		if job.ID == "" {
			job.ID = uuid.NewString()
		}
	}

	reports := make([]Report, len(jobs))
	queue := make(chan int)

	var g errgroup.Group
	for _, slot := range w.slots {
		g.Go(func() error {
			for i := range queue {
				reports[i] = w.runJob(ctx, slot, jobs[i])
			}
			return nil
		})
	}

	for i, job := range jobs {
		if err := ctx.Err(); err != nil {
			reports[i] = Report{JobID: job.ID, Status: 1, Err: err}
			continue
		}
		select {
		case queue <- i:
		case <-ctx.Done():
			reports[i] = Report{JobID: job.ID, Status: 1, Err: ctx.Err()}
		}
	}
	close(queue)
	_ = g.Wait()

	return reports
}

// ---------------------------------------------------------------------------
// internal helpers
// ---------------------------------------------------------------------------

func (w *Worker) runJob(ctx context.Context, slot *Slot, job *builder.Job) Report {
	ctx, span := w.tracer.Start(ctx, "worker.runJob",
		trace.WithAttributes(
			attribute.String("job.id", job.ID),
			attribute.String("sandbox.machine", slot.Name()),
		))
	defer span.End()

	ctx = withJobID(ctx, job.ID)
	id := job.ID
	slot.job.Store(&id)
	w.busy.Add(1)
	defer func() {
		w.busy.Add(-1)
		slot.job.Store(nil)
	}()

	logger := w.logger.With(slog.String("job", job.ID), slog.String("machine", slot.Name()))
	logger.Info("job started")
	start := time.Now()

	res := slot.sandbox.Sandboxed(ctx, func(ctx context.Context, sess *shell.Session) (int, error) {
		return w.build(ctx, sess, job, logger)
	})
	w.out.finish(job.ID)

	rep := Report{
		JobID:    job.ID,
		Machine:  slot.Name(),
		Status:   res.Status,
		Err:      res.Err,
		Duration: time.Since(start),
	}
	result := rep.Result()

	span.SetAttributes(
		attribute.Int("job.status", rep.Status),
		attribute.String("job.result", result),
	)
	if rep.Err != nil {
		span.SetStatus(codes.Error, rep.Err.Error())
	}

	if w.jobsCompleted != nil {
		w.jobsCompleted.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
	}
	if w.jobDuration != nil {
		w.jobDuration.Record(ctx, rep.Duration.Seconds())
	}

	attrs := []any{
		slog.String("result", result),
		slog.Int("status", rep.Status),
		slog.Duration("duration", rep.Duration),
	}
	if rep.Err != nil {
		logger.Error("job completed", append(attrs, slog.String("error", rep.Err.Error()))...)
	} else {
		logger.Info("job completed", attrs...)
	}
	return rep
}

// output is every slot's OnOutput callback.
func (w *Worker) output(ctx context.Context, chunk shell.Chunk) {
	w.out.write(jobIDFrom(ctx), chunk.Data)
}

type jobIDKey struct{}

func withJobID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, jobIDKey{}, id)
}

func jobIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(jobIDKey{}).(string); ok {
		return id
	}
	return "-"
}
