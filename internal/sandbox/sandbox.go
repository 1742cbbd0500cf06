// Package sandbox owns the lifecycle of one disposable machine: it
// prepares a baseline snapshot once and wraps every job in a bracket
// that rolls the machine back to that baseline first and powers it off
// afterwards, whatever the job did.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/vmworker/internal/engine"
	"github.com/terrpan/vmworker/internal/retry"
	"github.com/terrpan/vmworker/internal/shell"
)

const (
	// DefaultBootAttempts is the number of readiness probes made while
	// waiting for a freshly started machine.
	DefaultBootAttempts = 3

	// DefaultSettleDelay follows a successful readiness probe. An open
	// shell does not mean every guest service is up.
	DefaultSettleDelay = 10 * time.Second
)

var (
	// ErrNotPrepared is returned when a bracket is opened on a machine
	// without a baseline snapshot.
	ErrNotPrepared = errors.New("machine has no baseline snapshot")

	// ErrNoAddress is returned when the engine reports no IP address.
	ErrNoAddress = errors.New("machine has no ip address")
)

// JobFault is the error carried by a failed bracket. Stage is one of
// "start", "connect" or "job".
type JobFault struct {
	Machine string
	Stage   string
	Err     error
}

func (f *JobFault) Error() string {
	return fmt.Sprintf("sandbox %s: %s: %v", f.Machine, f.Stage, f.Err)
}

func (f *JobFault) Unwrap() error { return f.Err }

// Result is the outcome of one bracket. A fault anywhere inside the
// bracket yields Status 1 and a *JobFault in Err. Errors from closing
// the bracket are joined into Err without changing Status.
type Result struct {
	Status int
	Err    error
}

// OK reports whether the job ran and exited 0 and the bracket closed
// cleanly.
func (r Result) OK() bool { return r.Status == 0 && r.Err == nil }

// Job is the body of a bracket. It runs against a connected session on
// a machine freshly rolled back to its baseline.
type Job func(ctx context.Context, sess *shell.Session) (int, error)

// Config configures a Sandbox.
type Config struct {
	// Name is the machine name known to the engine.
	Name   string
	Engine engine.Engine

	// Target supplies port, user and key; Host is filled from the
	// machine's current address for every connection.
	Target    shell.Target
	Transport shell.Transport

	BufferLimit   int
	FlushInterval time.Duration

	// BootAttempts bounds readiness probing in Prepare. Default 3.
	BootAttempts int

	// BootRetryInterval is the pause between readiness probes.
	BootRetryInterval time.Duration

	// SettleDelay follows a successful readiness probe.
	SettleDelay time.Duration

	// ConnectAttempts bounds the connection attempts at the start of a
	// bracket. Default 1.
	ConnectAttempts int

	// OnOutput receives the output of every bracket's session.
	OnOutput shell.OutputFunc

	Logger *slog.Logger
}

// Sandbox controls one machine. A Sandbox runs one bracket at a time;
// callers that share it must serialise Sandboxed themselves.
type Sandbox struct {
	cfg    Config
	name   string
	engine engine.Engine
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	state    engine.State
	snapshot bool
	session  *shell.Session

	tracer trace.Tracer
}

// New creates a Sandbox. The machine is not touched until Prepare,
// State or Sandboxed is called.
func New(cfg Config) *Sandbox {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.BootAttempts == 0 {
		cfg.BootAttempts = DefaultBootAttempts
	}
	if cfg.ConnectAttempts == 0 {
		cfg.ConnectAttempts = 1
	}
	return &Sandbox{
		cfg:    cfg,
		name:   cfg.Name,
		engine: cfg.Engine,
		logger: cfg.Logger.With(slog.String("machine", cfg.Name)),
		sleep:  sleepContext,
		state:  engine.StateUnknown,
		tracer: otel.Tracer("vmworker/sandbox"),
	}
}

// Name returns the machine name.
func (s *Sandbox) Name() string { return s.name }

// State queries the engine and returns the machine's power state and
// whether a baseline snapshot exists.
func (s *Sandbox) State(ctx context.Context) (engine.State, bool, error) {
	m, err := s.refresh(ctx)
	if err != nil {
		return engine.StateUnknown, false, err
	}
	return m.State, m.Snapshot, nil
}

// IPAddress resolves the machine's current address. It is never
// cached: a rollback may change it.
func (s *Sandbox) IPAddress(ctx context.Context) (string, error) {
	m, err := s.refresh(ctx)
	if err != nil {
		return "", err
	}
	if m.IP == "" {
		return "", fmt.Errorf("%s: %w", s.name, ErrNoAddress)
	}
	return m.IP, nil
}

// ---------------------------------------------------------------------------
// Prepare
// ---------------------------------------------------------------------------

// Prepare establishes the baseline snapshot. When a snapshot exists and
// the machine is cleanly stopped or running it does nothing; otherwise
// it power-cycles the machine, waits for it to boot, pauses it and
// commits the snapshot, leaving the machine powered off.
func (s *Sandbox) Prepare(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "sandbox.Prepare",
		trace.WithAttributes(attribute.String("sandbox.machine", s.name)))
	defer span.End()

	m, err := s.refresh(ctx)
	if err != nil {
		return s.spanError(span, fmt.Errorf("prepare %s: %w", s.name, err))
	}
	if m.Snapshot && m.State != engine.StateUnknown {
		span.SetAttributes(attribute.Bool("sandbox.prepared", true))
		s.logger.Debug("baseline snapshot present", slog.String("state", string(m.State)))
		return nil
	}

	s.logger.Info("preparing baseline snapshot",
		slog.String("state", string(m.State)),
		slog.Bool("snapshot", m.Snapshot),
	)

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"restart", func(ctx context.Context) error { return s.restart(ctx, m.State) }},
		{"wait for boot", s.waitForBoot},
		{"pause", func(ctx context.Context) error { return s.engine.Pause(ctx, s.name) }},
		{"snapshot", func(ctx context.Context) error { return s.engine.Snapshot(ctx, s.name) }},
	}
	for _, step := range steps {
		span.AddEvent(step.name)
		if err := step.fn(ctx); err != nil {
			return s.spanError(span, fmt.Errorf("prepare %s: %s: %w", s.name, step.name, err))
		}
	}

	if _, err := s.refresh(ctx); err != nil {
		return s.spanError(span, fmt.Errorf("prepare %s: %w", s.name, err))
	}
	s.logger.Info("baseline snapshot ready")
	return nil
}

func (s *Sandbox) restart(ctx context.Context, state engine.State) error {
	if state != engine.StateStopped {
		if err := s.engine.PowerOff(ctx, s.name); err != nil {
			return err
		}
	}
	return s.engine.PowerOn(ctx, s.name)
}

// waitForBoot probes the machine with a quiet connect/close pair until
// it answers, then lets it settle.
func (s *Sandbox) waitForBoot(ctx context.Context) error {
	opts := []retry.Option{retry.WithLogger(s.logger, "wait for boot")}
	if s.cfg.BootRetryInterval > 0 {
		opts = append(opts, retry.WithInterval(s.cfg.BootRetryInterval))
	}

	err := retry.Do(ctx, s.cfg.BootAttempts, func(ctx context.Context) error {
		sess, err := s.newSession(ctx)
		if err != nil {
			return err
		}
		if err := sess.Connect(ctx, shell.Quiet()); err != nil {
			return err
		}
		return sess.Close()
	}, opts...)
	if err != nil {
		return err
	}
	return s.sleep(ctx, s.cfg.SettleDelay)
}

// ---------------------------------------------------------------------------
// Bracket
// ---------------------------------------------------------------------------

// Sandboxed runs job inside one bracket: the machine is powered off if
// needed, rolled back to its baseline and powered on; a session is
// opened against its current address; job runs; and finally the session
// is closed and the machine powered off.
//
// Sandboxed never panics and never returns without closing the bracket.
// Errors and panics from starting the machine, connecting or the job
// itself are logged and reported as Result{Status: 1, Err: *JobFault}.
// Closing runs on a context detached from ctx's cancellation.
func (s *Sandbox) Sandboxed(ctx context.Context, job Job) Result {
	ctx, span := s.tracer.Start(ctx, "sandbox.Sandboxed",
		trace.WithAttributes(attribute.String("sandbox.machine", s.name)))
	defer span.End()

	res := s.run(ctx, job)

	if err := s.closeSandbox(context.WithoutCancel(ctx)); err != nil {
		s.logger.Error("closing sandbox failed", slog.String("error", err.Error()))
		span.RecordError(err)
		res.Err = errors.Join(res.Err, err)
	}

	span.SetAttributes(attribute.Int("sandbox.status", res.Status))
	if res.Err != nil {
		span.SetStatus(codes.Error, res.Err.Error())
	}
	return res
}

func (s *Sandbox) run(ctx context.Context, job Job) (res Result) {
	stage := "start"
	defer func() {
		if r := recover(); r != nil {
			res = s.fault(ctx, stage, fmt.Errorf("panic: %v", r))
		}
	}()

	if err := s.startSandbox(ctx); err != nil {
		return s.fault(ctx, stage, err)
	}

	stage = "connect"
	sess, err := s.openSession(ctx)
	if err != nil {
		return s.fault(ctx, stage, err)
	}

	stage = "job"
	status, err := job(ctx, sess)
	if err != nil {
		return s.fault(ctx, stage, err)
	}
	return Result{Status: status}
}

func (s *Sandbox) fault(ctx context.Context, stage string, err error) Result {
	f := &JobFault{Machine: s.name, Stage: stage, Err: err}
	s.logger.Error("sandboxed job failed",
		slog.String("stage", stage),
		slog.String("error", err.Error()),
	)
	trace.SpanFromContext(ctx).RecordError(f)
	return Result{Status: 1, Err: f}
}

func (s *Sandbox) startSandbox(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "sandbox.startSandbox")
	defer span.End()

	m, err := s.refresh(ctx)
	if err != nil {
		return s.spanError(span, err)
	}
	if !m.Snapshot {
		return s.spanError(span, fmt.Errorf("%s: %w", s.name, ErrNotPrepared))
	}
	if m.State != engine.StateStopped {
		if err := s.engine.PowerOff(ctx, s.name); err != nil {
			return s.spanError(span, fmt.Errorf("power off: %w", err))
		}
	}
	if err := s.engine.Restore(ctx, s.name); err != nil {
		return s.spanError(span, fmt.Errorf("restore: %w", err))
	}

	m, err = s.refresh(ctx)
	if err != nil {
		return s.spanError(span, err)
	}
	if m.State != engine.StateRunning {
		if err := s.engine.PowerOn(ctx, s.name); err != nil {
			return s.spanError(span, fmt.Errorf("power on: %w", err))
		}
	}
	s.logger.Info("sandbox started")
	return nil
}

func (s *Sandbox) openSession(ctx context.Context) (*shell.Session, error) {
	var sess *shell.Session
	err := retry.Do(ctx, s.cfg.ConnectAttempts, func(ctx context.Context) error {
		var err error
		if sess, err = s.newSession(ctx); err != nil {
			return err
		}
		if s.cfg.OnOutput != nil {
			sess.OnOutput(s.cfg.OnOutput)
		}
		return sess.Connect(ctx)
	}, retry.WithLogger(s.logger, "connect"))
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.session = sess
	s.mu.Unlock()
	return sess, nil
}

// closeSandbox closes the bracket's session and powers the machine off.
// The power-off is attempted even if the state query fails.
func (s *Sandbox) closeSandbox(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "sandbox.closeSandbox")
	defer span.End()

	s.mu.Lock()
	sess := s.session
	s.session = nil
	s.mu.Unlock()

	var errs []error
	if sess != nil {
		if err := sess.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	m, err := s.refresh(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	if err != nil || m.State != engine.StateStopped {
		if err := s.engine.PowerOff(ctx, s.name); err != nil {
			errs = append(errs, fmt.Errorf("power off %s: %w", s.name, err))
		} else {
			s.setState(engine.StateStopped)
		}
	}

	s.logger.Info("sandbox stopped")
	return s.spanError(span, errors.Join(errs...))
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

func (s *Sandbox) newSession(ctx context.Context) (*shell.Session, error) {
	ip, err := s.IPAddress(ctx)
	if err != nil {
		return nil, err
	}
	target := s.cfg.Target
	target.Host = ip
	return shell.New(shell.Config{
		Name:          s.name,
		Target:        target,
		Transport:     s.cfg.Transport,
		BufferLimit:   s.cfg.BufferLimit,
		FlushInterval: s.cfg.FlushInterval,
		Logger:        s.cfg.Logger,
	}), nil
}

func (s *Sandbox) refresh(ctx context.Context) (engine.Machine, error) {
	m, err := s.engine.Inspect(ctx, s.name)
	if err != nil {
		return engine.Machine{State: engine.StateUnknown}, fmt.Errorf("inspect %s: %w", s.name, err)
	}
	s.mu.Lock()
	s.state = m.State
	s.snapshot = m.Snapshot
	s.mu.Unlock()
	return m, nil
}

func (s *Sandbox) setState(state engine.State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// LastState returns the state and snapshot presence observed by the
// most recent engine query, without querying again.
func (s *Sandbox) LastState() (engine.State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.snapshot
}

func (s *Sandbox) spanError(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
