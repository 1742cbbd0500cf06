package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/terrpan/vmworker/internal/builder"
	"github.com/terrpan/vmworker/internal/engine"
	"github.com/terrpan/vmworker/internal/sandbox"
	"github.com/terrpan/vmworker/internal/shell"
)

// ---------------------------------------------------------------------------
// Fake engine and transport
// ---------------------------------------------------------------------------

type fakeMachine struct {
	state    engine.State
	snapshot bool
	ip       string
}

type fakeEngine struct {
	mu       sync.Mutex
	machines map[string]*fakeMachine
	calls    []string
}

func newFakeEngine(names ...string) *fakeEngine {
	e := &fakeEngine{machines: make(map[string]*fakeMachine)}
	for i, n := range names {
		e.machines[n] = &fakeMachine{state: engine.StateStopped, ip: fmt.Sprintf("10.0.0.%d", i+1)}
	}
	return e
}

func (e *fakeEngine) do(op, name string, fn func(m *fakeMachine)) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, op+" "+name)
	m, ok := e.machines[name]
	if !ok {
		return fmt.Errorf("machine %s not found", name)
	}
	fn(m)
	return nil
}

func (e *fakeEngine) count(op string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, c := range e.calls {
		if strings.HasPrefix(c, op+" ") {
			n++
		}
	}
	return n
}

func (e *fakeEngine) running(ip string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, m := range e.machines {
		if m.ip == ip {
			return m.state == engine.StateRunning
		}
	}
	return false
}

func (e *fakeEngine) List(context.Context) ([]engine.Machine, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []engine.Machine
	for n, m := range e.machines {
		out = append(out, engine.Machine{Name: n, State: m.state, IP: m.ip, Snapshot: m.snapshot})
	}
	return out, nil
}

func (e *fakeEngine) Inspect(_ context.Context, name string) (engine.Machine, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.machines[name]
	if !ok {
		return engine.Machine{}, fmt.Errorf("machine %s not found", name)
	}
	return engine.Machine{Name: name, State: m.state, IP: m.ip, Snapshot: m.snapshot}, nil
}

func (e *fakeEngine) PowerOn(_ context.Context, name string) error {
	return e.do("poweron", name, func(m *fakeMachine) { m.state = engine.StateRunning })
}

func (e *fakeEngine) PowerOff(_ context.Context, name string) error {
	return e.do("poweroff", name, func(m *fakeMachine) { m.state = engine.StateStopped })
}

func (e *fakeEngine) Pause(_ context.Context, name string) error {
	return e.do("pause", name, func(m *fakeMachine) { m.state = engine.StateUnknown })
}

func (e *fakeEngine) Snapshot(_ context.Context, name string) error {
	return e.do("snapshot", name, func(m *fakeMachine) {
		m.snapshot = true
		m.state = engine.StateStopped
	})
}

func (e *fakeEngine) Restore(_ context.Context, name string) error {
	return e.do("restore", name, func(m *fakeMachine) { m.state = engine.StateRunning })
}

// fakeTransport opens shells on running machines. Commands are
// recorded; "echo" prints, "false" fails and "block" holds the shell
// for a short while so concurrency can be observed.
type fakeTransport struct {
	engine *fakeEngine

	mu        sync.Mutex
	commands  []string
	active    int
	maxActive int
}

func (t *fakeTransport) Open(_ context.Context, target shell.Target) (shell.Shell, error) {
	if !t.engine.running(target.Host) {
		return nil, errors.New("connection refused")
	}
	return &fakeShell{t: t, open: true}, nil
}

func (t *fakeTransport) executed() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.commands...)
}

type fakeShell struct {
	t    *fakeTransport
	mu   sync.Mutex
	open bool
}

func (s *fakeShell) Execute(command string, output io.Writer) (int, error) {
	s.t.mu.Lock()
	s.t.commands = append(s.t.commands, command)
	s.t.mu.Unlock()

	switch {
	case strings.HasPrefix(command, "echo "):
		_, _ = io.WriteString(output, strings.TrimPrefix(command, "echo ")+"\n")
	case command == "false":
		return 1, nil
	case command == "block":
		s.t.mu.Lock()
		s.t.active++
		s.t.maxActive = max(s.t.maxActive, s.t.active)
		s.t.mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		s.t.mu.Lock()
		s.t.active--
		s.t.mu.Unlock()
	}
	return 0, nil
}

func (s *fakeShell) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = false
	return nil
}

func (s *fakeShell) Open() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// ---------------------------------------------------------------------------
// Test suite
// ---------------------------------------------------------------------------

type WorkerSuite struct {
	suite.Suite
	ctx       context.Context
	engine    *fakeEngine
	transport *fakeTransport
	output    *syncBuffer
}

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.String()
}

func (s *WorkerSuite) SetupTest() {
	s.ctx = context.Background()
	s.engine = newFakeEngine("travis-1", "travis-2")
	s.transport = &fakeTransport{engine: s.engine}
	s.output = &syncBuffer{}
}

func (s *WorkerSuite) newWorker(machines ...string) *Worker {
	if len(machines) == 0 {
		machines = []string{"travis-1", "travis-2"}
	}
	w, err := New(Config{
		Machines: machines,
		Sandbox: sandbox.Config{
			Engine:    s.engine,
			Target:    shell.Target{Port: 22, User: "travis"},
			Transport: s.transport,
		},
		Output: s.output,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(s.T(), err)
	return w
}

func (s *WorkerSuite) prepared(machines ...string) *Worker {
	w := s.newWorker(machines...)
	require.NoError(s.T(), w.Prepare(s.ctx))
	return w
}

func TestWorkerSuite(t *testing.T) {
	suite.Run(t, new(WorkerSuite))
}

func script(id string, lines ...string) *builder.Job {
	return &builder.Job{ID: id, Script: lines}
}

// ---------------------------------------------------------------------------
// Construction
// ---------------------------------------------------------------------------

func (s *WorkerSuite) TestNew_RequiresMachines() {
	_, err := New(Config{})
	assert.ErrorIs(s.T(), err, ErrNoMachines)
}

func (s *WorkerSuite) TestNew_RejectsDuplicateMachines() {
	_, err := New(Config{Machines: []string{"travis-1", "travis-1"}})
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "listed twice")
}

func (s *WorkerSuite) TestNew_OneSlotPerMachine() {
	w := s.newWorker()
	require.Len(s.T(), w.Slots(), 2)
	assert.Equal(s.T(), "travis-1", w.Slots()[0].Name())
	assert.Equal(s.T(), "travis-2", w.Slots()[1].Name())
	assert.Empty(s.T(), w.Slots()[0].Job())
	assert.Equal(s.T(), 0, w.Busy())
}

// ---------------------------------------------------------------------------
// Prepare
// ---------------------------------------------------------------------------

func (s *WorkerSuite) TestPrepare_SnapshotsEveryMachine() {
	w := s.prepared()

	assert.Equal(s.T(), 2, s.engine.count("snapshot"))
	for _, slot := range w.Slots() {
		state, snapshot := slot.Sandbox().LastState()
		assert.Equal(s.T(), engine.StateStopped, state)
		assert.True(s.T(), snapshot)
	}
}

func (s *WorkerSuite) TestPrepare_FailureNamesMachine() {
	w := s.newWorker("travis-1", "travis-9")

	err := w.Prepare(s.ctx)
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "prepare travis-9")
}

// ---------------------------------------------------------------------------
// Run
// ---------------------------------------------------------------------------

func (s *WorkerSuite) TestRun_ReportsInJobOrder() {
	w := s.prepared()

	reports := w.Run(s.ctx, []*builder.Job{
		script("a", "echo one"),
		script("b", "false"),
		script("c", "echo three"),
	})

	require.Len(s.T(), reports, 3)
	assert.Equal(s.T(), []string{"a", "b", "c"}, []string{reports[0].JobID, reports[1].JobID, reports[2].JobID})

	assert.Equal(s.T(), ResultPassed, reports[0].Result())
	assert.Equal(s.T(), 1, reports[1].Status)
	assert.Equal(s.T(), ResultFailed, reports[1].Result())
	assert.NoError(s.T(), reports[1].Err)
	assert.Equal(s.T(), ResultPassed, reports[2].Result())

	for _, r := range reports {
		assert.Contains(s.T(), []string{"travis-1", "travis-2"}, r.Machine)
		assert.Positive(s.T(), r.Duration)
	}
	assert.Equal(s.T(), 3, s.engine.count("restore"))
	assert.Equal(s.T(), 0, w.Busy())
}

func (s *WorkerSuite) TestRun_LeavesMachinesStopped() {
	w := s.prepared()
	w.Run(s.ctx, []*builder.Job{script("a", "echo one"), script("b", "echo two")})

	for _, slot := range w.Slots() {
		state, _, err := slot.Sandbox().State(s.ctx)
		require.NoError(s.T(), err)
		assert.Equal(s.T(), engine.StateStopped, state)
	}
}

func (s *WorkerSuite) TestRun_ParallelismBoundedBySlots() {
	w := s.prepared()

	jobs := make([]*builder.Job, 6)
	for i := range jobs {
		jobs[i] = script(fmt.Sprintf("job-%d", i), "block")
	}
	reports := w.Run(s.ctx, jobs)

	for _, r := range reports {
		assert.True(s.T(), r.Status == 0 && r.Err == nil, "job %s: %v", r.JobID, r.Err)
	}
	s.transport.mu.Lock()
	defer s.transport.mu.Unlock()
	assert.LessOrEqual(s.T(), s.transport.maxActive, 2)
	assert.GreaterOrEqual(s.T(), s.transport.maxActive, 1)
}

func (s *WorkerSuite) TestRun_UnpreparedMachineErrors() {
	w := s.newWorker("travis-1")

	reports := w.Run(s.ctx, []*builder.Job{script("a", "echo one")})

	require.Len(s.T(), reports, 1)
	assert.Equal(s.T(), ResultErrored, reports[0].Result())
	assert.ErrorIs(s.T(), reports[0].Err, sandbox.ErrNotPrepared)

	var fault *sandbox.JobFault
	require.ErrorAs(s.T(), reports[0].Err, &fault)
	assert.Equal(s.T(), "start", fault.Stage)
	assert.Empty(s.T(), s.transport.executed())
}

func (s *WorkerSuite) TestRun_InvalidJobErrors() {
	w := s.prepared("travis-1")

	reports := w.Run(s.ctx, []*builder.Job{{ID: "bad", Language: "cobol"}})

	assert.Equal(s.T(), ResultErrored, reports[0].Result())
	assert.Equal(s.T(), 1, reports[0].Status)
	assert.Equal(s.T(), 1, s.engine.count("restore"))
}

func (s *WorkerSuite) TestRun_AssignsMissingJobIDs() {
	w := s.prepared("travis-1")
	job := &builder.Job{Script: []string{"echo hi"}}

	reports := w.Run(s.ctx, []*builder.Job{job})

	require.NotEmpty(s.T(), job.ID)
	_, err := uuid.Parse(job.ID)
	assert.NoError(s.T(), err)
	assert.Equal(s.T(), job.ID, reports[0].JobID)
}

func (s *WorkerSuite) TestRun_CancelledContextStartsNothing() {
	w := s.prepared()
	restores := s.engine.count("restore")

	ctx, cancel := context.WithCancel(s.ctx)
	cancel()
	reports := w.Run(ctx, []*builder.Job{script("a", "echo one"), script("b", "echo two")})

	for _, r := range reports {
		assert.ErrorIs(s.T(), r.Err, context.Canceled)
		assert.Equal(s.T(), ResultErrored, r.Result())
	}
	assert.Equal(s.T(), restores, s.engine.count("restore"))
}

func (s *WorkerSuite) TestRun_OutputPrefixedWithJobID() {
	w := s.prepared()

	w.Run(s.ctx, []*builder.Job{
		script("a", "echo from a", "echo again a"),
		script("b", "echo from b"),
	})

	out := s.output.String()
	assert.Contains(s.T(), out, "[a] from a\n")
	assert.Contains(s.T(), out, "[a] again a\n")
	assert.Contains(s.T(), out, "[b] from b\n")
	assert.NotContains(s.T(), out, "[b] from a")
}

// ---------------------------------------------------------------------------
// Output writer
// ---------------------------------------------------------------------------

func TestPrefixWriter_HoldsPartialLines(t *testing.T) {
	var b bytes.Buffer
	p := newPrefixWriter(&b)

	p.write("a", "hel")
	assert.Empty(t, b.String())

	p.write("b", "other\n")
	p.write("a", "lo\nwor")
	assert.Equal(t, "[b] other\n[a] hello\n", b.String())

	p.finish("a")
	assert.Equal(t, "[b] other\n[a] hello\n[a] wor\n", b.String())

	p.finish("a")
	assert.Equal(t, "[b] other\n[a] hello\n[a] wor\n", b.String())
}

func TestPrefixWriter_MultipleLinesInOneChunk(t *testing.T) {
	var b bytes.Buffer
	p := newPrefixWriter(&b)

	p.write("7", "one\ntwo\n\nfour\n")
	assert.Equal(t, "[7] one\n[7] two\n[7] \n[7] four\n", b.String())
}

func TestJobIDFromContext(t *testing.T) {
	assert.Equal(t, "-", jobIDFrom(context.Background()))
	assert.Equal(t, "42", jobIDFrom(withJobID(context.Background(), "42")))
}

func TestReportResult(t *testing.T) {
	assert.Equal(t, ResultPassed, Report{}.Result())
	assert.Equal(t, ResultFailed, Report{Status: 2}.Result())
	assert.Equal(t, ResultErrored, Report{Status: 1, Err: errors.New("boom")}.Result())
}
