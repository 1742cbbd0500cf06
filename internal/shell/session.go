// Package shell runs commands on a remote machine over one persistent
// shell, streaming output while the command runs and enforcing a hard
// ceiling on how long any single command may take.
package shell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/terrpan/vmworker/internal/redact"
)

// HardCommandTimeout bounds every Exec call. Guest network interfaces
// can stop answering under heavy concurrent load (hundreds of parallel
// downloads) without the transport ever noticing, so this ceiling is
// enforced independently of any transport timeout.
const HardCommandTimeout = 30 * time.Minute

// ExitAborted is the status Exec reports when a command did not run to
// completion: hard timeout, cancellation, or a broken shell.
const ExitAborted = 255

var (
	// ErrNotConnected is returned by Exec on a session that is not open.
	ErrNotConnected = errors.New("shell session not connected")

	// ErrCommandTimeout is returned with ExitAborted when a command
	// exceeds HardCommandTimeout.
	ErrCommandTimeout = errors.New("command exceeded hard timeout")
)

// ConnectionError reports a failure to establish the remote shell.
type ConnectionError struct {
	Target string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Target, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ---------------------------------------------------------------------------
// Transport
// ---------------------------------------------------------------------------

// Target identifies the remote end of a session.
type Target struct {
	Host           string
	Port           int
	User           string
	PrivateKeyPath string
}

// Addr returns host:port.
func (t Target) Addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// Transport opens persistent remote shells.
type Transport interface {
	Open(ctx context.Context, target Target) (Shell, error)
}

// Shell is one persistent remote shell. Working directory and
// environment carry over between Execute calls.
type Shell interface {
	// Execute runs command, writing both output streams to output, and
	// returns the command's exit status. It blocks until the command
	// finishes or the shell is closed.
	Execute(command string, output io.Writer) (int, error)

	// Close terminates the shell. It unblocks a running Execute.
	Close() error

	// Open reports whether the shell can still accept commands.
	Open() bool
}

// ---------------------------------------------------------------------------
// Output
// ---------------------------------------------------------------------------

// Chunk is one piece of streamed output.
type Chunk struct {
	// Token correlates the chunk with the OnOutput registration that
	// receives it.
	Token string

	// Header names the session that produced the chunk.
	Header string

	Data string
}

// OutputFunc receives streamed output. ctx is the context of the Exec
// call that produced the chunk.
type OutputFunc func(ctx context.Context, chunk Chunk)

type outputBinding struct {
	fn    OutputFunc
	token string
	ctx   context.Context
}

// ---------------------------------------------------------------------------
// Session
// ---------------------------------------------------------------------------

// Config configures a Session.
type Config struct {
	// Name identifies the session in logs and output headers.
	Name string

	Target    Target
	Transport Transport

	// BufferLimit is the output flush threshold in bytes.
	BufferLimit int

	// FlushInterval, when > 0, flushes partial output periodically while
	// a command runs.
	FlushInterval time.Duration

	Logger *slog.Logger
}

// Session is a reusable connection to one remote shell. Only one
// command runs at a time.
type Session struct {
	name          string
	target        Target
	transport     Transport
	bufferLimit   int
	flushInterval time.Duration
	logger        *slog.Logger
	hardTimeout   time.Duration

	execMu sync.Mutex

	mu     sync.Mutex
	shell  Shell
	buffer *Buffer

	output atomic.Pointer[outputBinding]
}

// New creates an unconnected Session.
func New(cfg Config) *Session {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Session{
		name:          cfg.Name,
		target:        cfg.Target,
		transport:     cfg.Transport,
		bufferLimit:   cfg.BufferLimit,
		flushInterval: cfg.FlushInterval,
		logger:        cfg.Logger,
		hardTimeout:   HardCommandTimeout,
	}
}

// Header is the log header attached to every output chunk.
func (s *Session) Header() string { return s.name + ":session" }

// Target returns the remote end of the session.
func (s *Session) Target() Target { return s.target }

// ConnectOption customises Connect.
type ConnectOption func(*connectOptions)

type connectOptions struct {
	quiet bool
}

// Quiet suppresses progress logging, for readiness probes.
func Quiet() ConnectOption {
	return func(o *connectOptions) { o.quiet = true }
}

// Connect opens the remote shell. A session that is already open is
// closed first.
func (s *Session) Connect(ctx context.Context, opts ...ConnectOption) error {
	var o connectOptions
	for _, opt := range opts {
		opt(&o)
	}

	if !o.quiet {
		s.logger.Info("starting ssh session",
			slog.String("session", s.name),
			slog.String("target", s.target.Addr()),
		)
	}

	if s.IsOpen() {
		_ = s.Close()
	}

	sh, err := s.transport.Open(ctx, s.target)
	if err != nil {
		return &ConnectionError{Target: s.target.Addr(), Err: err}
	}

	s.mu.Lock()
	s.shell = sh
	s.buffer = NewBuffer(s.bufferLimit, s.deliver)
	s.mu.Unlock()
	return nil
}

// Close closes the shell if it is open, then flushes and resets the
// output buffer. It is always safe to call.
func (s *Session) Close() error {
	s.mu.Lock()
	sh, b := s.shell, s.buffer
	s.shell = nil
	s.mu.Unlock()

	var err error
	if sh != nil && sh.Open() {
		err = sh.Close()
	}
	if b != nil {
		b.Flush()
		b.Reset()
	}
	if err != nil {
		return fmt.Errorf("close session %s: %w", s.name, err)
	}
	return nil
}

// IsOpen reports whether the session has a live shell.
func (s *Session) IsOpen() bool {
	s.mu.Lock()
	sh := s.shell
	s.mu.Unlock()
	return sh != nil && sh.Open()
}

// OnOutput installs fn as the receiver of all output from subsequent
// Exec calls and returns the correlation token attached to each chunk.
func (s *Session) OnOutput(fn OutputFunc) string {
	token := uuid.NewString()
	s.output.Store(&outputBinding{fn: fn, token: token, ctx: context.Background()})
	return token
}

type execResult struct {
	status int
	err    error
}

// Exec runs command on the remote shell and returns its exit status.
//
// The display form of command is logged, the raw form executed. Output
// from both streams is delivered to the OnOutput callback while the
// command runs. If the command does not finish within the hard timeout
// (or ctx is done first), Exec returns ExitAborted, abandons the shell
// and leaves the session closed.
func (s *Session) Exec(ctx context.Context, command redact.String) (int, error) {
	s.execMu.Lock()
	defer s.execMu.Unlock()

	s.mu.Lock()
	sh, b := s.shell, s.buffer
	s.mu.Unlock()
	if sh == nil || !sh.Open() {
		return ExitAborted, fmt.Errorf("exec on %s: %w", s.name, ErrNotConnected)
	}

	s.logger.Debug("exec",
		slog.String("session", s.name),
		slog.Any("command", command),
	)
	s.bind(ctx)

	ctx, cancel := context.WithTimeout(ctx, s.hardTimeout)
	defer cancel()

	if s.flushInterval > 0 {
		stop := s.tick(b)
		defer stop()
	}

	done := make(chan execResult, 1)
	go func() {
		status, err := sh.Execute(command.Raw(), b)
		done <- execResult{status: status, err: err}
	}()

	select {
	case r := <-done:
		b.Flush()
		if r.err != nil {
			return ExitAborted, fmt.Errorf("exec %q on %s: %w", command.Display(), s.name, r.err)
		}
		return r.status, nil

	case <-ctx.Done():
		b.Flush()
		s.abandon(sh, b)

		err := ctx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			err = ErrCommandTimeout
		}
		s.logger.Error("command aborted",
			slog.String("session", s.name),
			slog.Any("command", command),
			slog.String("error", err.Error()),
		)
		return ExitAborted, fmt.Errorf("exec %q on %s: %w", command.Display(), s.name, err)
	}
}

// abandon detaches a shell whose command never finished. Closing may
// itself block on a dead network, so it happens in the background.
func (s *Session) abandon(sh Shell, b *Buffer) {
	b.Detach()

	s.mu.Lock()
	if s.shell == sh {
		s.shell = nil
		s.buffer = nil
	}
	s.mu.Unlock()

	go func() {
		if err := sh.Close(); err != nil {
			s.logger.Debug("closing abandoned shell",
				slog.String("session", s.name),
				slog.String("error", err.Error()),
			)
		}
	}()
}

func (s *Session) bind(ctx context.Context) {
	cur := s.output.Load()
	if cur == nil {
		return
	}
	next := *cur
	next.ctx = ctx
	s.output.Store(&next)
}

func (s *Session) deliver(data string) {
	out := s.output.Load()
	if out == nil || out.fn == nil {
		return
	}
	out.fn(out.ctx, Chunk{Token: out.token, Header: s.Header(), Data: data})
}

func (s *Session) tick(b *Buffer) (stop func()) {
	ticker := time.NewTicker(s.flushInterval)
	quit := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ticker.C:
				b.Flush()
			case <-quit:
				return
			}
		}
	}()
	return func() {
		ticker.Stop()
		close(quit)
		wg.Wait()
	}
}
