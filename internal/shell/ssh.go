package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SSH is a Transport backed by golang.org/x/crypto/ssh. Each Open
// starts the user's login shell on a fresh connection and drives it
// through stdin, so every command shares the same shell process.
type SSH struct {
	// ConnectTimeout bounds the TCP dial and SSH handshake.
	// Default: 10s.
	ConnectTimeout time.Duration

	// KnownHostsFile enables host key verification. When empty, host
	// keys are not checked: sandbox machines are disposable and are
	// re-created from the same snapshot.
	KnownHostsFile string
}

// Compile-time check that SSH satisfies the Transport interface.
var _ Transport = (*SSH)(nil)

// Open dials target and starts a persistent shell.
func (t *SSH) Open(ctx context.Context, target Target) (Shell, error) {
	cfg, err := t.clientConfig(target)
	if err != nil {
		return nil, err
	}

	timeout := t.ConnectTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", target.Addr())
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	// Bound the handshake; the deadline is cleared once the client is up.
	_ = conn.SetDeadline(time.Now().Add(timeout))
	c, chans, reqs, err := ssh.NewClientConn(conn, target.Addr(), cfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("handshake: %w", err)
	}
	_ = conn.SetDeadline(time.Time{})

	client := ssh.NewClient(c, chans, reqs)
	sh, err := startShell(client)
	if err != nil {
		client.Close()
		return nil, err
	}
	return sh, nil
}

func (t *SSH) clientConfig(target Target) (*ssh.ClientConfig, error) {
	key, err := os.ReadFile(target.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("reading private key %s: %w", target.PrivateKeyPath, err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parsing private key %s: %w", target.PrivateKeyPath, err)
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if t.KnownHostsFile != "" {
		hostKeyCallback, err = knownhosts.New(t.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("loading known hosts %s: %w", t.KnownHostsFile, err)
		}
	}

	return &ssh.ClientConfig{
		User:            target.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
	}, nil
}

// ---------------------------------------------------------------------------
// Persistent shell
// ---------------------------------------------------------------------------

type sshShell struct {
	client  *ssh.Client
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  *markerScanner

	execMu sync.Mutex

	mu     sync.Mutex
	closed bool
}

func startShell(client *ssh.Client) (*sshShell, error) {
	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("new session: %w", err)
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := session.Shell(); err != nil {
		session.Close()
		return nil, fmt.Errorf("start shell: %w", err)
	}

	// Merge stderr into stdout inside the guest so both streams reach
	// the output in the order the command wrote them. The channel's own
	// stderr carries only what the shell printed before this line.
	if _, err := io.WriteString(stdin, "exec 2>&1\n"); err != nil {
		session.Close()
		return nil, fmt.Errorf("merge stderr: %w", err)
	}

	return &sshShell{
		client:  client,
		session: session,
		stdin:   stdin,
		stdout:  &markerScanner{r: stdout},
	}, nil
}

// Execute writes command to the shell followed by a status marker and
// reads the merged output until the marker comes back.
func (s *sshShell) Execute(command string, output io.Writer) (int, error) {
	s.execMu.Lock()
	defer s.execMu.Unlock()

	if !s.Open() {
		return ExitAborted, ErrNotConnected
	}

	marker := "__vmworker_status_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if _, err := io.WriteString(s.stdin, wrapCommand(command, marker)); err != nil {
		s.markClosed()
		return ExitAborted, fmt.Errorf("write command: %w", err)
	}

	status, err := s.stdout.ScanStatus(marker, output)
	if errors.Is(err, io.EOF) {
		// The command ended the shell itself (e.g. "exit 3"); the shell's
		// exit status is the command's.
		s.markClosed()
		return s.waitExit()
	}
	if err != nil {
		s.markClosed()
		return ExitAborted, err
	}
	return status, nil
}

func (s *sshShell) waitExit() (int, error) {
	err := s.session.Wait()
	_ = s.client.Close()
	if err == nil {
		return 0, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus(), nil
	}
	return ExitAborted, fmt.Errorf("shell exited: %w", err)
}

func (s *sshShell) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	_ = s.session.Close()
	if err := s.client.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

func (s *sshShell) Open() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

func (s *sshShell) markClosed() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// wrapCommand appends a line that prints marker and the command's exit
// status. The status is captured immediately so nothing can clobber $?.
func wrapCommand(command, marker string) string {
	return fmt.Sprintf("%s\n__vmworker_rc=$?; printf '%%s %%d\\n' %s \"$__vmworker_rc\"\n", command, marker)
}

// ---------------------------------------------------------------------------
// Marker scanning
// ---------------------------------------------------------------------------

// markerScanner streams shell stdout to a writer until a status marker
// appears. Bytes read past the marker are kept for the next command.
type markerScanner struct {
	r     io.Reader
	carry []byte
}

// ScanStatus copies output to w until "<marker> <status>\n" is read and
// returns status. It returns io.EOF if the stream ends first.
func (m *markerScanner) ScanStatus(marker string, w io.Writer) (int, error) {
	token := []byte(marker + " ")
	pending := m.carry
	m.carry = nil
	buf := make([]byte, 32*1024)

	for {
		if i := bytes.Index(pending, token); i >= 0 {
			if _, err := w.Write(pending[:i]); err != nil {
				return ExitAborted, err
			}
			pending = pending[i:]

			if j := bytes.IndexByte(pending, '\n'); j >= 0 {
				field := strings.TrimSpace(string(pending[len(token):j]))
				m.carry = append([]byte(nil), pending[j+1:]...)
				status, err := strconv.Atoi(field)
				if err != nil {
					return ExitAborted, fmt.Errorf("parsing exit status %q: %w", field, err)
				}
				return status, nil
			}
		} else if keep := len(token) - 1; len(pending) > keep {
			// Hold back a tail that could be the start of the marker.
			n := len(pending) - keep
			if _, err := w.Write(pending[:n]); err != nil {
				return ExitAborted, err
			}
			pending = append([]byte(nil), pending[n:]...)
		}

		n, err := m.r.Read(buf)
		pending = append(pending, buf[:n]...)
		if err != nil {
			if n > 0 && bytes.Contains(pending, token) {
				// Process what arrived with the error before giving up.
				m.carry = pending
				return m.ScanStatus(marker, w)
			}
			if len(pending) > 0 {
				_, _ = w.Write(pending)
			}
			return ExitAborted, err
		}
	}
}
