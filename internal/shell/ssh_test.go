package shell

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"testing/iotest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

const testMarker = "__vmworker_status_abc"

func TestWrapCommand(t *testing.T) {
	got := wrapCommand("make test", testMarker)
	assert.Equal(t,
		"make test\n__vmworker_rc=$?; printf '%s %d\\n' "+testMarker+" \"$__vmworker_rc\"\n",
		got,
	)
}

func TestMarkerScanner_Status(t *testing.T) {
	m := &markerScanner{r: strings.NewReader("building...\nok\n" + testMarker + " 0\n")}
	var out bytes.Buffer

	status, err := m.ScanStatus(testMarker, &out)
	require.NoError(t, err)
	assert.Equal(t, 0, status)
	assert.Equal(t, "building...\nok\n", out.String())
}

func TestMarkerScanner_NonZeroStatus(t *testing.T) {
	m := &markerScanner{r: strings.NewReader("E: tests failed\n" + testMarker + " 1\n")}
	var out bytes.Buffer

	status, err := m.ScanStatus(testMarker, &out)
	require.NoError(t, err)
	assert.Equal(t, 1, status)
	assert.Equal(t, "E: tests failed\n", out.String())
}

func TestMarkerScanner_MarkerAfterPartialLine(t *testing.T) {
	m := &markerScanner{r: strings.NewReader("no newline" + testMarker + " 2\n")}
	var out bytes.Buffer

	status, err := m.ScanStatus(testMarker, &out)
	require.NoError(t, err)
	assert.Equal(t, 2, status)
	assert.Equal(t, "no newline", out.String())
}

func TestMarkerScanner_SplitReads(t *testing.T) {
	data := "line one\nline two\n" + testMarker + " 17\n"
	m := &markerScanner{r: iotest.OneByteReader(strings.NewReader(data))}
	var out bytes.Buffer

	status, err := m.ScanStatus(testMarker, &out)
	require.NoError(t, err)
	assert.Equal(t, 17, status)
	assert.Equal(t, "line one\nline two\n", out.String())
}

func TestMarkerScanner_CarriesBytesToNextCommand(t *testing.T) {
	second := "__vmworker_status_def"
	data := "a\n" + testMarker + " 0\nb\n" + second + " 3\n"
	m := &markerScanner{r: strings.NewReader(data)}

	var out1, out2 bytes.Buffer
	status, err := m.ScanStatus(testMarker, &out1)
	require.NoError(t, err)
	assert.Equal(t, 0, status)

	status, err = m.ScanStatus(second, &out2)
	require.NoError(t, err)
	assert.Equal(t, 3, status)
	assert.Equal(t, "a\n", out1.String())
	assert.Equal(t, "b\n", out2.String())
}

func TestMarkerScanner_EOFBeforeMarker(t *testing.T) {
	m := &markerScanner{r: strings.NewReader("logout\n")}
	var out bytes.Buffer

	_, err := m.ScanStatus(testMarker, &out)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, "logout\n", out.String())
}

func TestMarkerScanner_StreamsBeforeMarker(t *testing.T) {
	pr, pw := io.Pipe()
	m := &markerScanner{r: pr}
	out := &chunkRecorder{}
	w := writerFunc(func(p []byte) (int, error) {
		out.flush(string(p))
		return len(p), nil
	})

	done := make(chan int, 1)
	go func() {
		status, _ := m.ScanStatus(testMarker, w)
		done <- status
	}()

	_, _ = pw.Write([]byte("a long progress line that is definitely longer than the marker\n"))
	assert.Eventually(t, func() bool {
		return strings.Contains(strings.Join(out.get(), ""), "progress")
	}, time.Second, 5*time.Millisecond, "output should stream before the command finishes")

	_, _ = pw.Write([]byte(testMarker + " 0\n"))
	assert.Equal(t, 0, <-done)
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }

// ---------------------------------------------------------------------------
// End to end against an in-process SSH server running /bin/sh
// ---------------------------------------------------------------------------

// startShellServer serves one "shell" per session, backed by a local sh
// process, and returns a Target that authenticates against it.
func startShellServer(t *testing.T) Target {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}

	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	hostSigner, err := ssh.NewSignerFromKey(hostPriv)
	require.NoError(t, err)

	clientPub, clientPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	authorized, err := ssh.NewPublicKey(clientPub)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKey(clientPriv, "")
	require.NoError(t, err)
	keyPath := filepath.Join(t.TempDir(), "id_ed25519")
	require.NoError(t, os.WriteFile(keyPath, pem.EncodeToMemory(block), 0o600))

	cfg := &ssh.ServerConfig{
		PublicKeyCallback: func(_ ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if bytes.Equal(key.Marshal(), authorized.Marshal()) {
				return nil, nil
			}
			return nil, errors.New("unknown key")
		},
	}
	cfg.AddHostKey(hostSigner)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveConn(conn, cfg, sh)
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return Target{Host: "127.0.0.1", Port: addr.Port, User: "travis", PrivateKeyPath: keyPath}
}

func serveConn(conn net.Conn, cfg *ssh.ServerConfig, sh string) {
	sconn, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		conn.Close()
		return
	}
	defer sconn.Close()
	go ssh.DiscardRequests(reqs)

	for nc := range chans {
		if nc.ChannelType() != "session" {
			_ = nc.Reject(ssh.UnknownChannelType, "session only")
			continue
		}
		ch, chReqs, err := nc.Accept()
		if err != nil {
			return
		}
		go serveSession(ch, chReqs, sh)
	}
}

func serveSession(ch ssh.Channel, reqs <-chan *ssh.Request, sh string) {
	for req := range reqs {
		if req.Type != "shell" {
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
			continue
		}
		_ = req.Reply(true, nil)

		cmd := exec.Command(sh)
		cmd.Stdout = ch
		cmd.Stderr = ch.Stderr()
		stdin, err := cmd.StdinPipe()
		if err != nil || cmd.Start() != nil {
			ch.Close()
			return
		}
		go func() { _, _ = io.Copy(stdin, ch) }()

		go func() {
			status := 0
			var exitErr *exec.ExitError
			if err := cmd.Wait(); errors.As(err, &exitErr) {
				status = exitErr.ExitCode()
			}
			_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{uint32(status)}))
			ch.Close()
		}()
	}
}

func openTestShell(t *testing.T) Shell {
	t.Helper()
	target := startShellServer(t)
	sh, err := (&SSH{ConnectTimeout: 5 * time.Second}).Open(context.Background(), target)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sh.Close() })
	return sh
}

func TestSSH_MergesStderrInOrder(t *testing.T) {
	sh := openTestShell(t)

	var out bytes.Buffer
	status, err := sh.Execute("echo out; echo err >&2; echo out again", &out)
	require.NoError(t, err)
	assert.Equal(t, 0, status)
	assert.Equal(t, "out\nerr\nout again\n", out.String())

	// The last stderr line of a failing command belongs to that command.
	out.Reset()
	status, err = sh.Execute("echo diagnostics >&2; false", &out)
	require.NoError(t, err)
	assert.Equal(t, 1, status)
	assert.Equal(t, "diagnostics\n", out.String())
}

func TestSSH_StatePersistsBetweenCommands(t *testing.T) {
	sh := openTestShell(t)
	dir := t.TempDir()

	_, err := sh.Execute("cd "+dir+" && export GREETING=hi", io.Discard)
	require.NoError(t, err)

	var out bytes.Buffer
	status, err := sh.Execute("pwd; echo $GREETING", &out)
	require.NoError(t, err)
	assert.Equal(t, 0, status)
	assert.Equal(t, dir+"\nhi\n", out.String())
}

func TestSSH_NonZeroStatus(t *testing.T) {
	sh := openTestShell(t)

	for _, code := range []int{1, 2, 42} {
		status, err := sh.Execute("(exit "+strconv.Itoa(code)+")", io.Discard)
		require.NoError(t, err)
		assert.Equal(t, code, status)
	}
	assert.True(t, sh.Open())
}

func TestSSH_ExitEndsShellWithStatus(t *testing.T) {
	sh := openTestShell(t)

	var out bytes.Buffer
	status, err := sh.Execute("echo bye; exit 3", &out)
	require.NoError(t, err)
	assert.Equal(t, 3, status)
	assert.Equal(t, "bye\n", out.String())
	assert.False(t, sh.Open())

	status, err = sh.Execute("true", io.Discard)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, ExitAborted, status)
}

func TestSSH_RejectsUnknownKey(t *testing.T) {
	target := startShellServer(t)

	_, otherPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKey(otherPriv, "")
	require.NoError(t, err)
	target.PrivateKeyPath = filepath.Join(t.TempDir(), "other")
	require.NoError(t, os.WriteFile(target.PrivateKeyPath, pem.EncodeToMemory(block), 0o600))

	_, err = (&SSH{ConnectTimeout: 5 * time.Second}).Open(context.Background(), target)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "handshake")
}
