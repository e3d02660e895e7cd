package transport

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/melih-ucgun/rumi/internal/core"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// DefaultTimeout bounds the connect phase: dial, handshake and authentication.
const DefaultTimeout = 30 * time.Second

// SSHTransport is an authenticated connection to one remote host.
//
// The handle is exclusive: it must have a single logical owner. A call made
// while another call is in flight fails with core.ErrConcurrentUse. Callers
// that need parallelism open one SSHTransport per worker.
type SSHTransport struct {
	client *ssh.Client
	addr   string
	method string
	busy   atomic.Bool
	logger *slog.Logger
}

var _ core.Transport = (*SSHTransport)(nil)

// Connect dials the host, performs the SSH handshake and authenticates using
// the first credential strategy that succeeds (see authStrategies).
func Connect(ctx context.Context, creds Credentials, opts ...Option) (*SSHTransport, error) {
	o := newOptions(opts)
	addr := creds.Addr()

	hostKeyCallback, err := o.hostKeyCallback()
	if err != nil {
		return nil, &core.ConnectionError{Addr: addr, Err: err}
	}

	o.logger.Info("connecting", "addr", addr, "user", creds.User)

	var attempted []string
	var lastErr error
	for _, strategy := range authStrategies(creds, o) {
		var started atomic.Bool
		method, cleanup, err := strategy.build(&started)
		if err != nil {
			o.logger.Debug("auth strategy unusable", "method", strategy.name, "error", err)
			attempted = append(attempted, strategy.name)
			lastErr = fmt.Errorf("%s: %w", strategy.name, err)
			continue
		}

		attempted = append(attempted, strategy.name)
		client, err := dial(ctx, addr, o.timeout, &ssh.ClientConfig{
			User:            creds.User,
			Auth:            []ssh.AuthMethod{method},
			HostKeyCallback: hostKeyCallback,
			Timeout:         o.timeout,
		}, &started)
		cleanup()
		if err == nil {
			o.logger.Info("authenticated", "addr", addr, "method", strategy.name)
			return &SSHTransport{client: client, addr: addr, method: strategy.name, logger: o.logger}, nil
		}

		var connErr *core.ConnectionError
		if errors.As(err, &connErr) {
			return nil, err
		}
		o.logger.Debug("authentication rejected", "method", strategy.name, "error", err)
		lastErr = fmt.Errorf("%s: %w", strategy.name, err)
	}

	return nil, &core.AuthenticationError{User: creds.User, Addr: addr, Attempted: attempted, Err: lastErr}
}

// dial opens one socket and runs a single authentication attempt on it.
// Socket and handshake failures come back as *core.ConnectionError; a
// rejected credential comes back as a plain error.
func dial(ctx context.Context, addr string, timeout time.Duration, cfg *ssh.ClientConfig, authStarted *atomic.Bool) (*ssh.Client, error) {
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &core.ConnectionError{Addr: addr, Err: err}
	}

	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		conn.Close()
		return nil, &core.ConnectionError{Addr: addr, Err: err}
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		if authStarted.Load() || strings.Contains(err.Error(), "unable to authenticate") {
			return nil, err
		}
		return nil, &core.ConnectionError{Addr: addr, Err: err}
	}

	// Deadlines only cover the connect phase; long running commands must
	// not be cut off by them.
	if err := conn.SetDeadline(time.Time{}); err != nil {
		sshConn.Close()
		return nil, &core.ConnectionError{Addr: addr, Err: err}
	}

	return ssh.NewClient(sshConn, chans, reqs), nil
}

// Method returns the name of the strategy that authenticated the connection.
func (t *SSHTransport) Method() string { return t.method }

func (t *SSHTransport) Close() error {
	if t.client != nil {
		return t.client.Close()
	}
	return nil
}

func (t *SSHTransport) acquire() error {
	if !t.busy.CompareAndSwap(false, true) {
		return core.ErrConcurrentUse
	}
	return nil
}

func (t *SSHTransport) release() { t.busy.Store(false) }

// Run executes cmd on a dedicated session.
func (t *SSHTransport) Run(ctx context.Context, cmd string) (core.CommandOutcome, error) {
	if err := t.acquire(); err != nil {
		return core.CommandOutcome{Command: cmd}, err
	}
	defer t.release()
	return t.run(ctx, cmd)
}

// RunChecked executes cmd and fails on a nonzero exit code.
func (t *SSHTransport) RunChecked(ctx context.Context, cmd string) (core.CommandOutcome, error) {
	out, err := t.Run(ctx, cmd)
	if err != nil {
		return out, err
	}
	return core.Check(out)
}

func (t *SSHTransport) run(ctx context.Context, cmd string) (core.CommandOutcome, error) {
	out := core.CommandOutcome{Command: cmd}
	t.logger.Debug("executing command", "addr", t.addr, "command", cmd)

	session, err := t.client.NewSession()
	if err != nil {
		return out, &core.CommandExecutionError{Command: cmd, ExitCode: -1, Err: err}
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	select {
	case <-ctx.Done():
		session.Close()
		<-done
		return out, &core.CommandExecutionError{Command: cmd, ExitCode: -1, Err: ctx.Err()}
	case err = <-done:
	}

	out.Stdout = stdout.String()
	out.Stderr = stderr.String()

	var exitErr *ssh.ExitError
	switch {
	case err == nil:
		out.ExitCode = 0
	case errors.As(err, &exitErr):
		out.ExitCode = exitErr.ExitStatus()
	default:
		return out, &core.CommandExecutionError{Command: cmd, ExitCode: -1, Err: err}
	}

	t.logger.Debug("command finished", "command", cmd, "exit_code", out.ExitCode)
	if out.ExitCode != 0 {
		t.logger.Warn("command failed", "command", cmd, "exit_code", out.ExitCode, "stderr", strings.TrimSpace(out.Stderr))
	}
	return out, nil
}

// UploadFile streams localPath to remotePath with the SCP sink protocol.
// Every protocol step waits for the remote acknowledgement, so a partial
// transfer is never reported as complete.
func (t *SSHTransport) UploadFile(ctx context.Context, localPath, remotePath string, mode os.FileMode) error {
	if err := t.acquire(); err != nil {
		return err
	}
	defer t.release()

	if err := t.scpSend(ctx, localPath, remotePath, mode); err != nil {
		return &core.FileOperationError{Op: "upload", Path: remotePath, Err: err}
	}
	t.logger.Info("uploaded file", "local", localPath, "remote", remotePath)
	return nil
}

func (t *SSHTransport) scpSend(ctx context.Context, localPath, remotePath string, mode os.FileMode) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	localFile, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer localFile.Close()

	stat, err := localFile.Stat()
	if err != nil {
		return err
	}
	if stat.IsDir() {
		return fmt.Errorf("%s is a directory", localPath)
	}

	session, err := t.client.NewSession()
	if err != nil {
		return err
	}
	defer session.Close()

	stdin, err := session.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		return err
	}
	acks := bufio.NewReader(stdout)

	if err := session.Start("scp -t " + core.Quote(remotePath)); err != nil {
		return err
	}

	if err := readAck(acks); err != nil {
		return fmt.Errorf("scp sink not ready: %w", err)
	}
	if _, err := fmt.Fprintf(stdin, "C%04o %d %s\n", mode.Perm(), stat.Size(), path.Base(remotePath)); err != nil {
		return err
	}
	if err := readAck(acks); err != nil {
		return fmt.Errorf("scp header rejected: %w", err)
	}

	n, err := io.Copy(stdin, localFile)
	if err != nil {
		return err
	}
	if n != stat.Size() {
		return fmt.Errorf("short copy: sent %d of %d bytes", n, stat.Size())
	}

	// End of file marker, then wait for the sink to confirm the data.
	if _, err := stdin.Write([]byte{0}); err != nil {
		return err
	}
	if err := readAck(acks); err != nil {
		return fmt.Errorf("scp data not acknowledged: %w", err)
	}

	// A sink that exits right after the final ack has every byte; the
	// channel may already be gone when the EOF is sent.
	if err := stdin.Close(); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return session.Wait()
}

func readAck(r *bufio.Reader) error {
	code, err := r.ReadByte()
	if err != nil {
		return err
	}
	if code == 0 {
		return nil
	}
	msg, _ := r.ReadString('\n')
	return fmt.Errorf("scp error (%d): %s", code, strings.TrimSpace(msg))
}

// UploadDirectory mirrors localPath under remotePath over SFTP. Existing
// directories are reused and every file is uploaded again.
func (t *SSHTransport) UploadDirectory(ctx context.Context, localPath, remotePath string) error {
	if err := t.acquire(); err != nil {
		return err
	}
	defer t.release()

	client, err := sftp.NewClient(t.client)
	if err != nil {
		return &core.FileOperationError{Op: "open sftp", Path: remotePath, Err: err}
	}
	defer client.Close()

	err = filepath.WalkDir(localPath, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(localPath, p)
		if err != nil {
			return err
		}
		target := path.Join(remotePath, filepath.ToSlash(rel))

		if d.IsDir() {
			return client.MkdirAll(target)
		}
		if !d.Type().IsRegular() {
			t.logger.Debug("skipping non-regular file", "path", p)
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return putFile(client, p, target, info.Mode().Perm())
	})
	if err != nil {
		return &core.FileOperationError{Op: "upload directory", Path: remotePath, Err: err}
	}

	t.logger.Info("uploaded directory", "local", localPath, "remote", remotePath)
	return nil
}

func putFile(client *sftp.Client, localPath, remotePath string, mode os.FileMode) error {
	src, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := client.Create(remotePath)
	if err != nil {
		return fmt.Errorf("create %s: %w", remotePath, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("write %s: %w", remotePath, err)
	}
	if err := dst.Close(); err != nil {
		return err
	}
	return client.Chmod(remotePath, mode)
}

// WriteRemoteFile creates or truncates remotePath and writes content to it.
// The write is not atomic.
func (t *SSHTransport) WriteRemoteFile(ctx context.Context, remotePath, content string) error {
	if err := t.acquire(); err != nil {
		return err
	}
	defer t.release()

	if err := ctx.Err(); err != nil {
		return &core.FileOperationError{Op: "write", Path: remotePath, Err: err}
	}

	client, err := sftp.NewClient(t.client)
	if err != nil {
		return &core.FileOperationError{Op: "open sftp", Path: remotePath, Err: err}
	}
	defer client.Close()

	f, err := client.Create(remotePath)
	if err != nil {
		return &core.FileOperationError{Op: "create", Path: remotePath, Err: err}
	}
	if _, err := f.Write([]byte(content)); err != nil {
		f.Close()
		return &core.FileOperationError{Op: "write", Path: remotePath, Err: err}
	}
	if err := f.Close(); err != nil {
		return &core.FileOperationError{Op: "close", Path: remotePath, Err: err}
	}

	t.logger.Debug("wrote remote file", "path", remotePath, "bytes", len(content))
	return nil
}

// DownloadFile copies remotePath to localPath over SFTP.
func (t *SSHTransport) DownloadFile(ctx context.Context, remotePath, localPath string) error {
	if err := t.acquire(); err != nil {
		return err
	}
	defer t.release()

	client, err := sftp.NewClient(t.client)
	if err != nil {
		return &core.FileOperationError{Op: "open sftp", Path: remotePath, Err: err}
	}
	defer client.Close()

	src, err := client.Open(remotePath)
	if err != nil {
		return &core.FileOperationError{Op: "open", Path: remotePath, Err: err}
	}
	defer src.Close()

	dst, err := os.Create(localPath)
	if err != nil {
		return &core.FileOperationError{Op: "create", Path: localPath, Err: err}
	}
	defer dst.Close()

	if _, err := io.Copy(dst, contextReader{ctx: ctx, r: src}); err != nil {
		return &core.FileOperationError{Op: "download", Path: remotePath, Err: err}
	}
	return dst.Close()
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

func (t *SSHTransport) FileExists(ctx context.Context, p string) bool {
	return t.testPath(ctx, "-f", p)
}

func (t *SSHTransport) DirectoryExists(ctx context.Context, p string) bool {
	return t.testPath(ctx, "-d", p)
}

// testPath treats every failure, including a broken channel, as "absent".
func (t *SSHTransport) testPath(ctx context.Context, flag, p string) bool {
	out, err := t.Run(ctx, "test "+flag+" "+core.Quote(p))
	if err != nil {
		t.logger.Debug("existence check failed", "path", p, "error", err)
		return false
	}
	return out.ExitCode == 0
}

// Ping runs a trivial checked command to verify the connection.
func (t *SSHTransport) Ping(ctx context.Context) error {
	_, err := t.RunChecked(ctx, "echo 'connection test'")
	return err
}

func (c Credentials) Addr() string {
	port := c.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}
