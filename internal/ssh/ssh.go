package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// ErrAuthentication is returned by Dial when the server rejected every
// offered credential. Any other dial error means the node is not reachable.
var ErrAuthentication = errors.New("ssh: authentication failed")

// DefaultTimeout bounds the TCP connect plus handshake.
const DefaultTimeout = 10 * time.Second

// Target describes how to reach and authenticate to one host.
type Target struct {
	Host     string
	Port     int
	User     string
	Password string
	// PrivateKey is PEM key material; KeyPath a key file on the local disk.
	// Both may be set.
	PrivateKey string
	KeyPath    string
	UseAgent   bool
	Timeout    time.Duration
}

// Output is the result of a remote command. Code is the exit status; a
// non-zero status is not an error.
type Output struct {
	Stdout string
	Stderr string
	Code   int
}

// Session is an authenticated connection to a node.
type Session interface {
	// Password is the password the session authenticated with, if any.
	Password() string
	Run(ctx context.Context, cmd string) (Output, error)
	// RunPTY runs cmd with a pseudo terminal attached.
	RunPTY(ctx context.Context, cmd string) (Output, error)
	UploadFile(localPath, remotePath string) error
	UploadBytes(data []byte, remotePath string, mode os.FileMode) error
	UploadDir(localDir, remoteDir string) error
	Chmod(remotePath string, mode os.FileMode) error
	Close() error
}

// Dialer opens sessions.
type Dialer interface {
	Dial(ctx context.Context, t Target) (Session, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, t Target) (Session, error)

func (f DialerFunc) Dial(ctx context.Context, t Target) (Session, error) { return f(ctx, t) }

// NewDialer returns the x/crypto/ssh backed Dialer.
func NewDialer() Dialer {
	return DialerFunc(func(ctx context.Context, t Target) (Session, error) {
		return Connect(ctx, t)
	})
}

// Client is a Session over golang.org/x/crypto/ssh with SFTP transfers.
type Client struct {
	conn     *ssh.Client
	password string
	// agent is the SSH agent socket, held open for the client's lifetime.
	agent net.Conn
}

var _ Session = (*Client)(nil)

// authMethods builds the methods t offers. The returned conn is the SSH
// agent socket when one was opened; the caller closes it.
func authMethods(t Target) ([]ssh.AuthMethod, net.Conn, error) {
	var methods []ssh.AuthMethod

	if t.Password != "" {
		methods = append(methods, ssh.Password(t.Password))
		methods = append(methods, ssh.KeyboardInteractive(
			func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = t.Password
				}
				return answers, nil
			}))
	}

	var signers []ssh.Signer
	if t.PrivateKey != "" {
		signer, err := ssh.ParsePrivateKey([]byte(t.PrivateKey))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to parse SSH key: %w", err)
		}
		signers = append(signers, signer)
	}
	if t.KeyPath != "" {
		key, err := os.ReadFile(t.KeyPath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read SSH key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to parse SSH key: %w", err)
		}
		signers = append(signers, signer)
	}
	if len(signers) > 0 {
		methods = append(methods, ssh.PublicKeys(signers...))
	}

	var agentConn net.Conn
	if t.UseAgent {
		if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
			if conn, err := net.Dial("unix", sock); err == nil {
				agentConn = conn
				methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
			}
		}
	}

	if len(methods) == 0 {
		return nil, nil, fmt.Errorf("no authentication methods available: %w", ErrAuthentication)
	}
	return methods, agentConn, nil
}

// Connect opens an SSH connection using user/password or user/key auth.
func Connect(ctx context.Context, t Target) (*Client, error) {
	methods, agentConn, err := authMethods(t)
	if err != nil {
		return nil, err
	}
	ok := false
	defer func() {
		if !ok && agentConn != nil {
			agentConn.Close()
		}
	}()

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	config := &ssh.ClientConfig{
		User: t.User,
		Auth: methods,
		// Freshly provisioned nodes have host keys nobody recorded yet.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}

	port := t.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(t.Host, strconv.Itoa(port))

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial SSH: %w", err)
	}
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		if isAuthError(err) {
			return nil, fmt.Errorf("%s@%s: %w", t.User, addr, ErrAuthentication)
		}
		return nil, fmt.Errorf("failed SSH handshake: %w", err)
	}
	_ = conn.SetDeadline(time.Time{})

	ok = true
	return &Client{conn: ssh.NewClient(sshConn, chans, reqs), password: t.Password, agent: agentConn}, nil
}

func isAuthError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "no supported methods remain")
}

func (c *Client) Password() string { return c.password }

func (c *Client) Close() error {
	if c.agent != nil {
		c.agent.Close()
	}
	return c.conn.Close()
}

func (c *Client) Run(ctx context.Context, cmd string) (Output, error) {
	return c.run(ctx, cmd, false)
}

func (c *Client) RunPTY(ctx context.Context, cmd string) (Output, error) {
	return c.run(ctx, cmd, true)
}

// run executes a command on the remote host. Cancelling ctx closes the
// session and returns ctx.Err() with no output: the session may still be
// copying into the buffers.
func (c *Client) run(ctx context.Context, cmd string, tty bool) (Output, error) {
	session, err := c.conn.NewSession()
	if err != nil {
		return Output{}, err
	}
	defer session.Close()

	if tty {
		modes := ssh.TerminalModes{ssh.ECHO: 0}
		if err := session.RequestPty("xterm", 40, 80, modes); err != nil {
			return Output{}, fmt.Errorf("request pty: %w", err)
		}
	}

	var outBuf, errBuf bytes.Buffer
	session.Stdout = &outBuf
	session.Stderr = &errBuf

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		return Output{Code: -1}, ctx.Err()
	case err := <-done:
		out := Output{Stdout: outBuf.String(), Stderr: errBuf.String()}
		var exitErr *ssh.ExitError
		switch {
		case err == nil:
		case errors.As(err, &exitErr):
			out.Code = exitErr.ExitStatus()
		default:
			out.Code = -1
			return out, err
		}
		return out, nil
	}
}

func (c *Client) sftp() (*sftp.Client, error) {
	return sftp.NewClient(c.conn)
}

// UploadFile uses SFTP to copy a local file to a remote path.
func (c *Client) UploadFile(localPath, remotePath string) error {
	sftpClient, err := c.sftp()
	if err != nil {
		return err
	}
	defer sftpClient.Close()
	return uploadFile(sftpClient, localPath, remotePath)
}

func uploadFile(sftpClient *sftp.Client, localPath, remotePath string) error {
	srcFile, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	info, err := srcFile.Stat()
	if err != nil {
		return err
	}

	dstFile, err := sftpClient.Create(remotePath)
	if err != nil {
		return fmt.Errorf("create %s: %w", remotePath, err)
	}
	defer dstFile.Close()

	if _, err := io.Copy(dstFile, srcFile); err != nil {
		return fmt.Errorf("copy %s: %w", localPath, err)
	}
	return dstFile.Chmod(info.Mode().Perm())
}

// UploadBytes uses SFTP to copy in-memory bytes to a remote file.
func (c *Client) UploadBytes(data []byte, remotePath string, mode os.FileMode) error {
	sftpClient, err := c.sftp()
	if err != nil {
		return err
	}
	defer sftpClient.Close()

	dstFile, err := sftpClient.Create(remotePath)
	if err != nil {
		return err
	}
	defer dstFile.Close()

	if _, err := dstFile.Write(data); err != nil {
		return err
	}
	return dstFile.Chmod(mode)
}

// UploadDir copies the tree under localDir to remoteDir, creating
// directories as needed and keeping file modes.
func (c *Client) UploadDir(localDir, remoteDir string) error {
	sftpClient, err := c.sftp()
	if err != nil {
		return err
	}
	defer sftpClient.Close()

	return filepath.Walk(localDir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(localDir, p)
		if err != nil {
			return err
		}
		dst := path.Join(remoteDir, filepath.ToSlash(rel))
		if info.IsDir() {
			return sftpClient.MkdirAll(dst)
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		return uploadFile(sftpClient, p, dst)
	})
}

func (c *Client) Chmod(remotePath string, mode os.FileMode) error {
	sftpClient, err := c.sftp()
	if err != nil {
		return err
	}
	defer sftpClient.Close()
	return sftpClient.Chmod(remotePath, mode)
}
