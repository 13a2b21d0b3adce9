package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// Client implements Transport over a single SSH connection.
type Client struct {
	config *Config
	logger zerolog.Logger

	mu          sync.Mutex
	client      *ssh.Client
	connectedAt time.Time
	stopKeep    chan struct{}
}

var _ Transport = (*Client)(nil)

// NewClient creates a new SSH transport client.
func NewClient(config *Config, logger zerolog.Logger) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Client{
		config: config,
		logger: logger.With().Str("component", "ssh").Str("host", config.Host).Logger(),
	}, nil
}

// Connect establishes an SSH connection to the remote host.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return nil
	}

	clientConfig, err := c.config.BuildSSHClientConfig()
	if err != nil {
		return c.newError("connect", err, false, true)
	}

	address := c.config.Address()
	dialer := net.Dialer{Timeout: c.config.ConnectionTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return c.newError("connect", err, true, false)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, address, clientConfig)
	if err != nil {
		_ = conn.Close()
		auth := strings.Contains(err.Error(), "unable to authenticate")
		return c.newError("connect", err, !auth, auth)
	}
	_ = conn.SetDeadline(time.Time{})

	c.client = ssh.NewClient(sshConn, chans, reqs)
	c.connectedAt = time.Now()
	if c.config.KeepAliveInterval > 0 {
		c.stopKeep = make(chan struct{})
		go c.keepAlive(c.client, c.stopKeep)
	}

	c.logger.Debug().Str("address", address).Msg("SSH connection established")
	return nil
}

// Close closes the SSH connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *Client) closeLocked() error {
	if c.client == nil {
		return nil
	}
	if c.stopKeep != nil {
		close(c.stopKeep)
		c.stopKeep = nil
	}
	err := c.client.Close()
	c.client = nil
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return c.newError("disconnect", err, false, false)
	}
	return nil
}

// IsConnected returns true if the transport has an active connection.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client != nil
}

// Run executes a command on the remote host.
func (c *Client) Run(ctx context.Context, cmd string, stdin []byte) (*ExecResult, error) {
	sshClient, err := c.getClient()
	if err != nil {
		return nil, err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.CommandTimeout)
		defer cancel()
	}

	session, err := sshClient.NewSession()
	if err != nil {
		c.dropClient(sshClient)
		return nil, c.newError("exec", fmt.Errorf("failed to create session: %w", err), true, false)
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	finalCmd, input := c.wrapCommand(cmd, stdin)
	if input != nil {
		session.Stdin = bytes.NewReader(input)
	}

	startTime := time.Now()
	done := make(chan error, 1)
	go func() {
		done <- session.Run(finalCmd)
	}()

	var execErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		<-done
		execErr = ctx.Err()
	case execErr = <-done:
	}

	result := &ExecResult{
		Stdout:   strings.TrimSpace(stdoutBuf.String()),
		Stderr:   strings.TrimSpace(stderrBuf.String()),
		Duration: time.Since(startTime),
	}

	c.logger.Debug().
		Str("command", cmd).
		Dur("duration", result.Duration).
		Err(execErr).
		Msg("command completed")

	var exitErr *ssh.ExitError
	switch {
	case execErr == nil:
		return result, nil
	case errors.As(execErr, &exitErr):
		result.ExitCode = exitErr.ExitStatus()
		return result, c.newError("exec", fmt.Errorf("command exited with code %d: %s", result.ExitCode, result.Stderr), false, false)
	default:
		result.ExitCode = -1
		return result, c.newError("exec", execErr, true, false)
	}
}

// wrapCommand applies the sudo settings to a command and its input.
func (c *Client) wrapCommand(cmd string, stdin []byte) (string, []byte) {
	if !c.config.Sudo {
		return cmd, stdin
	}
	if c.config.SudoPassword == "" {
		return "sudo -n sh -c " + ShellQuote(cmd), stdin
	}
	input := append([]byte(c.config.SudoPassword+"\n"), stdin...)
	return "sudo -S -p '' sh -c " + ShellQuote(cmd), input
}

// Upload writes content to a remote file via SFTP.
func (c *Client) Upload(ctx context.Context, content []byte, remotePath string, mode os.FileMode) error {
	sshClient, err := c.getClient()
	if err != nil {
		return err
	}

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		return c.newError("upload", fmt.Errorf("failed to create SFTP client: %w", err), true, false)
	}
	defer sftpClient.Close()

	stop := context.AfterFunc(ctx, func() { _ = sftpClient.Close() })
	defer stop()

	if err := sftpClient.MkdirAll(path.Dir(remotePath)); err != nil {
		return c.newError("upload", fmt.Errorf("failed to create remote directory: %w", err), false, false)
	}

	remoteFile, err := sftpClient.OpenFile(remotePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return c.newError("upload", fmt.Errorf("failed to create remote file: %w", err), true, false)
	}
	if _, err := remoteFile.Write(content); err != nil {
		_ = remoteFile.Close()
		return c.newError("upload", fmt.Errorf("failed to write remote file: %w", err), ctx.Err() == nil, false)
	}
	if err := remoteFile.Close(); err != nil {
		return c.newError("upload", fmt.Errorf("failed to close remote file: %w", err), true, false)
	}
	if mode != 0 {
		if err := sftpClient.Chmod(remotePath, mode); err != nil {
			c.logger.Warn().Err(err).Str("path", remotePath).Msg("Failed to set file permissions")
		}
	}

	c.logger.Debug().Str("path", remotePath).Int("bytes", len(content)).Msg("File uploaded")
	return nil
}

// keepAlive sends periodic keep-alive requests until stop is closed or a
// request fails, in which case the connection is dropped.
func (c *Client) keepAlive(client *ssh.Client, stop <-chan struct{}) {
	ticker := time.NewTicker(c.config.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				c.logger.Warn().Err(err).Msg("Keep-alive failed, dropping connection")
				c.dropClient(client)
				return
			}
		}
	}
}

// dropClient closes client if it is still the active connection, so the
// next Connect dials again.
func (c *Client) dropClient(client *ssh.Client) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == client {
		_ = c.closeLocked()
	}
}

func (c *Client) getClient() (*ssh.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil, c.newError("session", fmt.Errorf("not connected"), true, false)
	}
	return c.client, nil
}

func (c *Client) newError(op string, err error, temporary, auth bool) *TransportError {
	return &TransportError{
		Op:          op,
		Host:        c.config.Host,
		Err:         err,
		IsTemporary: temporary,
		IsAuthError: auth,
	}
}

// ShellQuote quotes s for a POSIX shell.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
