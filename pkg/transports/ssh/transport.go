// Package ssh runs provisioning commands on cluster hosts over SSH and
// uploads configuration files with SFTP.
package ssh

import (
	"context"
	"os"
	"time"
)

// Transport runs commands and uploads files on one remote host.
type Transport interface {
	// Connect establishes the SSH connection. It is a no-op when already
	// connected.
	Connect(ctx context.Context) error

	// Close closes the connection and releases all resources.
	Close() error

	// Run executes cmd, feeding stdin when non-nil. A command exiting with
	// a non-zero status returns its result together with an error.
	Run(ctx context.Context, cmd string, stdin []byte) (*ExecResult, error)

	// Upload writes content to remotePath, creating parent directories.
	Upload(ctx context.Context, content []byte, remotePath string, mode os.FileMode) error
}

// ExecResult represents the result of a command execution.
type ExecResult struct {
	// Stdout is the standard output from the command
	Stdout string

	// Stderr is the standard error output from the command
	Stderr string

	// ExitCode is the command's exit code, -1 when it did not exit
	ExitCode int

	// Duration is the total execution time
	Duration time.Duration
}

// TransportError represents an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "exec", "upload")
	Op string

	// Host is the remote host
	Host string

	// Err is the underlying error
	Err error

	// IsTemporary indicates if the error is temporary and can be retried
	IsTemporary bool

	// IsAuthError indicates if the error is related to authentication
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return e.Op + " " + e.Host + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Temporary reports whether retrying the operation may succeed.
func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}
