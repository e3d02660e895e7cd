package core

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound matches every *NotFoundError via errors.Is.
	ErrNotFound = errors.New("not found")

	// ErrConcurrentUse is returned when a connection handle is used by a
	// second caller while a call is still in flight.
	ErrConcurrentUse = errors.New("connection is in use by another caller")
)

// ConnectionError reports a socket or handshake failure.
type ConnectionError struct {
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s failed: %v", e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// AuthenticationError reports that every credential strategy was exhausted.
type AuthenticationError struct {
	User      string
	Addr      string
	Attempted []string
	Err       error
}

func (e *AuthenticationError) Error() string {
	attempted := "none"
	if len(e.Attempted) > 0 {
		attempted = strings.Join(e.Attempted, ", ")
	}
	msg := fmt.Sprintf("authentication as %s@%s failed (attempted: %s)", e.User, e.Addr, attempted)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// CommandExecutionError reports a checked command that exited nonzero, or a
// command channel that could not be used at all (Err set, ExitCode -1).
type CommandExecutionError struct {
	Command  string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *CommandExecutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("command %q could not be executed: %v", e.Command, e.Err)
	}
	stderr := strings.TrimSpace(e.Stderr)
	if stderr == "" {
		return fmt.Sprintf("command %q failed with exit code %d", e.Command, e.ExitCode)
	}
	return fmt.Sprintf("command %q failed with exit code %d: %s", e.Command, e.ExitCode, stderr)
}

func (e *CommandExecutionError) Unwrap() error { return e.Err }

// FileOperationError reports an upload, create, download or existence check failure.
type FileOperationError struct {
	Op   string
	Path string
	Err  error
}

func (e *FileOperationError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *FileOperationError) Unwrap() error { return e.Err }

// NotFoundError reports an absent delete or restore target.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// ParseError reports a malformed size or metadata payload.
type ParseError struct {
	What  string
	Input string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("cannot parse %s %q: %v", e.What, e.Input, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }
