package core

import (
	"context"
	"io"
	"os"
)

// CommandOutcome is the captured result of a single remote command.
// It is produced once per execution and never persisted.
type CommandOutcome struct {
	Command  string
	Stdout   string
	Stderr   string
	ExitCode int
}

// Success reports whether the command exited with code 0.
func (o CommandOutcome) Success() bool {
	return o.ExitCode == 0
}

// Runner executes remote commands. Every call opens its own channel and
// closes it before returning; channels are never pooled.
type Runner interface {
	// Run returns an outcome even when the remote exit code is nonzero.
	// Only channel level failures produce an error.
	Run(ctx context.Context, cmd string) (CommandOutcome, error)

	// RunChecked behaves like Run but also fails with a
	// *CommandExecutionError when the exit code is nonzero.
	RunChecked(ctx context.Context, cmd string) (CommandOutcome, error)
}

// FileChannel moves local files to the remote filesystem.
type FileChannel interface {
	UploadFile(ctx context.Context, localPath, remotePath string, mode os.FileMode) error
	UploadDirectory(ctx context.Context, localPath, remotePath string) error
	WriteRemoteFile(ctx context.Context, remotePath, content string) error

	// FileExists and DirectoryExists report false on any execution failure.
	FileExists(ctx context.Context, path string) bool
	DirectoryExists(ctx context.Context, path string) bool
}

// Remote is the port every host-agnostic component is written against.
type Remote interface {
	Runner
	FileChannel
}

// Transport is a Remote bound to one live connection.
type Transport interface {
	Remote
	io.Closer

	// DownloadFile retrieves a file from the remote system.
	DownloadFile(ctx context.Context, remotePath, localPath string) error
}

// Check converts a nonzero outcome into a *CommandExecutionError.
func Check(out CommandOutcome) (CommandOutcome, error) {
	if out.Success() {
		return out, nil
	}
	return out, &CommandExecutionError{
		Command:  out.Command,
		ExitCode: out.ExitCode,
		Stderr:   out.Stderr,
	}
}
