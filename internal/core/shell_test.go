package core

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuote(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", "''"},
		{"/var/www/example.com", "/var/www/example.com"},
		{"www-data:www-data", "www-data:www-data"},
		{"*.json", "'*.json'"},
		{"my site", "'my site'"},
		{"it's", `'it'\''s'`},
		{"$(reboot)", "'$(reboot)'"},
		{"a;b", "'a;b'"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Quote(tt.in), "Quote(%q)", tt.in)
	}
}

func TestPrivileged(t *testing.T) {
	assert.Equal(t, "sudo mkdir -p /x", Privileged("sudo", "mkdir -p /x"))
	assert.Equal(t, "mkdir -p /x", Privileged("", "mkdir -p /x"))
}

func TestCheck(t *testing.T) {
	out, err := Check(CommandOutcome{Command: "true"})
	require.NoError(t, err)
	assert.True(t, out.Success())

	_, err = Check(CommandOutcome{Command: "ls /nope", ExitCode: 2, Stderr: "ls: cannot access '/nope'\n"})
	var cmdErr *CommandExecutionError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, 2, cmdErr.ExitCode)
	assert.Equal(t, `command "ls /nope" failed with exit code 2: ls: cannot access '/nope'`, err.Error())
}

func TestErrorMatching(t *testing.T) {
	wrapped := fmt.Errorf("delete: %w", &NotFoundError{Resource: "backup", ID: "abc"})
	assert.ErrorIs(t, wrapped, ErrNotFound)
	assert.EqualError(t, wrapped, "delete: backup not found: abc")

	cause := errors.New("connection reset")
	chanErr := &CommandExecutionError{Command: "uptime", ExitCode: -1, Err: cause}
	assert.ErrorIs(t, chanErr, cause)
	assert.Contains(t, chanErr.Error(), "could not be executed")

	authErr := &AuthenticationError{User: "deploy", Addr: "host:22", Attempted: []string{"publickey", "password"}}
	assert.Equal(t, "authentication as deploy@host:22 failed (attempted: publickey, password)", authErr.Error())

	var connErr *ConnectionError
	assert.False(t, errors.As(authErr, &connErr))
}
