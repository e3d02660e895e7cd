package core

import "strings"

// Quote returns s as a single POSIX shell word. Words made only of safe
// characters are returned unchanged so logged commands stay readable.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	if strings.IndexFunc(s, unsafeShellRune) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func unsafeShellRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return false
	}
	return !strings.ContainsRune("@%+=:,./_-", r)
}

// Privileged prefixes cmd with the privilege escalation command (e.g. "sudo").
// An empty prefix runs cmd as the login user.
func Privileged(prefix, cmd string) string {
	if prefix == "" {
		return cmd
	}
	return prefix + " " + cmd
}
