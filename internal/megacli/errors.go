package megacli

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotLoggedIn means the shared session was lost mid-sequence.
	// Callers re-login once and retry the failed command.
	ErrNotLoggedIn = errors.New("not logged in")

	// ErrLoginDenied means credentials or the applied proxy were rejected.
	// Callers rotate the proxy and retry a bounded number of times.
	ErrLoginDenied = errors.New("login denied")

	// ErrNoProxy means no proxy could be applied. Direct-IP access is never
	// permitted, so this is terminal for the operation.
	ErrNoProxy = errors.New("no proxy available")
)

// StallError is raised when a transfer stops reporting progress for longer
// than the stall timeout. The subprocess tree has already been killed when
// this is returned.
type StallError struct {
	Command     string
	LastPercent float64
	StalledFor  time.Duration
}

func (e *StallError) Error() string {
	return fmt.Sprintf("transfer stalled: %s made no progress for %s (last %.1f%%)",
		e.Command, e.StalledFor, e.LastPercent)
}

// RemoteCommandError is a non-zero exit with no special-case semantics
type RemoteCommandError struct {
	Command   string
	ExitCode  int
	Output    string
	Truncated bool
}

func (e *RemoteCommandError) Error() string {
	out := strings.TrimSpace(e.Output)
	if len(out) > 300 {
		out = out[len(out)-300:]
	}
	return fmt.Sprintf("%s failed (exit %d): %s", e.Command, e.ExitCode, out)
}

// classify maps a command result onto the error taxonomy. Commands with
// special exit semantics (mkdir 54, export 64-class) handle those before
// calling classify.
func classify(command string, res Result) error {
	lower := strings.ToLower(res.Output)

	if strings.Contains(lower, "not logged in") {
		return fmt.Errorf("%s: %w", command, ErrNotLoggedIn)
	}
	if command == "login" {
		return fmt.Errorf("%s: %w", command, ErrLoginDenied)
	}

	return &RemoteCommandError{
		Command:   command,
		ExitCode:  res.ExitCode,
		Output:    res.Output,
		Truncated: res.Truncated,
	}
}
