package utils

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Process exit codes.
const (
	ExitOK      = 0
	ExitStartup = 1
	ExitFault   = 2
)

// Command failure classes reported by RunBounded.
var (
	ErrNotInstalled = errors.New("executable not found")
	ErrTimedOut     = errors.New("timed out")
	ErrExitStatus   = errors.New("non-zero exit status")
)

// --- 1. Process Safety & Command Wrapping ---

// SafeCommand wraps a standard exec.Cmd with a buffer to catch Stderr.
// This ensures we don't lose crash information if a helper process dies.
type SafeCommand struct {
	*exec.Cmd
	Stderr *bytes.Buffer
}

// NewSafeCommandContext initializes a command and attaches a buffer to its Stderr pipe.
// It prepares the command for execution but does not start it. The process is
// killed when ctx ends.
func NewSafeCommandContext(ctx context.Context, name string, args ...string) *SafeCommand {
	cmd := exec.CommandContext(ctx, name, args...)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	return &SafeCommand{Cmd: cmd, Stderr: stderr}
}

// RunBounded runs argv to completion within timeout and returns its combined
// stdout+stderr. Errors wrap ErrNotInstalled, ErrTimedOut or ErrExitStatus so
// callers can log the failure class.
func RunBounded(ctx context.Context, timeout time.Duration, argv []string) ([]byte, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty command: %w", ErrNotInstalled)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdout = &out
	cmd.Stderr = &out
	// Kill the direct child only; don't wait for grandchildren holding the pipes.
	cmd.WaitDelay = 500 * time.Millisecond

	err := cmd.Run()
	switch {
	case err == nil:
		return out.Bytes(), nil
	case errors.Is(err, exec.ErrNotFound):
		return out.Bytes(), fmt.Errorf("%s: %w", argv[0], ErrNotInstalled)
	case ctx.Err() == context.DeadlineExceeded:
		return out.Bytes(), fmt.Errorf("%s after %s: %w", argv[0], timeout, ErrTimedOut)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return out.Bytes(), fmt.Errorf("%s exited with %d: %w", argv[0], exitErr.ExitCode(), ErrExitStatus)
	}
	return out.Bytes(), fmt.Errorf("%s: %w", argv[0], err)
}

// Die is the unified exit strategy for the guard.
// It logs the cause, prints a formatted error box and dumps helper process logs if a SafeCommand is provided.
func Die(logger *slog.Logger, code int, context string, err error, s *SafeCommand) {
	if logger != nil {
		logger.Error(context, "error", err)
	}
	ShowError(os.Stderr, context, err, s)
	os.Exit(code)
}

// ShowError prints the framed error report without exiting.
func ShowError(w io.Writer, context string, err error, s *SafeCommand) {
	fmt.Fprintf(w, "\n---------------------------------------------------------\n")
	fmt.Fprintf(w, "🚨 PRESENCE GUARD ERROR: %s\n", context)
	if err != nil {
		fmt.Fprintf(w, "DETAILS: %v\n", err)
	}

	// If we have a SafeCommand and it captured logs, print them.
	if s != nil && s.Stderr.Len() > 0 {
		fmt.Fprintf(w, "\nHELPER PROCESS LOGS:\n%s\n", strings.TrimSpace(s.Stderr.String()))
	}
	fmt.Fprintf(w, "---------------------------------------------------------\n")
}
