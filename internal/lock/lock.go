// Package lock runs the ordered cascade of OS session-lock commands.
package lock

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/andresmejia3/presence-guard/internal/types"
	"github.com/andresmejia3/presence-guard/internal/utils"
)

// Command is one candidate in the cascade. Attempt returns nil when the session was locked.
type Command interface {
	Name() string
	Attempt(ctx context.Context) error
}

// ExecCommand runs an external lock utility bounded by Timeout.
type ExecCommand struct {
	Argv    []string
	Timeout time.Duration
}

func (c ExecCommand) Name() string { return strings.Join(c.Argv, " ") }

func (c ExecCommand) Attempt(ctx context.Context) error {
	_, err := utils.RunBounded(ctx, c.Timeout, c.Argv)
	return err
}

// Commands builds the exec cascade from configured argv lists.
func Commands(argvs [][]string, timeout time.Duration) []Command {
	cmds := make([]Command, 0, len(argvs))
	for _, argv := range argvs {
		cmds = append(cmds, ExecCommand{Argv: argv, Timeout: timeout})
	}
	return cmds
}

// Actuator tries each command in order until one succeeds.
// It holds no state between calls, so repeated cascades are identical.
type Actuator struct {
	commands []Command
	logger   *slog.Logger
}

func NewActuator(commands []Command, logger *slog.Logger) *Actuator {
	return &Actuator{commands: commands, logger: logger}
}

// TryLock never returns an error: total failure is reported through the outcome.
func (a *Actuator) TryLock(ctx context.Context) types.LockOutcome {
	var out types.LockOutcome
	for _, cmd := range a.commands {
		err := cmd.Attempt(ctx)
		out.Attempts = append(out.Attempts, types.LockAttempt{Command: cmd.Name(), Err: err})
		if err == nil {
			out.Used = cmd.Name()
			a.logger.Info("locked session", "command", cmd.Name())
			return out
		}
		a.logger.Warn("lock command failed", "command", cmd.Name(), "error", err)
		if ctx.Err() != nil {
			break
		}
	}
	a.logger.Error("all lock commands failed", "attempted", len(out.Attempts))
	return out
}
