package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/presence-guard/internal/lock"
	"github.com/andresmejia3/presence-guard/internal/types"
	"github.com/spf13/cobra"
)

var errLockFailed = errors.New("all lock commands failed")

var lockCmd = &cobra.Command{
	Use:   "lock",
	Short: "Run the lock cascade once and show which command worked",
	RunE: func(cmd *cobra.Command, args []string) error {
		actuator := lock.NewActuator(lock.Commands(cfg.LockCommands, cfg.LockTimeout), logger.With("component", "lock"))
		outcome := actuator.TryLock(cmd.Context())
		printOutcome(os.Stdout, outcome)
		if !outcome.Locked() {
			return startupError("lock cascade failed", errLockFailed)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(lockCmd)
}

func printOutcome(out io.Writer, o types.LockOutcome) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "COMMAND\tRESULT")
	fmt.Fprintln(w, "-------\t------")
	for _, a := range o.Attempts {
		result := "ok"
		if a.Err != nil {
			result = a.Err.Error()
		}
		fmt.Fprintf(w, "%s\t%s\n", a.Command, result)
	}
	w.Flush()

	if o.Locked() {
		fmt.Fprintf(out, "🔒 Locked via: %s\n", o.Used)
	} else {
		fmt.Fprintln(out, "⚠️  All lock commands failed.")
	}
}
