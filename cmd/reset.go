package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/andresmejia3/presence-guard/internal/utils"
	"github.com/spf13/cobra"
)

var (
	resetJournal bool
	resetLog     bool
	resetYes     bool
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset stored state (event journal, log file)",
	Long: `Clears stored state. By default, it resets everything. Use flags to clear specific components.
Only --journal needs a database; --log works without one.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		// If no flags are set, default to clearing EVERYTHING
		if !resetJournal && !resetLog {
			resetJournal = true
			resetLog = true
		}

		var journal journalResetter
		if DB != nil {
			journal = DB
		}
		return resetState(cmd.Context(), os.Stdout, bufio.NewReader(os.Stdin), journal, resetJournal, resetLog, resetYes, cfg.LogFile)
	},
}

type journalResetter interface {
	Reset(ctx context.Context) error
}

// resetState clears the selected components. The journal is checked up front
// so a missing database fails before anything is touched.
func resetState(ctx context.Context, out io.Writer, reader *bufio.Reader, journal journalResetter, dropJournal, truncLog, yes bool, logFile string) error {
	if dropJournal && journal == nil {
		return startupError("database required to reset the journal", errors.New("set --db, DATABASE_URL or POSTGRES_HOST"))
	}

	if dropJournal {
		if yes || confirm(out, reader, "⚠️  Are you sure you want to DROP the event journal?") {
			fmt.Fprintln(out, "🗑️  Clearing event journal...")
			if err := journal.Reset(ctx); err != nil {
				return &exitError{code: utils.ExitStartup, msg: "failed to reset database", err: err}
			}
		}
	}

	if truncLog {
		if yes || confirm(out, reader, fmt.Sprintf("⚠️  Are you sure you want to truncate %s?", logFile)) {
			fmt.Fprintln(out, "🗑️  Truncating log file...")
			truncateFile(logFile)
		}
	}

	fmt.Fprintln(out, "✨ Reset Complete.")
	return nil
}

func init() {
	resetCmd.Flags().BoolVar(&resetJournal, "journal", false, "Drop the PostgreSQL event journal")
	resetCmd.Flags().BoolVar(&resetLog, "log", false, "Truncate the log file")
	resetCmd.Flags().BoolVarP(&resetYes, "yes", "y", false, "Do not ask for confirmation")
	rootCmd.AddCommand(resetCmd)
}

func confirm(out io.Writer, r *bufio.Reader, prompt string) bool {
	fmt.Fprintf(out, "%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}

func truncateFile(path string) {
	if err := os.Truncate(path, 0); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "⚠️  Failed to truncate %s: %v\n", path, err)
	}
}
