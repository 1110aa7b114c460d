package cmd

import (
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/andresmejia3/presence-guard/internal/types"
	"github.com/andresmejia3/presence-guard/internal/utils"
	"github.com/spf13/cobra"
)

var (
	historyLimit   int
	historySummary bool
	historyRun     string
)

var historyCmd = &cobra.Command{
	Use:         "history",
	Short:       "List recent events from the journal",
	Annotations: map[string]string{annotationRequiresDB: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if historySummary {
			summary, err := DB.LockSummary(ctx, historyRun)
			if err != nil {
				return &exitError{code: utils.ExitStartup, msg: "failed to summarize locks", err: err}
			}
			printSummary(os.Stdout, summary)
			return nil
		}

		events, err := DB.Recent(ctx, historyLimit)
		if err != nil {
			return &exitError{code: utils.ExitStartup, msg: "failed to list events", err: err}
		}
		printEvents(os.Stdout, events)
		return nil
	},
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Number of events to show")
	historyCmd.Flags().BoolVar(&historySummary, "summary", false, "Show lock counts per phase instead of events")
	historyCmd.Flags().StringVar(&historyRun, "run", "", "Restrict --summary to one run ID")
	rootCmd.AddCommand(historyCmd)
}

func printEvents(out io.Writer, events []types.Event) {
	if len(events) == 0 {
		fmt.Fprintln(out, "No events found in journal.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "TIME\tRUN\tKIND\tPHASE\tFACES\tDISTANCE\tCOMMAND\tLOCKED")
	fmt.Fprintln(w, "----\t---\t----\t-----\t-----\t--------\t-------\t------")

	for _, e := range events {
		dist := "-"
		if e.Distance != nil {
			dist = fmt.Sprintf("%.3f", *e.Distance)
		}
		run := e.RunID
		if len(run) > 8 {
			run = run[:8]
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\t%t\n",
			e.OccurredAt.Local().Format("2006-01-02 15:04:05"), run, e.Kind, e.Phase, e.Faces, dist, e.Command, e.Locked)
	}
	w.Flush()
}

func printSummary(out io.Writer, summary map[string]int) {
	if len(summary) == 0 {
		fmt.Fprintln(out, "No locks recorded.")
		return
	}
	phases := make([]string, 0, len(summary))
	for p := range summary {
		phases = append(phases, p)
	}
	sort.Strings(phases)

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "PHASE\tLOCKS")
	for _, p := range phases {
		fmt.Fprintf(w, "%s\t%d\n", p, summary[p])
	}
	w.Flush()
}
