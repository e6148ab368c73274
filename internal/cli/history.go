package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/wafpolicy/internal/history"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recorded compilation passes",
	Long: `Read the SQLite history written by "wafpolicy serve --history-db" and
print the most recent passes, newest first.`,
	Example: `  wafpolicy history --db /var/lib/wafpolicy/history.db
  wafpolicy history --db history.db --policy shop --limit 20`,
	RunE: runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().String("db", "", "Path to SQLite history database")
	historyCmd.Flags().String("policy", "", "Show the compile trend of one policy")
	historyCmd.Flags().Int("limit", 20, "Maximum number of passes to show")
	_ = historyCmd.MarkFlagRequired("db") //nolint:errcheck // flag registered above
}

func runHistory(cmd *cobra.Command, _ []string) error {
	dbPath, _ := cmd.Flags().GetString("db")         //nolint:errcheck // flag registered above
	policyName, _ := cmd.Flags().GetString("policy") //nolint:errcheck // flag registered above
	limit, _ := cmd.Flags().GetInt("limit")          //nolint:errcheck // flag registered above

	hs, err := history.Open(dbPath)
	if err != nil {
		return fmt.Errorf("opening history database: %w", err)
	}
	defer hs.Close() //nolint:errcheck // read-only use

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	if policyName != "" {
		points, err := hs.Trend(policyName, limit)
		if err != nil {
			return fmt.Errorf("reading trend: %w", err)
		}
		fmt.Fprintln(w, "TIME\tPASS\tCOMPILED") //nolint:errcheck // best-effort output
		for _, p := range points {
			fmt.Fprintf(w, "%s\t%s\t%t\n", p.At.Format(time.RFC3339), p.Result, p.Compiled) //nolint:errcheck // best-effort output
		}
		return w.Flush()
	}

	passes, err := hs.List(limit)
	if err != nil {
		return fmt.Errorf("listing passes: %w", err)
	}
	fmt.Fprintln(w, "TIME\tRESULT\tPOLICIES\tWARN\tERRORS\tDURATION\tDIGEST") //nolint:errcheck // best-effort output
	for _, p := range passes {
		digest := p.Digest
		if len(digest) > 12 {
			digest = digest[:12]
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%dms\t%s\n", //nolint:errcheck // best-effort output
			p.At.Format(time.RFC3339), p.Result, p.PolicyCount, p.WarnCount, p.ErrorCount, p.DurationMs, digest)
	}
	return w.Flush()
}
