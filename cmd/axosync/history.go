package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/angeld23/axosync/internal/journal"
	"github.com/angeld23/axosync/internal/ui"
)

var (
	historySince  string
	historyLimit  int
	historyStatus string
	historyJSON   bool
	historyKeep   int
)

var historyCmd = &cobra.Command{
	Use:     "history",
	GroupID: "inspect",
	Short:   "List recorded patch batches",
	Long: `List the batches recorded in history_file, newest first.

--since accepts natural language ("2 hours ago", "yesterday"), a duration
("90m") or an RFC 3339 timestamp.

Example usage:
  axosync history --limit 5
  axosync history --since "yesterday" --status rejected`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadSettings()
		if err != nil {
			return err
		}
		if cfg.HistoryFile == "" {
			fmt.Printf("%s History is disabled\n", ui.RenderWarn(ui.IconWarn))
			fmt.Printf("   Set history_file in %s to record batches\n", configPath)
			return nil
		}

		filter := journal.Filter{Limit: historyLimit, Status: journal.Status(historyStatus)}
		if historySince != "" {
			since, err := parseSince(historySince, time.Now())
			if err != nil {
				return err
			}
			filter.Since = since
		}

		j, err := openJournal(cfg.HistoryFile)
		if err != nil {
			return err
		}
		defer j.Close()

		entries, err := j.List(cmd.Context(), filter)
		if err != nil {
			return err
		}

		if historyJSON {
			if entries == nil {
				entries = []journal.Entry{}
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(entries)
		}

		if len(entries) == 0 {
			fmt.Println(ui.RenderMuted("No batches recorded"))
			return nil
		}
		for _, e := range entries {
			fmt.Println(formatEntry(e))
		}
		return nil
	},
}

var historyPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete all but the newest recorded batches",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadSettings()
		if err != nil {
			return err
		}
		if cfg.HistoryFile == "" {
			fmt.Printf("%s History is disabled\n", ui.RenderWarn(ui.IconWarn))
			return nil
		}

		j, err := openJournal(cfg.HistoryFile)
		if err != nil {
			return err
		}
		defer j.Close()

		removed, err := j.Prune(cmd.Context(), historyKeep)
		if err != nil {
			return err
		}
		remaining, err := j.Count(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Printf("%s Removed %d batch(es), %d remaining\n", ui.RenderPass(ui.IconPass), removed, remaining)
		return nil
	},
}

// parseSince resolves a --since value relative to now.
func parseSince(s string, now time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		return now.Add(-d), nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)

	r, err := w.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse --since %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("failed to parse --since %q: no time expression found", s)
	}
	return r.Time, nil
}

func formatEntry(e journal.Entry) string {
	var status string
	switch e.Status {
	case journal.StatusApplied:
		status = ui.RenderPass(ui.IconPass)
	case journal.StatusRejected:
		status = ui.RenderWarn(ui.IconWarn)
	default:
		status = ui.RenderFail(ui.IconFail)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s  %s  %d op(s)",
		status,
		e.ReceivedAt.Local().Format("2006-01-02 15:04:05"),
		ui.RenderMuted(e.ID),
		e.Operations,
	)
	if e.Status == journal.StatusApplied {
		fmt.Fprintf(&b, "  %d node(s)  %v", e.Nodes, e.Duration.Round(time.Microsecond))
	}
	if e.Error != "" {
		fmt.Fprintf(&b, "\n   %s", e.Error)
	}
	return b.String()
}

func init() {
	historyCmd.Flags().StringVar(&historySince, "since", "", "Only batches received after this time")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Maximum number of batches (0 for all)")
	historyCmd.Flags().StringVar(&historyStatus, "status", "", "Only batches with this outcome (applied|rejected|failed)")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output as JSON")
	historyPruneCmd.Flags().IntVar(&historyKeep, "keep", 1000, "Number of newest batches to keep")

	historyCmd.AddCommand(historyPruneCmd)

	rootCmd.AddCommand(historyCmd)
}
