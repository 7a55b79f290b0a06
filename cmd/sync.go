package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/marcus/histsync/internal/output"
	hsync "github.com/marcus/histsync/internal/sync"
	"github.com/marcus/histsync/internal/syncconfig"
	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	Short:   "Sync local records with the server",
	GroupID: "sync",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(true)
		if err != nil {
			return err
		}
		defer s.Close()

		syncer, err := s.syncer()
		if err != nil {
			return err
		}

		if statusOnly, _ := cmd.Flags().GetBool("status"); statusOnly {
			return runSyncStatus(cmd.Context(), s, syncer)
		}

		report, err := runSync(cmd.Context(), s, syncer)
		if err != nil {
			return err
		}
		printReport(report)
		return report.Err()
	},
}

// runSync runs one cycle and stamps the last sync time once the cycle
// completed, even when individual logs failed.
func runSync(ctx context.Context, s *session, syncer *hsync.Syncer) (*hsync.Report, error) {
	report, err := syncer.Sync(ctx)
	if err != nil {
		return nil, err
	}
	if err := syncconfig.SaveSyncTime(s.dataDir, report.Finished); err != nil {
		slog.Warn("sync: save sync time", "err", err)
	}
	return report, nil
}

func printReport(report *hsync.Report) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for _, lr := range report.Sorted() {
		if lr.Outcome == hsync.InSync {
			continue
		}
		detail := ""
		switch {
		case lr.Err != nil:
			detail = lr.Err.Error()
		case lr.Pulled > 0 && lr.Pushed > 0:
			detail = fmt.Sprintf("pulled %d, pushed %d", lr.Pulled, lr.Pushed)
		case lr.Pulled > 0:
			detail = fmt.Sprintf("pulled %d", lr.Pulled)
		case lr.Pushed > 0:
			detail = fmt.Sprintf("pushed %d", lr.Pushed)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", lr.Log, output.FormatOutcome(string(lr.Outcome)), detail)
	}
	w.Flush()

	pulled, pushed := report.Totals()
	elapsed := report.Finished.Sub(report.Started).Round(time.Millisecond)
	if report.Err() != nil {
		output.Warning("sync finished with errors in %s (%d logs, pulled %d, pushed %d)", elapsed, len(report.Logs), pulled, pushed)
		return
	}
	output.Success("Synced %d logs in %s (pulled %s, pushed %s)",
		len(report.Logs), elapsed, humanize.Comma(int64(pulled)), humanize.Comma(int64(pushed)))
}

// runSyncStatus prints what a cycle would do without changing anything.
func runSyncStatus(ctx context.Context, s *session, syncer *hsync.Syncer) error {
	plans, err := syncer.Plan(ctx)
	if err != nil {
		return err
	}

	last, err := syncconfig.LastSync(s.dataDir)
	if err != nil {
		return err
	}
	fmt.Printf("Server:    %s\n", s.cfg.ServerURL())
	fmt.Printf("Host:      %s\n", s.host)
	if last.IsZero() {
		fmt.Println("Last sync: never")
	} else {
		fmt.Printf("Last sync: %s\n", humanize.Time(last))
	}
	fmt.Println()

	if len(plans) == 0 {
		fmt.Println("No logs on either side")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "LOG\tLOCAL\tSERVER\tACTION")
	for _, p := range plans {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.Log,
			humanize.Comma(p.Local.Count), humanize.Comma(p.Remote.Count),
			output.FormatOutcome(string(p.Action)))
	}
	return w.Flush()
}

func init() {
	syncCmd.Flags().Bool("status", false, "Compare local and server logs without syncing")
	rootCmd.AddCommand(syncCmd)
}
