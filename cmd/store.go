package cmd

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/marcus/histsync/internal/db"
	"github.com/marcus/histsync/internal/output"
	"github.com/marcus/histsync/internal/record"
	"github.com/spf13/cobra"
)

var storeCmd = &cobra.Command{
	Use:     "store",
	Short:   "Inspect the local record store",
	GroupID: "system",
}

var storeStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show record counts, tails and last sync outcome per log",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(false)
		if err != nil {
			return err
		}
		defer s.Close()

		ctx := cmd.Context()
		status, err := s.store.Status(ctx)
		if err != nil {
			return err
		}
		outcomes, err := s.store.SyncOutcomes(ctx)
		if err != nil {
			return err
		}
		last := make(map[record.LogKey]db.LogSyncState, len(outcomes))
		for _, o := range outcomes {
			last[o.Log] = o
		}

		var size uint64
		if fi, err := os.Stat(s.store.Path()); err == nil {
			size = uint64(fi.Size())
		}
		var total int64
		for _, st := range status {
			total += st.Count
		}

		fmt.Printf("Store: %s (%s)\n", s.store.Path(), humanize.Bytes(size))
		fmt.Printf("Host:  %s\n", s.host)
		fmt.Printf("Records: %s in %d logs\n\n", humanize.Comma(total), len(status))
		if len(status) == 0 {
			return nil
		}

		logs := make([]record.LogKey, 0, len(status))
		for log := range status {
			logs = append(logs, log)
		}
		sort.Slice(logs, func(a, b int) bool { return logs[a].String() < logs[b].String() })

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "LOG\tRECORDS\tTAIL\tLAST SYNC")
		for _, log := range logs {
			st := status[log]
			name := log.String()
			if log.Host == s.host {
				name += " (this host)"
			}
			synced := "never"
			if o, ok := last[log]; ok {
				synced = fmt.Sprintf("%s %s", output.FormatOutcome(o.Outcome), humanize.Time(o.UpdatedAt))
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", name, humanize.Comma(st.Count), st.Tail, synced)
		}
		return w.Flush()
	},
}

var storeVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Walk every log and check its hash chain",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(false)
		if err != nil {
			return err
		}
		defer s.Close()

		ctx := cmd.Context()
		logs, err := s.store.KnownLogs(ctx)
		if err != nil {
			return err
		}

		var bad int
		for _, log := range logs {
			n, err := s.store.Verify(ctx, log.Host, log.Tag)
			if err != nil {
				bad++
				output.Error("%s: %v", log, err)
				continue
			}
			fmt.Printf("%s: %s records ok\n", log, humanize.Comma(n))
		}
		if bad > 0 {
			return fmt.Errorf("%d of %d logs failed verification", bad, len(logs))
		}
		output.Success("All %d logs verified", len(logs))
		return nil
	},
}

func init() {
	storeCmd.AddCommand(storeStatusCmd)
	storeCmd.AddCommand(storeVerifyCmd)
	rootCmd.AddCommand(storeCmd)
}
