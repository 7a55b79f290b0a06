package cmd

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/marcus/histsync/internal/codec"
	"github.com/marcus/histsync/internal/dateparse"
	"github.com/marcus/histsync/internal/history"
	"github.com/marcus/histsync/internal/output"
	"github.com/spf13/cobra"
)

var historyCmd = &cobra.Command{
	Use:     "history",
	Aliases: []string{"h"},
	Short:   "Synced shell history",
	GroupID: "data",
}

var historyAddCmd = &cobra.Command{
	Use:   "add [flags] -- <command...>",
	Short: "Record an executed command",
	Long: `Records an executed command. Meant to be called from a shell hook, e.g. for zsh:

  precmd() { histsync history add --exit $? -- "$(fc -ln -1)" }`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(true)
		if err != nil {
			return err
		}
		defer s.Close()

		exit, _ := cmd.Flags().GetInt64("exit")
		dur, _ := cmd.Flags().GetDuration("duration")
		cwd, _ := cmd.Flags().GetString("cwd")
		sess, _ := cmd.Flags().GetString("session")
		if cwd == "" {
			cwd, _ = os.Getwd()
		}
		if sess == "" {
			sess = os.Getenv("HISTSYNC_SESSION")
		}

		e := codec.HistoryEntry{
			Duration: -1,
			Exit:     exit,
			Command:  strings.Join(args, " "),
			Cwd:      cwd,
			Session:  sess,
		}
		if cmd.Flags().Changed("duration") {
			e.Duration = int64(dur)
		}

		added, err := s.history().Add(cmd.Context(), e)
		if err != nil {
			return err
		}
		if quiet, _ := cmd.Flags().GetBool("quiet"); !quiet {
			fmt.Println(added.ID)
		}
		return nil
	},
}

var historyDelCmd = &cobra.Command{
	Use:     "del <id>",
	Aliases: []string{"rm"},
	Short:   "Delete a history entry on every machine",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(true)
		if err != nil {
			return err
		}
		defer s.Close()

		if err := s.history().Delete(cmd.Context(), args[0]); err != nil {
			return err
		}
		output.Success("Deleted %s", args[0])
		return nil
	},
}

var historyListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List history from every machine, oldest first",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(true)
		if err != nil {
			return err
		}
		defer s.Close()

		var f history.Filter
		f.Host, _ = cmd.Flags().GetString("host")
		f.Session, _ = cmd.Flags().GetString("session")
		f.Contains, _ = cmd.Flags().GetString("contains")
		f.Limit, _ = cmd.Flags().GetInt("limit")
		if since, _ := cmd.Flags().GetString("since"); since != "" {
			t, err := dateparse.Since(since)
			if err != nil {
				return fmt.Errorf("--since: %w", err)
			}
			f.Since = t
		}

		entries, err := s.history().List(cmd.Context(), f)
		if err != nil {
			return err
		}

		if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
			return output.JSON(entries)
		}
		if cmdOnly, _ := cmd.Flags().GetBool("cmd-only"); cmdOnly {
			for _, e := range entries {
				fmt.Println(e.Command)
			}
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
				e.ID, humanize.Time(time.Unix(0, e.Timestamp)), e.Exit, formatDuration(e.Duration), e.Command)
		}
		return w.Flush()
	},
}

func formatDuration(ns int64) string {
	if ns < 0 {
		return "-"
	}
	return time.Duration(ns).Round(time.Millisecond).String()
}

func init() {
	historyAddCmd.Flags().Int64("exit", 0, "Exit status of the command")
	historyAddCmd.Flags().Duration("duration", 0, "How long the command ran")
	historyAddCmd.Flags().String("cwd", "", "Working directory (default: current)")
	historyAddCmd.Flags().String("session", "", "Shell session id (default: $HISTSYNC_SESSION)")
	historyAddCmd.Flags().BoolP("quiet", "q", false, "Do not print the new entry id")

	historyListCmd.Flags().String("host", "", "Only entries recorded on this hostname")
	historyListCmd.Flags().String("session", "", "Only entries from this shell session")
	historyListCmd.Flags().String("contains", "", "Only commands containing this text")
	historyListCmd.Flags().String("since", "", "Only entries since this time (e.g. 24h, 7d, yesterday, monday, 2026-03-01)")
	historyListCmd.Flags().Int("limit", 0, "Show the most recent N entries")
	historyListCmd.Flags().Bool("cmd-only", false, "Print only the commands")
	historyListCmd.Flags().Bool("json", false, "Output as JSON")

	historyCmd.AddCommand(historyAddCmd)
	historyCmd.AddCommand(historyDelCmd)
	historyCmd.AddCommand(historyListCmd)
	rootCmd.AddCommand(historyCmd)
}
