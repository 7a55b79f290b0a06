package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/marcus/histsync/internal/output"
	"github.com/marcus/histsync/internal/syncconfig"
	"github.com/marcus/histsync/internal/version"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:     "version",
	Short:   "Show version and check for updates",
	GroupID: "system",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("histsync %s\n", appVersion)

		cfg, _, err := loadSettings()
		if err != nil {
			return err
		}
		if !cfg.UpdateCheckEnabled() {
			return nil
		}

		dir, err := syncconfig.ConfigDir()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
		defer cancel()
		if notice := version.NewChecker(appVersion, dir).Notice(ctx); notice != nil {
			output.Warning("histsync %s is available (you have %s)", notice.LatestVersion, notice.CurrentVersion)
			output.Info("  update: %s", notice.UpdateCommand)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
