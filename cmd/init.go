package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/marcus/histsync/internal/crypto"
	"github.com/marcus/histsync/internal/output"
	"github.com/marcus/histsync/internal/syncconfig"
	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:     "init",
	Short:   "Create the local store and encryption key",
	GroupID: "system",
	Long: `Creates the local record store, a host id for this machine and, unless one
already exists, a new encryption key.

Every machine syncing the same account must share the key. On a second
machine run 'histsync key import' instead of letting init create one.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, dataDir, err := loadSettings()
		if err != nil {
			return err
		}

		keyPath := cfg.ResolveKeyPath(dataDir)
		created := false
		if _, err := syncconfig.LoadMasterKey(keyPath); errors.Is(err, syncconfig.ErrNoKey) {
			master, err := crypto.GenerateMasterKey()
			if err != nil {
				return err
			}
			if err := syncconfig.SaveMasterKey(keyPath, master, false); err != nil {
				return fmt.Errorf("write key: %w", err)
			}
			created = true
		} else if err != nil {
			return fmt.Errorf("existing key %s: %w", keyPath, err)
		}

		s, err := openSession(true)
		if err != nil {
			return err
		}
		defer s.Close()

		output.Success("Initialized histsync in %s", dataDir)
		fmt.Printf("  host: %s\n", s.host)
		fmt.Printf("  store: %s\n", s.store.Path())
		if created {
			fmt.Printf("  key: %s (new)\n", keyPath)
			output.Warning("back up your key (histsync key show); records cannot be read without it")
		} else {
			fmt.Printf("  key: %s (existing, id %s)\n", keyPath, s.key.ID())
		}
		if os.Getenv("HISTSYNC_KEY") != "" {
			output.Info("  HISTSYNC_KEY is set and takes precedence over the key file")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
