package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/marcus/histsync/internal/crypto"
	"github.com/marcus/histsync/internal/output"
	"github.com/marcus/histsync/internal/syncconfig"
	"github.com/spf13/cobra"
)

var keyCmd = &cobra.Command{
	Use:     "key",
	Short:   "Show or import the encryption key",
	GroupID: "sync",
}

var keyShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the encryption key",
	Long:  `Prints the base64 encryption key. Import it on every other machine with 'histsync key import'.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, dataDir, err := loadSettings()
		if err != nil {
			return err
		}
		master, err := syncconfig.LoadMasterKey(cfg.ResolveKeyPath(dataDir))
		if err != nil {
			return err
		}
		key, err := crypto.DeriveRecordKey(master)
		if err != nil {
			return err
		}

		if idOnly, _ := cmd.Flags().GetBool("id"); idOnly {
			fmt.Println(key.ID())
			return nil
		}
		fmt.Println(crypto.EncodeMasterKey(master))
		return nil
	},
}

var keyImportCmd = &cobra.Command{
	Use:   "import [key]",
	Short: "Install a key exported from another machine",
	Long:  `Installs a base64 key. With no argument the key is read from stdin.`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, dataDir, err := loadSettings()
		if err != nil {
			return err
		}

		var encoded string
		if len(args) == 1 {
			encoded = args[0]
		} else {
			line, err := bufio.NewReader(os.Stdin).ReadString('\n')
			if err != nil && line == "" {
				return fmt.Errorf("read key: %w", err)
			}
			encoded = line
		}
		master, err := crypto.DecodeMasterKey(strings.TrimSpace(encoded))
		if err != nil {
			return err
		}

		force, _ := cmd.Flags().GetBool("force")
		path := cfg.ResolveKeyPath(dataDir)
		if err := syncconfig.SaveMasterKey(path, master, force); err != nil {
			if os.IsExist(err) {
				return fmt.Errorf("%s already exists (use --force to replace it; records sealed with the old key become unreadable)", path)
			}
			return fmt.Errorf("write key: %w", err)
		}

		key, err := crypto.DeriveRecordKey(master)
		if err != nil {
			return err
		}
		output.Success("Imported key %s", key.ID())
		return nil
	},
}

func init() {
	keyShowCmd.Flags().Bool("id", false, "Print only the key id")
	keyImportCmd.Flags().Bool("force", false, "Replace an existing key file")

	keyCmd.AddCommand(keyShowCmd)
	keyCmd.AddCommand(keyImportCmd)
	rootCmd.AddCommand(keyCmd)
}
