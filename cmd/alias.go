package cmd

import (
	"fmt"
	"strings"

	"github.com/marcus/histsync/internal/output"
	"github.com/spf13/cobra"
)

var aliasCmd = &cobra.Command{
	Use:     "alias",
	Short:   "Synced shell aliases",
	GroupID: "data",
}

var aliasSetCmd = &cobra.Command{
	Use:   "set <name> <value...>",
	Short: "Define or replace an alias",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(true)
		if err != nil {
			return err
		}
		defer s.Close()

		return s.aliases().Set(cmd.Context(), args[0], strings.Join(args[1:], " "))
	},
}

var aliasDelCmd = &cobra.Command{
	Use:     "del <name>",
	Aliases: []string{"rm"},
	Short:   "Remove an alias",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(true)
		if err != nil {
			return err
		}
		defer s.Close()

		return s.aliases().Delete(cmd.Context(), args[0])
	},
}

var aliasListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List aliases",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(true)
		if err != nil {
			return err
		}
		defer s.Close()

		list, err := s.aliases().List(cmd.Context())
		if err != nil {
			return err
		}

		if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
			m := make(map[string]string, len(list))
			for _, a := range list {
				m[a.Name] = a.Value
			}
			return output.JSON(m)
		}
		// Output is valid shell, so `eval "$(histsync alias list)"` works.
		for _, a := range list {
			fmt.Printf("alias %s=%s\n", a.Name, shellQuote(a.Value))
		}
		return nil
	},
}

// shellQuote wraps s in single quotes for POSIX shells.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func init() {
	aliasListCmd.Flags().Bool("json", false, "Output as JSON")

	aliasCmd.AddCommand(aliasSetCmd)
	aliasCmd.AddCommand(aliasDelCmd)
	aliasCmd.AddCommand(aliasListCmd)
	rootCmd.AddCommand(aliasCmd)
}
