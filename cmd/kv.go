package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/marcus/histsync/internal/kv"
	"github.com/marcus/histsync/internal/output"
	"github.com/spf13/cobra"
)

var kvCmd = &cobra.Command{
	Use:     "kv",
	Short:   "Synced key-value store",
	GroupID: "data",
}

var kvSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a key",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(true)
		if err != nil {
			return err
		}
		defer s.Close()

		ns, _ := cmd.Flags().GetString("namespace")
		return s.kv().Set(cmd.Context(), ns, args[0], args[1])
	},
}

var kvGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print the value of a key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(true)
		if err != nil {
			return err
		}
		defer s.Close()

		ns, _ := cmd.Flags().GetString("namespace")
		value, err := s.kv().Get(cmd.Context(), ns, args[0])
		if err != nil {
			return err
		}
		fmt.Println(value)
		return nil
	},
}

var kvDelCmd = &cobra.Command{
	Use:     "del <key>",
	Aliases: []string{"rm"},
	Short:   "Delete a key",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(true)
		if err != nil {
			return err
		}
		defer s.Close()

		ns, _ := cmd.Flags().GetString("namespace")
		return s.kv().Delete(cmd.Context(), ns, args[0])
	},
}

var kvListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List the keys of a namespace",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(true)
		if err != nil {
			return err
		}
		defer s.Close()

		ns, _ := cmd.Flags().GetString("namespace")
		all, _ := cmd.Flags().GetBool("all")
		if all {
			ns = ""
		}
		pairs, err := s.kv().List(cmd.Context(), ns)
		if err != nil {
			return err
		}

		if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
			return output.JSON(pairs)
		}
		if len(pairs) == 0 {
			fmt.Println("No keys")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		for _, p := range pairs {
			if all {
				fmt.Fprintf(w, "%s\t%s\t%s\n", p.Namespace, p.Key, p.Value)
			} else {
				fmt.Fprintf(w, "%s\t%s\n", p.Key, p.Value)
			}
		}
		return w.Flush()
	},
}

func init() {
	kvCmd.PersistentFlags().StringP("namespace", "n", kv.DefaultNamespace, "Namespace")
	kvListCmd.Flags().Bool("all", false, "List every namespace")
	kvListCmd.Flags().Bool("json", false, "Output as JSON")

	kvCmd.AddCommand(kvSetCmd)
	kvCmd.AddCommand(kvGetCmd)
	kvCmd.AddCommand(kvDelCmd)
	kvCmd.AddCommand(kvListCmd)
	rootCmd.AddCommand(kvCmd)
}
