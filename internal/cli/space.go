package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var spaceCmd = &cobra.Command{
	Use:   "space",
	Short: "Manage detected spaces and their view assets",
}

var spaceAddCmd = &cobra.Command{
	Use:   "add <run-id> <step> <name>...",
	Short: "Register spaces for a run step, creating paired view assets",
	Args:  cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		step, err := parseStep(args[1])
		if err != nil {
			return err
		}
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		spaces, err := a.orch.CreateSpaces(args[0], step, args[2:])
		if err != nil {
			return err
		}
		for _, sp := range spaces {
			fmt.Fprintf(cmd.OutOrStdout(), "space %s: %s\n", sp.ID, sp.Name)
		}
		return nil
	},
}

var spaceListCmd = &cobra.Command{
	Use:   "list <run-id> <step>",
	Short: "List spaces for a run step",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		step, err := parseStep(args[1])
		if err != nil {
			return err
		}
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		spaces, err := a.db.ListSpaces(args[0], step)
		if err != nil {
			return err
		}
		if len(spaces) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No spaces found.")
			return nil
		}
		w := cmd.OutOrStdout()
		for _, sp := range spaces {
			fmt.Fprintf(w, "%-38s %-20s primary=%-14s opposite=%s\n",
				sp.ID, sp.Name, sp.KindAStatus, sp.KindBStatus)
		}
		return nil
	},
}

func init() {
	spaceCmd.AddCommand(spaceAddCmd)
	spaceCmd.AddCommand(spaceListCmd)
}
