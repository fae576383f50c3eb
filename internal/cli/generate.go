package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var generateAnchor string

var generateCmd = &cobra.Command{
	Use:   "generate <asset-id>",
	Short: "Trigger generation for one asset",
	Long: `Trigger generation for a single view asset. Duplicate triggers on an
asset already in flight are no-ops returning the existing handle. An
Opposite asset is admitted only once its Primary anchor is usable.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.orch.StartGeneration(args[0], generateAnchor)
		if err != nil {
			return err
		}
		if !res.Accepted {
			fmt.Fprintf(cmd.OutOrStdout(), "asset %s already in flight (%s)\n", res.AssetID, res.Status)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "asset %s queued\n", res.AssetID)
		return nil
	},
}

var batchCmd = &cobra.Command{
	Use:   "batch <run-id> <step>",
	Short: "Run a full step batch across all spaces",
	Long: `Fan generation out across every space of a step, one pipeline per
space in parallel. Within each space the Primary view completes before
the Opposite starts. The run advances to the step's review phase only
when every asset has reached a terminal state.`,
	Args: cobra.ExactArgs(2),
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

		res, err := a.orch.RunStep(context.Background(), args[0], step)
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "batch complete: %d/%d spaces clean\n", res.Completed, res.Spaces)
		for _, b := range res.Blocked {
			fmt.Fprintf(w, "  blocked: %s\n", b)
		}
		if res.AllDone {
			fmt.Fprintln(w, "run moved to review")
		}
		return nil
	},
}

func init() {
	generateCmd.Flags().StringVar(&generateAnchor, "anchor", "", "anchor artifact hint for opposite views")
}
