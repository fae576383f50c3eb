package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/panoforge/panoforge/internal/analytics"
	"github.com/panoforge/panoforge/internal/pipeline"
)

var analyticsCmd = &cobra.Command{
	Use:   "analytics",
	Short: "Report judged-attempt statistics",
}

var analyticsCalibrationCmd = &cobra.Command{
	Use:   "calibration",
	Short: "Show per-step pass rates and dominant failure categories",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		cals, err := analytics.Summary(a.db, pipeline.NumSteps)
		if err != nil {
			return err
		}
		if len(cals) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No judged attempts yet.")
			return nil
		}

		w := cmd.OutOrStdout()
		for _, c := range cals {
			fmt.Fprintf(w, "%-10s attempts=%-4d pass_rate=%.2f mean_score=%.1f\n",
				c.Step, c.Attempts, c.PassRate, c.MeanScore)
			for _, cc := range c.TopcatCounts {
				fmt.Fprintf(w, "           %s (%d)\n", cc.Category, cc.Count)
			}
		}
		return nil
	},
}

func init() {
	analyticsCmd.AddCommand(analyticsCalibrationCmd)
}
