package cli

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/panoforge/panoforge/internal/pipeline"
)

var runJSON bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Manage pipeline runs",
}

var runCreateCmd = &cobra.Command{
	Use:   "create <source-image>",
	Short: "Create a new run from a source image reference",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		run, err := a.orch.CreateRun(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "created run %s (phase %s)\n", run.ID, run.Phase)
		return nil
	},
}

var runListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		runs, err := a.store.List()
		if err != nil {
			return fmt.Errorf("list runs: %w", err)
		}
		if runJSON {
			return printJSON(cmd, runs)
		}
		if len(runs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No runs found.")
			return nil
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "%-38s %-20s %-10s %s\n", "RUN", "PHASE", "STEP", "SOURCE")
		fmt.Fprintf(w, "%-38s %-20s %-10s %s\n",
			strings.Repeat("-", 38), strings.Repeat("-", 20), strings.Repeat("-", 10), strings.Repeat("-", 6))
		for _, r := range runs {
			fmt.Fprintf(w, "%-38s %-20s %-10s %s\n",
				r.ID, r.Phase, pipeline.StepName(r.CurrentStep), r.SourceImage)
		}
		return nil
	},
}

var runStatusCmd = &cobra.Command{
	Use:   "status <run-id>",
	Short: "Show detailed run status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		info, err := a.orch.Status(args[0])
		if err != nil {
			return err
		}
		if runJSON {
			return printJSON(cmd, info)
		}

		w := cmd.OutOrStdout()
		r := info.Run
		fmt.Fprintf(w, "Run %s\n", r.ID)
		fmt.Fprintf(w, "  Phase:   %s\n", r.Phase)
		fmt.Fprintf(w, "  Step:    %s\n", pipeline.StepName(r.CurrentStep))
		fmt.Fprintf(w, "  Source:  %s\n", r.SourceImage)
		fmt.Fprintf(w, "  Epoch:   %d\n", r.ResetEpoch)
		fmt.Fprintf(w, "  Created: %s\n", r.CreatedAt)
		fmt.Fprintf(w, "  Updated: %s\n", r.UpdatedAt)

		if st, ok := r.StepRetry[r.CurrentStep]; ok {
			fmt.Fprintf(w, "  Retry:   attempt %d/%d, auto=%t, status=%s\n",
				st.AttemptCount, st.MaxAttempts, st.AutoRetryEnabled, st.Status)
		}
		for _, sp := range info.Spaces {
			fmt.Fprintf(w, "  Space %-20s primary=%-14s opposite=%s\n", sp.Name, sp.KindAStatus, sp.KindBStatus)
		}
		for _, as := range info.Assets {
			fmt.Fprintf(w, "  Asset %s %-9s %-14s attempts=%d", as.ID, as.Kind, as.Status, as.AttemptCount)
			if as.BlockReason != "" {
				fmt.Fprintf(w, " blocked: %s", as.BlockReason)
			}
			fmt.Fprintln(w)
		}
		return nil
	},
}

var runRestartCmd = &cobra.Command{
	Use:   "restart <run-id> <step>",
	Short: "Restart a run from a step, discarding all downstream state",
	Long: `Restart deletes every output, attempt and space from the given step
onward and returns the run to that step's pending phase. Results from
work already in flight are discarded when they land.`,
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

		if err := a.orch.RestartStep(args[0], step); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "run %s restarted from %s\n", args[0], pipeline.StepName(step))
		return nil
	},
}

var runRollbackCmd = &cobra.Command{
	Use:   "rollback <run-id> <step>",
	Short: "Return a run to a step's review phase without deleting outputs",
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

		if err := a.orch.RollbackStep(args[0], step); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "run %s rolled back to %s review\n", args[0], pipeline.StepName(step))
		return nil
	},
}

var runEventsCmd = &cobra.Command{
	Use:   "events <run-id>",
	Short: "Show the event log for a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		events, err := a.db.GetRunHistory(args[0])
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		for _, e := range events {
			fmt.Fprintf(w, "%s  %-18s step=%s", e.Timestamp, e.Event, pipeline.StepName(e.Step))
			if e.AssetID != "" {
				fmt.Fprintf(w, " asset=%s", e.AssetID)
			}
			if e.Detail != "" {
				fmt.Fprintf(w, "  %s", e.Detail)
			}
			fmt.Fprintln(w)
		}
		return nil
	},
}

// parseStep accepts either a step index or a step name.
func parseStep(s string) (int, error) {
	if n, err := strconv.Atoi(s); err == nil {
		if !pipeline.ValidStep(n) {
			return 0, fmt.Errorf("invalid step %d", n)
		}
		return n, nil
	}
	for step := 0; step < pipeline.NumSteps; step++ {
		if pipeline.StepName(step) == s {
			return step, nil
		}
	}
	return 0, fmt.Errorf("unknown step %q", s)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	runCmd.PersistentFlags().BoolVar(&runJSON, "json", false, "output JSON instead of human-readable text")
	runCmd.AddCommand(runCreateCmd)
	runCmd.AddCommand(runListCmd)
	runCmd.AddCommand(runStatusCmd)
	runCmd.AddCommand(runRestartCmd)
	runCmd.AddCommand(runRollbackCmd)
	runCmd.AddCommand(runEventsCmd)
}
