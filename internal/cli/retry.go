package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/panoforge/panoforge/internal/pipeline"
)

var retryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Control automatic retry",
}

var retryExecCmd = &cobra.Command{
	Use:   "exec <run-id> <step>",
	Short: "Re-trigger generation for a step's retriable assets",
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

		attempt, err := a.orch.ExecuteRetry(args[0], step)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "retry dispatched for %s (attempt %d)\n",
			pipeline.StepName(step), attempt)
		return nil
	},
}

var retryStopCmd = &cobra.Command{
	Use:   "stop <run-id> <step>",
	Short: "Disable automatic retry for a step",
	Long: `Disable scheduling of the next automatic attempt. An attempt already
in flight finishes normally; only the follow-up is suppressed.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return toggleAutoRetry(cmd, args, false)
	},
}

var retryEnableCmd = &cobra.Command{
	Use:   "enable <run-id> <step>",
	Short: "Re-enable automatic retry for a step",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return toggleAutoRetry(cmd, args, true)
	},
}

func toggleAutoRetry(cmd *cobra.Command, args []string, enabled bool) error {
	step, err := parseStep(args[1])
	if err != nil {
		return err
	}
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if enabled {
		err = a.orch.EnableAutoRetry(args[0], step)
	} else {
		err = a.orch.StopAutoRetry(args[0], step)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "auto retry %s for %s\n",
		map[bool]string{true: "enabled", false: "stopped"}[enabled], pipeline.StepName(step))
	return nil
}

var approveCmd = &cobra.Command{
	Use:   "approve <asset-id>",
	Short: "Lock an asset as approved",
	Long: `Approval locks the asset: its output becomes immutable and any further
generation trigger for it is rejected.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.orch.Approve(args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "asset %s locked approved\n", args[0])
		return nil
	},
}

func init() {
	retryCmd.AddCommand(retryExecCmd)
	retryCmd.AddCommand(retryStopCmd)
	retryCmd.AddCommand(retryEnableCmd)
}
