package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

var qaFile string

var qaCmd = &cobra.Command{
	Use:   "qa",
	Short: "Evaluate QA verdicts",
}

var qaEvalCmd = &cobra.Command{
	Use:   "eval <run-id> <step>",
	Short: "Evaluate a judge verdict for a run step",
	Long: `Validate a raw judge verdict and report the retry decision without
dispatching any work. The verdict is read from --file, or stdin when
the flag is omitted. A malformed verdict is recorded as a failure
requiring human review; it never passes.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		step, err := parseStep(args[1])
		if err != nil {
			return err
		}

		var raw []byte
		if qaFile != "" {
			raw, err = os.ReadFile(qaFile)
		} else {
			raw, err = io.ReadAll(cmd.InOrStdin())
		}
		if err != nil {
			return fmt.Errorf("read verdict: %w", err)
		}

		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		out, err := a.orch.EvaluateQA(args[0], step, raw)
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "decision: %s\n", out.Decision)
		fmt.Fprintf(w, "reason:   %s\n", out.Reason)
		if out.DelaySeconds > 0 {
			fmt.Fprintf(w, "delay:    %.0fs\n", out.DelaySeconds)
		}
		if d := out.RetryDelta; d != nil {
			if d.NewSeed {
				fmt.Fprintf(w, "delta:    new seed %d\n", d.Seed)
			}
			if d.TightenSettings {
				fmt.Fprintln(w, "delta:    tighten settings")
			}
			if d.InputChange {
				fmt.Fprintln(w, "delta:    input change required")
			}
			for _, c := range d.PromptConstraints {
				fmt.Fprintf(w, "delta:    + %s\n", c)
			}
		}
		return nil
	},
}

func init() {
	qaEvalCmd.Flags().StringVar(&qaFile, "file", "", "path to the verdict JSON (defaults to stdin)")
	qaCmd.AddCommand(qaEvalCmd)
}
