package cli

import (
	"github.com/spf13/cobra"
)

var version = "dev"

func SetVersion(v string) {
	version = v
}

var rootCmd = &cobra.Command{
	Use:   "panoforge",
	Short: "panoforge — QA-driven pipeline orchestration for 360° image generation",
	Long: `panoforge drives source images through a multi-stage generation pipeline
(geometry, styling, space detection, paired camera views, panorama assembly)
with automated QA judging and bounded retry.

All state is stored in ~/.panoforge/ (SQLite for relational state and the
event log, JSON for run documents).`,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(spaceCmd)
	rootCmd.AddCommand(generateCmd)
	rootCmd.AddCommand(batchCmd)
	rootCmd.AddCommand(qaCmd)
	rootCmd.AddCommand(retryCmd)
	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(analyticsCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(dbCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(templatesCmd)
}
