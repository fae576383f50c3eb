package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/panoforge/panoforge/internal/prompt"
)

var templatesCmd = &cobra.Command{
	Use:   "templates",
	Short: "Prompt template tools",
}

var templatesInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Write the built-in prompt templates to ~/.panoforge/templates",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := prompt.InstallBuiltinTemplates(); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "templates installed")
		return nil
	},
}

func init() {
	templatesCmd.AddCommand(templatesInstallCmd)
}
