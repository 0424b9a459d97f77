package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var validateConfigCmd = &cobra.Command{
	Use:   "validate-config",
	Short: "Load and validate the configuration file without starting the pipeline",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := getApp().ValidateConfig(); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "config OK")
		return nil
	},
}
