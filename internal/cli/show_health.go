package cli

import (
	"github.com/spf13/cobra"
)

var showHealthCmd = &cobra.Command{
	Use:   "show-health",
	Short: "Probe each configured venue and print its capabilities and latest quote",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().ShowHealth(cmd.Context())
	},
}
