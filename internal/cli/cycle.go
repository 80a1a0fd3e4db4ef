package cli

import (
	"github.com/spf13/cobra"
)

var cycleCmd = &cobra.Command{
	Use:   "cycle",
	Short: "Run one synchronization cycle and print the report",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Cycle(cmd.Context())
	},
}
