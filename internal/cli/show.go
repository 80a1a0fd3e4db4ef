package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"cardwatch/internal/app"
)

var showLimit int

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Show recently touched sources and their schedule state",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return errors.New("--limit must be greater than zero")
		}
		return getApp().Show(cmd.Context(), app.ShowOptions{Limit: showLimit})
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of sources to display")
}
