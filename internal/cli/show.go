package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"yield-alerts/internal/app"
)

var (
	showLimit          int
	showUnacknowledged bool
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent stored alerts",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Limit:          showLimit,
			Unacknowledged: showUnacknowledged,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

var presetsCmd = &cobra.Command{
	Use:   "presets",
	Short: "List built-in condition presets",
	RunE: func(cmd *cobra.Command, args []string) error {
		getApp().ListPresets()
		return nil
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of alerts to display")
	showCmd.Flags().BoolVar(&showUnacknowledged, "unacknowledged", false, "Only show alerts that are not acknowledged")
}
