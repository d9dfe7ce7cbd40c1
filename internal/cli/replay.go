package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"yield-alerts/internal/app"
)

var (
	replayFile    string
	replayPresets []string
	replayNotify  bool
	replayPersist bool
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Evaluate recorded readings pass by pass",
	Long: `Replay reads a JSON-lines file where each line is one pass:

  {"timestamp":"2024-05-01T12:00:00Z","readings":[{"protocol":"aave-v3","asset":"USDC","apy":4.2,"tvl":1.2e9}]}

Conditions come from the store, or from --preset when the store has none.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if replayFile == "" {
			return fmt.Errorf("--file must be provided")
		}

		opts := app.ReplayOptions{
			Path:    replayFile,
			Presets: replayPresets,
			Notify:  replayNotify,
			Persist: replayPersist,
		}
		return getApp().Replay(cmd.Context(), opts)
	},
}

func init() {
	replayCmd.Flags().StringVar(&replayFile, "file", "", "Path to a JSON-lines recording")
	replayCmd.Flags().StringSliceVar(&replayPresets, "preset", nil, "Preset(s) to apply when no conditions are stored")
	replayCmd.Flags().BoolVar(&replayNotify, "notify", false, "Deliver replayed alerts through the configured channels")
	replayCmd.Flags().BoolVar(&replayPersist, "persist", false, "Write resulting conditions, alerts and snapshot to the store")
}
