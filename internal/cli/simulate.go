package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"yield-alerts/internal/app"
)

var (
	simulateProtocol  string
	simulateAsset     string
	simulateAPY       float64
	simulateTVL       float64
	simulateRisk      float64
	simulateThreshold float64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "Push a synthetic reading through the delivery channels",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateAPY <= simulateThreshold {
			return errors.New("--apy must be above --threshold to raise an alert")
		}
		if simulateTVL < 0 {
			return errors.New("--tvl cannot be negative")
		}

		opts := app.SimulateOptions{
			Protocol:  simulateProtocol,
			Asset:     simulateAsset,
			APY:       simulateAPY,
			TVL:       simulateTVL,
			Threshold: simulateThreshold,
		}
		if cmd.Flags().Changed("risk") {
			risk := simulateRisk
			opts.RiskScore = &risk
		}
		return getApp().SimulateAlert(cmd.Context(), opts)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateProtocol, "protocol", "aave-v3", "Protocol of the synthetic entity")
	simulateCmd.Flags().StringVar(&simulateAsset, "asset", "USDC", "Asset of the synthetic entity")
	simulateCmd.Flags().Float64Var(&simulateAPY, "apy", 25, "APY in percent")
	simulateCmd.Flags().Float64Var(&simulateTVL, "tvl", 50_000_000, "TVL in USD")
	simulateCmd.Flags().Float64Var(&simulateRisk, "risk", 0, "Risk score (0-10); omitted when not set")
	simulateCmd.Flags().Float64Var(&simulateThreshold, "threshold", 20, "apy_above threshold in percent")
}
