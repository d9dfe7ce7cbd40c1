package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"yield-alerts/internal/app"
)

var (
	exportFrom      string
	exportTo        string
	exportPNGPath   string
	exportCSVPath   string
	exportMaxPoints int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export stored alerts as CSV and/or a PNG chart",
	Example: `  yieldwatch export --csv out/alerts.csv --png out/alerts.png
  yieldwatch export --from -72h --csv alerts.csv
  yieldwatch export --from 2024-05-01T00:00:00Z --to 2024-05-08T00:00:00Z --png week.png`,
	RunE: func(cmd *cobra.Command, args []string) error {
		now := time.Now().UTC()
		opts := app.ExportOptions{
			PNGPath:   exportPNGPath,
			CSVPath:   exportCSVPath,
			MaxPoints: exportMaxPoints,
		}

		if exportTo != "" {
			to, err := parseTimeFlag(exportTo, now)
			if err != nil {
				return fmt.Errorf("invalid --to value: %w", err)
			}
			opts.To = &to
		}
		if exportFrom != "" {
			from, err := parseTimeFlag(exportFrom, now)
			if err != nil {
				return fmt.Errorf("invalid --from value: %w", err)
			}
			opts.From = &from
		}

		return getApp().Export(cmd.Context(), opts)
	},
}

// parseTimeFlag accepts RFC3339 or a negative duration relative to now ("-6h").
func parseTimeFlag(v string, now time.Time) (time.Time, error) {
	if strings.HasPrefix(v, "-") {
		d, err := time.ParseDuration(v)
		if err != nil {
			return time.Time{}, err
		}
		return now.Add(d), nil
	}
	return time.Parse(time.RFC3339, v)
}

func init() {
	exportCmd.Flags().StringVar(&exportFrom, "from", "", "Start (RFC3339 or relative like -48h, inclusive; default 24h before --to)")
	exportCmd.Flags().StringVar(&exportTo, "to", "", "End (RFC3339 or relative, exclusive; default now)")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write PNG chart")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write CSV data")
	exportCmd.Flags().IntVar(&exportMaxPoints, "max-points", 0, "Maximum chart buckets (defaults to config)")
}
