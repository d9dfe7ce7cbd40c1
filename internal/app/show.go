package app

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"yield-alerts/internal/monitor"
)

// Show prints the most recent stored alerts.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	st, err := a.openStateReadOnly(ctx)
	if err != nil {
		return err
	}

	log := monitor.NewAlertLog(len(st.Alerts) + 1)
	log.Append(st.Alerts...)
	alerts := log.History(monitor.HistoryFilter{Unacknowledged: opts.Unacknowledged, Limit: opts.Limit})
	if len(alerts) == 0 {
		fmt.Fprintln(a.Out, "no alerts found")
		return nil
	}

	writeAlertTable(a.Out, alerts)
	return nil
}

func writeAlertTable(out io.Writer, alerts []monitor.Alert) {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tSeverity\tType\tProtocol\tAsset\tTitle\tAck")
	for _, alert := range alerts {
		ack := ""
		if alert.Acknowledged {
			ack = "yes"
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			alert.Timestamp.UTC().Format(time.RFC3339),
			alert.Severity,
			alert.Type,
			alert.Protocol,
			alert.Asset,
			sanitizeInline(alert.Title),
			ack,
		)
	}
	writer.Flush()
}

// ListPresets prints the built-in condition presets.
func (a *App) ListPresets() {
	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Preset\tCondition\tType\tScope")
	for _, p := range monitor.Presets() {
		fmt.Fprintf(writer, "%s\t%s\t\t\n", p.Name, p.Description)
		for _, c := range p.Conditions {
			scope := "*"
			if c.Asset != "" {
				scope = c.Asset
			}
			fmt.Fprintf(writer, "\t%s\t%s\t%s\n", c.Name, c.Type, scope)
		}
	}
	writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
