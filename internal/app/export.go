package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"
	"github.com/wcharczuk/go-chart/v2/drawing"

	"yield-alerts/internal/monitor"
)

// Export renders stored alert history as CSV and/or a PNG chart of alert
// counts per time bucket.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	st, err := a.openStateReadOnly(ctx)
	if err != nil {
		return err
	}

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}
	from := to.Add(-24 * time.Hour)
	if opts.From != nil {
		from = opts.From.UTC()
	}
	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	alerts := alertsBetween(st.Alerts, from, to)
	if len(alerts) == 0 {
		a.Logger.Info().Time("from", from).Time("to", to).Msg("no alerts found for export window")
		return nil
	}
	a.Logger.Info().Int("alerts", len(alerts)).Time("from", from).Time("to", to).Msg("exporting alerts")

	if opts.CSVPath != "" {
		if err := writeAlertsCSV(opts.CSVPath, alerts); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		buckets := bucketAlerts(alerts, from, to, opts.MaxPoints)
		if err := writeAlertsPNG(opts.PNGPath, buckets); err != nil {
			return err
		}
	}

	return nil
}

// alertsBetween keeps alerts in [from, to), oldest first.
func alertsBetween(alerts []monitor.Alert, from, to time.Time) []monitor.Alert {
	out := make([]monitor.Alert, 0, len(alerts))
	for _, a := range alerts {
		if a.Timestamp.Before(from) || !a.Timestamp.Before(to) {
			continue
		}
		out = append(out, a)
	}
	return out
}

// alertBucket counts alerts by severity within one time slot.
type alertBucket struct {
	Start    time.Time
	Info     int
	Warning  int
	Critical int
}

// bucketAlerts splits [from, to) into hourly slots, widening them so that at
// most maxPoints slots are produced. At least two slots are always returned.
func bucketAlerts(alerts []monitor.Alert, from, to time.Time, maxPoints int) []alertBucket {
	span := to.Sub(from)
	width := time.Hour
	if maxPoints > 1 && span/width > time.Duration(maxPoints) {
		width = time.Duration(math.Ceil(float64(span) / float64(maxPoints)))
	}
	n := int(math.Ceil(float64(span) / float64(width)))
	if n < 2 {
		n = 2
		width = span / 2
	}

	buckets := make([]alertBucket, n)
	for i := range buckets {
		buckets[i].Start = from.Add(time.Duration(i) * width)
	}
	for _, a := range alerts {
		idx := int(a.Timestamp.Sub(from) / width)
		if idx < 0 || idx >= n {
			continue
		}
		switch a.Severity {
		case monitor.SeverityCritical:
			buckets[idx].Critical++
		case monitor.SeverityWarning:
			buckets[idx].Warning++
		default:
			buckets[idx].Info++
		}
	}
	return buckets
}

func writeAlertsCSV(path string, alerts []monitor.Alert) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"timestamp", "id", "condition_id", "type", "severity", "protocol", "asset", "current_value", "previous_value", "change_pct", "tvl_usd", "risk_score", "acknowledged", "delivered_via", "title"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, alert := range alerts {
		record := []string{
			alert.Timestamp.UTC().Format(time.RFC3339),
			alert.ID,
			alert.ConditionID,
			string(alert.Type),
			string(alert.Severity),
			alert.Protocol,
			alert.Asset,
			formatFloat(alert.CurrentValue, 4),
			formatOptional(alert.PreviousValue, 4),
			formatOptional(alert.ChangePercent, 2),
			formatOptional(alert.TVL, 0),
			formatOptional(alert.RiskScore, 2),
			boolString(alert.Acknowledged),
			strings.Join(alert.DeliveredVia, "|"),
			sanitizeInline(alert.Title),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeAlertsPNG(path string, buckets []alertBucket) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(buckets))
	info := make([]float64, len(buckets))
	warning := make([]float64, len(buckets))
	critical := make([]float64, len(buckets))

	for i, b := range buckets {
		x[i] = b.Start
		info[i] = float64(b.Info)
		warning[i] = float64(b.Warning)
		critical[i] = float64(b.Critical)
	}

	countFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.0f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Alerts",
			ValueFormatter: countFormatter,
			Range:          &chart.ContinuousRange{Min: 0, Max: maxCount(buckets) + 1},
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Info",
				XValues: x,
				YValues: info,
				Style:   chart.Style{StrokeColor: drawing.ColorFromHex("4e79a7"), StrokeWidth: 2},
			},
			chart.TimeSeries{
				Name:    "Warning",
				XValues: x,
				YValues: warning,
				Style:   chart.Style{StrokeColor: drawing.ColorFromHex("f28e2b"), StrokeWidth: 2},
			},
			chart.TimeSeries{
				Name:    "Critical",
				XValues: x,
				YValues: critical,
				Style:   chart.Style{StrokeColor: drawing.ColorFromHex("e15759"), StrokeWidth: 2},
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func maxCount(buckets []alertBucket) float64 {
	m := 0
	for _, b := range buckets {
		m = max(m, b.Info, b.Warning, b.Critical)
	}
	return float64(m)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func formatFloat(v float64, places int32) string {
	return decimal.NewFromFloat(v).StringFixed(places)
}

func formatOptional(v *float64, places int32) string {
	if v == nil {
		return ""
	}
	return formatFloat(*v, places)
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
