package monitor

import (
	"github.com/shopspring/decimal"
)

var (
	decMillion  = decimal.NewFromInt(1_000_000)
	decBillion  = decimal.NewFromInt(1_000_000_000)
	decThousand = decimal.NewFromInt(1_000)
)

func formatPercent(v float64) string {
	return decimal.NewFromFloat(v).StringFixed(2) + "%"
}

func formatSignedPercent(v float64) string {
	d := decimal.NewFromFloat(v)
	if d.IsPositive() {
		return "+" + d.StringFixed(2) + "%"
	}
	return d.StringFixed(2) + "%"
}

func formatScore(v float64) string {
	return decimal.NewFromFloat(v).StringFixed(1)
}

// formatUSD renders a dollar amount with a K/M/B suffix.
func formatUSD(v float64) string {
	d := decimal.NewFromFloat(v)
	abs := d.Abs()
	switch {
	case abs.GreaterThanOrEqual(decBillion):
		return "$" + d.Div(decBillion).StringFixed(2) + "B"
	case abs.GreaterThanOrEqual(decMillion):
		return "$" + d.Div(decMillion).StringFixed(2) + "M"
	case abs.GreaterThanOrEqual(decThousand):
		return "$" + d.Div(decThousand).StringFixed(2) + "K"
	default:
		return "$" + d.StringFixed(2)
	}
}
