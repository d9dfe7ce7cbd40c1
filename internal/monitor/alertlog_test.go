package monitor

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAlertLogDropsOldest(t *testing.T) {
	log := NewAlertLog(0)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < DefaultAlertLimit+5; i++ {
		log.Append(Alert{ID: fmt.Sprintf("a-%d", i), Timestamp: base.Add(time.Duration(i) * time.Second)})
	}
	require.Equal(t, DefaultAlertLimit, log.Len())

	_, ok := log.Get("a-4")
	assert.False(t, ok)
	_, ok = log.Get("a-5")
	assert.True(t, ok)

	recent := log.Recent(2)
	require.Len(t, recent, 2)
	assert.Equal(t, fmt.Sprintf("a-%d", DefaultAlertLimit+4), recent[0].ID)
}

func TestAlertLogHistoryFilters(t *testing.T) {
	log := NewAlertLog(10)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	log.Append(
		Alert{ID: "1", Protocol: "Kamino", Asset: "USDC", Type: TypeAPYAbove, Severity: SeverityWarning, Timestamp: base},
		Alert{ID: "2", Protocol: "aave", Asset: "USDT", Type: TypeTVLChange, Severity: SeverityCritical, Timestamp: base.Add(time.Hour)},
		Alert{ID: "3", Protocol: "kamino", Asset: "SOL", Type: TypeAPYAbove, Severity: SeverityInfo, Timestamp: base.Add(2 * time.Hour)},
	)
	_, err := log.Acknowledge("3", base)
	require.NoError(t, err)

	ids := func(alerts []Alert) []string {
		out := make([]string, 0, len(alerts))
		for _, a := range alerts {
			out = append(out, a.ID)
		}
		return out
	}

	assert.Equal(t, []string{"3", "1"}, ids(log.History(HistoryFilter{Protocol: "kamino"})))
	assert.Equal(t, []string{"2"}, ids(log.History(HistoryFilter{Severity: SeverityCritical})))
	assert.Equal(t, []string{"3", "2"}, ids(log.History(HistoryFilter{Since: base.Add(time.Minute)})))
	assert.Equal(t, []string{"2", "1"}, ids(log.History(HistoryFilter{Unacknowledged: true})))
	assert.Equal(t, []string{"1"}, ids(log.History(HistoryFilter{Type: TypeAPYAbove, Asset: "usdc"})))
	assert.Equal(t, []string{"3"}, ids(log.History(HistoryFilter{Limit: 1})))
	assert.Empty(t, log.History(HistoryFilter{Protocol: "morpho"}))
}

func TestAlertLogMarkDelivered(t *testing.T) {
	log := NewAlertLog(10)
	log.Append(Alert{ID: "1"})

	require.NoError(t, log.MarkDelivered("1", ChannelWebhook))
	require.NoError(t, log.MarkDelivered("1", ChannelWebhook))
	require.NoError(t, log.MarkDelivered("1", ChannelStream))
	assert.ErrorIs(t, log.MarkDelivered("2", ChannelStream), ErrNotFound)

	a, _ := log.Get("1")
	assert.Equal(t, []string{ChannelWebhook, ChannelStream}, a.DeliveredVia)
	assert.True(t, a.DeliveredOn(ChannelStream))
}

func TestConditionJSONIsFlat(t *testing.T) {
	e := newTestEngine(newClock())
	c, err := e.CreateCondition(ConditionParams{Type: TypeAPYAbove, Protocol: "kamino", RuleParams: RuleParams{Threshold: float(15)}})
	require.NoError(t, err)

	raw, err := json.Marshal(c)
	require.NoError(t, err)

	var flat map[string]any
	require.NoError(t, json.Unmarshal(raw, &flat))
	assert.Equal(t, "apy_above", flat["type"])
	assert.Equal(t, 15.0, flat["threshold"])
	assert.Equal(t, float64(DefaultCooldown.Milliseconds()), flat["cooldownMs"])
	assert.NotContains(t, flat, "changePercent")

	var back Condition
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, c.Rule, back.Rule)

	err = json.Unmarshal([]byte(`{"id":"x","type":"apy_above"}`), &back)
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestFormatHelpers(t *testing.T) {
	assert.Equal(t, "$7.00M", formatUSD(7_000_000))
	assert.Equal(t, "$1.25B", formatUSD(1_250_000_000))
	assert.Equal(t, "$950.00", formatUSD(950))
	assert.Equal(t, "18.50%", formatPercent(18.5))
	assert.Equal(t, "+25.00%", formatSignedPercent(25))
	assert.Equal(t, "-30.00%", formatSignedPercent(-30))
}
