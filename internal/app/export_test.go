package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yield-alerts/internal/monitor"
)

func TestBucketAlerts(t *testing.T) {
	from := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	alerts := []monitor.Alert{
		{Timestamp: from.Add(10 * time.Minute), Severity: monitor.SeverityCritical},
		{Timestamp: from.Add(20 * time.Minute), Severity: monitor.SeverityWarning},
		{Timestamp: from.Add(5 * time.Hour), Severity: monitor.SeverityInfo},
	}

	buckets := bucketAlerts(alerts, from, from.Add(24*time.Hour), 1000)
	require.Len(t, buckets, 24)
	assert.Equal(t, 1, buckets[0].Critical)
	assert.Equal(t, 1, buckets[0].Warning)
	assert.Equal(t, 1, buckets[5].Info)

	wide := bucketAlerts(alerts, from, from.Add(24*time.Hour), 6)
	require.Len(t, wide, 6)
	assert.Equal(t, 2, wide[0].Critical+wide[0].Warning)
	assert.Equal(t, 1, wide[1].Info)

	short := bucketAlerts(alerts[:1], from, from.Add(30*time.Minute), 100)
	require.Len(t, short, 2)
	assert.Equal(t, 1, short[0].Critical)
}

func TestAlertsBetween(t *testing.T) {
	from := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	alerts := []monitor.Alert{
		{ID: "before", Timestamp: from.Add(-time.Second)},
		{ID: "start", Timestamp: from},
		{ID: "end", Timestamp: from.Add(time.Hour)},
	}
	got := alertsBetween(alerts, from, from.Add(time.Hour))
	require.Len(t, got, 1)
	assert.Equal(t, "start", got[0].ID)
}
