package fetcher

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVaultSourceMissingConfig(t *testing.T) {
	src := NewVaultSource(VaultOptions{}, noopLogger())
	_, err := src.FetchReadings(context.Background())
	require.Error(t, err, "missing rpc url must fail")

	src = NewVaultSource(VaultOptions{RPCURL: "http://localhost"}, noopLogger())
	_, err = src.FetchReadings(context.Background())
	require.Error(t, err, "missing vault list must fail")
}

func TestAnnualizedGrowth(t *testing.T) {
	from := decimal.RequireFromString("1.000")
	to := decimal.RequireFromString("1.001")

	apy, ok := AnnualizedGrowth(from, to, 24*time.Hour)
	require.True(t, ok)
	// 0.1% per day compounds to roughly 44% a year.
	assert.InDelta(t, 44.03, apy, 0.05)

	_, ok = AnnualizedGrowth(from, to, 0)
	assert.False(t, ok)
	_, ok = AnnualizedGrowth(decimal.Zero, to, time.Hour)
	assert.False(t, ok)
}

func TestVaultObserveAnchorsFirstPoint(t *testing.T) {
	src := NewVaultSource(VaultOptions{APYWindow: 48 * time.Hour}, noopLogger())
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := base
	src.now = func() time.Time { return now }

	_, ok := src.observe("0xabc", decimal.RequireFromString("1.0"))
	assert.False(t, ok, "first observation has no apy")

	now = base.Add(24 * time.Hour)
	apy, ok := src.observe("0xABC", decimal.RequireFromString("1.001"))
	require.True(t, ok)
	assert.InDelta(t, 44.03, apy, 0.05)
}
