package cli

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yield-alerts/internal/version"
)

func TestParseTimeFlag(t *testing.T) {
	now := time.Date(2024, 5, 2, 12, 0, 0, 0, time.UTC)

	got, err := parseTimeFlag("-6h", now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(-6*time.Hour), got)

	got, err = parseTimeFlag("2024-05-01T00:00:00Z", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), got.UTC())

	_, err = parseTimeFlag("yesterday", now)
	require.Error(t, err)
}

func TestVersionShortSkipsConfig(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version", "--short", "--config", "/does/not/exist.yaml"})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
		versionShort = false
	})

	require.NoError(t, rootCmd.Execute())
	assert.Equal(t, version.Version+"\n", out.String())
}
