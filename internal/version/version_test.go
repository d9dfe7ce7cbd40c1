package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStringAndUserAgent(t *testing.T) {
	prev, prevCommit := Version, Commit
	t.Cleanup(func() { Version, Commit = prev, prevCommit })

	Version, Commit = "1.2.3", "abc123"
	assert.Equal(t, "1.2.3 (commit abc123, built "+BuildDate+")", String())
	assert.Equal(t, "yieldwatch/1.2.3", UserAgent())
}
