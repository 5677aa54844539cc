package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDeriveFileIDStable(t *testing.T) {
	a := DeriveFileID("docs/notes.txt")
	b := DeriveFileID("docs/notes.txt")
	c := DeriveFileID("docs/other.txt")

	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
	require.NotContains(t, a, "/") // must be filesystem-safe, used as a temp-file name
}

func TestStatusCodeStringCoversKnownValues(t *testing.T) {
	for s := StatusConnectTimeout; s <= StatusTimeout; s++ {
		require.NotEqual(t, "unknown", s.String(), "status %d missing from String()", int(s))
	}
	require.Equal(t, "unknown", StatusCode(999).String())
}

func TestNewErrorFormatsMessage(t *testing.T) {
	err := newError(StatusBadPath, "open %s: %v", "a.bin", "denied")
	require.Equal(t, StatusBadPath, err.Status)
	require.Contains(t, err.Error(), "bad-path")
	require.Contains(t, err.Error(), "a.bin")
}

func TestDefaultConfigIsPositive(t *testing.T) {
	cfg := DefaultConfig()
	require.Greater(t, cfg.PingInterval, time.Duration(0))
	require.Greater(t, cfg.IdleLifetime, time.Duration(0))
	require.Greater(t, cfg.ProgressIntervalBytes, int64(0))
}
