package utils

import (
	"bytes"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseYMD(t *testing.T) {
	d, err := ParseYMD("2024-03-01")
	require.NoError(t, err)
	require.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), d)

	_, err = ParseYMD("2024-13-01")
	require.Error(t, err)
	_, err = ParseYMD("01/03/2024")
	require.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(&buf, "json", "warn")
	log.Info("hidden")
	log.Warn("sync.op.retry", "attempts", 2)
	require.NotContains(t, buf.String(), "hidden")
	require.Contains(t, buf.String(), `"msg":"sync.op.retry"`)

	require.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	require.Equal(t, slog.LevelInfo, ParseLevel("loud"))
}

func TestGetenv(t *testing.T) {
	t.Setenv("SCANSYNC_TEST_VALUE", "x")
	require.Equal(t, "x", Getenv("SCANSYNC_TEST_VALUE", "y"))
	require.Equal(t, "y", Getenv("SCANSYNC_TEST_UNSET", "y"))
}
