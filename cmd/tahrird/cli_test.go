package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tahrirhq/tahrir/internal/config"
)

func TestParseSinceNaturalLanguage(t *testing.T) {
	ts, err := parseSince("2 hours ago")
	require.NoError(t, err)
	require.WithinDuration(t, time.Now().Add(-2*time.Hour), ts, time.Minute)
}

func TestParseSinceRFC3339(t *testing.T) {
	ts, err := parseSince("2026-08-01T09:00:00Z")
	require.NoError(t, err)
	require.Equal(t, 2026, ts.Year())
	require.Equal(t, time.August, ts.Month())
}

func TestParseSinceRejectsGibberish(t *testing.T) {
	_, err := parseSince("the heat death of the universe")
	require.Error(t, err)
}

func TestAPIBaseURLDefaultsToLocalhost(t *testing.T) {
	settings = &config.Settings{HTTPAddr: ":8080"}
	apiAddr = ""
	require.Equal(t, "http://127.0.0.1:8080", apiBaseURL())

	apiAddr = "https://newsroom.example:9090/"
	require.Equal(t, "https://newsroom.example:9090", apiBaseURL())
	apiAddr = ""
}

func TestRelTimeBuckets(t *testing.T) {
	now := time.Now()
	require.Equal(t, "-", relTime(time.Time{}))
	require.Equal(t, "5m", relTime(now.Add(-5*time.Minute)))
	require.Equal(t, "3h", relTime(now.Add(-3*time.Hour)))
	require.Equal(t, "2d", relTime(now.Add(-49*time.Hour)))
}

func TestShortID(t *testing.T) {
	require.Equal(t, "abcd1234", shortID("abcd1234-ffff-0000"))
	require.Equal(t, "short", shortID("short"))
}
