package beat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseSpecEvery(t *testing.T) {
	spec, err := ParseSpec("90s", "")
	require.NoError(t, err)

	prev := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	require.Equal(t, prev.Add(90*time.Second), spec.Next(prev))
	require.Equal(t, "90s", spec.String())
}

func TestParseSpecCron(t *testing.T) {
	spec, err := ParseSpec("", "0 8 * * *")
	require.NoError(t, err)

	prev := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	next := spec.Next(prev)
	require.Equal(t, time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC), next)
}

func TestParseSpecRejectsInvalid(t *testing.T) {
	cases := []struct {
		name  string
		every string
		cron  string
	}{
		{name: "both set", every: "60s", cron: "* * * * *"},
		{name: "neither set"},
		{name: "bad duration", every: "sixty seconds"},
		{name: "negative duration", every: "-5s"},
		{name: "bad cron", cron: "not a cron"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseSpec(tc.every, tc.cron)
			require.Error(t, err)
		})
	}
}

func TestParseScheduleValidatesEntries(t *testing.T) {
	_, err := ParseSchedule([]byte(`{"bad": {"every": "60s"}}`))
	require.Error(t, err)

	_, err = ParseSchedule([]byte(`{"bad": {"task": "x"}}`))
	require.Error(t, err)

	entries, err := ParseSchedule([]byte(`{
		"digest": {"task": "tracker.digest", "args": ["daily"], "queue": "mail", "cron": "0 8 * * *"},
		"cleanup": {"task": "tracker.cleanup", "every": "1h", "max_retries": 1}
	}`))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "cleanup", entries[0].Name)
	require.Equal(t, "digest", entries[1].Name)
	require.Equal(t, []any{"daily"}, entries[1].Args)
	require.Equal(t, "mail", entries[1].Queue)
	require.Equal(t, 1, entries[0].MaxRetries)
}
