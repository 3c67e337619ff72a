package hours

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func utcConfig() Config {
	return Config{
		Start:    "09:00",
		End:      "18:00",
		Days:     []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday},
		Timezone: "UTC",
	}
}

func TestAddWithinSameDay(t *testing.T) {
	// Wednesday 10:00 + 90 working minutes = 11:30 same day.
	from := time.Date(2024, 3, 6, 10, 0, 0, 0, time.UTC)
	got, err := Add(from, 90, utcConfig())
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 6, 11, 30, 0, 0, time.UTC), got)
}

func TestAddSpillsOverEndOfDay(t *testing.T) {
	// Friday 17:30 + 120 working minutes: 30 consumed Friday, 90 remain,
	// resume Monday 09:00 and land at 10:30.
	from := time.Date(2024, 3, 8, 17, 30, 0, 0, time.UTC)
	got, err := Add(from, 120, utcConfig())
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 11, 10, 30, 0, 0, time.UTC), got)
}

func TestAddSkipsWeekend(t *testing.T) {
	// Saturday start moves to Monday's window before counting.
	from := time.Date(2024, 3, 9, 12, 0, 0, 0, time.UTC)
	got, err := Add(from, 60, utcConfig())
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 11, 10, 0, 0, 0, time.UTC), got)
}

func TestAddBeforeWindowSnapsToStart(t *testing.T) {
	from := time.Date(2024, 3, 6, 6, 15, 0, 0, time.UTC)
	got, err := Add(from, 30, utcConfig())
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 6, 9, 30, 0, 0, time.UTC), got)
}

func TestAddAfterWindowMovesToNextDay(t *testing.T) {
	from := time.Date(2024, 3, 6, 18, 0, 0, 0, time.UTC)
	got, err := Add(from, 45, utcConfig())
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 7, 9, 45, 0, 0, time.UTC), got)
}

func TestAddZeroMinutesIsIdentity(t *testing.T) {
	from := time.Date(2024, 3, 9, 12, 0, 0, 0, time.UTC) // even outside the window
	got, err := Add(from, 0, utcConfig())
	require.NoError(t, err)
	assert.Equal(t, from, got)
}

func TestAddMultiDaySpan(t *testing.T) {
	// 9h window per day: 20h of work from Monday 09:00 ends Wednesday 11:00.
	from := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)
	got, err := Add(from, 20*60, utcConfig())
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 6, 11, 0, 0, 0, time.UTC), got)
}

func TestAddRespectsTimezone(t *testing.T) {
	cfg := utcConfig()
	cfg.Timezone = "America/Sao_Paulo"
	loc, err := time.LoadLocation(cfg.Timezone)
	require.NoError(t, err)

	// 17:30 local on a Tuesday, 60 minutes spill into Wednesday 09:30.
	from := time.Date(2024, 3, 5, 17, 30, 0, 0, loc)
	got, err := Add(from, 60, cfg)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 6, 9, 30, 0, 0, loc), got)
}

func TestAddConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad start clock", func(c *Config) { c.Start = "nine" }},
		{"end before start", func(c *Config) { c.End = "08:00" }},
		{"no working days", func(c *Config) { c.Days = nil }},
		{"unknown timezone", func(c *Config) { c.Timezone = "Mars/Olympus" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := utcConfig()
			tt.mutate(&cfg)
			_, err := Add(time.Now(), 10, cfg)
			assert.Error(t, err)
		})
	}
}

func TestParseConfig(t *testing.T) {
	raw := []byte(`{"start":"08:30","end":"17:00","days":[1,2,3],"timezone":"UTC"}`)
	cfg, err := ParseConfig(raw)
	require.NoError(t, err)
	assert.Equal(t, "08:30", cfg.Start)
	assert.Equal(t, []time.Weekday{time.Monday, time.Tuesday, time.Wednesday}, cfg.Days)

	_, err = ParseConfig([]byte(`{`))
	assert.Error(t, err)
}
