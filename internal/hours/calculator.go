// Package hours computes future timestamps constrained to a configured
// working-time window and day set. The calculator is pure: configuration is
// fetched once by the caller and passed in.
package hours

import (
	"encoding/json"
	"fmt"
	"time"

	"flowline/pkg/schema"
)

// SettingKey is the org-settings key business hours are stored under.
const SettingKey = "business_hours"

// Config is a working-hours window. Days uses Go weekday numbering
// (Sunday = 0), matching the stored representation.
type Config struct {
	Start    string         `json:"start"` // "HH:MM"
	End      string         `json:"end"`   // "HH:MM"
	Days     []time.Weekday `json:"days"`
	Timezone string         `json:"timezone"`
}

// DefaultConfig is the documented fallback applied when an organization has
// no business_hours setting.
func DefaultConfig() Config {
	return Config{
		Start:    "09:00",
		End:      "18:00",
		Days:     []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday},
		Timezone: "America/Sao_Paulo",
	}
}

// ParseConfig decodes a stored business_hours JSON document.
func ParseConfig(raw json.RawMessage) (Config, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Config{}, schema.NewErrorf(schema.ErrCodeValidation,
			"invalid business_hours setting: %s", err.Error()).WithCause(err)
	}
	return cfg, nil
}

// Add returns the timestamp reached after consuming the given number of
// working minutes starting at from. Minutes outside the window (nights,
// non-working days) do not count. Add is idempotent for minutes == 0.
func Add(from time.Time, minutes int, cfg Config) (time.Time, error) {
	startM, err := parseClock(cfg.Start)
	if err != nil {
		return time.Time{}, err
	}
	endM, err := parseClock(cfg.End)
	if err != nil {
		return time.Time{}, err
	}
	if endM <= startM {
		return time.Time{}, schema.NewErrorf(schema.ErrCodeValidation,
			"business hours end %q must be after start %q", cfg.End, cfg.Start)
	}
	if len(cfg.Days) == 0 {
		return time.Time{}, schema.NewError(schema.ErrCodeValidation, "business hours need at least one working day")
	}

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return time.Time{}, schema.NewErrorf(schema.ErrCodeValidation,
			"unknown timezone %q", cfg.Timezone).WithCause(err)
	}

	days := make(map[time.Weekday]bool, len(cfg.Days))
	for _, d := range cfg.Days {
		days[d] = true
	}

	cur := from.In(loc)
	remaining := minutes

	for remaining > 0 {
		if !days[cur.Weekday()] {
			cur = nextDayAt(cur, startM)
			continue
		}
		mod := cur.Hour()*60 + cur.Minute()
		if mod < startM {
			cur = sameDayAt(cur, startM)
			continue
		}
		if mod >= endM {
			cur = nextDayAt(cur, startM)
			continue
		}
		available := endM - mod
		if remaining <= available {
			cur = cur.Add(time.Duration(remaining) * time.Minute)
			remaining = 0
		} else {
			remaining -= available
			cur = nextDayAt(cur, startM)
		}
	}

	return cur, nil
}

func parseClock(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, schema.NewErrorf(schema.ErrCodeValidation, "invalid clock time %q, want HH:MM", s)
	}
	return h*60 + m, nil
}

func sameDayAt(t time.Time, minuteOfDay int) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), minuteOfDay/60, minuteOfDay%60, 0, 0, t.Location())
}

func nextDayAt(t time.Time, minuteOfDay int) time.Time {
	next := t.AddDate(0, 0, 1)
	return time.Date(next.Year(), next.Month(), next.Day(), minuteOfDay/60, minuteOfDay%60, 0, 0, t.Location())
}
