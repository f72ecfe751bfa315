package alarms

import (
	"fmt"
	"time"

	"betterclock/internal/model"
)

// searchDays bounds how far ahead Next looks for a matching weekday.
const searchDays = 14

// WeeklyRule fires at a local time of day on a set of weekdays.
type WeeklyRule struct {
	hour, minute, second, nsec int
	days                       [7]bool
	loc                        *time.Location
}

// NewWeeklyRule parses timeLocal (HH:MM:SS with optional fraction) and day tokens.
func NewWeeklyRule(timeLocal string, days []string, loc *time.Location) (*WeeklyRule, error) {
	t, err := time.Parse(localTimeLayout, timeLocal)
	if err != nil {
		return nil, fmt.Errorf("invalid time_local %q", timeLocal)
	}
	set, err := parseDays(days)
	if err != nil {
		return nil, err
	}
	if loc == nil {
		loc = time.Local
	}
	return &WeeklyRule{
		hour: t.Hour(), minute: t.Minute(), second: t.Second(), nsec: t.Nanosecond(),
		days: set,
		loc:  loc,
	}, nil
}

// Next returns the first occurrence strictly after now.
func (r *WeeklyRule) Next(_ model.WarningWindow, now time.Time) (time.Time, bool) {
	local := now.In(r.loc)
	y, m, d := local.Date()
	for i := 0; i <= searchDays; i++ {
		candidate := time.Date(y, m, d+i, r.hour, r.minute, r.second, r.nsec, r.loc)
		if !r.days[candidate.Weekday()] {
			continue
		}
		if candidate.After(now) {
			return candidate, true
		}
	}
	return time.Time{}, false
}
