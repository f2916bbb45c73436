package incidents

import (
	"strconv"
	"strings"
	"time"
)

// ParseClock converts an upstream 12-hour wall clock string ("2:30 PM")
// into an instant relative to now. Incidents are never reported ahead
// of time, so a result in the future means the event was logged just
// before midnight and the date rolls back one day.
//
// The second return is false for any malformed input. Callers must
// treat that as "unknown time" and exclude the incident from
// time-windowed operations rather than erroring.
func ParseClock(text string, now time.Time) (time.Time, bool) {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) != 2 {
		return time.Time{}, false
	}
	clock, period := fields[0], strings.ToUpper(fields[1])
	if period != "AM" && period != "PM" {
		return time.Time{}, false
	}
	hh, mm, ok := strings.Cut(clock, ":")
	if !ok {
		return time.Time{}, false
	}
	hour, err := strconv.Atoi(hh)
	if err != nil || hour < 1 || hour > 12 {
		return time.Time{}, false
	}
	minute, err := strconv.Atoi(mm)
	if err != nil || len(mm) != 2 || minute < 0 || minute > 59 {
		return time.Time{}, false
	}

	if period == "PM" && hour != 12 {
		hour += 12
	}
	if period == "AM" && hour == 12 {
		hour = 0
	}

	at := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if at.After(now) {
		at = at.AddDate(0, 0, -1)
	}
	return at, true
}
