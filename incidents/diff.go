package incidents

import (
	"sort"
	"time"
)

// Diff computes the delta between two incident sets of the same center.
// An incident counts as added when its ID is present in current but not
// in previous, and as removed in the symmetric case. Either side may be
// nil, which is treated as an empty set.
//
// Both lists are filtered to incidents reported within window of now.
// The filter guards against flooding the delta with pre-existing
// incidents on first load. Incidents whose reported time does not parse
// are excluded outright: a false positive is worse than a missed one.
//
// Results are sorted by reported time descending, ties broken by ID
// ascending so the output is deterministic.
func Diff(previous, current []Incident, window time.Duration, now time.Time) Delta {
	prevByID := make(map[string]struct{}, len(previous))
	for _, inc := range previous {
		prevByID[inc.ID] = struct{}{}
	}
	curByID := make(map[string]struct{}, len(current))
	for _, inc := range current {
		curByID[inc.ID] = struct{}{}
	}

	var delta Delta
	for _, inc := range current {
		if _, ok := prevByID[inc.ID]; ok {
			continue
		}
		if withinWindow(inc, window, now) {
			delta.Added = append(delta.Added, inc)
		}
	}
	for _, inc := range previous {
		if _, ok := curByID[inc.ID]; ok {
			continue
		}
		if withinWindow(inc, window, now) {
			delta.Removed = append(delta.Removed, inc)
		}
	}

	sortMostRecentFirst(delta.Added, now)
	sortMostRecentFirst(delta.Removed, now)
	return delta
}

func withinWindow(inc Incident, window time.Duration, now time.Time) bool {
	at, ok := ParseClock(inc.ReportedAt, now)
	if !ok {
		return false
	}
	return now.Sub(at) <= window
}

func sortMostRecentFirst(incs []Incident, now time.Time) {
	sort.SliceStable(incs, func(i, j int) bool {
		ti, _ := ParseClock(incs[i].ReportedAt, now)
		tj, _ := ParseClock(incs[j].ReportedAt, now)
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return incs[i].ID < incs[j].ID
	})
}
