// Package incidents holds the domain types for CHP traffic incident
// snapshots and the pure functions that operate on them: wall-clock
// parsing, snapshot diffing and lane blockage classification.
package incidents

import "time"

// Incident is one traffic event as reported by a communication center.
// Values are immutable once decoded; the engine never mutates an
// incident in place.
type Incident struct {
	// ID is unique within a center at a point in time and stable across
	// snapshots referring to the same real-world event.
	ID string `json:"id"`
	// Kind is the CHP category string, e.g. "Trfc Collision-No Inj".
	Kind string `json:"type"`
	// ReportedAt is the upstream 12-hour wall clock string, e.g. "2:30 PM".
	// Parse it with ParseClock; it is kept verbatim for re-publishing.
	ReportedAt     string        `json:"time"`
	Location       string        `json:"location"`
	LocationDetail string        `json:"location_desc,omitempty"`
	Area           string        `json:"area"`
	Details        string        `json:"details,omitempty"`
	Severity       string        `json:"severity,omitempty"`
	LaneBlockage   *LaneBlockage `json:"lane_blockage,omitempty"`
}

// Snapshot is the complete set of incidents for one center at one
// instant. A new snapshot always replaces the previous one for the same
// center, it is never merged into it.
type Snapshot struct {
	Center     string     `json:"center_code"`
	CenterName string     `json:"center_name,omitempty"`
	Incidents  []Incident `json:"incidents"`
	CapturedAt time.Time  `json:"last_updated"`
}

// Count returns the number of incidents in the snapshot.
func (s Snapshot) Count() int {
	return len(s.Incidents)
}

// Clone returns a deep copy of the snapshot. Consumers only ever see
// clones, never the cached slice.
func (s Snapshot) Clone() Snapshot {
	out := s
	out.Incidents = make([]Incident, len(s.Incidents))
	copy(out.Incidents, s.Incidents)
	for i, inc := range out.Incidents {
		if inc.LaneBlockage != nil {
			lb := *inc.LaneBlockage
			lb.Details = append([]string(nil), lb.Details...)
			out.Incidents[i].LaneBlockage = &lb
		}
	}
	return out
}

// Delta is the difference between two snapshots of the same center,
// recency-filtered and ordered most recent first.
type Delta struct {
	Added   []Incident `json:"added"`
	Removed []Incident `json:"removed"`
}

// Empty reports whether the delta carries no changes.
func (d Delta) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0
}

// Summary is the advisory aggregate published after each upstream
// scrape pass. It never mutates cache state.
type Summary struct {
	Centers        int            `json:"centers"`
	TotalIncidents int            `json:"total_incidents"`
	PerCenter      map[string]int `json:"per_center,omitempty"`
	CapturedAt     time.Time      `json:"timestamp"`
}
