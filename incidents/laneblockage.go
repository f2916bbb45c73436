package incidents

import "strings"

// LaneBlockageStatus classifies how an incident affects traffic lanes.
type LaneBlockageStatus string

const (
	LaneBlockageUnknown  LaneBlockageStatus = "unknown"
	LaneBlockageBlocking LaneBlockageStatus = "blocking"
	LaneBlockageNone     LaneBlockageStatus = "no_blockage"
	LaneBlockageResolved LaneBlockageStatus = "resolved"
)

// LaneBlockage is the enrichment derived from an incident's detail log.
type LaneBlockage struct {
	Status  LaneBlockageStatus `json:"status"`
	Details []string           `json:"details,omitempty"`
}

// CHP dispatch shorthand that indicates a lane is affected.
var laneBlockageKeywords = []string{
	"BLKG", "BLOCKING", "#1 LN", "SLOW LN", "MIDDLE LN",
	"RHS", "RS", "CD", "LANE", "LN", "VEH IN", "DEBRIS",
}

var resolvedKeywords = []string{"NEG BLOCKING", "NEG BLK", "CLEARED", "RESOLVED"}

// ClassifyBlockages fills in LaneBlockage for incidents that carry
// detail text but no upstream classification. Incidents already
// classified are left alone.
func ClassifyBlockages(incs []Incident) {
	for i := range incs {
		if incs[i].LaneBlockage == nil && incs[i].Details != "" {
			lb := ParseLaneBlockage(incs[i].Details)
			incs[i].LaneBlockage = &lb
		}
	}
}

// ParseLaneBlockage classifies an incident's detail text. Detail lines
// are separated by " | " upstream. A resolved marker on any line wins
// outright; otherwise any line matching a blockage keyword marks the
// incident as blocking.
func ParseLaneBlockage(details string) LaneBlockage {
	if details == "" {
		return LaneBlockage{Status: LaneBlockageUnknown}
	}

	var blocking []string
	for _, line := range strings.Split(details, " | ") {
		upper := strings.ToUpper(line)
		for _, kw := range resolvedKeywords {
			if strings.Contains(upper, kw) {
				return LaneBlockage{Status: LaneBlockageResolved, Details: []string{line}}
			}
		}
		for _, kw := range laneBlockageKeywords {
			if strings.Contains(upper, kw) {
				blocking = append(blocking, line)
				break
			}
		}
	}

	if len(blocking) > 0 {
		return LaneBlockage{Status: LaneBlockageBlocking, Details: blocking}
	}
	return LaneBlockage{Status: LaneBlockageNone}
}
