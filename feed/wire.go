package feed

import (
	"encoding/json"
	"time"

	"golang.org/x/xerrors"

	"github.com/chpwatch/chpwatch/incidents"
)

// wireMessage is the envelope for every upstream frame. Type is the
// discriminator; Data carries the variant payload.
type wireMessage struct {
	Type         string          `json:"type"`
	ConnectionID string          `json:"connection_id,omitempty"`
	Message      string          `json:"message,omitempty"`
	Timestamp    time.Time       `json:"timestamp,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
}

// updatePayload is the body of an incident_update frame: a full
// replacement snapshot for one center, never an increment.
type updatePayload struct {
	Center     string               `json:"center"`
	CenterName string               `json:"center_name,omitempty"`
	Incidents  []incidents.Incident `json:"incidents"`
	CapturedAt time.Time            `json:"captured_at"`
}

// initialDataPayload maps center code to its snapshot document.
type initialDataPayload map[string]struct {
	Incidents  []incidents.Incident `json:"incidents"`
	CapturedAt time.Time            `json:"captured_at"`
}

type summaryPayload struct {
	Centers        int            `json:"centers"`
	TotalIncidents int            `json:"total_incidents"`
	PerCenter      map[string]int `json:"per_center,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
}

// parseMessage converts a wire frame into an Event. A non-nil error
// means the frame is malformed; callers log it and drop the frame
// without disturbing the connection.
func parseMessage(msg wireMessage) (Event, error) {
	switch msg.Type {
	case "welcome":
		return Event{Kind: EventWelcome, ConnectionID: msg.ConnectionID}, nil
	case "heartbeat":
		return Event{Kind: EventHeartbeat}, nil
	case "initial_data":
		var payload initialDataPayload
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			return Event{}, xerrors.Errorf("unmarshal initial_data: %w", err)
		}
		snapshots := make(map[string]incidents.Snapshot, len(payload))
		for center, doc := range payload {
			if center == "" {
				return Event{}, xerrors.New("initial_data: empty center code")
			}
			if doc.CapturedAt.IsZero() {
				return Event{}, xerrors.Errorf("initial_data: missing captured_at for center %q", center)
			}
			incidents.ClassifyBlockages(doc.Incidents)
			snapshots[center] = incidents.Snapshot{
				Center:     center,
				CenterName: incidents.CenterName(center),
				Incidents:  doc.Incidents,
				CapturedAt: doc.CapturedAt,
			}
		}
		return Event{Kind: EventInitialData, Snapshots: snapshots}, nil
	case "incident_update":
		var payload updatePayload
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			return Event{}, xerrors.Errorf("unmarshal incident_update: %w", err)
		}
		if payload.Center == "" {
			return Event{}, xerrors.New("incident_update: empty center code")
		}
		if payload.CapturedAt.IsZero() {
			return Event{}, xerrors.New("incident_update: missing captured_at")
		}
		incidents.ClassifyBlockages(payload.Incidents)
		return Event{
			Kind:   EventUpdate,
			Center: payload.Center,
			Snapshot: incidents.Snapshot{
				Center:     payload.Center,
				CenterName: incidents.CenterName(payload.Center),
				Incidents:  payload.Incidents,
				CapturedAt: payload.CapturedAt,
			},
		}, nil
	case "scrape_summary":
		var payload summaryPayload
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			return Event{}, xerrors.Errorf("unmarshal scrape_summary: %w", err)
		}
		return Event{
			Kind: EventSummary,
			Summary: incidents.Summary{
				Centers:        payload.Centers,
				TotalIncidents: payload.TotalIncidents,
				PerCenter:      payload.PerCenter,
				CapturedAt:     payload.Timestamp,
			},
		}, nil
	default:
		return Event{}, xerrors.Errorf("unknown message type %q", msg.Type)
	}
}
