// Package feed delivers inbound incident updates to the coordinator.
// A Channel is one source of updates, either the upstream websocket
// push stream or the polling fallback. Channels are never exactly-once:
// reconnects and overlapping channels produce duplicates, and the
// coordinator treats every event as idempotent to re-apply.
package feed

import (
	"context"

	"github.com/chpwatch/chpwatch/incidents"
)

// EventKind discriminates the closed set of Event variants.
type EventKind string

const (
	// EventWelcome is advisory, carrying the connection identifier.
	EventWelcome EventKind = "welcome"
	// EventInitialData carries full snapshots for some or all centers
	// known at connect time.
	EventInitialData EventKind = "initial_data"
	// EventUpdate carries a full replacement snapshot for one center.
	EventUpdate EventKind = "update"
	// EventSummary is the advisory aggregate after a scrape pass.
	EventSummary EventKind = "summary"
	// EventHeartbeat is empty, liveness only.
	EventHeartbeat EventKind = "heartbeat"
	// EventConnectionChange reports the channel going up or down.
	EventConnectionChange EventKind = "connection_change"
	// EventError is terminal: the channel has given up and will make no
	// further automatic attempts.
	EventError EventKind = "error"
)

// Event is the tagged union all channels produce. Only the fields for
// the given Kind are set.
type Event struct {
	Kind EventKind
	// Channel names the producing channel; the coordinator stamps it
	// when attaching a channel.
	Channel string

	// ConnectionID is set for EventWelcome.
	ConnectionID string
	// Snapshots is set for EventInitialData, keyed by center code.
	Snapshots map[string]incidents.Snapshot
	// Center and Snapshot are set for EventUpdate.
	Center   string
	Snapshot incidents.Snapshot
	// Summary is set for EventSummary.
	Summary incidents.Summary
	// Connected is set for EventConnectionChange.
	Connected bool
	// Err is set for EventError.
	Err error
}

// Channel is one inbound source of updates. Connect establishes
// delivery and returns; events flow on Events until the channel is
// closed or reports a terminal EventError. Close is idempotent and
// cancels any in-flight reconnect timer.
type Channel interface {
	// Name identifies the channel in logs and notifications.
	Name() string
	Connect(ctx context.Context) error
	Events() <-chan Event
	Close() error
}
