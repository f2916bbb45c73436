// Package snapcache is the per-center store of the last known incident
// snapshot. It tracks TTL-based staleness, signals when a proactive
// background refresh is due, and garbage-collects centers that have not
// been touched for a bound.
package snapcache

import (
	"sync"
	"time"

	"github.com/coder/quartz"

	"github.com/chpwatch/chpwatch/incidents"
)

// refreshFraction is the share of the TTL after which a background
// refresh should be kicked off, so the entry is replaced before it goes
// hard-stale and observers never see a stale-cache flash.
const refreshFraction = 0.8

// Entry is one center's cached snapshot. Entries are replaced whole on
// every accepted update, never partially mutated.
type Entry struct {
	Center     string             `json:"center"`
	Snapshot   incidents.Snapshot `json:"snapshot"`
	ReceivedAt time.Time          `json:"received_at"`
	TTL        time.Duration      `json:"ttl"`
}

// Cache stores the latest snapshot per center. All methods are safe for
// concurrent use; Put replaces the entry atomically.
type Cache struct {
	clock quartz.Clock

	mu      sync.RWMutex
	entries map[string]Entry
}

func New(clock quartz.Clock) *Cache {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Cache{
		clock:   clock,
		entries: make(map[string]Entry),
	}
}

// Get returns the entry for a center, if one exists.
func (c *Cache) Get(center string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[center]
	return entry, ok
}

// Put unconditionally overwrites the center's entry and stamps
// ReceivedAt with the current time.
func (c *Cache) Put(center string, snapshot incidents.Snapshot, ttl time.Duration) Entry {
	entry := Entry{
		Center:     center,
		Snapshot:   snapshot,
		ReceivedAt: c.clock.Now(),
		TTL:        ttl,
	}
	c.mu.Lock()
	c.entries[center] = entry
	c.mu.Unlock()
	return entry
}

// Restore installs a previously persisted entry keeping its original
// ReceivedAt, so staleness survives a process restart.
func (c *Cache) Restore(entry Entry) {
	c.mu.Lock()
	c.entries[entry.Center] = entry
	c.mu.Unlock()
}

// IsStale reports whether the entry's age has reached its TTL.
func (c *Cache) IsStale(entry Entry) bool {
	return c.clock.Since(entry.ReceivedAt) >= entry.TTL
}

// IsRefreshDue reports whether the entry's age has reached 80% of its
// TTL, the point at which a proactive refresh should start.
func (c *Cache) IsRefreshDue(entry Entry) bool {
	due := time.Duration(float64(entry.TTL) * refreshFraction)
	return c.clock.Since(entry.ReceivedAt) >= due
}

// EvictOlderThan removes entries untouched for longer than maxAge and
// returns the evicted centers. The coordinator serializes calls with
// updates, so an eviction cannot race an in-flight put for the same
// center.
func (c *Cache) EvictOlderThan(maxAge time.Duration) []string {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	var evicted []string
	for center, entry := range c.entries {
		if now.Sub(entry.ReceivedAt) > maxAge {
			delete(c.entries, center)
			evicted = append(evicted, center)
		}
	}
	return evicted
}

// Centers returns the centers currently cached.
func (c *Cache) Centers() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	centers := make([]string, 0, len(c.entries))
	for center := range c.entries {
		centers = append(centers, center)
	}
	return centers
}

// Len returns the number of cached centers.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
