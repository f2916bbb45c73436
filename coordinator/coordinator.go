// Package coordinator reconciles asynchronous, out-of-order, duplicated
// snapshot delivery from any number of feed channels into the snapshot
// cache, and notifies sinks about the result.
//
// All state transitions go through Handle, which serializes on a single
// mutex: within one center, updates are totally ordered by CapturedAt
// rather than arrival order, and eviction runs through the same lock so
// it can never race an in-flight update.
package coordinator

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"

	"github.com/chpwatch/chpwatch/feed"
	"github.com/chpwatch/chpwatch/incidents"
	"github.com/chpwatch/chpwatch/snapcache"
)

const (
	// DefaultTTL is how long a cached snapshot is served before it is
	// considered stale.
	DefaultTTL = 5 * time.Minute
	// DefaultRecencyWindow bounds which incidents may appear in a delta.
	DefaultRecencyWindow = time.Hour
	// DefaultHeartbeatInterval is the upstream's advertised heartbeat
	// cadence. Silence for twice this long counts as a disconnect.
	DefaultHeartbeatInterval = 30 * time.Second
	// DefaultEvictAfter is how long an untouched center stays cached.
	DefaultEvictAfter = 24 * time.Hour

	evictSweepInterval = 10 * time.Minute
)

// NotificationKind discriminates the notification contract consumers
// receive. It is the only surface the rendering layer sees.
type NotificationKind string

const (
	// NotifyPopulated reports a center's first snapshot, or the current
	// snapshot when the active center changes. It never carries a delta.
	NotifyPopulated NotificationKind = "populated"
	// NotifyUpdated reports an accepted update for the active center,
	// carrying the fresh snapshot and its delta (possibly empty).
	NotifyUpdated NotificationKind = "updated"
	// NotifyConnection reports channel connectivity, with the age of the
	// cached data observers may keep showing while disconnected.
	NotifyConnection NotificationKind = "connection"
	// NotifySummary forwards the advisory scrape summary.
	NotifySummary NotificationKind = "summary"
	// NotifyChannelError reports a channel that gave up reconnecting.
	NotifyChannelError NotificationKind = "channel_error"
)

// Notification is an immutable copy of engine state; it never aliases
// the live cache.
type Notification struct {
	Kind       NotificationKind   `json:"kind"`
	Center     string             `json:"center,omitempty"`
	CenterName string             `json:"center_name,omitempty"`
	Snapshot   incidents.Snapshot `json:"snapshot,omitzero"`
	Delta      incidents.Delta    `json:"delta,omitzero"`
	// AsOf is when the snapshot was received; with Stale it lets the
	// consumer render "disconnected, showing cached data as of T".
	AsOf      time.Time         `json:"as_of,omitzero"`
	Stale     bool              `json:"stale,omitempty"`
	Connected bool              `json:"connected,omitempty"`
	Channel   string            `json:"channel,omitempty"`
	Summary   incidents.Summary `json:"summary,omitzero"`
	Error     string            `json:"error,omitempty"`
}

// Sink consumes notifications. Notify is called on the coordinator's
// event path and must not block.
type Sink interface {
	Notify(n Notification)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(n Notification)

func (f SinkFunc) Notify(n Notification) { f(n) }

// Options configures a Coordinator. Every field has a usable default.
type Options struct {
	Logger slog.Logger
	Clock  quartz.Clock
	Cache  *snapcache.Cache
	// Persister, when set, mirrors accepted entries to durable storage.
	Persister         Persister
	TTL               time.Duration
	RecencyWindow     time.Duration
	HeartbeatInterval time.Duration
	EvictAfter        time.Duration
	// Registerer receives the coordinator counters; nil leaves them
	// unregistered.
	Registerer prometheus.Registerer
}

// Persister mirrors cache entries to durable storage. *store.Store
// satisfies it.
type Persister interface {
	Put(ctx context.Context, entry snapcache.Entry) error
	Delete(ctx context.Context, center string) error
}

// Coordinator owns the snapshot cache and is its only mutator.
type Coordinator struct {
	logger            slog.Logger
	clock             quartz.Clock
	cache             *snapcache.Cache
	persister         Persister
	ttl               time.Duration
	recencyWindow     time.Duration
	heartbeatInterval time.Duration
	evictAfter        time.Duration
	metrics           *metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	active    string
	connected bool
	// resync marks centers whose next event is authoritative even if
	// older than the cache, granted on a disconnected->connected
	// transition because a reconnect may legitimately resynchronize
	// from a slightly different source.
	resync   map[string]bool
	sinks    []Sink
	watchdog *quartz.Timer

	channelWG sync.WaitGroup
}

func New(opts Options) *Coordinator {
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.Cache == nil {
		opts.Cache = snapcache.New(opts.Clock)
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.RecencyWindow <= 0 {
		opts.RecencyWindow = DefaultRecencyWindow
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.EvictAfter <= 0 {
		opts.EvictAfter = DefaultEvictAfter
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		logger:            opts.Logger,
		clock:             opts.Clock,
		cache:             opts.Cache,
		persister:         opts.Persister,
		ttl:               opts.TTL,
		recencyWindow:     opts.RecencyWindow,
		heartbeatInterval: opts.HeartbeatInterval,
		evictAfter:        opts.EvictAfter,
		metrics:           newMetrics(opts.Registerer),
		ctx:               ctx,
		cancel:            cancel,
		resync:            make(map[string]bool),
	}

	c.clock.TickerFunc(ctx, evictSweepInterval, func() error {
		c.evict()
		return nil
	}, "coordinator-evict")

	return c
}

// Close stops background work and waits for attached channel readers.
func (c *Coordinator) Close() error {
	c.cancel()
	c.mu.Lock()
	if c.watchdog != nil {
		c.watchdog.Stop()
		c.watchdog = nil
	}
	c.mu.Unlock()
	c.channelWG.Wait()
	return nil
}

// Cache exposes the snapshot cache for read-only consumers such as the
// fallback fetch endpoint.
func (c *Coordinator) Cache() *snapcache.Cache {
	return c.cache
}

// Subscribe registers a sink for all future notifications.
func (c *Coordinator) Subscribe(sink Sink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sinks = append(c.sinks, sink)
}

// AttachChannel feeds a channel's events into Handle until the channel
// closes its event stream or the coordinator shuts down.
func (c *Coordinator) AttachChannel(ch feed.Channel) {
	c.channelWG.Add(1)
	go func() {
		defer c.channelWG.Done()
		for {
			select {
			case <-c.ctx.Done():
				return
			case ev, ok := <-ch.Events():
				if !ok {
					return
				}
				ev.Channel = ch.Name()
				c.Handle(c.ctx, ev)
			}
		}
	}()
}

// SetActiveCenter changes which center's updates produce notifications.
// Caching of other centers is unaffected. If the new center is already
// cached, subscribers immediately get a populated notification with the
// current state so they need no separate fetch.
func (c *Coordinator) SetActiveCenter(center string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == center {
		return
	}
	c.active = center
	entry, ok := c.cache.Get(center)
	if !ok {
		return
	}
	c.notify(Notification{
		Kind:       NotifyPopulated,
		Center:     center,
		CenterName: incidents.CenterName(center),
		Snapshot:   entry.Snapshot.Clone(),
		AsOf:       entry.ReceivedAt,
		Stale:      c.cache.IsStale(entry),
	})
}

// ActiveCenter returns the center currently being observed.
func (c *Coordinator) ActiveCenter() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Handle is the single entry point for channel events. It is safe for
// concurrent use; events are applied under one lock in call order, and
// per-center ordering is decided by CapturedAt, not arrival.
func (c *Coordinator) Handle(ctx context.Context, ev feed.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.metrics.eventsTotal.WithLabelValues(string(ev.Kind)).Inc()

	switch ev.Kind {
	case feed.EventWelcome:
		c.logger.Debug(ctx, "upstream welcome", slog.F("connection_id", ev.ConnectionID))
	case feed.EventInitialData:
		// Deterministic application order across centers.
		centers := make([]string, 0, len(ev.Snapshots))
		for center := range ev.Snapshots {
			centers = append(centers, center)
		}
		sort.Strings(centers)
		for _, center := range centers {
			c.applyInitial(ctx, center, ev.Snapshots[center])
		}
	case feed.EventUpdate:
		c.applyUpdate(ctx, ev.Center, ev.Snapshot)
	case feed.EventSummary:
		c.notify(Notification{Kind: NotifySummary, Summary: ev.Summary})
	case feed.EventHeartbeat:
		c.onHeartbeat(ctx)
	case feed.EventConnectionChange:
		c.onConnectionChange(ctx, ev.Connected, ev.Channel)
	case feed.EventError:
		errText := "channel failed"
		if ev.Err != nil {
			errText = ev.Err.Error()
		}
		c.logger.Error(ctx, "channel reported terminal error",
			slog.F("channel", ev.Channel), slog.Error(ev.Err))
		// The channel is dead, but the cache is not cleared: stale data
		// beats no data.
		c.notify(Notification{
			Kind:    NotifyChannelError,
			Channel: ev.Channel,
			Error:   errText,
		})
	default:
		c.logger.Warn(ctx, "dropping event of unknown kind", slog.F("kind", ev.Kind))
	}
}

// applyInitial populates a center. First population never computes a
// delta, which avoids a spurious flood of "new incident" notifications
// on startup.
func (c *Coordinator) applyInitial(ctx context.Context, center string, snapshot incidents.Snapshot) {
	entry, ok := c.cache.Get(center)
	if ok && !snapshot.CapturedAt.After(entry.Snapshot.CapturedAt) && !c.resync[center] {
		c.metrics.updatesDiscarded.WithLabelValues("initial_not_newer").Inc()
		c.logger.Debug(ctx, "discarding initial data",
			slog.F("center", center),
			slog.F("captured_at", snapshot.CapturedAt),
			slog.F("cached_captured_at", entry.Snapshot.CapturedAt),
		)
		return
	}
	c.accept(ctx, center, snapshot)
	if c.active == center {
		c.notify(Notification{
			Kind:       NotifyPopulated,
			Center:     center,
			CenterName: incidents.CenterName(center),
			Snapshot:   snapshot.Clone(),
			AsOf:       c.clock.Now(),
		})
	}
}

// applyUpdate applies the last-writer-wins-by-CapturedAt rule: anything
// not strictly newer than the cache is a duplicate or out-of-order
// message and is discarded without side effects, unless the center is
// marked for post-reconnect resync.
func (c *Coordinator) applyUpdate(ctx context.Context, center string, snapshot incidents.Snapshot) {
	entry, ok := c.cache.Get(center)
	if !ok {
		// An update for an unpopulated center is a population: no delta
		// to compute against, so no added/removed flood.
		c.accept(ctx, center, snapshot)
		if c.active == center {
			c.notify(Notification{
				Kind:       NotifyPopulated,
				Center:     center,
				CenterName: incidents.CenterName(center),
				Snapshot:   snapshot.Clone(),
				AsOf:       c.clock.Now(),
			})
		}
		return
	}
	if !snapshot.CapturedAt.After(entry.Snapshot.CapturedAt) && !c.resync[center] {
		c.metrics.updatesDiscarded.WithLabelValues("not_newer").Inc()
		c.logger.Debug(ctx, "discarding duplicate or out-of-order update",
			slog.F("center", center),
			slog.F("captured_at", snapshot.CapturedAt),
			slog.F("cached_captured_at", entry.Snapshot.CapturedAt),
		)
		return
	}

	delta := incidents.Diff(entry.Snapshot.Incidents, snapshot.Incidents, c.recencyWindow, c.clock.Now())
	c.accept(ctx, center, snapshot)

	if c.active != center {
		// Nobody is viewing this center; cache silently.
		return
	}
	if !delta.Empty() {
		c.metrics.deltasEmitted.Inc()
	}
	c.notify(Notification{
		Kind:       NotifyUpdated,
		Center:     center,
		CenterName: incidents.CenterName(center),
		Snapshot:   snapshot.Clone(),
		Delta:      delta,
		AsOf:       c.clock.Now(),
	})
}

// accept installs the snapshot as the center's new cache entry and
// mirrors it to the persister.
func (c *Coordinator) accept(ctx context.Context, center string, snapshot incidents.Snapshot) {
	delete(c.resync, center)
	entry := c.cache.Put(center, snapshot, c.ttl)
	c.metrics.updatesApplied.Inc()
	if c.persister != nil {
		if err := c.persister.Put(ctx, entry); err != nil {
			c.logger.Error(ctx, "persist snapshot", slog.F("center", center), slog.Error(err))
		}
	}
}

func (c *Coordinator) onHeartbeat(ctx context.Context) {
	if c.watchdog != nil {
		c.watchdog.Reset(2 * c.heartbeatInterval)
	}
	if !c.connected {
		// Heartbeats resumed after silence: the stream is live again.
		c.onConnectionChange(ctx, true, "heartbeat")
	}
}

func (c *Coordinator) onConnectionChange(ctx context.Context, connected bool, channel string) {
	if connected && !c.connected {
		// Reconnect relaxation: the next event per cached center is
		// authoritative even if its CapturedAt is older than ours, since
		// the source may have resynchronized.
		for _, center := range c.cache.Centers() {
			c.resync[center] = true
		}
		c.armWatchdog()
	}
	if !connected && c.watchdog != nil {
		c.watchdog.Stop()
		c.watchdog = nil
	}
	c.connected = connected

	n := Notification{Kind: NotifyConnection, Connected: connected, Channel: channel}
	if !connected && c.active != "" {
		// Tell consumers what they can keep showing while disconnected.
		if entry, ok := c.cache.Get(c.active); ok {
			n.Center = c.active
			n.CenterName = incidents.CenterName(c.active)
			n.AsOf = entry.ReceivedAt
			n.Stale = c.cache.IsStale(entry)
		}
	}
	c.notify(n)
	c.logger.Info(ctx, "connection change",
		slog.F("connected", connected), slog.F("channel", channel))
}

// armWatchdog (re)starts the liveness timer. Expiry synthesizes a
// disconnect so silently-dead channels surface to consumers.
func (c *Coordinator) armWatchdog() {
	if c.watchdog != nil {
		c.watchdog.Stop()
	}
	c.watchdog = c.clock.AfterFunc(2*c.heartbeatInterval, func() {
		c.logger.Warn(c.ctx, "heartbeat silence, treating stream as disconnected",
			slog.F("interval", c.heartbeatInterval))
		c.mu.Lock()
		defer c.mu.Unlock()
		c.watchdog = nil
		c.onConnectionChange(c.ctx, false, "watchdog")
	}, "coordinator-watchdog")
}

// evict garbage-collects untouched centers, serialized through the same
// lock as updates.
func (c *Coordinator) evict() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, center := range c.cache.EvictOlderThan(c.evictAfter) {
		c.metrics.centersEvicted.Inc()
		delete(c.resync, center)
		if c.persister != nil {
			if err := c.persister.Delete(c.ctx, center); err != nil {
				c.logger.Error(c.ctx, "delete persisted snapshot",
					slog.F("center", center), slog.Error(err))
			}
		}
		c.logger.Info(c.ctx, "evicted center", slog.F("center", center))
	}
}

// notify delivers to all sinks. Callers hold the lock, so sinks must
// not call back into the coordinator.
func (c *Coordinator) notify(n Notification) {
	for _, sink := range c.sinks {
		sink.Notify(n)
	}
}
