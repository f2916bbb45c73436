package coordinator_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/slogtest"
	"github.com/coder/quartz"

	"github.com/chpwatch/chpwatch/coordinator"
	"github.com/chpwatch/chpwatch/feed"
	"github.com/chpwatch/chpwatch/incidents"
	"github.com/chpwatch/chpwatch/snapcache"
	"github.com/chpwatch/chpwatch/testutil"
)

type testSink struct {
	ch chan coordinator.Notification
}

func newTestSink() *testSink {
	return &testSink{ch: make(chan coordinator.Notification, 64)}
}

func (s *testSink) Notify(n coordinator.Notification) {
	s.ch <- n
}

type fakePersister struct {
	mu      sync.Mutex
	puts    []snapcache.Entry
	deletes []string
}

func (p *fakePersister) Put(_ context.Context, entry snapcache.Entry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.puts = append(p.puts, entry)
	return nil
}

func (p *fakePersister) Delete(_ context.Context, center string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deletes = append(p.deletes, center)
	return nil
}

func snapshotAt(center string, capturedAt time.Time, incs ...incidents.Incident) incidents.Snapshot {
	return incidents.Snapshot{
		Center:     center,
		CenterName: incidents.CenterName(center),
		Incidents:  incs,
		CapturedAt: capturedAt,
	}
}

// newCoordinator builds a coordinator with a generous recency window so
// clock strings don't interfere with delta assertions.
func newCoordinator(t *testing.T, opts coordinator.Options) (*coordinator.Coordinator, *testSink) {
	t.Helper()
	sink := newTestSink()
	opts.Logger = testutil.Logger(t)
	if opts.RecencyWindow == 0 {
		opts.RecencyWindow = 24 * time.Hour
	}
	uut := coordinator.New(opts)
	t.Cleanup(func() { _ = uut.Close() })
	uut.Subscribe(sink)
	return uut, sink
}

func TestCoordinator_FirstPopulationEmitsNoDelta(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	mClock := quartz.NewMock(t)

	uut, sink := newCoordinator(t, coordinator.Options{Clock: mClock})
	uut.SetActiveCenter("BCCC")

	t0 := mClock.Now()
	uut.Handle(ctx, feed.Event{
		Kind: feed.EventInitialData,
		Snapshots: map[string]incidents.Snapshot{
			"BCCC": snapshotAt("BCCC", t0, inc("i1", "2:10 PM"), inc("i2", "2:20 PM")),
		},
	})

	n := testutil.RequireReceive(ctx, t, sink.ch)
	require.Equal(t, coordinator.NotifyPopulated, n.Kind)
	require.Equal(t, "BCCC", n.Center)
	require.Equal(t, "Border", n.CenterName)
	require.Len(t, n.Snapshot.Incidents, 2)
	require.True(t, n.Delta.Empty())

	// Same initial data again is a duplicate: no side effects.
	uut.Handle(ctx, feed.Event{
		Kind: feed.EventInitialData,
		Snapshots: map[string]incidents.Snapshot{
			"BCCC": snapshotAt("BCCC", t0, inc("i1", "2:10 PM"), inc("i2", "2:20 PM")),
		},
	})
	testutil.RequireNoReceive(t, sink.ch)
}

func inc(id, reportedAt string) incidents.Incident {
	return incidents.Incident{ID: id, Kind: "Traffic Hazard", ReportedAt: reportedAt}
}

func TestCoordinator_UpdateEmitsDelta(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	mClock := quartz.NewMock(t)

	cache := snapcache.New(mClock)
	uut, sink := newCoordinator(t, coordinator.Options{Clock: mClock, Cache: cache})
	uut.SetActiveCenter("BCCC")

	t0 := mClock.Now()
	uut.Handle(ctx, feed.Event{
		Kind: feed.EventInitialData,
		Snapshots: map[string]incidents.Snapshot{
			"BCCC": snapshotAt("BCCC", t0, inc("i1", "2:10 PM"), inc("i2", "2:20 PM")),
		},
	})
	testutil.RequireReceive(ctx, t, sink.ch) // populated

	t1 := t0.Add(30 * time.Second)
	uut.Handle(ctx, feed.Event{
		Kind:     feed.EventUpdate,
		Center:   "BCCC",
		Snapshot: snapshotAt("BCCC", t1, inc("i2", "2:20 PM"), inc("i3", "2:40 PM")),
	})

	n := testutil.RequireReceive(ctx, t, sink.ch)
	require.Equal(t, coordinator.NotifyUpdated, n.Kind)
	require.Len(t, n.Delta.Added, 1)
	require.Equal(t, "i3", n.Delta.Added[0].ID)
	require.Len(t, n.Delta.Removed, 1)
	require.Equal(t, "i1", n.Delta.Removed[0].ID)

	entry, ok := cache.Get("BCCC")
	require.True(t, ok)
	require.Len(t, entry.Snapshot.Incidents, 2)
	require.Equal(t, "i2", entry.Snapshot.Incidents[0].ID)
	require.Equal(t, "i3", entry.Snapshot.Incidents[1].ID)
}

func TestCoordinator_DuplicateUpdateIsNoOp(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	mClock := quartz.NewMock(t)

	cache := snapcache.New(mClock)
	persister := &fakePersister{}
	uut, sink := newCoordinator(t, coordinator.Options{
		Clock: mClock, Cache: cache, Persister: persister,
	})
	uut.SetActiveCenter("BCCC")

	t1 := mClock.Now()
	update := feed.Event{
		Kind:     feed.EventUpdate,
		Center:   "BCCC",
		Snapshot: snapshotAt("BCCC", t1, inc("i1", "2:10 PM")),
	}
	uut.Handle(ctx, update)
	testutil.RequireReceive(ctx, t, sink.ch) // populated (first snapshot)

	before, ok := cache.Get("BCCC")
	require.True(t, ok)

	// Exactly the same update again, as if delivered on a second
	// channel: no delta, no cache mutation, no notification.
	uut.Handle(ctx, update)
	testutil.RequireNoReceive(t, sink.ch)
	after, _ := cache.Get("BCCC")
	require.Equal(t, before, after)
	require.Len(t, persister.puts, 1)
}

func TestCoordinator_OutOfOrderUpdateRejected(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	mClock := quartz.NewMock(t)

	cache := snapcache.New(mClock)
	uut, sink := newCoordinator(t, coordinator.Options{Clock: mClock, Cache: cache})
	uut.SetActiveCenter("BCCC")

	t1 := mClock.Now()
	uut.Handle(ctx, feed.Event{
		Kind:     feed.EventUpdate,
		Center:   "BCCC",
		Snapshot: snapshotAt("BCCC", t1, inc("i1", "2:10 PM")),
	})
	testutil.RequireReceive(ctx, t, sink.ch)

	uut.Handle(ctx, feed.Event{
		Kind:     feed.EventUpdate,
		Center:   "BCCC",
		Snapshot: snapshotAt("BCCC", t1.Add(-time.Minute), inc("i0", "2:00 PM")),
	})
	testutil.RequireNoReceive(t, sink.ch)

	entry, _ := cache.Get("BCCC")
	require.Equal(t, "i1", entry.Snapshot.Incidents[0].ID)
}

func TestCoordinator_ReconnectRelaxation(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	mClock := quartz.NewMock(t)

	cache := snapcache.New(mClock)
	uut, sink := newCoordinator(t, coordinator.Options{Clock: mClock, Cache: cache})
	uut.SetActiveCenter("BCCC")

	t1 := mClock.Now()
	uut.Handle(ctx, feed.Event{
		Kind:     feed.EventUpdate,
		Center:   "BCCC",
		Snapshot: snapshotAt("BCCC", t1, inc("i1", "2:10 PM")),
	})
	testutil.RequireReceive(ctx, t, sink.ch)

	// Disconnect, then reconnect: the source may have resynchronized,
	// so the next update is authoritative even though it is older.
	uut.Handle(ctx, feed.Event{Kind: feed.EventConnectionChange, Connected: false})
	n := testutil.RequireReceive(ctx, t, sink.ch)
	require.Equal(t, coordinator.NotifyConnection, n.Kind)
	require.False(t, n.Connected)
	require.False(t, n.AsOf.IsZero(), "disconnect should report the cached data age")

	uut.Handle(ctx, feed.Event{Kind: feed.EventConnectionChange, Connected: true})
	testutil.RequireReceive(ctx, t, sink.ch)

	uut.Handle(ctx, feed.Event{
		Kind:     feed.EventUpdate,
		Center:   "BCCC",
		Snapshot: snapshotAt("BCCC", t1.Add(-time.Minute), inc("i0", "2:00 PM")),
	})
	n = testutil.RequireReceive(ctx, t, sink.ch)
	require.Equal(t, coordinator.NotifyUpdated, n.Kind)
	entry, _ := cache.Get("BCCC")
	require.Equal(t, "i0", entry.Snapshot.Incidents[0].ID)

	// The relaxation is one-shot: a second stale update is rejected.
	uut.Handle(ctx, feed.Event{
		Kind:     feed.EventUpdate,
		Center:   "BCCC",
		Snapshot: snapshotAt("BCCC", t1.Add(-2*time.Minute), inc("iX", "1:50 PM")),
	})
	testutil.RequireNoReceive(t, sink.ch)
}

func TestCoordinator_InactiveCenterCachesSilently(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	mClock := quartz.NewMock(t)

	cache := snapcache.New(mClock)
	uut, sink := newCoordinator(t, coordinator.Options{Clock: mClock, Cache: cache})
	uut.SetActiveCenter("BCCC")

	uut.Handle(ctx, feed.Event{
		Kind:     feed.EventUpdate,
		Center:   "LACC",
		Snapshot: snapshotAt("LACC", mClock.Now(), inc("i1", "2:10 PM")),
	})
	testutil.RequireNoReceive(t, sink.ch)

	_, ok := cache.Get("LACC")
	require.True(t, ok)

	// Switching to the cached center replays its current state.
	uut.SetActiveCenter("LACC")
	n := testutil.RequireReceive(ctx, t, sink.ch)
	require.Equal(t, coordinator.NotifyPopulated, n.Kind)
	require.Equal(t, "LACC", n.Center)
	require.Equal(t, "Los Angeles", n.CenterName)
}

func TestCoordinator_HeartbeatWatchdog(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	mClock := quartz.NewMock(t)

	uut, sink := newCoordinator(t, coordinator.Options{
		Clock:             mClock,
		HeartbeatInterval: 30 * time.Second,
	})

	uut.Handle(ctx, feed.Event{Kind: feed.EventConnectionChange, Connected: true})
	testutil.RequireReceive(ctx, t, sink.ch)

	// Heartbeats keep the watchdog quiet.
	mClock.Advance(50 * time.Second).MustWait(ctx)
	uut.Handle(ctx, feed.Event{Kind: feed.EventHeartbeat})
	mClock.Advance(50 * time.Second).MustWait(ctx)
	uut.Handle(ctx, feed.Event{Kind: feed.EventHeartbeat})
	testutil.RequireNoReceive(t, sink.ch)

	// Silence for 2x the interval synthesizes a disconnect.
	w := mClock.Advance(60 * time.Second)
	w.MustWait(ctx)
	n := testutil.RequireReceive(ctx, t, sink.ch)
	require.Equal(t, coordinator.NotifyConnection, n.Kind)
	require.False(t, n.Connected)
	require.Equal(t, "watchdog", n.Channel)

	// A resumed heartbeat is evidence of liveness again.
	uut.Handle(ctx, feed.Event{Kind: feed.EventHeartbeat})
	n = testutil.RequireReceive(ctx, t, sink.ch)
	require.Equal(t, coordinator.NotifyConnection, n.Kind)
	require.True(t, n.Connected)
}

func TestCoordinator_Eviction(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	mClock := quartz.NewMock(t)

	tickerTrap := mClock.Trap().TickerFunc("coordinator-evict")
	defer tickerTrap.Close()

	cache := snapcache.New(mClock)
	persister := &fakePersister{}
	// New registers the eviction ticker on the caller's goroutine, so the
	// trapped call must be released concurrently.
	releaseDone := make(chan struct{})
	go func() {
		defer close(releaseDone)
		tickerTrap.MustWait(ctx).MustRelease(ctx)
	}()
	uut, sink := newCoordinator(t, coordinator.Options{
		Clock:      mClock,
		Cache:      cache,
		Persister:  persister,
		EvictAfter: 30 * time.Minute,
	})
	<-releaseDone

	uut.Handle(ctx, feed.Event{
		Kind:     feed.EventUpdate,
		Center:   "BCCC",
		Snapshot: snapshotAt("BCCC", mClock.Now(), inc("i1", "2:10 PM")),
	})
	testutil.RequireNoReceive(t, sink.ch) // no active center

	// Sweep runs every 10 minutes; the entry survives until it is older
	// than 30 minutes.
	for i := 0; i < 3; i++ {
		mClock.Advance(10 * time.Minute).MustWait(ctx)
		require.Equal(t, 1, cache.Len())
	}
	mClock.Advance(10 * time.Minute).MustWait(ctx)
	require.Equal(t, 0, cache.Len())

	persister.mu.Lock()
	defer persister.mu.Unlock()
	require.Equal(t, []string{"BCCC"}, persister.deletes)
}

func TestCoordinator_ChannelErrorKeepsCache(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	mClock := quartz.NewMock(t)

	cache := snapcache.New(mClock)
	// Terminal channel errors are logged at error level on purpose.
	logger := slogtest.Make(t, &slogtest.Options{IgnoreErrors: true}).Leveled(slog.LevelDebug)
	sink := newTestSink()
	uut := coordinator.New(coordinator.Options{
		Logger:        logger,
		Clock:         mClock,
		Cache:         cache,
		RecencyWindow: 24 * time.Hour,
	})
	t.Cleanup(func() { _ = uut.Close() })
	uut.Subscribe(sink)
	uut.SetActiveCenter("BCCC")

	uut.Handle(ctx, feed.Event{
		Kind:     feed.EventUpdate,
		Center:   "BCCC",
		Snapshot: snapshotAt("BCCC", mClock.Now(), inc("i1", "2:10 PM")),
	})
	testutil.RequireReceive(ctx, t, sink.ch)

	uut.Handle(ctx, feed.Event{
		Kind:    feed.EventError,
		Channel: "websocket",
		Err:     xerrors.New("gave up"),
	})
	n := testutil.RequireReceive(ctx, t, sink.ch)
	require.Equal(t, coordinator.NotifyChannelError, n.Kind)
	require.Equal(t, "websocket", n.Channel)
	require.Equal(t, "gave up", n.Error)

	// A sloppy channel may report an error event without an error
	// value; the notification still carries something to display.
	uut.Handle(ctx, feed.Event{
		Kind:    feed.EventError,
		Channel: "poll",
	})
	n = testutil.RequireReceive(ctx, t, sink.ch)
	require.Equal(t, coordinator.NotifyChannelError, n.Kind)
	require.Equal(t, "poll", n.Channel)
	require.NotEmpty(t, n.Error)

	// Stale-but-present beats no data.
	_, ok := cache.Get("BCCC")
	require.True(t, ok)
}

func TestCoordinator_SummaryForwarded(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	mClock := quartz.NewMock(t)

	uut, sink := newCoordinator(t, coordinator.Options{Clock: mClock})
	uut.Handle(ctx, feed.Event{
		Kind: feed.EventSummary,
		Summary: incidents.Summary{
			Centers:        2,
			TotalIncidents: 7,
			PerCenter:      map[string]int{"BCCC": 3, "LACC": 4},
		},
	})

	n := testutil.RequireReceive(ctx, t, sink.ch)
	require.Equal(t, coordinator.NotifySummary, n.Kind)
	require.Equal(t, 7, n.Summary.TotalIncidents)
}

type fakeChannel struct {
	name   string
	events chan feed.Event
}

func (c *fakeChannel) Name() string                  { return c.name }
func (c *fakeChannel) Connect(context.Context) error { return nil }
func (c *fakeChannel) Events() <-chan feed.Event     { return c.events }
func (c *fakeChannel) Close() error                  { close(c.events); return nil }

func TestCoordinator_AttachChannel(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	mClock := quartz.NewMock(t)

	uut, sink := newCoordinator(t, coordinator.Options{Clock: mClock})
	uut.SetActiveCenter("BCCC")

	ch := &fakeChannel{name: "fake", events: make(chan feed.Event)}
	uut.AttachChannel(ch)

	testutil.RequireSend(ctx, t, ch.events, feed.Event{
		Kind:     feed.EventUpdate,
		Center:   "BCCC",
		Snapshot: snapshotAt("BCCC", mClock.Now(), inc("i1", "2:10 PM")),
	})

	n := testutil.RequireReceive(ctx, t, sink.ch)
	require.Equal(t, coordinator.NotifyPopulated, n.Kind)
	require.Equal(t, "BCCC", n.Center)
	require.NoError(t, ch.Close())
}
