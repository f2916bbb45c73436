package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"

	"github.com/chpwatch/chpwatch/incidents"
	"github.com/chpwatch/chpwatch/snapcache"
)

const defaultPollInterval = 60 * time.Second

// PollOptions configures the polling fallback channel.
type PollOptions struct {
	// BaseURL is the root the active incident documents are served
	// under; the channel fetches <BaseURL>/active_incidents_<center>.json.
	BaseURL string
	// Centers to poll each round.
	Centers  []string
	Interval time.Duration
	Client   *http.Client
	Logger   slog.Logger
	Clock    quartz.Clock
	// Cache, when set, suppresses fetches for centers whose cached
	// snapshot is not yet due for refresh, so the fallback does not
	// refetch data the push channel keeps fresh.
	Cache *snapcache.Cache
}

// PollChannel is the fetch fallback Channel: on every tick it fetches
// the full active snapshot per center and emits it as an EventUpdate,
// so the coordinator applies the exact same idempotence and ordering
// rules as for pushed updates. Fetch failures are logged and retried on
// the next tick; the channel never reports a terminal error.
type PollChannel struct {
	baseURL  string
	centers  []string
	interval time.Duration
	client   *http.Client
	logger   slog.Logger
	clock    quartz.Clock
	cache    *snapcache.Cache

	events chan Event

	mu      sync.Mutex
	running bool
	closed  bool
	up      bool
	cancel  context.CancelFunc
}

var _ Channel = (*PollChannel)(nil)

func NewPollChannel(opts PollOptions) *PollChannel {
	if opts.Interval <= 0 {
		opts.Interval = defaultPollInterval
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	return &PollChannel{
		baseURL:  opts.BaseURL,
		centers:  opts.Centers,
		interval: opts.Interval,
		client:   opts.Client,
		logger:   opts.Logger,
		clock:    opts.Clock,
		cache:    opts.Cache,
		events:   make(chan Event, 16),
	}
}

func (*PollChannel) Name() string {
	return "poll"
}

func (c *PollChannel) Events() <-chan Event {
	return c.events
}

func (c *PollChannel) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return xerrors.New("poll channel is closed")
	}
	if c.running {
		return xerrors.New("poll channel already connected")
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.running = true
	c.cancel = cancel

	go func() {
		// First round immediately, then on the ticker.
		c.pollOnce(runCtx)
		waiter := c.clock.TickerFunc(runCtx, c.interval, func() error {
			c.pollOnce(runCtx)
			return nil
		}, "feed-poll")
		_ = waiter.Wait()

		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()
	return nil
}

func (c *PollChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}

func (c *PollChannel) pollOnce(ctx context.Context) {
	attempted, succeeded := 0, 0
	for _, center := range c.centers {
		if c.cache != nil {
			if entry, ok := c.cache.Get(center); ok && !c.cache.IsRefreshDue(entry) {
				continue
			}
		}
		attempted++
		snapshot, err := c.fetch(ctx, center)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn(ctx, "poll fetch failed", slog.F("center", center), slog.Error(err))
			continue
		}
		succeeded++
		c.emit(ctx, Event{Kind: EventUpdate, Center: center, Snapshot: snapshot})
	}
	if attempted > 0 {
		// A round where every center was fresh says nothing about the
		// target's health, so it never flips the connection state.
		c.transition(ctx, succeeded > 0)
	}
}

func (c *PollChannel) fetch(ctx context.Context, center string) (incidents.Snapshot, error) {
	url := fmt.Sprintf("%s/active_incidents_%s.json", c.baseURL, center)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return incidents.Snapshot{}, xerrors.Errorf("build request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return incidents.Snapshot{}, xerrors.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return incidents.Snapshot{}, xerrors.Errorf("fetch %s: status %d", url, resp.StatusCode)
	}

	var snapshot incidents.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snapshot); err != nil {
		return incidents.Snapshot{}, xerrors.Errorf("decode %s: %w", url, err)
	}
	if snapshot.CapturedAt.IsZero() {
		return incidents.Snapshot{}, xerrors.Errorf("document %s has no last_updated", url)
	}
	snapshot.Center = center
	if snapshot.CenterName == "" {
		snapshot.CenterName = incidents.CenterName(center)
	}
	incidents.ClassifyBlockages(snapshot.Incidents)
	return snapshot, nil
}

// transition emits a ConnectionChange only when the aggregate health of
// the poll targets flips.
func (c *PollChannel) transition(ctx context.Context, up bool) {
	c.mu.Lock()
	changed := c.up != up
	c.up = up
	c.mu.Unlock()
	if changed {
		c.emit(ctx, Event{Kind: EventConnectionChange, Connected: up})
	}
}

func (c *PollChannel) emit(ctx context.Context, ev Event) {
	select {
	case c.events <- ev:
	case <-ctx.Done():
	}
}
