package feed

import (
	"context"
	"sync"
	"time"

	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"
	"github.com/coder/retry"
	"github.com/coder/websocket"

	"github.com/chpwatch/chpwatch/wsjson"
)

const (
	defaultBackoffFloor = 500 * time.Millisecond
	defaultBackoffCeil  = 30 * time.Second
	defaultMaxAttempts  = 10
)

// WebsocketOptions configures a websocket push channel.
type WebsocketOptions struct {
	// URL is the upstream monitor websocket endpoint.
	URL    string
	Logger slog.Logger
	// DialOptions are passed through to websocket.Dial.
	DialOptions *websocket.DialOptions
	// BackoffFloor and BackoffCeil bound the reconnect delay.
	BackoffFloor time.Duration
	BackoffCeil  time.Duration
	// MaxAttempts caps consecutive failed dials. Once exceeded the
	// channel emits a terminal EventError and stops; the caller may
	// Connect again to manually reinitiate.
	MaxAttempts int
}

// WebsocketChannel is the push stream Channel. It dials the upstream
// monitor, decodes wire frames into Events, and reconnects with
// exponential backoff on unexpected closure.
//
// Each Connect bumps a generation counter and every emit re-checks it,
// so a reconnect attempt left over from a previous generation can never
// deliver events after Close.
type WebsocketChannel struct {
	url          string
	logger       slog.Logger
	dialOpts     *websocket.DialOptions
	backoffFloor time.Duration
	backoffCeil  time.Duration
	maxAttempts  int

	events chan Event

	mu         sync.Mutex
	generation uint64
	running    bool
	closed     bool
	cancel     context.CancelFunc
}

var _ Channel = (*WebsocketChannel)(nil)

func NewWebsocketChannel(opts WebsocketOptions) *WebsocketChannel {
	if opts.BackoffFloor <= 0 {
		opts.BackoffFloor = defaultBackoffFloor
	}
	if opts.BackoffCeil <= 0 {
		opts.BackoffCeil = defaultBackoffCeil
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	return &WebsocketChannel{
		url:          opts.URL,
		logger:       opts.Logger,
		dialOpts:     opts.DialOptions,
		backoffFloor: opts.BackoffFloor,
		backoffCeil:  opts.BackoffCeil,
		maxAttempts:  opts.MaxAttempts,
		events:       make(chan Event, 16),
	}
}

func (*WebsocketChannel) Name() string {
	return "websocket"
}

func (c *WebsocketChannel) Events() <-chan Event {
	return c.events
}

// Connect starts the delivery goroutine. It returns an error if the
// channel is closed or already running; a terminal EventError leaves
// the channel stopped but connectable again.
func (c *WebsocketChannel) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return xerrors.New("websocket channel is closed")
	}
	if c.running {
		return xerrors.New("websocket channel already connected")
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.generation++
	c.running = true
	c.cancel = cancel

	go c.run(runCtx, c.generation)
	return nil
}

// Close is idempotent. It cancels the delivery goroutine, including any
// in-flight reconnect wait.
func (c *WebsocketChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.generation++
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}

func (c *WebsocketChannel) run(ctx context.Context, gen uint64) {
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	attempts := 0
	r := retry.New(c.backoffFloor, c.backoffCeil)
	for {
		if ctx.Err() != nil || c.stale(gen) {
			return
		}
		conn, _, err := websocket.Dial(ctx, c.url, c.dialOpts)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			attempts++
			c.logger.Warn(ctx, "dial upstream monitor failed",
				slog.F("attempt", attempts),
				slog.F("max_attempts", c.maxAttempts),
				slog.Error(err),
			)
			if attempts >= c.maxAttempts {
				c.emit(ctx, gen, Event{
					Kind: EventError,
					Err:  xerrors.Errorf("giving up after %d attempts: %w", attempts, err),
				})
				return
			}
			if !r.Wait(ctx) {
				return
			}
			continue
		}

		// An initial_data frame carries full snapshots for every center
		// the upstream knows, far past the default 32KiB read limit.
		conn.SetReadLimit(256 * 1024)

		attempts = 0
		r.Reset()
		c.logger.Info(ctx, "connected to upstream monitor", slog.F("url", c.url))
		c.emit(ctx, gen, Event{Kind: EventConnectionChange, Connected: true})
		c.readLoop(ctx, gen, conn)
		c.emit(ctx, gen, Event{Kind: EventConnectionChange, Connected: false})
	}
}

// readLoop decodes frames until the connection closes or the context is
// canceled. Malformed frames are logged and dropped; the connection
// stays up.
func (c *WebsocketChannel) readLoop(ctx context.Context, gen uint64, conn *websocket.Conn) {
	decoder := wsjson.NewDecoder[wireMessage](conn, websocket.MessageText, c.logger)
	defer decoder.Close()

	msgs := decoder.Chan()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			ev, err := parseMessage(msg)
			if err != nil {
				c.logger.Warn(ctx, "dropping malformed message", slog.Error(err))
				continue
			}
			c.emit(ctx, gen, ev)
		}
	}
}

func (c *WebsocketChannel) emit(ctx context.Context, gen uint64, ev Event) {
	if c.stale(gen) {
		return
	}
	select {
	case c.events <- ev:
	case <-ctx.Done():
	}
}

func (c *WebsocketChannel) stale(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed || c.generation != gen
}
