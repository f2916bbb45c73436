package cli

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"time"

	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/sloghuman"
	"github.com/coder/quartz"
	"github.com/coder/serpent"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/chpwatch/chpwatch/coordinator"
	"github.com/chpwatch/chpwatch/feed"
	"github.com/chpwatch/chpwatch/snapcache"
	"github.com/chpwatch/chpwatch/store"
	"github.com/chpwatch/chpwatch/watchd"
)

func (r *RootCmd) serverCommand() *serpent.Command {
	var (
		feedURL           string
		pollURL           string
		pollInterval      time.Duration
		centers           []string
		activeCenter      string
		listenAddr        string
		dbPath            string
		ttl               time.Duration
		recencyWindow     time.Duration
		heartbeatInterval time.Duration
		evictAfter        time.Duration
		maxAttempts       int64
		backoffFloor      time.Duration
		backoffCeil       time.Duration
	)

	cmd := &serpent.Command{
		Use:   "server",
		Short: "Run the incident synchronization daemon.",
		Options: serpent.OptionSet{
			{
				Flag:        "feed-url",
				Env:         "CHPWATCH_FEED_URL",
				Description: "Websocket URL of the upstream incident monitor. Empty disables the push channel.",
				Value:       serpent.StringOf(&feedURL),
			},
			{
				Flag:        "poll-url",
				Env:         "CHPWATCH_POLL_URL",
				Description: "Base URL the active incident documents are polled from. Empty disables the poll fallback.",
				Value:       serpent.StringOf(&pollURL),
			},
			{
				Flag:        "poll-interval",
				Env:         "CHPWATCH_POLL_INTERVAL",
				Description: "How often the poll fallback fetches each center.",
				Default:     "60s",
				Value:       serpent.DurationOf(&pollInterval),
			},
			{
				Flag:        "centers",
				Env:         "CHPWATCH_CENTERS",
				Description: "Center codes to poll and accept updates for.",
				Default:     "SACC",
				Value:       serpent.StringArrayOf(&centers),
			},
			{
				Flag:        "active-center",
				Env:         "CHPWATCH_ACTIVE_CENTER",
				Description: "Center whose changes are published to observers. Defaults to the first of --centers.",
				Value:       serpent.StringOf(&activeCenter),
			},
			{
				Flag:        "listen",
				Env:         "CHPWATCH_LISTEN",
				Description: "Address the observer HTTP surface listens on.",
				Default:     "127.0.0.1:8787",
				Value:       serpent.StringOf(&listenAddr),
			},
			{
				Flag:        "db",
				Env:         "CHPWATCH_DB",
				Description: "SQLite file snapshots are persisted to. Empty disables persistence.",
				Default:     "chpwatch.db",
				Value:       serpent.StringOf(&dbPath),
			},
			{
				Flag:        "ttl",
				Env:         "CHPWATCH_TTL",
				Description: "How long a cached snapshot is considered fresh.",
				Default:     "5m",
				Value:       serpent.DurationOf(&ttl),
			},
			{
				Flag:        "recency-window",
				Env:         "CHPWATCH_RECENCY_WINDOW",
				Description: "Incidents reported further back than this are excluded from deltas.",
				Default:     "1h",
				Value:       serpent.DurationOf(&recencyWindow),
			},
			{
				Flag:        "heartbeat-interval",
				Env:         "CHPWATCH_HEARTBEAT_INTERVAL",
				Description: "Expected upstream heartbeat cadence; silence over twice this counts as a disconnect.",
				Default:     "30s",
				Value:       serpent.DurationOf(&heartbeatInterval),
			},
			{
				Flag:        "evict-after",
				Env:         "CHPWATCH_EVICT_AFTER",
				Description: "Cached and persisted snapshots older than this are dropped.",
				Default:     "24h",
				Value:       serpent.DurationOf(&evictAfter),
			},
			{
				Flag:        "max-reconnect-attempts",
				Env:         "CHPWATCH_MAX_RECONNECT_ATTEMPTS",
				Description: "Consecutive failed dials before the push channel gives up.",
				Default:     "10",
				Value:       serpent.Int64Of(&maxAttempts),
			},
			{
				Flag:        "backoff-floor",
				Env:         "CHPWATCH_BACKOFF_FLOOR",
				Description: "Initial reconnect delay.",
				Default:     "500ms",
				Value:       serpent.DurationOf(&backoffFloor),
			},
			{
				Flag:        "backoff-ceil",
				Env:         "CHPWATCH_BACKOFF_CEIL",
				Description: "Maximum reconnect delay.",
				Default:     "30s",
				Value:       serpent.DurationOf(&backoffCeil),
			},
		},
		Handler: func(inv *serpent.Invocation) error {
			ctx, stop := signal.NotifyContext(inv.Context(), StopSignals...)
			defer stop()

			logger := slog.Make(sloghuman.Sink(inv.Stderr)).Leveled(slog.LevelInfo)
			if r.verbose {
				logger = logger.Leveled(slog.LevelDebug)
			}
			if feedURL == "" && pollURL == "" {
				return xerrors.New("at least one of --feed-url and --poll-url is required")
			}
			if activeCenter == "" && len(centers) > 0 {
				activeCenter = centers[0]
			}

			clock := quartz.NewReal()
			registry := prometheus.NewRegistry()

			var persister coordinator.Persister
			cache := snapcache.New(clock)
			if dbPath != "" {
				st, err := store.Open(ctx, dbPath)
				if err != nil {
					return xerrors.Errorf("open store: %w", err)
				}
				defer st.Close()

				dropped, err := st.GC(ctx, clock.Now(), evictAfter)
				if err != nil {
					return xerrors.Errorf("garbage collect store: %w", err)
				}
				if dropped > 0 {
					logger.Info(ctx, "dropped expired persisted snapshots", slog.F("count", dropped))
				}

				entries, err := st.LoadAll(ctx)
				if err != nil {
					return xerrors.Errorf("load persisted snapshots: %w", err)
				}
				for _, entry := range entries {
					cache.Restore(entry)
				}
				logger.Info(ctx, "restored persisted snapshots", slog.F("count", len(entries)))
				persister = st
			}

			coord := coordinator.New(coordinator.Options{
				Logger:            logger.Named("coordinator"),
				Clock:             clock,
				Cache:             cache,
				Persister:         persister,
				TTL:               ttl,
				RecencyWindow:     recencyWindow,
				HeartbeatInterval: heartbeatInterval,
				EvictAfter:        evictAfter,
				Registerer:        registry,
			})
			defer coord.Close()
			coord.SetActiveCenter(activeCenter)

			if feedURL != "" {
				ws := feed.NewWebsocketChannel(feed.WebsocketOptions{
					URL:          feedURL,
					Logger:       logger.Named("feed-ws"),
					BackoffFloor: backoffFloor,
					BackoffCeil:  backoffCeil,
					MaxAttempts:  int(maxAttempts),
				})
				defer ws.Close()
				coord.AttachChannel(ws)
				if err := ws.Connect(ctx); err != nil {
					return xerrors.Errorf("connect push channel: %w", err)
				}
			}
			if pollURL != "" {
				poll := feed.NewPollChannel(feed.PollOptions{
					BaseURL:  pollURL,
					Centers:  centers,
					Interval: pollInterval,
					Logger:   logger.Named("feed-poll"),
					Clock:    clock,
					Cache:    cache,
				})
				defer poll.Close()
				coord.AttachChannel(poll)
				if err := poll.Connect(ctx); err != nil {
					return xerrors.Errorf("connect poll channel: %w", err)
				}
			}

			srv := watchd.New(watchd.Options{
				Logger:            logger.Named("watchd"),
				Coordinator:       coord,
				Clock:             clock,
				HeartbeatInterval: heartbeatInterval,
				Registry:          registry,
			})
			httpServer := &http.Server{
				Addr:              listenAddr,
				Handler:           srv,
				ReadHeaderTimeout: 10 * time.Second,
			}
			serveErr := make(chan error, 1)
			go func() {
				serveErr <- httpServer.ListenAndServe()
			}()
			logger.Info(ctx, "daemon started",
				slog.F("listen", listenAddr),
				slog.F("centers", centers),
				slog.F("active_center", activeCenter),
			)

			select {
			case err := <-serveErr:
				return xerrors.Errorf("http server: %w", err)
			case <-ctx.Done():
			}

			logger.Info(context.Background(), "shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			err := httpServer.Shutdown(shutdownCtx)
			if err != nil && !errors.Is(err, context.DeadlineExceeded) {
				return xerrors.Errorf("shutdown http server: %w", err)
			}
			return nil
		},
	}
	return cmd
}
