// Package watchd is the observer-facing HTTP surface of the daemon: a
// websocket stream of coordinator notifications, the per-center active
// incident document as a polling fallback, health, and metrics.
package watchd

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"
	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chpwatch/chpwatch/coordinator"
	"github.com/chpwatch/chpwatch/incidents"
	"github.com/chpwatch/chpwatch/wsjson"
)

const (
	defaultHeartbeatInterval = 30 * time.Second
	// observerBuffer bounds how far a slow observer may fall behind
	// before frames are dropped for it.
	observerBuffer = 64
)

// Options configures a Server. Coordinator is required.
type Options struct {
	Logger      slog.Logger
	Coordinator *coordinator.Coordinator
	Clock       quartz.Clock
	// HeartbeatInterval is the cadence of heartbeat frames on the
	// observer stream.
	HeartbeatInterval time.Duration
	// Registry backs /metrics. If nil a private registry is used, so
	// the endpoint stays up but exposes nothing shared.
	Registry *prometheus.Registry
}

// Server re-publishes coordinator notifications to websocket observers
// and serves the active incident documents over plain HTTP.
type Server struct {
	logger            slog.Logger
	coord             *coordinator.Coordinator
	clock             quartz.Clock
	heartbeatInterval time.Duration
	handler           http.Handler
	metrics           *metrics

	mu        sync.Mutex
	observers map[uuid.UUID]chan coordinator.Notification
}

func New(opts Options) *Server {
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaultHeartbeatInterval
	}
	if opts.Registry == nil {
		opts.Registry = prometheus.NewRegistry()
	}
	s := &Server{
		logger:            opts.Logger,
		coord:             opts.Coordinator,
		clock:             opts.Clock,
		heartbeatInterval: opts.HeartbeatInterval,
		metrics:           newMetrics(opts.Registry),
		observers:         make(map[uuid.UUID]chan coordinator.Notification),
	}

	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(opts.Registry, promhttp.HandlerOpts{}))
	r.Get("/watch", s.watch)
	r.Get("/active_incidents_{center}.json", s.activeIncidents)
	s.handler = r

	s.coord.Subscribe(coordinator.SinkFunc(s.broadcast))
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// broadcast fans a notification out to every observer. It runs on the
// coordinator's event path, so it never blocks: an observer that cannot
// keep up loses frames rather than stalling reconciliation.
func (s *Server) broadcast(n coordinator.Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ch := range s.observers {
		select {
		case ch <- n:
		default:
			s.metrics.framesDropped.Inc()
			s.logger.Debug(context.Background(), "observer too slow, dropping frame",
				slog.F("connection_id", id),
				slog.F("kind", n.Kind),
			)
		}
	}
}

// observerFrame is one JSON message on the /watch stream.
type observerFrame struct {
	Type         string                    `json:"type"`
	ConnectionID string                    `json:"connection_id,omitempty"`
	Timestamp    time.Time                 `json:"timestamp"`
	Notification *coordinator.Notification `json:"notification,omitempty"`
}

func (s *Server) watch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn(ctx, "accept observer websocket", slog.Error(err))
		return
	}

	id := uuid.New()
	notifs := s.addObserver(id)
	defer s.removeObserver(id)

	encoder := wsjson.NewEncoder[observerFrame](conn, websocket.MessageText)
	defer encoder.Close(websocket.StatusNormalClosure)

	logger := s.logger.With(slog.F("connection_id", id))
	logger.Info(ctx, "observer connected")
	defer logger.Info(ctx, "observer disconnected")

	err = encoder.Encode(observerFrame{
		Type:         "welcome",
		ConnectionID: id.String(),
		Timestamp:    s.clock.Now(),
	})
	if err != nil {
		logger.Debug(ctx, "write welcome", slog.Error(err))
		return
	}

	heartbeats := make(chan struct{}, 1)
	tickerDone := s.clock.TickerFunc(ctx, s.heartbeatInterval, func() error {
		select {
		case heartbeats <- struct{}{}:
		default:
		}
		return nil
	}, "watchd-heartbeat")
	defer func() { _ = tickerDone.Wait() }()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeats:
			err := encoder.Encode(observerFrame{Type: "heartbeat", Timestamp: s.clock.Now()})
			if err != nil {
				logger.Debug(ctx, "write heartbeat", slog.Error(err))
				return
			}
		case n := <-notifs:
			if n.Kind == coordinator.NotifyUpdated && n.Delta.Empty() {
				// The snapshot advanced but nothing changed; observers
				// only hear about actual deltas.
				continue
			}
			err := encoder.Encode(observerFrame{
				Type:         "notification",
				Timestamp:    s.clock.Now(),
				Notification: &n,
			})
			if err != nil {
				logger.Debug(ctx, "write notification", slog.Error(err))
				return
			}
		}
	}
}

func (s *Server) addObserver(id uuid.UUID) <-chan coordinator.Notification {
	ch := make(chan coordinator.Notification, observerBuffer)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers[id] = ch
	s.metrics.observers.Set(float64(len(s.observers)))
	return ch
}

func (s *Server) removeObserver(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.observers, id)
	s.metrics.observers.Set(float64(len(s.observers)))
}

// activeDoc is the persisted document shape: what a consumer polling
// instead of watching receives.
type activeDoc struct {
	CenterCode    string               `json:"center_code"`
	CenterName    string               `json:"center_name"`
	IncidentCount int                  `json:"incident_count"`
	Incidents     []incidents.Incident `json:"incidents"`
	LastUpdated   time.Time            `json:"last_updated"`
	Stale         bool                 `json:"stale,omitempty"`
}

func (s *Server) activeIncidents(w http.ResponseWriter, r *http.Request) {
	center := chi.URLParam(r, "center")
	cache := s.coord.Cache()
	entry, ok := cache.Get(center)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error":  "no data for center",
			"center": center,
		})
		return
	}
	snapshot := entry.Snapshot
	if snapshot.Incidents == nil {
		snapshot.Incidents = []incidents.Incident{}
	}
	writeJSON(w, http.StatusOK, activeDoc{
		CenterCode:    snapshot.Center,
		CenterName:    snapshot.CenterName,
		IncidentCount: snapshot.Count(),
		Incidents:     snapshot.Incidents,
		LastUpdated:   snapshot.CapturedAt,
		Stale:         cache.IsStale(entry),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
