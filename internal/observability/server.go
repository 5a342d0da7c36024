package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/atlas-desktop/strategy-pipeline/internal/storage"
	"github.com/atlas-desktop/strategy-pipeline/pkg/types"
)

// ServerConfig configures the ops HTTP server.
type ServerConfig struct {
	Host           string        `json:"host" mapstructure:"host"`
	Port           int           `json:"port" mapstructure:"port"`
	ReadTimeout    time.Duration `json:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `json:"write_timeout" mapstructure:"write_timeout"`
	AllowedOrigins []string      `json:"allowed_origins" mapstructure:"allowed_origins"`
}

// DefaultServerConfig returns the default ops server configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:           "0.0.0.0",
		Port:           9090,
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   15 * time.Second,
		AllowedOrigins: []string{"*"},
	}
}

// LiveStrategy is one row of the /status LIVE roster.
type LiveStrategy struct {
	Name            string `json:"name"`
	Category        string `json:"category"`
	Interval        string `json:"interval"`
	OptimalInterval string `json:"optimal_interval,omitempty"`
	Symbols         int    `json:"symbols"`
}

// StatusReport is the payload served on /status and printed by the CLI.
type StatusReport struct {
	Role          string                     `json:"role"`
	Time          time.Time                  `json:"time"`
	UptimeSeconds float64                    `json:"uptime_seconds"`
	Queues        map[string]int             `json:"queues"`
	Live          []LiveStrategy             `json:"live"`
	Events        []storage.StageStatusCount `json:"events_24h"`
}

// Server is the ops HTTP server: health, status, metrics.
type Server struct {
	logger     *zap.Logger
	config     ServerConfig
	role       string
	router     *mux.Router
	httpServer *http.Server
	metrics    *Metrics
	stores     *storage.Stores
	started    time.Time
}

// NewServer creates the ops server for one role process.
func NewServer(logger *zap.Logger, config ServerConfig, role string, metrics *Metrics, stores *storage.Stores) *Server {
	s := &Server{
		logger:  logger.Named("ops"),
		config:  config,
		role:    role,
		router:  mux.NewRouter(),
		metrics: metrics,
		stores:  stores,
		started: time.Now(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/status", s.handleStatus).Methods("GET")
	s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")
}

// Router exposes the route table for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	handler := cors.New(cors.Options{
		AllowedOrigins: s.config.AllowedOrigins,
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	}).Handler(s.router)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info("starting ops server", zap.String("addr", addr))
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop gracefully stops the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Snapshot assembles the status report. The CLI status command shares it
// with the /status handler.
func Snapshot(ctx context.Context, role string, uptime time.Duration, stores *storage.Stores) (*StatusReport, error) {
	counts, err := stores.Strategies.CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("count queues: %w", err)
	}

	queues := make(map[string]int, len(counts))
	for status, n := range counts {
		queues[string(status)] = n
	}

	liveRows, err := stores.Strategies.ListByStatus(ctx, types.StatusLive, 0)
	if err != nil {
		return nil, fmt.Errorf("list live strategies: %w", err)
	}
	live := make([]LiveStrategy, 0, len(liveRows))
	for _, st := range liveRows {
		live = append(live, LiveStrategy{
			Name:            st.Name,
			Category:        string(st.Category),
			Interval:        string(st.Interval),
			OptimalInterval: string(st.OptimalInterval),
			Symbols:         len(st.Symbols),
		})
	}

	breakdown, err := stores.Events.CountByStageStatus(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		return nil, fmt.Errorf("event breakdown: %w", err)
	}

	return &StatusReport{
		Role:          role,
		Time:          time.Now().UTC(),
		UptimeSeconds: uptime.Seconds(),
		Queues:        queues,
		Live:          live,
		Events:        breakdown,
	}, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status": "healthy",
		"role":   s.role,
		"time":   time.Now().Unix(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	report, err := Snapshot(r.Context(), s.role, time.Since(s.started), s.stores)
	if err != nil {
		s.logger.Warn("status snapshot failed", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(report)
}

// UpdateQueueDepths pushes CountByStatus into the queue depth gauges.
func (s *Server) UpdateQueueDepths(ctx context.Context) {
	counts, err := s.stores.Strategies.CountByStatus(ctx)
	if err != nil {
		return
	}
	for status, n := range counts {
		s.metrics.QueueDepth.WithLabelValues(string(status)).Set(float64(n))
	}
}
