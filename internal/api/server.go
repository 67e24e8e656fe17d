// Package api implements the HTTP turn API and the websocket event feed.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/nugget/aki/internal/agent"
	"github.com/nugget/aki/internal/buildinfo"
	"github.com/nugget/aki/internal/connwatch"
	"github.com/nugget/aki/internal/events"
	"github.com/nugget/aki/internal/llm"
	"github.com/nugget/aki/internal/session"
	"github.com/nugget/aki/internal/usage"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// TurnStarter starts turns in the background.
type TurnStarter interface {
	Start(ctx context.Context, st *agent.State, input llm.Message, sink events.Sink) *agent.Turn
}

// HealthReporter reports the reachability of external services.
type HealthReporter interface {
	Status() map[string]connwatch.Status
}

// UsageReporter answers per-conversation usage queries.
type UsageReporter interface {
	ConversationSummary(ctx context.Context, conversationID string) (*usage.Summary, error)
}

// Server is the HTTP API server.
type Server struct {
	address string
	port    int
	engine  TurnStarter
	store   session.Store
	bus     *events.Bus
	usage   UsageReporter
	health  HealthReporter
	logger  *slog.Logger
	server  *http.Server

	// model and workspace seed conversations created by a first turn.
	model     agent.ModelConfig
	workspace string

	upgrader websocket.Upgrader
	quit     chan struct{}
	quitOnce sync.Once

	mu     sync.Mutex
	active map[string]*slot
}

// slot tracks the in-flight turn of one conversation. A stop request
// that arrives before the turn has started is applied when it attaches.
type slot struct {
	mu   sync.Mutex
	turn *agent.Turn
	stop bool
}

func (sl *slot) attach(t *agent.Turn) {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	sl.turn = t
	if sl.stop {
		t.Stop()
	}
}

func (sl *slot) requestStop() {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	sl.stop = true
	if sl.turn != nil {
		sl.turn.Stop()
	}
}

// NewServer creates a new API server.
func NewServer(address string, port int, engine TurnStarter, store session.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		engine:  engine,
		store:   store,
		logger:  logger.With("component", "api"),
		quit:    make(chan struct{}),
		active:  make(map[string]*slot),
	}
}

// SetBus configures the bus relayed by the websocket endpoint.
func (s *Server) SetBus(bus *events.Bus) {
	s.bus = bus
}

// SetUsage configures the usage endpoint.
func (s *Server) SetUsage(u UsageReporter) {
	s.usage = u
}

// SetHealth configures the service status shown by the health endpoint.
func (s *Server) SetHealth(h HealthReporter) {
	s.health = h
}

// SetDefaults configures the model and workspace of new conversations.
func (s *Server) SetDefaults(model agent.ModelConfig, workspace string) {
	s.model = model
	s.workspace = workspace
}

// Handler returns the routed handler. Start serves it; tests use it
// directly.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.withLogging)

	r.Get("/", s.handleRoot)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/version", s.handleVersion)
		r.Get("/events", s.handleEvents)

		r.Get("/conversations", s.handleConversationList)
		r.Route("/conversations/{id}", func(r chi.Router) {
			r.Get("/", s.handleConversationGet)
			r.Delete("/", s.handleConversationDelete)
			r.Post("/turns", s.handleTurn)
			r.Delete("/turn", s.handleStop)
			r.Get("/usage", s.handleConversationUsage)
		})
	})
	return r
}

// Start begins serving HTTP requests.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		// Turn handlers clear their own write deadline.
		WriteTimeout: 120 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server. In-flight turns are stopped and
// websocket feeds are closed.
func (s *Server) Shutdown(ctx context.Context) error {
	s.quitOnce.Do(func() { close(s.quit) })
	s.mu.Lock()
	for _, sl := range s.active {
		sl.requestStop()
	}
	s.mu.Unlock()
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "Aki",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	inFlight := len(s.active)
	s.mu.Unlock()

	status := "healthy"
	var services map[string]connwatch.Status
	if s.health != nil {
		services = s.health.Status()
		for _, st := range services {
			if !st.Ready {
				status = "degraded"
			}
		}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"status":          status,
		"turns_in_flight": inFlight,
		"subscribers":     s.bus.SubscriberCount(),
		"services":        services,
	}, s.logger)
}

// claim reserves the conversation for one turn. It returns nil when a
// turn is already in flight.
func (s *Server) claim(id string) *slot {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.active[id]; busy {
		return nil
	}
	sl := &slot{}
	s.active[id] = sl
	return sl
}

func (s *Server) release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, id)
}

func (s *Server) inFlight(id string) *slot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active[id]
}

func (s *Server) handleConversationList(w http.ResponseWriter, r *http.Request) {
	limit := parseIntParam(r, "limit", 20)
	infos, err := s.store.List(r.Context(), limit)
	if err != nil {
		s.logger.Error("list conversations failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}
	if infos == nil {
		infos = []session.Info{}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"conversations": infos}, s.logger)
}

func (s *Server) handleConversationGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	st, err := s.store.Load(r.Context(), id)
	if errors.Is(err, session.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		s.logger.Error("load conversation failed", "conversation", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to load conversation")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, st.Flatten(), s.logger)
}

func (s *Server) handleConversationDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if s.inFlight(id) != nil {
		s.errorResponse(w, http.StatusConflict, "a turn is in flight for this conversation")
		return
	}
	err := s.store.Delete(r.Context(), id)
	if errors.Is(err, session.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		s.logger.Error("delete conversation failed", "conversation", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to delete conversation")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleConversationUsage(w http.ResponseWriter, r *http.Request) {
	if s.usage == nil {
		s.errorResponse(w, http.StatusNotFound, "usage tracking is not enabled")
		return
	}
	id := chi.URLParam(r, "id")
	sum, err := s.usage.ConversationSummary(r.Context(), id)
	if err != nil {
		s.logger.Error("usage query failed", "conversation", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to query usage")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"conversation_id": id,
		"records":         sum.TotalRecords,
		"input_tokens":    sum.TotalInputTokens,
		"output_tokens":   sum.TotalOutputTokens,
		"cache_read":      sum.TotalCacheRead,
		"cache_write":     sum.TotalCacheWrite,
		"cost_usd":        sum.TotalCostUSD,
	}, s.logger)
}

// StopTurn requests a stop of the conversation's in-flight turn. It
// reports false when no turn is running.
func (s *Server) StopTurn(id string) bool {
	sl := s.inFlight(id)
	if sl == nil {
		return false
	}
	sl.requestStop()
	return true
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.StopTurn(id) {
		s.errorResponse(w, http.StatusNotFound, "no turn in flight")
		return
	}
	s.logger.Info("turn stop requested", "conversation", id)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, map[string]string{"status": "stopping"}, s.logger)
}

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return defaultVal
	}
	return n
}
