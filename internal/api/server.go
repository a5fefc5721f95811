// Package api provides the HTTP and WebSocket surface of the trading server.
// All routes live under /api/v1; error kinds map onto status codes in
// writeErr.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/crestline-labs/trading-core/internal/auth"
	"github.com/crestline-labs/trading-core/internal/broker/sim"
	"github.com/crestline-labs/trading-core/internal/coordination"
	"github.com/crestline-labs/trading-core/internal/execution"
	"github.com/crestline-labs/trading-core/internal/journal"
	"github.com/crestline-labs/trading-core/internal/metrics"
	"github.com/crestline-labs/trading-core/internal/risk"
	"github.com/crestline-labs/trading-core/internal/settings"
	"github.com/crestline-labs/trading-core/internal/store"
	"github.com/crestline-labs/trading-core/pkg/apperr"
	"github.com/crestline-labs/trading-core/pkg/types"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

// Config controls the HTTP listener.
type Config struct {
	Port           int
	AllowedOrigins []string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
}

// Deps carries the wired components the handlers call into.
type Deps struct {
	Store     *store.Store
	Auth      *auth.Service
	Settings  *settings.Service
	Validator *risk.Validator
	Monitor   *risk.Monitor
	Engine    *execution.Engine
	Pipeline  *coordination.Pipeline
	States    *coordination.StateManager
	Bus       *coordination.Bus
	Health    *coordination.HealthMonitor
	Journal   *journal.Writer
	Analyzer  *journal.Analyzer
	Feedback  *journal.FeedbackLoop
	Sim       *sim.Broker
	Metrics   *metrics.Metrics
}

// Server is the HTTP API server.
type Server struct {
	logger     *zap.Logger
	config     Config
	deps       Deps
	router     *mux.Router
	httpServer *http.Server
	hub        *Hub
	started    time.Time
}

// NewServer creates the API server and registers all routes.
func NewServer(logger *zap.Logger, cfg Config, deps Deps) *Server {
	s := &Server{
		logger:  logger.Named("api"),
		config:  cfg,
		deps:    deps,
		router:  mux.NewRouter(),
		hub:     NewHub(logger),
		started: time.Now().UTC(),
	}
	s.setupRoutes()
	return s
}

// EventHub exposes the WebSocket broadcast hub so components can push events.
func (s *Server) EventHub() *Hub { return s.hub }

func (s *Server) setupRoutes() {
	r := s.router.PathPrefix("/api/v1").Subrouter()
	r.Use(s.instrument)
	r.Use(s.authenticate)

	// Auth
	r.HandleFunc("/auth/register", s.handleRegister).Methods("POST")
	r.HandleFunc("/auth/login", s.handleLogin).Methods("POST")
	r.HandleFunc("/auth/refresh", s.handleRefresh).Methods("POST")
	r.HandleFunc("/auth/logout", s.handleLogout).Methods("POST")
	r.HandleFunc("/auth/me", s.handleMe).Methods("GET")

	// Settings and modes
	r.HandleFunc("/settings", s.handleGetSettings).Methods("GET")
	r.HandleFunc("/settings", s.handleUpdateSettings).Methods("POST")
	r.HandleFunc("/settings/mode", s.handleGetMode).Methods("GET")
	r.HandleFunc("/settings/mode", s.handleSetMode).Methods("POST")
	r.HandleFunc("/settings/audit", s.handleSettingsAudit).Methods("GET")
	r.HandleFunc("/settings/constants", s.handleConstants).Methods("GET")
	r.HandleFunc("/settings/preferences", s.handleGetPreferences).Methods("GET")
	r.HandleFunc("/settings/preferences", s.handleSetPreference).Methods("POST", "PUT")

	// Execution mode and the simulation account
	r.HandleFunc("/execution-mode", s.handleGetExecutionMode).Methods("GET")
	r.HandleFunc("/execution-mode", s.handleChangeExecutionMode).Methods("POST")
	r.HandleFunc("/execution-mode/audit", s.handleExecutionModeAudit).Methods("GET")
	r.HandleFunc("/simulation/account", s.handleSimAccount).Methods("GET")
	r.HandleFunc("/simulation/reset", s.handleSimReset).Methods("POST")
	r.HandleFunc("/simulation/settings", s.handleSimSettings).Methods("GET")
	r.HandleFunc("/simulation/settings", s.handleSimUpdateSettings).Methods("POST")
	r.HandleFunc("/simulation/positions", s.handleSimPositions).Methods("GET")
	r.HandleFunc("/simulation/audit", s.handleSimAudit).Methods("GET")

	// Execution
	r.HandleFunc("/execution/execute", s.handleExecute).Methods("POST")
	r.HandleFunc("/execution/cancel/{order_id}", s.handleCancel).Methods("POST")
	r.HandleFunc("/execution/orders", s.handleListOrders).Methods("GET")
	r.HandleFunc("/execution/orders/{id}", s.handleGetOrder).Methods("GET")
	r.HandleFunc("/execution/logs/{order_id}", s.handleExecutionLogs).Methods("GET")

	// Risk
	r.HandleFunc("/risk/validate", s.handleRiskValidate).Methods("POST")
	r.HandleFunc("/risk/state", s.handleRiskState).Methods("GET")
	r.HandleFunc("/risk/decisions", s.handleRiskDecisions).Methods("GET")
	r.HandleFunc("/risk/budgets", s.handleRiskBudgets).Methods("GET")
	r.HandleFunc("/risk/limits", s.handleRiskLimits).Methods("GET")
	r.HandleFunc("/risk/emergency/reset", s.handleEmergencyReset).Methods("POST")
	r.HandleFunc("/risk/daily/reset", s.handleDailyReset).Methods("POST")
	r.HandleFunc("/risk/strategy/enable", s.handleEnableStrategy).Methods("POST")

	// Coordination
	r.HandleFunc("/coordination/cycle", s.handleRunCycle).Methods("POST")
	r.HandleFunc("/coordination/halt", s.handleHalt).Methods("POST")
	r.HandleFunc("/coordination/cycle/{id}", s.handleGetCycle).Methods("GET")
	r.HandleFunc("/coordination/cycles", s.handleListCycles).Methods("GET")
	r.HandleFunc("/coordination/messages", s.handleMessages).Methods("GET")
	r.HandleFunc("/coordination/health", s.handleAgentHealth).Methods("GET")
	r.HandleFunc("/coordination/health/{agent}/heartbeat", s.handleAgentHeartbeat).Methods("POST")
	r.HandleFunc("/coordination/health/{agent}/initialize", s.handleAgentInitialize).Methods("POST")
	r.HandleFunc("/coordination/health/{agent}/reset", s.handleAgentReset).Methods("POST")

	// Journal
	r.HandleFunc("/journal/entries", s.handleJournalEntries).Methods("GET")
	r.HandleFunc("/journal/entries/{entry_id}", s.handleJournalEntry).Methods("GET")
	r.HandleFunc("/journal/stats", s.handleJournalStats).Methods("GET")
	r.HandleFunc("/journal/analyze/{strategy}/{symbol}", s.handleJournalAnalyze).Methods("GET")
	r.HandleFunc("/journal/underperformance/{strategy}/{symbol}", s.handleUnderperformance).Methods("GET")
	r.HandleFunc("/journal/feedback/{strategy}/{symbol}", s.handleFeedback).Methods("POST")
	r.HandleFunc("/journal/feedback/batch", s.handleFeedbackBatch).Methods("POST")
	r.HandleFunc("/journal/feedback/decisions", s.handleFeedbackDecisions).Methods("GET")
	r.HandleFunc("/journal/snapshots", s.handleSnapshots).Methods("GET")
	r.HandleFunc("/journal/snapshots/{strategy}/{symbol}", s.handleTakeSnapshot).Methods("POST")

	// Health
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.HandleFunc("/health/live", s.handleLive).Methods("GET")
	r.HandleFunc("/health/ready", s.handleReady).Methods("GET")
	r.HandleFunc("/health/detailed", s.handleHealthDetailed).Methods("GET")

	// WebSocket event stream
	r.HandleFunc("/ws", s.hub.handleWebSocket)

	if s.deps.Metrics != nil {
		s.router.Handle("/metrics", s.deps.Metrics.Handler()).Methods("GET")
	}
}

// Handler returns the full handler chain, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return cors.New(cors.Options{
		AllowedOrigins:   s.config.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.router)
}

// Start runs the HTTP server until Stop or a listener error.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	s.logger.Info("Starting API server", zap.String("addr", addr))
	return s.httpServer.ListenAndServe()
}

// Stop gracefully stops the server.
func (s *Server) Stop(ctx context.Context) error {
	s.hub.Close()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

type ctxKey int

const ctxUser ctxKey = iota

// publicRoutes need no bearer token.
var publicRoutes = map[string]bool{
	"/api/v1/auth/register": true,
	"/api/v1/auth/login":    true,
	"/api/v1/auth/refresh":  true,
}

// authenticate resolves the bearer token on every request and enforces it on
// writes. Reads stay open; health and metrics are always open.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token := bearerToken(r); token != "" && s.deps.Auth != nil {
			if user, err := s.deps.Auth.Authenticate(token); err == nil {
				r = r.WithContext(context.WithValue(r.Context(), ctxUser, user))
			}
		}
		needsAuth := r.Method != http.MethodGet &&
			!publicRoutes[r.URL.Path] &&
			!strings.HasPrefix(r.URL.Path, "/api/v1/ws")
		if r.URL.Path == "/api/v1/auth/me" {
			needsAuth = true
		}
		if needsAuth && userFrom(r) == nil {
			s.writeErr(w, apperr.E(apperr.KindAuth, "authentication required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

func userFrom(r *http.Request) *types.User {
	u, _ := r.Context().Value(ctxUser).(*types.User)
	return u
}

// actor returns the identity written into audit rows.
func actor(r *http.Request) string {
	if u := userFrom(r); u != nil {
		return u.Email
	}
	return "anonymous"
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tmpl, err := cur.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		s.deps.Metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		s.deps.Metrics.HTTPDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Encode response", zap.Error(err))
	}
}

// writeErr maps error kinds onto HTTP status codes.
func (s *Server) writeErr(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case apperr.KindValidation:
		status = http.StatusBadRequest
	case apperr.KindAuth:
		status = http.StatusUnauthorized
	case apperr.KindPolicy:
		status = http.StatusForbidden
	case apperr.KindPrecondition:
		status = http.StatusPreconditionRequired
	case apperr.KindNotFound:
		status = http.StatusNotFound
	case apperr.KindConflict:
		status = http.StatusConflict
	case apperr.KindDependency:
		status = http.StatusServiceUnavailable
	case apperr.KindTimeout:
		status = http.StatusGatewayTimeout
	}
	if status >= 500 {
		s.logger.Error("Request failed", zap.String("kind", string(kind)), zap.Error(err))
	}
	s.writeJSON(w, status, map[string]any{
		"error": err.Error(),
		"kind":  string(kind),
	})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeErr(w, apperr.Wrap(apperr.KindValidation, "decode request body", err))
		return false
	}
	return true
}

func limitParam(r *http.Request, def int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// Health endpoints.

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":  "healthy",
		"uptime":  time.Since(s.started).String(),
		"time":    time.Now().UTC(),
		"version": "v1",
	})
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.Ping(); err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"store":  err.Error(),
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleHealthDetailed(w http.ResponseWriter, r *http.Request) {
	components := map[string]any{}
	status := http.StatusOK

	if err := s.deps.Store.Ping(); err != nil {
		components["store"] = map[string]string{"status": "unhealthy", "error": err.Error()}
		status = http.StatusServiceUnavailable
	} else {
		components["store"] = map[string]string{"status": "healthy"}
	}

	brokers := map[string]string{}
	for _, bt := range []string{sim.BrokerType} {
		if adapter, ok := s.deps.Engine.Adapter(bt); ok {
			if err := adapter.HealthCheck(r.Context()); err != nil {
				brokers[bt] = "unhealthy"
			} else {
				brokers[bt] = "healthy"
			}
		}
	}
	components["brokers"] = brokers

	if s.deps.Health != nil {
		agents, err := s.deps.Health.CheckAll()
		if err == nil {
			components["agents"] = agents
			for _, ok := range agents {
				if !ok {
					status = http.StatusServiceUnavailable
				}
			}
		}
	}

	s.writeJSON(w, status, map[string]any{
		"status":     http.StatusText(status),
		"uptime":     time.Since(s.started).String(),
		"components": components,
	})
}
