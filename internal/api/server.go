// Package api is the HTTP surface: commands under POST /v1/commands/<name>,
// reads under GET /v1/..., a live SSE event stream, and webhook
// subscription management. All state changes go through the command
// service; the handlers only translate HTTP to and from it.
package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/wvsnp/backend/internal/commands"
	"github.com/wvsnp/backend/internal/events"
	"github.com/wvsnp/backend/internal/query"
	"github.com/wvsnp/backend/internal/webhooks"
)

// Server routes HTTP traffic to the command and query services.
type Server struct {
	svc      *commands.Service
	query    *query.Service
	bus      *events.Bus
	registry *webhooks.Registry
	metrics  http.Handler
	log      *zap.Logger
	router   *mux.Router
}

// Config carries the optional pieces. Metrics is the /metrics handler
// (promhttp for the service registry); nil disables the endpoint. Bus nil
// disables the SSE stream; Registry nil disables webhook management.
type Config struct {
	Bus      *events.Bus
	Registry *webhooks.Registry
	Metrics  http.Handler
	Log      *zap.Logger
}

// New builds the router.
func New(svc *commands.Service, q *query.Service, cfg Config) *Server {
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	s := &Server{
		svc:      svc,
		query:    q,
		bus:      cfg.Bus,
		registry: cfg.Registry,
		metrics:  cfg.Metrics,
		log:      cfg.Log.Named("api"),
		router:   mux.NewRouter(),
	}
	s.routes()
	return s
}

// Handler returns the root handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	s.router.Use(s.cors, s.logRequests)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	}

	v1 := s.router.PathPrefix("/v1").Subrouter()
	s.commandRoutes(v1)
	s.queryRoutes(v1)
	if s.bus != nil {
		v1.HandleFunc("/events/stream", s.handleStream).Methods(http.MethodGet)
	}
	if s.registry != nil {
		v1.HandleFunc("/webhooks", s.handleRegisterWebhook).Methods(http.MethodPost)
		v1.HandleFunc("/webhooks", s.handleListWebhooks).Methods(http.MethodGet)
		v1.HandleFunc("/webhooks/{id}", s.handleUnregisterWebhook).Methods(http.MethodDelete)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers",
			"Content-Type, X-Idempotency-Key, X-Correlation-ID, X-Actor-ID, X-Actor-Kind")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		s.log.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("elapsed", time.Since(start)))
	})
}
