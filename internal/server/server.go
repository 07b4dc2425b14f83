// Package server exposes the gateway's client-facing HTTP surface.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/lemonhall/ai-gateway/internal/failover"
	"github.com/lemonhall/ai-gateway/internal/forward"
	"github.com/lemonhall/ai-gateway/internal/history"
	"github.com/lemonhall/ai-gateway/internal/metrics"
	"github.com/lemonhall/ai-gateway/internal/middleware"
	"github.com/lemonhall/ai-gateway/internal/registry"
	"github.com/lemonhall/ai-gateway/internal/routing"
	"github.com/lemonhall/ai-gateway/internal/stats"
)

// Config holds the HTTP server configuration.
type Config struct {
	Host           string        `yaml:"host"`
	Port           string        `yaml:"port"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	MaxHeaderBytes int           `yaml:"max_header_bytes"`
	MaxRequestSize int64         `yaml:"max_request_size"`
}

// Server wires the router, forwarder and failover coordinator behind the
// OpenAI-compatible endpoint.
type Server struct {
	registry   *registry.Registry
	store      *stats.Store
	router     *routing.Router
	failover   *failover.Coordinator
	history    *history.Store // nil when history is disabled
	validation *middleware.ValidationMiddleware
	httpServer *http.Server
	logger     *logrus.Logger
	config     Config
}

// NewServer creates a server instance. history may be nil.
func NewServer(reg *registry.Registry, store *stats.Store, router *routing.Router, fo *failover.Coordinator, hist *history.Store, validation middleware.ValidationConfig, config Config, logger *logrus.Logger) (*Server, error) {
	s := &Server{
		registry: reg,
		store:    store,
		router:   router,
		failover: fo,
		history:  hist,
		logger:   logger,
		config:   config,
	}

	vm, err := middleware.NewValidationMiddleware(openapiSpec, validation, logger)
	if err != nil {
		return nil, fmt.Errorf("initialize validation middleware: %w", err)
	}
	s.validation = vm

	return s, nil
}

// Start begins serving. It blocks until the listener fails or Stop is
// called.
func (s *Server) Start() error {
	r := s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:           s.config.Host + ":" + s.config.Port,
		Handler:        r,
		ReadTimeout:    s.config.ReadTimeout,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
	}

	s.logger.WithField("address", s.httpServer.Addr).Info("Starting AI gateway server")
	return s.httpServer.ListenAndServe()
}

// Stop shuts the HTTP server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping AI gateway server")
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the fully assembled route tree, exported for tests.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() *mux.Router {
	r := mux.NewRouter()

	r.Use(s.validation.Middleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.contentTypeMiddleware)

	api := r.PathPrefix("/v1").Subrouter()
	api.HandleFunc("/chat/completions", s.handleChatCompletion).Methods("POST")
	api.HandleFunc("/providers", s.handleProviders).Methods("GET")
	api.HandleFunc("/providers/history", s.handleProviderHistory).Methods("GET")
	api.HandleFunc("/routing/decision", s.handleRoutingDecision).Methods("GET")

	r.HandleFunc("/health", s.handleHealthCheck).Methods("GET")
	r.Handle("/metrics", metrics.Handler()).Methods("GET")
	r.HandleFunc("/docs/openapi.yaml", s.handleOpenAPISpec).Methods("GET")
	r.HandleFunc("/docs/openapi.json", s.handleOpenAPISpec).Methods("GET")

	return r
}

// Middleware

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		metrics.HTTPRequests.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(wrapped.statusCode)).Inc()
		s.logger.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      wrapped.statusCode,
			"duration_ms": time.Since(start).Milliseconds(),
			"remote_addr": r.RemoteAddr,
		}).Info("HTTP request")
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) contentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			contentType := r.Header.Get("Content-Type")
			if contentType != "" && contentType != "application/json" {
				s.writeDetail(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// Handlers

// handleChatCompletion routes, forwards and relays one chat-completion
// request, buffered or streaming.
func (s *Server) handleChatCompletion(w http.ResponseWriter, r *http.Request) {
	maxSize := s.config.MaxRequestSize
	if maxSize <= 0 {
		maxSize = 10 << 20
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxSize))
	if err != nil {
		s.writeDetail(w, http.StatusBadRequest, fmt.Sprintf("Failed to read request body: %v", err))
		return
	}

	primary, ok := s.router.Best()
	if !ok {
		s.writeDetail(w, http.StatusServiceUnavailable, "No available AI providers")
		return
	}

	result, err := s.failover.Execute(r.Context(), primary, body)
	if err != nil {
		var upstreamErr *forward.UpstreamError
		if errors.As(err, &upstreamErr) {
			s.writeDetail(w, upstreamErr.StatusCode, "Upstream error: "+upstreamErr.Body)
			return
		}
		s.writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}

	if result.Streaming() {
		s.relayStream(w, r, result)
		return
	}

	copyUpstreamHeaders(w.Header(), result.Header)
	w.WriteHeader(result.StatusCode)
	w.Write(result.Body)
}

// relayStream copies upstream chunks to the client as they arrive. Once
// the first byte is written no failover is possible; errors simply end
// the stream.
func (s *Server) relayStream(w http.ResponseWriter, r *http.Request, result *forward.Result) {
	defer result.Stream.Close()

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeDetail(w, http.StatusInternalServerError, "Streaming unsupported by connection")
		return
	}

	copyUpstreamHeaders(w.Header(), result.Header)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(result.StatusCode)
	flusher.Flush()

	buf := make([]byte, 4096)
	for {
		n, err := result.Stream.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				s.logger.WithError(werr).Debug("Client disconnected during stream")
				return
			}
			flusher.Flush()
		}
		if err != nil {
			if err != io.EOF && r.Context().Err() == nil {
				s.logger.WithError(err).WithField("provider", result.Provider).Warn("Upstream stream ended with error")
			}
			return
		}
	}
}

// handleProviders returns every provider's statistics snapshot in
// declared order.
func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	type providerStatus struct {
		Name       string              `json:"name"`
		Model      string              `json:"model"`
		BaseURL    string              `json:"base_url"`
		Configured bool                `json:"configured"`
		Stats      stats.ProviderStats `json:"stats"`
	}

	var out []providerStatus
	for _, p := range s.registry.Providers() {
		snapshot, _ := s.store.Snapshot(p.Name)
		out = append(out, providerStatus{
			Name:       p.Name,
			Model:      p.Model,
			BaseURL:    p.BaseURL,
			Configured: p.Configured(),
			Stats:      snapshot,
		})
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"providers": out,
		"count":     len(out),
	})
}

// handleProviderHistory returns the most recent probe outcomes.
func (s *Server) handleProviderHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeDetail(w, http.StatusNotFound, "Probe history is disabled")
		return
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			s.writeDetail(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	records, err := s.history.Recent(limit)
	if err != nil {
		s.writeDetail(w, http.StatusInternalServerError, fmt.Sprintf("Failed to read history: %v", err))
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"history": records,
		"count":   len(records),
	})
}

// handleRoutingDecision explains the current routing choice without
// dispatching a request.
func (s *Server) handleRoutingDecision(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.router.Decide())
}

// handleHealthCheck reports gateway liveness and the current best
// provider.
func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	best, ok := s.router.Best()

	response := map[string]any{
		"status":    "degraded",
		"providers": s.store.All(),
		"timestamp": time.Now().Unix(),
	}
	statusCode := http.StatusServiceUnavailable
	if ok {
		response["status"] = "healthy"
		response["best_provider"] = best.Name
		statusCode = http.StatusOK
	}

	s.writeJSON(w, statusCode, response)
}

// Helpers

// copyUpstreamHeaders relays upstream response headers, dropping
// hop-by-hop and length fields that no longer hold.
func copyUpstreamHeaders(dst, src http.Header) {
	skip := map[string]bool{
		"Connection":        true,
		"Keep-Alive":        true,
		"Transfer-Encoding": true,
		"Content-Length":    true,
		"Upgrade":           true,
	}
	for key, values := range src {
		if skip[key] {
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}

// writeDetail emits the gateway's error shape.
func (s *Server) writeDetail(w http.ResponseWriter, statusCode int, detail string) {
	s.writeJSON(w, statusCode, map[string]string{"detail": detail})
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush implements http.Flusher for streaming support.
func (rw *responseWriter) Flush() {
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}
