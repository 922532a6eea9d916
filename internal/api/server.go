package api

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/mev-engine/arb-economics/internal/config"
)

// Server implements the operator REST API
type Server struct {
	config      config.ServerConfig
	server      *http.Server
	handlers    *Handlers
	rateLimiter *RateLimiter
	stream      *EventStream
	logger      *zap.Logger

	mu       sync.Mutex
	listener net.Listener
	cancel   context.CancelFunc
}

// NewServer creates a new API server
func NewServer(cfg config.ServerConfig, handlers *Handlers, stream *EventStream, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if stream == nil {
		stream = NewEventStream(logger)
	}

	s := &Server{
		config:      cfg,
		handlers:    handlers,
		rateLimiter: NewRateLimiter(cfg.RateLimit, cfg.RateBurst),
		stream:      stream,
		logger:      logger,
	}
	s.setupServer()
	return s
}

// Start binds the listener and serves in the background
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return errors.New("API server already started")
	}

	listener, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}
	s.listener = listener

	// The fx start context ends once startup completes; background loops
	// run until Stop.
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	if err := s.stream.Start(runCtx); err != nil {
		cancel()
		listener.Close()
		s.listener = nil
		return fmt.Errorf("failed to start event stream: %w", err)
	}
	go s.rateLimiterCleanup(runCtx)

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", zap.Error(err))
		}
	}()

	s.logger.Info("API server started", zap.String("addr", listener.Addr().String()))
	return nil
}

// Stop gracefully shuts the server down
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return nil
	}

	if err := s.stream.Stop(ctx); err != nil {
		s.logger.Warn("error stopping event stream", zap.Error(err))
	}
	if s.cancel != nil {
		s.cancel()
	}
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown API server: %w", err)
	}
	s.listener = nil

	s.logger.Info("API server stopped")
	return nil
}

// Addr returns the bound address, or the configured one before Start
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.server.Addr
}

// GetRouter returns the HTTP handler
func (s *Server) GetRouter() http.Handler {
	return s.server.Handler
}

// setupServer configures the HTTP server and routes
func (s *Server) setupServer() {
	router := mux.NewRouter()

	origins := s.config.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
	})

	// Setup middleware chain
	router.Use(s.loggingMiddleware)
	router.Use(s.rateLimiter.RateLimitMiddleware)

	router.HandleFunc("/health", s.handlers.HealthCheck).Methods(http.MethodGet)
	router.HandleFunc("/metrics", s.handlers.Metrics).Methods(http.MethodGet)
	router.HandleFunc("/ws", s.stream.HandleWebSocket)

	api := router.PathPrefix("/api/v1").Subrouter()

	// Telemetry
	api.HandleFunc("/breaker", s.handlers.GetBreaker).Methods(http.MethodGet)
	api.HandleFunc("/breaker/export", s.handlers.ExportBreaker).Methods(http.MethodGet)
	api.HandleFunc("/tips", s.handlers.GetTips).Methods(http.MethodGet)
	api.HandleFunc("/history", s.handlers.GetHistory).Methods(http.MethodGet)
	api.HandleFunc("/alerts", s.handlers.GetAlerts).Methods(http.MethodGet)
	api.HandleFunc("/summary", s.handlers.GetSummary).Methods(http.MethodGet)

	// Operator actions
	api.HandleFunc("/breaker/reset", s.handlers.ResetBreaker).Methods(http.MethodPost)
	api.HandleFunc("/alerts/{id}/ack", s.handlers.AcknowledgeAlert).Methods(http.MethodPost)

	// Executor
	api.HandleFunc("/evaluate", s.handlers.Evaluate).Methods(http.MethodPost)
	api.HandleFunc("/outcomes", s.handlers.RecordOutcome).Methods(http.MethodPost)

	s.server = &http.Server{
		Addr:         s.config.Addr(),
		Handler:      c.Handler(router),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapper, r)

		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", wrapper.statusCode),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote", r.RemoteAddr))
	})
}

// rateLimiterCleanup periodically cleans up idle client limiters
func (s *Server) rateLimiterCleanup(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.rateLimiter.CleanupExpiredClients()
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrader take over the connection
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return hijacker.Hijack()
}
