package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/quillhq/ledgerguard/internal/config"
)

// Server represents the HTTP API server
type Server struct {
	server   *http.Server
	handlers *Handlers
	logger   *logrus.Logger
}

// NewServer creates a new API server
func NewServer(cfg *config.ServerConfig, handlers *Handlers, logger *logrus.Logger) *Server {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", handlers.HealthCheck)

	mux.HandleFunc("/api/v1/pool/stats", handlers.GetPoolStats)
	mux.HandleFunc("/api/v1/cache/stats", handlers.GetCacheStats)

	mux.HandleFunc("/api/v1/limits", handlers.GetLimits)
	mux.HandleFunc("/api/v1/limits/violations", handlers.GetViolations)

	mux.HandleFunc("/api/v1/accounts/balances", handlers.GetBalances)
	mux.HandleFunc("/api/v1/accounts/transactions", handlers.GetTransactions)

	mux.HandleFunc("/api/v1/monitor/events", handlers.GetEvents)
	mux.HandleFunc("/api/v1/monitor/alerts", handlers.GetAlerts)
	mux.HandleFunc("/api/v1/monitor/alerts/ack", handlers.AckAlert)
	mux.HandleFunc("/api/v1/monitor/events/ack", handlers.AckEvent)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      loggingMiddleware(mux, logger),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return &Server{
		server:   server,
		handlers: handlers,
		logger:   logger,
	}
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Infof("Starting HTTP server on %s", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	return nil
}

// Stop gracefully shuts down the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server...")
	return s.server.Shutdown(ctx)
}

// loggingMiddleware logs HTTP requests
func loggingMiddleware(next http.Handler, logger *logrus.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapper := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapper, r)

		duration := time.Since(start)

		logger.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      wrapper.statusCode,
			"duration":    duration,
			"remote_addr": r.RemoteAddr,
			"user_agent":  r.UserAgent(),
		}).Info("HTTP request")
	})
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
