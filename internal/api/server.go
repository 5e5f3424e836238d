// Package api serves the tracker's totals, metrics and manual public
// session logging over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/jkaberg/ev-charge-tracker/internal/ledger"
	"github.com/jkaberg/ev-charge-tracker/internal/metrics"
	"github.com/jkaberg/ev-charge-tracker/internal/segment"
	"github.com/jkaberg/ev-charge-tracker/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Service is what the API needs from the tracker engine.
type Service interface {
	Metrics() []metrics.Metric
	Totals() *store.AccumulatorState
	Flush(ctx context.Context) error
	Mode() segment.Mode
	LogPublicSession(req ledger.Request) (ledger.Logged, error)
	PublicSessions() []store.PublicSession
	PublicStats() ledger.Stats
	PurgePublicSessions(before time.Time) int
	PublicChargingDetected(now time.Time) bool
}

type Server struct {
	svc     Service
	router  *mux.Router
	limiter *IPRateLimiter
	logger  *logrus.Logger
}

// NewServer wires the routes. gatherer backs /metrics; nil disables it.
func NewServer(svc Service, gatherer prometheus.Gatherer, logger *logrus.Logger) *Server {
	s := &Server{
		svc:     svc,
		router:  mux.NewRouter(),
		limiter: NewIPRateLimiter(rate.Every(time.Second), 5),
		logger:  logger,
	}
	s.setupRoutes(gatherer)
	return s
}

func (s *Server) setupRoutes(gatherer prometheus.Gatherer) {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	v1 := s.router.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/metrics", s.handleMetrics).Methods("GET")
	v1.HandleFunc("/totals", s.handleTotals).Methods("GET")
	v1.Handle("/totals/flush", s.limiter.Limit(http.HandlerFunc(s.handleFlush))).Methods("POST")
	v1.HandleFunc("/public-sessions", s.handleListSessions).Methods("GET")
	v1.Handle("/public-sessions", s.limiter.Limit(http.HandlerFunc(s.handleLogSession))).Methods("POST")
	v1.Handle("/public-sessions", s.limiter.Limit(http.HandlerFunc(s.handlePurgeSessions))).Methods("DELETE")
	v1.HandleFunc("/public-sessions/stats", s.handleStats).Methods("GET")

	if gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods("GET")
	}

	s.router.Use(s.loggingMiddleware)
}

// Router returns the configured router.
func (s *Server) Router() *mux.Router {
	return s.router
}

// ListenAndServe runs until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("addr", addr).Info("HTTP API listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	}
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(start),
		}).Debug("HTTP request")
	})
}

type apiResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Field   string      `json:"field,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiResponse{Success: true, Data: data})
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondFieldError(w, status, message, "")
}

func respondFieldError(w http.ResponseWriter, status int, message, field string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiResponse{Success: false, Error: message, Field: field})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"mode":   string(s.svc.Mode()),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.svc.Metrics())
}

// handleTotals serves the last persisted totals, never unsaved ones.
func (s *Server) handleTotals(w http.ResponseWriter, r *http.Request) {
	totals := s.svc.Totals()
	if totals == nil {
		respondError(w, http.StatusServiceUnavailable, "totals not loaded")
		return
	}
	respondJSON(w, http.StatusOK, totals)
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Flush(r.Context()); err != nil {
		s.logger.WithError(err).Warn("Flush requested over HTTP failed")
		respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, s.svc.Totals())
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.svc.PublicSessions()
	if sessions == nil {
		sessions = []store.PublicSession{}
	}
	respondJSON(w, http.StatusOK, sessions)
}

type loggedResponse struct {
	ledger.Logged
	Persisted bool `json:"persisted"`
	Detected  bool `json:"public_charging_detected"`
}

func (s *Server) handleLogSession(w http.ResponseWriter, r *http.Request) {
	var req ledger.Request
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	logged, err := s.svc.LogPublicSession(req)
	if err != nil {
		var invalid *ledger.InvalidSessionError
		if errors.As(err, &invalid) {
			respondFieldError(w, http.StatusBadRequest, err.Error(), invalid.Field)
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := loggedResponse{Logged: logged, Persisted: true, Detected: s.svc.PublicChargingDetected(time.Now())}
	if err := s.svc.Flush(r.Context()); err != nil {
		// recorded in memory; the flusher retries
		s.logger.WithError(err).Warn("Public session not yet persisted")
		resp.Persisted = false
		respondJSON(w, http.StatusAccepted, resp)
		return
	}

	status := http.StatusCreated
	if logged.Duplicate {
		status = http.StatusOK
	}
	respondJSON(w, status, resp)
}

func (s *Server) handlePurgeSessions(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("before")
	if raw == "" {
		respondError(w, http.StatusBadRequest, "before is required (RFC3339)")
		return
	}
	before, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		respondError(w, http.StatusBadRequest, "before must be RFC3339")
		return
	}
	removed := s.svc.PurgePublicSessions(before)
	respondJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.svc.PublicStats())
}
