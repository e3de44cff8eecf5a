// Package server provides the HTTP server and API handlers for the event store.
package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/privacy-telemetry-sensor/internal/config"
	"github.com/invisible-tech/privacy-telemetry-sensor/internal/eventstore"
	"github.com/invisible-tech/privacy-telemetry-sensor/internal/types"
	"github.com/invisible-tech/privacy-telemetry-sensor/internal/version"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const defaultEventLimit = 100

// Server is the HTTP server for the event store API.
type Server struct {
	cfg        config.StoreConfig
	store      *eventstore.Store
	log        *logrus.Logger
	handler    http.Handler
	httpServer *http.Server
}

// New creates a new HTTP server that uses the given store.
func New(cfg config.StoreConfig, store *eventstore.Store, log *logrus.Logger) *Server {
	mux := http.NewServeMux()
	s := &Server{cfg: cfg, store: store, log: log}
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/v1/messages", s.requireKey(s.handleMessages))
	mux.HandleFunc("/api/v1/events", s.handleEvents)
	mux.HandleFunc("/api/v1/pages", s.handlePages)
	mux.Handle("/metrics", promhttp.Handler())
	s.handler = mux

	s.httpServer = &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the routed API, for embedding or httptest.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ListenAndServe starts the HTTP server. It blocks until the server is closed.
func (s *Server) ListenAndServe() error {
	s.log.WithFields(logrus.Fields{
		"addr":        s.cfg.HTTPAddr,
		"instance_id": s.store.InstanceID(),
	}).Info("Event store listening")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) requireKey(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIKey != "" && r.Header.Get("Authorization") != "Bearer "+s.cfg.APIKey {
			writeJSON(w, http.StatusUnauthorized, &types.Response{Success: false, Error: "unauthorized"})
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.store.Stats()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "healthy",
		"version":     version.Version,
		"instance_id": stats.InstanceID,
		"events":      stats.Events,
		"pages":       stats.Pages,
	})
}

// handleMessages always answers with a types.Response body.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, &types.Response{Success: false, Error: "method not allowed"})
		return
	}
	var msg types.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeJSON(w, http.StatusBadRequest, &types.Response{Success: false, Error: "invalid JSON"})
		return
	}
	writeJSON(w, http.StatusOK, s.store.HandleMessage(r.Context(), &msg))
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()

	limit := defaultEventLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	filter := eventstore.Filter{Domain: strings.ToLower(q.Get("domain"))}
	if v := q.Get("method"); v != "" {
		m, err := types.ParseMethod(v)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		filter.Method = m
	}
	if v := q.Get("minRisk"); v != "" {
		risk, err := types.ParseRiskLevel(v)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		filter.MinRisk = risk
	}

	events := s.store.Events(limit, filter)
	if events == nil {
		events = []*types.TrackingEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handlePages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if url := r.URL.Query().Get("url"); url != "" {
		page, ok := s.store.Page(url)
		if !ok {
			http.Error(w, "Page not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, page)
		return
	}
	writeJSON(w, http.StatusOK, s.store.Pages())
}
