// Package api serves the read contract consumed by the UI: published
// incidents, the review queue, and weekly rollups.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	rangererrors "github.com/rangerhq/ranger/internal/errors"
	"github.com/rangerhq/ranger/internal/rollup"
	"github.com/rangerhq/ranger/internal/store"
)

// Router handles HTTP routing.
type Router struct {
	mux     *http.ServeMux
	store   *store.Store
	rollups *rollup.Engine
	region  string
	version string
}

// NewRouter builds the HTTP handler for the read API.
func NewRouter(st *store.Store, rollups *rollup.Engine, region, version string) http.Handler {
	r := &Router{
		mux:     http.NewServeMux(),
		store:   st,
		rollups: rollups,
		region:  region,
		version: version,
	}
	r.setupRoutes()
	return r
}

func (r *Router) setupRoutes() {
	r.mux.HandleFunc("/api/health", r.handleHealth)
	r.mux.HandleFunc("/api/version", r.handleVersion)
	r.mux.HandleFunc("/incidents", r.handleIncidents)
	r.mux.HandleFunc("/review-queue", r.handleReviewQueue)
	r.mux.HandleFunc("/rollup", r.handleRollup)
	r.mux.Handle("/metrics", promhttp.Handler())
}

// ServeHTTP implements http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (r *Router) handleVersion(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version": r.version,
		"region":  r.region,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeStoreError maps pipeline errors onto HTTP statuses without leaking
// internals to the caller.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, rangererrors.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, rangererrors.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "invalid request")
	default:
		log.Error().Err(err).Msg("Request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
