package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rangerhq/ranger/internal/metrics"
	"github.com/rangerhq/ranger/internal/models"
	"github.com/rangerhq/ranger/internal/rollup"
	"github.com/rangerhq/ranger/internal/store"
)

const (
	defaultIncidentLimit = 100
	maxQueueLimit        = 50
	defaultQueueLimit    = 20
	maxRollupWeeks       = 12
	defaultRollupWeeks   = 4
)

// handleIncidents serves GET /incidents: published incidents with optional
// region, category, city, min_urgency, since, until filters.
func (r *Router) handleIncidents(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	q := req.URL.Query()
	filter := store.IncidentFilter{
		Region:   q.Get("region"),
		Category: models.Category(q.Get("category")),
		City:     q.Get("city"),
		Limit:    defaultIncidentLimit,
	}
	if filter.Region == "" {
		filter.Region = r.region
	}
	if filter.Category != "" && !filter.Category.Valid() {
		writeError(w, http.StatusBadRequest, "unknown category")
		return
	}
	if v := q.Get("min_urgency"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 10 {
			writeError(w, http.StatusBadRequest, "min_urgency must be 1-10")
			return
		}
		filter.MinUrgency = n
	}
	var ok bool
	if filter.Since, ok = parseTimeParam(w, q.Get("since"), "since"); !ok {
		return
	}
	if filter.Until, ok = parseTimeParam(w, q.Get("until"), "until"); !ok {
		return
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = n
	}

	incidents, err := r.store.ListIncidents(req.Context(), filter)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"incidents": incidents,
		"count":     len(incidents),
	})
}

// queueItem pairs a needs_review incident with its linked reports for
// operator context.
type queueItem struct {
	Incident models.Incident         `json:"incident"`
	Reports  []models.IncidentReport `json:"reports"`
}

func (r *Router) handleReviewQueue(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		r.getReviewQueue(w, req)
	case http.MethodPost:
		r.postReview(w, req)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (r *Router) getReviewQueue(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	limit := defaultQueueLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxQueueLimit {
			writeError(w, http.StatusBadRequest, "limit must be 1-50")
			return
		}
		limit = n
	}
	offset := 0
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
			return
		}
		offset = n
	}

	incidents, err := r.store.ReviewQueue(req.Context(), limit, offset)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	depth, err := r.store.ReviewQueueDepth(req.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	metrics.Get().SetQueueDepth(depth)

	items := make([]queueItem, 0, len(incidents))
	for _, inc := range incidents {
		reports, err := r.store.ListReportsByIncident(req.Context(), inc.ID)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		items = append(items, queueItem{Incident: inc, Reports: reports})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"queue":  items,
		"count":  len(items),
		"total":  depth,
		"offset": offset,
	})
}

type reviewRequest struct {
	IncidentID string `json:"incident_id"`
	Action     string `json:"action"`
	Notes      string `json:"notes,omitempty"`
	ReviewedBy string `json:"reviewed_by,omitempty"`
}

func (r *Router) postReview(w http.ResponseWriter, req *http.Request) {
	var body reviewRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.IncidentID == "" {
		writeError(w, http.StatusBadRequest, "incident_id is required")
		return
	}

	var status models.ReviewStatus
	switch body.Action {
	case "approve":
		status = models.ReviewApproved
	case "reject":
		status = models.ReviewRejected
	default:
		writeError(w, http.StatusBadRequest, "action must be approve or reject")
		return
	}

	reviewedBy := body.ReviewedBy
	if reviewedBy == "" {
		reviewedBy = "operator"
	}

	incident, err := r.store.ApplyReview(req.Context(), body.IncidentID, status, reviewedBy)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	log.Info().
		Str("incident_id", body.IncidentID).
		Str("action", body.Action).
		Str("reviewed_by", reviewedBy).
		Str("notes", body.Notes).
		Msg("Review decision applied")
	writeJSON(w, http.StatusOK, incident)
}

func (r *Router) handleRollup(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	q := req.URL.Query()
	weeks := defaultRollupWeeks
	if v := q.Get("weeks"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxRollupWeeks {
			writeError(w, http.StatusBadRequest, "weeks must be 1-12")
			return
		}
		weeks = n
	}

	rollups, err := r.store.ListRollups(req.Context(), q.Get("municipality"), weeks)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	live, err := r.rollups.Live(req.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, rollupResponse{
		Rollups: rollups,
		Live:    live,
	})
}

type rollupResponse struct {
	Rollups []models.WeeklyRollup `json:"rollups"`
	Live    rollup.LiveCounts     `json:"live"`
}

// parseTimeParam parses an RFC3339 query parameter, writing a 400 on
// failure.
func parseTimeParam(w http.ResponseWriter, v, name string) (*time.Time, bool) {
	if v == "" {
		return nil, true
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		writeError(w, http.StatusBadRequest, name+" must be RFC3339")
		return nil, false
	}
	u := t.UTC()
	return &u, true
}
