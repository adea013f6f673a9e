package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	rangererrors "github.com/rangerhq/ranger/internal/errors"
	"github.com/rangerhq/ranger/internal/models"
	"github.com/rangerhq/ranger/internal/workflow"
)

const metersPerDegreeLat = 111320.0

// FindCandidates returns incidents within radius meters and the time window
// around eventTime. The SQL side does a bounding-box prefilter; callers
// refine with true haversine distance. Rejected and retracted incidents do
// not attract new links.
func (s *Store) FindCandidates(ctx context.Context, p models.Point, eventTime time.Time, radiusMeters float64, window time.Duration) ([]models.Incident, error) {
	latDelta := radiusMeters / metersPerDegreeLat
	lonDelta := radiusMeters / (metersPerDegreeLat * math.Max(math.Cos(p.Lat*math.Pi/180), 0.01))
	from := eventTime.Add(-window).UTC()
	to := eventTime.Add(window).UTC()

	rows, err := s.db.QueryContext(ctx,
		incidentSelect+`
		 WHERE lat BETWEEN ? AND ?
		   AND lon BETWEEN ? AND ?
		   AND COALESCE(occurred_at, reported_at) BETWEEN ? AND ?
		   AND status = ?
		   AND review_status != ?
		 ORDER BY id`,
		p.Lat-latDelta, p.Lat+latDelta,
		p.Lon-lonDelta, p.Lon+lonDelta,
		from, to,
		models.IncidentActive, models.ReviewRejected)
	if err != nil {
		return nil, rangererrors.WrapStore("find_candidates", err)
	}
	defer rows.Close()

	return collectIncidents(rows)
}

// CreateIncidentFromReport materializes a canonical incident from an
// unmatched report and links the report to it, in one transaction. The
// report must still be pending.
func (s *Store) CreateIncidentFromReport(ctx context.Context, report models.IncidentReport, title string) (models.Incident, error) {
	now := time.Now().UTC()
	derived := workflow.Derive([]workflow.ReportSignal{{
		ExtractionConfidence: report.ExtractionConfidence,
		SourceType:           sourceTypeOfReport(ctx, s, report),
	}})

	inc := models.Incident{
		ID:                 uuid.NewString(),
		IncidentType:       report.IncidentType,
		Category:           report.Category,
		UrgencyScore:       report.UrgencyScore,
		Location:           report.Location,
		Resolution:         report.Resolution,
		LocationConfidence: report.LocationConfidence,
		Address:            report.Address,
		City:               report.City,
		Region:             s.regionOfSource(ctx, report.SourceID),
		OccurredAt:         report.OccurredAt,
		ReportedAt:         report.IngestedAt,
		Title:              title,
		Description:        report.Description,
		ReportCount:        derived.ReportCount,
		SourceTypes:        derived.SourceTypes,
		ConfidenceScore:    derived.ConfidenceScore,
		ReviewStatus:       workflow.Propose(derived.ConfidenceScore),
		Status:             models.IncidentActive,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	tx, err := s.begin(ctx)
	if err != nil {
		return models.Incident{}, rangererrors.WrapStore("create_incident", err)
	}
	defer tx.Rollback()

	var lat, lon any
	if inc.Location != nil {
		lat, lon = inc.Location.Lat, inc.Location.Lon
	}
	typesJSON, _ := json.Marshal(inc.SourceTypes)

	_, err = tx.ExecContext(ctx,
		`INSERT INTO incidents (id, incident_type, category, urgency_score, lat, lon,
			location_resolution, location_confidence, address, city, region,
			occurred_at, reported_at, title, description, report_count, source_types,
			confidence_score, review_status, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inc.ID, inc.IncidentType, inc.Category, inc.UrgencyScore, lat, lon,
		inc.Resolution, inc.LocationConfidence, nullString(inc.Address), nullString(inc.City),
		inc.Region, nullTime(inc.OccurredAt), inc.ReportedAt, inc.Title, inc.Description,
		inc.ReportCount, string(typesJSON), inc.ConfidenceScore, inc.ReviewStatus,
		inc.Status, inc.CreatedAt, inc.UpdatedAt)
	if err != nil {
		return models.Incident{}, rangererrors.WrapStore("insert_incident", err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE incident_reports SET incident_id = ?, dedup_status = ?, dedup_processed_at = ?
		 WHERE id = ? AND dedup_status = ?`,
		inc.ID, models.DedupNewIncident, now, report.ID, models.DedupPending)
	if err != nil {
		return models.Incident{}, rangererrors.WrapStore("link_report", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return models.Incident{}, fmt.Errorf("report %s is no longer pending: %w", report.ID, rangererrors.ErrConflict)
	}

	if err := tx.Commit(); err != nil {
		return models.Incident{}, rangererrors.WrapStore("create_incident", err)
	}
	return inc, nil
}

// LinkReport attaches a pending report to an existing incident and
// recomputes the incident's derived fields in the same transaction. Readers
// never observe a linked report without the matching recompute.
func (s *Store) LinkReport(ctx context.Context, reportID, incidentID string) (models.Incident, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return models.Incident{}, rangererrors.WrapStore("link_report", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`UPDATE incident_reports SET incident_id = ?, dedup_status = ?, dedup_processed_at = ?
		 WHERE id = ? AND dedup_status = ?`,
		incidentID, models.DedupMatched, now, reportID, models.DedupPending)
	if err != nil {
		return models.Incident{}, rangererrors.WrapStore("link_report", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return models.Incident{}, fmt.Errorf("report %s is no longer pending: %w", reportID, rangererrors.ErrConflict)
	}

	inc, err := s.recomputeTx(ctx, tx, incidentID)
	if err != nil {
		return models.Incident{}, err
	}

	if err := tx.Commit(); err != nil {
		return models.Incident{}, rangererrors.WrapStore("link_report", err)
	}
	return inc, nil
}

// Recompute re-derives an incident's summary fields from its current linked
// report set, outside of any link operation (used after operator actions).
func (s *Store) Recompute(ctx context.Context, incidentID string) (models.Incident, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return models.Incident{}, rangererrors.WrapStore("recompute", err)
	}
	defer tx.Rollback()

	inc, err := s.recomputeTx(ctx, tx, incidentID)
	if err != nil {
		return models.Incident{}, err
	}
	if err := tx.Commit(); err != nil {
		return models.Incident{}, rangererrors.WrapStore("recompute", err)
	}
	return inc, nil
}

func (s *Store) recomputeTx(ctx context.Context, tx *sql.Tx, incidentID string) (models.Incident, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT r.extraction_confidence, s.source_type
		 FROM incident_reports r JOIN sources s ON s.id = r.source_id
		 WHERE r.incident_id = ? AND r.dedup_status != ?`,
		incidentID, models.DedupRejected)
	if err != nil {
		return models.Incident{}, rangererrors.WrapStore("recompute_query", err)
	}

	var signals []workflow.ReportSignal
	for rows.Next() {
		var sig workflow.ReportSignal
		if err := rows.Scan(&sig.ExtractionConfidence, &sig.SourceType); err != nil {
			rows.Close()
			return models.Incident{}, rangererrors.WrapStore("recompute_scan", err)
		}
		signals = append(signals, sig)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return models.Incident{}, rangererrors.WrapStore("recompute_query", err)
	}

	var current models.ReviewStatus
	if err := tx.QueryRowContext(ctx,
		`SELECT review_status FROM incidents WHERE id = ?`, incidentID).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Incident{}, rangererrors.ErrNotFound
		}
		return models.Incident{}, rangererrors.WrapStore("recompute_status", err)
	}

	derived := workflow.Derive(signals)
	next := workflow.NextStatus(current, derived.ConfidenceScore)
	typesJSON, _ := json.Marshal(derived.SourceTypes)

	_, err = tx.ExecContext(ctx,
		`UPDATE incidents SET report_count = ?, source_types = ?, confidence_score = ?,
			review_status = ?, updated_at = ? WHERE id = ?`,
		derived.ReportCount, string(typesJSON), derived.ConfidenceScore,
		next, time.Now().UTC(), incidentID)
	if err != nil {
		return models.Incident{}, rangererrors.WrapStore("recompute_update", err)
	}

	row := tx.QueryRowContext(ctx, incidentSelect+` WHERE id = ?`, incidentID)
	return scanIncident(row)
}

// ApplyReview records an operator decision. Reject cascades to every linked
// report. Approve and reject are terminal for automatic recompute.
func (s *Store) ApplyReview(ctx context.Context, incidentID string, status models.ReviewStatus, reviewedBy string) (models.Incident, error) {
	if !status.Terminal() {
		return models.Incident{}, fmt.Errorf("review status %q: %w", status, rangererrors.ErrInvalidInput)
	}

	tx, err := s.begin(ctx)
	if err != nil {
		return models.Incident{}, rangererrors.WrapStore("apply_review", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`UPDATE incidents SET review_status = ?, reviewed_at = ?, reviewed_by = ?, updated_at = ?
		 WHERE id = ?`,
		status, now, reviewedBy, now, incidentID)
	if err != nil {
		return models.Incident{}, rangererrors.WrapStore("apply_review", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return models.Incident{}, rangererrors.ErrNotFound
	}

	if status == models.ReviewRejected {
		_, err = tx.ExecContext(ctx,
			`UPDATE incident_reports SET dedup_status = ?, dedup_processed_at = ?
			 WHERE incident_id = ?`,
			models.DedupRejected, now, incidentID)
		if err != nil {
			return models.Incident{}, rangererrors.WrapStore("reject_cascade", err)
		}
	}

	row := tx.QueryRowContext(ctx, incidentSelect+` WHERE id = ?`, incidentID)
	inc, err := scanIncident(row)
	if err != nil {
		return models.Incident{}, rangererrors.WrapStore("apply_review", err)
	}

	if err := tx.Commit(); err != nil {
		return models.Incident{}, rangererrors.WrapStore("apply_review", err)
	}
	return inc, nil
}

// GetIncident returns an incident by id.
func (s *Store) GetIncident(ctx context.Context, id string) (models.Incident, error) {
	row := s.db.QueryRowContext(ctx, incidentSelect+` WHERE id = ?`, id)
	inc, err := scanIncident(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Incident{}, rangererrors.ErrNotFound
	}
	if err != nil {
		return models.Incident{}, rangererrors.WrapStore("get_incident", err)
	}
	return inc, nil
}

// DeleteIncident removes a canonical incident. Linked reports survive with
// their incident reference nulled; provenance is permanent.
func (s *Store) DeleteIncident(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM incidents WHERE id = ?`, id)
	if err != nil {
		return rangererrors.WrapStore("delete_incident", err)
	}
	return nil
}

// IncidentFilter narrows ListIncidents.
type IncidentFilter struct {
	Region     string
	Category   models.Category
	City       string
	MinUrgency int
	Since      *time.Time
	Until      *time.Time
	Limit      int
}

// ListIncidents returns publishable incidents (auto_published, unverified,
// approved), newest first.
func (s *Store) ListIncidents(ctx context.Context, f IncidentFilter) ([]models.Incident, error) {
	query := incidentSelect + ` WHERE review_status IN (?, ?, ?) AND status != ?`
	args := []any{models.ReviewAutoPublished, models.ReviewUnverified, models.ReviewApproved, models.IncidentRetracted}

	if f.Region != "" {
		query += ` AND region = ?`
		args = append(args, f.Region)
	}
	if f.Category != "" {
		query += ` AND category = ?`
		args = append(args, f.Category)
	}
	if f.City != "" {
		query += ` AND city = ? COLLATE NOCASE`
		args = append(args, f.City)
	}
	if f.MinUrgency > 0 {
		query += ` AND urgency_score >= ?`
		args = append(args, f.MinUrgency)
	}
	if f.Since != nil {
		query += ` AND COALESCE(occurred_at, reported_at) >= ?`
		args = append(args, f.Since.UTC())
	}
	if f.Until != nil {
		query += ` AND COALESCE(occurred_at, reported_at) <= ?`
		args = append(args, f.Until.UTC())
	}

	query += ` ORDER BY COALESCE(occurred_at, reported_at) DESC`
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, rangererrors.WrapStore("list_incidents", err)
	}
	defer rows.Close()

	return collectIncidents(rows)
}

// ReviewQueue returns incidents awaiting human review, oldest first so the
// queue drains in arrival order.
func (s *Store) ReviewQueue(ctx context.Context, limit, offset int) ([]models.Incident, error) {
	if limit <= 0 || limit > 50 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx,
		incidentSelect+` WHERE review_status = ? ORDER BY reported_at LIMIT ? OFFSET ?`,
		models.ReviewNeedsReview, limit, offset)
	if err != nil {
		return nil, rangererrors.WrapStore("review_queue", err)
	}
	defer rows.Close()

	return collectIncidents(rows)
}

// ReviewQueueDepth returns the number of incidents awaiting review.
func (s *Store) ReviewQueueDepth(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM incidents WHERE review_status = ?`,
		models.ReviewNeedsReview).Scan(&n)
	if err != nil {
		return 0, rangererrors.WrapStore("review_queue_depth", err)
	}
	return n, nil
}

// CountIncidents counts incidents per category whose event time falls in
// [from, to). Empty municipality means region-wide.
func (s *Store) CountIncidents(ctx context.Context, region, municipality string, from, to time.Time) (map[models.Category]int, error) {
	query := `SELECT category, COUNT(*) FROM incidents
		 WHERE region = ? AND COALESCE(occurred_at, reported_at) >= ? AND COALESCE(occurred_at, reported_at) < ?
		   AND status != ? AND review_status != ?`
	args := []any{region, from.UTC(), to.UTC(), models.IncidentRetracted, models.ReviewRejected}
	if municipality != "" {
		query += ` AND city = ? COLLATE NOCASE`
		args = append(args, municipality)
	}
	query += ` GROUP BY category`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, rangererrors.WrapStore("count_incidents", err)
	}
	defer rows.Close()

	counts := make(map[models.Category]int)
	for rows.Next() {
		var cat models.Category
		var n int
		if err := rows.Scan(&cat, &n); err != nil {
			return nil, rangererrors.WrapStore("count_incidents", err)
		}
		counts[cat] = n
	}
	return counts, rows.Err()
}

// CountNewsReports counts reports from news-category sources per extracted
// category over [from, to).
func (s *Store) CountNewsReports(ctx context.Context, region, municipality string, from, to time.Time) (map[models.Category]int, error) {
	query := `SELECT r.category, COUNT(*) FROM incident_reports r
		 JOIN sources s ON s.id = r.source_id
		 WHERE s.category = ? AND s.region = ?
		   AND COALESCE(r.occurred_at, r.ingested_at) >= ? AND COALESCE(r.occurred_at, r.ingested_at) < ?
		   AND r.dedup_status != ?`
	args := []any{models.SourceCategoryNews, region, from.UTC(), to.UTC(), models.DedupRejected}
	if municipality != "" {
		query += ` AND r.city = ? COLLATE NOCASE`
		args = append(args, municipality)
	}
	query += ` GROUP BY r.category`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, rangererrors.WrapStore("count_news", err)
	}
	defer rows.Close()

	counts := make(map[models.Category]int)
	for rows.Next() {
		var cat models.Category
		var n int
		if err := rows.Scan(&cat, &n); err != nil {
			return nil, rangererrors.WrapStore("count_news", err)
		}
		counts[cat] = n
	}
	return counts, rows.Err()
}

// CountIncidentsSince returns the number of publishable incidents whose event
// time is at or after since. Used for the live 24h/7d counters.
func (s *Store) CountIncidentsSince(ctx context.Context, region string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM incidents
		 WHERE region = ? AND COALESCE(occurred_at, reported_at) >= ?
		   AND review_status IN (?, ?, ?) AND status != ?`,
		region, since.UTC(),
		models.ReviewAutoPublished, models.ReviewUnverified, models.ReviewApproved,
		models.IncidentRetracted).Scan(&n)
	if err != nil {
		return 0, rangererrors.WrapStore("count_since", err)
	}
	return n, nil
}

// ListMunicipalities returns the distinct cities seen on incidents in a
// region, for per-municipality rollups.
func (s *Store) ListMunicipalities(ctx context.Context, region string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT city FROM incidents WHERE region = ? AND city IS NOT NULL AND city != '' ORDER BY city`,
		region)
	if err != nil {
		return nil, rangererrors.WrapStore("list_municipalities", err)
	}
	defer rows.Close()

	var cities []string
	for rows.Next() {
		var city string
		if err := rows.Scan(&city); err != nil {
			return nil, rangererrors.WrapStore("list_municipalities", err)
		}
		cities = append(cities, city)
	}
	return cities, rows.Err()
}

const incidentSelect = `SELECT id, incident_type, category, urgency_score, lat, lon,
	location_resolution, location_confidence, address, city, region,
	occurred_at, reported_at, title, description, report_count, source_types,
	confidence_score, review_status, reviewed_at, reviewed_by, status,
	created_at, updated_at
 FROM incidents`

func scanIncident(row rowScanner) (models.Incident, error) {
	var inc models.Incident
	var lat, lon sql.NullFloat64
	var address, city, reviewedBy sql.NullString
	var occurred, reviewed sql.NullTime
	var typesJSON string
	var reported, created, updated time.Time
	err := row.Scan(&inc.ID, &inc.IncidentType, &inc.Category, &inc.UrgencyScore, &lat, &lon,
		&inc.Resolution, &inc.LocationConfidence, &address, &city, &inc.Region,
		&occurred, &reported, &inc.Title, &inc.Description, &inc.ReportCount, &typesJSON,
		&inc.ConfidenceScore, &inc.ReviewStatus, &reviewed, &reviewedBy, &inc.Status,
		&created, &updated)
	if err != nil {
		return models.Incident{}, err
	}
	if lat.Valid && lon.Valid {
		inc.Location = &models.Point{Lat: lat.Float64, Lon: lon.Float64}
	}
	inc.Address = scanStringPtr(address)
	inc.City = scanStringPtr(city)
	inc.ReviewedBy = scanStringPtr(reviewedBy)
	inc.OccurredAt = scanTimePtr(occurred)
	inc.ReviewedAt = scanTimePtr(reviewed)
	inc.ReportedAt = reported.UTC()
	inc.CreatedAt = created.UTC()
	inc.UpdatedAt = updated.UTC()
	if err := json.Unmarshal([]byte(typesJSON), &inc.SourceTypes); err != nil {
		inc.SourceTypes = nil
	}
	return inc, nil
}

func collectIncidents(rows *sql.Rows) ([]models.Incident, error) {
	var incidents []models.Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, rangererrors.WrapStore("scan_incident", err)
		}
		incidents = append(incidents, inc)
	}
	return incidents, rows.Err()
}

func (s *Store) regionOfSource(ctx context.Context, sourceID string) string {
	var region string
	_ = s.db.QueryRowContext(ctx,
		`SELECT region FROM sources WHERE id = ?`, sourceID).Scan(&region)
	return region
}

func sourceTypeOfReport(ctx context.Context, s *Store, report models.IncidentReport) models.SourceType {
	var t models.SourceType
	_ = s.db.QueryRowContext(ctx,
		`SELECT source_type FROM sources WHERE id = ?`, report.SourceID).Scan(&t)
	return t
}
