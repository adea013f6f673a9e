package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	rangererrors "github.com/rangerhq/ranger/internal/errors"
	"github.com/rangerhq/ranger/internal/models"
)

// InsertReport persists a raw report. Writes are keyed by
// (source_id, external_id): re-ingesting the same observation is a no-op and
// the stored row is returned with inserted=false.
func (s *Store) InsertReport(ctx context.Context, r models.IncidentReport) (models.IncidentReport, bool, error) {
	var lat, lon any
	if r.Location != nil {
		lat, lon = r.Location.Lat, r.Location.Lon
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO incident_reports (id, source_id, external_id, source_url, raw_text,
			extracted_data, incident_type, category, address, city, lat, lon,
			location_resolution, location_confidence, urgency_score, description,
			occurred_at, ingested_at, extraction_model, extraction_confidence, dedup_status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(source_id, external_id) DO NOTHING`,
		r.ID, r.SourceID, r.ExternalID, r.SourceURL, r.RawText,
		orEmptyJSON(r.ExtractedData), r.IncidentType, r.Category,
		nullString(r.Address), nullString(r.City), lat, lon,
		r.Resolution, r.LocationConfidence, r.UrgencyScore, r.Description,
		nullTime(r.OccurredAt), r.IngestedAt.UTC(), r.ExtractionModel,
		r.ExtractionConfidence, models.DedupPending)
	if err != nil {
		return models.IncidentReport{}, false, rangererrors.WrapStore("insert_report", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return models.IncidentReport{}, false, rangererrors.WrapStore("insert_report", err)
	}
	if affected == 0 {
		// Observation was already ingested; idempotent retry is success.
		existing, err := s.getReportByKey(ctx, r.SourceID, r.ExternalID)
		if err != nil {
			return models.IncidentReport{}, false, err
		}
		return existing, false, nil
	}

	r.DedupStatus = models.DedupPending
	return r, true, nil
}

// GetReport returns a report by id.
func (s *Store) GetReport(ctx context.Context, id string) (models.IncidentReport, error) {
	row := s.db.QueryRowContext(ctx, reportSelect+` WHERE id = ?`, id)
	rep, err := scanReport(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.IncidentReport{}, rangererrors.ErrNotFound
	}
	if err != nil {
		return models.IncidentReport{}, rangererrors.WrapStore("get_report", err)
	}
	return rep, nil
}

func (s *Store) getReportByKey(ctx context.Context, sourceID, externalID string) (models.IncidentReport, error) {
	row := s.db.QueryRowContext(ctx,
		reportSelect+` WHERE source_id = ? AND external_id = ?`, sourceID, externalID)
	rep, err := scanReport(row)
	if err != nil {
		return models.IncidentReport{}, rangererrors.WrapStore("get_report", err)
	}
	return rep, nil
}

// ListReportsByIncident returns every report linked to an incident, oldest
// first.
func (s *Store) ListReportsByIncident(ctx context.Context, incidentID string) ([]models.IncidentReport, error) {
	rows, err := s.db.QueryContext(ctx,
		reportSelect+` WHERE incident_id = ? ORDER BY ingested_at`, incidentID)
	if err != nil {
		return nil, rangererrors.WrapStore("list_reports", err)
	}
	defer rows.Close()

	var reports []models.IncidentReport
	for rows.Next() {
		rep, err := scanReport(rows)
		if err != nil {
			return nil, rangererrors.WrapStore("scan_report", err)
		}
		reports = append(reports, rep)
	}
	return reports, rows.Err()
}

// ListPendingReports returns reports awaiting deduplication, oldest first.
// A cancelled cycle leaves reports pending; the next cycle picks them up here.
func (s *Store) ListPendingReports(ctx context.Context, limit int) ([]models.IncidentReport, error) {
	rows, err := s.db.QueryContext(ctx,
		reportSelect+` WHERE dedup_status = ? ORDER BY ingested_at LIMIT ?`,
		models.DedupPending, limit)
	if err != nil {
		return nil, rangererrors.WrapStore("list_pending", err)
	}
	defer rows.Close()

	var reports []models.IncidentReport
	for rows.Next() {
		rep, err := scanReport(rows)
		if err != nil {
			return nil, rangererrors.WrapStore("scan_report", err)
		}
		reports = append(reports, rep)
	}
	return reports, rows.Err()
}

const reportSelect = `SELECT id, source_id, external_id, source_url, raw_text,
	extracted_data, incident_type, category, address, city, lat, lon,
	location_resolution, location_confidence, urgency_score, description,
	occurred_at, ingested_at, extraction_model, extraction_confidence,
	dedup_status, dedup_processed_at, incident_id
 FROM incident_reports`

func scanReport(row rowScanner) (models.IncidentReport, error) {
	var r models.IncidentReport
	var address, city, incidentID sql.NullString
	var lat, lon sql.NullFloat64
	var occurred, processed sql.NullTime
	var ingested time.Time
	err := row.Scan(&r.ID, &r.SourceID, &r.ExternalID, &r.SourceURL, &r.RawText,
		&r.ExtractedData, &r.IncidentType, &r.Category, &address, &city, &lat, &lon,
		&r.Resolution, &r.LocationConfidence, &r.UrgencyScore, &r.Description,
		&occurred, &ingested, &r.ExtractionModel, &r.ExtractionConfidence,
		&r.DedupStatus, &processed, &incidentID)
	if err != nil {
		return models.IncidentReport{}, err
	}
	r.Address = scanStringPtr(address)
	r.City = scanStringPtr(city)
	r.IncidentID = scanStringPtr(incidentID)
	if lat.Valid && lon.Valid {
		r.Location = &models.Point{Lat: lat.Float64, Lon: lon.Float64}
	}
	r.OccurredAt = scanTimePtr(occurred)
	r.DedupProcessedAt = scanTimePtr(processed)
	r.IngestedAt = ingested.UTC()
	return r, nil
}

func orEmptyJSON(s string) string {
	if s == "" {
		return "{}"
	}
	return s
}
