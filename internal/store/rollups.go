package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	rangererrors "github.com/rangerhq/ranger/internal/errors"
	"github.com/rangerhq/ranger/internal/models"
)

// UpsertRollup writes a weekly rollup keyed by (week_start, municipality).
// Regenerating the same week overwrites the previous row, so the job is
// idempotent for identical inputs.
func (s *Store) UpsertRollup(ctx context.Context, r models.WeeklyRollup) (models.WeeklyRollup, error) {
	incJSON, err := json.Marshal(orEmptyCounts(r.IncidentsByCategory))
	if err != nil {
		return models.WeeklyRollup{}, rangererrors.WrapStore("marshal_rollup", err)
	}
	newsJSON, err := json.Marshal(orEmptyCounts(r.NewsByCategory))
	if err != nil {
		return models.WeeklyRollup{}, rangererrors.WrapStore("marshal_rollup", err)
	}

	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	weekStart := r.WeekStart.UTC().Format("2006-01-02")

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO weekly_rollups (id, week_start, municipality, incident_count,
			incidents_by_category, news_count, news_by_category, incident_trend,
			summary_text, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(week_start, municipality) DO UPDATE SET
			incident_count = excluded.incident_count,
			incidents_by_category = excluded.incidents_by_category,
			news_count = excluded.news_count,
			news_by_category = excluded.news_by_category,
			incident_trend = excluded.incident_trend,
			summary_text = excluded.summary_text`,
		r.ID, weekStart, r.Municipality, r.IncidentCount, string(incJSON),
		r.NewsCount, string(newsJSON), r.IncidentTrend, r.SummaryText, r.CreatedAt)
	if err != nil {
		return models.WeeklyRollup{}, rangererrors.WrapStore("upsert_rollup", err)
	}

	stored, err := s.GetRollup(ctx, r.WeekStart, r.Municipality)
	if err != nil {
		return models.WeeklyRollup{}, err
	}
	return stored, nil
}

// GetRollup returns the rollup for a week and municipality (empty means
// region-wide), or ErrNotFound.
func (s *Store) GetRollup(ctx context.Context, weekStart time.Time, municipality string) (models.WeeklyRollup, error) {
	row := s.db.QueryRowContext(ctx,
		rollupSelect+` WHERE week_start = ? AND municipality = ?`,
		weekStart.UTC().Format("2006-01-02"), municipality)
	r, err := scanRollup(row)
	if err == sql.ErrNoRows {
		return models.WeeklyRollup{}, rangererrors.ErrNotFound
	}
	if err != nil {
		return models.WeeklyRollup{}, rangererrors.WrapStore("get_rollup", err)
	}
	return r, nil
}

// ListRollups returns up to weeks recent rollups for a municipality (empty
// means region-wide), newest week first.
func (s *Store) ListRollups(ctx context.Context, municipality string, weeks int) ([]models.WeeklyRollup, error) {
	if weeks <= 0 || weeks > 12 {
		weeks = 12
	}
	rows, err := s.db.QueryContext(ctx,
		rollupSelect+` WHERE municipality = ? ORDER BY week_start DESC LIMIT ?`,
		municipality, weeks)
	if err != nil {
		return nil, rangererrors.WrapStore("list_rollups", err)
	}
	defer rows.Close()

	var rollups []models.WeeklyRollup
	for rows.Next() {
		r, err := scanRollup(rows)
		if err != nil {
			return nil, rangererrors.WrapStore("scan_rollup", err)
		}
		rollups = append(rollups, r)
	}
	return rollups, rows.Err()
}

const rollupSelect = `SELECT id, week_start, municipality, incident_count,
	incidents_by_category, news_count, news_by_category, incident_trend,
	summary_text, created_at
 FROM weekly_rollups`

func scanRollup(row rowScanner) (models.WeeklyRollup, error) {
	var r models.WeeklyRollup
	var weekStart string
	var incJSON, newsJSON string
	var created time.Time
	err := row.Scan(&r.ID, &weekStart, &r.Municipality, &r.IncidentCount, &incJSON,
		&r.NewsCount, &newsJSON, &r.IncidentTrend, &r.SummaryText, &created)
	if err != nil {
		return models.WeeklyRollup{}, err
	}
	if t, perr := time.ParseInLocation("2006-01-02", weekStart, time.UTC); perr == nil {
		r.WeekStart = t
	}
	r.CreatedAt = created.UTC()
	if err := json.Unmarshal([]byte(incJSON), &r.IncidentsByCategory); err != nil {
		r.IncidentsByCategory = map[models.Category]int{}
	}
	if err := json.Unmarshal([]byte(newsJSON), &r.NewsByCategory); err != nil {
		r.NewsByCategory = map[models.Category]int{}
	}
	return r, nil
}

func orEmptyCounts(m map[models.Category]int) map[models.Category]int {
	if m == nil {
		return map[models.Category]int{}
	}
	return m
}
