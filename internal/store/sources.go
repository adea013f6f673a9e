package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	rangererrors "github.com/rangerhq/ranger/internal/errors"
	"github.com/rangerhq/ranger/internal/models"
)

// UpsertSource inserts or reactivates a source keyed by (region, url).
// Existing sources keep their id, reliability score, and fetch history.
func (s *Store) UpsertSource(ctx context.Context, src models.Source) (models.Source, error) {
	configJSON, err := json.Marshal(orEmptyMap(src.Config))
	if err != nil {
		return models.Source{}, fmt.Errorf("marshal source config: %w", err)
	}

	tx, err := s.begin(ctx)
	if err != nil {
		return models.Source{}, rangererrors.WrapStore("upsert_source", err)
	}
	defer tx.Rollback()

	var existing models.Source
	row := tx.QueryRowContext(ctx,
		`SELECT id, reliability_score, created_at FROM sources WHERE region = ? AND url = ?`,
		src.Region, src.URL)
	var createdAt time.Time
	err = row.Scan(&existing.ID, &existing.ReliabilityScore, &createdAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		src.ID = uuid.NewString()
		src.CreatedAt = time.Now().UTC()
		if src.ReliabilityScore == 0 {
			src.ReliabilityScore = 0.5
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO sources (id, name, source_type, url, region, category, municipality,
				config, is_active, reliability_score, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			src.ID, src.Name, src.Type, src.URL, src.Region, src.Category, src.Municipality,
			string(configJSON), boolInt(src.IsActive), src.ReliabilityScore, src.CreatedAt)
		if err != nil {
			return models.Source{}, rangererrors.WrapStore("insert_source", err)
		}
	case err != nil:
		return models.Source{}, rangererrors.WrapStore("query_source", err)
	default:
		src.ID = existing.ID
		src.ReliabilityScore = existing.ReliabilityScore
		src.CreatedAt = createdAt.UTC()
		_, err = tx.ExecContext(ctx,
			`UPDATE sources SET name = ?, source_type = ?, category = ?, municipality = ?,
				config = ?, is_active = ? WHERE id = ?`,
			src.Name, src.Type, src.Category, src.Municipality,
			string(configJSON), boolInt(src.IsActive), src.ID)
		if err != nil {
			return models.Source{}, rangererrors.WrapStore("update_source", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return models.Source{}, rangererrors.WrapStore("upsert_source", err)
	}
	return src, nil
}

// ListActiveSources returns all sources eligible for scheduling.
func (s *Store) ListActiveSources(ctx context.Context) ([]models.Source, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, source_type, url, region, category, municipality, config,
			is_active, reliability_score, last_fetched_at, created_at
		 FROM sources WHERE is_active = 1 ORDER BY name`)
	if err != nil {
		return nil, rangererrors.WrapStore("list_sources", err)
	}
	defer rows.Close()

	var sources []models.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}
	return sources, rows.Err()
}

// GetSource returns a source by id.
func (s *Store) GetSource(ctx context.Context, id string) (models.Source, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, source_type, url, region, category, municipality, config,
			is_active, reliability_score, last_fetched_at, created_at
		 FROM sources WHERE id = ?`, id)
	src, err := scanSource(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Source{}, rangererrors.ErrNotFound
	}
	return src, err
}

// MarkSourceFetched records a successful fetch.
func (s *Store) MarkSourceFetched(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sources SET last_fetched_at = ? WHERE id = ?`, at.UTC(), id)
	if err != nil {
		return rangererrors.WrapStore("mark_fetched", err)
	}
	return nil
}

// DeactivateSource marks a source inactive after repeated failures or by
// operator action.
func (s *Store) DeactivateSource(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sources SET is_active = 0 WHERE id = ?`, id)
	if err != nil {
		return rangererrors.WrapStore("deactivate_source", err)
	}
	return nil
}

// ContentHash returns the stored hash of the last fetched document for a
// source, or empty when the source has never been fetched.
func (s *Store) ContentHash(ctx context.Context, sourceID string) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx,
		`SELECT content_hash FROM fetch_state WHERE source_id = ?`, sourceID).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", rangererrors.WrapStore("content_hash", err)
	}
	return hash, nil
}

// SetContentHash records the hash of a fetched document for change detection.
func (s *Store) SetContentHash(ctx context.Context, sourceID, hash string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO fetch_state (source_id, content_hash, fetched_at) VALUES (?, ?, ?)
		 ON CONFLICT(source_id) DO UPDATE SET content_hash = excluded.content_hash,
			fetched_at = excluded.fetched_at`,
		sourceID, hash, time.Now().UTC())
	if err != nil {
		return rangererrors.WrapStore("set_content_hash", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSource(row rowScanner) (models.Source, error) {
	var src models.Source
	var configJSON string
	var isActive int
	var lastFetched sql.NullTime
	var createdAt time.Time
	err := row.Scan(&src.ID, &src.Name, &src.Type, &src.URL, &src.Region, &src.Category,
		&src.Municipality, &configJSON, &isActive, &src.ReliabilityScore, &lastFetched, &createdAt)
	if err != nil {
		return models.Source{}, err
	}
	src.IsActive = isActive != 0
	src.LastFetchedAt = scanTimePtr(lastFetched)
	src.CreatedAt = createdAt.UTC()
	if err := json.Unmarshal([]byte(configJSON), &src.Config); err != nil {
		src.Config = nil
	}
	return src, nil
}

func orEmptyMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
