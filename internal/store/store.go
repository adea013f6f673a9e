// Package store persists the pipeline's durable entities in SQLite. The
// pipeline process is the only writer; the connection pool is pinned to a
// single connection so every transaction serializes, which is what the
// dedup/recompute invariants require.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// Store provides access to the ranger database.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens or creates the database at path and applies the schema.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	dsn := path + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(5000)",
			"journal_mode(WAL)",
			"foreign_keys(ON)",
			"synchronous(NORMAL)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite works best with a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db, path: path}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	log.Debug().Str("path", path).Msg("store opened")
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(schema)
	return err
}

const schema = `
CREATE TABLE IF NOT EXISTS sources (
	id                TEXT PRIMARY KEY,
	name              TEXT NOT NULL,
	source_type       TEXT NOT NULL,
	url               TEXT NOT NULL,
	region            TEXT NOT NULL,
	category          TEXT NOT NULL,
	municipality      TEXT NOT NULL DEFAULT '',
	config            TEXT NOT NULL DEFAULT '{}',
	is_active         INTEGER NOT NULL DEFAULT 1,
	reliability_score REAL NOT NULL DEFAULT 0.5,
	last_fetched_at   TIMESTAMP,
	created_at        TIMESTAMP NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_sources_region_url
	ON sources(region, url) WHERE is_active = 1;

CREATE TABLE IF NOT EXISTS incident_reports (
	id                    TEXT PRIMARY KEY,
	source_id             TEXT NOT NULL REFERENCES sources(id),
	external_id           TEXT NOT NULL,
	source_url            TEXT NOT NULL DEFAULT '',
	raw_text              TEXT NOT NULL DEFAULT '',
	extracted_data        TEXT NOT NULL DEFAULT '{}',
	incident_type         TEXT NOT NULL,
	category              TEXT NOT NULL,
	address               TEXT,
	city                  TEXT,
	lat                   REAL,
	lon                   REAL,
	location_resolution   TEXT NOT NULL DEFAULT 'unknown',
	location_confidence   REAL NOT NULL DEFAULT 0,
	urgency_score         INTEGER NOT NULL DEFAULT 5,
	description           TEXT NOT NULL DEFAULT '',
	occurred_at           TIMESTAMP,
	ingested_at           TIMESTAMP NOT NULL,
	extraction_model      TEXT NOT NULL DEFAULT '',
	extraction_confidence REAL NOT NULL DEFAULT 0,
	dedup_status          TEXT NOT NULL DEFAULT 'pending',
	dedup_processed_at    TIMESTAMP,
	incident_id           TEXT REFERENCES incidents(id) ON DELETE SET NULL,
	UNIQUE(source_id, external_id)
);
CREATE INDEX IF NOT EXISTS idx_reports_location ON incident_reports(lat, lon);
CREATE INDEX IF NOT EXISTS idx_reports_occurred ON incident_reports(occurred_at);
CREATE INDEX IF NOT EXISTS idx_reports_incident ON incident_reports(incident_id);
CREATE INDEX IF NOT EXISTS idx_reports_pending
	ON incident_reports(ingested_at) WHERE dedup_status = 'pending';

CREATE TABLE IF NOT EXISTS incidents (
	id                  TEXT PRIMARY KEY,
	incident_type       TEXT NOT NULL,
	category            TEXT NOT NULL,
	urgency_score       INTEGER NOT NULL DEFAULT 5,
	lat                 REAL,
	lon                 REAL,
	location_resolution TEXT NOT NULL DEFAULT 'unknown',
	location_confidence REAL NOT NULL DEFAULT 0,
	address             TEXT,
	city                TEXT,
	region              TEXT NOT NULL,
	occurred_at         TIMESTAMP,
	reported_at         TIMESTAMP NOT NULL,
	title               TEXT NOT NULL DEFAULT '',
	description         TEXT NOT NULL DEFAULT '',
	report_count        INTEGER NOT NULL DEFAULT 0,
	source_types        TEXT NOT NULL DEFAULT '[]',
	confidence_score    REAL NOT NULL DEFAULT 0,
	review_status       TEXT NOT NULL DEFAULT 'needs_review',
	reviewed_at         TIMESTAMP,
	reviewed_by         TEXT,
	status              TEXT NOT NULL DEFAULT 'active',
	created_at          TIMESTAMP NOT NULL,
	updated_at          TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_incidents_location ON incidents(lat, lon);
CREATE INDEX IF NOT EXISTS idx_incidents_occurred ON incidents(occurred_at);
CREATE INDEX IF NOT EXISTS idx_incidents_region ON incidents(region, category);
CREATE INDEX IF NOT EXISTS idx_incidents_queue
	ON incidents(reported_at) WHERE review_status = 'needs_review';

CREATE TABLE IF NOT EXISTS street_centerlines (
	id                     TEXT PRIMARY KEY,
	region                 TEXT NOT NULL,
	street_name            TEXT NOT NULL,
	street_name_normalized TEXT NOT NULL,
	from_address           INTEGER NOT NULL,
	to_address             INTEGER NOT NULL,
	city                   TEXT NOT NULL DEFAULT '',
	geometry               TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_centerlines_street
	ON street_centerlines(region, street_name_normalized);

CREATE TABLE IF NOT EXISTS weekly_rollups (
	id                    TEXT PRIMARY KEY,
	week_start            DATE NOT NULL,
	municipality          TEXT NOT NULL DEFAULT '',
	incident_count        INTEGER NOT NULL DEFAULT 0,
	incidents_by_category TEXT NOT NULL DEFAULT '{}',
	news_count            INTEGER NOT NULL DEFAULT 0,
	news_by_category      TEXT NOT NULL DEFAULT '{}',
	incident_trend        INTEGER NOT NULL DEFAULT 0,
	summary_text          TEXT NOT NULL DEFAULT '',
	created_at            TIMESTAMP NOT NULL,
	UNIQUE(week_start, municipality)
);

CREATE TABLE IF NOT EXISTS fetch_state (
	source_id    TEXT PRIMARY KEY REFERENCES sources(id),
	content_hash TEXT NOT NULL,
	fetched_at   TIMESTAMP NOT NULL
);
`

// begin starts a deferred transaction. Writers never contend: the pool is
// capped at one connection (see Open), so every linked-report/recompute step
// runs serialized regardless of when SQLite upgrades the lock.
func (s *Store) begin(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, nil)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullString(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func scanTimePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time.UTC()
	return &t
}

func scanStringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}
