// Package models defines the durable entities shared across the ingestion
// pipeline: sources, raw incident reports, canonical incidents, street
// centerlines, and weekly rollups.
package models

import (
	"time"
)

// SourceType identifies the adapter used to fetch a source.
type SourceType string

const (
	SourceTypeHTML   SourceType = "html"
	SourceTypeRSS    SourceType = "rss"
	SourceTypeAPI    SourceType = "api"
	SourceTypeAudio  SourceType = "audio"
	SourceTypeManual SourceType = "manual"
)

// Valid reports whether t is a known source type.
func (t SourceType) Valid() bool {
	switch t {
	case SourceTypeHTML, SourceTypeRSS, SourceTypeAPI, SourceTypeAudio, SourceTypeManual:
		return true
	}
	return false
}

// SourceCategory describes what kind of information a source publishes.
type SourceCategory string

const (
	SourceCategoryNews     SourceCategory = "news"
	SourceCategoryCrime    SourceCategory = "crime"
	SourceCategoryFire     SourceCategory = "fire"
	SourceCategoryPermits  SourceCategory = "permits"
	SourceCategoryBusiness SourceCategory = "business"
)

// Category is the closed set of incident categories the extractor may assign.
type Category string

const (
	CategoryViolentCrime  Category = "violent_crime"
	CategoryPropertyCrime Category = "property_crime"
	CategoryFire          Category = "fire"
	CategoryMedical       Category = "medical"
	CategoryTraffic       Category = "traffic"
	CategoryDrugs         Category = "drugs"
	CategoryMissingPerson Category = "missing_person"
	CategorySuspicious    Category = "suspicious"
	CategoryOther         Category = "other"
)

// Categories lists every member of the closed category set, in display order.
var Categories = []Category{
	CategoryViolentCrime,
	CategoryPropertyCrime,
	CategoryFire,
	CategoryMedical,
	CategoryTraffic,
	CategoryDrugs,
	CategoryMissingPerson,
	CategorySuspicious,
	CategoryOther,
}

// Valid reports whether c is in the closed category set.
func (c Category) Valid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// DedupStatus tracks a report through the deduplicator. Transitions are
// monotonic: pending -> matched | new_incident | rejected.
type DedupStatus string

const (
	DedupPending     DedupStatus = "pending"
	DedupMatched     DedupStatus = "matched"
	DedupNewIncident DedupStatus = "new_incident"
	DedupRejected    DedupStatus = "rejected"
)

// ReviewStatus is the workflow state of a canonical incident.
type ReviewStatus string

const (
	ReviewAutoPublished ReviewStatus = "auto_published"
	ReviewUnverified    ReviewStatus = "unverified"
	ReviewNeedsReview   ReviewStatus = "needs_review"
	ReviewApproved      ReviewStatus = "approved"
	ReviewRejected      ReviewStatus = "rejected"
)

// Terminal reports whether s is a human decision that automatic recompute
// must never overwrite.
func (s ReviewStatus) Terminal() bool {
	return s == ReviewApproved || s == ReviewRejected
}

// Resolution is the tier a location was resolved at. Confidence is
// non-increasing along parcel, block, centroid, unknown.
type Resolution string

const (
	ResolutionParcel   Resolution = "parcel"
	ResolutionBlock    Resolution = "block"
	ResolutionCentroid Resolution = "centroid"
	ResolutionUnknown  Resolution = "unknown"
)

// IncidentStatus is the operational lifecycle of a canonical incident.
type IncidentStatus string

const (
	IncidentActive    IncidentStatus = "active"
	IncidentResolved  IncidentStatus = "resolved"
	IncidentRetracted IncidentStatus = "retracted"
)

// Point is a WGS84 coordinate pair.
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Source is a configured data origin.
type Source struct {
	ID               string            `json:"id"`
	Name             string            `json:"name"`
	Type             SourceType        `json:"source_type"`
	URL              string            `json:"url"`
	Region           string            `json:"region"`
	Category         SourceCategory    `json:"category"`
	Municipality     string            `json:"municipality,omitempty"`
	Config           map[string]string `json:"config,omitempty"`
	IsActive         bool              `json:"is_active"`
	ReliabilityScore float64           `json:"reliability_score"`
	LastFetchedAt    *time.Time        `json:"last_fetched_at,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
}

// PollInterval returns the cadence configured for the source, or def when
// the source config does not carry one.
func (s *Source) PollInterval(def time.Duration) time.Duration {
	raw, ok := s.Config["poll_interval_s"]
	if !ok {
		return def
	}
	d, err := time.ParseDuration(raw + "s")
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// RawObservation is a single normalized item yielded by a source adapter,
// before extraction.
type RawObservation struct {
	ExternalID  string     `json:"external_id"`
	SourceURL   string     `json:"source_url"`
	RawText     string     `json:"raw_text"`
	Title       string     `json:"title,omitempty"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	ProducedAt  time.Time  `json:"produced_at"`
}

// IncidentReport is one raw observation after extraction and geocoding.
// Reports are never merged or destroyed; provenance is permanent.
type IncidentReport struct {
	ID                   string      `json:"id"`
	SourceID             string      `json:"source_id"`
	ExternalID           string      `json:"external_id"`
	SourceURL            string      `json:"source_url,omitempty"`
	RawText              string      `json:"raw_text,omitempty"`
	ExtractedData        string      `json:"extracted_data,omitempty"` // JSON payload as emitted by the extractor
	IncidentType         string      `json:"incident_type"`
	Category             Category    `json:"category"`
	Address              *string     `json:"address,omitempty"`
	City                 *string     `json:"city,omitempty"`
	Location             *Point      `json:"location,omitempty"`
	Resolution           Resolution  `json:"location_resolution"`
	LocationConfidence   float64     `json:"location_confidence"`
	UrgencyScore         int         `json:"urgency_score"`
	Description          string      `json:"description"`
	OccurredAt           *time.Time  `json:"occurred_at,omitempty"`
	IngestedAt           time.Time   `json:"ingested_at"`
	ExtractionModel      string      `json:"extraction_model"`
	ExtractionConfidence float64     `json:"extraction_confidence"`
	DedupStatus          DedupStatus `json:"dedup_status"`
	DedupProcessedAt     *time.Time  `json:"dedup_processed_at,omitempty"`
	IncidentID           *string     `json:"incident_id,omitempty"`
}

// EventTime returns the time the dedup window should compare against:
// occurred_at when the extractor found one, ingested_at otherwise. The
// stored occurred_at stays null so downstream filters can detect imprecise
// timing.
func (r *IncidentReport) EventTime() time.Time {
	if r.OccurredAt != nil {
		return *r.OccurredAt
	}
	return r.IngestedAt
}

// Incident is a canonical, deduplicated occurrence. The derived fields
// (ReportCount, SourceTypes, ConfidenceScore) are a pure function of the
// set of linked reports.
type Incident struct {
	ID                 string         `json:"id"`
	IncidentType       string         `json:"incident_type"`
	Category           Category       `json:"category"`
	UrgencyScore       int            `json:"urgency_score"`
	Location           *Point         `json:"location,omitempty"`
	Resolution         Resolution     `json:"location_resolution"`
	LocationConfidence float64        `json:"location_confidence"`
	Address            *string        `json:"address,omitempty"`
	City               *string        `json:"city,omitempty"`
	Region             string         `json:"region"`
	OccurredAt         *time.Time     `json:"occurred_at,omitempty"`
	ReportedAt         time.Time      `json:"reported_at"`
	Title              string         `json:"title"`
	Description        string         `json:"description"`
	ReportCount        int            `json:"report_count"`
	SourceTypes        []SourceType   `json:"source_types"`
	ConfidenceScore    float64        `json:"confidence_score"`
	ReviewStatus       ReviewStatus   `json:"review_status"`
	ReviewedAt         *time.Time     `json:"reviewed_at,omitempty"`
	ReviewedBy         *string        `json:"reviewed_by,omitempty"`
	Status             IncidentStatus `json:"status"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// EventTime mirrors IncidentReport.EventTime for the canonical record.
func (i *Incident) EventTime() time.Time {
	if i.OccurredAt != nil {
		return *i.OccurredAt
	}
	return i.ReportedAt
}

// StreetCenterline is cached reference geometry for block-level geocoding.
// Read-only to the pipeline; loaded from a regional import.
type StreetCenterline struct {
	ID                   string  `json:"id"`
	Region               string  `json:"region"`
	StreetName           string  `json:"street_name"`
	StreetNameNormalized string  `json:"street_name_normalized"`
	FromAddress          int     `json:"from_address"`
	ToAddress            int     `json:"to_address"`
	City                 string  `json:"city"`
	Geometry             []Point `json:"geometry"`
}

// WeeklyRollup is a per-week aggregate snapshot. Municipality empty means
// region-wide. (week_start, municipality) is unique.
type WeeklyRollup struct {
	ID                  string           `json:"id"`
	WeekStart           time.Time        `json:"week_start"`
	Municipality        string           `json:"municipality,omitempty"`
	IncidentCount       int              `json:"incident_count"`
	IncidentsByCategory map[Category]int `json:"incidents_by_category"`
	NewsCount           int              `json:"news_count"`
	NewsByCategory      map[Category]int `json:"news_by_category"`
	IncidentTrend       int              `json:"incident_trend"`
	SummaryText         string           `json:"summary_text"`
	CreatedAt           time.Time        `json:"created_at"`
}

// WeekStart truncates t to the Monday 00:00 UTC that begins its week.
func WeekStart(t time.Time) time.Time {
	t = t.UTC()
	day := t.Truncate(24 * time.Hour)
	offset := (int(day.Weekday()) + 6) % 7 // Monday=0 ... Sunday=6
	return day.AddDate(0, 0, -offset)
}
