package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/rangerhq/ranger/internal/dedup"
	"github.com/rangerhq/ranger/internal/extract"
	"github.com/rangerhq/ranger/internal/geocode"
	"github.com/rangerhq/ranger/internal/metrics"
	"github.com/rangerhq/ranger/internal/models"
	"github.com/rangerhq/ranger/internal/store"
)

// Pipeline carries one raw observation through extraction, geocoding,
// persistence, and deduplication.
type Pipeline struct {
	store    *store.Store
	engine   *extract.Engine
	geocoder *geocode.Geocoder
	linker   *dedup.Linker
}

// NewPipeline wires the processing stages together.
func NewPipeline(st *store.Store, engine *extract.Engine, geo *geocode.Geocoder, linker *dedup.Linker) *Pipeline {
	return &Pipeline{store: st, engine: engine, geocoder: geo, linker: linker}
}

// ProcessObservation runs the full pipeline for one observation and returns
// how many reports it produced. Failures on individual extracted candidates
// are logged and skipped; only extraction itself is fatal for the
// observation.
func (p *Pipeline) ProcessObservation(ctx context.Context, src models.Source, obs models.RawObservation) (int, error) {
	extracted, err := p.engine.Extract(ctx, obs.RawText, extract.Hints{
		SourceType: src.Type,
		Region:     src.Region,
	})
	if err != nil {
		metrics.Get().CountExtraction("malformed")
		return 0, err
	}
	if len(extracted) == 0 {
		metrics.Get().CountExtraction("empty")
		return 0, nil
	}
	metrics.Get().CountExtraction("extracted")

	processed := 0
	for i, cand := range extracted {
		if err := p.processCandidate(ctx, src, obs, cand, i); err != nil {
			log.Error().Err(err).
				Str("source", src.Name).
				Str("external_id", obs.ExternalID).
				Str("incident_type", cand.IncidentType).
				Msg("Failed to process extracted candidate")
			continue
		}
		processed++
	}
	return processed, nil
}

func (p *Pipeline) processCandidate(ctx context.Context, src models.Source, obs models.RawObservation, cand extract.Extracted, ordinal int) error {
	report := p.buildReport(ctx, src, obs, cand, ordinal)

	stored, inserted, err := p.store.InsertReport(ctx, report)
	if err != nil {
		return err
	}
	if !inserted {
		// Same (source_id, external_id) seen before; retry of a prior
		// cycle. Nothing further to do unless dedup never ran.
		if stored.DedupStatus != models.DedupPending {
			return nil
		}
		report = stored
	}

	decision, err := p.linker.Process(ctx, report, cand.Title)
	if err != nil {
		return err
	}

	outcome := "new_incident"
	if decision.Matched {
		outcome = "matched"
	}
	metrics.Get().CountDedup(outcome)
	log.Info().
		Str("source", src.Name).
		Str("report_id", report.ID).
		Str("incident_id", decision.Incident.ID).
		Str("outcome", outcome).
		Float64("score", decision.Score).
		Int("candidates", decision.CandidateCt).
		Msg("Report processed")
	return nil
}

// ProcessPending drains reports that were inserted outside the fetch path
// (manual sources, tip-line entries) through deduplication. Returns how many
// reports were processed.
func (p *Pipeline) ProcessPending(ctx context.Context, limit int) (int, error) {
	pending, err := p.store.ListPendingReports(ctx, limit)
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, report := range pending {
		title := report.IncidentType
		var cand extract.Extracted
		if report.ExtractedData != "" && json.Unmarshal([]byte(report.ExtractedData), &cand) == nil && cand.Title != "" {
			title = cand.Title
		}

		decision, err := p.linker.Process(ctx, report, title)
		if err != nil {
			log.Error().Err(err).Str("report_id", report.ID).Msg("Failed to process pending report")
			continue
		}
		outcome := "new_incident"
		if decision.Matched {
			outcome = "matched"
		}
		metrics.Get().CountDedup(outcome)
		processed++
	}
	if processed > 0 {
		log.Info().Int("reports", processed).Msg("Pending reports drained")
	}
	return processed, nil
}

// buildReport assembles the durable report record, geocoding when the
// extractor produced any location signal.
func (p *Pipeline) buildReport(ctx context.Context, src models.Source, obs models.RawObservation, cand extract.Extracted, ordinal int) models.IncidentReport {
	report := models.IncidentReport{
		ID:                   ulid.Make().String(),
		SourceID:             src.ID,
		ExternalID:           externalIDFor(obs, cand, ordinal),
		SourceURL:            obs.SourceURL,
		RawText:              obs.RawText,
		IncidentType:         cand.IncidentType,
		Category:             cand.Category,
		Address:              cand.Address,
		City:                 cand.City,
		Resolution:           models.ResolutionUnknown,
		UrgencyScore:         cand.UrgencyScore,
		Description:          cand.Description,
		OccurredAt:           cand.OccurredAt,
		IngestedAt:           time.Now().UTC(),
		ExtractionModel:      cand.Model,
		ExtractionConfidence: cand.Confidence,
		DedupStatus:          models.DedupPending,
	}

	if data, err := json.Marshal(cand); err == nil {
		report.ExtractedData = string(data)
	}

	if cand.Address != nil || cand.City != nil {
		result := p.geocoder.Geocode(ctx, geocode.Query{
			Address: deref(cand.Address),
			City:    deref(cand.City),
			Region:  src.Region,
		})
		metrics.Get().CountGeocode(string(result.Resolution))
		report.Location = result.Point
		report.Resolution = result.Resolution
		report.LocationConfidence = result.Confidence
	} else {
		metrics.Get().CountGeocode(string(models.ResolutionUnknown))
	}

	return report
}

// externalIDFor keys a report. Observations yielding several candidates get
// a per-candidate suffix so each survives the (source_id, external_id)
// uniqueness constraint.
func externalIDFor(obs models.RawObservation, cand extract.Extracted, ordinal int) string {
	if ordinal == 0 {
		return obs.ExternalID
	}
	return obs.ExternalID + ":" + hashID(cand.IncidentType, cand.Title, cand.Description)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
