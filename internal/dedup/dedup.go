// Package dedup associates raw reports with canonical incidents without
// merging them. A report either links to a nearby same-window incident or
// materializes a new one; either way the report keeps its identity and the
// incident aggregates confidence from all linked reports.
package dedup

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rangerhq/ranger/internal/geo"
	"github.com/rangerhq/ranger/internal/models"
	"github.com/rangerhq/ranger/internal/store"
)

// Scoring weights. All three terms are always retained, even when a term is
// zero, so ranking stays correct when times or types are missing.
const (
	weightDistance = 0.5
	weightTime     = 0.3
	weightType     = 0.2
)

// Config carries the spatiotemporal thresholds. The 0.55 threshold is
// canonical; it is configurable but must never change silently.
type Config struct {
	RadiusMeters float64
	Window       time.Duration
	Threshold    float64
}

// DefaultConfig returns the canonical thresholds.
func DefaultConfig() Config {
	return Config{
		RadiusMeters: 300,
		Window:       3 * time.Hour,
		Threshold:    0.55,
	}
}

// Decision records the outcome of deduplicating one report.
type Decision struct {
	Incident    models.Incident
	Matched     bool
	Score       float64
	DistanceM   float64
	TimeDelta   time.Duration
	CandidateCt int
}

// Linker runs candidate search, scoring, and the link-or-create decision.
type Linker struct {
	store *store.Store
	cfg   Config
}

// NewLinker creates a linker over the given store.
func NewLinker(st *store.Store, cfg Config) *Linker {
	if cfg.RadiusMeters <= 0 {
		cfg.RadiusMeters = DefaultConfig().RadiusMeters
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig().Window
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultConfig().Threshold
	}
	return &Linker{store: st, cfg: cfg}
}

// Process links a pending report to the best-matching incident, or creates a
// new canonical incident from it. The report's raw text and extracted data
// are never modified.
func (l *Linker) Process(ctx context.Context, report models.IncidentReport, title string) (Decision, error) {
	// A report with no resolved location cannot satisfy the distance
	// predicate against any candidate; it becomes its own incident.
	if report.Location == nil {
		inc, err := l.store.CreateIncidentFromReport(ctx, report, title)
		if err != nil {
			return Decision{}, err
		}
		return Decision{Incident: inc}, nil
	}

	eventTime := report.EventTime()
	candidates, err := l.store.FindCandidates(ctx, *report.Location, eventTime, l.cfg.RadiusMeters, l.cfg.Window)
	if err != nil {
		return Decision{}, err
	}

	best, ok := l.pick(report, eventTime, candidates)
	if ok && best.score >= l.cfg.Threshold {
		inc, err := l.store.LinkReport(ctx, report.ID, best.incident.ID)
		if err != nil {
			return Decision{}, err
		}
		log.Debug().
			Str("report", report.ID).
			Str("incident", inc.ID).
			Float64("score", best.score).
			Float64("distance_m", best.distance).
			Msg("report linked to existing incident")
		return Decision{
			Incident:    inc,
			Matched:     true,
			Score:       best.score,
			DistanceM:   best.distance,
			TimeDelta:   best.timeDelta,
			CandidateCt: len(candidates),
		}, nil
	}

	inc, err := l.store.CreateIncidentFromReport(ctx, report, title)
	if err != nil {
		return Decision{}, err
	}
	dec := Decision{Incident: inc, CandidateCt: len(candidates)}
	if ok {
		dec.Score = best.score
		dec.DistanceM = best.distance
		dec.TimeDelta = best.timeDelta
	}
	return dec, nil
}

type scored struct {
	incident  models.Incident
	score     float64
	distance  float64
	timeDelta time.Duration
}

// pick scores each candidate and returns the winner under the deterministic
// tie-break: highest score, then smallest distance, then smallest time
// delta, then smallest incident id.
func (l *Linker) pick(report models.IncidentReport, eventTime time.Time, candidates []models.Incident) (scored, bool) {
	results := make([]scored, 0, len(candidates))
	for _, cand := range candidates {
		if cand.Location == nil {
			continue
		}
		distance := geo.Distance(*report.Location, *cand.Location)
		if distance > l.cfg.RadiusMeters {
			// Bounding-box prefilter corners exceed the true radius.
			continue
		}
		delta := eventTime.Sub(cand.EventTime())
		if delta < 0 {
			delta = -delta
		}
		if delta > l.cfg.Window {
			continue
		}
		results = append(results, scored{
			incident:  cand,
			score:     l.score(report.IncidentType, cand.IncidentType, distance, delta),
			distance:  distance,
			timeDelta: delta,
		})
	}
	if len(results) == 0 {
		return scored{}, false
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].score != results[j].score {
			return results[i].score > results[j].score
		}
		if results[i].distance != results[j].distance {
			return results[i].distance < results[j].distance
		}
		if results[i].timeDelta != results[j].timeDelta {
			return results[i].timeDelta < results[j].timeDelta
		}
		return results[i].incident.ID < results[j].incident.ID
	})
	return results[0], true
}

func (l *Linker) score(reportType, candidateType string, distance float64, delta time.Duration) float64 {
	distScore := 1 - distance/l.cfg.RadiusMeters
	timeScore := 1 - math.Abs(delta.Minutes())/l.cfg.Window.Minutes()

	var typeScore float64
	if reportType != "" && reportType == candidateType {
		typeScore = 1
	}

	return weightDistance*distScore + weightTime*timeScore + weightType*typeScore
}
