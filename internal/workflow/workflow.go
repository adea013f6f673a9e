// Package workflow holds the confidence aggregation and review state machine
// for canonical incidents. Everything here is a pure function of the linked
// report set so the store can recompute derived fields inside a transaction.
package workflow

import (
	"sort"

	"github.com/rangerhq/ranger/internal/models"
)

// Bonus caps: corroborating reports add up to +0.15, source-type diversity
// up to +0.20, and the aggregate never exceeds 0.99.
const (
	reportBonusStep  = 0.05
	reportBonusCap   = 3
	sourceBonusStep  = 0.10
	sourceBonusCap   = 2
	confidenceCeil   = 0.99
	autoPublishFloor = 0.9
	unverifiedFloor  = 0.6
)

// ReportSignal is the per-report contribution to an incident's derived state.
type ReportSignal struct {
	ExtractionConfidence float64
	SourceType           models.SourceType
}

// Derived is the recomputed summary of an incident's linked report set.
type Derived struct {
	ReportCount     int
	SourceTypes     []models.SourceType
	ConfidenceScore float64
}

// Derive computes the derived fields from the current set of linked reports.
// It is deterministic: source types come back sorted.
func Derive(signals []ReportSignal) Derived {
	if len(signals) == 0 {
		return Derived{SourceTypes: []models.SourceType{}}
	}

	var sum float64
	kinds := make(map[models.SourceType]struct{})
	for _, sig := range signals {
		sum += sig.ExtractionConfidence
		kinds[sig.SourceType] = struct{}{}
	}

	types := make([]models.SourceType, 0, len(kinds))
	for t := range kinds {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	avg := sum / float64(len(signals))
	return Derived{
		ReportCount:     len(signals),
		SourceTypes:     types,
		ConfidenceScore: Confidence(avg, len(signals), len(kinds)),
	}
}

// Confidence combines the mean extraction confidence with corroboration and
// source-diversity bonuses, capped at 0.99.
func Confidence(avgExtraction float64, reportCount, sourceKinds int) float64 {
	conf := avgExtraction
	conf += reportBonusStep * float64(minInt(reportCount-1, reportBonusCap))
	conf += sourceBonusStep * float64(minInt(sourceKinds-1, sourceBonusCap))
	if conf > confidenceCeil {
		conf = confidenceCeil
	}
	return conf
}

// Propose maps a confidence score to the automatic review status.
func Propose(confidence float64) models.ReviewStatus {
	switch {
	case confidence >= autoPublishFloor:
		return models.ReviewAutoPublished
	case confidence >= unverifiedFloor:
		return models.ReviewUnverified
	default:
		return models.ReviewNeedsReview
	}
}

// NextStatus applies the override rule: a human decision (approved or
// rejected) is never overwritten by automatic recompute.
func NextStatus(current models.ReviewStatus, confidence float64) models.ReviewStatus {
	if current.Terminal() {
		return current
	}
	return Propose(confidence)
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
