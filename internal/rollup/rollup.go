// Package rollup produces the weekly aggregate snapshots consumed by the
// digest endpoints. Rollups are deterministic from the store contents and
// idempotent: regenerating a week overwrites the previous snapshot.
package rollup

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/rangerhq/ranger/internal/models"
	"github.com/rangerhq/ranger/internal/store"
)

// Engine generates weekly rollups for one region.
type Engine struct {
	store  *store.Store
	region string
}

// NewEngine builds a rollup engine for the region.
func NewEngine(st *store.Store, region string) *Engine {
	return &Engine{store: st, region: region}
}

// GenerateWeek upserts the rollup for the week containing at, for the
// region-wide slice plus every municipality seen in the store.
func (e *Engine) GenerateWeek(ctx context.Context, at time.Time) ([]models.WeeklyRollup, error) {
	weekStart := models.WeekStart(at)

	munis, err := e.store.ListMunicipalities(ctx, e.region)
	if err != nil {
		return nil, err
	}

	// Empty municipality is the region-wide rollup.
	slices := append([]string{""}, munis...)
	out := make([]models.WeeklyRollup, 0, len(slices))
	for _, muni := range slices {
		r, err := e.generateSlice(ctx, weekStart, muni)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}

	log.Info().
		Time("week_start", weekStart).
		Int("slices", len(out)).
		Msg("Weekly rollup generated")
	return out, nil
}

func (e *Engine) generateSlice(ctx context.Context, weekStart time.Time, municipality string) (models.WeeklyRollup, error) {
	weekEnd := weekStart.AddDate(0, 0, 7)
	prevStart := weekStart.AddDate(0, 0, -7)

	incidents, err := e.store.CountIncidents(ctx, e.region, municipality, weekStart, weekEnd)
	if err != nil {
		return models.WeeklyRollup{}, err
	}
	previous, err := e.store.CountIncidents(ctx, e.region, municipality, prevStart, weekStart)
	if err != nil {
		return models.WeeklyRollup{}, err
	}
	news, err := e.store.CountNewsReports(ctx, e.region, municipality, weekStart, weekEnd)
	if err != nil {
		return models.WeeklyRollup{}, err
	}

	current := total(incidents)
	rollup := models.WeeklyRollup{
		ID:                  uuid.New().String(),
		WeekStart:           weekStart,
		Municipality:        municipality,
		IncidentCount:       current,
		IncidentsByCategory: incidents,
		NewsCount:           total(news),
		NewsByCategory:      news,
		IncidentTrend:       trend(current, total(previous)),
		SummaryText:         summarize(municipality, current, incidents, trend(current, total(previous))),
	}

	return e.store.UpsertRollup(ctx, rollup)
}

// trend is the whole-percent change week over week. A previous count of
// zero maps to 100 when anything happened this week and 0 otherwise.
func trend(current, previous int) int {
	if previous == 0 {
		if current > 0 {
			return 100
		}
		return 0
	}
	return int(math.Round(100 * float64(current-previous) / float64(previous)))
}

func total(counts map[models.Category]int) int {
	n := 0
	for _, c := range counts {
		n += c
	}
	return n
}

// summarize renders a deterministic one-paragraph digest. The counts and
// trend are the contract; the wording is presentation.
func summarize(municipality string, current int, byCategory map[models.Category]int, trendPct int) string {
	area := "the region"
	if municipality != "" {
		area = municipality
	}

	if current == 0 {
		return fmt.Sprintf("No incidents recorded in %s this week.", area)
	}

	type catCount struct {
		cat models.Category
		n   int
	}
	top := make([]catCount, 0, len(byCategory))
	for cat, n := range byCategory {
		if n > 0 {
			top = append(top, catCount{cat, n})
		}
	}
	sort.Slice(top, func(i, j int) bool {
		if top[i].n != top[j].n {
			return top[i].n > top[j].n
		}
		return top[i].cat < top[j].cat
	})
	if len(top) > 3 {
		top = top[:3]
	}

	parts := make([]string, 0, len(top))
	for _, tc := range top {
		parts = append(parts, fmt.Sprintf("%d %s", tc.n, strings.ReplaceAll(string(tc.cat), "_", " ")))
	}

	noun := "incidents"
	if current == 1 {
		noun = "incident"
	}

	direction := "flat"
	switch {
	case trendPct > 0:
		direction = fmt.Sprintf("up %d%%", trendPct)
	case trendPct < 0:
		direction = fmt.Sprintf("down %d%%", -trendPct)
	}

	return fmt.Sprintf("%d %s in %s this week (%s), %s from last week.",
		current, noun, area, strings.Join(parts, ", "), direction)
}

// LiveCounts is the last-24h / last-7d incident snapshot returned alongside
// rollups.
type LiveCounts struct {
	Last24h int `json:"last_24h"`
	Last7d  int `json:"last_7d"`
}

// Live reads the current live counters for the region.
func (e *Engine) Live(ctx context.Context) (LiveCounts, error) {
	now := time.Now().UTC()
	day, err := e.store.CountIncidentsSince(ctx, e.region, now.Add(-24*time.Hour))
	if err != nil {
		return LiveCounts{}, err
	}
	week, err := e.store.CountIncidentsSince(ctx, e.region, now.AddDate(0, 0, -7))
	if err != nil {
		return LiveCounts{}, err
	}
	return LiveCounts{Last24h: day, Last7d: week}, nil
}
