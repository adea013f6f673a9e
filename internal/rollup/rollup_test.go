package rollup

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rangerhq/ranger/internal/models"
	"github.com/rangerhq/ranger/internal/store"
)

func TestTrend(t *testing.T) {
	cases := []struct {
		current, previous, want int
	}{
		{0, 0, 0},
		{3, 0, 100},
		{0, 4, -100},
		{6, 4, 50},
		{3, 4, -25},
		{4, 6, -33},
		{5, 5, 0},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, trend(tc.current, tc.previous),
			"current=%d previous=%d", tc.current, tc.previous)
	}
}

func TestSummarize(t *testing.T) {
	assert.Equal(t,
		"No incidents recorded in Woodstock this week.",
		summarize("Woodstock", 0, nil, 0))

	assert.Equal(t,
		"5 incidents in Woodstock this week (3 fire, 2 traffic), up 25% from last week.",
		summarize("Woodstock", 5, map[models.Category]int{
			models.CategoryFire:    3,
			models.CategoryTraffic: 2,
		}, 25))

	assert.Equal(t,
		"1 incident in the region this week (1 medical), flat from last week.",
		summarize("", 1, map[models.Category]int{models.CategoryMedical: 1}, 0))

	// Underscored categories render as words; ties order alphabetically.
	assert.Equal(t,
		"4 incidents in the region this week (2 fire, 2 property crime), down 40% from last week.",
		summarize("", 4, map[models.Category]int{
			models.CategoryPropertyCrime: 2,
			models.CategoryFire:          2,
		}, -40))

	// Only the top three categories are named.
	got := summarize("", 10, map[models.Category]int{
		models.CategoryFire:          4,
		models.CategoryTraffic:       3,
		models.CategoryMedical:       2,
		models.CategorySuspicious:    1,
	}, 0)
	assert.NotContains(t, got, "suspicious")
}

func openRollupStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "rollup.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func seedIncident(t *testing.T, st *store.Store, src models.Source, category models.Category, city string, occurred time.Time) {
	t.Helper()
	ctx := context.Background()
	report := models.IncidentReport{
		ID:                   ulid.Make().String(),
		SourceID:             src.ID,
		ExternalID:           uuid.NewString(),
		RawText:              "raw",
		IncidentType:         string(category),
		Category:             category,
		City:                 &city,
		Resolution:           models.ResolutionCentroid,
		LocationConfidence:   0.3,
		UrgencyScore:         5,
		OccurredAt:           &occurred,
		IngestedAt:           time.Now().UTC(),
		ExtractionModel:      "test-model",
		ExtractionConfidence: 0.8,
		DedupStatus:          models.DedupPending,
	}
	_, _, err := st.InsertReport(ctx, report)
	require.NoError(t, err)
	_, err = st.CreateIncidentFromReport(ctx, report, string(category))
	require.NoError(t, err)
}

func TestGenerateWeek(t *testing.T) {
	st := openRollupStore(t)
	ctx := context.Background()

	src, err := st.UpsertSource(ctx, models.Source{
		ID:       uuid.NewString(),
		Name:     "county news",
		Type:     models.SourceTypeRSS,
		URL:      "https://example.org/feed",
		Region:   "mchenry_county",
		Category: models.SourceCategoryNews,
		IsActive: true,
	})
	require.NoError(t, err)

	now := time.Now().UTC()
	weekStart := models.WeekStart(now)

	seedIncident(t, st, src, models.CategoryFire, "Woodstock", weekStart.Add(6*time.Hour))
	seedIncident(t, st, src, models.CategoryFire, "Woodstock", weekStart.Add(30*time.Hour))
	seedIncident(t, st, src, models.CategoryTraffic, "McHenry", weekStart.Add(12*time.Hour))
	// Last week.
	seedIncident(t, st, src, models.CategoryMedical, "Woodstock", weekStart.AddDate(0, 0, -3))

	engine := NewEngine(st, "mchenry_county")
	rollups, err := engine.GenerateWeek(ctx, now)
	require.NoError(t, err)

	// Region-wide plus one slice per municipality.
	require.Len(t, rollups, 3)

	region := rollups[0]
	assert.Equal(t, "", region.Municipality)
	assert.Equal(t, 3, region.IncidentCount)
	assert.Equal(t, 2, region.IncidentsByCategory[models.CategoryFire])
	assert.Equal(t, 1, region.IncidentsByCategory[models.CategoryTraffic])
	assert.Equal(t, 200, region.IncidentTrend) // 3 vs 1 last week
	assert.Equal(t, 3, region.NewsCount)       // news reports in the same window
	assert.Contains(t, region.SummaryText, "3 incidents in the region")

	var woodstock models.WeeklyRollup
	for _, r := range rollups {
		if r.Municipality == "Woodstock" {
			woodstock = r
		}
	}
	assert.Equal(t, 2, woodstock.IncidentCount)
	assert.Equal(t, 100, woodstock.IncidentTrend) // 2 vs 1 last week
	assert.Contains(t, woodstock.SummaryText, "Woodstock")
}

func TestGenerateWeekIdempotent(t *testing.T) {
	st := openRollupStore(t)
	ctx := context.Background()

	src, err := st.UpsertSource(ctx, models.Source{
		ID:       uuid.NewString(),
		Name:     "county news",
		Type:     models.SourceTypeRSS,
		URL:      "https://example.org/feed",
		Region:   "mchenry_county",
		Category: models.SourceCategoryNews,
		IsActive: true,
	})
	require.NoError(t, err)

	now := time.Now().UTC()
	seedIncident(t, st, src, models.CategoryFire, "Woodstock", models.WeekStart(now).Add(2*time.Hour))

	engine := NewEngine(st, "mchenry_county")
	_, err = engine.GenerateWeek(ctx, now)
	require.NoError(t, err)
	_, err = engine.GenerateWeek(ctx, now)
	require.NoError(t, err)

	regionWide, err := st.ListRollups(ctx, "", 4)
	require.NoError(t, err)
	require.Len(t, regionWide, 1, "regeneration overwrites, never duplicates")
	assert.Equal(t, 1, regionWide[0].IncidentCount)
}

func TestLiveCounts(t *testing.T) {
	st := openRollupStore(t)
	ctx := context.Background()

	src, err := st.UpsertSource(ctx, models.Source{
		ID:       uuid.NewString(),
		Name:     "county news",
		Type:     models.SourceTypeRSS,
		URL:      "https://example.org/feed",
		Region:   "mchenry_county",
		Category: models.SourceCategoryNews,
		IsActive: true,
	})
	require.NoError(t, err)

	now := time.Now().UTC()
	seedIncident(t, st, src, models.CategoryFire, "Woodstock", now.Add(-2*time.Hour))
	seedIncident(t, st, src, models.CategoryTraffic, "McHenry", now.AddDate(0, 0, -3))
	seedIncident(t, st, src, models.CategoryMedical, "Harvard", now.AddDate(0, 0, -10))

	engine := NewEngine(st, "mchenry_county")
	live, err := engine.Live(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, live.Last24h)
	assert.Equal(t, 2, live.Last7d)
}
