package dedup

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

type fixture struct {
	store  *store.Store
	linker *Linker
	source models.Source
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "dedup.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	src, err := st.UpsertSource(context.Background(), models.Source{
		Name:     "test-feed",
		Type:     models.SourceTypeRSS,
		URL:      "https://example.com/feed.xml",
		Region:   "mchenry_county",
		Category: models.SourceCategoryNews,
		IsActive: true,
	})
	require.NoError(t, err)

	return &fixture{
		store:  st,
		linker: NewLinker(st, DefaultConfig()),
		source: src,
	}
}

func (f *fixture) report(t *testing.T, incidentType string, loc *models.Point, occurred time.Time) models.IncidentReport {
	t.Helper()
	r := models.IncidentReport{
		ID:                   ulid.Make().String(),
		SourceID:             f.source.ID,
		ExternalID:           uuid.NewString(),
		IncidentType:         incidentType,
		Category:             models.CategoryFire,
		Location:             loc,
		Resolution:           models.ResolutionBlock,
		LocationConfidence:   0.7,
		UrgencyScore:         6,
		Description:          "desc",
		OccurredAt:           &occurred,
		IngestedAt:           time.Now().UTC(),
		ExtractionModel:      "m",
		ExtractionConfidence: 0.8,
		DedupStatus:          models.DedupPending,
	}
	_, _, err := f.store.InsertReport(context.Background(), r)
	require.NoError(t, err)
	return r
}

func TestProcessNilLocationCreatesIncident(t *testing.T) {
	f := newFixture(t)
	occurred := time.Now().UTC()

	r := f.report(t, "structure fire", nil, occurred)
	dec, err := f.linker.Process(context.Background(), r, "Fire somewhere")
	require.NoError(t, err)

	assert.False(t, dec.Matched)
	assert.NotEmpty(t, dec.Incident.ID)
	assert.Zero(t, dec.CandidateCt)

	got, err := f.store.GetReport(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DedupNewIncident, got.DedupStatus)
}

func TestProcessLinksNearbyReport(t *testing.T) {
	f := newFixture(t)
	occurred := time.Now().UTC().Add(-time.Hour)
	loc := models.Point{Lat: 42.2400, Lon: -88.3100}

	first := f.report(t, "structure fire", &loc, occurred)
	firstDec, err := f.linker.Process(context.Background(), first, "Fire on Main")
	require.NoError(t, err)

	// ~50 m away, 20 minutes later, same type: well above threshold.
	nearby := models.Point{Lat: loc.Lat + 50.0/111320.0, Lon: loc.Lon}
	second := f.report(t, "structure fire", &nearby, occurred.Add(20*time.Minute))
	dec, err := f.linker.Process(context.Background(), second, "Fire on Main St update")
	require.NoError(t, err)

	assert.True(t, dec.Matched)
	assert.Equal(t, firstDec.Incident.ID, dec.Incident.ID)
	assert.Greater(t, dec.Score, 0.55)
	assert.Equal(t, 2, dec.Incident.ReportCount)
	assert.InDelta(t, 50, dec.DistanceM, 2)
}

func TestProcessLowScoreCreatesNewIncident(t *testing.T) {
	f := newFixture(t)
	occurred := time.Now().UTC().Add(-time.Hour)
	loc := models.Point{Lat: 42.2400, Lon: -88.3100}

	first := f.report(t, "structure fire", &loc, occurred)
	firstDec, err := f.linker.Process(context.Background(), first, "Fire")
	require.NoError(t, err)

	// ~290 m away, nearly 3 h later, different type:
	// 0.5*0.03 + 0.3*0.04 + 0 ≈ 0.03, far below 0.55.
	edge := models.Point{Lat: loc.Lat + 290.0/111320.0, Lon: loc.Lon}
	second := f.report(t, "vehicle crash", &edge, occurred.Add(173*time.Minute))
	dec, err := f.linker.Process(context.Background(), second, "Crash")
	require.NoError(t, err)

	assert.False(t, dec.Matched)
	assert.NotEqual(t, firstDec.Incident.ID, dec.Incident.ID)
	assert.Equal(t, 1, dec.CandidateCt)
	assert.Less(t, dec.Score, 0.55)
}

func TestProcessPrefersClosestCandidate(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC().Add(-4 * time.Hour)
	center := models.Point{Lat: 42.2400, Lon: -88.3100}

	// Two same-type candidates, placed 5 h apart so they cannot link to
	// each other, both within the incoming report's window.
	far := models.Point{Lat: center.Lat + 100.0/111320.0, Lon: center.Lon}
	_, err := f.linker.Process(context.Background(), f.report(t, "structure fire", &far, now.Add(-150*time.Minute)), "far")
	require.NoError(t, err)

	near := models.Point{Lat: center.Lat + 40.0/111320.0, Lon: center.Lon}
	nearDec, err := f.linker.Process(context.Background(), f.report(t, "structure fire", &near, now.Add(150*time.Minute)), "near")
	require.NoError(t, err)

	incoming := f.report(t, "structure fire", &center, now)
	dec, err := f.linker.Process(context.Background(), incoming, "between")
	require.NoError(t, err)

	require.True(t, dec.Matched)
	assert.Equal(t, nearDec.Incident.ID, dec.Incident.ID)
	assert.Equal(t, 2, dec.CandidateCt)
}

func TestProcessLinksAtExactWindowEdge(t *testing.T) {
	f := newFixture(t)
	occurred := time.Now().UTC().Add(-6 * time.Hour).Truncate(time.Second)
	loc := models.Point{Lat: 42.2400, Lon: -88.3100}

	first := f.report(t, "structure fire", &loc, occurred)
	firstDec, err := f.linker.Process(context.Background(), first, "Fire on Main")
	require.NoError(t, err)

	// Same spot, same type, exactly the window width later. The edge is
	// inclusive, and with the time term at zero the score is still
	// 0.5 + 0.2 = 0.7.
	second := f.report(t, "structure fire", &loc, occurred.Add(DefaultConfig().Window))
	dec, err := f.linker.Process(context.Background(), second, "Fire on Main follow-up")
	require.NoError(t, err)

	assert.True(t, dec.Matched)
	assert.Equal(t, firstDec.Incident.ID, dec.Incident.ID)
	assert.InDelta(t, 0.7, dec.Score, 1e-6)
}

func TestProcessOutsideWindowCreatesNewIncident(t *testing.T) {
	f := newFixture(t)
	occurred := time.Now().UTC().Add(-6 * time.Hour).Truncate(time.Second)
	loc := models.Point{Lat: 42.2400, Lon: -88.3100}

	first := f.report(t, "structure fire", &loc, occurred)
	firstDec, err := f.linker.Process(context.Background(), first, "Overnight fire")
	require.NoError(t, err)

	// 209 minutes later (a 02:31 report vs a 06:00 follow-up) falls
	// outside the 3 h window, so even an identical location and type
	// starts a fresh incident.
	second := f.report(t, "structure fire", &loc, occurred.Add(209*time.Minute))
	dec, err := f.linker.Process(context.Background(), second, "Morning follow-up")
	require.NoError(t, err)

	assert.False(t, dec.Matched)
	assert.NotEqual(t, firstDec.Incident.ID, dec.Incident.ID)
	assert.Zero(t, dec.CandidateCt)
}

func TestScoreFormula(t *testing.T) {
	l := NewLinker(nil, DefaultConfig())

	t.Run("identical", func(t *testing.T) {
		s := l.score("fire", "fire", 0, 0)
		assert.InDelta(t, 1.0, s, 1e-9)
	})

	t.Run("all terms zero", func(t *testing.T) {
		s := l.score("fire", "crash", 300, 3*time.Hour)
		assert.InDelta(t, 0.0, s, 1e-9)
	})

	t.Run("weights retained when type differs", func(t *testing.T) {
		// 0.5*(1-150/300) + 0.3*(1-90/180) + 0
		s := l.score("fire", "crash", 150, 90*time.Minute)
		assert.InDelta(t, 0.4, s, 1e-9)
	})

	t.Run("empty type never matches", func(t *testing.T) {
		s := l.score("", "", 0, 0)
		assert.InDelta(t, 0.8, s, 1e-9)
	})
}
