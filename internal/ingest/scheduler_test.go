package ingest

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rangerhq/ranger/internal/config"
	"github.com/rangerhq/ranger/internal/dedup"
	"github.com/rangerhq/ranger/internal/extract"
	"github.com/rangerhq/ranger/internal/geocode"
	"github.com/rangerhq/ranger/internal/llm"
	"github.com/rangerhq/ranger/internal/models"
	"github.com/rangerhq/ranger/internal/store"
)

// countingAdapter fails the first n fetches, then returns no observations.
type countingAdapter struct {
	failures int
	fetches  int
}

func (a *countingAdapter) Fetch(ctx context.Context, src models.Source) ([]models.RawObservation, error) {
	a.fetches++
	if a.fetches <= a.failures {
		return nil, errors.New("upstream down")
	}
	return nil, nil
}

func TestSchedulerBackoffAndRecovery(t *testing.T) {
	st := openIngestStore(t)
	ctx := context.Background()

	src, err := st.UpsertSource(ctx, models.Source{
		ID:       "src-sched",
		Name:     "flaky feed",
		Type:     models.SourceTypeRSS,
		URL:      "https://example.org/feed",
		Region:   "mchenry",
		Category: models.SourceCategoryNews,
		IsActive: true,
	})
	require.NoError(t, err)

	adapter := &countingAdapter{failures: 2}
	sched := NewScheduler(st, nil, map[models.SourceType]Adapter{models.SourceTypeRSS: adapter}, nil, Options{
		BackoffInitial: time.Minute,
		BackoffMax:     4 * time.Minute,
	})

	// First cycle: fetch fails, source backs off.
	require.NoError(t, sched.RunCycle(ctx))
	assert.Equal(t, 1, adapter.fetches)

	sched.mu.Lock()
	state := sched.states[src.ID]
	sched.mu.Unlock()
	require.NotNil(t, state)
	assert.Equal(t, 1, state.consecutiveFailures)
	assert.Equal(t, time.Minute, state.backoff)

	// Not due yet: another cycle must not refetch.
	require.NoError(t, sched.RunCycle(ctx))
	assert.Equal(t, 1, adapter.fetches)

	// Force due, fail again: backoff doubles.
	sched.mu.Lock()
	state.nextFireAt = time.Now().Add(-time.Second)
	sched.mu.Unlock()
	require.NoError(t, sched.RunCycle(ctx))
	assert.Equal(t, 2, adapter.fetches)
	assert.Equal(t, 2, state.consecutiveFailures)
	assert.Equal(t, 2*time.Minute, state.backoff)

	// Force due, succeed: failure state resets.
	sched.mu.Lock()
	state.nextFireAt = time.Now().Add(-time.Second)
	sched.mu.Unlock()
	require.NoError(t, sched.RunCycle(ctx))
	assert.Equal(t, 3, adapter.fetches)
	assert.Zero(t, state.consecutiveFailures)
	assert.Zero(t, state.backoff)

	// Successful fetch records last_fetched_at.
	got, err := st.GetSource(ctx, src.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.LastFetchedAt)
}

func TestSchedulerDeactivatesAfterMaxFailures(t *testing.T) {
	st := openIngestStore(t)
	ctx := context.Background()

	src, err := st.UpsertSource(ctx, models.Source{
		ID:       "src-dead",
		Name:     "dead feed",
		Type:     models.SourceTypeRSS,
		URL:      "https://example.org/dead",
		Region:   "mchenry",
		Category: models.SourceCategoryNews,
		IsActive: true,
	})
	require.NoError(t, err)

	adapter := &countingAdapter{failures: 100}
	sched := NewScheduler(st, nil, map[models.SourceType]Adapter{models.SourceTypeRSS: adapter}, nil, Options{
		MaxFailures: 2,
	})

	require.NoError(t, sched.RunCycle(ctx))
	sched.mu.Lock()
	sched.states[src.ID].nextFireAt = time.Now().Add(-time.Second)
	sched.mu.Unlock()
	require.NoError(t, sched.RunCycle(ctx))

	// Second consecutive failure hit the limit.
	sources, err := st.ListActiveSources(ctx)
	require.NoError(t, err)
	assert.Empty(t, sources)
}

// failFirstProvider errors on its first call, then returns a fixed response.
type failFirstProvider struct {
	calls    int
	response string
}

func (p *failFirstProvider) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	p.calls++
	if p.calls == 1 {
		return nil, errors.New("model overloaded")
	}
	return &llm.ChatResponse{Content: p.response, Model: req.Model}, nil
}

func (p *failFirstProvider) Name() string { return "failfirst" }

func TestSchedulerRetriesPageAfterProcessingFailure(t *testing.T) {
	page := `<html><body><h1>Overnight fire calls</h1><p>Garage fire on Oak St.</p></body></html>`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(page))
	}))
	t.Cleanup(srv.Close)

	st := openIngestStore(t)
	ctx := context.Background()

	src, err := st.UpsertSource(ctx, models.Source{
		ID:       "src-retry",
		Name:     "fire calls page",
		Type:     models.SourceTypeHTML,
		URL:      srv.URL,
		Region:   "mchenry",
		Category: models.SourceCategoryFire,
		IsActive: true,
	})
	require.NoError(t, err)

	provider := &failFirstProvider{response: `[
  {"incident_type": "structure fire", "category": "fire", "address": null,
   "city": "Woodstock", "occurred_at": null, "title": "Garage fire",
   "description": "Garage fire on Oak St", "urgency_score": 7, "confidence": 0.8}
]`}
	pipeline := NewPipeline(st,
		extract.NewEngine(provider, "test-model", nil),
		geocode.New(nil, st, geocode.DefaultCentroids),
		dedup.NewLinker(st, dedup.DefaultConfig()))
	adapter := NewHTMLAdapter(NewFetcher(5*time.Second, nil), st)
	sched := NewScheduler(st, pipeline, map[models.SourceType]Adapter{models.SourceTypeHTML: adapter}, nil, Options{})

	// First cycle: the page is fetched but extraction fails. The content
	// hash must not be recorded, or this page version would be lost.
	require.NoError(t, sched.RunCycle(ctx))
	assert.Equal(t, 1, provider.calls)

	hash, err := st.ContentHash(ctx, src.ID)
	require.NoError(t, err)
	assert.Empty(t, hash)

	incidents, err := st.ListIncidents(ctx, store.IncidentFilter{})
	require.NoError(t, err)
	assert.Empty(t, incidents)

	// Second cycle: the unchanged page is offered again and now processes
	// cleanly, so the hash is committed.
	sched.mu.Lock()
	sched.states[src.ID].nextFireAt = time.Now().Add(-time.Second)
	sched.mu.Unlock()
	require.NoError(t, sched.RunCycle(ctx))
	assert.Equal(t, 2, provider.calls)

	hash, err = st.ContentHash(ctx, src.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, hash)

	incidents, err = st.ListIncidents(ctx, store.IncidentFilter{})
	require.NoError(t, err)
	require.Len(t, incidents, 1)
	assert.Equal(t, "Garage fire", incidents[0].Title)

	// Third cycle: identical content, committed hash, no extractor call.
	sched.mu.Lock()
	sched.states[src.ID].nextFireAt = time.Now().Add(-time.Second)
	sched.mu.Unlock()
	require.NoError(t, sched.RunCycle(ctx))
	assert.Equal(t, 2, provider.calls)
}

func TestSyncSources(t *testing.T) {
	st := openIngestStore(t)
	ctx := context.Background()

	entries := []config.SourceEntry{
		{
			Name:       "county blotter",
			SourceType: models.SourceTypeRSS,
			URL:        "https://example.org/feed",
			Category:   "crime",
			Enabled:    true,
		},
		{
			Name:       "fire scanner",
			SourceType: models.SourceTypeAudio,
			URL:        "wss://example.org/stream",
			Region:     "lake_county",
			Category:   "fire",
			Enabled:    true,
		},
	}

	_, err := SyncSources(ctx, st, entries, "mchenry_county")
	require.NoError(t, err)

	sources, err := st.ListActiveSources(ctx)
	require.NoError(t, err)
	require.Len(t, sources, 2)

	byName := make(map[string]models.Source)
	for _, s := range sources {
		byName[s.Name] = s
	}
	// Entries without a region inherit the default.
	assert.Equal(t, "mchenry_county", byName["county blotter"].Region)
	assert.Equal(t, "lake_county", byName["fire scanner"].Region)

	// Re-sync keeps identities.
	_, err = SyncSources(ctx, st, entries, "mchenry_county")
	require.NoError(t, err)
	again, err := st.ListActiveSources(ctx)
	require.NoError(t, err)
	require.Len(t, again, 2)
	for _, s := range again {
		assert.Equal(t, byName[s.Name].ID, s.ID)
	}
}
