package extract

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rangerhq/ranger/internal/llm"
	"github.com/rangerhq/ranger/internal/models"
)

type fakeProvider struct {
	responses []string
	calls     int
	lastReq   llm.ChatRequest
}

func (f *fakeProvider) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	f.lastReq = req
	if f.calls >= len(f.responses) {
		return nil, errors.New("no more responses")
	}
	resp := f.responses[f.calls]
	f.calls++
	return &llm.ChatResponse{Content: resp}, nil
}

func (f *fakeProvider) Name() string { return "fake" }

const goodResponse = `[
  {
    "incident_type": "structure fire",
    "category": "fire",
    "address": "100 block of N Main St",
    "city": "Crystal Lake",
    "occurred_at": "2025-06-03T14:30:00Z",
    "title": "Structure fire on N Main St",
    "description": "Crews responded to a garage fire.",
    "urgency_score": 7,
    "confidence": 0.85
  }
]`

func TestExtractParsesIncidents(t *testing.T) {
	provider := &fakeProvider{responses: []string{goodResponse}}
	e := NewEngine(provider, "test-model", nil)

	out, err := e.Extract(context.Background(), "Fire reported on Main Street...", Hints{
		SourceType: models.SourceTypeRSS,
		Region:     "mchenry_county",
	})

	require.NoError(t, err)
	require.Len(t, out, 1)
	inc := out[0]
	assert.Equal(t, "structure fire", inc.IncidentType)
	assert.Equal(t, models.CategoryFire, inc.Category)
	require.NotNil(t, inc.Address)
	assert.Equal(t, "100 block of N Main St", *inc.Address)
	assert.Equal(t, 7, inc.UrgencyScore)
	assert.InDelta(t, 0.85, inc.Confidence, 1e-9)
	assert.Equal(t, "test-model", inc.Model)
	require.NotNil(t, inc.OccurredAt)
	assert.Equal(t, 14, inc.OccurredAt.UTC().Hour())
}

func TestExtractEmptyInput(t *testing.T) {
	provider := &fakeProvider{}
	e := NewEngine(provider, "m", nil)

	out, err := e.Extract(context.Background(), "   \n\t ", Hints{SourceType: models.SourceTypeRSS})
	require.NoError(t, err)
	assert.Nil(t, out)
	assert.Zero(t, provider.calls)
}

func TestExtractRetriesThenFails(t *testing.T) {
	provider := &fakeProvider{responses: []string{
		"I could not find any incidents, sorry!",
		"still no JSON here",
		"nope",
	}}
	e := NewEngine(provider, "m", nil)

	_, err := e.Extract(context.Background(), "some text", Hints{SourceType: models.SourceTypeRSS})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMalformed)
	assert.Equal(t, 3, provider.calls)
}

func TestExtractRecoversOnRetry(t *testing.T) {
	provider := &fakeProvider{responses: []string{
		"not json",
		"Here you go:\n```json\n" + goodResponse + "\n```",
	}}
	e := NewEngine(provider, "m", nil)

	out, err := e.Extract(context.Background(), "some text", Hints{SourceType: models.SourceTypeRSS})
	require.NoError(t, err)
	assert.Len(t, out, 1)
	assert.Equal(t, 2, provider.calls)
}

func TestExtractEmptyArrayMeansNoIncidents(t *testing.T) {
	provider := &fakeProvider{responses: []string{"[]"}}
	e := NewEngine(provider, "m", nil)

	out, err := e.Extract(context.Background(), "weather report, nothing happening", Hints{SourceType: models.SourceTypeRSS})
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestConvertValidation(t *testing.T) {
	e := NewEngine(&fakeProvider{}, "m", nil)

	str := func(s string) *string { return &s }
	f := func(v float64) *float64 { return &v }

	t.Run("unknown category dropped", func(t *testing.T) {
		out, err := e.parse(`[{"incident_type":"x","category":"arson"}]`, models.SourceTypeRSS)
		require.NoError(t, err)
		assert.Empty(t, out)
	})

	t.Run("clamps out-of-range scores", func(t *testing.T) {
		inc, err := e.convert(wireIncident{
			IncidentType: str("crash"),
			Category:     str("traffic"),
			UrgencyScore: f(42),
			Confidence:   f(1.7),
		}, models.SourceTypeRSS)
		require.NoError(t, err)
		assert.Equal(t, 10, inc.UrgencyScore)
		assert.Equal(t, 1.0, inc.Confidence)
	})

	t.Run("audio confidence capped", func(t *testing.T) {
		inc, err := e.convert(wireIncident{
			IncidentType: str("shots fired"),
			Category:     str("violent_crime"),
			Confidence:   f(0.95),
		}, models.SourceTypeAudio)
		require.NoError(t, err)
		assert.Equal(t, audioConfidenceCap, inc.Confidence)
	})

	t.Run("blank strings become nulls", func(t *testing.T) {
		inc, err := e.convert(wireIncident{
			IncidentType: str("crash"),
			Category:     str("traffic"),
			Address:      str("   "),
			City:         str(""),
		}, models.SourceTypeRSS)
		require.NoError(t, err)
		assert.Nil(t, inc.Address)
		assert.Nil(t, inc.City)
	})

	t.Run("unparseable timestamp stays null", func(t *testing.T) {
		inc, err := e.convert(wireIncident{
			IncidentType: str("crash"),
			Category:     str("traffic"),
			OccurredAt:   str("yesterday afternoon"),
		}, models.SourceTypeRSS)
		require.NoError(t, err)
		assert.Nil(t, inc.OccurredAt)
	})

	t.Run("title defaults to incident type", func(t *testing.T) {
		inc, err := e.convert(wireIncident{
			IncidentType: str("vehicle crash"),
			Category:     str("traffic"),
		}, models.SourceTypeRSS)
		require.NoError(t, err)
		assert.Equal(t, "vehicle crash", inc.Title)
	})
}

func TestExtractJSONArray(t *testing.T) {
	assert.Equal(t, `[1,2]`, extractJSONArray("prefix [1,2] suffix"))
	assert.Equal(t, `[{"a":[1]}]`, extractJSONArray("```json\n[{\"a\":[1]}]\n```"))
	assert.Empty(t, extractJSONArray("no array here"))
}
