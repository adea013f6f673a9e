// Package extract converts raw observation text into candidate structured
// incidents via an LLM. The extractor is stateless; malformed or
// low-confidence outputs are routed, never crashed on.
package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/rangerhq/ranger/internal/llm"
	"github.com/rangerhq/ranger/internal/metrics"
	"github.com/rangerhq/ranger/internal/models"
)

// ErrMalformed indicates the extractor's own output could not be parsed.
// The caller drops the report but keeps the raw text for inspection.
var ErrMalformed = errors.New("extractor output malformed")

// Retries of the same prompt are bounded: a model that cannot produce valid
// JSON twice in a row will not produce it on the tenth try either.
const maxPromptRetries = 2

// audioConfidenceCap limits scanner-sourced extraction confidence. Radio
// traffic is less verified than published reporting.
const audioConfidenceCap = 0.7

// Extracted is a candidate structured incident with explicit nulls for
// fields the model could not determine.
type Extracted struct {
	IncidentType string          `json:"incident_type"`
	Category     models.Category `json:"category"`
	Address      *string         `json:"address"`
	City         *string         `json:"city"`
	OccurredAt   *time.Time      `json:"occurred_at"`
	Title        string          `json:"title"`
	Description  string          `json:"description"`
	UrgencyScore int             `json:"urgency_score"`
	Confidence   float64         `json:"confidence"`
	Model        string          `json:"model"`
}

// Hints carries source context into the prompt.
type Hints struct {
	SourceType models.SourceType
	Region     string
}

// Engine drives LLM extraction.
type Engine struct {
	provider llm.Provider
	model    string
	limiter  *rate.Limiter
}

// NewEngine creates an extraction engine. limiter may be nil to disable
// rate limiting (tests).
func NewEngine(provider llm.Provider, model string, limiter *rate.Limiter) *Engine {
	return &Engine{provider: provider, model: model, limiter: limiter}
}

// Extract converts raw text into zero or more candidate incidents.
// HTML input is cleaned first; all input is truncated to the prompt budget.
func (e *Engine) Extract(ctx context.Context, rawText string, hints Hints) ([]Extracted, error) {
	text := rawText
	if hints.SourceType == models.SourceTypeHTML {
		text = CleanHTML(text)
	}
	text = Truncate(text)
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	var lastErr error
	for attempt := 0; attempt <= maxPromptRetries; attempt++ {
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		callStart := time.Now()
		resp, err := e.provider.Chat(ctx, llm.ChatRequest{
			Model:     e.model,
			System:    extractionPrompt,
			MaxTokens: 2000,
			Messages: []llm.Message{
				{Role: "user", Content: userPrompt(text, string(hints.SourceType), hints.Region)},
			},
		})
		metrics.Get().ObserveLLM(time.Since(callStart))
		if err != nil {
			return nil, fmt.Errorf("extraction call: %w", err)
		}

		extracted, err := e.parse(resp.Content, hints.SourceType)
		if err != nil {
			lastErr = err
			log.Warn().Err(err).Int("attempt", attempt+1).Msg("Extractor output unparseable, retrying")
			continue
		}
		return extracted, nil
	}

	return nil, fmt.Errorf("%w: %v", ErrMalformed, lastErr)
}

// wireIncident mirrors the JSON shape the prompt demands. Pointers preserve
// the null/absent distinction.
type wireIncident struct {
	IncidentType *string  `json:"incident_type"`
	Category     *string  `json:"category"`
	Address      *string  `json:"address"`
	City         *string  `json:"city"`
	OccurredAt   *string  `json:"occurred_at"`
	Title        *string  `json:"title"`
	Description  *string  `json:"description"`
	UrgencyScore *float64 `json:"urgency_score"`
	Confidence   *float64 `json:"confidence"`
}

func (e *Engine) parse(response string, sourceType models.SourceType) ([]Extracted, error) {
	raw := extractJSONArray(response)
	if raw == "" {
		return nil, fmt.Errorf("no JSON array in response")
	}

	var items []wireIncident
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil, fmt.Errorf("decode incidents: %w", err)
	}

	extracted := make([]Extracted, 0, len(items))
	for i, item := range items {
		inc, err := e.convert(item, sourceType)
		if err != nil {
			// Per-item failures do not abort the batch; the rejected item
			// is logged and skipped.
			log.Warn().Err(err).Int("item", i).Msg("Dropping malformed extracted incident")
			continue
		}
		extracted = append(extracted, inc)
	}
	return extracted, nil
}

func (e *Engine) convert(item wireIncident, sourceType models.SourceType) (Extracted, error) {
	if item.IncidentType == nil || strings.TrimSpace(*item.IncidentType) == "" {
		return Extracted{}, fmt.Errorf("missing incident_type")
	}
	if item.Category == nil {
		return Extracted{}, fmt.Errorf("missing category")
	}
	category := models.Category(strings.ToLower(strings.TrimSpace(*item.Category)))
	if !category.Valid() {
		return Extracted{}, fmt.Errorf("category %q not in closed set", *item.Category)
	}

	inc := Extracted{
		IncidentType: strings.TrimSpace(*item.IncidentType),
		Category:     category,
		Address:      trimPtr(item.Address),
		City:         trimPtr(item.City),
		UrgencyScore: 5,
		Confidence:   0.5,
		Model:        e.model,
	}
	if item.Title != nil {
		inc.Title = strings.TrimSpace(*item.Title)
	}
	if item.Description != nil {
		inc.Description = strings.TrimSpace(*item.Description)
	}
	if inc.Title == "" {
		inc.Title = inc.IncidentType
	}
	if item.UrgencyScore != nil {
		inc.UrgencyScore = clampInt(int(*item.UrgencyScore), 1, 10)
	}
	if item.Confidence != nil {
		inc.Confidence = clampFloat(*item.Confidence, 0, 1)
	}
	if sourceType == models.SourceTypeAudio && inc.Confidence > audioConfidenceCap {
		inc.Confidence = audioConfidenceCap
	}
	if item.OccurredAt != nil && strings.TrimSpace(*item.OccurredAt) != "" {
		if t, err := parseTimestamp(*item.OccurredAt); err == nil {
			inc.OccurredAt = &t
		}
		// Unparseable timestamps stay null; downstream substitutes
		// ingestion time for the dedup window only.
	}
	return inc, nil
}

// extractJSONArray pulls the outermost JSON array out of a response that may
// wrap it in prose or a markdown code fence.
func extractJSONArray(s string) string {
	start := strings.Index(s, "[")
	end := strings.LastIndex(s, "]")
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}

func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006-01-02",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

func trimPtr(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
