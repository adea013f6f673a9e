package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	rangererrors "github.com/rangerhq/ranger/internal/errors"
	"github.com/rangerhq/ranger/internal/models"
)

// APIAdapter consumes JSON endpoints that publish incident-shaped items:
// either a top-level array or an object wrapping one under a common key.
type APIAdapter struct {
	fetcher *Fetcher
}

// NewAPIAdapter builds a JSON API adapter.
func NewAPIAdapter(f *Fetcher) *APIAdapter {
	return &APIAdapter{fetcher: f}
}

// Keys checked, in order, when the response is an object.
var apiListKeys = []string{"items", "results", "data", "records", "incidents"}

// Keys checked, in order, for an item's native identifier.
var apiIDKeys = []string{"id", "guid", "incident_number", "case_number", "event_id"}

// Keys checked, in order, for an item's publication time.
var apiTimeKeys = []string{"published_at", "occurred_at", "datetime", "date", "timestamp"}

// Fetch retrieves and flattens the endpoint. Each item becomes one
// observation whose raw text is the item's own JSON.
func (a *APIAdapter) Fetch(ctx context.Context, src models.Source) ([]models.RawObservation, error) {
	body, err := a.fetcher.Get(ctx, src.URL)
	if err != nil {
		return nil, err
	}

	items, err := decodeItems(body)
	if err != nil {
		return nil, rangererrors.WrapParse("api.parse", src.URL, err)
	}

	now := time.Now().UTC()
	obs := make([]models.RawObservation, 0, len(items))
	for _, item := range items {
		raw, err := json.Marshal(item)
		if err != nil {
			continue
		}

		externalID := itemID(item)
		if externalID == "" {
			externalID = hashID(canonicalJSON(item))
		}

		obs = append(obs, models.RawObservation{
			ExternalID:  externalID,
			SourceURL:   src.URL,
			RawText:     string(raw),
			PublishedAt: itemTime(item),
			ProducedAt:  now,
		})
	}
	return obs, nil
}

func decodeItems(body []byte) ([]map[string]any, error) {
	var direct []map[string]any
	if err := json.Unmarshal(body, &direct); err == nil {
		return direct, nil
	}

	var wrapped map[string]json.RawMessage
	if err := json.Unmarshal(body, &wrapped); err != nil {
		return nil, err
	}
	for _, key := range apiListKeys {
		raw, ok := wrapped[key]
		if !ok {
			continue
		}
		var items []map[string]any
		if err := json.Unmarshal(raw, &items); err == nil {
			return items, nil
		}
	}
	return nil, fmt.Errorf("no item list found in response")
}

func itemID(item map[string]any) string {
	for _, key := range apiIDKeys {
		switch v := item[key].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case float64:
			return fmt.Sprintf("%.0f", v)
		}
	}
	return ""
}

func itemTime(item map[string]any) *time.Time {
	for _, key := range apiTimeKeys {
		s, ok := item[key].(string)
		if !ok {
			continue
		}
		if t := parseFeedTime(s); t != nil {
			return t
		}
	}
	return nil
}

// canonicalJSON renders an item with sorted keys so the hash is stable
// regardless of map iteration order.
func canonicalJSON(item map[string]any) string {
	keys := make([]string, 0, len(item))
	for k := range item {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		v, _ := json.Marshal(item[k])
		b.WriteString(k)
		b.WriteByte('=')
		b.Write(v)
		b.WriteByte(';')
	}
	return b.String()
}
