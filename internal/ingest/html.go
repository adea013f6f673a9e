package ingest

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rangerhq/ranger/internal/models"
	"github.com/rangerhq/ranger/internal/store"
)

// HTMLAdapter fetches a page and emits it as a single observation. The
// extraction engine owns making sense of the markup; the adapter's job is
// change detection and a stable external_id.
//
// The content hash seen by Fetch is only staged in memory; Commit persists
// it once the scheduler has processed the observation, so a page version
// that failed downstream is re-fetched on the next cycle.
type HTMLAdapter struct {
	fetcher *Fetcher
	store   *store.Store

	mu      sync.Mutex
	pending map[string]string
}

// NewHTMLAdapter builds an HTML page adapter.
func NewHTMLAdapter(f *Fetcher, st *store.Store) *HTMLAdapter {
	return &HTMLAdapter{fetcher: f, store: st, pending: make(map[string]string)}
}

var (
	titleRe = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)
	h1Re    = regexp.MustCompile(`(?is)<h1[^>]*>(.*?)</h1>`)
	innerRe = regexp.MustCompile(`(?s)<[^>]*>`)
)

// Fetch retrieves the page. If the content is byte-identical to the last
// committed fetch (by hash), the page is skipped entirely.
func (a *HTMLAdapter) Fetch(ctx context.Context, src models.Source) ([]models.RawObservation, error) {
	body, err := a.fetcher.Get(ctx, src.URL)
	if err != nil {
		return nil, err
	}

	hash := hashID(string(body))
	prev, err := a.store.ContentHash(ctx, src.ID)
	if err != nil {
		return nil, err
	}
	if prev == hash {
		return nil, nil
	}
	a.mu.Lock()
	a.pending[src.ID] = hash
	a.mu.Unlock()

	now := time.Now().UTC()
	headline := pageHeadline(body)
	key := headline
	if key == "" {
		// Date-granularity fallback keeps one observation per day for
		// pages with no discernible headline.
		key = now.Format("2006-01-02")
	}

	return []models.RawObservation{{
		ExternalID: hashID(src.URL, key),
		SourceURL:  src.URL,
		RawText:    string(body),
		Title:      headline,
		ProducedAt: now,
	}}, nil
}

// Commit persists the hash staged by the last Fetch for this source. A
// no-op when nothing is staged.
func (a *HTMLAdapter) Commit(ctx context.Context, src models.Source) error {
	a.mu.Lock()
	hash, ok := a.pending[src.ID]
	delete(a.pending, src.ID)
	a.mu.Unlock()
	if !ok {
		return nil
	}
	return a.store.SetContentHash(ctx, src.ID, hash)
}

// pageHeadline pulls the first h1, falling back to the document title.
func pageHeadline(body []byte) string {
	for _, re := range []*regexp.Regexp{h1Re, titleRe} {
		if m := re.FindSubmatch(body); m != nil {
			text := strings.TrimSpace(innerRe.ReplaceAllString(string(m[1]), " "))
			text = strings.Join(strings.Fields(text), " ")
			if text != "" {
				return text
			}
		}
	}
	return ""
}
