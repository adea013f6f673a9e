package ingest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	rangererrors "github.com/rangerhq/ranger/internal/errors"
)

const (
	fetchUserAgent  = "ranger-pipeline/1.0"
	maxResponseSize = 8 << 20
)

// Fetcher is the shared HTTP client for document-style adapters. One rate
// limiter spans all workers so a burst of due sources cannot hammer a host.
type Fetcher struct {
	client  *http.Client
	limiter *rate.Limiter
}

// NewFetcher builds a fetcher with the given per-request timeout. limiter
// may be nil to disable rate limiting (tests).
func NewFetcher(timeout time.Duration, limiter *rate.Limiter) *Fetcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Fetcher{
		client:  &http.Client{Timeout: timeout},
		limiter: limiter,
	}
}

// Get fetches a URL and returns its body, capped at maxResponseSize.
func (f *Fetcher) Get(ctx context.Context, url string) ([]byte, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, rangererrors.WrapConnection("fetch.request", url, err)
	}
	req.Header.Set("User-Agent", fetchUserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, rangererrors.WrapConnection("fetch.get", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, rangererrors.New(rangererrors.ErrorTypeConnection, "fetch.status", url,
			fmt.Errorf("unexpected status %d", resp.StatusCode)).WithStatusCode(resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, rangererrors.WrapConnection("fetch.read", url, err)
	}
	return body, nil
}
