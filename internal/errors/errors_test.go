package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorFormatting(t *testing.T) {
	err := New(ErrorTypeConnection, "fetch_source", "county-rss", fmt.Errorf("dial tcp: refused"))
	assert.Contains(t, err.Error(), "fetch_source")
	assert.Contains(t, err.Error(), "county-rss")

	bare := New(ErrorTypeStore, "insert_report", "", fmt.Errorf("disk full"))
	assert.NotContains(t, bare.Error(), "on ")
}

func TestIsMapsTypesToBaseErrors(t *testing.T) {
	assert.True(t, errors.Is(New(ErrorTypeNotFound, "get", "", nil), ErrNotFound))
	assert.True(t, errors.Is(New(ErrorTypeTimeout, "get", "", nil), ErrTimeout))
	assert.True(t, errors.Is(New(ErrorTypeConnection, "get", "", nil), ErrConnectionFailed))
	assert.False(t, errors.Is(New(ErrorTypeParse, "get", "", nil), ErrNotFound))

	// Wrapped sentinels still match through Unwrap.
	wrapped := WrapStore("lookup", fmt.Errorf("row: %w", ErrNotFound))
	assert.True(t, errors.Is(wrapped, ErrNotFound))
}

func TestRetryability(t *testing.T) {
	assert.True(t, IsRetryable(WrapConnection("fetch", "src", fmt.Errorf("reset"))))
	assert.True(t, IsRetryable(WrapStore("insert", fmt.Errorf("locked"))))
	assert.False(t, IsRetryable(WrapParse("decode", "src", fmt.Errorf("bad json"))))
	assert.False(t, IsRetryable(fmt.Errorf("plain error")))
}

func TestWithStatusCodeRefinesRetryability(t *testing.T) {
	tooMany := New(ErrorTypeConnection, "fetch", "src", fmt.Errorf("throttled")).WithStatusCode(429)
	assert.True(t, tooMany.Retryable)

	notFound := New(ErrorTypeConnection, "fetch", "src", fmt.Errorf("gone")).WithStatusCode(404)
	assert.False(t, notFound.Retryable)

	server := New(ErrorTypeParse, "fetch", "src", fmt.Errorf("boom")).WithStatusCode(503)
	assert.True(t, server.Retryable)
}

func TestCategory(t *testing.T) {
	assert.Equal(t, "geocode", Category(New(ErrorTypeGeocode, "lookup", "", nil)))
	assert.Equal(t, "internal", Category(fmt.Errorf("plain")))
}
