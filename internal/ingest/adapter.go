// Package ingest schedules source fetches and drives raw observations
// through extraction, geocoding, and deduplication.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/rangerhq/ranger/internal/models"
)

// Adapter normalizes one source type's payloads into raw observations.
// Fetch failures for the whole document propagate as errors; malformed
// individual items are skipped, not fatal.
type Adapter interface {
	Fetch(ctx context.Context, src models.Source) ([]models.RawObservation, error)
}

// Committer is implemented by adapters that stage change-detection state
// during Fetch. The scheduler calls Commit only after every observation from
// that fetch processed cleanly, so a transient downstream failure leaves the
// page eligible for the next cycle.
type Committer interface {
	Commit(ctx context.Context, src models.Source) error
}

// hashID derives a short stable identifier from arbitrary content. Sixteen
// hex characters is plenty at per-source scale.
func hashID(parts ...string) string {
	h := sha256.New()
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{'|'})
		}
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}
