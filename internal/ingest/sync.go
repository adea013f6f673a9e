package ingest

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/rangerhq/ranger/internal/config"
	"github.com/rangerhq/ranger/internal/models"
	"github.com/rangerhq/ranger/internal/store"
)

// SyncSources upserts the enabled source-config entries into the store,
// keyed by (region, url). Entries missing a region inherit defaultRegion.
func SyncSources(ctx context.Context, st *store.Store, entries []config.SourceEntry, defaultRegion string) ([]models.Source, error) {
	synced := make([]models.Source, 0, len(entries))
	for _, e := range entries {
		region := e.Region
		if region == "" {
			region = defaultRegion
		}

		src, err := st.UpsertSource(ctx, models.Source{
			ID:               uuid.New().String(),
			Name:             e.Name,
			Type:             e.SourceType,
			URL:              e.URL,
			Region:           region,
			Category:         models.SourceCategory(e.Category),
			Municipality:     e.Municipality,
			Config:           e.Config,
			IsActive:         true,
			ReliabilityScore: 0.5,
		})
		if err != nil {
			return nil, err
		}
		synced = append(synced, src)
	}
	log.Info().Int("sources", len(synced)).Msg("Source configuration synced")
	return synced, nil
}
