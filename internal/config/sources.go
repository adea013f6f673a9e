package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/rangerhq/ranger/internal/models"
)

// SourceEntry is one entry of the source-configuration document.
type SourceEntry struct {
	Name         string            `json:"name"`
	SourceType   models.SourceType `json:"source_type"`
	URL          string            `json:"url"`
	Region       string            `json:"region"`
	Category     string            `json:"category"`
	Municipality string            `json:"municipality,omitempty"`
	Enabled      bool              `json:"enabled"`
	Config       map[string]string `json:"config,omitempty"`
}

// LoadSources reads and validates the source-configuration document.
// Disabled entries are filtered out here; the caller upserts the remainder.
func LoadSources(path string) ([]SourceEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sources file: %w", err)
	}

	var entries []SourceEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse sources file %s: %w", path, err)
	}

	enabled := make([]SourceEntry, 0, len(entries))
	for i, e := range entries {
		if !e.Enabled {
			continue
		}
		if strings.TrimSpace(e.Name) == "" {
			return nil, fmt.Errorf("sources[%d]: name is required", i)
		}
		if !e.SourceType.Valid() {
			return nil, fmt.Errorf("sources[%d] %s: unknown source_type %q", i, e.Name, e.SourceType)
		}
		if e.SourceType != models.SourceTypeManual && strings.TrimSpace(e.URL) == "" {
			return nil, fmt.Errorf("sources[%d] %s: url is required", i, e.Name)
		}
		enabled = append(enabled, e)
	}
	return enabled, nil
}

// WatchSources watches the source-configuration document and invokes onChange
// with the freshly loaded entries whenever the file is rewritten. A reload
// that fails to parse keeps the previous source set.
func WatchSources(path string, onChange func([]SourceEntry)) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	// Watch the directory, not the file: editors and config management tools
	// replace the file, which breaks a direct file watch.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	base := filepath.Base(path)
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != base {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				entries, err := LoadSources(path)
				if err != nil {
					log.Error().Err(err).Str("path", path).Msg("Source config reload failed, keeping previous sources")
					continue
				}
				log.Info().Int("sources", len(entries)).Msg("Source config reloaded")
				onChange(entries)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("Source config watcher error")
			}
		}
	}()

	return watcher, nil
}
