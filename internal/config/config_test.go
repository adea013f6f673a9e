package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8780", cfg.ListenAddr)
	assert.Equal(t, "mchenry_county", cfg.Region)
	assert.Equal(t, 300.0, cfg.MatchRadiusMeters)
	assert.Equal(t, 3*time.Hour, cfg.MatchWindow)
	assert.Equal(t, 0.55, cfg.MatchThreshold)
	assert.Equal(t, 15*time.Minute, cfg.DefaultPollInterval)
	assert.Equal(t, 15, cfg.AudioPreviewSecs)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("RANGER_REGION", "lake_county")
	t.Setenv("RANGER_POLL_INTERVAL", "5m")
	t.Setenv("RANGER_MATCH_THRESHOLD", "0.7")
	t.Setenv("RANGER_CONCURRENCY", "4")
	t.Setenv("RANGER_LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "lake_county", cfg.Region)
	assert.Equal(t, 5*time.Minute, cfg.DefaultPollInterval)
	assert.Equal(t, 0.7, cfg.MatchThreshold)
	assert.Equal(t, 4, cfg.Concurrency)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadIgnoresInvalidValues(t *testing.T) {
	t.Setenv("RANGER_POLL_INTERVAL", "soon")
	t.Setenv("RANGER_MATCH_RADIUS_M", "wide")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 15*time.Minute, cfg.DefaultPollInterval)
	assert.Equal(t, 300.0, cfg.MatchRadiusMeters)
}

func TestValidate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())

	bad := Defaults()
	bad.Concurrency = 0
	assert.Error(t, bad.Validate())

	bad = Defaults()
	bad.MatchThreshold = 1.5
	assert.Error(t, bad.Validate())

	bad = Defaults()
	bad.MatchRadiusMeters = -1
	assert.Error(t, bad.Validate())

	bad = Defaults()
	bad.MatchWindow = 0
	assert.Error(t, bad.Validate())
}

func writeSources(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sources.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadSources(t *testing.T) {
	path := writeSources(t, `[
		{"name": "county blotter", "source_type": "rss", "url": "https://example.org/feed",
		 "region": "mchenry_county", "category": "crime", "enabled": true,
		 "config": {"poll_interval_s": "300"}},
		{"name": "old scanner", "source_type": "audio", "url": "wss://example.org/stream",
		 "region": "mchenry_county", "category": "fire", "enabled": false},
		{"name": "tip line", "source_type": "manual", "url": "",
		 "region": "mchenry_county", "category": "news", "enabled": true}
	]`)

	entries, err := LoadSources(path)
	require.NoError(t, err)
	require.Len(t, entries, 2, "disabled entries are dropped")
	assert.Equal(t, "county blotter", entries[0].Name)
	assert.Equal(t, "300", entries[0].Config["poll_interval_s"])
	assert.Equal(t, "tip line", entries[1].Name)
}

func TestLoadSourcesValidation(t *testing.T) {
	_, err := LoadSources(writeSources(t, `[{"name": "", "source_type": "rss", "url": "x", "enabled": true}]`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "name is required")

	_, err = LoadSources(writeSources(t, `[{"name": "a", "source_type": "carrier_pigeon", "url": "x", "enabled": true}]`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown source_type")

	_, err = LoadSources(writeSources(t, `[{"name": "a", "source_type": "rss", "url": "", "enabled": true}]`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "url is required")

	_, err = LoadSources(writeSources(t, `{not json`))
	require.Error(t, err)

	_, err = LoadSources(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}

func TestWatchSourcesReload(t *testing.T) {
	path := writeSources(t, `[]`)

	reloaded := make(chan []SourceEntry, 4)
	watcher, err := WatchSources(path, func(entries []SourceEntry) {
		reloaded <- entries
	})
	require.NoError(t, err)
	defer watcher.Close()

	require.NoError(t, os.WriteFile(path, []byte(`[
		{"name": "county blotter", "source_type": "rss", "url": "https://example.org/feed",
		 "region": "mchenry_county", "category": "crime", "enabled": true}
	]`), 0o644))

	select {
	case entries := <-reloaded:
		require.Len(t, entries, 1)
		assert.Equal(t, "county blotter", entries[0].Name)
	case <-time.After(5 * time.Second):
		t.Fatal("reload callback never fired")
	}
}
