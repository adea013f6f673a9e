// Package config loads pipeline configuration from the environment and the
// source-configuration document.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config holds all pipeline settings. Values come from environment
// variables; a .env file is honoured when present.
type Config struct {
	DataDir     string
	ListenAddr  string
	SourcesPath string
	Region      string

	LogLevel  string
	LogFormat string

	// LLM extraction
	AnthropicAPIKey string
	ExtractionModel string
	LLMTimeout      time.Duration
	LLMRateLimit    float64 // requests per second shared across workers

	// Geocoding
	GeocoderAPIKey   string
	GeocoderBaseURL  string
	GeocodeTimeout   time.Duration
	GeocodeRateLimit float64

	// Fetching / scheduling
	FetchTimeout        time.Duration
	FetchRateLimit      float64
	StoreTimeout        time.Duration
	Concurrency         int
	DefaultPollInterval time.Duration
	MaxSourceFailures   int
	BackoffInitial      time.Duration
	BackoffMax          time.Duration
	CycleInterval       time.Duration

	// Deduplication. The match threshold is canonical at 0.55; it is
	// configurable but must never be changed silently.
	MatchRadiusMeters float64
	MatchWindow       time.Duration
	MatchThreshold    float64

	// Audio
	AudioWindow       time.Duration
	AudioPreviewSecs  int
	TranscriberURL    string
	TranscriberAPIKey string
	TranscribeTimeout time.Duration
}

// Defaults returns the configuration baseline before environment overrides.
func Defaults() Config {
	return Config{
		DataDir:             "/var/lib/ranger",
		ListenAddr:          ":8780",
		SourcesPath:         "sources.json",
		Region:              "mchenry_county",
		LogLevel:            "info",
		LogFormat:           "auto",
		ExtractionModel:     "claude-3-haiku-20240307",
		LLMTimeout:          30 * time.Second,
		LLMRateLimit:        2,
		GeocoderBaseURL:     "https://api.geocod.io/v1.7/geocode",
		GeocodeTimeout:      10 * time.Second,
		GeocodeRateLimit:    5,
		FetchTimeout:        10 * time.Second,
		FetchRateLimit:      10,
		StoreTimeout:        10 * time.Second,
		Concurrency:         8,
		DefaultPollInterval: 15 * time.Minute,
		MaxSourceFailures:   10,
		BackoffInitial:      time.Minute,
		BackoffMax:          64 * time.Minute,
		CycleInterval:       time.Minute,
		MatchRadiusMeters:   300,
		MatchWindow:         3 * time.Hour,
		MatchThreshold:      0.55,
		AudioWindow:         30 * time.Second,
		AudioPreviewSecs:    15,
		TranscribeTimeout:   60 * time.Second,
	}
}

// Load reads configuration from the environment, with an optional .env file.
func Load() (*Config, error) {
	// .env is a development convenience; absence is not an error.
	if err := godotenv.Load(); err == nil {
		log.Debug().Msg("loaded environment from .env")
	}

	cfg := Defaults()

	setString(&cfg.DataDir, "RANGER_DATA_DIR")
	setString(&cfg.ListenAddr, "RANGER_LISTEN_ADDR")
	setString(&cfg.SourcesPath, "RANGER_SOURCES_PATH")
	setString(&cfg.Region, "RANGER_REGION")
	setString(&cfg.LogLevel, "RANGER_LOG_LEVEL")
	setString(&cfg.LogFormat, "RANGER_LOG_FORMAT")
	setString(&cfg.AnthropicAPIKey, "ANTHROPIC_API_KEY")
	setString(&cfg.ExtractionModel, "RANGER_EXTRACTION_MODEL")
	setString(&cfg.GeocoderAPIKey, "GEOCODIO_API_KEY")
	setString(&cfg.GeocoderBaseURL, "RANGER_GEOCODER_URL")
	setString(&cfg.TranscriberURL, "RANGER_TRANSCRIBER_URL")
	setString(&cfg.TranscriberAPIKey, "TRANSCRIBER_API_KEY")

	setDuration(&cfg.LLMTimeout, "RANGER_LLM_TIMEOUT")
	setDuration(&cfg.GeocodeTimeout, "RANGER_GEOCODE_TIMEOUT")
	setDuration(&cfg.FetchTimeout, "RANGER_FETCH_TIMEOUT")
	setDuration(&cfg.StoreTimeout, "RANGER_STORE_TIMEOUT")
	setDuration(&cfg.DefaultPollInterval, "RANGER_POLL_INTERVAL")
	setDuration(&cfg.BackoffInitial, "RANGER_BACKOFF_INITIAL")
	setDuration(&cfg.BackoffMax, "RANGER_BACKOFF_MAX")
	setDuration(&cfg.CycleInterval, "RANGER_CYCLE_INTERVAL")
	setDuration(&cfg.MatchWindow, "RANGER_MATCH_WINDOW")
	setDuration(&cfg.AudioWindow, "RANGER_AUDIO_WINDOW")
	setDuration(&cfg.TranscribeTimeout, "RANGER_TRANSCRIBE_TIMEOUT")

	setInt(&cfg.Concurrency, "RANGER_CONCURRENCY")
	setInt(&cfg.MaxSourceFailures, "RANGER_MAX_SOURCE_FAILURES")
	setInt(&cfg.AudioPreviewSecs, "RANGER_AUDIO_PREVIEW_SECS")

	setFloat(&cfg.MatchRadiusMeters, "RANGER_MATCH_RADIUS_M")
	setFloat(&cfg.MatchThreshold, "RANGER_MATCH_THRESHOLD")
	setFloat(&cfg.LLMRateLimit, "RANGER_LLM_RATE")
	setFloat(&cfg.GeocodeRateLimit, "RANGER_GEOCODE_RATE")
	setFloat(&cfg.FetchRateLimit, "RANGER_FETCH_RATE")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations that would make the pipeline misbehave.
func (c *Config) Validate() error {
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be >= 1, got %d", c.Concurrency)
	}
	if c.MatchThreshold <= 0 || c.MatchThreshold >= 1 {
		return fmt.Errorf("match threshold must be in (0,1), got %v", c.MatchThreshold)
	}
	if c.MatchRadiusMeters <= 0 {
		return fmt.Errorf("match radius must be positive, got %v", c.MatchRadiusMeters)
	}
	if c.MatchWindow <= 0 {
		return fmt.Errorf("match window must be positive, got %v", c.MatchWindow)
	}
	if c.MaxSourceFailures < 1 {
		return fmt.Errorf("max source failures must be >= 1, got %d", c.MaxSourceFailures)
	}
	return nil
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		*dst = strings.TrimSpace(v)
	}
}

func setDuration(dst *time.Duration, key string) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil || d <= 0 {
		log.Warn().Str("key", key).Str("value", v).Msg("ignoring invalid duration")
		return
	}
	*dst = d
}

func setInt(dst *int, key string) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("ignoring invalid integer")
		return
	}
	*dst = n
}

func setFloat(dst *float64, key string) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("ignoring invalid number")
		return
	}
	*dst = f
}
