package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/rangerhq/ranger/internal/api"
	"github.com/rangerhq/ranger/internal/audio"
	"github.com/rangerhq/ranger/internal/config"
	"github.com/rangerhq/ranger/internal/dedup"
	"github.com/rangerhq/ranger/internal/extract"
	"github.com/rangerhq/ranger/internal/geocode"
	"github.com/rangerhq/ranger/internal/ingest"
	"github.com/rangerhq/ranger/internal/llm"
	"github.com/rangerhq/ranger/internal/logging"
	"github.com/rangerhq/ranger/internal/models"
	"github.com/rangerhq/ranger/internal/rollup"
	"github.com/rangerhq/ranger/internal/store"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "ranger",
	Short:   "Ranger - local incident intelligence pipeline",
	Long:    `Ranger ingests local news, public-safety feeds, and scanner audio, extracts structured incidents, and serves them deduplicated with weekly rollups.`,
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the pipeline daemon and read API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Run a single ingestion cycle and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runIngestOnce()
	},
}

var rollupCmd = &cobra.Command{
	Use:   "rollup",
	Short: "Generate the current week's rollup and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRollup()
	},
}

var centerlinesCmd = &cobra.Command{
	Use:   "import-centerlines <file>",
	Short: "Load street centerline geometry for block-level geocoding",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runImportCenterlines(args[0])
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Ranger %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(rollupCmd)
	rootCmd.AddCommand(centerlinesCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app holds the wired pipeline components shared by the subcommands.
type app struct {
	cfg       *config.Config
	store     *store.Store
	scheduler *ingest.Scheduler
	rollups   *rollup.Engine
}

func buildApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "ranger",
	})

	st, err := store.Open(filepath.Join(cfg.DataDir, "ranger.db"))
	if err != nil {
		return nil, err
	}

	provider := llm.NewAnthropicClient(cfg.AnthropicAPIKey, cfg.ExtractionModel, cfg.LLMTimeout)
	engine := extract.NewEngine(provider, cfg.ExtractionModel,
		rate.NewLimiter(rate.Limit(cfg.LLMRateLimit), 1))

	var parcel geocode.ParcelClient
	if cfg.GeocoderAPIKey != "" {
		parcel = geocode.NewGeocodioClient(cfg.GeocoderAPIKey, cfg.GeocoderBaseURL, "IL",
			cfg.GeocodeTimeout, rate.NewLimiter(rate.Limit(cfg.GeocodeRateLimit), 1))
	} else {
		log.Warn().Msg("No geocoder API key; parcel tier disabled")
	}
	geocoder := geocode.New(parcel, st, geocode.DefaultCentroids)

	linker := dedup.NewLinker(st, dedup.Config{
		RadiusMeters: cfg.MatchRadiusMeters,
		Window:       cfg.MatchWindow,
		Threshold:    cfg.MatchThreshold,
	})

	pipeline := ingest.NewPipeline(st, engine, geocoder, linker)

	fetcher := ingest.NewFetcher(cfg.FetchTimeout,
		rate.NewLimiter(rate.Limit(cfg.FetchRateLimit), 1))
	adapters := map[models.SourceType]ingest.Adapter{
		models.SourceTypeHTML: ingest.NewHTMLAdapter(fetcher, st),
		models.SourceTypeRSS:  ingest.NewRSSAdapter(fetcher),
		models.SourceTypeAPI:  ingest.NewAPIAdapter(fetcher),
	}

	var transcriber audio.Transcriber
	if cfg.TranscriberURL != "" {
		transcriber = audio.NewHTTPTranscriber(cfg.TranscriberURL, cfg.TranscriberAPIKey, cfg.TranscribeTimeout)
	}

	scheduler := ingest.NewScheduler(st, pipeline, adapters, transcriber, ingest.Options{
		Concurrency:         cfg.Concurrency,
		DefaultPollInterval: cfg.DefaultPollInterval,
		BackoffInitial:      cfg.BackoffInitial,
		BackoffMax:          cfg.BackoffMax,
		MaxFailures:         cfg.MaxSourceFailures,
		CycleInterval:       cfg.CycleInterval,
		AudioWindow:         cfg.AudioWindow,
		AudioPreviewSecs:    cfg.AudioPreviewSecs,
	})

	return &app{
		cfg:       cfg,
		store:     st,
		scheduler: scheduler,
		rollups:   rollup.NewEngine(st, cfg.Region),
	}, nil
}

// syncSourceConfig loads the source document and upserts its entries.
func (a *app) syncSourceConfig(ctx context.Context) error {
	entries, err := config.LoadSources(a.cfg.SourcesPath)
	if err != nil {
		return err
	}
	_, err = ingest.SyncSources(ctx, a.store, entries, a.cfg.Region)
	return err
}

func runServe() error {
	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.syncSourceConfig(ctx); err != nil {
		return err
	}

	// Hot reload: rewriting the source document re-syncs without restart.
	watcher, err := config.WatchSources(a.cfg.SourcesPath, func(entries []config.SourceEntry) {
		if _, err := ingest.SyncSources(ctx, a.store, entries, a.cfg.Region); err != nil {
			log.Error().Err(err).Msg("Source reload failed")
		}
	})
	if err != nil {
		log.Warn().Err(err).Msg("Source file watching disabled")
	} else {
		defer watcher.Close()
	}

	server := &http.Server{
		Addr:         a.cfg.ListenAddr,
		Handler:      api.NewRouter(a.store, a.rollups, a.cfg.Region, Version),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		log.Info().Str("addr", a.cfg.ListenAddr).Str("version", Version).Msg("API listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	go func() {
		if err := a.scheduler.Run(ctx); err != nil && ctx.Err() == nil {
			errCh <- err
		}
	}()

	// Weekly rollups regenerate hourly so the current week stays fresh.
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := a.rollups.GenerateWeek(ctx, time.Now()); err != nil {
					log.Error().Err(err).Msg("Rollup generation failed")
				}
			}
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		log.Error().Err(err).Msg("Fatal component failure")
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown failed")
	}
	log.Info().Msg("Shutdown complete")
	return nil
}

func runIngestOnce() error {
	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.syncSourceConfig(ctx); err != nil {
		return err
	}
	return a.scheduler.RunCycle(ctx)
}

func runRollup() error {
	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rollups, err := a.rollups.GenerateWeek(ctx, time.Now())
	if err != nil {
		return err
	}
	for _, r := range rollups {
		area := r.Municipality
		if area == "" {
			area = "region-wide"
		}
		fmt.Printf("%s %s: %d incidents (trend %+d%%)\n",
			r.WeekStart.Format("2006-01-02"), area, r.IncidentCount, r.IncidentTrend)
	}
	return nil
}

func runImportCenterlines(path string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.store.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var lines []models.StreetCenterline
	if err := json.Unmarshal(data, &lines); err != nil {
		return fmt.Errorf("parse centerlines file: %w", err)
	}

	ctx := context.Background()
	if err := a.store.ImportCenterlines(ctx, a.cfg.Region, lines); err != nil {
		return err
	}
	fmt.Printf("Imported %d centerlines for %s\n", len(lines), a.cfg.Region)
	return nil
}
