package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/rangerhq/ranger/internal/audio"
	"github.com/rangerhq/ranger/internal/metrics"
	"github.com/rangerhq/ranger/internal/models"
	"github.com/rangerhq/ranger/internal/store"
)

// Options tunes the scheduler. Zero values fall back to the documented
// defaults.
type Options struct {
	Concurrency         int
	DefaultPollInterval time.Duration
	BackoffInitial      time.Duration
	BackoffMax          time.Duration
	MaxFailures         int
	CycleInterval       time.Duration
	AudioWindow         time.Duration
	AudioPreviewSecs    int
}

func (o *Options) applyDefaults() {
	if o.Concurrency <= 0 {
		o.Concurrency = 8
	}
	if o.DefaultPollInterval <= 0 {
		o.DefaultPollInterval = 15 * time.Minute
	}
	if o.BackoffInitial <= 0 {
		o.BackoffInitial = time.Minute
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 64 * time.Minute
	}
	if o.MaxFailures <= 0 {
		o.MaxFailures = 10
	}
	if o.CycleInterval <= 0 {
		o.CycleInterval = time.Minute
	}
}

// pendingDrainLimit bounds how many out-of-band reports one cycle picks up.
const pendingDrainLimit = 200

// sourceState is the scheduler's in-memory view of one source.
type sourceState struct {
	nextFireAt          time.Time
	consecutiveFailures int
	backoff             time.Duration
}

// Scheduler fires due sources into a bounded worker pool. Audio sources
// are streaming and get their own long-lived session instead of pool slots.
type Scheduler struct {
	store       *store.Store
	pipeline    *Pipeline
	adapters    map[models.SourceType]Adapter
	transcriber audio.Transcriber
	opts        Options

	mu           sync.Mutex
	states       map[string]*sourceState
	audioCancels map[string]context.CancelFunc
	audioWG      sync.WaitGroup
}

// NewScheduler builds a scheduler. transcriber may be nil when no audio
// sources are configured.
func NewScheduler(st *store.Store, p *Pipeline, adapters map[models.SourceType]Adapter, transcriber audio.Transcriber, opts Options) *Scheduler {
	opts.applyDefaults()
	return &Scheduler{
		store:        st,
		pipeline:     p,
		adapters:     adapters,
		transcriber:  transcriber,
		opts:         opts,
		states:       make(map[string]*sourceState),
		audioCancels: make(map[string]context.CancelFunc),
	}
}

// Run executes ingestion cycles on the configured interval until ctx is
// cancelled, then waits for audio sessions to drain.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.CycleInterval)
	defer ticker.Stop()

	for {
		if err := s.RunCycle(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("Ingestion cycle failed")
		}
		select {
		case <-ctx.Done():
			s.stopAudioSessions()
			s.audioWG.Wait()
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunCycle dispatches every due source once and waits for completion.
func (s *Scheduler) RunCycle(ctx context.Context) error {
	start := time.Now()
	defer func() { metrics.Get().ObserveCycle(time.Since(start)) }()

	sources, err := s.store.ListActiveSources(ctx)
	if err != nil {
		return err
	}

	s.reconcileAudioSessions(ctx, sources)

	// Reports inserted outside the fetch path (manual sources) wait for the
	// next cycle to be deduplicated.
	if s.pipeline != nil {
		if _, err := s.pipeline.ProcessPending(ctx, pendingDrainLimit); err != nil {
			log.Error().Err(err).Msg("Pending report drain failed")
		}
	}

	var due []models.Source
	now := time.Now()
	s.mu.Lock()
	for _, src := range sources {
		switch src.Type {
		case models.SourceTypeAudio, models.SourceTypeManual:
			continue
		}
		st, ok := s.states[src.ID]
		if !ok {
			st = &sourceState{nextFireAt: now}
			s.states[src.ID] = st
		}
		if !now.Before(st.nextFireAt) {
			due = append(due, src)
		}
	}
	s.mu.Unlock()

	if len(due) == 0 {
		return nil
	}
	log.Debug().Int("due", len(due)).Int("active", len(sources)).Msg("Dispatching cycle")

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)
	for _, src := range due {
		src := src
		g.Go(func() error {
			s.runSource(gctx, src)
			return nil
		})
	}
	return g.Wait()
}

func (s *Scheduler) runSource(ctx context.Context, src models.Source) {
	adapter, ok := s.adapters[src.Type]
	if !ok {
		log.Warn().Str("source", src.Name).Str("type", string(src.Type)).Msg("No adapter for source type")
		s.recordFailure(ctx, src)
		return
	}

	start := time.Now()
	observations, err := adapter.Fetch(ctx, src)
	metrics.Get().ObserveFetch(string(src.Type), time.Since(start), err)
	if err != nil {
		log.Warn().Err(err).Str("source", src.Name).Msg("Source fetch failed")
		s.recordFailure(ctx, src)
		return
	}

	reports := 0
	failed := 0
	for _, obs := range observations {
		n, err := s.pipeline.ProcessObservation(ctx, src, obs)
		if err != nil {
			// Per-item: one malformed observation never aborts the batch.
			failed++
			log.Warn().Err(err).
				Str("source", src.Name).
				Str("external_id", obs.ExternalID).
				Msg("Observation processing failed")
			continue
		}
		reports += n
	}

	// Change-detection state is committed only when every observation made
	// it through; otherwise the same content is re-fetched next cycle.
	if failed == 0 {
		if c, ok := adapter.(Committer); ok {
			if err := c.Commit(ctx, src); err != nil {
				log.Error().Err(err).Str("source", src.Name).Msg("Failed to commit fetch state")
			}
		}
	}

	if err := s.store.MarkSourceFetched(ctx, src.ID, time.Now().UTC()); err != nil {
		log.Error().Err(err).Str("source", src.Name).Msg("Failed to record fetch time")
	}
	s.recordSuccess(src)

	log.Info().
		Str("source", src.Name).
		Int("observations", len(observations)).
		Int("reports", reports).
		Dur("took", time.Since(start)).
		Msg("Source fetched")
}

// recordSuccess resets failure state and schedules the next poll.
func (s *Scheduler) recordSuccess(src models.Source) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.states[src.ID]
	if st == nil {
		st = &sourceState{}
		s.states[src.ID] = st
	}
	st.consecutiveFailures = 0
	st.backoff = 0
	st.nextFireAt = time.Now().Add(src.PollInterval(s.opts.DefaultPollInterval))
}

// recordFailure doubles the backoff and deactivates the source once it has
// failed too many times in a row.
func (s *Scheduler) recordFailure(ctx context.Context, src models.Source) {
	s.mu.Lock()
	st := s.states[src.ID]
	if st == nil {
		st = &sourceState{}
		s.states[src.ID] = st
	}
	st.consecutiveFailures++
	if st.backoff <= 0 {
		st.backoff = s.opts.BackoffInitial
	} else {
		st.backoff *= 2
		if st.backoff > s.opts.BackoffMax {
			st.backoff = s.opts.BackoffMax
		}
	}
	st.nextFireAt = time.Now().Add(st.backoff)
	failures := st.consecutiveFailures
	backoff := st.backoff
	s.mu.Unlock()

	if failures >= s.opts.MaxFailures {
		log.Error().
			Str("source", src.Name).
			Str("source_id", src.ID).
			Int("failures", failures).
			Msg("Source disabled after repeated failures")
		if err := s.store.DeactivateSource(ctx, src.ID); err != nil {
			log.Error().Err(err).Str("source", src.Name).Msg("Failed to deactivate source")
		}
		return
	}
	log.Warn().
		Str("source", src.Name).
		Int("failures", failures).
		Dur("backoff", backoff).
		Msg("Source backing off")
}

// reconcileAudioSessions starts sessions for active audio sources and stops
// sessions whose source disappeared or was deactivated.
func (s *Scheduler) reconcileAudioSessions(ctx context.Context, sources []models.Source) {
	if s.transcriber == nil {
		return
	}

	active := make(map[string]models.Source)
	for _, src := range sources {
		if src.Type == models.SourceTypeAudio {
			active[src.ID] = src
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, cancel := range s.audioCancels {
		if _, ok := active[id]; !ok {
			cancel()
			delete(s.audioCancels, id)
		}
	}

	for id, src := range active {
		if _, running := s.audioCancels[id]; running {
			continue
		}
		sessCtx, cancel := context.WithCancel(ctx)
		s.audioCancels[id] = cancel
		s.startAudioSession(sessCtx, src)
	}
}

func (s *Scheduler) startAudioSession(ctx context.Context, src models.Source) {
	processor := audio.NewProcessor(s.transcriber, s.opts.AudioPreviewSecs)
	session := audio.NewSession(src.URL, processor, s.opts.AudioWindow, func(ctx context.Context, transcript string) error {
		obs := models.RawObservation{
			ExternalID: hashID(transcript, time.Now().UTC().Format("2006-01-02T15:04")),
			SourceURL:  src.URL,
			RawText:    transcript,
			ProducedAt: time.Now().UTC(),
		}
		_, err := s.pipeline.ProcessObservation(ctx, src, obs)
		return err
	}, log.With().Str("source", src.Name).Logger())

	s.audioWG.Add(1)
	go func() {
		defer s.audioWG.Done()
		log.Info().Str("source", src.Name).Msg("Audio session started")
		if err := session.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Str("source", src.Name).Msg("Audio session ended")
		}
	}()
}

func (s *Scheduler) stopAudioSessions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, cancel := range s.audioCancels {
		cancel()
		delete(s.audioCancels, id)
	}
}
