// Package syncer periodically walks the media library and resubmits every
// item as a synthetic Added event, catching changes whose webhooks were
// lost. It also purges old finished notification jobs.
package syncer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/jellycast/internal/classifier"
	"github.com/lalithlochan/jellycast/internal/jellyfin"
	"github.com/lalithlochan/jellycast/internal/media"
	"github.com/lalithlochan/jellycast/internal/metrics"
	"github.com/lalithlochan/jellycast/internal/pipeline"
)

var (
	// ErrPassInProgress is returned when a pass is requested while one runs.
	ErrPassInProgress = errors.New("sync pass already running")
	// ErrNotConfigured is returned by Sync when no library source is set.
	ErrNotConfigured = errors.New("library sync is not configured")
)

// Source enumerates the library.
type Source interface {
	ListItems(ctx context.Context) ([]jellyfin.Item, error)
}

// Submitter accepts events, normally the pipeline.
type Submitter interface {
	Submit(ctx context.Context, raw classifier.RawEvent) (pipeline.Result, error)
}

// Purger deletes finished jobs older than a cutoff.
type Purger interface {
	PurgeFinishedJobs(ctx context.Context, before time.Time) (int64, error)
}

// Config controls pass and cleanup scheduling. Zero values select the
// defaults: hourly passes, hourly cleanup and 30 days of job retention.
type Config struct {
	// Interval between library passes.
	Interval time.Duration
	// Retention is how long finished notification jobs are kept.
	Retention       time.Duration
	CleanupInterval time.Duration
}

// Report summarizes one sync pass.
type Report struct {
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Items     int           `json:"items"`
	Changed   int           `json:"changed"`
	Failed    int           `json:"failed"`
}

// Syncer resubmits the library through the pipeline on a schedule and
// purges old finished jobs.
type Syncer struct {
	cfg     Config
	source  Source
	submit  Submitter
	purger  Purger
	logger  *zap.Logger
	now     func() time.Time
	trigger chan struct{}

	running atomic.Bool
	wg      sync.WaitGroup

	mu   sync.Mutex
	last *Report
}

// New creates a syncer. A nil source disables library passes; a nil purger
// disables cleanup.
func New(cfg Config, source Source, submit Submitter, purger Purger, logger *zap.Logger) *Syncer {
	if cfg.Interval == 0 {
		cfg.Interval = time.Hour
	}
	if cfg.Retention == 0 {
		cfg.Retention = 30 * 24 * time.Hour
	}
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = time.Hour
	}

	return &Syncer{
		cfg:     cfg,
		source:  source,
		submit:  submit,
		purger:  purger,
		logger:  logger,
		now:     time.Now,
		trigger: make(chan struct{}, 1),
	}
}

// Run schedules passes and cleanup until ctx is cancelled, then waits for a
// running pass to return.
func (s *Syncer) Run(ctx context.Context) error {
	passes := time.NewTicker(s.cfg.Interval)
	defer passes.Stop()
	cleanup := time.NewTicker(s.cfg.CleanupInterval)
	defer cleanup.Stop()

	s.cleanup(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("syncer stopping")
			s.wg.Wait()
			return nil
		case <-passes.C:
			s.start(ctx)
		case <-s.trigger:
			s.start(ctx)
		case <-cleanup.C:
			s.cleanup(ctx)
		}
	}
}

// Trigger requests a pass from Run. It returns ErrPassInProgress when a
// pass is already running.
func (s *Syncer) Trigger() error {
	if s.source == nil {
		return ErrNotConfigured
	}
	if s.running.Load() {
		return ErrPassInProgress
	}
	select {
	case s.trigger <- struct{}{}:
	default:
	}
	return nil
}

// Running reports whether a pass is in flight.
func (s *Syncer) Running() bool {
	return s.running.Load()
}

// LastReport returns the most recent completed pass, or nil.
func (s *Syncer) LastReport() *Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return nil
	}
	r := *s.last
	return &r
}

func (s *Syncer) start(ctx context.Context) {
	if s.source == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.Sync(ctx); errors.Is(err, ErrPassInProgress) {
			s.logger.Info("sync pass skipped, previous pass still running")
		}
	}()
}

// Sync runs one pass now. Only one pass runs at a time; a concurrent call
// returns ErrPassInProgress without waiting.
func (s *Syncer) Sync(ctx context.Context) (*Report, error) {
	if s.source == nil {
		return nil, ErrNotConfigured
	}
	if !s.running.CompareAndSwap(false, true) {
		metrics.RecordSyncPass("skipped", 0)
		return nil, ErrPassInProgress
	}
	defer s.running.Store(false)

	report := &Report{StartedAt: s.now()}

	items, err := s.source.ListItems(ctx)
	if err != nil {
		metrics.RecordSyncPass("failed", 0)
		s.logger.Error("library listing failed", zap.Error(err))
		return nil, err
	}
	report.Items = len(items)

	for i := range items {
		if ctx.Err() != nil {
			break
		}
		res, err := s.submit.Submit(ctx, items[i].RawEvent("ItemAdded"))
		if err != nil {
			report.Failed++
			s.logger.Warn("sync resubmit failed", zap.String("item_id", items[i].ID), zap.Error(err))
			continue
		}
		if res.Outcome != media.OutcomeDuplicate {
			report.Changed++
		}
	}
	report.Duration = s.now().Sub(report.StartedAt)

	result := "ok"
	if ctx.Err() != nil {
		result = "cancelled"
	}
	metrics.RecordSyncPass(result, report.Items)

	s.logger.Info("sync pass finished",
		zap.Int("items", report.Items),
		zap.Int("changed", report.Changed),
		zap.Int("failed", report.Failed),
		zap.Duration("duration", report.Duration),
	)

	s.mu.Lock()
	s.last = report
	s.mu.Unlock()
	return report, nil
}

// cleanup purges finished jobs older than the retention period.
func (s *Syncer) cleanup(ctx context.Context) {
	if s.purger == nil {
		return
	}
	n, err := s.purger.PurgeFinishedJobs(ctx, s.now().Add(-s.cfg.Retention))
	if err != nil {
		s.logger.Error("job cleanup failed", zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Info("purged finished jobs", zap.Int64("count", n))
	}
}
