// Package service runs the oracle watch loop: sample every registered price
// pair per bucket, persist the samples and alert on large moves.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"tiered-sto/internal/alerting"
	"tiered-sto/internal/config"
	"tiered-sto/internal/oracle"
	"tiered-sto/internal/scheduler"
	"tiered-sto/internal/storage"
)

const (
	statusComplete = "complete"
	statusErrored  = "errored"

	maxConcurrentFetches = 4
)

// Sources lists the price sources to sample.
type Sources interface {
	Pairs() []oracle.Pair
	Source(p oracle.Pair) (oracle.Source, bool)
}

// Service orchestrates sampling, persistence and alerting.
type Service struct {
	scheduler  *scheduler.Scheduler
	sources    Sources
	store      storage.PriceSampleStore
	alertStore storage.AlertStore
	notifier   alerting.Notifier
	logger     zerolog.Logger

	threshold decimal.Decimal
	channels  []string
	alertsOn  bool
	cooldown  time.Duration
	locker    storage.AdvisoryLocker
	lockKey   int64

	mu        sync.Mutex
	last      map[oracle.Pair]decimal.Decimal
	lastAlert map[oracle.Pair]time.Time
}

// New constructs the watch service. store and alertStore may be nil.
func New(cfg *config.Config, sched *scheduler.Scheduler, sources Sources, store storage.PriceSampleStore, alertStore storage.AlertStore, notifier alerting.Notifier, logger zerolog.Logger) *Service {
	threshold := decimal.Zero
	if cfg.Alerting.Enabled && cfg.Alerting.ThresholdPct > 0 {
		threshold = decimal.NewFromFloat(cfg.Alerting.ThresholdPct)
	}

	var locker storage.AdvisoryLocker
	if l, ok := store.(storage.AdvisoryLocker); ok {
		locker = l
	}

	return &Service{
		scheduler:  sched,
		sources:    sources,
		store:      store,
		alertStore: alertStore,
		notifier:   notifier,
		logger:     logger.With().Str("component", "service").Logger(),
		threshold:  threshold,
		channels:   cfg.Alerting.Channels,
		alertsOn:   cfg.Alerting.Enabled,
		cooldown:   cfg.Alerting.Cooldown,
		locker:     locker,
		lockKey:    cfg.Scheduler.AdvisoryLockKey,
		last:       make(map[oracle.Pair]decimal.Decimal),
		lastAlert:  make(map[oracle.Pair]time.Time),
	}
}

// Run begins the aligned sampling loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, s.ProcessBucket)
}

// ProcessBucket samples every pair once for bucket.
func (s *Service) ProcessBucket(ctx context.Context, bucket time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("bucket", bucket).Msg("skip bucket because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	return s.executeBucket(ctx, bucket)
}

func (s *Service) executeBucket(ctx context.Context, bucket time.Time) error {
	pairs := s.sources.Pairs()
	if len(pairs) == 0 {
		return fmt.Errorf("no oracle pairs registered")
	}

	samples := make([]storage.PriceSample, len(pairs))
	var g errgroup.Group
	g.SetLimit(maxConcurrentFetches)
	for i, pair := range pairs {
		i, pair := i, pair
		g.Go(func() error {
			samples[i] = s.fetch(ctx, bucket, pair)
			return nil
		})
	}
	_ = g.Wait()

	var errs []error
	for i, sample := range samples {
		pair := pairs[i]
		prev, hasPrev := decimal.Zero, false
		if sample.Status == statusComplete {
			if prev, hasPrev = s.previous(ctx, pair); hasPrev {
				sample.DeviationPct = deviationPct(prev, sample.Price)
			}
		} else {
			errs = append(errs, fmt.Errorf("fetch %s: %s", pair, *sample.Error))
		}

		if s.store != nil {
			if err := s.store.UpsertPriceSample(ctx, sample); err != nil {
				s.logger.Error().Err(err).Time("bucket", bucket).Str("pair", pair.String()).Msg("failed to upsert sample")
			}
		}
		if sample.Status != statusComplete {
			continue
		}

		s.logger.Info().Time("bucket", bucket).
			Str("pair", pair.String()).
			Str("price", sample.Price.String()).
			Str("deviation_pct", sample.DeviationPct.StringFixed(4)).
			Msg("sample recorded")

		if hasPrev {
			s.maybeAlert(ctx, bucket, pair, prev, sample)
		}

		s.mu.Lock()
		s.last[pair] = sample.Price
		s.mu.Unlock()
	}

	return errors.Join(errs...)
}

func (s *Service) fetch(ctx context.Context, bucket time.Time, pair oracle.Pair) storage.PriceSample {
	sample := storage.PriceSample{
		Bucket:    bucket,
		Base:      pair.Base,
		Quote:     pair.Quote,
		Status:    statusComplete,
		CreatedAt: time.Now().UTC(),
	}

	src, ok := s.sources.Source(pair)
	if !ok {
		msg := "no source registered"
		sample.Status, sample.Error = statusErrored, &msg
		return sample
	}
	sample.Source = src.Name()

	q, err := src.Fetch(ctx)
	if err == nil && !q.Price.IsPositive() {
		err = fmt.Errorf("non-positive price %s", q.Price)
	}
	if err != nil {
		msg := err.Error()
		sample.Status, sample.Error = statusErrored, &msg
		return sample
	}

	sample.Price = q.Price
	sample.Raw = q.Raw
	if q.Block != 0 {
		block := int64(q.Block)
		sample.BlockNumber = &block
	}
	return sample
}

// previous returns the last good price, falling back to the store after a restart.
func (s *Service) previous(ctx context.Context, pair oracle.Pair) (decimal.Decimal, bool) {
	s.mu.Lock()
	prev, ok := s.last[pair]
	s.mu.Unlock()
	if ok {
		return prev, true
	}
	if s.store == nil {
		return decimal.Zero, false
	}
	sample, found, err := s.store.LatestSample(ctx, pair.Base, pair.Quote)
	if err != nil {
		s.logger.Warn().Err(err).Str("pair", pair.String()).Msg("failed to load previous sample")
		return decimal.Zero, false
	}
	if !found || !sample.Price.IsPositive() {
		return decimal.Zero, false
	}
	return sample.Price, true
}

func (s *Service) maybeAlert(ctx context.Context, bucket time.Time, pair oracle.Pair, prev decimal.Decimal, sample storage.PriceSample) {
	if !s.alertsOn || s.notifier == nil || s.threshold.IsZero() {
		return
	}
	if !sample.DeviationPct.Abs().GreaterThan(s.threshold) {
		return
	}

	s.mu.Lock()
	lastAt, alerted := s.lastAlert[pair]
	if alerted && s.cooldown > 0 && bucket.Sub(lastAt) < s.cooldown {
		s.mu.Unlock()
		s.logger.Debug().Str("pair", pair.String()).Msg("alert suppressed by cooldown")
		return
	}
	s.lastAlert[pair] = bucket
	s.mu.Unlock()

	direction := classifyDeviation(sample.DeviationPct)
	if s.alertStore != nil {
		record := storage.AlertRecord{
			SampleTS:     bucket,
			Base:         pair.Base,
			Quote:        pair.Quote,
			DeviationPct: sample.DeviationPct,
			ThresholdPct: s.threshold,
			Direction:    direction,
			Channels:     s.channels,
		}
		if _, err := s.alertStore.InsertAlert(ctx, record); err != nil {
			s.logger.Error().Err(err).Time("bucket", bucket).Msg("failed to persist alert record")
		}
	}

	note := alerting.Notification{
		Bucket:       bucket,
		Pair:         pair.String(),
		Source:       sample.Source,
		Previous:     prev,
		Current:      sample.Price,
		DeviationPct: sample.DeviationPct,
		ThresholdPct: s.threshold,
		Direction:    direction,
		Channels:     s.channels,
	}
	if err := s.notifier.Notify(ctx, note); err != nil {
		s.logger.Error().Err(err).Time("bucket", bucket).Msg("failed to dispatch alert")
	}
}

func deviationPct(prev, cur decimal.Decimal) decimal.Decimal {
	if !prev.IsPositive() {
		return decimal.Zero
	}
	return cur.Div(prev).Sub(decimal.NewFromInt(1)).Mul(decimal.NewFromInt(100))
}

func classifyDeviation(d decimal.Decimal) string {
	switch d.Sign() {
	case 1:
		return "up"
	case -1:
		return "down"
	default:
		return "flat"
	}
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
