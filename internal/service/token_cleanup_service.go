package service

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

type staleTokenPruner interface {
	DeleteStale(ctx context.Context, expiredBefore, revokedBefore time.Time) (int64, error)
}

// TokenCleanupConfig controls refresh token pruning.
type TokenCleanupConfig struct {
	Schedule  string
	Retention time.Duration
	Timeout   time.Duration
}

// TokenCleanupService deletes refresh tokens that can never be accepted again
// once they have been kept for the retention window.
type TokenCleanupService struct {
	store   staleTokenPruner
	config  TokenCleanupConfig
	clock   clockwork.Clock
	logger  *zap.Logger
	metrics *MetricsService
	cron    *cron.Cron
}

// NewTokenCleanupService constructs the cleanup service.
func NewTokenCleanupService(store staleTokenPruner, config TokenCleanupConfig, clock clockwork.Clock, logger *zap.Logger, metrics *MetricsService) *TokenCleanupService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if config.Schedule == "" {
		config.Schedule = "@every 1h"
	}
	if config.Timeout <= 0 {
		config.Timeout = time.Minute
	}
	return &TokenCleanupService{store: store, config: config, clock: clock, logger: logger, metrics: metrics}
}

// Prune removes stale tokens once and returns how many rows were deleted.
func (s *TokenCleanupService) Prune(ctx context.Context) (int64, error) {
	cutoff := s.clock.Now().UTC().Add(-s.config.Retention)
	deleted, err := s.store.DeleteStale(ctx, cutoff, cutoff)
	if err != nil {
		return 0, err
	}
	s.metrics.RecordTokensPruned(deleted)
	return deleted, nil
}

// Start schedules Prune on the configured cron expression.
func (s *TokenCleanupService) Start() error {
	if s.cron != nil {
		return nil
	}
	c := cron.New()
	if _, err := c.AddFunc(s.config.Schedule, s.run); err != nil {
		return fmt.Errorf("schedule token cleanup: %w", err)
	}
	c.Start()
	s.cron = c
	s.logger.Info("token cleanup scheduled", zap.String("schedule", s.config.Schedule), zap.Duration("retention", s.config.Retention))
	return nil
}

// Stop halts the scheduler and waits for a running prune to finish.
func (s *TokenCleanupService) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.cron = nil
}

func (s *TokenCleanupService) run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Timeout)
	defer cancel()

	deleted, err := s.Prune(ctx)
	if err != nil {
		s.logger.Error("token cleanup failed", zap.Error(err))
		return
	}
	s.logger.Info("token cleanup completed", zap.Int64("deleted", deleted))
}
