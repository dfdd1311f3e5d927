package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubPruner struct {
	expiredBefore time.Time
	revokedBefore time.Time
	deleted       int64
	err           error
}

func (s *stubPruner) DeleteStale(ctx context.Context, expiredBefore, revokedBefore time.Time) (int64, error) {
	s.expiredBefore = expiredBefore
	s.revokedBefore = revokedBefore
	return s.deleted, s.err
}

func TestTokenCleanupPruneUsesRetention(t *testing.T) {
	now := time.Date(2024, time.June, 10, 12, 0, 0, 0, time.UTC)
	store := &stubPruner{deleted: 3}
	metrics := NewMetricsService()
	svc := NewTokenCleanupService(store, TokenCleanupConfig{Retention: 48 * time.Hour}, clockwork.NewFakeClockAt(now), zap.NewNop(), metrics)

	deleted, err := svc.Prune(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), deleted)
	assert.Equal(t, now.Add(-48*time.Hour), store.expiredBefore)
	assert.Equal(t, now.Add(-48*time.Hour), store.revokedBefore)
	assert.Equal(t, float64(3), testutil.ToFloat64(metrics.tokensPruned))
}

func TestTokenCleanupPruneError(t *testing.T) {
	store := &stubPruner{err: errors.New("db down")}
	svc := NewTokenCleanupService(store, TokenCleanupConfig{}, nil, nil, nil)

	_, err := svc.Prune(context.Background())
	assert.Error(t, err)
}

func TestTokenCleanupStartRejectsBadSchedule(t *testing.T) {
	svc := NewTokenCleanupService(&stubPruner{}, TokenCleanupConfig{Schedule: "not a schedule"}, nil, nil, nil)
	assert.Error(t, svc.Start())
}

func TestTokenCleanupStartStop(t *testing.T) {
	svc := NewTokenCleanupService(&stubPruner{}, TokenCleanupConfig{Schedule: "@every 1h"}, nil, nil, nil)
	require.NoError(t, svc.Start())
	require.NoError(t, svc.Start())
	svc.Stop()
	svc.Stop()
}
