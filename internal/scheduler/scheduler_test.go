package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestNewRejectsNonPositiveInterval(t *testing.T) {
	_, err := New(Options{}, zerolog.Nop())
	assert.Error(t, err)
}

func TestAlignedBuckets(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 7, 30, 0, time.UTC)
	s, err := New(Options{Interval: 5 * time.Minute, AlignToStart: true, Now: fixedClock(now)}, zerolog.Nop())
	require.NoError(t, err)

	assert.Equal(t, time.Date(2026, 3, 1, 10, 10, 0, 0, time.UTC), s.nextTick(now))
	assert.Equal(t, time.Date(2026, 3, 1, 10, 5, 0, 0, time.UTC), s.bucketStart(now))

	onBoundary := time.Date(2026, 3, 1, 10, 10, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 15, 0, 0, time.UTC), s.nextTick(onBoundary))
}

func TestUnalignedBuckets(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 7, 30, 0, time.UTC)
	s, err := New(Options{Interval: time.Minute, Now: fixedClock(now)}, zerolog.Nop())
	require.NoError(t, err)

	assert.Equal(t, now.Add(time.Minute), s.nextTick(now))
	assert.Equal(t, now, s.bucketStart(now))
}

func TestOnceUsesCurrentBucket(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 7, 30, 0, time.UTC)
	s, err := New(Options{Interval: 5 * time.Minute, AlignToStart: true, Now: fixedClock(now)}, zerolog.Nop())
	require.NoError(t, err)

	var got time.Time
	err = s.Once(context.Background(), func(_ context.Context, bucket time.Time) error {
		got = bucket
		return errors.New("boom")
	})
	assert.EqualError(t, err, "boom")
	assert.Equal(t, time.Date(2026, 3, 1, 10, 5, 0, 0, time.UTC), got)
}

func TestRunStopsOnCancel(t *testing.T) {
	s, err := New(Options{Interval: time.Hour, StartupDelay: time.Hour}, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Run(ctx, func(context.Context, time.Time) error { return nil }), context.Canceled)
}
