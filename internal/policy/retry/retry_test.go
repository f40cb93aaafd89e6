package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type noWaitPolicy struct {
	max int
}

func (p noWaitPolicy) ShouldRetry(err error, attempt int) bool {
	return err != nil && attempt < p.max
}

func (noWaitPolicy) Backoff(int) time.Duration { return 0 }

func TestShouldRetry(t *testing.T) {
	t.Parallel()

	p := New(Config{MaxAttempts: 3})
	boom := errors.New("boom")

	assert.False(t, p.ShouldRetry(nil, 1))
	assert.True(t, p.ShouldRetry(boom, 1))
	assert.True(t, p.ShouldRetry(boom, 2))
	assert.False(t, p.ShouldRetry(boom, 3))
	assert.False(t, p.ShouldRetry(context.Canceled, 1))
	assert.False(t, p.ShouldRetry(Permanent(boom), 1))
}

func TestBackoffBounded(t *testing.T) {
	t.Parallel()

	p := New(Config{MaxAttempts: 10, BaseDelay: 10 * time.Millisecond, MaxDelay: 40 * time.Millisecond})
	for attempt := 1; attempt <= 10; attempt++ {
		d := p.Backoff(attempt)
		require.GreaterOrEqual(t, d, time.Duration(0))
		require.LessOrEqual(t, d, 40*time.Millisecond)
	}
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	t.Parallel()

	calls := 0
	err := Do(context.Background(), noWaitPolicy{max: 3}, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestDoValueGivesUp(t *testing.T) {
	t.Parallel()

	calls := 0
	_, err := DoValue(context.Background(), noWaitPolicy{max: 2}, func(context.Context) (int, error) {
		calls++
		return 0, errors.New("still down")
	})
	require.EqualError(t, err, "still down")
	require.Equal(t, 2, calls)
}

func TestDoStopsOnPermanent(t *testing.T) {
	t.Parallel()

	calls := 0
	sentinel := errors.New("unknown court")
	err := Do(context.Background(), New(Config{MaxAttempts: 5}), func(context.Context) error {
		calls++
		return Permanent(sentinel)
	})
	require.ErrorIs(t, err, sentinel)
	require.Equal(t, 1, calls)
}

func TestSleepCanceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Sleep(ctx, time.Hour)
	require.ErrorIs(t, err, context.Canceled)
}
