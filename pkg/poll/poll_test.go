package poll

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUntil_SucceedsOnLaterAttempt(t *testing.T) {
	calls := 0
	err := Until(context.Background(), Policy{Interval: time.Millisecond, MaxAttempts: 5}, func(ctx context.Context) (bool, error) {
		calls++
		return calls == 3, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestUntil_TimesOut(t *testing.T) {
	calls := 0
	err := Until(context.Background(), Policy{Interval: time.Millisecond, MaxAttempts: 4}, func(ctx context.Context) (bool, error) {
		calls++
		return false, nil
	})

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.Equal(t, 4, calls)
}

func TestUntil_CheckErrorAborts(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	err := Until(context.Background(), Policy{Interval: time.Millisecond, MaxAttempts: 10}, func(ctx context.Context) (bool, error) {
		calls++
		return false, boom
	})

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestFor_ReturnsValue(t *testing.T) {
	value, err := For(context.Background(), Policy{Interval: time.Millisecond, MaxAttempts: 2}, func(ctx context.Context) (string, bool, error) {
		return "ABC", true, nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ABC", value)
}

func TestFor_ZeroAttempts(t *testing.T) {
	_, err := For(context.Background(), Policy{Interval: time.Millisecond}, func(ctx context.Context) (int, bool, error) {
		t.Fatal("fetch must not be called")
		return 0, false, nil
	})

	assert.ErrorIs(t, err, ErrTimeout)
}

func TestSleep_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := Sleep(ctx, time.Hour)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}

func TestSleep_Waits(t *testing.T) {
	start := time.Now()
	require.NoError(t, Sleep(context.Background(), 20*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestPolicy_Budget(t *testing.T) {
	assert.Equal(t, 10*time.Second, Policy{Interval: 500 * time.Millisecond, MaxAttempts: 20}.Budget())
}
