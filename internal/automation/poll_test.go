package automation

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPollUntil_ImmediateSuccess(t *testing.T) {
	var calls atomic.Int32
	err := PollUntil(context.Background(), time.Hour, time.Hour, func(context.Context) (bool, error) {
		calls.Add(1)
		return true, nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestPollUntil_SucceedsAfterRetries(t *testing.T) {
	var calls atomic.Int32
	err := PollUntil(context.Background(), 5*time.Millisecond, time.Second, func(context.Context) (bool, error) {
		return calls.Add(1) >= 3, nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestPollUntil_TimeoutWrapsErrTimeout(t *testing.T) {
	err := PollUntil(context.Background(), 5*time.Millisecond, 30*time.Millisecond, func(context.Context) (bool, error) {
		return false, nil
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimeout))
}

func TestPollUntil_ToleratesTransientErrors(t *testing.T) {
	var calls atomic.Int32
	err := PollUntil(context.Background(), 5*time.Millisecond, time.Second, func(context.Context) (bool, error) {
		if calls.Add(1) < 3 {
			return false, errors.New("not yet")
		}
		return true, nil
	})
	require.NoError(t, err)
}

func TestPollUntil_CapabilityErrorAborts(t *testing.T) {
	var calls atomic.Int32
	err := PollUntil(context.Background(), 5*time.Millisecond, time.Second, func(context.Context) (bool, error) {
		calls.Add(1)
		return false, ErrMissingCapability
	})
	require.ErrorIs(t, err, ErrMissingCapability)
	assert.Equal(t, int32(1), calls.Load())
}

func TestPollUntil_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := PollUntil(ctx, time.Hour, time.Hour, func(context.Context) (bool, error) { return false, nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPollUntil_WakeTriggersEarlyCheck(t *testing.T) {
	wake := make(chan struct{}, 1)
	var ready atomic.Bool
	go func() {
		time.Sleep(20 * time.Millisecond)
		ready.Store(true)
		wake <- struct{}{}
	}()
	start := time.Now()
	err := pollUntil(context.Background(), time.Hour, 5*time.Second, wake, func(context.Context) (bool, error) {
		return ready.Load(), nil
	})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
}
