package readiness

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietPoller() Poller {
	return Poller{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func TestAwaitSucceedsAfterRetries(t *testing.T) {
	var calls atomic.Int32
	err := quietPoller().Await(context.Background(), Probe{
		Name:     "control channel",
		Timeout:  2 * time.Second,
		Interval: 5 * time.Millisecond,
		Check: func(context.Context) bool {
			return calls.Add(1) >= 3
		},
	})

	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestAwaitChecksImmediately(t *testing.T) {
	started := time.Now()
	err := quietPoller().Await(context.Background(), Probe{
		Name:     "api",
		Timeout:  time.Minute,
		Interval: time.Minute,
		Check:    func(context.Context) bool { return true },
	})

	require.NoError(t, err)
	assert.Less(t, time.Since(started), time.Second)
}

func TestAwaitTimesOut(t *testing.T) {
	err := quietPoller().Await(context.Background(), Probe{
		Name:     "api",
		Timeout:  30 * time.Millisecond,
		Interval: 5 * time.Millisecond,
		Check:    func(context.Context) bool { return false },
	})

	require.ErrorIs(t, err, ErrTimeout)
	var probeErr *Error
	require.True(t, errors.As(err, &probeErr))
	assert.Equal(t, "api", probeErr.Probe)
}

func TestAwaitNeverSucceedsPastBound(t *testing.T) {
	err := quietPoller().Await(context.Background(), Probe{
		Name:     "slow",
		Timeout:  20 * time.Millisecond,
		Interval: time.Millisecond,
		Check: func(context.Context) bool {
			time.Sleep(40 * time.Millisecond)
			return true
		},
	})

	assert.ErrorIs(t, err, ErrTimeout)
}

func TestAwaitAbortsWhenProcessDies(t *testing.T) {
	var alive atomic.Bool
	alive.Store(true)
	var calls atomic.Int32

	poller := quietPoller()
	poller.Liveness = alive.Load

	started := time.Now()
	err := poller.Await(context.Background(), Probe{
		Name:     "control channel",
		Timeout:  time.Minute,
		Interval: 5 * time.Millisecond,
		Check: func(context.Context) bool {
			if calls.Add(1) == 2 {
				alive.Store(false)
			}
			return false
		},
	})

	require.ErrorIs(t, err, ErrProcessDied)
	assert.Equal(t, int32(2), calls.Load())
	assert.Less(t, time.Since(started), 5*time.Second)
}

func TestAwaitWakesOnExitChannel(t *testing.T) {
	exited := make(chan struct{})
	poller := quietPoller()
	poller.Exited = exited

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(exited)
	}()

	started := time.Now()
	err := poller.Await(context.Background(), Probe{
		Name:     "guest network",
		Timeout:  time.Minute,
		Interval: time.Minute,
		Check:    func(context.Context) bool { return false },
	})

	require.ErrorIs(t, err, ErrProcessDied)
	assert.Less(t, time.Since(started), 5*time.Second)
}

func TestAwaitCancelsBlockedCheckOnExit(t *testing.T) {
	exited := make(chan struct{})
	poller := quietPoller()
	poller.Exited = exited

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(exited)
	}()

	started := time.Now()
	err := poller.Await(context.Background(), Probe{
		Name:     "control channel",
		Timeout:  time.Minute,
		Interval: time.Millisecond,
		Check: func(ctx context.Context) bool {
			<-ctx.Done()
			return false
		},
	})

	require.ErrorIs(t, err, ErrProcessDied)
	assert.Less(t, time.Since(started), 5*time.Second)
}

func TestAwaitReturnsContextError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := quietPoller().Await(ctx, Probe{
		Name:     "api",
		Timeout:  time.Minute,
		Interval: 5 * time.Millisecond,
		Check:    func(context.Context) bool { return false },
	})

	assert.ErrorIs(t, err, context.Canceled)
	var probeErr *Error
	assert.False(t, errors.As(err, &probeErr))
}
