package ingestion

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"kidsactivity-backend/lib/extractor"
	"kidsactivity-backend/lib/telemetry"

	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	cleanup := telemetry.SetupForTesting("services/ingestion")
	code := m.Run()
	cleanup()
	os.Exit(code)
}

func TestSchedulerGlobalBound(t *testing.T) {
	scheduler := NewScheduler(context.Background(), SchedulerOptions{GlobalLimit: 3})

	var inFlight atomic.Int64
	var peak atomic.Int64

	for i := 0; i < 20; i++ {
		scheduler.Go("p", fmt.Sprintf("task %d", i), func(ctx context.Context) error {
			current := inFlight.Add(1)
			for {
				observed := peak.Load()
				if current <= observed || peak.CompareAndSwap(observed, current) {
					break
				}
			}
			time.Sleep(time.Millisecond * 10)
			inFlight.Add(-1)
			return nil
		})
	}

	failures := scheduler.Wait()
	require.Empty(t, failures)
	require.LessOrEqual(t, peak.Load(), int64(3))
	require.Greater(t, peak.Load(), int64(0))
}

func TestSchedulerPerProviderBound(t *testing.T) {
	scheduler := NewScheduler(context.Background(), SchedulerOptions{GlobalLimit: 10, PerProviderLimit: 1})

	var inFlightA atomic.Int64
	var violated atomic.Bool

	for i := 0; i < 5; i++ {
		scheduler.Go("a", "task", func(ctx context.Context) error {
			if inFlightA.Add(1) > 1 {
				violated.Store(true)
			}
			time.Sleep(time.Millisecond * 5)
			inFlightA.Add(-1)
			return nil
		})
	}

	require.Empty(t, scheduler.Wait())
	require.False(t, violated.Load())
}

func TestSchedulerRetriesOnlyRetryableErrors(t *testing.T) {
	scheduler := NewScheduler(context.Background(), SchedulerOptions{
		GlobalLimit: 2,
		MaxAttempts: 3,
		BackoffBase: time.Millisecond,
	})

	var transientCalls atomic.Int64
	scheduler.Go("p", "flaky", func(ctx context.Context) error {
		if transientCalls.Add(1) < 3 {
			return &extractor.Error{
				Kind: extractor.KindTransientNetwork,
				Op:   "fetch",
				Err:  errors.New("connection reset"),
			}
		}
		return nil
	})

	var dataCalls atomic.Int64
	dataErr := errors.New("unparseable price")
	scheduler.Go("p", "bad data", func(ctx context.Context) error {
		dataCalls.Add(1)
		return dataErr
	})

	failures := scheduler.Wait()

	require.Equal(t, int64(3), transientCalls.Load())
	require.Equal(t, int64(1), dataCalls.Load())
	require.Len(t, failures, 1)
	require.Equal(t, "bad data", failures[0].Label)
	require.ErrorIs(t, failures[0].Err, dataErr)
}

func TestSchedulerRetryExhaustion(t *testing.T) {
	scheduler := NewScheduler(context.Background(), SchedulerOptions{
		GlobalLimit: 1,
		MaxAttempts: 2,
		BackoffBase: time.Millisecond,
	})

	var calls atomic.Int64
	scheduler.Go("p", "always down", func(ctx context.Context) error {
		calls.Add(1)
		return &extractor.Error{
			Kind: extractor.KindTimeout,
			Op:   "navigate",
			Err:  context.DeadlineExceeded,
		}
	})

	failures := scheduler.Wait()
	require.Equal(t, int64(2), calls.Load())
	require.Len(t, failures, 1)
	require.Equal(t, 2, failures[0].Attempts)
}

func TestSchedulerChildOutlivesParentTask(t *testing.T) {
	scheduler := NewScheduler(context.Background(), SchedulerOptions{
		GlobalLimit: 1,
		MaxAttempts: 1,
	})

	// with one global slot the child cannot start until the parent has
	// returned and released it; its context must still be alive then
	var childRan atomic.Bool
	scheduler.Go("p", "parent", func(ctx context.Context) error {
		scheduler.Go("p", "child", func(ctx context.Context) error {
			childRan.Store(true)
			return ctx.Err()
		})
		return nil
	})

	failures := scheduler.Wait()
	require.Empty(t, failures)
	require.True(t, childRan.Load())
}

func TestSchedulerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	scheduler := NewScheduler(ctx, SchedulerOptions{GlobalLimit: 1})

	started := make(chan struct{})
	scheduler.Go("p", "slow", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	// queued behind the slow task; its semaphore acquire must abort
	scheduler.Go("p", "queued", func(ctx context.Context) error {
		return nil
	})

	<-started
	cancel()

	failures := scheduler.Wait()
	require.NotEmpty(t, failures)
	for _, failure := range failures {
		require.ErrorIs(t, failure.Err, context.Canceled)
	}
}

func TestSchedulerTaskTimeout(t *testing.T) {
	scheduler := NewScheduler(context.Background(), SchedulerOptions{
		GlobalLimit: 1,
		TaskTimeout: time.Millisecond * 20,
		MaxAttempts: 1,
	})

	scheduler.Go("p", "hang", func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second * 5):
			return nil
		}
	})

	failures := scheduler.Wait()
	require.Len(t, failures, 1)
	require.ErrorIs(t, failures[0].Err, context.DeadlineExceeded)
}
