package memory

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/seriesfetch/internal/scraper"
)

type fakeClock struct{ now time.Time }

func (c fakeClock) Now() time.Time { return c.now }

func newTestQueue(retry RetryPolicy) *Queue {
	return NewQueue(Config{Retry: retry}, fakeClock{now: time.Unix(0, 0)}, zap.NewNop())
}

func fastRetry(attempts int) RetryPolicy {
	return RetryPolicy{MaxAttempts: attempts, BaseDelay: 2 * time.Millisecond, MaxDelay: 10 * time.Millisecond}
}

func job(id string, priority int) scraper.Job {
	return scraper.Job{ID: id, SourceID: "src", Kind: scraper.JobKindRecent, Priority: priority}
}

func TestQueueEnqueueDequeue(t *testing.T) {
	t.Parallel()

	q := newTestQueue(fastRetry(3))
	result := make(chan scraper.Job, 1)
	errCh := make(chan error, 1)

	go func() {
		item, err := q.Dequeue(context.Background())
		if err != nil {
			errCh <- err
			return
		}
		result <- item
	}()

	time.Sleep(10 * time.Millisecond) // let the consumer block first
	admitted, err := q.Enqueue(context.Background(), job("job-1", scraper.PriorityScheduled))
	require.NoError(t, err)
	require.Equal(t, scraper.JobStatusWaiting, admitted.Status)

	select {
	case err := <-errCh:
		t.Fatalf("Dequeue() error = %v", err)
	case got := <-result:
		require.Equal(t, "job-1", got.ID)
		require.Equal(t, scraper.JobStatusActive, got.Status)
		require.Equal(t, 1, got.Attempt)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not return job")
	}
}

func TestQueueOrdersByPriorityThenAdmission(t *testing.T) {
	t.Parallel()

	q := newTestQueue(fastRetry(3))
	ctx := context.Background()
	for _, j := range []scraper.Job{
		job("backfill-1", scraper.PriorityBackfill),
		job("sched-1", scraper.PriorityScheduled),
		job("manual-1", scraper.PriorityManual),
		job("sched-2", scraper.PriorityScheduled),
		job("manual-2", scraper.PriorityManual),
	} {
		_, err := q.Enqueue(ctx, j)
		require.NoError(t, err)
	}

	var order []string
	for i := 0; i < 5; i++ {
		j, err := q.Dequeue(ctx)
		require.NoError(t, err)
		order = append(order, j.ID)
	}
	require.Equal(t, []string{"manual-1", "manual-2", "sched-1", "sched-2", "backfill-1"}, order)
}

func TestQueueSnapshotCountsStates(t *testing.T) {
	t.Parallel()

	q := newTestQueue(fastRetry(1))
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		_, err := q.Enqueue(ctx, job(fmt.Sprintf("j%d", i), 1))
		require.NoError(t, err)
	}
	a, _ := q.Dequeue(ctx)
	b, _ := q.Dequeue(ctx)
	c, _ := q.Dequeue(ctx)
	require.NoError(t, q.Complete(a.ID, scraper.JobCounters{Series: 2}))
	retrying, err := q.Fail(b.ID, errors.New("boom"), scraper.JobCounters{})
	require.NoError(t, err)
	require.False(t, retrying)

	require.Equal(t, scraper.QueueSnapshot{Waiting: 1, Active: 1, Completed: 1, Failed: 1}, q.Snapshot())

	got, ok := q.Get(a.ID)
	require.True(t, ok)
	require.Equal(t, 2, got.Counters.Series)
	require.NotNil(t, got.Finished)

	failed := q.FailedJobs()
	require.Len(t, failed, 1)
	require.Equal(t, "boom", failed[0].ErrorText)
	_ = c
}

func TestQueueRetriesWithBackoffThenFails(t *testing.T) {
	t.Parallel()

	q := newTestQueue(fastRetry(3))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := q.Enqueue(ctx, job("flaky", scraper.PriorityScheduled))
	require.NoError(t, err)

	for attempt := 1; attempt <= 3; attempt++ {
		j, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.Equal(t, attempt, j.Attempt)
		retrying, err := q.Fail(j.ID, &scraper.FetchError{URL: "u", Err: errors.New("timeout")}, scraper.JobCounters{})
		require.NoError(t, err)
		require.Equal(t, attempt < 3, retrying)
		if retrying {
			require.Equal(t, 1, q.Snapshot().Waiting)
		}
	}

	snap := q.Snapshot()
	require.Equal(t, 0, snap.Waiting)
	require.Equal(t, 1, snap.Failed)
	got, ok := q.Get("flaky")
	require.True(t, ok)
	require.Equal(t, scraper.JobStatusFailed, got.Status)
}

func TestQueueConfigErrorsAreNotRetried(t *testing.T) {
	t.Parallel()

	q := newTestQueue(fastRetry(5))
	ctx := context.Background()
	_, err := q.Enqueue(ctx, job("bad", 1))
	require.NoError(t, err)
	j, err := q.Dequeue(ctx)
	require.NoError(t, err)

	retrying, err := q.Fail(j.ID, fmt.Errorf("%w: unknown theme", scraper.ErrConfig), scraper.JobCounters{})
	require.NoError(t, err)
	require.False(t, retrying)
	require.Equal(t, 1, q.Snapshot().Failed)
}

func TestQueueRejectsInvalidTransitions(t *testing.T) {
	t.Parallel()

	q := newTestQueue(fastRetry(3))
	ctx := context.Background()
	require.ErrorIs(t, q.Complete("missing", scraper.JobCounters{}), ErrUnknownJob)

	_, err := q.Enqueue(ctx, job("j", 1))
	require.NoError(t, err)
	require.Error(t, q.Complete("j", scraper.JobCounters{}))

	_, err = q.Enqueue(ctx, job("j", 1))
	require.Error(t, err)
	_, err = q.Enqueue(ctx, scraper.Job{})
	require.Error(t, err)
}

func TestQueueCancelationErrors(t *testing.T) {
	t.Parallel()

	q := newTestQueue(fastRetry(3))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := q.Dequeue(ctx)
	require.EqualError(t, err, "dequeue canceled: context canceled")

	_, err = q.Enqueue(ctx, job("x", 1))
	require.EqualError(t, err, "enqueue canceled: context canceled")
}

func TestQueueClose(t *testing.T) {
	t.Parallel()

	q := newTestQueue(fastRetry(3))
	done := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(context.Background())
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	q.Close()
	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("close did not wake consumer")
	}
	// Closing twice should be safe.
	q.Close()
	_, err := q.Enqueue(context.Background(), job("late", 1))
	require.ErrorIs(t, err, ErrClosed)
}

func TestQueueWaitIdle(t *testing.T) {
	t.Parallel()

	q := newTestQueue(fastRetry(3))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := q.Enqueue(ctx, job("j", 1))
	require.NoError(t, err)

	go func() {
		j, err := q.Dequeue(ctx)
		if err == nil {
			_ = q.Complete(j.ID, scraper.JobCounters{})
		}
	}()
	require.NoError(t, q.WaitIdle(ctx))
	require.Equal(t, 1, q.Snapshot().Completed)
}

func TestQueueRetainsBoundedCompletedJobs(t *testing.T) {
	t.Parallel()

	q := NewQueue(Config{Retry: fastRetry(1), RetainCompleted: 2}, fakeClock{}, nil)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("c%d", i)
		_, err := q.Enqueue(ctx, job(id, 1))
		require.NoError(t, err)
		j, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.NoError(t, q.Complete(j.ID, scraper.JobCounters{}))
	}
	_, ok := q.Get("c0")
	require.False(t, ok)
	_, ok = q.Get("c2")
	require.True(t, ok)
	require.Equal(t, 3, q.Snapshot().Completed)
}
