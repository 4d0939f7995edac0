// Package memory provides the in-process job queue.
package memory

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/seriesfetch/internal/metrics"
	"github.com/JakeFAU/seriesfetch/internal/scraper"
)

// ErrClosed is returned by Dequeue after Close.
var ErrClosed = errors.New("queue closed")

// ErrUnknownJob is returned when an id is not held by the queue.
var ErrUnknownJob = errors.New("unknown job")

const defaultRetainCompleted = 1000

// Config tunes retries and bookkeeping.
type Config struct {
	Retry RetryPolicy
	// RetainCompleted bounds how many finished jobs stay inspectable through Get.
	RetainCompleted int
}

// Queue is a priority queue of scraping jobs. Higher priority is dequeued first and
// equal priorities leave in admission order.
type Queue struct {
	mu        sync.Mutex
	cfg       Config
	clock     scraper.Clock
	logger    *zap.Logger
	pending   jobHeap
	jobs      map[string]*scraper.Job
	seq       uint64
	wake      chan struct{}
	closed    bool
	delayed   int
	active    int
	completed int
	failed    int
	done      []string
	timers    map[string]*time.Timer
}

// NewQueue constructs an empty queue.
func NewQueue(cfg Config, clock scraper.Clock, logger *zap.Logger) *Queue {
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	if cfg.RetainCompleted <= 0 {
		cfg.RetainCompleted = defaultRetainCompleted
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		cfg:    cfg,
		clock:  clock,
		logger: logger.Named("queue"),
		jobs:   make(map[string]*scraper.Job),
		wake:   make(chan struct{}),
		timers: make(map[string]*time.Timer),
	}
}

// Enqueue admits a job in the waiting state.
func (q *Queue) Enqueue(ctx context.Context, job scraper.Job) (scraper.Job, error) {
	if err := ctx.Err(); err != nil {
		return scraper.Job{}, fmt.Errorf("enqueue canceled: %w", err)
	}
	if job.ID == "" {
		return scraper.Job{}, errors.New("job id is required")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return scraper.Job{}, ErrClosed
	}
	if _, exists := q.jobs[job.ID]; exists {
		return scraper.Job{}, fmt.Errorf("job %s already admitted", job.ID)
	}
	job.Status = scraper.JobStatusWaiting
	job.Attempt = 0
	if job.Submitted.IsZero() {
		job.Submitted = q.clock.Now()
	}
	stored := job
	q.jobs[job.ID] = &stored
	q.pushLocked(&stored)
	return stored, nil
}

// Dequeue blocks until a job is available, marks it active and returns it.
func (q *Queue) Dequeue(ctx context.Context) (scraper.Job, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return scraper.Job{}, ErrClosed
		}
		if q.pending.Len() > 0 {
			it := heap.Pop(&q.pending).(*heapItem)
			job := q.jobs[it.id]
			now := q.clock.Now()
			job.Status = scraper.JobStatusActive
			job.Attempt++
			job.Started = &now
			job.Finished = nil
			q.active++
			q.publishDepthLocked()
			out := *job
			q.mu.Unlock()
			return out, nil
		}
		wait := q.wake
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return scraper.Job{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-wait:
		}
	}
}

// Complete moves an active job to completed.
func (q *Queue) Complete(id string, counters scraper.JobCounters) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, err := q.activeLocked(id)
	if err != nil {
		return err
	}
	now := q.clock.Now()
	job.Status = scraper.JobStatusCompleted
	job.Finished = &now
	job.Counters = counters
	job.ErrorText = ""
	q.active--
	q.completed++
	q.retainLocked(id)
	q.publishDepthLocked()
	return nil
}

// Fail records a failed attempt. The job is requeued after a backoff while attempts
// remain and the error is retryable; otherwise it becomes failed and stays inspectable.
// The returned bool reports whether a retry was scheduled.
func (q *Queue) Fail(id string, cause error, counters scraper.JobCounters) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, err := q.activeLocked(id)
	if err != nil {
		return false, err
	}
	q.active--
	job.Counters = counters
	if cause != nil {
		job.ErrorText = cause.Error()
	}

	if q.closed || !q.cfg.Retry.ShouldRetry(cause, job.Attempt) {
		now := q.clock.Now()
		job.Status = scraper.JobStatusFailed
		job.Finished = &now
		q.failed++
		q.publishDepthLocked()
		q.logger.Warn("job failed",
			zap.String("job_id", id),
			zap.String("source_id", job.SourceID),
			zap.Int("attempt", job.Attempt),
			zap.Error(cause),
		)
		return false, nil
	}

	delay := q.cfg.Retry.Backoff(job.Attempt)
	job.Status = scraper.JobStatusWaiting
	q.delayed++
	q.timers[id] = time.AfterFunc(delay, func() { q.requeue(id) })
	q.publishDepthLocked()
	q.logger.Info("job scheduled for retry",
		zap.String("job_id", id),
		zap.String("source_id", job.SourceID),
		zap.Int("attempt", job.Attempt),
		zap.Duration("backoff", delay),
		zap.Error(cause),
	)
	return true, nil
}

func (q *Queue) requeue(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.timers, id)
	if q.closed {
		return
	}
	job, ok := q.jobs[id]
	if !ok {
		return
	}
	q.delayed--
	q.pushLocked(job)
}

// Snapshot counts jobs per state. Jobs waiting out a backoff count as waiting.
func (q *Queue) Snapshot() scraper.QueueSnapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.snapshotLocked()
}

// Get returns a copy of a job still held by the queue.
func (q *Queue) Get(id string) (scraper.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return scraper.Job{}, false
	}
	return *job, true
}

// FailedJobs lists jobs that exhausted their attempts.
func (q *Queue) FailedJobs() []scraper.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []scraper.Job
	for _, job := range q.jobs {
		if job.Status == scraper.JobStatusFailed {
			out = append(out, *job)
		}
	}
	return out
}

// WaitIdle blocks until no job is waiting or active.
func (q *Queue) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		snap := q.Snapshot()
		if snap.Waiting == 0 && snap.Active == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for idle queue: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// Close wakes blocked consumers and stops pending retries.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	for id, t := range q.timers {
		t.Stop()
		delete(q.timers, id)
	}
	close(q.wake)
}

func (q *Queue) pushLocked(job *scraper.Job) {
	q.seq++
	heap.Push(&q.pending, &heapItem{id: job.ID, priority: job.Priority, seq: q.seq})
	close(q.wake)
	q.wake = make(chan struct{})
	q.publishDepthLocked()
}

func (q *Queue) activeLocked(id string) (*scraper.Job, error) {
	job, ok := q.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}
	if job.Status != scraper.JobStatusActive {
		return nil, fmt.Errorf("job %s is %s, not active", id, job.Status)
	}
	return job, nil
}

func (q *Queue) retainLocked(id string) {
	q.done = append(q.done, id)
	for len(q.done) > q.cfg.RetainCompleted {
		delete(q.jobs, q.done[0])
		q.done = q.done[1:]
	}
}

func (q *Queue) snapshotLocked() scraper.QueueSnapshot {
	return scraper.QueueSnapshot{
		Waiting:   q.pending.Len() + q.delayed,
		Active:    q.active,
		Completed: q.completed,
		Failed:    q.failed,
	}
}

func (q *Queue) publishDepthLocked() {
	s := q.snapshotLocked()
	metrics.SetQueueDepth(s.Waiting, s.Active, s.Completed, s.Failed)
}

type heapItem struct {
	id       string
	priority int
	seq      uint64
}

type jobHeap []*heapItem

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *jobHeap) Push(x any) { *h = append(*h, x.(*heapItem)) }

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}
