// Package app exposes the management operations of a running seriesfetch instance
// over its queue, dispatcher, scheduler and proxy pool.
package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/seriesfetch/internal/dispatcher"
	"github.com/JakeFAU/seriesfetch/internal/scheduler"
	"github.com/JakeFAU/seriesfetch/internal/scraper"
)

// Queue is the inspection side of the job queue.
type Queue interface {
	Snapshot() scraper.QueueSnapshot
	Get(id string) (scraper.Job, bool)
	FailedJobs() []scraper.Job
}

// Submitter admits job requests.
type Submitter interface {
	Submit(ctx context.Context, req dispatcher.Request) ([]scraper.Job, error)
}

// Scheduler manages per-source timers.
type Scheduler interface {
	StartAll(ctx context.Context) (int, error)
	StopAll()
	StartSource(ctx context.Context, id string) error
	PauseSource(id string) error
	UpdateInterval(ctx context.Context, id string, minutes int) error
	RemoveSource(id string)
	List() []scheduler.SourceSchedule
}

// Proxies is the management side of the proxy pool.
type Proxies interface {
	Stats() []scraper.ProxyStats
	Rotate() scraper.ProxyEndpoint
	ResetFailed()
}

// App is the management facade consumed by the HTTP API and the CLI.
type App struct {
	queue     Queue
	submitter Submitter
	scheduler Scheduler
	proxies   Proxies
	logger    *zap.Logger
}

// New constructs an App.
func New(queue Queue, submitter Submitter, sched Scheduler, proxies Proxies, logger *zap.Logger) (*App, error) {
	switch {
	case queue == nil:
		return nil, errors.New("queue is required")
	case submitter == nil:
		return nil, errors.New("submitter is required")
	case sched == nil:
		return nil, errors.New("scheduler is required")
	case proxies == nil:
		return nil, errors.New("proxies are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &App{
		queue:     queue,
		submitter: submitter,
		scheduler: sched,
		proxies:   proxies,
		logger:    logger,
	}, nil
}

// EnqueueJob admits a job for a source. A zero priority selects the kind default.
func (a *App) EnqueueJob(ctx context.Context, req dispatcher.Request) ([]scraper.Job, error) {
	jobs, err := a.submitter.Submit(ctx, req)
	if err != nil {
		return jobs, fmt.Errorf("enqueue job: %w", err)
	}
	return jobs, nil
}

// QueueSnapshot reports job counts per state.
func (a *App) QueueSnapshot() scraper.QueueSnapshot {
	return a.queue.Snapshot()
}

// Job returns a job by id.
func (a *App) Job(id string) (scraper.Job, bool) {
	return a.queue.Get(id)
}

// FailedJobs lists jobs that exhausted their attempts.
func (a *App) FailedJobs() []scraper.Job {
	return a.queue.FailedJobs()
}

// StartSchedulerAll starts timers for every active source.
func (a *App) StartSchedulerAll(ctx context.Context) (int, error) {
	n, err := a.scheduler.StartAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("start scheduler: %w", err)
	}
	return n, nil
}

// StopSchedulerAll cancels every timer. In-flight jobs are unaffected.
func (a *App) StopSchedulerAll() {
	a.scheduler.StopAll()
}

// StartSource starts or resumes one source's timer.
func (a *App) StartSource(ctx context.Context, id string) error {
	return a.scheduler.StartSource(ctx, id)
}

// PauseSource stops one source's timer, keeping its registration.
func (a *App) PauseSource(id string) error {
	return a.scheduler.PauseSource(id)
}

// UpdateInterval reschedules one source.
func (a *App) UpdateInterval(ctx context.Context, id string, minutes int) error {
	return a.scheduler.UpdateInterval(ctx, id, minutes)
}

// RemoveSource forgets one source's timer.
func (a *App) RemoveSource(id string) {
	a.scheduler.RemoveSource(id)
}

// Schedules lists the registered source timers.
func (a *App) Schedules() []scheduler.SourceSchedule {
	return a.scheduler.List()
}

// ProxyStats reports usage for every endpoint.
func (a *App) ProxyStats() []scraper.ProxyStats {
	return a.proxies.Stats()
}

// RotateProxy advances to the next endpoint.
func (a *App) RotateProxy() scraper.ProxyEndpoint {
	next := a.proxies.Rotate()
	a.logger.Info("proxy rotated manually", zap.String("proxy", next.Label))
	return next
}

// ResetFailedProxies clears failure markers on every endpoint.
func (a *App) ResetFailedProxies() {
	a.proxies.ResetFailed()
	a.logger.Info("proxy failures reset")
}
