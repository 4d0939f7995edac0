// Package dispatcher admits scraping requests into the job queue and fans queue work
// out to a pool of workers.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/seriesfetch/internal/scraper"
)

// Queue is the admission side of the job queue.
type Queue interface {
	Enqueue(ctx context.Context, job scraper.Job) (scraper.Job, error)
}

// Runner consumes jobs until its context ends.
type Runner interface {
	Run(ctx context.Context)
}

// Request describes work to admit. A full-page-range request expands into one job
// per page between StartPage and EndPage inclusive.
type Request struct {
	SourceID  string            `json:"source_id"`
	Kind      scraper.JobKind   `json:"kind"`
	Params    scraper.JobParams `json:"params"`
	StartPage int               `json:"start_page,omitempty"`
	EndPage   int               `json:"end_page,omitempty"`
	// Priority overrides the kind default when positive.
	Priority int `json:"priority,omitempty"`
}

// DefaultMaxPageSpan bounds how many pages one range request may expand into.
const DefaultMaxPageSpan = 100

// Config tunes request admission.
type Config struct {
	// MaxPageSpan caps EndPage-StartPage+1 for full-page-range requests.
	MaxPageSpan int
}

// Dispatcher fans out queue work to a pool of workers.
type Dispatcher struct {
	cfg     Config
	queue   Queue
	ids     scraper.IDGenerator
	workers []Runner
	logger  *zap.Logger
}

// New creates a Dispatcher.
func New(cfg Config, queue Queue, ids scraper.IDGenerator, workers []Runner, logger *zap.Logger) (*Dispatcher, error) {
	if queue == nil {
		return nil, errors.New("queue is required")
	}
	if ids == nil {
		return nil, errors.New("id generator is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxPageSpan <= 0 {
		cfg.MaxPageSpan = DefaultMaxPageSpan
	}
	return &Dispatcher{cfg: cfg, queue: queue, ids: ids, workers: workers, logger: logger}, nil
}

// Run starts all workers and blocks until the context finishes.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk Runner) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	<-ctx.Done()
	wg.Wait()
}

// Submit validates req and admits the resulting jobs. Jobs admitted before an
// enqueue error are returned alongside it.
func (d *Dispatcher) Submit(ctx context.Context, req Request) ([]scraper.Job, error) {
	jobs, err := d.expand(req)
	if err != nil {
		return nil, err
	}
	admitted := make([]scraper.Job, 0, len(jobs))
	for _, job := range jobs {
		id, err := d.ids.NewID()
		if err != nil {
			return admitted, fmt.Errorf("generate job id: %w", err)
		}
		job.ID = id
		stored, err := d.queue.Enqueue(ctx, job)
		if err != nil {
			return admitted, fmt.Errorf("queue enqueue: %w", err)
		}
		admitted = append(admitted, stored)
	}
	d.logger.Info("jobs admitted",
		zap.String("source_id", req.SourceID),
		zap.String("kind", string(req.Kind)),
		zap.Int("count", len(admitted)),
	)
	return admitted, nil
}

func (d *Dispatcher) expand(req Request) ([]scraper.Job, error) {
	priority := req.Priority
	if priority <= 0 {
		priority = DefaultPriority(req.Kind)
	}
	base := scraper.Job{
		SourceID: req.SourceID,
		Kind:     req.Kind,
		Params:   req.Params,
		Priority: priority,
	}
	if req.Kind != scraper.JobKindFullPageRange || (req.StartPage == 0 && req.EndPage == 0) {
		if err := base.Validate(); err != nil {
			return nil, err
		}
		return []scraper.Job{base}, nil
	}

	start, end := req.StartPage, req.EndPage
	if end == 0 {
		end = start
	}
	if start < 1 || end < start {
		return nil, fmt.Errorf("%w: invalid page range %d..%d", scraper.ErrConfig, req.StartPage, req.EndPage)
	}
	if span := end - start + 1; span > d.cfg.MaxPageSpan {
		return nil, fmt.Errorf("%w: page range %d..%d spans %d pages, limit is %d",
			scraper.ErrConfig, start, end, span, d.cfg.MaxPageSpan)
	}
	jobs := make([]scraper.Job, 0, end-start+1)
	for page := start; page <= end; page++ {
		job := base
		job.Params.Page = page
		if err := job.Validate(); err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// DefaultPriority maps a job kind to its admission priority: manual single-item
// jobs jump ahead of scheduled scans, which jump ahead of backfills.
func DefaultPriority(kind scraper.JobKind) int {
	switch kind {
	case scraper.JobKindFullPageRange:
		return scraper.PriorityBackfill
	case scraper.JobKindSingleSeries, scraper.JobKindSingleEpisode:
		return scraper.PriorityManual
	default:
		return scraper.PriorityScheduled
	}
}
