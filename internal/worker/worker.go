// Package worker executes scraping jobs pulled from the queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/seriesfetch/internal/extract"
	"github.com/JakeFAU/seriesfetch/internal/images"
	"github.com/JakeFAU/seriesfetch/internal/metrics"
	"github.com/JakeFAU/seriesfetch/internal/queue/memory"
	"github.com/JakeFAU/seriesfetch/internal/scraper"
)

// Event types published after successful upserts.
const (
	EventSeriesUpserted  = "series.upserted"
	EventEpisodeUpserted = "episode.upserted"
)

// errUnusableDetail marks a series page that loaded but could not be parsed into a
// record. Loading it again yields the same page, so it never fails a job.
var errUnusableDetail = errors.New("unusable series detail")

// Queue is the part of the job queue a worker consumes.
type Queue interface {
	Dequeue(ctx context.Context) (scraper.Job, error)
	Complete(id string, counters scraper.JobCounters) error
	Fail(id string, cause error, counters scraper.JobCounters) (bool, error)
}

// Session is a browser tab owned by one job.
type Session interface {
	extract.Page
	Close()
}

// Browser opens sessions bound to an egress endpoint.
type Browser interface {
	Open(ctx context.Context, sourceID string, proxy scraper.ProxyEndpoint) (Session, error)
}

// Extractors resolves a source's theme to an extractor.
type Extractors interface {
	Supports(theme scraper.Theme) bool
	For(src scraper.Source, page extract.Page) (extract.Extractor, error)
	EpisodeID(src scraper.Source, episodeURL string) (string, error)
}

// Proxies hands out egress endpoints and takes failure reports.
type Proxies interface {
	Acquire(label string) scraper.ProxyEndpoint
	ReportFailure(label string)
}

// Images stores covers and episode pages.
type Images interface {
	AcquireCover(ctx context.Context, seriesID, remoteURL string, opts images.Options) scraper.ImageAsset
	AcquireEpisodeImages(ctx context.Context, seriesID, episodeID string, urls []string, opts images.Options) []scraper.ImageAsset
}

// Config controls Worker behavior.
type Config struct {
	// SkipProcessedEpisodes avoids refetching episodes whose images are already stored.
	SkipProcessedEpisodes bool
	// Topic receives upsert events; empty disables publishing.
	Topic string
}

// Deps groups the collaborators of a Worker.
type Deps struct {
	Queue      Queue
	Gateway    scraper.Gateway
	Browser    Browser
	Extractors Extractors
	Proxies    Proxies
	Images     Images
	Publisher  scraper.Publisher
	Clock      scraper.Clock
}

// Worker runs one job at a time to completion.
type Worker struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// New constructs a Worker.
func New(deps Deps, cfg Config, logger *zap.Logger) (*Worker, error) {
	switch {
	case deps.Queue == nil:
		return nil, errors.New("queue is required")
	case deps.Gateway == nil:
		return nil, errors.New("gateway is required")
	case deps.Browser == nil:
		return nil, errors.New("browser is required")
	case deps.Extractors == nil:
		return nil, errors.New("extractors are required")
	case deps.Proxies == nil:
		return nil, errors.New("proxies are required")
	case deps.Images == nil:
		return nil, errors.New("images are required")
	case deps.Clock == nil:
		return nil, errors.New("clock is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{deps: deps, cfg: cfg, logger: logger}, nil
}

// Run blocks, consuming jobs until the context finishes or the queue closes.
func (w *Worker) Run(ctx context.Context) {
	for {
		job, err := w.deps.Queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, memory.ErrClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued job", zap.String("job_id", job.ID), zap.String("kind", string(job.Kind)))
		w.processJob(ctx, job)
	}
}

func (w *Worker) processJob(ctx context.Context, job scraper.Job) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	start := time.Now()
	counters, err := w.Execute(ctx, job)
	outcome := "completed"
	if err == nil {
		if qErr := w.deps.Queue.Complete(job.ID, counters); qErr != nil {
			w.logger.Error("complete job failed", zap.String("job_id", job.ID), zap.Error(qErr))
		}
		w.logger.Info("job completed",
			zap.String("job_id", job.ID),
			zap.String("source_id", job.SourceID),
			zap.String("kind", string(job.Kind)),
			zap.Int("series", counters.Series),
			zap.Int("episodes", counters.Episodes),
			zap.Int("images_stored", counters.ImagesStored),
			zap.Int("images_failed", counters.ImagesFailed),
		)
	} else {
		retrying, qErr := w.deps.Queue.Fail(job.ID, err, counters)
		if qErr != nil {
			w.logger.Error("fail job failed", zap.String("job_id", job.ID), zap.Error(qErr))
		}
		outcome = "failed"
		if retrying {
			outcome = "retried"
		}
	}
	metrics.ObserveJob(string(job.Kind), outcome, time.Since(start))
}

// Execute runs job against its source and returns what it produced. Item-level problems
// are logged and counted; only configuration and index-level failures are returned.
func (w *Worker) Execute(ctx context.Context, job scraper.Job) (scraper.JobCounters, error) {
	var counters scraper.JobCounters
	if err := job.Validate(); err != nil {
		return counters, err
	}
	src, err := w.deps.Gateway.GetSource(ctx, job.SourceID)
	if err != nil {
		if errors.Is(err, scraper.ErrSourceNotFound) {
			return counters, fmt.Errorf("%w: %w", scraper.ErrConfig, err)
		}
		return counters, fmt.Errorf("load source %s: %w", job.SourceID, err)
	}
	if !src.Active {
		return counters, fmt.Errorf("%w: source %s is inactive", scraper.ErrConfig, src.ID)
	}
	if !w.deps.Extractors.Supports(src.Theme) {
		return counters, fmt.Errorf("%w: unknown theme %q for source %s", scraper.ErrConfig, src.Theme, src.ID)
	}

	proxy := w.deps.Proxies.Acquire(src.ProxyLabel)
	session, err := w.deps.Browser.Open(ctx, src.ID, proxy)
	if err != nil {
		return counters, fmt.Errorf("open browser session: %w", err)
	}
	defer session.Close()

	ex, err := w.deps.Extractors.For(src, session)
	if err != nil {
		return counters, err
	}

	r := &run{
		w:        w,
		job:      job,
		src:      src,
		proxy:    proxy,
		ex:       ex,
		counters: &counters,
		logger: w.logger.With(
			zap.String("job_id", job.ID),
			zap.String("source_id", src.ID),
			zap.String("proxy", proxy.Label),
		),
	}

	switch job.Kind {
	case scraper.JobKindRecent:
		err = r.index(ctx, func() ([]scraper.SeriesRef, error) {
			return ex.ListRecent(ctx, max(job.Params.Page, 1))
		})
	case scraper.JobKindFullPageRange:
		err = r.index(ctx, func() ([]scraper.SeriesRef, error) {
			return ex.ListFull(ctx, job.Params.Page, job.Params.OrderHint)
		})
	case scraper.JobKindSingleSeries:
		err = r.series(ctx, job.Params.URL)
		switch {
		case err == nil, errors.Is(err, extract.ErrFiltered):
			err = nil
		case errors.Is(err, errUnusableDetail):
			counters.SeriesFailed++
			r.logger.Warn("series detail unusable", zap.String("url", job.Params.URL), zap.Error(err))
			err = nil
		default:
			counters.SeriesFailed++
		}
	case scraper.JobKindSingleEpisode:
		err = r.singleEpisode(ctx)
	default:
		err = fmt.Errorf("%w: unknown job kind %q", scraper.ErrConfig, job.Kind)
	}
	return counters, err
}

// run is the state of one job execution.
type run struct {
	w        *Worker
	job      scraper.Job
	src      scraper.Source
	proxy    scraper.ProxyEndpoint
	ex       extract.Extractor
	counters *scraper.JobCounters
	logger   *zap.Logger
}

func (r *run) index(ctx context.Context, list func() ([]scraper.SeriesRef, error)) error {
	refs, err := list()
	if err != nil {
		r.reportNetwork(err)
		return fmt.Errorf("list series: %w", err)
	}
	r.logger.Info("index listed", zap.Int("series", len(refs)))
	for _, ref := range refs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := r.series(ctx, ref.URL); err != nil {
			if errors.Is(err, extract.ErrFiltered) {
				r.logger.Info("series skipped", zap.String("url", ref.URL), zap.Error(err))
				continue
			}
			r.counters.SeriesFailed++
			r.logger.Warn("series failed", zap.String("url", ref.URL), zap.Error(err))
		}
	}
	return nil
}

func (r *run) series(ctx context.Context, seriesURL string) error {
	rec, err := r.ex.FetchSeriesDetail(ctx, seriesURL)
	if err != nil {
		var fetchErr *scraper.FetchError
		switch {
		case errors.As(err, &fetchErr):
			r.reportNetwork(err)
			return err
		case ctx.Err() != nil, errors.Is(err, extract.ErrFiltered):
			return err
		}
		metrics.ObserveDataQuality("series_detail")
		return fmt.Errorf("%w: %w", errUnusableDetail, err)
	}
	opts := images.Options{Referer: seriesURL, Proxy: r.proxy}

	if rec.CoverURL != "" {
		asset := r.w.deps.Images.AcquireCover(ctx, rec.ID, rec.CoverURL, opts)
		if asset.OK() {
			now := r.w.deps.Clock.Now()
			rec.LocalCoverPath = asset.LocalPath
			rec.CoverSize = asset.Size
			rec.CoverProcessed = &now
			r.counters.ImagesStored++
		} else {
			r.counters.ImagesFailed++
		}
	}

	episodes := rec.Episodes
	rec.Episodes = nil
	if err := r.w.deps.Gateway.UpsertSeries(ctx, rec); err != nil {
		return fmt.Errorf("upsert series %s: %w", rec.ID, err)
	}
	r.counters.Series++
	r.publish(ctx, EventSeriesUpserted, map[string]any{
		"series_id": rec.ID,
		"name":      rec.Name,
		"cover":     rec.LocalCoverPath,
	})

	for _, ep := range episodes {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := r.episode(ctx, ep); err != nil {
			r.logger.Warn("episode failed",
				zap.String("series_id", rec.ID),
				zap.String("url", ep.URL),
				zap.Error(err),
			)
		}
	}
	return nil
}

func (r *run) episode(ctx context.Context, ep scraper.EpisodeRecord) error {
	if r.w.cfg.SkipProcessedEpisodes {
		existing, ok, err := r.w.deps.Gateway.GetEpisode(ctx, ep.ID)
		if err != nil {
			return fmt.Errorf("load episode %s: %w", ep.ID, err)
		}
		if ok && existing.Processed() {
			return nil
		}
	}

	urls, err := r.ex.FetchEpisodeImages(ctx, ep.URL)
	if err != nil {
		r.reportNetwork(err)
		return err
	}
	if urls == nil {
		urls = []string{}
	}
	ep.ImageURLs = urls
	ep.LocalPaths = make([]string, len(urls))
	ep.ImageSizes = make(map[string]int64, len(urls))

	assets := r.w.deps.Images.AcquireEpisodeImages(ctx, ep.SeriesID, ep.ID, urls, images.Options{
		Referer: ep.URL,
		Proxy:   r.proxy,
	})
	failed := 0
	for i, a := range assets {
		if i >= len(ep.LocalPaths) {
			break
		}
		if !a.OK() {
			failed++
			continue
		}
		ep.LocalPaths[i] = a.LocalPath
		ep.ImageSizes[a.LocalPath] = a.Size
	}
	r.counters.ImagesStored += len(assets) - failed
	r.counters.ImagesFailed += failed
	if len(urls) > 0 && failed == 0 {
		now := r.w.deps.Clock.Now()
		ep.ProcessedAt = &now
	}

	if err := r.w.deps.Gateway.UpsertEpisode(ctx, ep); err != nil {
		return fmt.Errorf("upsert episode %s: %w", ep.ID, err)
	}
	r.counters.Episodes++
	r.publish(ctx, EventEpisodeUpserted, map[string]any{
		"series_id":  ep.SeriesID,
		"episode_id": ep.ID,
		"number":     ep.Number,
		"images":     len(urls),
		"failed":     failed,
	})
	return nil
}

func (r *run) singleEpisode(ctx context.Context) error {
	p := r.job.Params
	number := extract.ParseOrdinal(p.Name)
	if number < 0 {
		number = extract.OrdinalFromURL(p.URL)
	}
	if number < 0 {
		return fmt.Errorf("%w: no episode number in %q", scraper.ErrConfig, p.URL)
	}
	id, err := r.w.deps.Extractors.EpisodeID(r.src, p.URL)
	if err != nil {
		return fmt.Errorf("%w: %w", scraper.ErrConfig, err)
	}
	name := p.Name
	if name == "" {
		name = fmt.Sprintf("Episode %g", number)
	}
	return r.episode(ctx, scraper.EpisodeRecord{
		ID:        id,
		SeriesID:  p.SeriesID,
		SourceID:  r.src.ID,
		URL:       p.URL,
		Name:      name,
		Number:    number,
		UpdatedAt: r.w.deps.Clock.Now(),
	})
}

// reportNetwork rotates away from the egress endpoint after a page fetch failure.
func (r *run) reportNetwork(err error) {
	var fe *scraper.FetchError
	if errors.As(err, &fe) {
		r.w.deps.Proxies.ReportFailure(r.proxy.Label)
	}
}

func (r *run) publish(ctx context.Context, event string, fields map[string]any) {
	if r.w.cfg.Topic == "" || r.w.deps.Publisher == nil {
		return
	}
	payload := map[string]any{
		"event":     event,
		"source_id": r.src.ID,
		"job_id":    r.job.ID,
		"timestamp": r.w.deps.Clock.Now().Format(time.RFC3339),
	}
	for k, v := range fields {
		payload[k] = v
	}
	if _, err := r.w.deps.Publisher.Publish(ctx, r.w.cfg.Topic, payload); err != nil {
		r.logger.Warn("publish event failed", zap.String("event", event), zap.Error(err))
	}
}
