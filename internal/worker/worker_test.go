package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/seriesfetch/internal/extract"
	"github.com/JakeFAU/seriesfetch/internal/images"
	"github.com/JakeFAU/seriesfetch/internal/publisher/memory"
	queuememory "github.com/JakeFAU/seriesfetch/internal/queue/memory"
	"github.com/JakeFAU/seriesfetch/internal/scraper"
	storagememory "github.com/JakeFAU/seriesfetch/internal/storage/memory"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type fakeSession struct{ closed bool }

func (s *fakeSession) Load(context.Context, string, string) (string, error) { return "", nil }
func (s *fakeSession) Close() { s.closed = true }

type fakeBrowser struct {
	sessions []*fakeSession
	proxies  []scraper.ProxyEndpoint
	err      error
}

func (b *fakeBrowser) Open(_ context.Context, _ string, proxy scraper.ProxyEndpoint) (Session, error) {
	if b.err != nil {
		return nil, b.err
	}
	s := &fakeSession{}
	b.sessions = append(b.sessions, s)
	b.proxies = append(b.proxies, proxy)
	return s, nil
}

type fakeExtractor struct {
	refs       []scraper.SeriesRef
	listErr    error
	series     map[string]scraper.SeriesRecord
	detailErr  map[string]error
	images     map[string][]string
	imageCalls int
}

func (f *fakeExtractor) ListRecent(context.Context, int) ([]scraper.SeriesRef, error) {
	return f.refs, f.listErr
}

func (f *fakeExtractor) ListFull(context.Context, int, string) ([]scraper.SeriesRef, error) {
	return f.refs, f.listErr
}

func (f *fakeExtractor) FetchSeriesDetail(_ context.Context, url string) (scraper.SeriesRecord, error) {
	if err := f.detailErr[url]; err != nil {
		return scraper.SeriesRecord{}, err
	}
	rec, ok := f.series[url]
	if !ok {
		return scraper.SeriesRecord{}, fmt.Errorf("no series at %s", url)
	}
	return rec, nil
}

func (f *fakeExtractor) FetchEpisodeImages(_ context.Context, url string) ([]string, error) {
	f.imageCalls++
	return f.images[url], nil
}

type fakeExtractors struct{ ex *fakeExtractor }

func (f fakeExtractors) Supports(theme scraper.Theme) bool { return theme == scraper.ThemeMadara }

func (f fakeExtractors) For(scraper.Source, extract.Page) (extract.Extractor, error) {
	return f.ex, nil
}

func (f fakeExtractors) EpisodeID(src scraper.Source, url string) (string, error) {
	return src.ID + "_" + url, nil
}

type fakeProxies struct {
	mu       sync.Mutex
	failures []string
}

func (p *fakeProxies) Acquire(label string) scraper.ProxyEndpoint {
	if label == "" {
		return scraper.ProxyEndpoint{Label: "direct"}
	}
	return scraper.ProxyEndpoint{Label: label, Host: "10.0.0.1", Port: 8080}
}

func (p *fakeProxies) ReportFailure(label string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures = append(p.failures, label)
}

type fakeImages struct {
	failURLs map[string]bool
	covers   int
}

func (f *fakeImages) AcquireCover(_ context.Context, seriesID, remoteURL string, _ images.Options) scraper.ImageAsset {
	f.covers++
	return scraper.ImageAsset{RemoteURL: remoteURL, LocalPath: images.CoverPath(seriesID), Size: 10, Processed: true}
}

func (f *fakeImages) AcquireEpisodeImages(_ context.Context, seriesID, episodeID string, urls []string, _ images.Options) []scraper.ImageAsset {
	out := make([]scraper.ImageAsset, len(urls))
	for i, u := range urls {
		if f.failURLs[u] {
			out[i] = scraper.ImageAsset{RemoteURL: u, Err: errors.New("boom")}
			continue
		}
		out[i] = scraper.ImageAsset{
			RemoteURL: u,
			LocalPath: images.EpisodeImagePath(seriesID, episodeID, i+1),
			Size:      100,
			Processed: true,
		}
	}
	return out
}

type harness struct {
	worker    *Worker
	gateway   *storagememory.Gateway
	browser   *fakeBrowser
	extractor *fakeExtractor
	proxies   *fakeProxies
	images    *fakeImages
	publisher *memory.Publisher
}

func newHarness(t *testing.T, src scraper.Source, ex *fakeExtractor) *harness {
	t.Helper()
	h := &harness{
		gateway:   storagememory.NewGateway(src),
		browser:   &fakeBrowser{},
		extractor: ex,
		proxies:   &fakeProxies{},
		images:    &fakeImages{},
		publisher: memory.New(),
	}
	q := queuememory.NewQueue(queuememory.Config{}, fixedClock{time.Unix(0, 0)}, zap.NewNop())
	t.Cleanup(q.Close)
	w, err := New(Deps{
		Queue:      q,
		Gateway:    h.gateway,
		Browser:    h.browser,
		Extractors: fakeExtractors{ex: ex},
		Proxies:    h.proxies,
		Images:     h.images,
		Publisher:  h.publisher,
		Clock:      fixedClock{time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)},
	}, Config{SkipProcessedEpisodes: true, Topic: "updates"}, zap.NewNop())
	require.NoError(t, err)
	h.worker = w
	return h
}

func testSource() scraper.Source {
	return scraper.Source{ID: "src1", BaseURL: "https://a.example", Theme: scraper.ThemeMadara, Active: true}
}

func oneSeriesExtractor() *fakeExtractor {
	return &fakeExtractor{
		refs: []scraper.SeriesRef{{URL: "https://a.example/manga/foo/"}},
		series: map[string]scraper.SeriesRecord{
			"https://a.example/manga/foo/": {
				ID:       "src1_foo",
				SourceID: "src1",
				Name:     "Foo",
				CoverURL: "https://a.example/foo.jpg",
				Episodes: []scraper.EpisodeRecord{
					{ID: "src1_foo_ch-1", SeriesID: "src1_foo", URL: "https://a.example/manga/foo/ch-1/", Number: 1},
					{ID: "src1_foo_ch-2", SeriesID: "src1_foo", URL: "https://a.example/manga/foo/ch-2/", Number: 2},
				},
			},
		},
		images: map[string][]string{
			"https://a.example/manga/foo/ch-1/": {"https://cdn.example/1.jpg", "https://cdn.example/2.jpg"},
			"https://a.example/manga/foo/ch-2/": {"https://cdn.example/3.jpg"},
		},
	}
}

func TestExecuteRecentPersistsSeriesAndEpisodes(t *testing.T) {
	h := newHarness(t, testSource(), oneSeriesExtractor())

	counters, err := h.worker.Execute(context.Background(), scraper.Job{ID: "j1", SourceID: "src1", Kind: scraper.JobKindRecent})
	require.NoError(t, err)

	assert.Equal(t, 1, counters.Series)
	assert.Equal(t, 2, counters.Episodes)
	assert.Equal(t, 4, counters.ImagesStored)
	assert.Zero(t, counters.ImagesFailed)

	series, episodes := h.gateway.Counts()
	assert.Equal(t, 1, series)
	assert.Equal(t, 2, episodes)

	rec, ok := h.gateway.Series("src1_foo")
	require.True(t, ok)
	assert.Equal(t, images.CoverPath("src1_foo"), rec.LocalCoverPath)
	assert.NotNil(t, rec.CoverProcessed)
	assert.Empty(t, rec.Episodes)

	ep, ok, err := h.gateway.GetEpisode(context.Background(), "src1_foo_ch-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, ep.Processed())
	assert.Len(t, ep.LocalPaths, 2)

	require.Len(t, h.browser.sessions, 1)
	assert.True(t, h.browser.sessions[0].closed)
	assert.Len(t, h.publisher.Messages(), 3)
}

func TestExecuteTwiceSkipsProcessedEpisodes(t *testing.T) {
	h := newHarness(t, testSource(), oneSeriesExtractor())
	job := scraper.Job{ID: "j1", SourceID: "src1", Kind: scraper.JobKindRecent}

	_, err := h.worker.Execute(context.Background(), job)
	require.NoError(t, err)
	calls := h.extractor.imageCalls

	counters, err := h.worker.Execute(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, calls, h.extractor.imageCalls)
	assert.Zero(t, counters.Episodes)

	series, episodes := h.gateway.Counts()
	assert.Equal(t, 1, series)
	assert.Equal(t, 2, episodes)
}

func TestEpisodeWithoutImagesIsPersistedUnprocessed(t *testing.T) {
	ex := oneSeriesExtractor()
	ex.images["https://a.example/manga/foo/ch-2/"] = nil
	h := newHarness(t, testSource(), ex)

	_, err := h.worker.Execute(context.Background(), scraper.Job{ID: "j1", SourceID: "src1", Kind: scraper.JobKindRecent})
	require.NoError(t, err)

	ep, ok, err := h.gateway.GetEpisode(context.Background(), "src1_foo_ch-2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Empty(t, ep.ImageURLs)
	assert.NotNil(t, ep.ImageURLs)
	assert.Nil(t, ep.ProcessedAt)
}

func TestFailedImageLeavesEpisodeUnprocessed(t *testing.T) {
	h := newHarness(t, testSource(), oneSeriesExtractor())
	h.images.failURLs = map[string]bool{"https://cdn.example/2.jpg": true}

	counters, err := h.worker.Execute(context.Background(), scraper.Job{ID: "j1", SourceID: "src1", Kind: scraper.JobKindRecent})
	require.NoError(t, err)
	assert.Equal(t, 1, counters.ImagesFailed)

	ep, _, err := h.gateway.GetEpisode(context.Background(), "src1_foo_ch-1")
	require.NoError(t, err)
	assert.Nil(t, ep.ProcessedAt)
	assert.Equal(t, images.EpisodeImagePath("src1_foo", "src1_foo_ch-1", 1), ep.LocalPaths[0])
	assert.Empty(t, ep.LocalPaths[1])
}

func TestSeriesFailuresAreSkipped(t *testing.T) {
	ex := oneSeriesExtractor()
	ex.refs = append([]scraper.SeriesRef{{URL: "https://a.example/manga/bad/"}, {URL: "https://a.example/manga/hidden/"}}, ex.refs...)
	ex.detailErr = map[string]error{
		"https://a.example/manga/bad/":    &scraper.FetchError{URL: "https://a.example/manga/bad/", Err: errors.New("reset")},
		"https://a.example/manga/hidden/": extract.ErrFiltered,
	}
	h := newHarness(t, scraper.Source{ID: "src1", Theme: scraper.ThemeMadara, Active: true, ProxyLabel: "p1"}, ex)

	counters, err := h.worker.Execute(context.Background(), scraper.Job{ID: "j1", SourceID: "src1", Kind: scraper.JobKindRecent})
	require.NoError(t, err)
	assert.Equal(t, 1, counters.Series)
	assert.Equal(t, 1, counters.SeriesFailed)
	assert.Equal(t, []string{"p1"}, h.proxies.failures)
	assert.Equal(t, "p1", h.browser.proxies[0].Label)
}

func TestIndexFailureFailsJob(t *testing.T) {
	ex := oneSeriesExtractor()
	ex.listErr = &scraper.FetchError{URL: "https://a.example/manga/", Err: errors.New("timeout")}
	h := newHarness(t, testSource(), ex)

	_, err := h.worker.Execute(context.Background(), scraper.Job{ID: "j1", SourceID: "src1", Kind: scraper.JobKindRecent})
	require.Error(t, err)
	assert.True(t, scraper.IsRetryable(err))
	assert.Equal(t, []string{"direct"}, h.proxies.failures)
}

func TestExecuteConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		src  scraper.Source
		job  scraper.Job
	}{
		{
			name: "unknown source",
			src:  testSource(),
			job:  scraper.Job{SourceID: "missing", Kind: scraper.JobKindRecent},
		},
		{
			name: "inactive source",
			src:  scraper.Source{ID: "src1", Theme: scraper.ThemeMadara},
			job:  scraper.Job{SourceID: "src1", Kind: scraper.JobKindRecent},
		},
		{
			name: "unknown theme",
			src:  scraper.Source{ID: "src1", Theme: "wordpress", Active: true},
			job:  scraper.Job{SourceID: "src1", Kind: scraper.JobKindRecent},
		},
		{
			name: "invalid job",
			src:  testSource(),
			job:  scraper.Job{SourceID: "src1", Kind: scraper.JobKindSingleSeries},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.src, oneSeriesExtractor())
			_, err := h.worker.Execute(context.Background(), tt.job)
			require.ErrorIs(t, err, scraper.ErrConfig)
			assert.Empty(t, h.browser.sessions)
		})
	}
}

func TestSingleEpisodeJob(t *testing.T) {
	h := newHarness(t, testSource(), oneSeriesExtractor())

	counters, err := h.worker.Execute(context.Background(), scraper.Job{
		ID:       "j1",
		SourceID: "src1",
		Kind:     scraper.JobKindSingleEpisode,
		Params: scraper.JobParams{
			URL:      "https://a.example/manga/foo/ch-2/",
			SeriesID: "src1_foo",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, counters.Episodes)

	ep, ok, err := h.gateway.GetEpisode(context.Background(), "src1_https://a.example/manga/foo/ch-2/")
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 2, ep.Number, 0.0001)
	assert.Equal(t, "Episode 2", ep.Name)
	assert.Zero(t, h.images.covers)
}

func TestRunCompletesJobsFromQueue(t *testing.T) {
	h := newHarness(t, testSource(), oneSeriesExtractor())
	q := h.worker.deps.Queue.(*queuememory.Queue)

	job, err := q.Enqueue(context.Background(), scraper.Job{ID: "j1", SourceID: "src1", Kind: scraper.JobKindRecent})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.worker.Run(ctx)
		close(done)
	}()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	require.NoError(t, q.WaitIdle(waitCtx))
	cancel()
	<-done

	got, ok := q.Get(job.ID)
	require.True(t, ok)
	assert.Equal(t, scraper.JobStatusCompleted, got.Status)
	assert.Equal(t, 1, got.Counters.Series)
}

func singleSeriesJob(url string) scraper.Job {
	return scraper.Job{ID: "j1", SourceID: "src1", Kind: scraper.JobKindSingleSeries, Params: scraper.JobParams{URL: url}}
}

func TestSingleSeriesUnparsableDetailCompletes(t *testing.T) {
	ex := oneSeriesExtractor()
	ex.detailErr = map[string]error{
		"https://a.example/manga/untitled/": errors.New("series https://a.example/manga/untitled/: no title found"),
	}
	h := newHarness(t, testSource(), ex)

	counters, err := h.worker.Execute(context.Background(), singleSeriesJob("https://a.example/manga/untitled/"))
	require.NoError(t, err)
	assert.Equal(t, 1, counters.SeriesFailed)
	assert.Zero(t, counters.Series)
	assert.Empty(t, h.proxies.failures)
}

func TestSingleSeriesFetchFailureIsRetryable(t *testing.T) {
	ex := oneSeriesExtractor()
	ex.detailErr = map[string]error{
		"https://a.example/manga/foo/": &scraper.FetchError{URL: "https://a.example/manga/foo/", Err: errors.New("reset")},
	}
	h := newHarness(t, testSource(), ex)

	counters, err := h.worker.Execute(context.Background(), singleSeriesJob("https://a.example/manga/foo/"))
	require.Error(t, err)
	assert.True(t, scraper.IsRetryable(err))
	assert.Equal(t, 1, counters.SeriesFailed)
	assert.Equal(t, []string{"direct"}, h.proxies.failures)
}

func TestSingleSeriesUnparsableDetailIsNotRetried(t *testing.T) {
	ex := oneSeriesExtractor()
	ex.detailErr = map[string]error{
		"https://a.example/manga/untitled/": fmt.Errorf("derive series id: %w", scraper.ErrNoStableID),
	}
	h := newHarness(t, testSource(), ex)
	q := h.worker.deps.Queue.(*queuememory.Queue)

	job, err := q.Enqueue(context.Background(), singleSeriesJob("https://a.example/manga/untitled/"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.worker.Run(ctx)
		close(done)
	}()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	require.NoError(t, q.WaitIdle(waitCtx))
	cancel()
	<-done

	got, ok := q.Get(job.ID)
	require.True(t, ok)
	assert.Equal(t, scraper.JobStatusCompleted, got.Status)
	assert.Equal(t, 1, got.Attempt)
	assert.Equal(t, 1, got.Counters.SeriesFailed)
	assert.Zero(t, q.Snapshot().Failed)
}
