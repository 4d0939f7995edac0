package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/seriesfetch/internal/scraper"
)

// Gateway is an in-memory Persistence Gateway for development and tests.
type Gateway struct {
	mu       sync.RWMutex
	sources  map[string]scraper.Source
	series   map[string]scraper.SeriesRecord
	episodes map[string]scraper.EpisodeRecord
}

// NewGateway constructs a Gateway seeded with sources.
func NewGateway(sources ...scraper.Source) *Gateway {
	g := &Gateway{
		sources:  make(map[string]scraper.Source),
		series:   make(map[string]scraper.SeriesRecord),
		episodes: make(map[string]scraper.EpisodeRecord),
	}
	for _, src := range sources {
		g.sources[src.ID] = src
	}
	return g
}

// PutSource inserts or replaces a source.
func (g *Gateway) PutSource(src scraper.Source) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sources[src.ID] = src
}

// ActiveSources returns every active source ordered by id.
func (g *Gateway) ActiveSources(_ context.Context) ([]scraper.Source, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]scraper.Source, 0, len(g.sources))
	for _, src := range g.sources {
		if src.Active {
			out = append(out, src)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetSource fetches a source by id.
func (g *Gateway) GetSource(_ context.Context, id string) (scraper.Source, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	src, ok := g.sources[id]
	if !ok {
		return scraper.Source{}, fmt.Errorf("%w: %s", scraper.ErrSourceNotFound, id)
	}
	return src, nil
}

// UpsertSeries stores the series keyed by id. Episodes are stored separately.
func (g *Gateway) UpsertSeries(_ context.Context, series scraper.SeriesRecord) error {
	if series.ID == "" {
		return fmt.Errorf("series id is required")
	}
	series.Episodes = nil
	g.mu.Lock()
	defer g.mu.Unlock()
	g.series[series.ID] = series
	return nil
}

// UpsertEpisode stores the episode keyed by id.
func (g *Gateway) UpsertEpisode(_ context.Context, episode scraper.EpisodeRecord) error {
	if episode.ID == "" {
		return fmt.Errorf("episode id is required")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.episodes[episode.ID] = episode
	return nil
}

// GetEpisode fetches an episode by id.
func (g *Gateway) GetEpisode(_ context.Context, id string) (scraper.EpisodeRecord, bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ep, ok := g.episodes[id]
	return ep, ok, nil
}

// Series returns a stored series.
func (g *Gateway) Series(id string) (scraper.SeriesRecord, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	s, ok := g.series[id]
	return s, ok
}

// Counts returns the number of stored series and episodes.
func (g *Gateway) Counts() (series int, episodes int) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.series), len(g.episodes)
}
