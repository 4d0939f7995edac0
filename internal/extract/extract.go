// Package extract turns rendered source pages into series and episode records.
//
// Each supported site template is one Extractor variant; the Registry picks the
// variant from a source's theme tag. Variants share page loading, URL handling,
// ordinal parsing and id derivation through Base.
package extract

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/JakeFAU/seriesfetch/internal/scraper"
)

// ErrFiltered marks a series excluded by the source's blacklist or ignore list.
var ErrFiltered = errors.New("series filtered by source rules")

// Page loads a URL in a live browser session and returns the rendered HTML.
type Page interface {
	Load(ctx context.Context, url, waitSelector string) (string, error)
}

// Extractor is the capability every theme variant implements.
type Extractor interface {
	// ListRecent returns series from the recently-updated index. A page whose
	// structure does not match yields an empty slice.
	ListRecent(ctx context.Context, page int) ([]scraper.SeriesRef, error)
	// ListFull returns series from the full catalogue in the given order.
	ListFull(ctx context.Context, page int, order string) ([]scraper.SeriesRef, error)
	// FetchSeriesDetail parses a series page. Episodes carry no images yet.
	FetchSeriesDetail(ctx context.Context, url string) (scraper.SeriesRecord, error)
	// FetchEpisodeImages returns the ordered remote image URLs of an episode.
	FetchEpisodeImages(ctx context.Context, url string) ([]string, error)
}

// episodeSegments is how many trailing URL path segments identify an episode per theme.
var episodeSegments = map[scraper.Theme]int{
	scraper.ThemeMadara:      2,
	scraper.ThemeMangaReader: 1,
	scraper.ThemeGenkan:      3,
}

// Factory builds a variant around a shared Base.
type Factory func(base *Base) Extractor

// Deps are the collaborators shared by every variant.
type Deps struct {
	IDs    *IDs
	Clock  scraper.Clock
	Logger *zap.Logger
}

// Registry maps theme tags to variant factories. The set is closed at construction.
type Registry struct {
	factories map[scraper.Theme]Factory
	deps      Deps
}

// NewRegistry returns a registry with every supported theme.
func NewRegistry(deps Deps) (*Registry, error) {
	if deps.IDs == nil {
		return nil, errors.New("id deriver is required")
	}
	if deps.Clock == nil {
		return nil, errors.New("clock is required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Registry{
		factories: map[scraper.Theme]Factory{
			scraper.ThemeMadara:      newMadara,
			scraper.ThemeMangaReader: newMangaReader,
			scraper.ThemeGenkan:      newGenkan,
		},
		deps: deps,
	}, nil
}

// For binds the variant matching src.Theme to page.
func (r *Registry) For(src scraper.Source, page Page) (Extractor, error) {
	factory, ok := r.factories[src.Theme]
	if !ok {
		return nil, fmt.Errorf("%w: unknown theme %q for source %s", scraper.ErrConfig, src.Theme, src.ID)
	}
	if page == nil {
		return nil, errors.New("page is required")
	}
	base := &Base{
		source: src,
		page:   page,
		ids:    r.deps.IDs,
		clock:  r.deps.Clock,
		logger: r.deps.Logger.Named("extract").With(
			zap.String("source_id", src.ID),
			zap.String("theme", string(src.Theme)),
		),
	}
	return factory(base), nil
}

// EpisodeID derives the id an episode URL gets under src's theme.
func (r *Registry) EpisodeID(src scraper.Source, episodeURL string) (string, error) {
	segments, ok := episodeSegments[src.Theme]
	if !ok {
		return "", fmt.Errorf("%w: unknown theme %q for source %s", scraper.ErrConfig, src.Theme, src.ID)
	}
	return r.deps.IDs.Derive(src.ID, episodeURL, segments)
}

// Supports reports whether theme has a registered variant.
func (r *Registry) Supports(theme scraper.Theme) bool {
	_, ok := r.factories[theme]
	return ok
}

// Themes lists the registered themes in sorted order.
func (r *Registry) Themes() []scraper.Theme {
	out := make([]scraper.Theme, 0, len(r.factories))
	for t := range r.factories {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// KnownTheme reports whether theme is one of the supported site templates.
func KnownTheme(theme scraper.Theme) bool {
	_, ok := episodeSegments[theme]
	return ok
}
