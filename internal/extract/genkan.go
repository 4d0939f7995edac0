package extract

import (
	"context"
	"net/url"
	"regexp"
	"strconv"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/seriesfetch/internal/metrics"
	"github.com/JakeFAU/seriesfetch/internal/scraper"
)

// genkan handles the Genkan CMS. Chapter URLs end in /<volume>/<chapter>, so episode ids
// keep three trailing segments to stay unique per series.
type genkan struct {
	*Base
}

const (
	genkanIndexWait  = ".list-item"
	genkanDetailWait = ".list-item"
	genkanMarker     = "chapterPages ="
)

var backgroundURL = regexp.MustCompile(`url\(\s*['"]?([^'")]+)['"]?\s*\)`)

func newGenkan(base *Base) Extractor {
	return &genkan{Base: base}
}

func (g *genkan) ListRecent(ctx context.Context, page int) ([]scraper.SeriesRef, error) {
	return g.list(ctx, "/latest", page, "")
}

func (g *genkan) ListFull(ctx context.Context, page int, order string) ([]scraper.SeriesRef, error) {
	return g.list(ctx, "/comics", page, order)
}

func (g *genkan) list(ctx context.Context, path string, page int, order string) ([]scraper.SeriesRef, error) {
	q := url.Values{"page": {strconv.Itoa(pageNumber(page))}}
	if order != "" {
		q.Set("order", order)
	}
	target := g.pageURL(path, q)
	doc, err := g.document(ctx, target, genkanIndexWait)
	if err != nil {
		return nil, err
	}
	anchors := doc.Find(".list-item a.list-title")
	return g.collectRefs(target, anchors, func(a *goquery.Selection) string { return a.Text() }), nil
}

func (g *genkan) FetchSeriesDetail(ctx context.Context, seriesURL string) (scraper.SeriesRecord, error) {
	doc, err := g.document(ctx, seriesURL, genkanDetailWait)
	if err != nil {
		return scraper.SeriesRecord{}, err
	}
	name := first(doc, "h5.text-highlight", ".card-title")
	description := first(doc, ".series-synopsis", ".card-body p")
	cover := ""
	if style, ok := doc.Find(".media .media-content").First().Attr("style"); ok {
		if m := backgroundURL.FindStringSubmatch(style); m != nil {
			cover = g.resolve(seriesURL, m[1])
		}
	}
	genres := texts(doc.Find(".genres a, .badge-genre"))

	var rows []episodeRow
	doc.Find(".list-item").Each(func(_ int, item *goquery.Selection) {
		a := item.Find("a.item-author").First()
		if a.Length() == 0 {
			a = item.Find(`a[href*="/comics/"]`).First()
		}
		href, _ := a.Attr("href")
		abs := g.resolve(seriesURL, href)
		if abs == "" || abs == seriesURL {
			return
		}
		rows = append(rows, episodeRow{url: abs, name: cleanText(a.Text())})
	})
	return g.series(seriesURL, name, description, cover, genres, rows, episodeSegments[scraper.ThemeGenkan])
}

func (g *genkan) FetchEpisodeImages(ctx context.Context, episodeURL string) ([]string, error) {
	html, err := g.raw(ctx, episodeURL, "")
	if err != nil {
		return nil, err
	}
	var pages []string
	if err := decodeEmbedded(html, genkanMarker, &pages); err != nil {
		metrics.ObserveDataQuality("reader_payload")
		g.logger.Info("reader payload unavailable",
			zap.String("event", "data_quality"),
			zap.String("url", episodeURL),
			zap.Error(err),
		)
		return []string{}, nil
	}
	out := make([]string, 0, len(pages))
	for _, p := range pages {
		if u := g.resolve(episodeURL, p); u != "" {
			out = append(out, u)
		}
	}
	return out, nil
}
