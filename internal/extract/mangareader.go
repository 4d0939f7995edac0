package extract

import (
	"context"
	"net/url"
	"strconv"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/seriesfetch/internal/metrics"
	"github.com/JakeFAU/seriesfetch/internal/scraper"
)

// mangaReader handles the Themesia MangaReader theme. Reader pages build their image
// list from a ts_reader.run({...}) call instead of img tags.
type mangaReader struct {
	*Base
}

const (
	mangaReaderIndexWait   = ".bsx"
	mangaReaderDetailWait  = "#chapterlist li"
	mangaReaderReaderWait  = "#readerarea"
	mangaReaderMarker      = "ts_reader.run("
	mangaReaderDefaultSort = "title"
)

type tsReaderPayload struct {
	Sources []struct {
		Source string   `json:"source"`
		Images []string `json:"images"`
	} `json:"sources"`
}

func newMangaReader(base *Base) Extractor {
	return &mangaReader{Base: base}
}

func (m *mangaReader) ListRecent(ctx context.Context, page int) ([]scraper.SeriesRef, error) {
	return m.list(ctx, page, "update")
}

func (m *mangaReader) ListFull(ctx context.Context, page int, order string) ([]scraper.SeriesRef, error) {
	if order == "" {
		order = mangaReaderDefaultSort
	}
	return m.list(ctx, page, order)
}

func (m *mangaReader) list(ctx context.Context, page int, order string) ([]scraper.SeriesRef, error) {
	target := m.pageURL("/manga/", url.Values{
		"page":  {strconv.Itoa(pageNumber(page))},
		"order": {order},
	})
	doc, err := m.document(ctx, target, mangaReaderIndexWait)
	if err != nil {
		return nil, err
	}
	return m.collectRefs(target, doc.Find(".bsx a"), func(a *goquery.Selection) string {
		if t, ok := a.Attr("title"); ok && t != "" {
			return t
		}
		return a.Find(".tt").Text()
	}), nil
}

func (m *mangaReader) FetchSeriesDetail(ctx context.Context, seriesURL string) (scraper.SeriesRecord, error) {
	doc, err := m.document(ctx, seriesURL, mangaReaderDetailWait)
	if err != nil {
		return scraper.SeriesRecord{}, err
	}
	name := first(doc, "h1.entry-title", ".entry-title")
	description := first(doc, `.entry-content[itemprop="description"]`, ".entry-content")
	cover := m.imageURL(seriesURL, doc.Find(".thumb img").First())
	genres := texts(doc.Find(".mgen a"))

	var rows []episodeRow
	doc.Find("#chapterlist li").Each(func(_ int, li *goquery.Selection) {
		a := li.Find("a").First()
		href, _ := a.Attr("href")
		abs := m.resolve(seriesURL, href)
		if abs == "" {
			return
		}
		label := cleanText(li.Find(".chapternum").First().Text())
		if label == "" {
			label = cleanText(a.Text())
		}
		rows = append(rows, episodeRow{url: abs, name: label})
	})
	return m.series(seriesURL, name, description, cover, genres, rows, episodeSegments[scraper.ThemeMangaReader])
}

func (m *mangaReader) FetchEpisodeImages(ctx context.Context, episodeURL string) ([]string, error) {
	html, err := m.raw(ctx, episodeURL, mangaReaderReaderWait)
	if err != nil {
		return nil, err
	}
	var payload tsReaderPayload
	if err := decodeEmbedded(html, mangaReaderMarker, &payload); err != nil {
		metrics.ObserveDataQuality("reader_payload")
		m.logger.Info("reader payload unavailable",
			zap.String("event", "data_quality"),
			zap.String("url", episodeURL),
			zap.Error(err),
		)
		return []string{}, nil
	}
	if len(payload.Sources) == 0 {
		return []string{}, nil
	}
	out := make([]string, 0, len(payload.Sources[0].Images))
	for _, img := range payload.Sources[0].Images {
		if u := m.resolve(episodeURL, img); u != "" {
			out = append(out, u)
		}
	}
	return out, nil
}
