package extract

import (
	"context"
	"fmt"
	"net/url"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/seriesfetch/internal/scraper"
)

// madara handles the WordPress Madara theme. Chapter lists are filled in by script after
// load, so detail pages wait for the first chapter row.
type madara struct {
	*Base
}

const (
	madaraIndexWait   = ".page-item-detail"
	madaraDetailWait  = "li.wp-manga-chapter"
	madaraReaderWait  = ".reading-content img"
	madaraDefaultSort = "alphabet"
)

func newMadara(base *Base) Extractor {
	return &madara{Base: base}
}

func (m *madara) ListRecent(ctx context.Context, page int) ([]scraper.SeriesRef, error) {
	return m.list(ctx, page, "latest")
}

func (m *madara) ListFull(ctx context.Context, page int, order string) ([]scraper.SeriesRef, error) {
	if order == "" {
		order = madaraDefaultSort
	}
	return m.list(ctx, page, order)
}

func (m *madara) list(ctx context.Context, page int, order string) ([]scraper.SeriesRef, error) {
	path := "/manga/"
	if n := pageNumber(page); n > 1 {
		path = fmt.Sprintf("/manga/page/%d/", n)
	}
	target := m.pageURL(path, url.Values{"m_orderby": {order}})
	doc, err := m.document(ctx, target, madaraIndexWait)
	if err != nil {
		return nil, err
	}
	anchors := doc.Find(".page-item-detail .post-title a, .page-item-detail h3 a")
	return m.collectRefs(target, anchors, func(a *goquery.Selection) string { return a.Text() }), nil
}

func (m *madara) FetchSeriesDetail(ctx context.Context, seriesURL string) (scraper.SeriesRecord, error) {
	doc, err := m.document(ctx, seriesURL, madaraDetailWait)
	if err != nil {
		return scraper.SeriesRecord{}, err
	}
	name := first(doc, ".post-title h1", ".post-title h3", ".post-title")
	description := first(doc, ".summary__content", ".description-summary", ".manga-excerpt")
	cover := m.imageURL(seriesURL, doc.Find(".summary_image img").First())
	genres := texts(doc.Find(".genres-content a"))

	var rows []episodeRow
	doc.Find("li.wp-manga-chapter").Each(func(_ int, li *goquery.Selection) {
		a := li.Find("a").First()
		href, _ := a.Attr("href")
		if abs := m.resolve(seriesURL, href); abs != "" {
			rows = append(rows, episodeRow{url: abs, name: cleanText(a.Text())})
		}
	})
	return m.series(seriesURL, name, description, cover, genres, rows, episodeSegments[scraper.ThemeMadara])
}

func (m *madara) FetchEpisodeImages(ctx context.Context, episodeURL string) ([]string, error) {
	doc, err := m.document(ctx, episodeURL, madaraReaderWait)
	if err != nil {
		return nil, err
	}
	var out []string
	doc.Find(".reading-content img").Each(func(_ int, img *goquery.Selection) {
		if u := m.imageURL(episodeURL, img); u != "" {
			out = append(out, u)
		}
	})
	return out, nil
}
