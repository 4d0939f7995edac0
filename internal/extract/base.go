package extract

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/seriesfetch/internal/metrics"
	"github.com/JakeFAU/seriesfetch/internal/scraper"
)

// lazyImageAttrs are checked in order; themes lazy-load with data attributes.
var lazyImageAttrs = []string{"data-src", "data-lazy-src", "data-cfsrc", "src"}

// Base carries what every variant needs for one source and one session.
type Base struct {
	source scraper.Source
	page   Page
	ids    *IDs
	clock  scraper.Clock
	logger *zap.Logger
}

// episodeRow is one entry of a series' episode index before id derivation.
type episodeRow struct {
	url  string
	name string
}

func (b *Base) raw(ctx context.Context, pageURL, waitSelector string) (string, error) {
	html, err := b.page.Load(ctx, pageURL, waitSelector)
	metrics.ObservePage(b.source.ID, err == nil)
	if err != nil {
		return "", err
	}
	return html, nil
}

func (b *Base) document(ctx context.Context, pageURL, waitSelector string) (*goquery.Document, error) {
	html, err := b.raw(ctx, pageURL, waitSelector)
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse html %s: %w", pageURL, err)
	}
	return doc, nil
}

// pageURL joins a path and optional query onto the source base URL.
func (b *Base) pageURL(p string, query url.Values) string {
	u, err := url.Parse(strings.TrimRight(b.source.BaseURL, "/") + p)
	if err != nil {
		return b.source.BaseURL + p
	}
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// resolve makes href absolute against ref.
func (b *Base) resolve(ref, href string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}
	base, err := url.Parse(ref)
	if err != nil {
		return href
	}
	u, err := base.Parse(href)
	if err != nil {
		return ""
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	u.Fragment = ""
	return u.String()
}

// imageURL reads the first populated lazy-load attribute of an img element.
func (b *Base) imageURL(ref string, img *goquery.Selection) string {
	for _, attr := range lazyImageAttrs {
		if v, ok := img.Attr(attr); ok {
			v = strings.TrimSpace(v)
			if v != "" && !strings.HasPrefix(v, "data:") {
				return b.resolve(ref, v)
			}
		}
	}
	return ""
}

// collectRefs turns anchor selections into deduplicated refs, dropping ignored series.
func (b *Base) collectRefs(ref string, sel *goquery.Selection, title func(*goquery.Selection) string) []scraper.SeriesRef {
	seen := make(map[string]struct{})
	out := make([]scraper.SeriesRef, 0, sel.Length())
	sel.Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		abs := b.resolve(ref, href)
		if abs == "" {
			return
		}
		if _, dup := seen[abs]; dup {
			return
		}
		seen[abs] = struct{}{}
		r := scraper.SeriesRef{URL: abs, Title: cleanText(title(a))}
		if b.ignored(r) {
			b.logger.Debug("series on ignore list", zap.String("url", abs))
			return
		}
		out = append(out, r)
	})
	return out
}

// ignored matches the source ignore list against the series slug, URL or title.
func (b *Base) ignored(r scraper.SeriesRef) bool {
	if len(b.source.IgnoreSeries) == 0 {
		return false
	}
	slug := slugFromURL(r.URL, 1)
	for _, entry := range b.source.IgnoreSeries {
		e := strings.ToLower(strings.TrimSpace(entry))
		if e == "" {
			continue
		}
		if e == slug || e == strings.ToLower(r.URL) || e == strings.ToLower(r.Title) {
			return true
		}
	}
	return false
}

// blacklisted reports the first genre that appears on the category blacklist.
func (b *Base) blacklisted(genres []string) (string, bool) {
	for _, g := range genres {
		for _, banned := range b.source.BlacklistCategories {
			if strings.EqualFold(strings.TrimSpace(g), strings.TrimSpace(banned)) {
				return g, true
			}
		}
	}
	return "", false
}

// series assembles a record from parsed fields and episode rows. Rows without a usable
// ordinal or id are dropped and logged.
func (b *Base) series(
	seriesURL, name, description, coverURL string,
	genres []string,
	rows []episodeRow,
	segments int,
) (scraper.SeriesRecord, error) {
	if name == "" {
		return scraper.SeriesRecord{}, fmt.Errorf("series %s: no title found", seriesURL)
	}
	if g, banned := b.blacklisted(genres); banned {
		return scraper.SeriesRecord{}, fmt.Errorf("%w: %s has category %q", ErrFiltered, seriesURL, g)
	}
	seriesID, err := b.ids.Derive(b.source.ID, seriesURL, 1)
	if err != nil {
		return scraper.SeriesRecord{}, err
	}
	now := b.clock.Now()
	rec := scraper.SeriesRecord{
		ID:          seriesID,
		SourceID:    b.source.ID,
		URL:         seriesURL,
		Name:        name,
		Description: description,
		Genres:      genres,
		CoverURL:    coverURL,
		UpdatedAt:   now,
	}

	seen := make(map[string]struct{}, len(rows))
	for _, row := range rows {
		number := ParseOrdinal(row.name)
		if number < 0 {
			number = OrdinalFromURL(row.url)
		}
		if number < 0 {
			metrics.ObserveDataQuality("unparseable_ordinal")
			b.logger.Info("dropping episode without ordinal",
				zap.String("event", "data_quality"),
				zap.String("url", row.url),
				zap.String("name", row.name),
			)
			continue
		}
		episodeID, err := b.ids.Derive(b.source.ID, row.url, segments)
		if err != nil {
			continue
		}
		if _, dup := seen[episodeID]; dup {
			continue
		}
		seen[episodeID] = struct{}{}
		rec.Episodes = append(rec.Episodes, scraper.EpisodeRecord{
			ID:        episodeID,
			SeriesID:  seriesID,
			SourceID:  b.source.ID,
			URL:       row.url,
			Name:      row.name,
			Number:    number,
			UpdatedAt: now,
		})
	}
	return rec, nil
}

// first returns the trimmed text of the first match among selectors.
func first(doc *goquery.Document, selectors ...string) string {
	for _, s := range selectors {
		if t := cleanText(doc.Find(s).First().Text()); t != "" {
			return t
		}
	}
	return ""
}

func texts(sel *goquery.Selection) []string {
	var out []string
	sel.Each(func(_ int, s *goquery.Selection) {
		if t := cleanText(s.Text()); t != "" {
			out = append(out, t)
		}
	})
	return out
}

func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func pageNumber(page int) int {
	if page < 1 {
		return 1
	}
	return page
}
