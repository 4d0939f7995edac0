package extract

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/seriesfetch/internal/scraper"
)

const madaraIndex = `<html><body>
<div class="page-item-detail"><div class="post-title"><h3><a href="https://site.example/manga/solo-leveling/">Solo Leveling</a></h3></div></div>
<div class="page-item-detail"><div class="post-title"><h3><a href="/manga/tower-of-god/">Tower of God</a></h3></div></div>
<div class="page-item-detail"><div class="post-title"><h3><a href="/manga/tower-of-god/">Tower of God</a></h3></div></div>
<div class="page-item-detail"><div class="post-title"><h3><a href="/manga/skipped-one/">Skipped</a></h3></div></div>
</body></html>`

const madaraDetail = `<html><body>
<div class="post-title"><h1> Solo   Leveling </h1></div>
<div class="summary_image"><img data-src="https://cdn.example/covers/solo.png" src="data:image/gif;base64,AAAA"></div>
<div class="genres-content"><a>Action</a><a>Fantasy</a></div>
<div class="summary__content"><p>Hunters and gates.</p></div>
<ul>
<li class="wp-manga-chapter"><a href="https://site.example/manga/solo-leveling/chapter-12-5/">Chapter 12.5</a></li>
<li class="wp-manga-chapter"><a href="https://site.example/manga/solo-leveling/chapter-12/">Chapter 12</a></li>
<li class="wp-manga-chapter"><a href="https://site.example/manga/solo-leveling/special/">Special</a></li>
</ul>
</body></html>`

const madaraReader = `<html><body><div class="reading-content">
<img data-src=" https://cdn.example/p/1.jpg " src="placeholder.gif">
<img src="/uploads/2.jpg">
<img>
</div></body></html>`

func TestMadaraListRecent(t *testing.T) {
	t.Parallel()

	page := newFakePage()
	page.pages["https://site.example/manga/?m_orderby=latest"] = madaraIndex
	ex := extractorFor(t, scraper.ThemeMadara, page, func(s *scraper.Source) {
		s.IgnoreSeries = []string{"skipped-one"}
	})

	refs, err := ex.ListRecent(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, []scraper.SeriesRef{
		{URL: "https://site.example/manga/solo-leveling/", Title: "Solo Leveling"},
		{URL: "https://site.example/manga/tower-of-god/", Title: "Tower of God"},
	}, refs)
	require.Equal(t, []string{madaraIndexWait}, page.waited)
}

func TestMadaraListFullPaginates(t *testing.T) {
	t.Parallel()

	page := newFakePage()
	ex := extractorFor(t, scraper.ThemeMadara, page)
	_, err := ex.ListFull(context.Background(), 3, "")
	require.NoError(t, err)
	require.Equal(t, []string{"https://site.example/manga/page/3/?m_orderby=alphabet"}, page.loads)
}

func TestMadaraSeriesDetail(t *testing.T) {
	t.Parallel()

	page := newFakePage()
	url := "https://site.example/manga/solo-leveling/"
	page.pages[url] = madaraDetail
	rec, err := extractorFor(t, scraper.ThemeMadara, page).FetchSeriesDetail(context.Background(), url)
	require.NoError(t, err)

	require.Equal(t, "src_solo-leveling", rec.ID)
	require.Equal(t, "Solo Leveling", rec.Name)
	require.Equal(t, "Hunters and gates.", rec.Description)
	require.Equal(t, "https://cdn.example/covers/solo.png", rec.CoverURL)
	require.Equal(t, []string{"Action", "Fantasy"}, rec.Genres)

	require.Len(t, rec.Episodes, 2)
	require.Equal(t, 12.5, rec.Episodes[0].Number)
	require.Equal(t, "src_solo-leveling_chapter-12-5", rec.Episodes[0].ID)
	require.Equal(t, rec.ID, rec.Episodes[0].SeriesID)
	require.Equal(t, 12.0, rec.Episodes[1].Number)
	for _, ep := range rec.Episodes {
		require.GreaterOrEqual(t, ep.Number, 0.0)
	}
}

func TestMadaraSeriesDetailBlacklistedCategory(t *testing.T) {
	t.Parallel()

	page := newFakePage()
	url := "https://site.example/manga/solo-leveling/"
	page.pages[url] = madaraDetail
	ex := extractorFor(t, scraper.ThemeMadara, page, func(s *scraper.Source) {
		s.BlacklistCategories = []string{"fantasy"}
	})
	_, err := ex.FetchSeriesDetail(context.Background(), url)
	require.ErrorIs(t, err, ErrFiltered)
}

func TestMadaraSeriesDetailWithoutTitleFails(t *testing.T) {
	t.Parallel()

	_, err := extractorFor(t, scraper.ThemeMadara, newFakePage()).
		FetchSeriesDetail(context.Background(), "https://site.example/manga/gone/")
	require.Error(t, err)
}

func TestMadaraEpisodeImages(t *testing.T) {
	t.Parallel()

	page := newFakePage()
	url := "https://site.example/manga/solo-leveling/chapter-12/"
	page.pages[url] = madaraReader
	imgs, err := extractorFor(t, scraper.ThemeMadara, page).FetchEpisodeImages(context.Background(), url)
	require.NoError(t, err)
	require.Equal(t, []string{
		"https://cdn.example/p/1.jpg",
		"https://site.example/uploads/2.jpg",
	}, imgs)
}
