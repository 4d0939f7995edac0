package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/seriesfetch/internal/scraper"
)

func sourceRows(mock pgxmock.PgxPoolIface) *pgxmock.Rows {
	return mock.NewRows([]string{
		"id", "name", "base_url", "theme", "active", "scan_interval_minutes", "proxy_label",
		"blacklist_categories", "ignore_series",
	})
}

func TestNewWithPoolRequiresPool(t *testing.T) {
	t.Parallel()

	_, err := NewWithPool(nil)
	require.Error(t, err)
}

func TestActiveSourcesScansRows(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	gw, err := NewWithPool(mock)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT .* FROM sources WHERE active").
		WillReturnRows(sourceRows(mock).
			AddRow("s1", "Site One", "https://one.example", "madara", true, 30, "", []string{"yaoi"}, []string{}).
			AddRow("s2", "Site Two", "https://two.example", "genkan", true, 60, "p1", []string{}, []string{"x"}))

	sources, err := gw.ActiveSources(context.Background())
	require.NoError(t, err)
	require.Len(t, sources, 2)
	require.Equal(t, scraper.ThemeMadara, sources[0].Theme)
	require.Equal(t, []string{"yaoi"}, sources[0].BlacklistCategories)
	require.Equal(t, "p1", sources[1].ProxyLabel)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSourceNotFound(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	gw, err := NewWithPool(mock)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT .* FROM sources WHERE id").
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err = gw.GetSource(context.Background(), "missing")
	require.ErrorIs(t, err, scraper.ErrSourceNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertSeriesUsesOnConflict(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	gw, err := NewWithPool(mock)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	rec := scraper.SeriesRecord{
		ID:          "s1_solo-leveling",
		SourceID:    "s1",
		URL:         "https://one.example/manga/solo-leveling/",
		Name:        "Solo Leveling",
		Description: "desc",
		CoverURL:    "https://cdn.example/cover.png",
		UpdatedAt:   now,
	}

	mock.ExpectExec("INSERT INTO series .* ON CONFLICT \\(id\\) DO UPDATE").
		WithArgs(
			rec.ID, rec.SourceID, rec.URL, rec.Name, rec.Description, []string{}, rec.CoverURL,
			"", int64(0), pgxmock.AnyArg(), now,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, gw.UpsertSeries(context.Background(), rec))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertEpisodeRejectsNegativeNumber(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	gw, err := NewWithPool(mock)
	require.NoError(t, err)

	err = gw.UpsertEpisode(context.Background(), scraper.EpisodeRecord{ID: "e1", Number: -1})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertEpisodeWrapsExecError(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	gw, err := NewWithPool(mock)
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO episodes").
		WithArgs(
			"e1", "s1", "src", "https://x/e1", "Chapter 1", 1.0,
			[]string{"https://cdn/1.jpg"}, []string{""}, []byte(`{}`), pgxmock.AnyArg(), pgxmock.AnyArg(),
		).
		WillReturnError(errors.New("boom"))

	err = gw.UpsertEpisode(context.Background(), scraper.EpisodeRecord{
		ID:         "e1",
		SeriesID:   "s1",
		SourceID:   "src",
		URL:        "https://x/e1",
		Name:       "Chapter 1",
		Number:     1,
		ImageURLs:  []string{"https://cdn/1.jpg"},
		LocalPaths: []string{""},
	})
	require.ErrorContains(t, err, "upsert episode e1: boom")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetEpisodeMissingReturnsFalse(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	gw, err := NewWithPool(mock)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT .* FROM episodes WHERE id").
		WithArgs("nope").
		WillReturnError(pgx.ErrNoRows)

	_, ok, err := gw.GetEpisode(context.Background(), "nope")
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	gw, err := NewWithPool(mock)
	require.NoError(t, err)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS sources").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	require.NoError(t, gw.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}
