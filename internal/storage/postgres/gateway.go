// Package postgres provides the Postgres-backed Persistence Gateway.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/seriesfetch/internal/scraper"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// Gateway reads sources and upserts series/episodes keyed by their derived ids.
type Gateway struct {
	pool pool
}

// Schema creates the tables the gateway touches.
const Schema = `
CREATE TABLE IF NOT EXISTS sources (
	id                    TEXT PRIMARY KEY,
	name                  TEXT NOT NULL,
	base_url              TEXT NOT NULL,
	theme                 TEXT NOT NULL,
	active                BOOLEAN NOT NULL DEFAULT TRUE,
	scan_interval_minutes INTEGER NOT NULL DEFAULT 60,
	proxy_label           TEXT NOT NULL DEFAULT '',
	blacklist_categories  TEXT[] NOT NULL DEFAULT '{}',
	ignore_series         TEXT[] NOT NULL DEFAULT '{}'
);
CREATE TABLE IF NOT EXISTS series (
	id                 TEXT PRIMARY KEY,
	source_id          TEXT NOT NULL REFERENCES sources(id),
	url                TEXT NOT NULL,
	name               TEXT NOT NULL,
	description        TEXT NOT NULL DEFAULT '',
	genres             TEXT[] NOT NULL DEFAULT '{}',
	cover_url          TEXT NOT NULL DEFAULT '',
	local_cover_path   TEXT NOT NULL DEFAULT '',
	cover_size         BIGINT NOT NULL DEFAULT 0,
	cover_processed_at TIMESTAMPTZ,
	updated_at         TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS episodes (
	id           TEXT PRIMARY KEY,
	series_id    TEXT NOT NULL REFERENCES series(id),
	source_id    TEXT NOT NULL,
	url          TEXT NOT NULL,
	name         TEXT NOT NULL,
	number       DOUBLE PRECISION NOT NULL CHECK (number >= 0),
	image_urls   TEXT[] NOT NULL DEFAULT '{}',
	local_paths  TEXT[] NOT NULL DEFAULT '{}',
	image_sizes  JSONB NOT NULL DEFAULT '{}',
	processed_at TIMESTAMPTZ,
	updated_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS episodes_series_id_idx ON episodes (series_id);
`

const sourceColumns = `id, name, base_url, theme, active, scan_interval_minutes, proxy_label,
	blacklist_categories, ignore_series`

// New creates a Gateway using a fresh pgx pool.
func New(ctx context.Context, cfg Config) (*Gateway, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Gateway{pool: p}, nil
}

// NewWithPool constructs a Gateway from an existing pool (primarily for testing).
func NewWithPool(p pool) (*Gateway, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Gateway{pool: p}, nil
}

// Close releases the underlying pool resources.
func (g *Gateway) Close() {
	if g == nil || g.pool == nil {
		return
	}
	g.pool.Close()
}

// EnsureSchema creates missing tables.
func (g *Gateway) EnsureSchema(ctx context.Context) error {
	if _, err := g.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// ActiveSources returns every active source.
func (g *Gateway) ActiveSources(ctx context.Context) ([]scraper.Source, error) {
	rows, err := g.pool.Query(ctx, `SELECT `+sourceColumns+` FROM sources WHERE active ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query active sources: %w", err)
	}
	defer rows.Close()

	var out []scraper.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sources: %w", err)
	}
	return out, nil
}

// GetSource fetches one source by id.
func (g *Gateway) GetSource(ctx context.Context, id string) (scraper.Source, error) {
	row := g.pool.QueryRow(ctx, `SELECT `+sourceColumns+` FROM sources WHERE id = $1`, id)
	src, err := scanSource(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return scraper.Source{}, fmt.Errorf("%w: %s", scraper.ErrSourceNotFound, id)
	}
	if err != nil {
		return scraper.Source{}, err
	}
	return src, nil
}

// UpsertSeries inserts or updates a series. A missing local cover never erases a stored one.
func (g *Gateway) UpsertSeries(ctx context.Context, s scraper.SeriesRecord) error {
	if s.ID == "" {
		return fmt.Errorf("series id is required")
	}
	const query = `
INSERT INTO series (
	id, source_id, url, name, description, genres, cover_url,
	local_cover_path, cover_size, cover_processed_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (id) DO UPDATE SET
	url = EXCLUDED.url,
	name = EXCLUDED.name,
	description = EXCLUDED.description,
	genres = EXCLUDED.genres,
	cover_url = EXCLUDED.cover_url,
	local_cover_path = COALESCE(NULLIF(EXCLUDED.local_cover_path, ''), series.local_cover_path),
	cover_size = CASE WHEN EXCLUDED.local_cover_path = '' THEN series.cover_size ELSE EXCLUDED.cover_size END,
	cover_processed_at = COALESCE(EXCLUDED.cover_processed_at, series.cover_processed_at),
	updated_at = EXCLUDED.updated_at`

	args := []any{
		s.ID,
		s.SourceID,
		s.URL,
		s.Name,
		s.Description,
		nonNil(s.Genres),
		s.CoverURL,
		s.LocalCoverPath,
		s.CoverSize,
		s.CoverProcessed,
		s.UpdatedAt,
	}
	if _, err := g.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert series %s: %w", s.ID, err)
	}
	return nil
}

// UpsertEpisode inserts or updates an episode.
func (g *Gateway) UpsertEpisode(ctx context.Context, e scraper.EpisodeRecord) error {
	if e.ID == "" {
		return fmt.Errorf("episode id is required")
	}
	if e.Number < 0 {
		return fmt.Errorf("episode %s has negative number", e.ID)
	}
	sizes, err := json.Marshal(nonNilSizes(e.ImageSizes))
	if err != nil {
		return fmt.Errorf("marshal image sizes: %w", err)
	}
	const query = `
INSERT INTO episodes (
	id, series_id, source_id, url, name, number,
	image_urls, local_paths, image_sizes, processed_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (id) DO UPDATE SET
	url = EXCLUDED.url,
	name = EXCLUDED.name,
	number = EXCLUDED.number,
	image_urls = EXCLUDED.image_urls,
	local_paths = EXCLUDED.local_paths,
	image_sizes = EXCLUDED.image_sizes,
	processed_at = COALESCE(EXCLUDED.processed_at, episodes.processed_at),
	updated_at = EXCLUDED.updated_at`

	args := []any{
		e.ID,
		e.SeriesID,
		e.SourceID,
		e.URL,
		e.Name,
		e.Number,
		nonNil(e.ImageURLs),
		nonNil(e.LocalPaths),
		sizes,
		e.ProcessedAt,
		e.UpdatedAt,
	}
	if _, err := g.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert episode %s: %w", e.ID, err)
	}
	return nil
}

// GetEpisode fetches an episode by id.
func (g *Gateway) GetEpisode(ctx context.Context, id string) (scraper.EpisodeRecord, bool, error) {
	const query = `
SELECT id, series_id, source_id, url, name, number, image_urls, local_paths, image_sizes,
	processed_at, updated_at
FROM episodes WHERE id = $1`

	var (
		e     scraper.EpisodeRecord
		sizes []byte
	)
	err := g.pool.QueryRow(ctx, query, id).Scan(
		&e.ID,
		&e.SeriesID,
		&e.SourceID,
		&e.URL,
		&e.Name,
		&e.Number,
		&e.ImageURLs,
		&e.LocalPaths,
		&sizes,
		&e.ProcessedAt,
		&e.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return scraper.EpisodeRecord{}, false, nil
	}
	if err != nil {
		return scraper.EpisodeRecord{}, false, fmt.Errorf("get episode %s: %w", id, err)
	}
	if len(sizes) > 0 {
		if err := json.Unmarshal(sizes, &e.ImageSizes); err != nil {
			return scraper.EpisodeRecord{}, false, fmt.Errorf("decode image sizes: %w", err)
		}
	}
	return e, true, nil
}

func scanSource(row pgx.Row) (scraper.Source, error) {
	var (
		src   scraper.Source
		theme string
	)
	err := row.Scan(
		&src.ID,
		&src.Name,
		&src.BaseURL,
		&theme,
		&src.Active,
		&src.ScanIntervalMinutes,
		&src.ProxyLabel,
		&src.BlacklistCategories,
		&src.IgnoreSeries,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return scraper.Source{}, err
		}
		return scraper.Source{}, fmt.Errorf("scan source: %w", err)
	}
	src.Theme = scraper.Theme(theme)
	return src, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilSizes(m map[string]int64) map[string]int64 {
	if m == nil {
		return map[string]int64{}
	}
	return m
}
