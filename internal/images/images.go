// Package images turns remote image URLs into normalized local copies.
//
// Every asset lands at a path derived from series id, episode id and image position, so a
// re-run finds the previous result with a single stat and never downloads it again.
package images

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"math"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"
	_ "golang.org/x/image/webp" // register webp decoder

	"github.com/JakeFAU/seriesfetch/internal/metrics"
	"github.com/JakeFAU/seriesfetch/internal/scraper"
)

// DefaultMaxBytes caps a single remote payload.
const DefaultMaxBytes int64 = 10 << 20

// Class distinguishes covers from episode pages.
type Class string

// Asset classes.
const (
	ClassCover Class = "cover"
	ClassPage  Class = "page"
)

// DownloadRequest describes one remote fetch.
type DownloadRequest struct {
	URL      string
	Referer  string
	Proxy    scraper.ProxyEndpoint
	MaxBytes int64
}

// Downloader fetches remote bytes.
type Downloader interface {
	Download(ctx context.Context, request DownloadRequest) ([]byte, error)
}

// Store persists normalized images at relative paths.
type Store interface {
	StatObject(ctx context.Context, path string) (int64, bool, error)
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Config tunes the transform step.
type Config struct {
	MaxBytes      int64 `mapstructure:"max_bytes"`
	MinWidth      int   `mapstructure:"min_width"`
	MinHeight     int   `mapstructure:"min_height"`
	CoverQuality  int   `mapstructure:"cover_quality"`
	PageQuality   int   `mapstructure:"page_quality"`
	UpscaleCovers bool  `mapstructure:"upscale_covers"`
	UpscalePages  bool  `mapstructure:"upscale_pages"`
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		MaxBytes:     DefaultMaxBytes,
		MinWidth:     800,
		MinHeight:    600,
		CoverQuality: 75,
		PageQuality:  85,
		UpscalePages: true,
	}
}

// Request is a single acquisition.
type Request struct {
	URL     string
	Path    string
	Class   Class
	Upscale bool
	Referer string
	Proxy   scraper.ProxyEndpoint
}

// Options are shared by the batch helpers.
type Options struct {
	Referer string
	Proxy   scraper.ProxyEndpoint
}

// Acquirer runs the exists → fetch → transform → write pipeline.
type Acquirer struct {
	downloader Downloader
	store      Store
	cfg        Config
	logger     *zap.Logger
}

// New builds an Acquirer. Zero config fields take their defaults.
func New(downloader Downloader, store Store, cfg Config, logger *zap.Logger) (*Acquirer, error) {
	if downloader == nil {
		return nil, errors.New("downloader is required")
	}
	if store == nil {
		return nil, errors.New("store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = def.MaxBytes
	}
	if cfg.MinWidth <= 0 {
		cfg.MinWidth = def.MinWidth
	}
	if cfg.MinHeight <= 0 {
		cfg.MinHeight = def.MinHeight
	}
	if cfg.CoverQuality <= 0 || cfg.CoverQuality > 100 {
		cfg.CoverQuality = def.CoverQuality
	}
	if cfg.PageQuality <= 0 || cfg.PageQuality > 100 {
		cfg.PageQuality = def.PageQuality
	}
	return &Acquirer{
		downloader: downloader,
		store:      store,
		cfg:        cfg,
		logger:     logger.Named("images"),
	}, nil
}

// Acquire ensures a normalized copy of req.URL exists at req.Path. It never returns an
// error; failures are reported on the asset, which keeps the remote URL.
func (a *Acquirer) Acquire(ctx context.Context, req Request) scraper.ImageAsset {
	asset := scraper.ImageAsset{RemoteURL: req.URL}
	if req.URL == "" {
		asset.Err = errors.New("empty image url")
		return a.fail(req, asset)
	}

	size, exists, err := a.store.StatObject(ctx, req.Path)
	if err != nil {
		asset.Err = fmt.Errorf("stat %s: %w", req.Path, err)
		return a.fail(req, asset)
	}
	if exists {
		metrics.ObserveImage(string(req.Class), "cached", 0)
		asset.LocalPath = req.Path
		asset.Size = size
		asset.Processed = true
		return asset
	}

	raw, err := a.downloader.Download(ctx, DownloadRequest{
		URL:      req.URL,
		Referer:  req.Referer,
		Proxy:    req.Proxy,
		MaxBytes: a.cfg.MaxBytes,
	})
	if err != nil {
		asset.Err = err
		return a.fail(req, asset)
	}
	if int64(len(raw)) > a.cfg.MaxBytes {
		asset.Err = fmt.Errorf("%w: %d bytes", scraper.ErrImageTooLarge, len(raw))
		return a.fail(req, asset)
	}

	encoded, err := a.transform(raw, req)
	if err != nil {
		asset.Err = err
		return a.fail(req, asset)
	}

	if _, err := a.store.PutObject(ctx, req.Path, "image/jpeg", bytes.NewReader(encoded)); err != nil {
		asset.Err = fmt.Errorf("write %s: %w", req.Path, err)
		return a.fail(req, asset)
	}

	metrics.ObserveImage(string(req.Class), "stored", int64(len(encoded)))
	asset.LocalPath = req.Path
	asset.Size = int64(len(encoded))
	asset.Processed = true
	return asset
}

// AcquireCover stores a series cover at CoverPath(seriesID).
func (a *Acquirer) AcquireCover(ctx context.Context, seriesID, remoteURL string, opts Options) scraper.ImageAsset {
	return a.Acquire(ctx, Request{
		URL:     remoteURL,
		Path:    CoverPath(seriesID),
		Class:   ClassCover,
		Upscale: a.cfg.UpscaleCovers,
		Referer: opts.Referer,
		Proxy:   opts.Proxy,
	})
}

// AcquireEpisodeImages stores every page of an episode in order. The result is aligned
// with urls; one failed page does not affect the others.
func (a *Acquirer) AcquireEpisodeImages(
	ctx context.Context,
	seriesID, episodeID string,
	urls []string,
	opts Options,
) []scraper.ImageAsset {
	out := make([]scraper.ImageAsset, 0, len(urls))
	for i, u := range urls {
		if ctx.Err() != nil {
			out = append(out, scraper.ImageAsset{RemoteURL: u, Err: ctx.Err()})
			continue
		}
		out = append(out, a.Acquire(ctx, Request{
			URL:     u,
			Path:    EpisodeImagePath(seriesID, episodeID, i+1),
			Class:   ClassPage,
			Upscale: a.cfg.UpscalePages,
			Referer: opts.Referer,
			Proxy:   opts.Proxy,
		}))
	}
	return out
}

func (a *Acquirer) transform(raw []byte, req Request) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(raw), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", req.URL, err)
	}
	if req.Upscale {
		img = upscale(img, a.cfg.MinWidth, a.cfg.MinHeight)
	}
	quality := a.cfg.PageQuality
	if req.Class == ClassCover {
		quality = a.cfg.CoverQuality
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return nil, fmt.Errorf("encode %s: %w", req.URL, err)
	}
	return buf.Bytes(), nil
}

// upscale grows img proportionally until both sides meet the minimums.
func upscale(img image.Image, minWidth, minHeight int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= 0 || h <= 0 || (w >= minWidth && h >= minHeight) {
		return img
	}
	scale := math.Max(float64(minWidth)/float64(w), float64(minHeight)/float64(h))
	nw := int(math.Ceil(float64(w) * scale))
	nh := int(math.Ceil(float64(h) * scale))
	return imaging.Resize(img, nw, nh, imaging.Lanczos)
}

func (a *Acquirer) fail(req Request, asset scraper.ImageAsset) scraper.ImageAsset {
	metrics.ObserveImage(string(req.Class), "failed", 0)
	a.logger.Warn("image acquisition failed",
		zap.String("url", req.URL),
		zap.String("path", req.Path),
		zap.String("class", string(req.Class)),
		zap.Error(asset.Err),
	)
	return asset
}
