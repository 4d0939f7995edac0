package images

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"sync"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/seriesfetch/internal/scraper"
	"github.com/JakeFAU/seriesfetch/internal/storage/memory"
)

type fakeDownloader struct {
	mu      sync.Mutex
	bodies  map[string][]byte
	errs    map[string]error
	calls   map[string]int
	lastReq DownloadRequest
}

func newFakeDownloader() *fakeDownloader {
	return &fakeDownloader{
		bodies: map[string][]byte{},
		errs:   map[string]error{},
		calls:  map[string]int{},
	}
}

func (f *fakeDownloader) Download(_ context.Context, req DownloadRequest) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[req.URL]++
	f.lastReq = req
	if err := f.errs[req.URL]; err != nil {
		return nil, err
	}
	body, ok := f.bodies[req.URL]
	if !ok {
		return nil, errors.New("not found")
	}
	return body, nil
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func newTestAcquirer(t *testing.T, dl Downloader, store Store) *Acquirer {
	t.Helper()
	a, err := New(dl, store, DefaultConfig(), zap.NewNop())
	require.NoError(t, err)
	return a
}

func TestNewValidatesDependencies(t *testing.T) {
	t.Parallel()

	_, err := New(nil, memory.NewBlobStore(), Config{}, nil)
	require.Error(t, err)
	_, err = New(newFakeDownloader(), nil, Config{}, nil)
	require.Error(t, err)

	a, err := New(newFakeDownloader(), memory.NewBlobStore(), Config{}, nil)
	require.NoError(t, err)
	require.Equal(t, DefaultMaxBytes, a.cfg.MaxBytes)
	require.Equal(t, 75, a.cfg.CoverQuality)
	require.Equal(t, 85, a.cfg.PageQuality)
}

func TestAcquireSameURLFetchesOnce(t *testing.T) {
	t.Parallel()

	dl := newFakeDownloader()
	dl.bodies["https://cdn/cover.png"] = pngBytes(t, 40, 60)
	store := memory.NewBlobStore()
	a := newTestAcquirer(t, dl, store)

	first := a.AcquireCover(context.Background(), "src_series", "https://cdn/cover.png", Options{})
	require.True(t, first.OK())
	require.Equal(t, "series/src_series/cover.jpg", first.LocalPath)

	second := a.AcquireCover(context.Background(), "src_series", "https://cdn/cover.png", Options{})
	require.True(t, second.OK())
	require.Equal(t, first.Size, second.Size)
	require.Equal(t, 1, dl.calls["https://cdn/cover.png"])
	require.Equal(t, 1, store.Puts())
}

func TestOversizedImageFailsWithoutAffectingSiblings(t *testing.T) {
	t.Parallel()

	dl := newFakeDownloader()
	dl.bodies["https://cdn/1.png"] = pngBytes(t, 20, 20)
	dl.bodies["https://cdn/2.png"] = bytes.Repeat([]byte{0xff}, int(DefaultMaxBytes)+1)
	dl.bodies["https://cdn/3.png"] = pngBytes(t, 20, 20)
	store := memory.NewBlobStore()
	a := newTestAcquirer(t, dl, store)

	urls := []string{"https://cdn/1.png", "https://cdn/2.png", "https://cdn/3.png"}
	assets := a.AcquireEpisodeImages(context.Background(), "s", "e", urls, Options{})
	require.Len(t, assets, 3)

	require.True(t, assets[0].OK())
	require.Equal(t, "series/s/episodes/e/001.jpg", assets[0].LocalPath)

	require.False(t, assets[1].OK())
	require.ErrorIs(t, assets[1].Err, scraper.ErrImageTooLarge)
	require.Equal(t, "https://cdn/2.png", assets[1].RemoteURL)
	require.Empty(t, assets[1].LocalPath)

	require.True(t, assets[2].OK())
	require.Equal(t, "series/s/episodes/e/003.jpg", assets[2].LocalPath)
	_, ok := store.Object("series/s/episodes/e/002.jpg")
	require.False(t, ok)
}

func TestDownloaderSizeErrorIsReported(t *testing.T) {
	t.Parallel()

	dl := newFakeDownloader()
	dl.errs["https://cdn/huge.jpg"] = scraper.ErrImageTooLarge
	a := newTestAcquirer(t, dl, memory.NewBlobStore())

	asset := a.Acquire(context.Background(), Request{URL: "https://cdn/huge.jpg", Path: "x.jpg", Class: ClassPage})
	require.ErrorIs(t, asset.Err, scraper.ErrImageTooLarge)
	require.Equal(t, "https://cdn/huge.jpg", asset.RemoteURL)
}

func TestUndecodableImageFails(t *testing.T) {
	t.Parallel()

	dl := newFakeDownloader()
	dl.bodies["https://cdn/bad.png"] = []byte("<html>not an image</html>")
	a := newTestAcquirer(t, dl, memory.NewBlobStore())

	asset := a.Acquire(context.Background(), Request{URL: "https://cdn/bad.png", Path: "bad.jpg", Class: ClassPage})
	require.Error(t, asset.Err)
	require.False(t, asset.Processed)
	require.Equal(t, "https://cdn/bad.png", asset.RemoteURL)
}

func TestEpisodePagesAreUpscaledAndCoversAreNot(t *testing.T) {
	t.Parallel()

	dl := newFakeDownloader()
	dl.bodies["https://cdn/small.png"] = pngBytes(t, 400, 200)
	store := memory.NewBlobStore()
	a := newTestAcquirer(t, dl, store)

	pages := a.AcquireEpisodeImages(context.Background(), "s", "e", []string{"https://cdn/small.png"}, Options{})
	require.True(t, pages[0].OK())
	stored, ok := store.Object(pages[0].LocalPath)
	require.True(t, ok)
	img, err := imaging.Decode(bytes.NewReader(stored))
	require.NoError(t, err)
	require.Equal(t, 1200, img.Bounds().Dx())
	require.Equal(t, 600, img.Bounds().Dy())

	cover := a.AcquireCover(context.Background(), "s", "https://cdn/small.png", Options{})
	require.True(t, cover.OK())
	stored, ok = store.Object(cover.LocalPath)
	require.True(t, ok)
	img, err = imaging.Decode(bytes.NewReader(stored))
	require.NoError(t, err)
	require.Equal(t, 400, img.Bounds().Dx())
}

func TestUpscaleKeepsLargeImages(t *testing.T) {
	t.Parallel()

	img := image.NewNRGBA(image.Rect(0, 0, 900, 700))
	require.Same(t, img, upscale(img, 800, 600))

	out := upscale(image.NewNRGBA(image.Rect(0, 0, 1000, 300)), 800, 600)
	require.Equal(t, 2000, out.Bounds().Dx())
	require.Equal(t, 600, out.Bounds().Dy())
}

func TestAcquirePassesRefererAndProxy(t *testing.T) {
	t.Parallel()

	dl := newFakeDownloader()
	dl.bodies["https://cdn/p.png"] = pngBytes(t, 10, 10)
	a := newTestAcquirer(t, dl, memory.NewBlobStore())

	proxy := scraper.ProxyEndpoint{Label: "p1", Host: "10.0.0.2", Port: 8000}
	a.AcquireEpisodeImages(context.Background(), "s", "e", []string{"https://cdn/p.png"},
		Options{Referer: "https://site/ep-1/", Proxy: proxy})
	require.Equal(t, "https://site/ep-1/", dl.lastReq.Referer)
	require.Equal(t, proxy, dl.lastReq.Proxy)
	require.Equal(t, DefaultMaxBytes, dl.lastReq.MaxBytes)
}

func TestPaths(t *testing.T) {
	t.Parallel()

	require.Equal(t, "series/abc/cover.jpg", CoverPath("abc"))
	require.Equal(t, "series/abc/episodes/ch-1/012.jpg", EpisodeImagePath("abc", "ch-1", 12))
}
