// Package collyfetcher downloads remote images using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/seriesfetch/internal/images"
	"github.com/JakeFAU/seriesfetch/internal/scraper"
)

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	// MaxBytes caps the response body; larger payloads fail with scraper.ErrImageTooLarge.
	MaxBytes int64
}

// Fetcher implements images.Downloader using the Colly collector.
type Fetcher struct {
	cfg Config

	mu         sync.Mutex
	transports map[string]*http.Transport
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = images.DefaultMaxBytes
	}
	return &Fetcher{
		cfg:        cfg,
		transports: make(map[string]*http.Transport),
	}
}

// Download fetches the bytes of one remote image through the requested egress endpoint.
func (f *Fetcher) Download(ctx context.Context, request images.DownloadRequest) ([]byte, error) {
	if request.URL == "" {
		return nil, fmt.Errorf("image url is required")
	}
	limit := f.cfg.MaxBytes
	if request.MaxBytes > 0 {
		limit = request.MaxBytes
	}

	var (
		body     []byte
		fetchErr error
	)
	collector, err := f.buildCollector(request, limit)
	if err != nil {
		return nil, err
	}
	f.configureCollectorHooks(collector, request, &body, &fetchErr)

	if err := f.runCollector(ctx, collector, request.URL, &fetchErr); err != nil {
		return nil, err
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("%w: %s is larger than %d bytes", scraper.ErrImageTooLarge, request.URL, limit)
	}
	return body, nil
}

func (f *Fetcher) buildCollector(request images.DownloadRequest, limit int64) (*colly.Collector, error) {
	// Clones share the HTTP backend, so every download gets its own collector.
	collector := colly.NewCollector(colly.Async(false))
	collector.AllowURLRevisit = true
	collector.IgnoreRobotsTxt = true
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.SetRequestTimeout(f.cfg.Timeout)
	// One extra byte lets an oversized body be told apart from one that is exactly at the cap.
	collector.MaxBodySize = int(limit + 1)

	transport, err := f.transportFor(request.Proxy)
	if err != nil {
		return nil, err
	}
	collector.WithTransport(transport)
	return collector, nil
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	request images.DownloadRequest,
	body *[]byte,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		if request.Referer != "" {
			r.Headers.Set("Referer", request.Referer)
		}
		r.Headers.Set("Accept", "image/avif,image/webp,image/apng,image/*,*/*;q=0.8")
	})

	hooks.OnResponse(func(r *colly.Response) {
		*body = append([]byte(nil), r.Body...)
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			*fetchErr = fmt.Errorf("status %d: %w", r.StatusCode, err)
			return
		}
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, target string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(target)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("image download canceled: %w", ctx.Err())
	case err := <-done:
		if *fetchErr != nil {
			return fmt.Errorf("download %s: %w", target, *fetchErr)
		}
		if err != nil {
			return fmt.Errorf("download %s: %w", target, err)
		}
		return nil
	}
}

// transportFor returns a pooled transport per egress endpoint.
func (f *Fetcher) transportFor(endpoint scraper.ProxyEndpoint) (*http.Transport, error) {
	key := endpoint.Label + "|" + endpoint.Address()
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.transports[key]; ok {
		return t, nil
	}
	t := newHTTPTransport()
	if !endpoint.Direct() {
		proxyURL, err := ProxyURL(endpoint)
		if err != nil {
			return nil, err
		}
		t.Proxy = http.ProxyURL(proxyURL)
	}
	f.transports[key] = t
	return t, nil
}

// ProxyURL renders an endpoint as an http proxy URL including credentials.
func ProxyURL(endpoint scraper.ProxyEndpoint) (*url.URL, error) {
	if endpoint.Direct() {
		return nil, fmt.Errorf("endpoint %q has no host", endpoint.Label)
	}
	u := &url.URL{Scheme: "http", Host: endpoint.Address()}
	if endpoint.Username != "" {
		u.User = url.UserPassword(endpoint.Username, endpoint.Password)
	}
	return u, nil
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
