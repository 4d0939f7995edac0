// Package headless drives headless Chrome sessions used to render source pages.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/seriesfetch/internal/scraper"
)

// DefaultUserAgent is sent by every session unless overridden.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
	"(KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

// Pacer delays page loads per host.
type Pacer interface {
	Wait(ctx context.Context, rawURL string) error
}

// Detector flags documents that are anti-bot interstitials rather than site content.
type Detector interface {
	Blocked(html string) bool
}

// ErrChallenge marks a page replaced by an anti-bot challenge.
var ErrChallenge = errors.New("challenge page served")

// Config controls the behavior of browser sessions.
type Config struct {
	MaxParallel          int
	UserAgent            string
	NavigationTimeout    time.Duration
	WaitTimeout          time.Duration
	BlockedResourceTypes []string
	ExecPath             string
	// Detector is optional; when set, challenge pages fail the load.
	Detector Detector
}

// Browser opens one isolated Chrome instance per job.
type Browser struct {
	cfg     Config
	blocked map[network.ResourceType]struct{}
	limiter chan struct{}
	pacer   Pacer
	logger  *zap.Logger
}

// SessionOptions binds a session to an egress endpoint.
type SessionOptions struct {
	SourceID string
	Proxy    scraper.ProxyEndpoint
}

// New validates cfg and creates a Browser.
func New(cfg Config, pacer Pacer, logger *zap.Logger) (*Browser, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = 10 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}
	blocked := make(map[network.ResourceType]struct{}, len(cfg.BlockedResourceTypes))
	for _, rt := range cfg.BlockedResourceTypes {
		blocked[network.ResourceType(canonicalResourceType(rt))] = struct{}{}
	}
	return &Browser{
		cfg:     cfg,
		blocked: blocked,
		limiter: limiter,
		pacer:   pacer,
		logger:  logger.Named("browser"),
	}, nil
}

// Open starts a dedicated browser for one job. Callers must Close the session.
func (b *Browser) Open(ctx context.Context, opts SessionOptions) (*Session, error) {
	if err := b.acquire(ctx); err != nil {
		return nil, err
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), b.allocatorOptions(opts.Proxy)...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)

	s := &Session{
		browser:     b,
		opts:        opts,
		tabCtx:      tabCtx,
		tabCancel:   tabCancel,
		allocCancel: allocCancel,
		meta:        newResponseMeta(),
		logger:      b.logger.With(zap.String("source_id", opts.SourceID), zap.String("proxy", opts.Proxy.Label)),
	}
	chromedp.ListenTarget(tabCtx, s.handleEvent)

	startCtx, cancel := context.WithTimeout(tabCtx, b.cfg.NavigationTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	enable := fetch.Enable().WithPatterns([]*fetch.RequestPattern{{URLPattern: "*"}}).
		WithHandleAuthRequests(!opts.Proxy.Direct())
	if err := chromedp.Run(startCtx, network.Enable(), enable); err != nil {
		s.Close()
		return nil, fmt.Errorf("start browser: %w", err)
	}
	return s, nil
}

func (b *Browser) allocatorOptions(proxy scraper.ProxyEndpoint) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.UserAgent(b.cfg.UserAgent),
	)
	if b.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(b.cfg.ExecPath))
	}
	if arg := proxyServerArg(proxy); arg != "" {
		opts = append(opts, chromedp.ProxyServer(arg))
	}
	return opts
}

func (b *Browser) shouldBlock(rt network.ResourceType) bool {
	_, ok := b.blocked[rt]
	return ok
}

func (b *Browser) acquire(ctx context.Context) error {
	if b.limiter == nil {
		return nil
	}
	select {
	case b.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("browser slot wait canceled: %w", ctx.Err())
	}
}

func (b *Browser) release() {
	if b.limiter == nil {
		return
	}
	select {
	case <-b.limiter:
	default:
	}
}

// Session is a browser tab exclusively owned by one job.
type Session struct {
	browser     *Browser
	opts        SessionOptions
	tabCtx      context.Context
	tabCancel   context.CancelFunc
	allocCancel context.CancelFunc
	meta        *responseMeta
	logger      *zap.Logger
	closeOnce   sync.Once
}

// Load navigates to url and returns the rendered document. waitSelector is awaited on a
// best-effort basis; a page that never shows it is still returned.
func (s *Session) Load(ctx context.Context, url, waitSelector string) (string, error) {
	if s.browser.pacer != nil {
		if err := s.browser.pacer.Wait(ctx, url); err != nil {
			return "", err
		}
	}

	navCtx, cancel := context.WithTimeout(s.tabCtx, s.browser.cfg.NavigationTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	s.meta.reset()
	if err := chromedp.Run(navCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	); err != nil {
		return "", &scraper.FetchError{URL: url, Err: err}
	}
	if status := s.meta.status(); blockedStatus(status) {
		return "", &scraper.FetchError{URL: url, Err: fmt.Errorf("document status %d", status)}
	}

	if waitSelector != "" {
		waitCtx, waitCancel := context.WithTimeout(navCtx, s.browser.cfg.WaitTimeout)
		err := chromedp.Run(waitCtx, chromedp.WaitVisible(waitSelector, chromedp.ByQuery))
		waitCancel()
		if err != nil {
			if ctx.Err() != nil {
				return "", fmt.Errorf("load %s: %w", url, ctx.Err())
			}
			s.logger.Debug("wait selector not found",
				zap.String("url", url),
				zap.String("selector", waitSelector),
				zap.Error(err),
			)
		}
	}

	var html string
	if err := chromedp.Run(navCtx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", &scraper.FetchError{URL: url, Err: err}
	}
	if d := s.browser.cfg.Detector; d != nil && d.Blocked(html) {
		return "", &scraper.FetchError{URL: url, Err: ErrChallenge}
	}
	return html, nil
}

// Close releases the tab and the browser process. Safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.tabCancel()
		s.allocCancel()
		s.browser.release()
	})
}

func (s *Session) handleEvent(ev any) {
	switch e := ev.(type) {
	case *network.EventResponseReceived:
		s.meta.capture(e)
	case *fetch.EventRequestPaused:
		go s.resolvePaused(e)
	case *fetch.EventAuthRequired:
		go s.answerAuth(e)
	}
}

func (s *Session) executor() context.Context {
	c := chromedp.FromContext(s.tabCtx)
	if c == nil || c.Target == nil {
		return s.tabCtx
	}
	return cdp.WithExecutor(s.tabCtx, c.Target)
}

func (s *Session) resolvePaused(e *fetch.EventRequestPaused) {
	ctx := s.executor()
	var err error
	if s.browser.shouldBlock(e.ResourceType) {
		err = fetch.FailRequest(e.RequestID, network.ErrorReasonBlockedByClient).Do(ctx)
	} else {
		err = fetch.ContinueRequest(e.RequestID).Do(ctx)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Debug("resolve intercepted request", zap.Error(err))
	}
}

func (s *Session) answerAuth(e *fetch.EventAuthRequired) {
	resp := &fetch.AuthChallengeResponse{Response: fetch.AuthChallengeResponseResponseCancelAuth}
	if s.opts.Proxy.Username != "" && e.AuthChallenge != nil && e.AuthChallenge.Source == fetch.AuthChallengeSourceProxy {
		resp = &fetch.AuthChallengeResponse{
			Response: fetch.AuthChallengeResponseResponseProvideCredentials,
			Username: s.opts.Proxy.Username,
			Password: s.opts.Proxy.Password,
		}
	}
	if err := fetch.ContinueWithAuth(e.RequestID, resp).Do(s.executor()); err != nil &&
		!errors.Is(err, context.Canceled) {
		s.logger.Debug("answer auth challenge", zap.Error(err))
	}
}

type responseMeta struct {
	mu   sync.RWMutex
	code int
	url  string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{}
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	m.mu.Lock()
	m.code = int(event.Response.Status)
	m.url = event.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) reset() {
	m.mu.Lock()
	m.code = 0
	m.url = ""
	m.mu.Unlock()
}

func (m *responseMeta) status() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.code
}

// blockedStatus reports document statuses that indicate the egress identity is refused.
func blockedStatus(code int) bool {
	return code == http.StatusForbidden || code == http.StatusTooManyRequests || code >= 500
}

func proxyServerArg(p scraper.ProxyEndpoint) string {
	if p.Direct() {
		return ""
	}
	return "http://" + p.Address()
}

func canonicalResourceType(s string) string {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "stylesheet":
		return string(network.ResourceTypeStylesheet)
	case "font":
		return string(network.ResourceTypeFont)
	case "media":
		return string(network.ResourceTypeMedia)
	case "image":
		return string(network.ResourceTypeImage)
	default:
		return s
	}
}
