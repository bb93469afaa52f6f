// Package collyfetcher implements crawler.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/metrics"
)

// Config controls collector behavior.
type Config struct {
	UserAgent   string
	Delay       time.Duration
	Timeout     time.Duration
	MaxBodySize int
}

// errBodyTooLarge marks a response cut off at Config.MaxBodySize.
var errBodyTooLarge = errors.New("response body exceeds size limit")

// Waiter blocks until a request to url may proceed.
type Waiter interface {
	Wait(ctx context.Context, url string) error
}

// Option customizes a Fetcher.
type Option func(*Fetcher)

// WithLimiter adds a rate cap applied after the fixed delay.
func WithLimiter(w Waiter) Option {
	return func(f *Fetcher) {
		f.limiter = w
	}
}

// Fetcher implements crawler.Fetcher using the Colly collector. One Fetcher
// owns one connection pool; Close releases it.
type Fetcher struct {
	cfg           Config
	logger        *zap.Logger
	transport     *http.Transport
	baseCollector *colly.Collector
	limiter       Waiter
}

var _ crawler.Fetcher = (*Fetcher)(nil)

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

type visitResult struct {
	page crawler.Page
	err  error
}

// New builds a Fetcher.
func New(cfg Config, logger *zap.Logger, opts ...Option) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	transport := newHTTPTransport()
	c := colly.NewCollector(colly.Async(false))
	c.AllowURLRevisit = true
	c.IgnoreRobotsTxt = true
	// Non-2xx statuses are judged in runCollector; without this colly
	// rejects 203..299 too.
	c.ParseHTTPErrorResponse = true
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	// Read one byte past the limit so truncation is detectable.
	c.MaxBodySize = 0
	if cfg.MaxBodySize > 0 {
		c.MaxBodySize = cfg.MaxBodySize + 1
	}
	c.WithTransport(transport)
	c.SetRequestTimeout(timeout)

	f := &Fetcher{
		cfg:           cfg,
		logger:        logger,
		transport:     transport,
		baseCollector: c,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch sleeps the configured delay, then issues a single GET. Any failure
// is logged and reported as an absent page.
func (f *Fetcher) Fetch(ctx context.Context, url string) (crawler.Page, bool) {
	if err := sleepCtx(ctx, f.cfg.Delay); err != nil {
		f.logger.Warn("fetch canceled during delay", zap.String("url", url), zap.Error(err))
		return crawler.Page{}, false
	}
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx, url); err != nil {
			f.logger.Warn("fetch canceled during rate limit", zap.String("url", url), zap.Error(err))
			return crawler.Page{}, false
		}
	}

	start := time.Now()
	page, err := f.runCollector(ctx, f.baseCollector.Clone(), url, start)
	metrics.ObserveFetch(url, err == nil, len(page.Body), time.Since(start))
	if err != nil {
		f.logger.Warn("fetch failed",
			zap.String("url", url),
			zap.Int("status", page.StatusCode),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err),
		)
		return crawler.Page{}, false
	}
	f.logger.Debug("fetched",
		zap.String("url", url),
		zap.Int("status", page.StatusCode),
		zap.Int("bytes", len(page.Body)),
		zap.Duration("elapsed", page.Duration),
	)
	return page, true
}

// Close releases idle connections held by the run's pool.
func (f *Fetcher) Close() {
	f.transport.CloseIdleConnections()
}

func (f *Fetcher) runCollector(
	ctx context.Context,
	collector *colly.Collector,
	url string,
	start time.Time,
) (crawler.Page, error) {
	done := make(chan visitResult, 1)
	go func() {
		var (
			page     crawler.Page
			fetchErr error
		)
		configureCollectorHooks(collector, start, f.cfg.MaxBodySize, &page, &fetchErr)
		err := collector.Visit(url)
		if err == nil {
			err = fetchErr
		}
		done <- visitResult{page: page, err: err}
	}()

	select {
	case <-ctx.Done():
		return crawler.Page{}, fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case res := <-done:
		if res.err != nil {
			return res.page, fmt.Errorf("colly visit failed: %w", res.err)
		}
		if res.page.StatusCode < 200 || res.page.StatusCode > 299 {
			return res.page, fmt.Errorf("unexpected status %d", res.page.StatusCode)
		}
		return res.page, nil
	}
}

func configureCollectorHooks(
	hooks collectorHooks,
	start time.Time,
	maxBody int,
	page *crawler.Page,
	fetchErr *error,
) {
	hooks.OnResponse(func(r *colly.Response) {
		if maxBody > 0 && len(r.Body) > maxBody {
			page.StatusCode = r.StatusCode
			*fetchErr = fmt.Errorf("%w: more than %d bytes", errBodyTooLarge, maxBody)
			return
		}
		*page = crawler.Page{
			URL:         r.Request.URL.String(),
			StatusCode:  r.StatusCode,
			ContentType: r.Headers.Get("Content-Type"),
			Headers:     r.Headers.Clone(),
			Body:        append([]byte(nil), r.Body...),
			Duration:    time.Since(start),
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil {
			page.StatusCode = r.StatusCode
		}
		if err == nil {
			err = errors.New("unknown collector error")
		}
		*fetchErr = err
	})
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("delay interrupted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
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
		MaxIdleConns:          10,
		MaxIdleConnsPerHost:   2,
		IdleConnTimeout:       90 * time.Second,
	}
}
