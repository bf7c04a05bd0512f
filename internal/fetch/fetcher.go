package fetch

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
	"github.com/mmcdole/gofeed"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/org-harvester/internal/metrics"
)

// DefaultUserAgent mimics a desktop browser.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
	"(KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

// Config controls the shared collector and transport.
type Config struct {
	UserAgent string
	// RequestTimeout bounds the underlying HTTP client; per-attempt timeouts come from Options.
	RequestTimeout time.Duration
	// InsecureSkipVerify disables TLS certificate checks. Development only.
	InsecureSkipVerify bool
	// MaxInFlight caps concurrent requests across every caller. Zero means unbounded.
	MaxInFlight int64
}

// Waiter blocks until a request to url may proceed.
type Waiter interface {
	Wait(ctx context.Context, url string) error
}

// Fetcher implements classified, retrying GETs on top of Colly.
type Fetcher struct {
	cfg      Config
	base     *colly.Collector
	limiter  Waiter
	inflight *semaphore.Weighted
	logger   *zap.Logger
}

// New builds a Fetcher. limiter may be nil.
func New(cfg Config, limiter Waiter, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	c := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
		colly.ParseHTTPErrorResponse(),
		colly.IgnoreRobotsTxt(),
	)
	c.UserAgent = cfg.UserAgent
	c.WithTransport(newHTTPTransport(cfg.InsecureSkipVerify))
	c.SetRequestTimeout(cfg.RequestTimeout)

	if cfg.InsecureSkipVerify {
		logger.Warn("TLS certificate verification disabled for outbound fetches")
	}

	var inflight *semaphore.Weighted
	if cfg.MaxInFlight > 0 {
		inflight = semaphore.NewWeighted(cfg.MaxInFlight)
	}

	return &Fetcher{
		cfg:      cfg,
		base:     c,
		limiter:  limiter,
		inflight: inflight,
		logger:   logger,
	}
}

// Fetch issues up to opts.MaxAttempts GETs for location. It never panics on
// network errors and always returns either a Document or a classified Failure.
func (f *Fetcher) Fetch(ctx context.Context, location string, opts Options) Result {
	opts = opts.withDefaults()
	policy := RetryPolicy{
		MaxAttempts: opts.MaxAttempts,
		BaseDelay:   opts.BaseDelay,
		MaxDelay:    opts.MaxDelay,
	}
	logger := f.logger.With(zap.String("url", location))

	var last *Failure
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		doc, failure := f.attempt(ctx, location, opts)
		if failure == nil {
			metrics.ObserveFetchAttempt(location, "success")
			return Result{Document: doc, Attempts: attempt}
		}
		failure.Attempts = attempt
		last = failure
		metrics.ObserveFetchAttempt(location, failure.Class.String())

		if !policy.ShouldRetry(failure, attempt) {
			break
		}
		delay := policy.Backoff(attempt)
		logRetry(logger, failure, delay)
		if err := pause(ctx, delay); err != nil {
			last = &Failure{
				Class:      ClassUnknown,
				StatusCode: failure.StatusCode,
				Attempts:   attempt,
				Err:        fmt.Errorf("backoff interrupted: %w", err),
			}
			break
		}
	}
	return Result{Failure: last, Attempts: last.Attempts}
}

// logRetry reports a retried attempt; 404s log at debug level.
func logRetry(logger *zap.Logger, failure *Failure, delay time.Duration) {
	fields := []zap.Field{
		zap.Int("attempt", failure.Attempts),
		zap.Int("status", failure.StatusCode),
		zap.String("class", failure.Class.String()),
		zap.Duration("delay", delay),
		zap.Error(failure.Err),
	}
	if failure.StatusCode == http.StatusNotFound {
		logger.Debug("fetch attempt failed, retrying", fields...)
		return
	}
	logger.Info("fetch attempt failed, retrying", fields...)
}

type response struct {
	status      int
	body        []byte
	contentType string
	finalURL    string
	err         error
}

func (f *Fetcher) attempt(ctx context.Context, location string, opts Options) (*Document, *Failure) {
	if err := ctx.Err(); err != nil {
		return nil, &Failure{Class: ClassUnknown, Err: fmt.Errorf("fetch canceled: %w", err)}
	}
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx, location); err != nil {
			return nil, &Failure{Class: ClassUnknown, Err: err}
		}
	}
	if f.inflight != nil {
		if err := f.inflight.Acquire(ctx, 1); err != nil {
			return nil, &Failure{Class: ClassUnknown, Err: fmt.Errorf("acquire fetch slot: %w", err)}
		}
		defer f.inflight.Release(1)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	resp := f.visit(attemptCtx, location)
	if resp.status == 0 || resp.err != nil {
		if ctx.Err() != nil {
			return nil, &Failure{Class: ClassUnknown, Err: fmt.Errorf("fetch canceled: %w", ctx.Err())}
		}
		if attemptCtx.Err() != nil {
			return nil, &Failure{Class: ClassTransient, Err: fmt.Errorf("attempt timed out after %s: %w", opts.Timeout, attemptCtx.Err())}
		}
	}

	switch {
	case resp.status != 0 && (resp.status < 200 || resp.status > 299):
		return nil, &Failure{
			Class:      classifyStatus(resp.status),
			StatusCode: resp.status,
			Err:        fmt.Errorf("unexpected status %d", resp.status),
		}
	case resp.err != nil:
		return nil, &Failure{Class: classifyError(resp.err), StatusCode: resp.status, Err: resp.err}
	case resp.status == 0:
		return nil, &Failure{Class: ClassUnknown, Err: errors.New("no response received")}
	}

	doc, err := parse(resp, location, opts.Mode)
	if err != nil {
		return nil, &Failure{Class: ClassPermanent, StatusCode: resp.status, Err: err}
	}
	return doc, nil
}

// visit runs one Colly request bound to ctx. The request and its body read
// end when ctx does.
func (f *Fetcher) visit(ctx context.Context, location string) response {
	collector := f.base.Clone()
	collector.Context = ctx
	var resp response

	collector.OnRequest(func(r *colly.Request) {
		setBrowserHeaders(r.Headers)
	})
	collector.OnResponse(func(r *colly.Response) {
		resp.status = r.StatusCode
		resp.body = append([]byte(nil), r.Body...)
		if r.Headers != nil {
			resp.contentType = r.Headers.Get("Content-Type")
		}
		if r.Request != nil && r.Request.URL != nil {
			resp.finalURL = r.Request.URL.String()
		}
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			resp.status = r.StatusCode
		}
		resp.err = err
	})

	if err := collector.Visit(location); err != nil && resp.err == nil {
		resp.err = err
	}
	return resp
}

func setBrowserHeaders(h *http.Header) {
	if h == nil {
		return
	}
	h.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,"+
		"application/rss+xml;q=0.9,application/atom+xml;q=0.9,*/*;q=0.8")
	h.Set("Accept-Language", "en-US,en;q=0.9")
	h.Set("Cache-Control", "no-cache")
	h.Set("Upgrade-Insecure-Requests", "1")
}

func parse(resp response, location string, mode Mode) (*Document, error) {
	if mode == ModeAuto {
		mode = DetectMode(location, resp.contentType)
	}
	finalURL := resp.finalURL
	if finalURL == "" {
		finalURL = location
	}
	doc := &Document{URL: finalURL, ContentType: resp.contentType, Mode: mode}

	if len(bytes.TrimSpace(resp.body)) == 0 {
		return nil, errors.New("empty response body")
	}

	if mode == ModeFeed {
		feed, err := gofeed.NewParser().Parse(bytes.NewReader(resp.body))
		if err != nil {
			return nil, fmt.Errorf("parse feed: %w", err)
		}
		doc.Feed = feed
		return doc, nil
	}

	markup, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.body))
	if err != nil {
		return nil, fmt.Errorf("parse markup: %w", err)
	}
	if u, err := url.Parse(finalURL); err == nil {
		markup.Url = u
	}
	doc.Markup = markup
	return doc, nil
}

var feedSuffixes = []string{".xml", ".rss", ".atom", "/feed", "/rss"}

// DetectMode picks feed or markup parsing from the URL path, then the declared content type.
func DetectMode(location, contentType string) Mode {
	path := location
	if u, err := url.Parse(location); err == nil {
		path = u.Path
	}
	path = strings.ToLower(strings.TrimRight(path, "/"))
	for _, suffix := range feedSuffixes {
		if strings.HasSuffix(path, suffix) {
			return ModeFeed
		}
	}

	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "html"):
		return ModeMarkup
	case strings.Contains(ct, "rss"), strings.Contains(ct, "atom"), strings.Contains(ct, "xml"):
		return ModeFeed
	default:
		return ModeMarkup
	}
}

func newHTTPTransport(insecure bool) *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig: &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: insecure, //nolint:gosec // explicit development flag
		},
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
