package channel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/org-harvester/internal/clock/system"
	"github.com/JakeFAU/org-harvester/internal/extract"
	"github.com/JakeFAU/org-harvester/internal/fetch"
	"github.com/JakeFAU/org-harvester/internal/harvest"
	"github.com/JakeFAU/org-harvester/internal/metrics"
	"github.com/JakeFAU/org-harvester/internal/normalize"
)

// DefaultTimeout bounds one channel run across all of its locators.
const DefaultTimeout = 60 * time.Second

// Fetcher retrieves documents with classified failures.
type Fetcher interface {
	Fetch(ctx context.Context, location string, opts fetch.Options) fetch.Result
}

// Config tunes every Scraper built from it.
type Config struct {
	Timeout time.Duration
	XMirror string
	// VideoMaxAge drops video records published before now minus the age. Zero disables.
	VideoMaxAge time.Duration
	Fetch       fetch.Options
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.XMirror == "" {
		c.XMirror = DefaultXMirror
	}
	return c
}

// Scraper is the Runner for a single channel kind.
type Scraper struct {
	kind      harvest.ChannelKind
	fetcher   Fetcher
	extractor *extract.Extractor
	cfg       Config
	clock     harvest.Clock
	logger    *zap.Logger
}

// NewScraper builds a Scraper for kind.
func NewScraper(kind harvest.ChannelKind, fetcher Fetcher, extractor *extract.Extractor, cfg Config, logger *zap.Logger) *Scraper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scraper{
		kind:      kind,
		fetcher:   fetcher,
		extractor: extractor,
		cfg:       cfg.withDefaults(),
		clock:     system.New(),
		logger:    logger.Named("channel"),
	}
}

// WithClock replaces the clock used for age filtering.
func (s *Scraper) WithClock(c harvest.Clock) *Scraper {
	s.clock = c
	return s
}

// Kind implements Runner.
func (s *Scraper) Kind() harvest.ChannelKind { return s.kind }

// Run implements Runner. It never panics and never returns partial records
// from a failed locator.
func (s *Scraper) Run(ctx context.Context, cc harvest.ChannelConfig) (out Outcome) {
	org := normalize.Organization(cc.Organization)
	logger := s.logger.With(zap.String("organization", org), zap.String("channel", string(s.kind)))
	out = Outcome{Kind: s.kind, State: StateNotStarted}

	defer func() {
		if r := recover(); r != nil {
			logger.Error("channel panicked", zap.Any("panic", r), zap.Stack("stack"))
			out = Outcome{Kind: s.kind, State: StateFailed, Err: fmt.Errorf("channel panic: %v", r)}
		}
		metrics.ObserveChannelRun(string(s.kind), out.State.String(), len(out.Records))
	}()

	if len(cc.Locators) == 0 {
		logger.Debug("channel not configured")
		return out
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	var (
		records   []harvest.Record
		seen      = make(map[string]struct{})
		succeeded int
		failures  []error
		lastClass fetch.Class
	)
	for _, locator := range cc.Locators {
		out.advance(logger, StateFetching)
		target, err := Resolve(s.kind, locator, s.cfg.XMirror)
		if err != nil {
			logger.Warn("invalid locator", zap.String("locator", locator), zap.Error(err))
			failures = append(failures, err)
			lastClass = fetch.ClassPermanent
			out.advance(logger, StateFailed)
			continue
		}

		opts := s.cfg.Fetch
		opts.Mode = target.Mode
		res := s.fetcher.Fetch(ctx, target.URL, opts)
		if !res.OK() {
			if res.Failure == nil {
				res.Failure = &fetch.Failure{Class: fetch.ClassUnknown, Err: errors.New("fetch returned no document")}
			}
			out.advance(logger, StateFailed)
			failures = append(failures, res.Failure)
			lastClass = res.Failure.Class
			logger.Debug("locator fetch failed",
				zap.String("url", target.URL),
				zap.String("class", res.Failure.Class.String()),
				zap.Error(res.Failure))
			continue
		}
		succeeded++
		out.advance(logger, StateSucceeded)
		out.advance(logger, StateExtracting)

		for _, rec := range s.extract(logger, org, target.URL, res.Document) {
			key := rec.Key()
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			records = append(records, rec)
		}
	}

	if succeeded == 0 {
		out.advance(logger, StateFailed)
		out.Err = errors.Join(failures...)
		logger.Warn("channel failed",
			zap.String("class", lastClass.String()),
			zap.Int("locators", len(cc.Locators)),
			zap.Error(out.Err))
		return out
	}

	if len(records) == 0 {
		out.advance(logger, StateProducedEmpty)
		return out
	}
	out.advance(logger, StateProduced)
	out.Records = records
	return out
}

func (s *Scraper) extract(logger *zap.Logger, org, pageURL string, doc *fetch.Document) []harvest.Record {
	outcome := s.extractor.Extract(s.kind, doc)
	if outcome.Err != nil {
		logger.Warn("extraction strategy error", zap.String("url", pageURL), zap.Error(outcome.Err))
	}
	if len(outcome.Records) == 0 {
		logger.Info("extraction miss", zap.String("url", pageURL), zap.Strings("tried", outcome.Tried))
		return nil
	}
	logger.Debug("extracted",
		zap.String("url", pageURL),
		zap.String("strategy", outcome.Strategy),
		zap.Int("count", len(outcome.Records)))

	base := pageURL
	if doc != nil && doc.URL != "" {
		base = doc.URL
	}
	var cutoff time.Time
	if s.kind == harvest.ChannelVideo && s.cfg.VideoMaxAge > 0 {
		cutoff = s.clock.Now().Add(-s.cfg.VideoMaxAge)
	}

	out := make([]harvest.Record, 0, len(outcome.Records))
	for _, raw := range outcome.Records {
		if raw.Get(extract.FieldURL) == "" && raw.Get(extract.FieldVideoID) != "" {
			raw = withVideoURL(raw)
		}
		rec, ok := normalize.Record(raw, s.kind, org, base)
		if !ok {
			continue
		}
		if !cutoff.IsZero() {
			if published, ok := normalize.ParseDate(rec.PublishedAt); ok && published.Before(cutoff) {
				continue
			}
		}
		out = append(out, rec)
	}
	return out
}

func (o *Outcome) advance(logger *zap.Logger, next State) {
	if o.State == next {
		return
	}
	logger.Debug("channel state", zap.Stringer("from", o.State), zap.Stringer("to", next))
	o.State = next
}

func withVideoURL(raw extract.RawRecord) extract.RawRecord {
	out := make(extract.RawRecord, len(raw)+1)
	for k, v := range raw {
		out[k] = v
	}
	out[extract.FieldURL] = "https://www.youtube.com/watch?v=" + raw.Get(extract.FieldVideoID)
	return out
}
