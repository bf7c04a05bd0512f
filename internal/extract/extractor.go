package extract

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/JakeFAU/org-harvester/internal/fetch"
	"github.com/JakeFAU/org-harvester/internal/harvest"
)

// Limits caps how many records each channel kind keeps per locator.
type Limits struct {
	Press  int `mapstructure:"press"`
	Social int `mapstructure:"social"`
	Video  int `mapstructure:"video"`
}

// DefaultLimits returns the standard caps.
func DefaultLimits() Limits {
	return Limits{Press: 10, Social: 5, Video: 5}
}

// For returns the cap for kind.
func (l Limits) For(kind harvest.ChannelKind) int {
	switch kind {
	case harvest.ChannelPressRelease:
		return l.Press
	case harvest.ChannelSocialX, harvest.ChannelSocialLinkedIn:
		return l.Social
	case harvest.ChannelVideo:
		return l.Video
	default:
		return 0
	}
}

var fallbackKeywords = map[harvest.ChannelKind][]string{
	harvest.ChannelPressRelease:   {"press", "news", "release", "media"},
	harvest.ChannelSocialX:        {"/status/"},
	harvest.ChannelSocialLinkedIn: {"/posts/", "/feed/update/", "/pulse/"},
	harvest.ChannelVideo:          {"watch?v=", "/shorts/"},
}

func genericStrategies(kind harvest.ChannelKind) []Strategy {
	switch kind {
	case harvest.ChannelPressRelease:
		return []Strategy{
			AnchorStrategy("article-anchors", "article a[href]"),
			AnchorStrategy("heading-anchors", "h2 a[href], h3 a[href], h4 a[href]"),
		}
	case harvest.ChannelSocialX:
		return []Strategy{BlockStrategy("article-blocks", "article", fallbackKeywords[kind])}
	case harvest.ChannelSocialLinkedIn:
		return []Strategy{BlockStrategy("article-blocks", "article", fallbackKeywords[kind])}
	default:
		return nil
	}
}

// Extractor selects and runs the strategy chain for a document.
type Extractor struct {
	rules  []SiteRule
	limits Limits
}

// NewExtractor validates rules and builds an Extractor.
func NewExtractor(rules []SiteRule, limits Limits) (*Extractor, error) {
	seen := make(map[string]struct{}, len(rules))
	var errs []error
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := seen[r.Name]; dup {
			errs = append(errs, fmt.Errorf("duplicate site rule %q", r.Name))
		}
		seen[r.Name] = struct{}{}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &Extractor{rules: append([]SiteRule(nil), rules...), limits: limits}, nil
}

// Limits returns the configured caps.
func (e *Extractor) Limits() Limits {
	return e.limits
}

// ChainFor returns the strategies for a document of kind. Feeds use the feed
// strategy alone. Markup tries rules for the page's host, then generic
// patterns, then the keyword fallback.
func (e *Extractor) ChainFor(kind harvest.ChannelKind, doc *fetch.Document) Chain {
	limit := e.limits.For(kind)
	if doc != nil && doc.Feed != nil {
		return NewChain(limit, FeedStrategy())
	}

	host := ""
	if doc != nil {
		if u, err := url.Parse(doc.URL); err == nil {
			host = u.Hostname()
		}
	}
	var strategies []Strategy
	for _, r := range e.rules {
		if r.Matches(kind, host) {
			strategies = append(strategies, r.Strategy())
		}
	}
	strategies = append(strategies, genericStrategies(kind)...)
	if keywords, ok := fallbackKeywords[kind]; ok {
		strategies = append(strategies, KeywordAnchorStrategy(keywords))
	}
	return NewChain(limit, strategies...)
}

// Extract runs the chain for doc.
func (e *Extractor) Extract(kind harvest.ChannelKind, doc *fetch.Document) Outcome {
	return e.ChainFor(kind, doc).Extract(doc)
}
