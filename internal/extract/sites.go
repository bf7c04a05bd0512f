package extract

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"

	"github.com/JakeFAU/org-harvester/internal/fetch"
	"github.com/JakeFAU/org-harvester/internal/harvest"
)

// Selector syntaxes understood by SiteRule.
const (
	SyntaxCSS   = "css"
	SyntaxXPath = "xpath"
)

// SiteRule is a declarative extraction rule for one publisher's markup. Field
// selectors are evaluated relative to each Item match. Link defaults to Title.
type SiteRule struct {
	Name     string   `mapstructure:"name"`
	Channel  string   `mapstructure:"channel"`
	Domains  []string `mapstructure:"domains"`
	Syntax   string   `mapstructure:"syntax"`
	Item     string   `mapstructure:"item"`
	Title    string   `mapstructure:"title"`
	Link     string   `mapstructure:"link"`
	LinkBase string   `mapstructure:"link_base"`
	Date     string   `mapstructure:"date"`
	DateAttr string   `mapstructure:"date_attr"`
	Content  string   `mapstructure:"content"`
	Require  []string `mapstructure:"require"`
}

// DefaultSites returns the built-in rules. xMirrorHost, when set and not
// already covered, is added to the mirror timeline rule's domains.
func DefaultSites(xMirrorHost string) []SiteRule {
	nitterDomains := []string{"nitter.net"}
	if host := strings.ToLower(strings.TrimSpace(xMirrorHost)); host != "" && !hostMatches(host, nitterDomains) {
		nitterDomains = append(nitterDomains, host)
	}
	return []SiteRule{
		{
			Name:    "blackstone-press",
			Channel: string(harvest.ChannelPressRelease),
			Domains: []string{"blackstone.com"},
			Item:    "article.bx-article-column",
			Title:   "h4.bx-article-title a",
			Date:    "p.bx-article-post_date",
		},
		{
			Name:     "businesswire-press",
			Channel:  string(harvest.ChannelPressRelease),
			Domains:  []string{"businesswire.com"},
			Syntax:   SyntaxXPath,
			Item:     "//ul[contains(@class,'bw-news-list')]/li",
			Title:    ".//a[contains(@class,'bwTitleLink')]",
			Date:     ".//time",
			DateAttr: "datetime",
			Content:  ".//div[contains(@class,'bw-news-list-summary')]",
		},
		{
			Name:     "nitter-timeline",
			Channel:  string(harvest.ChannelSocialX),
			Domains:  nitterDomains,
			Item:     "div.timeline-item",
			Content:  ".tweet-content",
			Link:     ".tweet-date a",
			LinkBase: "https://twitter.com",
			Date:     ".tweet-date a",
			DateAttr: "title",
			Require:  []string{FieldContent, FieldDate},
		},
		{
			Name:    "linkedin-feed",
			Channel: string(harvest.ChannelSocialLinkedIn),
			Domains: []string{"linkedin.com"},
			Item:    "div.feed-shared-update-v2",
			Date:    "span.visually-hidden",
		},
	}
}

// Validate reports the first problem with the rule.
func (r SiteRule) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return errors.New("site rule name is required")
	}
	if _, ok := harvest.ParseChannelKind(r.Channel); !ok {
		return fmt.Errorf("site rule %s: unknown channel %q", r.Name, r.Channel)
	}
	if len(r.Domains) == 0 {
		return fmt.Errorf("site rule %s: at least one domain is required", r.Name)
	}
	if strings.TrimSpace(r.Item) == "" {
		return fmt.Errorf("site rule %s: item selector is required", r.Name)
	}
	for _, field := range r.Require {
		switch field {
		case FieldTitle, FieldURL, FieldDate, FieldContent:
		default:
			return fmt.Errorf("site rule %s: cannot require field %q", r.Name, field)
		}
	}
	exprs := []string{r.Item, r.Title, r.Link, r.Date, r.Content}
	switch r.syntax() {
	case SyntaxCSS:
		for _, expr := range exprs {
			if expr == "" {
				continue
			}
			if _, err := cascadia.Compile(expr); err != nil {
				return fmt.Errorf("site rule %s: invalid css selector %q: %w", r.Name, expr, err)
			}
		}
	case SyntaxXPath:
		empty := &html.Node{Type: html.DocumentNode}
		for _, expr := range exprs {
			if expr == "" {
				continue
			}
			if _, err := htmlquery.QueryAll(empty, expr); err != nil {
				return fmt.Errorf("site rule %s: invalid xpath %q: %w", r.Name, expr, err)
			}
		}
	default:
		return fmt.Errorf("site rule %s: unknown syntax %q", r.Name, r.Syntax)
	}
	if r.LinkBase != "" {
		if _, err := url.Parse(r.LinkBase); err != nil {
			return fmt.Errorf("site rule %s: invalid link_base: %w", r.Name, err)
		}
	}
	return nil
}

func (r SiteRule) syntax() string {
	if s := strings.ToLower(strings.TrimSpace(r.Syntax)); s != "" {
		return s
	}
	return SyntaxCSS
}

func (r SiteRule) linkSelector() string {
	if r.Link != "" {
		return r.Link
	}
	return r.Title
}

// Strategy compiles the rule.
func (r SiteRule) Strategy() Strategy {
	if r.syntax() == SyntaxXPath {
		return NewStrategy(r.Name, r.extractXPath)
	}
	return NewStrategy(r.Name, r.extractCSS)
}

// Matches reports whether the rule covers host for kind. Channel may be any
// name ParseChannelKind accepts.
func (r SiteRule) Matches(kind harvest.ChannelKind, host string) bool {
	parsed, ok := harvest.ParseChannelKind(r.Channel)
	return ok && parsed == kind && hostMatches(host, r.Domains)
}

func (r SiteRule) accept(rec RawRecord) bool {
	if rec.Get(FieldTitle) == "" && rec.Get(FieldContent) == "" {
		return false
	}
	for _, field := range r.Require {
		if rec.Get(field) == "" {
			return false
		}
	}
	return true
}

func (r SiteRule) extractCSS(doc *fetch.Document) ([]RawRecord, error) {
	markup, err := markupOf(doc)
	if err != nil {
		return nil, err
	}
	var out []RawRecord
	markup.Find(r.Item).Each(func(_ int, item *goquery.Selection) {
		rec := RawRecord{}
		if r.Title != "" {
			rec[FieldTitle] = collapse(item.Find(r.Title).First().Text())
		}
		if sel := r.linkSelector(); sel != "" {
			if href, ok := item.Find(sel).First().Attr("href"); ok {
				rec[FieldURL] = rebase(href, r.LinkBase)
			}
		}
		if r.Date != "" {
			node := item.Find(r.Date).First()
			value := ""
			if r.DateAttr != "" {
				value = node.AttrOr(r.DateAttr, "")
			}
			if strings.TrimSpace(value) == "" {
				value = node.Text()
			}
			rec[FieldDate] = collapse(value)
		}
		switch {
		case r.Content != "":
			rec[FieldContent] = collapse(item.Find(r.Content).First().Text())
		case r.Title == "":
			rec[FieldContent] = collapse(item.Text())
		}
		if r.accept(rec) {
			out = append(out, rec)
		}
	})
	return out, nil
}

func (r SiteRule) extractXPath(doc *fetch.Document) ([]RawRecord, error) {
	markup, err := markupOf(doc)
	if err != nil {
		return nil, err
	}
	if len(markup.Nodes) == 0 {
		return nil, nil
	}
	items, err := htmlquery.QueryAll(markup.Nodes[0], r.Item)
	if err != nil {
		return nil, fmt.Errorf("item xpath: %w", err)
	}

	var out []RawRecord
	for _, item := range items {
		rec := RawRecord{}
		title, err := queryOne(item, r.Title)
		if err != nil {
			return nil, err
		}
		if title != nil {
			rec[FieldTitle] = collapse(htmlquery.InnerText(title))
		}
		link, err := queryOne(item, r.linkSelector())
		if err != nil {
			return nil, err
		}
		if link != nil {
			if href := htmlquery.SelectAttr(link, "href"); href != "" {
				rec[FieldURL] = rebase(href, r.LinkBase)
			}
		}
		date, err := queryOne(item, r.Date)
		if err != nil {
			return nil, err
		}
		if date != nil {
			value := ""
			if r.DateAttr != "" {
				value = htmlquery.SelectAttr(date, r.DateAttr)
			}
			if strings.TrimSpace(value) == "" {
				value = htmlquery.InnerText(date)
			}
			rec[FieldDate] = collapse(value)
		}
		content, err := queryOne(item, r.Content)
		if err != nil {
			return nil, err
		}
		switch {
		case content != nil:
			rec[FieldContent] = collapse(htmlquery.InnerText(content))
		case r.Content == "" && r.Title == "":
			rec[FieldContent] = collapse(htmlquery.InnerText(item))
		}
		if r.accept(rec) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func queryOne(node *html.Node, expr string) (*html.Node, error) {
	if expr == "" {
		return nil, nil
	}
	found, err := htmlquery.Query(node, expr)
	if err != nil {
		return nil, fmt.Errorf("xpath %q: %w", expr, err)
	}
	return found, nil
}

// rebase resolves href against base when base is set.
func rebase(href, base string) string {
	href = strings.TrimSpace(href)
	if base == "" || href == "" {
		return href
	}
	b, err := url.Parse(base)
	if err != nil {
		return href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return b.ResolveReference(ref).String()
}

func hostMatches(host string, domains []string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	for _, d := range domains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d == "" {
			continue
		}
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}
