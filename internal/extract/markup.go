package extract

import (
	"errors"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/org-harvester/internal/fetch"
)

var errNotMarkup = errors.New("document is not markup")

// minAnchorText is the shortest anchor text the keyword fallback accepts.
const minAnchorText = 20

func markupOf(doc *fetch.Document) (*goquery.Document, error) {
	if doc == nil || doc.Markup == nil {
		return nil, errNotMarkup
	}
	return doc.Markup, nil
}

// AnchorStrategy emits one record per anchor matched by selector, using the
// anchor text as title. Duplicate hrefs are dropped.
func AnchorStrategy(name, selector string) Strategy {
	return NewStrategy(name, func(doc *fetch.Document) ([]RawRecord, error) {
		markup, err := markupOf(doc)
		if err != nil {
			return nil, err
		}
		var out []RawRecord
		seen := make(map[string]struct{})
		markup.Find(selector).Each(func(_ int, a *goquery.Selection) {
			href := strings.TrimSpace(a.AttrOr("href", ""))
			title := collapse(a.Text())
			if href == "" || title == "" {
				return
			}
			if _, dup := seen[href]; dup {
				return
			}
			seen[href] = struct{}{}
			out = append(out, RawRecord{FieldTitle: title, FieldURL: href})
		})
		return out, nil
	})
}

// BlockStrategy emits one record per container matched by selector, using the
// container text as content and the first link containing any of linkHints as url.
func BlockStrategy(name, selector string, linkHints []string) Strategy {
	return NewStrategy(name, func(doc *fetch.Document) ([]RawRecord, error) {
		markup, err := markupOf(doc)
		if err != nil {
			return nil, err
		}
		var out []RawRecord
		markup.Find(selector).Each(func(_ int, block *goquery.Selection) {
			content := collapse(block.Text())
			if content == "" {
				return
			}
			rec := RawRecord{FieldContent: content}
			block.Find("a[href]").EachWithBreak(func(_ int, a *goquery.Selection) bool {
				href := strings.TrimSpace(a.AttrOr("href", ""))
				if href != "" && containsAny(href, linkHints) {
					rec[FieldURL] = href
					return false
				}
				return true
			})
			out = append(out, rec)
		})
		return out, nil
	})
}

// KeywordAnchorStrategy is the last-resort scan: any anchor whose href
// contains one of keywords and whose text is long enough to be a headline.
func KeywordAnchorStrategy(keywords []string) Strategy {
	return NewStrategy("keyword-anchors", func(doc *fetch.Document) ([]RawRecord, error) {
		markup, err := markupOf(doc)
		if err != nil {
			return nil, err
		}
		var out []RawRecord
		seen := make(map[string]struct{})
		markup.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
			href := strings.TrimSpace(a.AttrOr("href", ""))
			if !containsAny(strings.ToLower(href), keywords) {
				return
			}
			title := collapse(a.Text())
			if len([]rune(title)) < minAnchorText {
				return
			}
			if _, dup := seen[href]; dup {
				return
			}
			seen[href] = struct{}{}
			out = append(out, RawRecord{FieldTitle: title, FieldURL: href})
		})
		return out, nil
	})
}

func containsAny(s string, needles []string) bool {
	if len(needles) == 0 {
		return true
	}
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
