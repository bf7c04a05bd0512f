package extract

import (
	"errors"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"

	"github.com/JakeFAU/org-harvester/internal/fetch"
)

var errNotFeed = errors.New("document is not a feed")

// FeedStrategy walks RSS items or Atom entries in document order and skips
// entries without a title.
func FeedStrategy() Strategy {
	return NewStrategy("feed-items", extractFeed)
}

func extractFeed(doc *fetch.Document) ([]RawRecord, error) {
	if doc == nil || doc.Feed == nil {
		return nil, errNotFeed
	}
	var out []RawRecord
	for _, item := range doc.Feed.Items {
		if item == nil {
			continue
		}
		title := collapse(item.Title)
		if title == "" {
			continue
		}
		rec := RawRecord{
			FieldTitle:   title,
			FieldURL:     itemLink(item),
			FieldDate:    itemDate(item),
			FieldContent: itemContent(item),
		}
		if id := extensionValue(item, "yt", "videoId"); id != "" {
			rec[FieldVideoID] = id
		}
		out = append(out, rec)
	}
	return out, nil
}

func itemLink(item *gofeed.Item) string {
	if link := strings.TrimSpace(item.Link); link != "" {
		return link
	}
	for _, link := range item.Links {
		if link = strings.TrimSpace(link); link != "" {
			return link
		}
	}
	return ""
}

func itemDate(item *gofeed.Item) string {
	switch {
	case item.PublishedParsed != nil:
		return item.PublishedParsed.Format(time.RFC3339)
	case strings.TrimSpace(item.Published) != "":
		return strings.TrimSpace(item.Published)
	case item.UpdatedParsed != nil:
		return item.UpdatedParsed.Format(time.RFC3339)
	default:
		return strings.TrimSpace(item.Updated)
	}
}

func itemContent(item *gofeed.Item) string {
	for _, candidate := range []string{item.Description, item.Content, mediaDescription(item)} {
		if text := plainText(candidate); text != "" {
			return text
		}
	}
	return ""
}

func mediaDescription(item *gofeed.Item) string {
	groups := item.Extensions["media"]["group"]
	if len(groups) == 0 {
		return ""
	}
	descs := groups[0].Children["description"]
	if len(descs) == 0 {
		return ""
	}
	return descs[0].Value
}

func extensionValue(item *gofeed.Item, namespace, name string) string {
	values := item.Extensions[namespace][name]
	if len(values) == 0 {
		return ""
	}
	return strings.TrimSpace(values[0].Value)
}

// plainText strips markup that feeds commonly embed in descriptions.
func plainText(s string) string {
	s = strings.TrimSpace(s)
	if !strings.Contains(s, "<") {
		return collapse(s)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return collapse(s)
	}
	return collapse(doc.Text())
}
