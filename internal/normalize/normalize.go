// Package normalize converts raw extraction output into canonical records.
// Every function here is pure and idempotent.
package normalize

import (
	"net/url"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/JakeFAU/org-harvester/internal/extract"
	"github.com/JakeFAU/org-harvester/internal/harvest"
)

// MaxTitleRunes bounds titles derived from content.
const MaxTitleRunes = 100

type orgAlias struct {
	canonical string
	needles   []string
}

// orgTable is matched in order against the lowercased alias.
var orgTable = []orgAlias{
	{canonical: "BlackRock", needles: []string{"blackrock"}},
	{canonical: "Blackstone", needles: []string{"blackstone"}},
	{canonical: "J.P. Morgan Asset Management", needles: []string{"j.p. morgan", "jp morgan", "jpmorgan", "j_p_morgan"}},
	{canonical: "Goldman Sachs Private Wealth", needles: []string{"goldman"}},
	{canonical: "Fidelity Investments", needles: []string{"fidelity"}},
	{canonical: "Vanguard", needles: []string{"vanguard"}},
	{canonical: "Northern Trust", needles: []string{"northern trust", "northern_trust"}},
	{canonical: "State Street Global Advisors", needles: []string{"state street", "state_street", "ssga"}},
}

// Organization maps an alias onto its canonical name, or returns the trimmed
// alias when no entry matches.
func Organization(alias string) string {
	trimmed := strings.TrimSpace(alias)
	lower := strings.ToLower(trimmed)
	for _, entry := range orgTable {
		for _, needle := range entry.needles {
			if strings.Contains(lower, needle) {
				return entry.canonical
			}
		}
	}
	return trimmed
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

// Slug lowercases name and collapses every run of other characters to "_".
func Slug(name string) string {
	return strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(name), "_"), "_")
}

// Title returns the collapsed explicit title, or a title derived from content
// cut to MaxTitleRunes on a word boundary.
func Title(explicit, content string) string {
	if t := collapse(explicit); t != "" {
		return t
	}
	return truncate(collapse(content), MaxTitleRunes)
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	cut := runes[:limit]
	if !unicode.IsSpace(runes[limit]) {
		if i := lastSpace(cut); i > 0 {
			cut = cut[:i]
		}
	}
	return strings.TrimSpace(string(cut))
}

func lastSpace(runes []rune) int {
	for i := len(runes) - 1; i >= 0; i-- {
		if unicode.IsSpace(runes[i]) {
			return i
		}
	}
	return -1
}

var isoPrefix = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2})`)

var dateLayouts = []string{
	time.RFC1123Z,
	time.RFC1123,
	time.RFC822Z,
	time.RFC822,
	time.RFC850,
	time.ANSIC,
	"January 2, 2006",
	"Jan 2, 2006",
	"2 January 2006",
	"Jan 2, 2006 · 3:04 PM MST",
	"Monday, January 2, 2006",
}

// Date returns YYYY-MM-DD when raw is recognizable, otherwise the trimmed raw value.
func Date(raw string) string {
	s := collapse(raw)
	if m := isoPrefix.FindStringSubmatch(s); m != nil {
		return m[1]
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format(time.DateOnly)
		}
	}
	return s
}

// ParseDate reports the calendar date of a normalized date string.
func ParseDate(normalized string) (time.Time, bool) {
	t, err := time.Parse(time.DateOnly, normalized)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// URL resolves href against base, falling back to base for an empty href.
// Fragments are dropped. Only absolute http(s) results are accepted.
func URL(href, base string) (string, bool) {
	href = strings.TrimSpace(href)
	if href == "" {
		href = strings.TrimSpace(base)
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", false
	}
	if !ref.IsAbs() {
		b, err := url.Parse(strings.TrimSpace(base))
		if err != nil || !b.IsAbs() {
			return "", false
		}
		ref = b.ResolveReference(ref)
	}
	if ref.Scheme != "http" && ref.Scheme != "https" || ref.Host == "" {
		return "", false
	}
	ref.Fragment = ""
	ref.RawFragment = ""
	return ref.String(), true
}

// Record builds a canonical record. It reports false when the raw record
// has no usable title or URL.
func Record(raw extract.RawRecord, kind harvest.ChannelKind, alias, pageURL string) (harvest.Record, bool) {
	content := collapse(raw.Get(extract.FieldContent))
	title := Title(raw.Get(extract.FieldTitle), content)
	if title == "" {
		return harvest.Record{}, false
	}
	link, ok := URL(raw.Get(extract.FieldURL), pageURL)
	if !ok {
		return harvest.Record{}, false
	}
	return harvest.Record{
		Source:       kind,
		Organization: Organization(alias),
		Title:        title,
		Content:      content,
		URL:          link,
		PublishedAt:  Date(raw.Get(extract.FieldDate)),
	}, true
}

// Canonical re-applies organization canonicalization to an existing record.
func Canonical(r harvest.Record) harvest.Record {
	r.Organization = Organization(r.Organization)
	return r
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
