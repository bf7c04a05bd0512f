// Package harvest defines the shared domain types for the content harvester.
package harvest

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// ChannelKind identifies one content source type for an organization.
type ChannelKind string

const (
	// ChannelPressRelease covers press pages and RSS/Atom press feeds.
	ChannelPressRelease ChannelKind = "press_release"
	// ChannelSocialX covers X/Twitter timelines read through a mirror.
	ChannelSocialX ChannelKind = "twitter"
	// ChannelSocialLinkedIn covers public LinkedIn company posts.
	ChannelSocialLinkedIn ChannelKind = "linkedin"
	// ChannelVideo covers YouTube channel feeds.
	ChannelVideo ChannelKind = "youtube"
)

// ChannelOrder is the fixed merge order for channel results.
var ChannelOrder = []ChannelKind{
	ChannelPressRelease,
	ChannelSocialX,
	ChannelSocialLinkedIn,
	ChannelVideo,
}

// Valid reports whether k is a known channel kind.
func (k ChannelKind) Valid() bool {
	for _, known := range ChannelOrder {
		if k == known {
			return true
		}
	}
	return false
}

// ParseChannelKind maps a configuration name onto a ChannelKind.
func ParseChannelKind(name string) (ChannelKind, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "press_release", "press_releases", "press", "rss":
		return ChannelPressRelease, true
	case "twitter", "x", "social_x":
		return ChannelSocialX, true
	case "linkedin", "social_linkedin":
		return ChannelSocialLinkedIn, true
	case "youtube", "video":
		return ChannelVideo, true
	default:
		return "", false
	}
}

// Metrics holds engagement counters attached by enrichment.
type Metrics map[string]int64

// Record is the canonical output unit.
type Record struct {
	Source       ChannelKind `json:"source"`
	Organization string      `json:"organization"`
	Title        string      `json:"title"`
	Content      string      `json:"content"`
	URL          string      `json:"url"`
	PublishedAt  string      `json:"published_at"`
	Metrics      Metrics     `json:"metrics,omitempty"`
}

// Key returns a stable digest identifying the record across runs.
func (r Record) Key() string {
	sum := sha256.Sum256([]byte(string(r.Source) + "|" + r.URL + "|" + r.Title))
	return hex.EncodeToString(sum[:])
}

// Organization is one configured organization and its channel locators.
type Organization struct {
	Name     string   `mapstructure:"company" json:"company"`
	Press    []string `mapstructure:"press_releases" json:"press_releases"`
	RSS      []string `mapstructure:"rss" json:"rss"`
	X        []string `mapstructure:"twitter" json:"twitter"`
	XAlias   []string `mapstructure:"x" json:"x,omitempty"`
	LinkedIn []string `mapstructure:"linkedin" json:"linkedin"`
	Video    []string `mapstructure:"youtube" json:"youtube"`
}

// ChannelConfig binds one channel kind to its source locators.
type ChannelConfig struct {
	Organization string
	Kind         ChannelKind
	Locators     []string
}

// Channels returns one ChannelConfig per kind in ChannelOrder.
func (o Organization) Channels() []ChannelConfig {
	locators := map[ChannelKind][]string{
		ChannelPressRelease:   append(append([]string(nil), o.Press...), o.RSS...),
		ChannelSocialX:        append(append([]string(nil), o.X...), o.XAlias...),
		ChannelSocialLinkedIn: o.LinkedIn,
		ChannelVideo:          o.Video,
	}
	out := make([]ChannelConfig, 0, len(ChannelOrder))
	for _, kind := range ChannelOrder {
		out = append(out, ChannelConfig{
			Organization: o.Name,
			Kind:         kind,
			Locators:     compact(locators[kind]),
		})
	}
	return out
}

func compact(in []string) []string {
	var out []string
	seen := make(map[string]struct{}, len(in))
	for _, raw := range in {
		v := strings.TrimSpace(raw)
		if v == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// Harvest is one organization's merged result within a bulk run.
type Harvest struct {
	Organization string   `json:"organization"`
	Slug         string   `json:"slug"`
	Records      []Record `json:"records"`
}

// Object is one delivered harvest payload.
type Object struct {
	Slug    string `json:"slug"`
	URI     string `json:"uri"`
	Records int    `json:"records"`
}

// Receipt summarizes one delivery of a bulk run.
type Receipt struct {
	RunID       string    `json:"run_id"`
	HarvestedAt time.Time `json:"harvested_at"`
	Objects     []Object  `json:"objects"`
	Records     int       `json:"records"`
	Upserted    int64     `json:"upserted"`
	MessageID   string    `json:"message_id,omitempty"`
}
