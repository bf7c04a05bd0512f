package channel

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/JakeFAU/org-harvester/internal/fetch"
	"github.com/JakeFAU/org-harvester/internal/harvest"
)

// DefaultXMirror serves public X timelines as plain markup.
const DefaultXMirror = "https://nitter.net"

const youtubeFeedBase = "https://www.youtube.com/feeds/videos.xml"

var errEmptyLocator = errors.New("empty locator")

// Target is a resolved fetch location.
type Target struct {
	URL  string
	Mode fetch.Mode
}

// Resolve maps a configured locator for kind onto a fetchable target.
func Resolve(kind harvest.ChannelKind, locator, xMirror string) (Target, error) {
	locator = strings.TrimSpace(locator)
	if locator == "" {
		return Target{}, errEmptyLocator
	}
	switch kind {
	case harvest.ChannelPressRelease:
		return resolvePress(locator)
	case harvest.ChannelSocialX:
		return resolveX(locator, xMirror)
	case harvest.ChannelSocialLinkedIn:
		return resolveLinkedIn(locator)
	case harvest.ChannelVideo:
		return resolveVideo(locator)
	default:
		return Target{}, fmt.Errorf("unknown channel kind %q", kind)
	}
}

func resolvePress(locator string) (Target, error) {
	u, err := parseAbsolute(locator)
	if err != nil {
		return Target{}, err
	}
	return Target{URL: u.String(), Mode: fetch.ModeAuto}, nil
}

func resolveX(locator, mirror string) (Target, error) {
	if mirror == "" {
		mirror = DefaultXMirror
	}
	mirror = strings.TrimRight(mirror, "/")

	handle := locator
	if isURL(locator) {
		u, err := parseAbsolute(locator)
		if err != nil {
			return Target{}, err
		}
		switch bareHost(u) {
		case "twitter.com", "x.com", "mobile.twitter.com":
			handle = lastSegment(u.Path)
		default:
			return Target{URL: u.String(), Mode: fetch.ModeMarkup}, nil
		}
	}
	handle = strings.TrimPrefix(handle, "@")
	if !validHandle(handle) {
		return Target{}, fmt.Errorf("invalid x handle %q", locator)
	}
	return Target{URL: mirror + "/" + url.PathEscape(handle), Mode: fetch.ModeMarkup}, nil
}

func resolveLinkedIn(locator string) (Target, error) {
	if isURL(locator) {
		u, err := parseAbsolute(locator)
		if err != nil {
			return Target{}, err
		}
		return Target{URL: u.String(), Mode: fetch.ModeMarkup}, nil
	}
	handle := strings.TrimPrefix(locator, "@")
	if !validHandle(handle) {
		return Target{}, fmt.Errorf("invalid linkedin handle %q", locator)
	}
	return Target{
		URL:  "https://www.linkedin.com/company/" + url.PathEscape(handle) + "/posts/",
		Mode: fetch.ModeMarkup,
	}, nil
}

func resolveVideo(locator string) (Target, error) {
	if !isURL(locator) {
		handle := strings.TrimPrefix(locator, "@")
		if !validHandle(handle) {
			return Target{}, fmt.Errorf("invalid youtube handle %q", locator)
		}
		return youtubeFeed("user", handle), nil
	}

	u, err := parseAbsolute(locator)
	if err != nil {
		return Target{}, err
	}
	if strings.Contains(u.Path, "feeds/videos.xml") {
		return Target{URL: u.String(), Mode: fetch.ModeFeed}, nil
	}
	segments := splitPath(u.Path)
	switch {
	case len(segments) >= 2 && segments[0] == "channel":
		return youtubeFeed("channel_id", segments[1]), nil
	case len(segments) >= 2 && (segments[0] == "user" || segments[0] == "c"):
		return youtubeFeed("user", segments[1]), nil
	case len(segments) >= 1 && strings.HasPrefix(segments[0], "@"):
		return youtubeFeed("user", strings.TrimPrefix(segments[0], "@")), nil
	default:
		return Target{}, fmt.Errorf("unsupported youtube locator %q", locator)
	}
}

func youtubeFeed(param, value string) Target {
	q := url.Values{}
	q.Set(param, value)
	return Target{URL: youtubeFeedBase + "?" + q.Encode(), Mode: fetch.ModeFeed}
}

func isURL(s string) bool {
	return strings.Contains(s, "://")
}

func parseAbsolute(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse locator: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("locator %q is not an absolute http(s) url", raw)
	}
	return u, nil
}

func bareHost(u *url.URL) string {
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}

func splitPath(p string) []string {
	var out []string
	for _, seg := range strings.Split(p, "/") {
		if seg != "" {
			out = append(out, seg)
		}
	}
	return out
}

func lastSegment(p string) string {
	segments := splitPath(p)
	if len(segments) == 0 {
		return ""
	}
	return segments[len(segments)-1]
}

func validHandle(h string) bool {
	if h == "" {
		return false
	}
	return !strings.ContainsAny(h, "/?#: \t")
}
