// Package enrich attaches engagement counters to video records through the
// YouTube Data API.
package enrich

import (
	"net/url"
	"regexp"
	"strings"
)

var videoIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

var pathPrefixes = []string{"/shorts/", "/embed/", "/live/", "/v/"}

// VideoID extracts the YouTube video id from a watch, short-link, shorts,
// embed or live URL.
func VideoID(raw string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return "", false
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	host = strings.TrimPrefix(host, "m.")

	var candidate string
	switch host {
	case "youtu.be":
		candidate = firstSegment(u.Path)
	case "youtube.com", "music.youtube.com", "youtube-nocookie.com":
		if u.Path == "/watch" {
			candidate = u.Query().Get("v")
			break
		}
		for _, prefix := range pathPrefixes {
			if strings.HasPrefix(u.Path, prefix) {
				candidate = firstSegment(strings.TrimPrefix(u.Path, prefix))
				break
			}
		}
	default:
		return "", false
	}
	if !videoIDPattern.MatchString(candidate) {
		return "", false
	}
	return candidate, true
}

func firstSegment(p string) string {
	p = strings.TrimPrefix(p, "/")
	if i := strings.IndexByte(p, '/'); i >= 0 {
		p = p[:i]
	}
	return p
}
