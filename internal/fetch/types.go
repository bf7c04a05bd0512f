// Package fetch performs a single logical HTTP GET with bounded retries and
// classifies failures as transient, permanent, or unknown.
package fetch

import (
	"fmt"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"
)

// Mode selects how a response body is parsed.
type Mode int

const (
	// ModeAuto picks feed or markup from the URL suffix and content type.
	ModeAuto Mode = iota
	// ModeFeed parses RSS or Atom.
	ModeFeed
	// ModeMarkup parses HTML.
	ModeMarkup
)

func (m Mode) String() string {
	switch m {
	case ModeFeed:
		return "feed"
	case ModeMarkup:
		return "markup"
	default:
		return "auto"
	}
}

// Class is the failure taxonomy used for retry decisions.
type Class int

const (
	// ClassTransient failures are retried within the attempt budget.
	ClassTransient Class = iota + 1
	// ClassPermanent failures are never retried.
	ClassPermanent
	// ClassUnknown covers cancellation and anything that stops the loop without a verdict.
	ClassUnknown
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassPermanent:
		return "permanent"
	case ClassUnknown:
		return "unknown"
	default:
		return "none"
	}
}

// Options tunes one Fetch call.
type Options struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Timeout     time.Duration
	Mode        Mode
}

// DefaultOptions returns three attempts, a one second base delay and a ten second attempt timeout.
func DefaultOptions() Options {
	return Options{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    10 * time.Second,
		Timeout:     10 * time.Second,
		Mode:        ModeAuto,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = def.MaxAttempts
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = def.BaseDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = def.MaxDelay
	}
	if o.Timeout <= 0 {
		o.Timeout = def.Timeout
	}
	return o
}

// Document is a successfully fetched and parsed response.
type Document struct {
	// URL is the final URL after redirects.
	URL         string
	ContentType string
	Mode        Mode
	Markup      *goquery.Document
	Feed        *gofeed.Feed
}

// Failure describes a classified fetch failure.
type Failure struct {
	Class      Class
	StatusCode int
	Attempts   int
	Err        error
}

func (f *Failure) Error() string {
	if f.StatusCode > 0 {
		return fmt.Sprintf("fetch %s failure (status %d, %d attempts): %v", f.Class, f.StatusCode, f.Attempts, f.Err)
	}
	return fmt.Sprintf("fetch %s failure (%d attempts): %v", f.Class, f.Attempts, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Result is either a Document or a Failure, never both.
type Result struct {
	Document *Document
	Failure  *Failure
	Attempts int
}

// OK reports whether the fetch produced a document.
func (r Result) OK() bool {
	return r.Document != nil && r.Failure == nil
}
