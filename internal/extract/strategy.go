// Package extract turns fetched documents into raw records by trying an
// ordered list of named strategies until one yields results.
package extract

import (
	"errors"
	"fmt"
	"strings"

	"github.com/JakeFAU/org-harvester/internal/fetch"
)

// Raw record field names.
const (
	FieldTitle   = "title"
	FieldURL     = "url"
	FieldDate    = "date"
	FieldContent = "content"
	FieldVideoID = "video_id"
)

// RawRecord is channel-specific extraction output, not yet canonical.
type RawRecord map[string]string

// Get returns the trimmed value for key.
func (r RawRecord) Get(key string) string {
	return strings.TrimSpace(r[key])
}

// Strategy extracts zero or more raw records from a document. Implementations
// must not mutate the document.
type Strategy interface {
	Name() string
	Extract(doc *fetch.Document) ([]RawRecord, error)
}

type strategyFunc struct {
	name string
	fn   func(doc *fetch.Document) ([]RawRecord, error)
}

// NewStrategy wraps fn as a named Strategy.
func NewStrategy(name string, fn func(doc *fetch.Document) ([]RawRecord, error)) Strategy {
	return strategyFunc{name: name, fn: fn}
}

func (s strategyFunc) Name() string { return s.name }

func (s strategyFunc) Extract(doc *fetch.Document) ([]RawRecord, error) { return s.fn(doc) }

// Outcome reports what a Chain produced.
type Outcome struct {
	Records []RawRecord
	// Strategy names the winning strategy, empty when nothing matched.
	Strategy string
	// Tried lists every strategy invoked, in order.
	Tried []string
	// Err joins errors returned by strategies that were tried.
	Err error
}

// Chain is an ordered list of strategies with an item cap.
type Chain struct {
	strategies []Strategy
	limit      int
}

// NewChain builds a Chain. A limit of zero or less means uncapped.
func NewChain(limit int, strategies ...Strategy) Chain {
	return Chain{strategies: strategies, limit: limit}
}

// Names lists the strategies in priority order.
func (c Chain) Names() []string {
	names := make([]string, 0, len(c.strategies))
	for _, s := range c.strategies {
		names = append(names, s.Name())
	}
	return names
}

// Extract runs strategies in order and stops at the first that yields a record.
// A strategy error is recorded and the next strategy is tried.
func (c Chain) Extract(doc *fetch.Document) Outcome {
	var (
		out  Outcome
		errs []error
	)
	for _, s := range c.strategies {
		out.Tried = append(out.Tried, s.Name())
		records, err := s.Extract(doc)
		if err != nil {
			errs = append(errs, fmt.Errorf("strategy %s: %w", s.Name(), err))
			continue
		}
		if len(records) == 0 {
			continue
		}
		if c.limit > 0 && len(records) > c.limit {
			records = records[:c.limit]
		}
		out.Records = records
		out.Strategy = s.Name()
		break
	}
	out.Err = errors.Join(errs...)
	return out
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
