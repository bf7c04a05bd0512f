package channel

import (
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/org-harvester/internal/extract"
	"github.com/JakeFAU/org-harvester/internal/harvest"
)

// Registry maps channel kinds to their runners.
type Registry struct {
	mu      sync.RWMutex
	runners map[harvest.ChannelKind]Runner
}

// NewRegistry builds a Registry holding runners.
func NewRegistry(runners ...Runner) *Registry {
	r := &Registry{runners: make(map[harvest.ChannelKind]Runner, len(runners))}
	for _, runner := range runners {
		r.Register(runner)
	}
	return r
}

// DefaultRegistry registers a Scraper for every known channel kind.
func DefaultRegistry(fetcher Fetcher, extractor *extract.Extractor, cfg Config, logger *zap.Logger) *Registry {
	r := NewRegistry()
	for _, kind := range harvest.ChannelOrder {
		r.Register(NewScraper(kind, fetcher, extractor, cfg, logger))
	}
	return r
}

// Register adds or replaces the runner for runner.Kind().
func (r *Registry) Register(runner Runner) {
	if runner == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runners[runner.Kind()] = runner
}

// Lookup returns the runner for kind.
func (r *Registry) Lookup(kind harvest.ChannelKind) (Runner, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	runner, ok := r.runners[kind]
	return runner, ok
}
