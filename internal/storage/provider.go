// Package storage selects the blob store that delivered harvests are written to.
package storage

import (
	"context"
	"fmt"

	"github.com/JakeFAU/org-harvester/internal/harvest"
	"github.com/JakeFAU/org-harvester/internal/storage/gcs"
	"github.com/JakeFAU/org-harvester/internal/storage/local"
	"github.com/JakeFAU/org-harvester/internal/storage/memory"
)

// Backend names.
const (
	BackendMemory = "memory"
	BackendLocal  = "local"
	BackendGCS    = "gcs"
)

// Config selects and configures a backend.
type Config struct {
	Backend string
	BaseDir string
	Bucket  string
}

// Open builds the configured BlobStore. The returned close func is never nil.
func Open(ctx context.Context, cfg Config) (harvest.BlobStore, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Backend {
	case "", BackendMemory:
		return memory.NewBlobStore(), noop, nil
	case BackendLocal:
		store, err := local.New(local.Config{BaseDir: cfg.BaseDir})
		if err != nil {
			return nil, noop, fmt.Errorf("open local store: %w", err)
		}
		return store, noop, nil
	case BackendGCS:
		store, err := gcs.New(ctx, gcs.Config{Bucket: cfg.Bucket})
		if err != nil {
			return nil, noop, fmt.Errorf("open gcs store: %w", err)
		}
		return store, store.Close, nil
	default:
		return nil, noop, fmt.Errorf("unsupported storage backend %q", cfg.Backend)
	}
}
