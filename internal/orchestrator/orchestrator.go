// Package orchestrator runs every channel of an organization concurrently and
// merges the results into one ordered record list.
package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/org-harvester/internal/channel"
	"github.com/JakeFAU/org-harvester/internal/dispatcher"
	"github.com/JakeFAU/org-harvester/internal/harvest"
	"github.com/JakeFAU/org-harvester/internal/metrics"
	"github.com/JakeFAU/org-harvester/internal/normalize"
	"github.com/JakeFAU/org-harvester/internal/queue/memory"
)

// Enricher attaches metrics to records. A nil Enricher disables enrichment.
type Enricher interface {
	KeyFor(r harvest.Record) (string, bool)
	FetchMetrics(ctx context.Context, keys []string) map[string]harvest.Metrics
}

// Config bounds orchestration.
type Config struct {
	// OrganizationTimeout caps one organization's run. Zero means no cap.
	OrganizationTimeout time.Duration `mapstructure:"organization_timeout"`
	// Workers caps how many organizations RunAll processes at once.
	Workers int `mapstructure:"workers"`
}

// Orchestrator coordinates channel runners for organizations.
type Orchestrator struct {
	registry *channel.Registry
	enricher Enricher
	cfg      Config
	logger   *zap.Logger
}

// New builds an Orchestrator. Pass a nil enricher when no credentials are configured.
func New(registry *channel.Registry, enricher Enricher, cfg Config, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &Orchestrator{
		registry: registry,
		enricher: enricher,
		cfg:      cfg,
		logger:   logger.Named("orchestrator"),
	}
}

// Run harvests every channel of org. It always returns a non-nil slice in
// channel order; a failing channel contributes nothing and affects no other.
func (o *Orchestrator) Run(ctx context.Context, org harvest.Organization) []harvest.Record {
	start := time.Now()
	name := normalize.Organization(org.Name)
	logger := o.logger.With(zap.String("organization", name))
	defer func() {
		metrics.ObserveOrganization(time.Since(start))
	}()

	if o.cfg.OrganizationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.OrganizationTimeout)
		defer cancel()
	}

	channels := org.Channels()
	results := make([][]harvest.Record, len(channels))

	g, gctx := errgroup.WithContext(ctx)
	for i, cc := range channels {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("channel runner panicked",
						zap.String("channel", string(cc.Kind)),
						zap.Any("panic", r),
						zap.Stack("stack"))
					results[i] = nil
				}
			}()
			runner, ok := o.registry.Lookup(cc.Kind)
			if !ok {
				logger.Debug("no runner registered", zap.String("channel", string(cc.Kind)))
				return nil
			}
			results[i] = runner.Run(gctx, cc).Records
			return nil
		})
	}
	_ = g.Wait() // goroutines never return errors

	merged := make([]harvest.Record, 0)
	for _, records := range results {
		for _, rec := range records {
			merged = append(merged, normalize.Canonical(rec))
		}
	}

	if o.enricher != nil {
		o.enrich(ctx, logger, merged)
	}
	logger.Info("organization harvested",
		zap.Int("records", len(merged)),
		zap.Duration("elapsed", time.Since(start)))
	return merged
}

func (o *Orchestrator) enrich(ctx context.Context, logger *zap.Logger, records []harvest.Record) {
	var keys []string
	seen := make(map[string]struct{})
	for _, rec := range records {
		key, ok := o.enricher.KeyFor(rec)
		if !ok {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	if len(keys) == 0 {
		return
	}

	found := o.enricher.FetchMetrics(ctx, keys)
	attached := 0
	for i := range records {
		key, ok := o.enricher.KeyFor(records[i])
		if !ok {
			continue
		}
		m, ok := found[key]
		if !ok || len(m) == 0 {
			continue
		}
		records[i].Metrics = cloneMetrics(m)
		attached++
	}
	logger.Debug("enrichment applied", zap.Int("keys", len(keys)), zap.Int("attached", attached))
}

func cloneMetrics(m harvest.Metrics) harvest.Metrics {
	out := make(harvest.Metrics, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

type job struct {
	index int
	org   harvest.Organization
}

// RunAll harvests orgs with at most Config.Workers running at once. Output
// order matches input order.
func (o *Orchestrator) RunAll(ctx context.Context, orgs []harvest.Organization) []harvest.Harvest {
	out := make([]harvest.Harvest, len(orgs))
	for i, org := range orgs {
		name := normalize.Organization(org.Name)
		out[i] = harvest.Harvest{Organization: name, Slug: normalize.Slug(name), Records: []harvest.Record{}}
	}
	if len(orgs) == 0 {
		return out
	}

	q := memory.NewQueue[job](len(orgs))
	d := dispatcher.New[job](q, min(o.cfg.Workers, len(orgs)), func(ctx context.Context, j job) {
		out[j.index].Records = o.Run(ctx, j.org)
	}, o.logger)

	for i, org := range orgs {
		if err := d.Enqueue(ctx, job{index: i, org: org}); err != nil {
			o.logger.Warn("organization not scheduled", zap.String("organization", out[i].Organization), zap.Error(err))
			break
		}
	}
	q.Close()
	d.Run(ctx)
	return out
}
