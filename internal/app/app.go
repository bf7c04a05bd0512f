// Package app builds and owns the long-lived harvester services.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/org-harvester/internal/api"
	"github.com/JakeFAU/org-harvester/internal/channel"
	"github.com/JakeFAU/org-harvester/internal/clock/system"
	"github.com/JakeFAU/org-harvester/internal/config"
	"github.com/JakeFAU/org-harvester/internal/enrich"
	"github.com/JakeFAU/org-harvester/internal/extract"
	"github.com/JakeFAU/org-harvester/internal/fetch"
	"github.com/JakeFAU/org-harvester/internal/harvest"
	"github.com/JakeFAU/org-harvester/internal/id/uuid"
	"github.com/JakeFAU/org-harvester/internal/orchestrator"
	"github.com/JakeFAU/org-harvester/internal/policy/ratelimit"
	"github.com/JakeFAU/org-harvester/internal/publisher/pubsub"
	"github.com/JakeFAU/org-harvester/internal/sink"
	"github.com/JakeFAU/org-harvester/internal/storage"
	"github.com/JakeFAU/org-harvester/internal/storage/memory"
	"github.com/JakeFAU/org-harvester/internal/storage/postgres"
)

const shutdownTimeout = 10 * time.Second

// App holds the harvester's dependencies.
type App struct {
	cfg          config.Config
	logger       *zap.Logger
	orchestrator *orchestrator.Orchestrator
	sink         *sink.Sink
	receipts     *memory.ReceiptStore
	closers      []closer
}

type closer struct {
	name string
	fn   func() error
}

// Build wires every component from cfg. Delivery backends are connected
// eagerly so misconfiguration fails at startup.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger, receipts: memory.NewReceiptStore()}

	extractor, err := extract.NewExtractor(cfg.SiteRules(), cfg.Channels.Limits)
	if err != nil {
		return nil, fmt.Errorf("build extractor: %w", err)
	}
	fetcher := fetch.New(cfg.FetchConfig(), ratelimit.New(cfg.RateLimit()), logger)
	registry := channel.DefaultRegistry(fetcher, extractor, cfg.ChannelConfig(), logger)

	var enricher orchestrator.Enricher
	client, err := enrich.New(ctx, cfg.Enrichment, logger)
	switch {
	case err == nil:
		enricher = client
	case errors.Is(err, enrich.ErrNoCredentials):
		logger.Info("enrichment disabled: no api key configured")
	default:
		return nil, fmt.Errorf("build enrichment client: %w", err)
	}
	a.orchestrator = orchestrator.New(registry, enricher, cfg.Orchestrator, logger)

	if err := a.setupSink(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) setupSink(ctx context.Context) error {
	blobs, closeBlobs, err := storage.Open(ctx, storage.Config{
		Backend: a.cfg.Storage.Backend,
		BaseDir: a.cfg.Storage.BaseDir,
		Bucket:  a.cfg.Storage.GCSBucket,
	})
	if err != nil {
		return err
	}
	a.closers = append(a.closers, closer{name: "blob store", fn: closeBlobs})

	deps := sink.Deps{
		Blobs:    blobs,
		Receipts: a.receipts,
		IDs:      uuid.New(),
		Clock:    system.New(),
	}

	if a.cfg.DB.DSN != "" {
		records, err := postgres.NewRecordStore(ctx, postgres.RecordStoreConfig{DSN: a.cfg.DB.DSN, Table: a.cfg.DB.Table})
		if err != nil {
			return fmt.Errorf("open record store: %w", err)
		}
		a.closers = append(a.closers, closer{name: "record store", fn: func() error {
			records.Close()
			return nil
		}})
		if err := records.EnsureSchema(ctx); err != nil {
			return err
		}
		deps.Records = records
	}

	if a.cfg.PubSub.TopicName != "" {
		pub, closePub, err := pubsub.Open(ctx, a.cfg.PubSub.ProjectID, a.cfg.PubSub.TopicName)
		if err != nil {
			return fmt.Errorf("open publisher: %w", err)
		}
		a.closers = append(a.closers, closer{name: "publisher", fn: closePub})
		deps.Publisher = pub
	}

	s, err := sink.New(sink.Config{Prefix: a.cfg.Storage.Prefix}, deps, a.logger)
	if err != nil {
		return fmt.Errorf("build sink: %w", err)
	}
	a.sink = s
	return nil
}

// Config returns the configuration the app was built from.
func (a *App) Config() config.Config {
	return a.cfg
}

// Run harvests one organization.
func (a *App) Run(ctx context.Context, org harvest.Organization) []harvest.Record {
	return a.orchestrator.Run(ctx, org)
}

// RunAll harvests orgs with bounded concurrency.
func (a *App) RunAll(ctx context.Context, orgs []harvest.Organization) []harvest.Harvest {
	return a.orchestrator.RunAll(ctx, orgs)
}

// Deliver hands bulk results to the sink.
func (a *App) Deliver(ctx context.Context, harvests []harvest.Harvest) (harvest.Receipt, error) {
	receipt, err := a.sink.Deliver(ctx, harvests)
	if err != nil {
		return receipt, fmt.Errorf("deliver: %w", err)
	}
	return receipt, nil
}

// Handler returns the HTTP API.
func (a *App) Handler() http.Handler {
	return api.NewServer(a, a.sink, a.receipts, a.cfg, a.logger).Handler()
}

// Serve runs the HTTP API on ln until ctx is canceled, then shuts down gracefully.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	a.logger.Info("shutdown initiated")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}

// Close releases delivery backends in reverse order of creation.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(); err != nil {
			a.logger.Warn("close failed", zap.String("component", c.name), zap.Error(err))
		}
	}
	a.closers = nil
}
