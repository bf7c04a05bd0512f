// Package sink delivers bulk harvest results: one JSON object per
// organization, plus optional record upserts and a completion notification.
package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/org-harvester/internal/harvest"
)

// EventCompleted is published after every successful delivery.
const EventCompleted = "harvest.completed"

const contentTypeJSON = "application/json"

// ReceiptStore remembers delivery receipts.
type ReceiptStore interface {
	SaveReceipt(ctx context.Context, r harvest.Receipt) error
}

// Deps are the collaborators of a Sink. Records, Publisher and Receipts are optional.
type Deps struct {
	Blobs     harvest.BlobStore
	Records   harvest.RecordStore
	Publisher harvest.Publisher
	Receipts  ReceiptStore
	IDs       harvest.IDGenerator
	Clock     harvest.Clock
}

// Config controls object layout.
type Config struct {
	// Prefix is prepended to every object path.
	Prefix string
}

// Sink writes harvests to their destinations.
type Sink struct {
	deps   Deps
	prefix string
	logger *zap.Logger
}

// New validates deps and builds a Sink.
func New(cfg Config, deps Deps, logger *zap.Logger) (*Sink, error) {
	if deps.Blobs == nil {
		return nil, errors.New("blob store is required")
	}
	if deps.IDs == nil {
		return nil, errors.New("id generator is required")
	}
	if deps.Clock == nil {
		return nil, errors.New("clock is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{
		deps:   deps,
		prefix: strings.Trim(cfg.Prefix, "/"),
		logger: logger.Named("sink"),
	}, nil
}

// ObjectPath returns where one organization's records land for a run.
func (s *Sink) ObjectPath(runID, slug string) string {
	return path.Join(s.prefix, runID, slug+".json")
}

// Deliver writes every harvest. Blob failures abort the delivery; a record
// store or notification failure is returned after the objects are written.
func (s *Sink) Deliver(ctx context.Context, harvests []harvest.Harvest) (harvest.Receipt, error) {
	runID, err := s.deps.IDs.NewID()
	if err != nil {
		return harvest.Receipt{}, fmt.Errorf("run id: %w", err)
	}
	receipt := harvest.Receipt{
		RunID:       runID,
		HarvestedAt: s.deps.Clock.Now().UTC(),
		Objects:     make([]harvest.Object, 0, len(harvests)),
	}
	logger := s.logger.With(zap.String("run_id", runID))

	var all []harvest.Record
	for _, h := range harvests {
		records := h.Records
		if records == nil {
			records = []harvest.Record{}
		}
		body, err := json.Marshal(records)
		if err != nil {
			return receipt, fmt.Errorf("encode %s: %w", h.Slug, err)
		}
		uri, err := s.deps.Blobs.PutObject(ctx, s.ObjectPath(runID, h.Slug), contentTypeJSON, bytes.NewReader(body))
		if err != nil {
			return receipt, fmt.Errorf("write %s: %w", h.Slug, err)
		}
		receipt.Objects = append(receipt.Objects, harvest.Object{Slug: h.Slug, URI: uri, Records: len(records)})
		receipt.Records += len(records)
		all = append(all, records...)
	}

	var errs []error
	if s.deps.Records != nil && len(all) > 0 {
		n, err := s.deps.Records.UpsertRecords(ctx, runID, receipt.HarvestedAt, all)
		receipt.Upserted = n
		if err != nil {
			errs = append(errs, fmt.Errorf("upsert records: %w", err))
		}
	}
	if s.deps.Publisher != nil {
		id, err := s.deps.Publisher.Publish(ctx, EventCompleted, receipt)
		if err != nil {
			errs = append(errs, fmt.Errorf("publish %s: %w", EventCompleted, err))
		}
		receipt.MessageID = id
	}
	if s.deps.Receipts != nil {
		if err := s.deps.Receipts.SaveReceipt(ctx, receipt); err != nil {
			errs = append(errs, fmt.Errorf("save receipt: %w", err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		logger.Warn("harvest delivered with errors", zap.Int("objects", len(receipt.Objects)), zap.Error(err))
		return receipt, err
	}
	logger.Info("harvest delivered",
		zap.Int("objects", len(receipt.Objects)),
		zap.Int("records", receipt.Records),
		zap.Int64("upserted", receipt.Upserted))
	return receipt, nil
}
