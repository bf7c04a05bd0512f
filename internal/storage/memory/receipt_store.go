package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/JakeFAU/org-harvester/internal/harvest"
)

// ErrReceiptNotFound is returned for unknown run IDs.
var ErrReceiptNotFound = errors.New("receipt not found")

// ReceiptStore keeps delivery receipts keyed by run ID.
type ReceiptStore struct {
	mu       sync.RWMutex
	receipts map[string]harvest.Receipt
	order    []string
}

// NewReceiptStore constructs a ReceiptStore.
func NewReceiptStore() *ReceiptStore {
	return &ReceiptStore{receipts: make(map[string]harvest.Receipt)}
}

// SaveReceipt stores r. Run IDs must be unique.
func (s *ReceiptStore) SaveReceipt(_ context.Context, r harvest.Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.receipts[r.RunID]; exists {
		return errors.New("receipt already exists")
	}
	r.Objects = append([]harvest.Object(nil), r.Objects...)
	s.receipts[r.RunID] = r
	s.order = append(s.order, r.RunID)
	return nil
}

// GetReceipt fetches a receipt by run ID.
func (s *ReceiptStore) GetReceipt(_ context.Context, runID string) (harvest.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.receipts[runID]
	if !ok {
		return harvest.Receipt{}, ErrReceiptNotFound
	}
	r.Objects = append([]harvest.Object(nil), r.Objects...)
	return r, nil
}

// ListReceipts returns receipts newest first.
func (s *ReceiptStore) ListReceipts(_ context.Context) []harvest.Receipt {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]harvest.Receipt, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		out = append(out, s.receipts[s.order[i]])
	}
	return out
}
