package harvest

import (
	"context"
	"io"
	"time"
)

// BlobStore persists serialized harvest payloads.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Publisher emits notifications about completed harvests.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// RecordStore upserts canonical records keyed by Record.Key.
type RecordStore interface {
	UpsertRecords(ctx context.Context, runID string, harvestedAt time.Time, records []Record) (int64, error)
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// IDGenerator creates run identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
