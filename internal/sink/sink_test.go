package sink

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/org-harvester/internal/harvest"
	pubmemory "github.com/JakeFAU/org-harvester/internal/publisher/memory"
	"github.com/JakeFAU/org-harvester/internal/storage/memory"
)

type fixedIDs struct{ id string }

func (f fixedIDs) NewID() (string, error) { return f.id, nil }

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type fakeRecords struct {
	runID   string
	at      time.Time
	records []harvest.Record
	err     error
}

func (f *fakeRecords) UpsertRecords(_ context.Context, runID string, at time.Time, records []harvest.Record) (int64, error) {
	f.runID, f.at, f.records = runID, at, records
	if f.err != nil {
		return 0, f.err
	}
	return int64(len(records)), nil
}

type failingBlobs struct{}

func (failingBlobs) PutObject(context.Context, string, string, io.Reader) (string, error) {
	return "", errors.New("bucket unavailable")
}

var harvestedAt = time.Date(2024, 4, 1, 12, 0, 0, 0, time.UTC)

func sampleHarvests() []harvest.Harvest {
	return []harvest.Harvest{
		{Organization: "BlackRock", Slug: "blackrock", Records: []harvest.Record{
			{Source: harvest.ChannelPressRelease, Organization: "BlackRock", Title: "Q1 Update", URL: "https://x.example.com/q1", PublishedAt: "2024-04-01"},
			{Source: harvest.ChannelVideo, Organization: "BlackRock", Title: "Outlook", URL: "https://www.youtube.com/watch?v=abc", Metrics: harvest.Metrics{"views": 10}},
		}},
		{Organization: "Vanguard", Slug: "vanguard", Records: nil},
	}
}

func TestDeliverWritesObjectsAndNotifies(t *testing.T) {
	t.Parallel()

	blobs := memory.NewBlobStore()
	records := &fakeRecords{}
	pub := pubmemory.New()
	receipts := memory.NewReceiptStore()
	s, err := New(Config{Prefix: "/harvests/"}, Deps{
		Blobs:     blobs,
		Records:   records,
		Publisher: pub,
		Receipts:  receipts,
		IDs:       fixedIDs{id: "run-1"},
		Clock:     fixedClock{now: harvestedAt},
	}, zap.NewNop())
	require.NoError(t, err)

	receipt, err := s.Deliver(context.Background(), sampleHarvests())
	require.NoError(t, err)
	require.Equal(t, "run-1", receipt.RunID)
	require.Equal(t, harvestedAt, receipt.HarvestedAt)
	require.Equal(t, 2, receipt.Records)
	require.Equal(t, int64(2), receipt.Upserted)
	require.Equal(t, "memory-1", receipt.MessageID)
	require.Equal(t, []harvest.Object{
		{Slug: "blackrock", URI: "memory://harvests/run-1/blackrock.json", Records: 2},
		{Slug: "vanguard", URI: "memory://harvests/run-1/vanguard.json", Records: 0},
	}, receipt.Objects)

	body, contentType, ok := blobs.Object("harvests/run-1/blackrock.json")
	require.True(t, ok)
	require.Equal(t, "application/json", contentType)
	var got []harvest.Record
	require.NoError(t, json.Unmarshal(body, &got))
	require.Equal(t, sampleHarvests()[0].Records, got)

	empty, _, ok := blobs.Object("harvests/run-1/vanguard.json")
	require.True(t, ok)
	require.JSONEq(t, `[]`, string(empty))

	require.Equal(t, "run-1", records.runID)
	require.Equal(t, harvestedAt, records.at)
	require.Len(t, records.records, 2)

	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, EventCompleted, msgs[0].Event)
	require.Contains(t, string(msgs[0].Data), `"run_id":"run-1"`)

	stored, err := receipts.GetReceipt(context.Background(), "run-1")
	require.NoError(t, err)
	require.Equal(t, receipt.Objects, stored.Objects)
}

func TestDeliverBlobFailureAborts(t *testing.T) {
	t.Parallel()

	records := &fakeRecords{}
	s, err := New(Config{}, Deps{
		Blobs:   failingBlobs{},
		Records: records,
		IDs:     fixedIDs{id: "run-2"},
		Clock:   fixedClock{now: harvestedAt},
	}, zap.NewNop())
	require.NoError(t, err)

	_, err = s.Deliver(context.Background(), sampleHarvests())
	require.ErrorContains(t, err, "write blackrock")
	require.Empty(t, records.runID, "records are not upserted after a blob failure")
}

func TestDeliverRecordStoreFailureStillWritesObjects(t *testing.T) {
	t.Parallel()

	blobs := memory.NewBlobStore()
	pub := pubmemory.New()
	s, err := New(Config{}, Deps{
		Blobs:     blobs,
		Records:   &fakeRecords{err: errors.New("db down")},
		Publisher: pub,
		IDs:       fixedIDs{id: "run-3"},
		Clock:     fixedClock{now: harvestedAt},
	}, zap.NewNop())
	require.NoError(t, err)

	receipt, err := s.Deliver(context.Background(), sampleHarvests())
	require.ErrorContains(t, err, "db down")
	require.Len(t, receipt.Objects, 2)
	require.Equal(t, []string{"run-3/blackrock.json", "run-3/vanguard.json"}, blobs.Paths())
	require.Len(t, pub.Messages(), 1)
}

func TestNewRequiresDeps(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, Deps{}, nil)
	require.Error(t, err)
	_, err = New(Config{}, Deps{Blobs: memory.NewBlobStore()}, nil)
	require.Error(t, err)
	_, err = New(Config{}, Deps{Blobs: memory.NewBlobStore(), IDs: fixedIDs{}}, nil)
	require.Error(t, err)
}
