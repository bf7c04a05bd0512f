// Package uuid includes tests for the UUID generator wrapper.
package uuid

import (
	"testing"

	goUUID "github.com/google/uuid"
)

// TestGeneratorNewID ensures generated IDs are unique, version 7 and time ordered.
func TestGeneratorNewID(t *testing.T) {
	t.Parallel()

	gen := New()
	id1, err := gen.NewID()
	if err != nil {
		t.Fatalf("NewID() error = %v", err)
	}
	id2, err := gen.NewID()
	if err != nil {
		t.Fatalf("NewID() error = %v", err)
	}
	if id1 == id2 {
		t.Fatalf("expected unique IDs, got %s and %s", id1, id2)
	}
	parsed, err := goUUID.Parse(id1)
	if err != nil {
		t.Fatalf("id1 not valid UUID: %v", err)
	}
	if parsed.Version() != 7 {
		t.Fatalf("expected version 7, got %d", parsed.Version())
	}
	if id1 >= id2 {
		t.Fatalf("expected ordered IDs, got %s then %s", id1, id2)
	}
}

func TestRequestIDAndValid(t *testing.T) {
	t.Parallel()

	id := NewRequestID()
	if !Valid(id) {
		t.Fatalf("request id %q not valid", id)
	}
	if Valid("not-a-uuid") {
		t.Fatal("expected invalid id to be rejected")
	}
}
