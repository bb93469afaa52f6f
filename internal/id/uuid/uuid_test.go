package uuid

import (
	"strings"
	"testing"
	"time"

	goUUID "github.com/google/uuid"
)

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
		t.Fatalf("expected v7, got %d", parsed.Version())
	}
}

func TestGeneratorPrefixAndTimestamp(t *testing.T) {
	t.Parallel()

	gen := NewPrefixed("run_")
	before := time.Now().Add(-time.Second)
	id, err := gen.NewID()
	if err != nil {
		t.Fatalf("NewID() error = %v", err)
	}
	if !strings.HasPrefix(id, "run_") {
		t.Fatalf("expected run_ prefix, got %s", id)
	}
	ts, err := gen.Timestamp(id)
	if err != nil {
		t.Fatalf("Timestamp() error = %v", err)
	}
	if ts.Before(before) || ts.After(time.Now().Add(time.Second)) {
		t.Fatalf("timestamp %v out of range", ts)
	}
	if _, err := gen.Timestamp("job_" + id[4:]); err == nil {
		t.Fatal("expected prefix mismatch error")
	}
}
