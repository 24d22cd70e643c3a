package runstate

import (
	"testing"
	"time"
)

func TestRunKeyShape(t *testing.T) {
	t.Parallel()

	if got := runKey("u1", "demo"); got != "run:u1:demo" {
		t.Fatalf("unexpected key %q", got)
	}
}

func TestNewStoreRejectsEmptyURL(t *testing.T) {
	t.Parallel()

	if _, err := NewStore("  ", time.Hour); err == nil {
		t.Fatalf("expected error for empty url")
	}
}

func TestNewStoreRejectsBadURL(t *testing.T) {
	t.Parallel()

	if _, err := NewStore("not-a-url", time.Hour); err == nil {
		t.Fatalf("expected error for malformed url")
	}
}

func TestNilStoreOperationsAreSafe(t *testing.T) {
	t.Parallel()

	var s *Store
	if err := s.MarkRunning(nil, "u1", Record{TaskName: "demo"}); err != nil {
		t.Fatalf("nil store MarkRunning: %v", err)
	}
	if err := s.ClearRunning(nil, "u1", "demo"); err != nil {
		t.Fatalf("nil store ClearRunning: %v", err)
	}
	if _, ok, err := s.Lookup(nil, "u1", "demo"); ok || err != nil {
		t.Fatalf("nil store Lookup: ok=%v err=%v", ok, err)
	}
	if recs, err := s.ListRunning(nil, "u1"); len(recs) != 0 || err != nil {
		t.Fatalf("nil store ListRunning: %v %v", recs, err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("nil store Close: %v", err)
	}
}
