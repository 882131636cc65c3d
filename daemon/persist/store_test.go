package persist

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "persist.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutAndList(t *testing.T) {
	s := newTestStore(t)

	if err := s.Put("payload_receiver::alice::0", 1, []byte("one")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Put("payload_receiver::alice::0", 2, []byte("two")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Put("payload_receiver::bob::0", 1, []byte("other target")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	entries, err := s.List("payload_receiver::alice::0")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].ID != 1 || string(entries[0].Payload) != "one" {
		t.Fatalf("unexpected first entry: %+v", entries[0])
	}
	if entries[1].ID != 2 || string(entries[1].Payload) != "two" {
		t.Fatalf("unexpected second entry: %+v", entries[1])
	}
}

func TestListIsolatesTargets(t *testing.T) {
	s := newTestStore(t)

	if err := s.Put("chunk_sender::alice::0", 1, []byte("a")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Put("chunk_receiver::alice::0", 1, []byte("b")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	entries, err := s.List("chunk_sender::alice::0")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 || string(entries[0].Payload) != "a" {
		t.Fatalf("cross-target leak: %+v", entries)
	}
}

func TestGCRemovesOnlyStaleEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persist.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if err := s.Put("payload_receiver::alice::0", 1, []byte("stale")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	// Back-date the stale entry by reopening and rewriting its timestamp
	// through the exported Put path isn't possible (Put always stamps
	// "now"), so GC is exercised with a zero maxAge that makes every
	// existing entry immediately eligible, then reconfirmed live entries
	// inserted after GC survive.
	removed, err := s.GC(0)
	if err != nil {
		t.Fatalf("GC: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}

	if err := s.Put("payload_receiver::alice::0", 2, []byte("fresh")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	removed, err = s.GC(time.Hour)
	if err != nil {
		t.Fatalf("GC: %v", err)
	}
	if removed != 0 {
		t.Fatalf("expected fresh entry to survive GC, removed %d", removed)
	}

	entries, err := s.List("payload_receiver::alice::0")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != 2 {
		t.Fatalf("expected only the fresh entry to remain, got %+v", entries)
	}
}

func TestOpenCreatesParentlessPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s.Close()
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected db file to exist: %v", err)
	}
}
