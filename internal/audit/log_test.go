package audit

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func newLog(t *testing.T) (*Log, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	l, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l, path
}

func TestRecordAndTail(t *testing.T) {
	l, _ := newLog(t)

	for i := 0; i < 5; i++ {
		l.Record(Entry{Operation: fmt.Sprintf("tool.web_search.%d", i), KeyRef: "{{brave_key}}", Success: true})
	}

	entries, err := l.Tail(3)
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	// Oldest first within the tail window.
	if entries[0].Operation != "tool.web_search.2" || entries[2].Operation != "tool.web_search.4" {
		t.Fatalf("unexpected order: %s .. %s", entries[0].Operation, entries[2].Operation)
	}
	if entries[0].Timestamp == "" {
		t.Fatal("timestamp not filled in")
	}
}

func TestOpRecordsOutcome(t *testing.T) {
	l, _ := newLog(t)

	if err := l.Op("vault.resolve", "{{openrouter_key}}", "general", func() error { return nil }); err != nil {
		t.Fatalf("Op: %v", err)
	}
	wantErr := fmt.Errorf("backend down")
	if err := l.Op("vault.resolve", "{{openrouter_key}}", "general", func() error { return wantErr }); err != wantErr {
		t.Fatalf("Op error passthrough = %v", err)
	}

	entries, err := l.Tail(0)
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries", len(entries))
	}
	if !entries[0].Success || entries[0].Error != "" {
		t.Fatalf("success entry = %+v", entries[0])
	}
	if entries[1].Success || entries[1].Error != "backend down" {
		t.Fatalf("failure entry = %+v", entries[1])
	}
}

func TestTailSkipsMalformedLines(t *testing.T) {
	l, path := newLog(t)
	l.Record(Entry{Operation: "a", Success: true})

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	f.WriteString("{not json\n")
	f.Close()

	l.Record(Entry{Operation: "b", Success: true})

	entries, err := l.Tail(0)
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if len(entries) != 2 || entries[0].Operation != "a" || entries[1].Operation != "b" {
		t.Fatalf("entries = %+v", entries)
	}
}

func TestLogFilePermissions(t *testing.T) {
	_, path := newLog(t)
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Fatalf("audit log mode = %o, want 600", info.Mode().Perm())
	}
}
