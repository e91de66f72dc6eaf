package memory

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func openTest(t *testing.T) *Facade {
	t.Helper()
	f, err := Open(filepath.Join(t.TempDir(), "memory.db"), 6)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

func TestEventsChronologicalOrder(t *testing.T) {
	f := openTest(t)
	ctx := context.Background()

	for _, content := range []string{"first", "second", "third"} {
		f.AppendEvent(ctx, "general", "ana", "message", content)
		time.Sleep(2 * time.Millisecond)
	}

	events, err := f.RecentEvents(ctx, "general", 10)
	if err != nil {
		t.Fatalf("RecentEvents: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events", len(events))
	}
	if events[0].Content != "first" || events[2].Content != "third" {
		t.Fatalf("order = %s, %s, %s", events[0].Content, events[1].Content, events[2].Content)
	}

	// Limit keeps the most recent, still oldest first.
	events, err = f.RecentEvents(ctx, "general", 2)
	if err != nil {
		t.Fatalf("RecentEvents limited: %v", err)
	}
	if len(events) != 2 || events[0].Content != "second" {
		t.Fatalf("limited = %+v", events)
	}
}

func TestEventsScopedToRoom(t *testing.T) {
	f := openTest(t)
	ctx := context.Background()
	f.AppendEvent(ctx, "general", "ana", "message", "here")
	f.AppendEvent(ctx, "side", "ana", "message", "elsewhere")

	events, err := f.RecentEvents(ctx, "general", 10)
	if err != nil {
		t.Fatalf("RecentEvents: %v", err)
	}
	if len(events) != 1 || events[0].Content != "here" {
		t.Fatalf("events = %+v", events)
	}
}

func TestLearningsTopicFilter(t *testing.T) {
	f := openTest(t)
	ctx := context.Background()
	if err := f.RecordLearning(ctx, "ana", "deploys", "always run migrations first"); err != nil {
		t.Fatalf("RecordLearning: %v", err)
	}
	if err := f.RecordLearning(ctx, "ana", "mistakes", "forgot the changelog"); err != nil {
		t.Fatalf("RecordLearning: %v", err)
	}
	if err := f.RecordLearning(ctx, "bob", "deploys", "bob's note"); err != nil {
		t.Fatalf("RecordLearning: %v", err)
	}

	got, err := f.Learnings(ctx, "ana", "deploy", 10)
	if err != nil {
		t.Fatalf("Learnings: %v", err)
	}
	if len(got) != 1 || got[0].Content != "always run migrations first" {
		t.Fatalf("filtered learnings = %+v", got)
	}

	all, err := f.Learnings(ctx, "ana", "", 10)
	if err != nil {
		t.Fatalf("Learnings all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("got %d learnings for ana", len(all))
	}
}

func TestAssembleContext(t *testing.T) {
	f := openTest(t)
	ctx := context.Background()

	if got := f.AssembleContext(ctx, "general", "ana"); got != "" {
		t.Fatalf("empty store produced context %q", got)
	}

	f.AppendEvent(ctx, "general", "ana", "handoff", "task moved to bob")
	f.RecordLearning(ctx, "ana", "deploys", "always run migrations first")

	got := f.AssembleContext(ctx, "general", "ana")
	if !strings.Contains(got, "task moved to bob") || !strings.Contains(got, "always run migrations first") {
		t.Fatalf("context = %q", got)
	}
}

func TestNilFacadeIsNoOp(t *testing.T) {
	var f *Facade
	ctx := context.Background()

	f.AppendEvent(ctx, "general", "ana", "message", "dropped")
	if err := f.RecordLearning(ctx, "ana", "t", "c"); err != nil {
		t.Fatalf("nil RecordLearning: %v", err)
	}
	if events, err := f.RecentEvents(ctx, "general", 5); err != nil || events != nil {
		t.Fatalf("nil RecentEvents = %v, %v", events, err)
	}
	if got := f.AssembleContext(ctx, "general", "ana"); got != "" {
		t.Fatalf("nil AssembleContext = %q", got)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("nil Close: %v", err)
	}
}
