package sessions

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/crewgate/crewgate/internal/providers"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	return NewManager(store)
}

func msg(role, content string) providers.Message {
	return providers.Message{Role: role, Content: content}
}

func toolCallMsg(id string) providers.Message {
	return providers.Message{Role: "assistant", ToolCalls: []providers.ToolCall{{ID: id, Name: "read_file"}}}
}

func toolResult(id string) providers.Message {
	return providers.Message{Role: "tool", ToolCallID: id, Content: "result"}
}

func TestSafeCutIndexPlainHistory(t *testing.T) {
	msgs := []providers.Message{
		msg("user", "a"), msg("assistant", "b"),
		msg("user", "c"), msg("assistant", "d"),
		msg("user", "e"), msg("assistant", "f"),
	}
	if cut := SafeCutIndex(msgs, 2); cut != 4 {
		t.Fatalf("cut = %d, want 4", cut)
	}
}

func TestSafeCutIndexNeverSplitsToolChain(t *testing.T) {
	msgs := []providers.Message{
		msg("user", "a"), msg("assistant", "b"),
		msg("user", "do it"),
		toolCallMsg("call_1"),
		toolResult("call_1"),
		msg("assistant", "done"),
	}
	// Naive cut at len-3 would open the window on the tool result.
	cut := SafeCutIndex(msgs, 3)
	if cut <= 0 {
		t.Fatal("no cut found")
	}
	kept := msgs[cut:]
	if issues := ValidateHistory(kept); len(issues) > 0 {
		t.Fatalf("kept window invalid: %v", issues)
	}
	if kept[0].Role == "tool" {
		t.Fatal("window opens on a tool result")
	}
}

func TestValidateHistoryFlagsOrphans(t *testing.T) {
	orphanResult := []providers.Message{msg("user", "a"), toolResult("call_9")}
	if issues := ValidateHistory(orphanResult); len(issues) == 0 {
		t.Fatal("orphan tool result not flagged")
	}

	unanswered := []providers.Message{msg("user", "a"), toolCallMsg("call_1")}
	if issues := ValidateHistory(unanswered); len(issues) == 0 {
		t.Fatal("unanswered tool call not flagged")
	}

	good := []providers.Message{msg("user", "a"), toolCallMsg("call_1"), toolResult("call_1"), msg("assistant", "done")}
	if issues := ValidateHistory(good); len(issues) != 0 {
		t.Fatalf("valid history flagged: %v", issues)
	}
}

func TestMaybeCompactOffDoesNothing(t *testing.T) {
	mgr := newTestManager(t)
	c := NewCompactor(mgr, CompactOptions{Mode: CompactOff}, nil, nil)

	key := RoomKey("general")
	for i := 0; i < 50; i++ {
		mgr.AddMessage(key, msg("user", strings.Repeat("long message ", 100)))
	}
	ran, err := c.MaybeCompact(context.Background(), key)
	if err != nil || ran {
		t.Fatalf("compaction ran in off mode: ran=%t err=%v", ran, err)
	}
}

func TestMaybeCompactSummaryMode(t *testing.T) {
	mgr := newTestManager(t)
	summarize := func(ctx context.Context, msgs []providers.Message) (string, error) {
		return fmt.Sprintf("summary of %d messages", len(msgs)), nil
	}
	c := NewCompactor(mgr, CompactOptions{
		Mode:             CompactSummary,
		ThresholdPercent: 0.8,
		MaxContextTokens: 125,
		KeepLastMessages: 2,
	}, summarize, nil)

	key := RoomKey("general")
	for i := 0; i < 10; i++ {
		mgr.AddMessage(key, msg("user", strings.Repeat("words and more words ", 20)))
		mgr.AddMessage(key, msg("assistant", "reply"))
	}
	last := mgr.GetHistory(key)[19]

	ran, err := c.MaybeCompact(context.Background(), key)
	if err != nil || !ran {
		t.Fatalf("expected compaction: ran=%t err=%v", ran, err)
	}

	kept := mgr.GetHistory(key)
	if len(kept) != 2 {
		t.Fatalf("kept %d messages, want 2", len(kept))
	}
	if kept[len(kept)-1].Content != last.Content || kept[len(kept)-1].Role != last.Role {
		t.Fatal("last message changed by compaction")
	}
	if sum := mgr.GetSummary(key); !strings.Contains(sum, "summary of 18 messages") {
		t.Fatalf("summary = %q", sum)
	}
	if mgr.GetCompactionCount(key) != 1 {
		t.Fatalf("compaction count = %d", mgr.GetCompactionCount(key))
	}
}

func TestMaybeCompactSummaryFailureFallsBackToRecap(t *testing.T) {
	mgr := newTestManager(t)
	summarize := func(ctx context.Context, msgs []providers.Message) (string, error) {
		return "", fmt.Errorf("model down")
	}
	c := NewCompactor(mgr, CompactOptions{
		Mode:             CompactSummary,
		ThresholdPercent: 0.8,
		MaxContextTokens: 125,
		KeepLastMessages: 2,
	}, summarize, nil)

	key := RoomKey("general")
	mgr.AddMessage(key, msg("user", "Please deploy the staging build tonight."))
	for i := 0; i < 10; i++ {
		mgr.AddMessage(key, msg("user", strings.Repeat("filler text here ", 20)))
	}
	ran, err := c.MaybeCompact(context.Background(), key)
	if err != nil || !ran {
		t.Fatalf("expected compaction despite summary failure: ran=%t err=%v", ran, err)
	}
	sum := mgr.GetSummary(key)
	if !strings.Contains(sum, "Earlier conversation covered:") {
		t.Fatalf("recap missing: %q", sum)
	}
	if !strings.Contains(sum, "filler text here") {
		t.Fatalf("recap should quote dropped user content: %q", sum)
	}
}

func TestCompactionDefaultsToSummaryMode(t *testing.T) {
	mgr := newTestManager(t)
	c := NewCompactor(mgr, CompactOptions{
		ThresholdPercent: 0.8,
		MaxContextTokens: 125,
		KeepLastMessages: 2,
	}, nil, nil)
	if c.opts.Mode != CompactSummary {
		t.Fatalf("default mode = %q, want %q", c.opts.Mode, CompactSummary)
	}

	key := RoomKey("general")
	for i := 0; i < 10; i++ {
		mgr.AddMessage(key, msg("user", strings.Repeat("filler text here ", 20)))
	}
	ran, err := c.MaybeCompact(context.Background(), key)
	if err != nil || !ran {
		t.Fatalf("default mode should compact an over-budget session: ran=%t err=%v", ran, err)
	}
	if mgr.GetSummary(key) == "" {
		t.Fatal("no recap recorded in default mode")
	}
}

func TestCompactorOptionDefaults(t *testing.T) {
	c := NewCompactor(newTestManager(t), CompactOptions{}, nil, nil)
	if c.opts.Mode != CompactSummary {
		t.Fatalf("mode = %q", c.opts.Mode)
	}
	if c.opts.ThresholdPercent != 0.8 {
		t.Fatalf("threshold = %v", c.opts.ThresholdPercent)
	}
	if c.opts.MaxContextTokens != 100000 {
		t.Fatalf("max context tokens = %d", c.opts.MaxContextTokens)
	}
	if c.opts.KeepLastMessages != 4 {
		t.Fatalf("keep last = %d", c.opts.KeepLastMessages)
	}
}

func TestMaybeCompactMemoryFlushOncePerCompaction(t *testing.T) {
	mgr := newTestManager(t)
	flushes := 0
	flush := func(ctx context.Context, key string, msgs []providers.Message) error {
		flushes++
		return nil
	}
	c := NewCompactor(mgr, CompactOptions{
		Mode:             CompactTokenLimit,
		ThresholdPercent: 0.8,
		MaxContextTokens: 125,
		KeepLastMessages: 2,
		MemoryFlush:      true,
	}, nil, flush)

	key := RoomKey("general")
	for i := 0; i < 10; i++ {
		mgr.AddMessage(key, msg("user", strings.Repeat("filler text here ", 20)))
	}
	if ran, _ := c.MaybeCompact(context.Background(), key); !ran {
		t.Fatal("expected compaction")
	}
	if flushes != 1 {
		t.Fatalf("flushes = %d, want 1", flushes)
	}
}

func TestSessionPersistsAcrossManagers(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	mgr := NewManager(store)
	key := RoomKey("general")
	mgr.AddMessage(key, msg("user", "hello"))
	mgr.AddMessage(key, msg("assistant", "hi"))
	if err := mgr.Save(key); err != nil {
		t.Fatalf("Save: %v", err)
	}

	store2, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	mgr2 := NewManager(store2)
	history := mgr2.GetHistory(key)
	if len(history) != 2 || history[0].Content != "hello" || history[1].Content != "hi" {
		t.Fatalf("history after reload = %+v", history)
	}
}

func TestKeyScheme(t *testing.T) {
	if RoomKey("general") != "room:general" {
		t.Fatalf("RoomKey = %q", RoomKey("general"))
	}
	id, ok := RoomIDFromKey("room:general")
	if !ok || id != "general" {
		t.Fatalf("RoomIDFromKey = %q, %t", id, ok)
	}
	if _, ok := RoomIDFromKey("routine:ana:abc"); ok {
		t.Fatal("routine key parsed as room key")
	}
}
