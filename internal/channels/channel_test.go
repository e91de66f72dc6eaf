package channels

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/crewgate/crewgate/internal/bus"
)

func TestSplitMessagePrefersNewline(t *testing.T) {
	content := strings.Repeat("a", 60) + "\n" + strings.Repeat("b", 60)
	chunks := SplitMessage(content, 100)
	if len(chunks) != 2 {
		t.Fatalf("chunks = %d, want 2", len(chunks))
	}
	if !strings.HasSuffix(chunks[0], "\n") {
		t.Fatalf("first chunk should end at the newline: %q", chunks[0])
	}
	if chunks[1] != strings.Repeat("b", 60) {
		t.Fatalf("second chunk = %q", chunks[1])
	}
}

func TestSplitMessageHardCut(t *testing.T) {
	chunks := SplitMessage(strings.Repeat("x", 250), 100)
	if len(chunks) != 3 {
		t.Fatalf("chunks = %d, want 3", len(chunks))
	}
	if len(chunks[0]) != 100 || len(chunks[2]) != 50 {
		t.Fatalf("chunk sizes = %d/%d/%d", len(chunks[0]), len(chunks[1]), len(chunks[2]))
	}
}

func TestAllowedEmptyListAdmitsAll(t *testing.T) {
	b := NewBase("test", bus.NewMessageBus(), nil, 0)
	if !b.Allowed("anyone") {
		t.Fatal("empty allowlist should admit everyone")
	}
}

func TestAllowedMatchesIDAndUsername(t *testing.T) {
	b := NewBase("test", bus.NewMessageBus(), []string{"12345", "@alice"}, 0)
	if !b.Allowed("12345") {
		t.Fatal("id should match")
	}
	if !b.Allowed("alice") {
		t.Fatal("username should match without @")
	}
	if b.Allowed("mallory") {
		t.Fatal("unknown sender should be rejected")
	}
}

type fakeAdapter struct {
	*Base
	mu   sync.Mutex
	sent []bus.MessageEnvelope
}

func (f *fakeAdapter) Start(context.Context) error { f.SetRunning(true); return nil }
func (f *fakeAdapter) Stop(context.Context) error  { f.SetRunning(false); return nil }
func (f *fakeAdapter) Send(_ context.Context, env bus.MessageEnvelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeAdapter) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func TestManagerRoutesOutbound(t *testing.T) {
	msgBus := bus.NewMessageBus()
	m := NewManager(msgBus)
	fake := &fakeAdapter{Base: NewBase("fake", msgBus, nil, 0)}
	m.Register(fake)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.StartAll(ctx); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	defer m.StopAll(context.Background())

	msgBus.PublishOutbound(bus.MessageEnvelope{Channel: "fake", ChatID: "c1", Content: "hello"})
	msgBus.PublishOutbound(bus.MessageEnvelope{Channel: "system", ChatID: "x", Content: "internal"})
	msgBus.PublishOutbound(bus.MessageEnvelope{Channel: "nowhere", ChatID: "c2", Content: "lost"})

	deadline := time.After(2 * time.Second)
	for fake.sentCount() < 1 {
		select {
		case <-deadline:
			t.Fatal("outbound envelope never reached the adapter")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if fake.sentCount() != 1 {
		t.Fatalf("sent = %d, want only the fake-channel envelope", fake.sentCount())
	}
	if fake.sent[0].Content != "hello" {
		t.Fatalf("content = %q", fake.sent[0].Content)
	}
}

func TestManagerSendToUnknown(t *testing.T) {
	m := NewManager(bus.NewMessageBus())
	if err := m.SendTo(context.Background(), "ghost", "c", "hi"); err == nil {
		t.Fatal("expected error for unknown channel")
	}
}
