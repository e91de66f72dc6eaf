package bus

import (
	"context"
	"testing"
	"time"
)

func TestInboundRoundTrip(t *testing.T) {
	b := NewMessageBus()
	b.PublishInbound(MessageEnvelope{Channel: "cli", ChatID: "local", Content: "hello"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	env, ok := b.ConsumeInbound(ctx)
	if !ok {
		t.Fatal("consume failed")
	}
	if env.Direction != DirectionInbound || env.Content != "hello" {
		t.Fatalf("envelope = %+v", env)
	}
}

func TestConsumeRespectsContext(t *testing.T) {
	b := NewMessageBus()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, ok := b.ConsumeInbound(ctx); ok {
		t.Fatal("consume succeeded on cancelled context")
	}
}

func TestCloseDrainsInFlight(t *testing.T) {
	b := NewMessageBus()
	b.PublishInbound(MessageEnvelope{Channel: "cli", ChatID: "local", Content: "queued"})
	b.Close()

	ctx := context.Background()
	env, ok := b.ConsumeInbound(ctx)
	if !ok || env.Content != "queued" {
		t.Fatalf("in-flight envelope lost: ok=%t env=%+v", ok, env)
	}
	if _, ok := b.ConsumeInbound(ctx); ok {
		t.Fatal("consume succeeded on closed empty bus")
	}
}

func TestRoomQueueIsStable(t *testing.T) {
	b := NewMessageBus()
	q1 := b.RoomQueue("general")
	q2 := b.RoomQueue("general")
	if q1 != q2 {
		t.Fatal("same room returned different queues")
	}
	q1 <- MessageEnvelope{Content: "x"}
	if n := b.RoomQueueLen("general"); n != 1 {
		t.Fatalf("queue len = %d", n)
	}
	if n := b.RoomQueueLen("empty-room"); n != 0 {
		t.Fatalf("unknown room len = %d", n)
	}
}

func TestSystemOriginEncoding(t *testing.T) {
	env := MessageEnvelope{Channel: ChannelSystem, ChatID: "telegram:12345"}
	ch, chat := env.SystemOrigin()
	if ch != "telegram" || chat != "12345" {
		t.Fatalf("origin = %q, %q", ch, chat)
	}

	env = MessageEnvelope{Channel: "telegram", ChatID: "telegram:12345"}
	if ch, chat := env.SystemOrigin(); ch != "" || chat != "" {
		t.Fatalf("non-system origin = %q, %q", ch, chat)
	}
}

func TestDedupeKeyRequiresMessageID(t *testing.T) {
	env := MessageEnvelope{Channel: "cli", ChatID: "local", SenderID: "user", Content: "same text"}
	if key := env.DedupeKey(); key != "" {
		t.Fatalf("key without message_id = %q", key)
	}

	env.SetMeta("message_id", "42")
	key := env.DedupeKey()
	if key == "" {
		t.Fatal("no key with message_id set")
	}
	other := env
	other.ChatID = "elsewhere"
	if other.DedupeKey() == key {
		t.Fatal("different chats share a dedupe key")
	}
}

func TestDedupeCache(t *testing.T) {
	c := NewDedupeCache(time.Hour, 3)
	if c.IsDuplicate("a") {
		t.Fatal("first sighting reported duplicate")
	}
	if !c.IsDuplicate("a") {
		t.Fatal("second sighting not reported")
	}

	// Capacity eviction: a falls out after b, c, d.
	c.IsDuplicate("b")
	c.IsDuplicate("c")
	c.IsDuplicate("d")
	if c.IsDuplicate("a") {
		t.Fatal("evicted key still reported duplicate")
	}
}

func TestDedupeCacheTTL(t *testing.T) {
	c := NewDedupeCache(10*time.Millisecond, 100)
	c.IsDuplicate("a")
	time.Sleep(20 * time.Millisecond)
	if c.IsDuplicate("a") {
		t.Fatal("expired entry reported duplicate")
	}
}
