package bus

import (
	"context"
	"log/slog"
	"sync"
)

const (
	defaultQueueSize     = 256
	defaultRoomQueueSize = 64
)

// MessageBus carries envelopes between channel adapters and the room brokers.
// Inbound and outbound are process-wide queues; per-room queues are created
// lazily by the broker manager so each room gets its own FIFO.
type MessageBus struct {
	inbound  chan MessageEnvelope
	outbound chan MessageEnvelope

	mu    sync.Mutex
	rooms map[string]chan MessageEnvelope

	closeOnce sync.Once
	closed    chan struct{}
}

func NewMessageBus() *MessageBus {
	return &MessageBus{
		inbound:  make(chan MessageEnvelope, defaultQueueSize),
		outbound: make(chan MessageEnvelope, defaultQueueSize),
		rooms:    make(map[string]chan MessageEnvelope),
		closed:   make(chan struct{}),
	}
}

// PublishInbound enqueues an envelope from a channel adapter.
// Drops the envelope with a warning when the bus is shut down.
func (b *MessageBus) PublishInbound(env MessageEnvelope) {
	env.Direction = DirectionInbound
	select {
	case <-b.closed:
		slog.Warn("bus: inbound publish after close", "channel", env.Channel, "chat_id", env.ChatID)
	case b.inbound <- env:
	}
}

// PublishOutbound enqueues an envelope for delivery by a channel adapter.
func (b *MessageBus) PublishOutbound(env MessageEnvelope) {
	env.Direction = DirectionOutbound
	select {
	case <-b.closed:
		slog.Warn("bus: outbound publish after close", "channel", env.Channel, "chat_id", env.ChatID)
	case b.outbound <- env:
	}
}

// ConsumeInbound blocks until an inbound envelope is available.
// Returns ok=false when ctx is cancelled or the bus is closed.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (MessageEnvelope, bool) {
	select {
	case <-ctx.Done():
		return MessageEnvelope{}, false
	case <-b.closed:
		// Drain whatever is left so in-flight messages are not lost.
		select {
		case env := <-b.inbound:
			return env, true
		default:
			return MessageEnvelope{}, false
		}
	case env := <-b.inbound:
		return env, true
	}
}

// SubscribeOutbound blocks until an outbound envelope is available.
// Returns ok=false when ctx is cancelled or the bus is closed and drained.
func (b *MessageBus) SubscribeOutbound(ctx context.Context) (MessageEnvelope, bool) {
	select {
	case <-ctx.Done():
		return MessageEnvelope{}, false
	case <-b.closed:
		select {
		case env := <-b.outbound:
			return env, true
		default:
			return MessageEnvelope{}, false
		}
	case env := <-b.outbound:
		return env, true
	}
}

// RoomQueue returns the per-room FIFO for roomID, creating it on first use.
func (b *MessageBus) RoomQueue(roomID string) chan MessageEnvelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.rooms[roomID]
	if !ok {
		q = make(chan MessageEnvelope, defaultRoomQueueSize)
		b.rooms[roomID] = q
	}
	return q
}

// RoomQueueLen reports the number of envelopes waiting for a room.
// Zero for rooms with no queue yet.
func (b *MessageBus) RoomQueueLen(roomID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.rooms[roomID]; ok {
		return len(q)
	}
	return 0
}

// Close stops accepting new envelopes. Consumers drain remaining queues.
func (b *MessageBus) Close() {
	b.closeOnce.Do(func() { close(b.closed) })
}
