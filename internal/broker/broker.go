package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/crewgate/crewgate/internal/agent"
	"github.com/crewgate/crewgate/internal/bus"
	"github.com/crewgate/crewgate/internal/rooms"
)

// Manager runs one serialized worker per room. The ingest loop resolves each
// inbound envelope to a room and hands it to that room's worker, so message
// order within a room is strict FIFO while rooms run concurrently.
type Manager struct {
	bus    *bus.MessageBus
	rooms  *rooms.Manager
	loop   *agent.Loop
	dedupe *bus.DedupeCache

	mu      sync.Mutex
	workers map[string]context.CancelFunc // roomID → worker cancel
	wg      sync.WaitGroup
}

func NewManager(messageBus *bus.MessageBus, roomMgr *rooms.Manager, loop *agent.Loop) *Manager {
	return &Manager{
		bus:     messageBus,
		rooms:   roomMgr,
		loop:    loop,
		dedupe:  bus.NewDedupeCache(0, 0),
		workers: make(map[string]context.CancelFunc),
	}
}

// Run ingests inbound envelopes until ctx is cancelled. Blocks.
func (m *Manager) Run(ctx context.Context) {
	for {
		env, ok := m.bus.ConsumeInbound(ctx)
		if !ok {
			m.shutdown()
			return
		}
		m.ingest(ctx, env)
	}
}

// ingest normalizes the room and enqueues the envelope on the room's FIFO,
// starting the worker on first use.
func (m *Manager) ingest(ctx context.Context, env bus.MessageEnvelope) {
	// Webhook retries and long-poll redeliveries reuse the platform
	// message ID; system announcements are never retried.
	if key := env.DedupeKey(); key != "" && m.dedupe.IsDuplicate(key) {
		slog.Debug("broker: duplicate envelope dropped",
			"channel", env.Channel, "chat", env.ChatID, "sender", env.SenderID)
		return
	}

	if env.RoomID == "" {
		if env.Channel == bus.ChannelSystem {
			env.RoomID = rooms.GeneralRoomID
		} else {
			env.RoomID = m.resolveRoom(env)
		}
	}

	m.ensureWorker(ctx, env.RoomID)

	select {
	case m.bus.RoomQueue(env.RoomID) <- env:
	default:
		slog.Warn("broker: room queue full, dropping envelope",
			"room", env.RoomID, "channel", env.Channel, "sender", env.SenderID)
	}
}

// resolveRoom maps a channel conversation to its room, auto-joining general
// when unmapped.
func (m *Manager) resolveRoom(env bus.MessageEnvelope) string {
	if roomID, ok := m.rooms.RoomForChannel(env.Channel, env.ChatID); ok {
		return roomID
	}
	return m.rooms.AutoJoinGeneral(env.Channel, env.ChatID)
}

func (m *Manager) ensureWorker(ctx context.Context, roomID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workers[roomID]; ok {
		return
	}

	workerCtx, cancel := context.WithCancel(ctx)
	m.workers[roomID] = cancel
	m.wg.Add(1)

	queue := m.bus.RoomQueue(roomID)
	go func() {
		defer m.wg.Done()
		m.work(workerCtx, roomID, queue)
	}()
	slog.Debug("broker: room worker started", "room", roomID)
}

// work processes the room's queue one envelope at a time. The outbound reply
// for envelope k is published before k+1 is dequeued.
func (m *Manager) work(ctx context.Context, roomID string, queue chan bus.MessageEnvelope) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-queue:
			out, err := m.loop.ProcessInbound(ctx, env)
			if err != nil {
				slog.Error("broker: processing failed", "room", roomID, "error", err)
				continue
			}
			if out != nil {
				m.bus.PublishOutbound(*out)
			}
		}
	}
}

func (m *Manager) shutdown() {
	m.mu.Lock()
	for roomID, cancel := range m.workers {
		cancel()
		delete(m.workers, roomID)
	}
	m.mu.Unlock()
	m.wg.Wait()
	slog.Info("broker: all room workers stopped")
}

// StopRoom implements the /stop command for a room: cancels in-flight
// invocations and sidekick tasks, blocks the room's in-progress tasks, and
// reports the counts. The current LLM call finishes on its own.
type StopRoomDeps struct {
	Invoker   interface{ CancelRoom(roomID string) int }
	Sidekicks interface{ CancelRoom(roomID string) int }
	Rooms     *rooms.Manager
}

func MakeStopFunc(deps StopRoomDeps) agent.StopFunc {
	return func(roomID string) string {
		invocations := 0
		if deps.Invoker != nil {
			invocations = deps.Invoker.CancelRoom(roomID)
		}
		sidekicks := 0
		if deps.Sidekicks != nil {
			sidekicks = deps.Sidekicks.CancelRoom(roomID)
		}
		blocked := 0
		if deps.Rooms != nil {
			n, err := deps.Rooms.BlockInProgress(roomID)
			if err != nil {
				slog.Warn("broker: blocking tasks failed", "room", roomID, "error", err)
			} else {
				blocked = n
			}
		}
		return fmt.Sprintf("Stopped: %d invocation(s) cancelled, %d sidekick task(s) cancelled, %d task(s) marked blocked.",
			invocations, sidekicks, blocked)
	}
}
