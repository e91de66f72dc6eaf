package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/crewgate/crewgate/internal/bus"
	"github.com/crewgate/crewgate/internal/sessions"
	"github.com/crewgate/crewgate/internal/tools"
)

const (
	invokeMaxIterations = 10
	invokeTimeout       = 5 * time.Minute
)

// Invoker runs bot-to-bot delegations in the background. Each invocation gets
// its own session and reports its result as a system-channel envelope that
// the leader summarizes for the user.
type Invoker struct {
	loop *Loop
	bus  *bus.MessageBus

	mu      sync.Mutex
	running map[string]map[string]context.CancelFunc // roomID → invocationID → cancel
	inUse   map[string]int                           // botID → in-flight invocations
}

func NewInvoker(loop *Loop, messageBus *bus.MessageBus) *Invoker {
	return &Invoker{
		loop:    loop,
		bus:     messageBus,
		running: make(map[string]map[string]context.CancelFunc),
		inUse:   make(map[string]int),
	}
}

func (inv *Invoker) ListBots() []string {
	return inv.loop.deps.Bots.Names()
}

// Invoke validates the target and fires the background task, returning
// immediately with the invocation ID. The leader is never a valid target;
// it handles the room directly.
func (inv *Invoker) Invoke(ctx context.Context, fromBot, toBot, task string) (string, error) {
	bot, ok := inv.loop.deps.Bots.Bot(toBot)
	if !ok {
		return "", fmt.Errorf("unknown bot %q", toBot)
	}
	if toBot == inv.loop.Leader() {
		return "", fmt.Errorf("@%s is the leader and cannot be invoked; it already handles this room", toBot)
	}
	limit := 0
	if bot.Card != nil {
		limit = bot.Card.Capabilities.MaxConcurrentTasks
	}
	if !inv.reserve(toBot, limit) {
		return "", fmt.Errorf("@%s is already running %d tasks; try again when one finishes", toBot, limit)
	}

	roomID := tools.RoomIDFrom(ctx)
	origin := tools.OriginFrom(ctx)
	invocationID := inv.loop.nextInvocationID()

	runCtx, cancel := context.WithTimeout(context.Background(), invokeTimeout)
	inv.track(roomID, invocationID, cancel)

	inv.loop.deps.Memory.AppendEvent(ctx, roomID, fromBot, "handoff",
		fmt.Sprintf("%s → @%s: %s", fromBot, toBot, truncate(task, 300)))

	go func() {
		defer cancel()
		defer inv.untrack(roomID, invocationID)
		defer inv.release(toBot)

		room, ok := inv.loop.deps.Rooms.Get(roomID)
		if !ok {
			slog.Warn("invoker: room vanished", "invocation", invocationID, "room", roomID)
			return
		}

		sessionKey := sessions.InvokeKey(invocationID)
		prompt := fmt.Sprintf("@%s asked you to do the following task. Work it to completion and report the outcome.\n\nTask: %s", fromBot, task)

		run, err := inv.loop.runBot(runCtx, bot, room, sessionKey, prompt, runOpts{
			maxIterations: invokeMaxIterations,
			skipMemory:    true,
		})

		var announcement string
		if err != nil {
			slog.Warn("invoker: invocation failed", "invocation", invocationID, "bot", toBot, "error", err)
			announcement = fmt.Sprintf("@%s could not finish the task: %v", toBot, err)
		} else {
			announcement = fmt.Sprintf("@%s finished the task from @%s:\n\n%s", toBot, fromBot, run.text)
		}

		inv.loop.deps.Memory.AppendEvent(runCtx, roomID, toBot, "handoff",
			fmt.Sprintf("@%s completed invocation %s", toBot, invocationID))

		// Stale invocations from a /stop have no announcement to make.
		if runCtx.Err() != nil {
			slog.Info("invoker: invocation cancelled, dropping result", "invocation", invocationID)
			return
		}
		if origin.Channel == "" {
			slog.Debug("invoker: no origin, result stays in logs", "invocation", invocationID)
			return
		}

		inv.bus.PublishInbound(bus.MessageEnvelope{
			Channel:    bus.ChannelSystem,
			ChatID:     origin.Channel + ":" + origin.ChatID,
			RoomID:     roomID,
			SenderID:   toBot,
			SenderRole: bus.RoleSystem,
			Direction:  bus.DirectionInbound,
			Content:    announcement,
		})
	}()

	return invocationID, nil
}

// CancelRoom cancels all in-flight invocations for a room and returns how
// many were cancelled.
func (inv *Invoker) CancelRoom(roomID string) int {
	inv.mu.Lock()
	cancels := inv.running[roomID]
	delete(inv.running, roomID)
	inv.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	return len(cancels)
}

func (inv *Invoker) track(roomID, invocationID string, cancel context.CancelFunc) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.running[roomID] == nil {
		inv.running[roomID] = make(map[string]context.CancelFunc)
	}
	inv.running[roomID][invocationID] = cancel
}

func (inv *Invoker) untrack(roomID, invocationID string) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	delete(inv.running[roomID], invocationID)
	if len(inv.running[roomID]) == 0 {
		delete(inv.running, roomID)
	}
}

// reserve claims a concurrency slot for the bot. A limit of zero or less
// means unlimited; the slot is still counted so release stays symmetric.
func (inv *Invoker) reserve(botID string, limit int) bool {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if limit > 0 && inv.inUse[botID] >= limit {
		return false
	}
	inv.inUse[botID]++
	return true
}

func (inv *Invoker) release(botID string) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.inUse[botID]--; inv.inUse[botID] <= 0 {
		delete(inv.inUse, botID)
	}
}
