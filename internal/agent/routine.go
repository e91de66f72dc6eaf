package agent

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/crewgate/crewgate/internal/rooms"
	"github.com/crewgate/crewgate/internal/sessions"
)

// RunRoutine executes one scheduled tick for a bot. Each routine keeps its
// own session so tick history never bleeds into room conversations. The
// result lands in room memory; routines that should notify a chat use the
// message tool themselves.
func (l *Loop) RunRoutine(ctx context.Context, botID, routineID, prompt string) error {
	bot, ok := l.deps.Bots.Bot(botID)
	if !ok {
		return fmt.Errorf("agent: unknown bot %q for routine %s", botID, routineID)
	}
	if bot.Card != nil && !bot.Card.Capabilities.CanDoHeartbeat {
		return fmt.Errorf("agent: bot %q has scheduled ticks disabled by its role card", botID)
	}
	room, ok := l.deps.Rooms.Get(rooms.GeneralRoomID)
	if !ok {
		return fmt.Errorf("agent: general room missing")
	}

	sessionKey := sessions.RoutineKey(botID, routineID)
	run, err := l.runBot(ctx, bot, room, sessionKey, prompt, runOpts{
		extraPrompt: "This is a scheduled routine tick, not a user message. Work the task and keep the result short.",
	})
	if err != nil {
		return err
	}

	summary := truncate(run.text, 500)
	if summary == "" {
		summary = "(no output)"
	}
	l.deps.Memory.AppendEvent(ctx, room.ID, botID, "routine",
		fmt.Sprintf("routine %s: %s", routineID, summary))

	slog.Debug("agent: routine tick done", "bot", botID, "routine", routineID, "sent", run.sent)
	return nil
}

// RecordMistake notes a recurring failure against the bot's long-term memory
// so future prompts can steer around it.
func (l *Loop) RecordMistake(ctx context.Context, botID, content string) {
	if l.deps.Memory == nil {
		return
	}
	if err := l.deps.Memory.RecordLearning(ctx, botID, "mistakes", content); err != nil {
		slog.Warn("agent: recording mistake failed", "bot", botID, "error", err)
	}
}
