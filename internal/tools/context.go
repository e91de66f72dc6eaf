package tools

import (
	"context"
	"sync/atomic"
)

type contextKey string

const (
	roomIDKey     contextKey = "room_id"
	botIDKey      contextKey = "bot_id"
	originKey     contextKey = "origin"
	sentInTurnKey contextKey = "sent_in_turn"
)

// Origin is the channel conversation a turn came from, carried through the
// context so async tools can announce results back to it.
type Origin struct {
	Channel string
	ChatID  string
}

func WithOrigin(ctx context.Context, origin Origin) context.Context {
	return context.WithValue(ctx, originKey, origin)
}

func OriginFrom(ctx context.Context) Origin {
	if v, ok := ctx.Value(originKey).(Origin); ok {
		return v
	}
	return Origin{}
}

// WithRoomID tags a tool-execution context with the room it runs in.
func WithRoomID(ctx context.Context, roomID string) context.Context {
	return context.WithValue(ctx, roomIDKey, roomID)
}

func RoomIDFrom(ctx context.Context) string {
	if v, ok := ctx.Value(roomIDKey).(string); ok {
		return v
	}
	return ""
}

// WithBotID tags a tool-execution context with the executing bot.
func WithBotID(ctx context.Context, botID string) context.Context {
	return context.WithValue(ctx, botIDKey, botID)
}

func BotIDFrom(ctx context.Context) string {
	if v, ok := ctx.Value(botIDKey).(string); ok {
		return v
	}
	return ""
}

// SentInTurn tracks whether a message tool already delivered output to the
// user during the current agent turn, so the loop can suppress a duplicate
// final reply. Tool calls may run in parallel goroutines, so the flag is
// atomic.
type SentInTurn struct {
	sent atomic.Bool
}

func WithSentInTurn(ctx context.Context) (context.Context, *SentInTurn) {
	s := &SentInTurn{}
	return context.WithValue(ctx, sentInTurnKey, s), s
}

func (s *SentInTurn) Mark() {
	if s != nil {
		s.sent.Store(true)
	}
}

func (s *SentInTurn) Sent() bool {
	return s != nil && s.sent.Load()
}

func sentInTurnFrom(ctx context.Context) *SentInTurn {
	s, _ := ctx.Value(sentInTurnKey).(*SentInTurn)
	return s
}
