package memory

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Event is one observation appended to a room's long-term record.
type Event struct {
	ID      int64     `json:"id"`
	RoomID  string    `json:"room_id"`
	BotID   string    `json:"bot_id"`
	Kind    string    `json:"kind"` // "message", "decision", "mistake", "handoff"
	Content string    `json:"content"`
	Created time.Time `json:"created"`
}

// Learning is a durable takeaway recorded by a bot.
type Learning struct {
	ID      int64     `json:"id"`
	BotID   string    `json:"bot_id"`
	Topic   string    `json:"topic"`
	Content string    `json:"content"`
	Created time.Time `json:"created"`
}

// Facade is the long-term memory layer over SQLite. All operations are
// best-effort: a broken memory database degrades to warnings, never to a
// failed conversation turn.
type Facade struct {
	db         *sql.DB
	maxResults int
}

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	room_id TEXT NOT NULL,
	bot_id TEXT NOT NULL DEFAULT '',
	kind TEXT NOT NULL,
	content TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_room ON events(room_id, created_at);

CREATE TABLE IF NOT EXISTS learnings (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	bot_id TEXT NOT NULL,
	topic TEXT NOT NULL,
	content TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_learnings_bot ON learnings(bot_id, created_at);
`

// Open opens (or creates) the memory database at path.
func Open(path string, maxResults int) (*Facade, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("memory: create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("memory: open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("memory: apply schema: %w", err)
	}

	if maxResults <= 0 {
		maxResults = 6
	}
	return &Facade{db: db, maxResults: maxResults}, nil
}

func (f *Facade) Close() error {
	if f == nil {
		return nil
	}
	return f.db.Close()
}

// AppendEvent records an observation. Failures are logged, not returned.
// A nil facade (memory disabled) is a no-op.
func (f *Facade) AppendEvent(ctx context.Context, roomID, botID, kind, content string) {
	if f == nil {
		return
	}
	_, err := f.db.ExecContext(ctx,
		`INSERT INTO events (room_id, bot_id, kind, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		roomID, botID, kind, content, time.Now().UnixMilli())
	if err != nil {
		slog.Warn("memory: append event failed", "room", roomID, "kind", kind, "error", err)
	}
}

// RecordLearning stores a durable takeaway for a bot.
func (f *Facade) RecordLearning(ctx context.Context, botID, topic, content string) error {
	if f == nil {
		return nil
	}
	_, err := f.db.ExecContext(ctx,
		`INSERT INTO learnings (bot_id, topic, content, created_at) VALUES (?, ?, ?, ?)`,
		botID, topic, content, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("memory: record learning: %w", err)
	}
	return nil
}

// RecentEvents returns the latest events for a room, oldest first.
func (f *Facade) RecentEvents(ctx context.Context, roomID string, limit int) ([]Event, error) {
	if f == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = f.maxResults
	}
	rows, err := f.db.QueryContext(ctx,
		`SELECT id, room_id, bot_id, kind, content, created_at
		 FROM events WHERE room_id = ? ORDER BY created_at DESC LIMIT ?`,
		roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("memory: query events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var ms int64
		if err := rows.Scan(&e.ID, &e.RoomID, &e.BotID, &e.Kind, &e.Content, &ms); err != nil {
			return nil, err
		}
		e.Created = time.UnixMilli(ms)
		out = append(out, e)
	}
	// Reverse to chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, rows.Err()
}

// Learnings returns a bot's learnings, optionally filtered by topic substring.
func (f *Facade) Learnings(ctx context.Context, botID, topic string, limit int) ([]Learning, error) {
	if f == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = f.maxResults
	}
	query := `SELECT id, bot_id, topic, content, created_at FROM learnings WHERE bot_id = ?`
	args := []interface{}{botID}
	if topic != "" {
		query += ` AND topic LIKE ?`
		args = append(args, "%"+topic+"%")
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := f.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("memory: query learnings: %w", err)
	}
	defer rows.Close()

	var out []Learning
	for rows.Next() {
		var l Learning
		var ms int64
		if err := rows.Scan(&l.ID, &l.BotID, &l.Topic, &l.Content, &ms); err != nil {
			return nil, err
		}
		l.Created = time.UnixMilli(ms)
		out = append(out, l)
	}
	return out, rows.Err()
}

// AssembleContext builds the memory block injected into a bot's system
// prompt: recent room events plus the bot's own learnings. Returns "" when
// there is nothing worth injecting or the database is unavailable.
func (f *Facade) AssembleContext(ctx context.Context, roomID, botID string) string {
	if f == nil {
		return ""
	}
	var b strings.Builder

	events, err := f.RecentEvents(ctx, roomID, f.maxResults)
	if err != nil {
		slog.Warn("memory: context assembly skipped events", "room", roomID, "error", err)
	} else if len(events) > 0 {
		b.WriteString("## Recent room events\n")
		for _, e := range events {
			fmt.Fprintf(&b, "- [%s] %s: %s\n", e.Kind, e.BotID, truncate(e.Content, 300))
		}
	}

	learnings, err := f.Learnings(ctx, botID, "", f.maxResults)
	if err != nil {
		slog.Warn("memory: context assembly skipped learnings", "bot", botID, "error", err)
	} else if len(learnings) > 0 {
		b.WriteString("## Learnings\n")
		for _, l := range learnings {
			fmt.Fprintf(&b, "- %s: %s\n", l.Topic, truncate(l.Content, 300))
		}
	}
	return b.String()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
