package rooms

import (
	"crypto/rand"
	"fmt"
	"sort"
	"strings"
	"time"
)

// RoomType classifies what a room is for.
type RoomType string

const (
	TypeOpen         RoomType = "open"
	TypeProject      RoomType = "project"
	TypeDirect       RoomType = "direct"
	TypeCoordination RoomType = "coordination"
)

// GeneralRoomID is the process-wide default room, guaranteed to exist.
const GeneralRoomID = "general"

// Room is a durable conversation context with a fixed set of bot
// participants and zero or more channel mappings.
type Room struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Type          RoomType          `json:"type"`
	Owner         string            `json:"owner,omitempty"`
	Participants  []string          `json:"participants"`
	Tasks         []*Task           `json:"tasks,omitempty"`
	SharedContext map[string]string `json:"shared_context,omitempty"`
	Created       time.Time         `json:"created"`
	Updated       time.Time         `json:"updated"`
}

// HasParticipant reports whether bot is in the room.
func (r *Room) HasParticipant(bot string) bool {
	for _, p := range r.Participants {
		if p == bot {
			return true
		}
	}
	return false
}

// TaskStatus is the lifecycle state of a RoomTask.
type TaskStatus string

const (
	TaskTodo       TaskStatus = "todo"
	TaskInProgress TaskStatus = "in_progress"
	TaskDone       TaskStatus = "done"
	TaskBlocked    TaskStatus = "blocked"
)

// Task is a unit of room work with an audit trail of owner changes.
type Task struct {
	ID       string     `json:"id"`
	Title    string     `json:"title"`
	Owner    string     `json:"owner"`
	Status   TaskStatus `json:"status"`
	Priority string     `json:"priority,omitempty"` // "low", "normal", "high"
	DueDate  string     `json:"due_date,omitempty"`
	Handoffs []Handoff  `json:"handoffs,omitempty"`
	Created  time.Time  `json:"created"`
	Updated  time.Time  `json:"updated"`
}

// Handoff is an immutable record of a task changing owner.
type Handoff struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// shortIDAlphabet avoids characters that read ambiguously in chat.
const shortIDAlphabet = "abcdefghijklmnopqrstuvwxyz234567"

// NewShortID returns an 8-character collision-resistant room ID prefix.
func NewShortID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		// Fall back to a time-derived ID; collisions handled by the caller.
		return fmt.Sprintf("%08x", time.Now().UnixNano())[:8]
	}
	for i, b := range buf {
		buf[i] = shortIDAlphabet[int(b)%len(shortIDAlphabet)]
	}
	return string(buf)
}

// Slugify turns a room name into a lowercase id segment.
func Slugify(name string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.Trim(b.String(), "-")
}

// GenerateDMRoomID builds the deterministic room ID for a bot pair.
// The names are sorted so (a, b) and (b, a) yield the same ID.
func GenerateDMRoomID(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return fmt.Sprintf("dm-%s-%s", pair[0], pair[1])
}
