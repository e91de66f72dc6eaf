package rooms

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DMLogEntry is one line of a bot-pair conversation log.
type DMLogEntry struct {
	Timestamp string `json:"timestamp"`
	Sender    string `json:"sender"`
	Content   string `json:"content"`
}

// AppendDMLog appends one line to the pair's JSONL log. The file name uses
// sorted names so both directions land in the same file.
func (m *Manager) AppendDMLog(a, b, sender, content string) error {
	id := GenerateDMRoomID(a, b)
	path := filepath.Join(m.dir, id+".jsonl")

	entry := DMLogEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Sender:    sender,
		Content:   content,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("rooms: open dm log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("rooms: append dm log: %w", err)
	}
	return nil
}
