package audit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Entry is one audit line. Key references are always symbolic; a concrete
// secret must never reach this package.
type Entry struct {
	Timestamp  string            `json:"timestamp"`
	Operation  string            `json:"operation"`
	KeyRef     string            `json:"key_ref,omitempty"`
	Success    bool              `json:"success"`
	DurationMS int64             `json:"duration_ms"`
	RoomID     string            `json:"room_id,omitempty"`
	Error      string            `json:"error,omitempty"`
	Details    map[string]string `json:"details,omitempty"`
}

// Log is an append-only JSONL audit trail for secret operations. One line
// per operation; the file is created 0600 and never rewritten.
type Log struct {
	mu   sync.Mutex
	path string
}

func New(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("audit: create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("audit: open log: %w", err)
	}
	f.Close()
	return &Log{path: path}, nil
}

// Record appends one entry. A missing timestamp is filled with the current
// time in RFC3339 UTC. Failures are logged and swallowed so an unwritable
// audit file never blocks a secret operation.
func (l *Log) Record(e Entry) {
	if e.Timestamp == "" {
		e.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}

	data, err := json.Marshal(e)
	if err != nil {
		slog.Warn("audit: marshal entry failed", "operation", e.Operation, "error", err)
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		slog.Warn("audit: open log failed", "path", l.path, "error", err)
		return
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		slog.Warn("audit: write entry failed", "path", l.path, "error", err)
	}
}

// Op is a convenience wrapper timing an operation and recording its outcome.
func (l *Log) Op(operation, keyRef, roomID string, fn func() error) error {
	start := time.Now()
	err := fn()

	e := Entry{
		Operation:  operation,
		KeyRef:     keyRef,
		RoomID:     roomID,
		Success:    err == nil,
		DurationMS: time.Since(start).Milliseconds(),
	}
	if err != nil {
		e.Error = err.Error()
	}
	l.Record(e)
	return err
}

// Tail reads the last n entries, oldest first. Malformed lines are skipped.
func (l *Log) Tail(n int) ([]Entry, error) {
	l.mu.Lock()
	data, err := os.ReadFile(l.path)
	l.mu.Unlock()
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("audit: read log: %w", err)
	}

	var entries []Entry
	start := 0
	for i := 0; i <= len(data); i++ {
		if i == len(data) || data[i] == '\n' {
			if i > start {
				var e Entry
				if err := json.Unmarshal(data[start:i], &e); err == nil {
					entries = append(entries, e)
				}
			}
			start = i + 1
		}
	}
	if n > 0 && len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	return entries, nil
}
