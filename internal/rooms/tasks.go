package rooms

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AddTask appends a new task to a room.
func (m *Manager) AddTask(roomID, title, owner, priority, dueDate string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[roomID]
	if !ok {
		return nil, fmt.Errorf("rooms: unknown room %q", roomID)
	}

	t := &Task{
		ID:       uuid.NewString(),
		Title:    title,
		Owner:    owner,
		Status:   TaskTodo,
		Priority: priority,
		DueDate:  dueDate,
		Created:  time.Now(),
		Updated:  time.Now(),
	}
	r.Tasks = append(r.Tasks, t)
	r.Updated = time.Now()
	if err := m.persistRoom(r); err != nil {
		return nil, err
	}
	cp := *t
	return &cp, nil
}

// findTask locates a task by full ID or unique prefix. Caller holds the lock.
func (m *Manager) findTask(r *Room, idOrPrefix string) (*Task, error) {
	var match *Task
	for _, t := range r.Tasks {
		if t.ID == idOrPrefix {
			return t, nil
		}
		if strings.HasPrefix(t.ID, idOrPrefix) {
			if match != nil {
				return nil, fmt.Errorf("rooms: task prefix %q is ambiguous", idOrPrefix)
			}
			match = t
		}
	}
	if match == nil {
		return nil, fmt.Errorf("rooms: no task matching %q", idOrPrefix)
	}
	return match, nil
}

// UpdateTaskStatus changes a task's status.
func (m *Manager) UpdateTaskStatus(roomID, taskID string, status TaskStatus) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[roomID]
	if !ok {
		return nil, fmt.Errorf("rooms: unknown room %q", roomID)
	}
	t, err := m.findTask(r, taskID)
	if err != nil {
		return nil, err
	}
	t.Status = status
	t.Updated = time.Now()
	r.Updated = time.Now()
	if err := m.persistRoom(r); err != nil {
		return nil, err
	}
	cp := *t
	return &cp, nil
}

// AssignTask changes a task's owner, appending exactly one handoff record.
func (m *Manager) AssignTask(roomID, taskID, newOwner, reason string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[roomID]
	if !ok {
		return nil, fmt.Errorf("rooms: unknown room %q", roomID)
	}
	t, err := m.findTask(r, taskID)
	if err != nil {
		return nil, err
	}
	if t.Owner == newOwner {
		cp := *t
		return &cp, nil
	}

	t.Handoffs = append(t.Handoffs, Handoff{
		From:      t.Owner,
		To:        newOwner,
		Reason:    reason,
		Timestamp: time.Now(),
	})
	t.Owner = newOwner
	t.Updated = time.Now()
	r.Updated = time.Now()
	if err := m.persistRoom(r); err != nil {
		return nil, err
	}
	cp := *t
	return &cp, nil
}

// Tasks returns a copy of a room's tasks.
func (m *Manager) Tasks(roomID string) ([]*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.rooms[roomID]
	if !ok {
		return nil, fmt.Errorf("rooms: unknown room %q", roomID)
	}
	out := make([]*Task, 0, len(r.Tasks))
	for _, t := range r.Tasks {
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

// BlockInProgress marks every in-progress task in a room as blocked and
// returns how many were changed. Used by /stop.
func (m *Manager) BlockInProgress(roomID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[roomID]
	if !ok {
		return 0, fmt.Errorf("rooms: unknown room %q", roomID)
	}

	blocked := 0
	for _, t := range r.Tasks {
		if t.Status == TaskInProgress {
			t.Status = TaskBlocked
			t.Updated = time.Now()
			blocked++
		}
	}
	if blocked > 0 {
		r.Updated = time.Now()
		if err := m.persistRoom(r); err != nil {
			return blocked, err
		}
	}
	return blocked, nil
}
