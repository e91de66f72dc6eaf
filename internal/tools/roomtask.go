package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/crewgate/crewgate/internal/rooms"
)

// RoomTaskTool manages the shared task board of the current room.
type RoomTaskTool struct {
	rooms *rooms.Manager
}

func NewRoomTaskTool(manager *rooms.Manager) *RoomTaskTool {
	return &RoomTaskTool{rooms: manager}
}

func (t *RoomTaskTool) Name() string { return "room_task" }
func (t *RoomTaskTool) Description() string {
	return "Manage the room task board: add, assign, set status, or list tasks"
}
func (t *RoomTaskTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"action": map[string]interface{}{
				"type":        "string",
				"enum":        []string{"add", "assign", "status", "list"},
				"description": "Operation to perform",
			},
			"title": map[string]interface{}{
				"type":        "string",
				"description": "Task title (add)",
			},
			"task_id": map[string]interface{}{
				"type":        "string",
				"description": "Task ID or unique prefix (assign, status)",
			},
			"owner": map[string]interface{}{
				"type":        "string",
				"description": "Bot to own the task (add, assign)",
			},
			"status": map[string]interface{}{
				"type":        "string",
				"enum":        []string{"todo", "in_progress", "done", "blocked"},
				"description": "New status (status)",
			},
			"priority": map[string]interface{}{
				"type":        "string",
				"description": "Task priority (add)",
			},
			"reason": map[string]interface{}{
				"type":        "string",
				"description": "Handoff reason (assign)",
			},
		},
		"required": []string{"action"},
	}
}

func (t *RoomTaskTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	roomID := RoomIDFrom(ctx)
	if roomID == "" {
		return ErrorResult("no room in context")
	}
	action, _ := args["action"].(string)

	switch action {
	case "add":
		title, _ := args["title"].(string)
		if strings.TrimSpace(title) == "" {
			return ErrorResult("title is required for add")
		}
		owner, _ := args["owner"].(string)
		if owner == "" {
			owner = BotIDFrom(ctx)
		}
		priority, _ := args["priority"].(string)
		task, err := t.rooms.AddTask(roomID, title, owner, priority, "")
		if err != nil {
			return ErrorResult(err.Error())
		}
		return SilentResult(fmt.Sprintf("task %s created: %q owned by %s", shortTaskID(task.ID), task.Title, task.Owner))

	case "assign":
		taskID, _ := args["task_id"].(string)
		owner, _ := args["owner"].(string)
		if taskID == "" || owner == "" {
			return ErrorResult("task_id and owner are required for assign")
		}
		reason, _ := args["reason"].(string)
		task, err := t.rooms.AssignTask(roomID, taskID, owner, reason)
		if err != nil {
			return ErrorResult(err.Error())
		}
		return SilentResult(fmt.Sprintf("task %s assigned to %s", shortTaskID(task.ID), task.Owner))

	case "status":
		taskID, _ := args["task_id"].(string)
		status, _ := args["status"].(string)
		if taskID == "" || status == "" {
			return ErrorResult("task_id and status are required for status")
		}
		task, err := t.rooms.UpdateTaskStatus(roomID, taskID, rooms.TaskStatus(status))
		if err != nil {
			return ErrorResult(err.Error())
		}
		return SilentResult(fmt.Sprintf("task %s is now %s", shortTaskID(task.ID), task.Status))

	case "list":
		tasks, err := t.rooms.Tasks(roomID)
		if err != nil {
			return ErrorResult(err.Error())
		}
		if len(tasks) == 0 {
			return SilentResult("No tasks in this room.")
		}
		var b strings.Builder
		for _, task := range tasks {
			fmt.Fprintf(&b, "- [%s] %s (%s, owner: %s", shortTaskID(task.ID), task.Title, task.Status, task.Owner)
			if n := len(task.Handoffs); n > 0 {
				fmt.Fprintf(&b, ", handoffs: %d", n)
			}
			b.WriteString(")\n")
		}
		return SilentResult(b.String())

	default:
		return ErrorResult(fmt.Sprintf("unknown action: %s", action))
	}
}

func shortTaskID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
