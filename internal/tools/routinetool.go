package tools

import (
	"context"
	"fmt"
	"strings"
)

// Scheduler is the routine service seen from the tool layer.
type Scheduler interface {
	AddRoutine(botID, name, schedule, prompt string) (string, error)
	RemoveRoutine(botID, routineID string) error
	EnableRoutine(botID, routineID string, enabled bool) error
	TriggerNow(botID, routineID string) error
	ListRoutines(botID string) string
}

// RoutineTool lets a bot manage its own scheduled routines.
type RoutineTool struct {
	scheduler Scheduler
}

func NewRoutineTool(scheduler Scheduler) *RoutineTool {
	return &RoutineTool{scheduler: scheduler}
}

func (t *RoutineTool) Name() string { return "routine" }
func (t *RoutineTool) Description() string {
	return "Manage scheduled routines: add, remove, enable, disable, trigger, or list"
}
func (t *RoutineTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"action": map[string]interface{}{
				"type":        "string",
				"enum":        []string{"add", "remove", "enable", "disable", "trigger", "list"},
				"description": "Operation to perform",
			},
			"name": map[string]interface{}{
				"type":        "string",
				"description": "Routine name (add)",
			},
			"schedule": map[string]interface{}{
				"type":        "string",
				"description": "Cron expression or interval like 'every 30m' (add)",
			},
			"prompt": map[string]interface{}{
				"type":        "string",
				"description": "Prompt the routine runs with (add)",
			},
			"routine_id": map[string]interface{}{
				"type":        "string",
				"description": "Routine to operate on (remove, enable, disable, trigger)",
			},
		},
		"required": []string{"action"},
	}
}

func (t *RoutineTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	botID := BotIDFrom(ctx)
	if botID == "" {
		return ErrorResult("no bot in context")
	}
	action, _ := args["action"].(string)
	routineID, _ := args["routine_id"].(string)

	switch action {
	case "add":
		name, _ := args["name"].(string)
		schedule, _ := args["schedule"].(string)
		prompt, _ := args["prompt"].(string)
		if name == "" || schedule == "" || strings.TrimSpace(prompt) == "" {
			return ErrorResult("name, schedule and prompt are required for add")
		}
		id, err := t.scheduler.AddRoutine(botID, name, schedule, prompt)
		if err != nil {
			return ErrorResult(err.Error())
		}
		return SilentResult(fmt.Sprintf("routine %s scheduled (%s)", id, schedule))

	case "remove":
		if routineID == "" {
			return ErrorResult("routine_id is required")
		}
		if err := t.scheduler.RemoveRoutine(botID, routineID); err != nil {
			return ErrorResult(err.Error())
		}
		return SilentResult("routine removed")

	case "enable", "disable":
		if routineID == "" {
			return ErrorResult("routine_id is required")
		}
		if err := t.scheduler.EnableRoutine(botID, routineID, action == "enable"); err != nil {
			return ErrorResult(err.Error())
		}
		return SilentResult(fmt.Sprintf("routine %sd", action))

	case "trigger":
		if routineID == "" {
			return ErrorResult("routine_id is required")
		}
		if err := t.scheduler.TriggerNow(botID, routineID); err != nil {
			return ErrorResult(err.Error())
		}
		return AsyncResult("routine triggered; it runs in the background")

	case "list":
		return SilentResult(t.scheduler.ListRoutines(botID))

	default:
		return ErrorResult(fmt.Sprintf("unknown action: %s", action))
	}
}
