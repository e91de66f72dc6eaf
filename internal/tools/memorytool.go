package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/crewgate/crewgate/internal/memory"
)

// MemoryTool records and recalls durable learnings.
type MemoryTool struct {
	store *memory.Facade
}

func NewMemoryTool(store *memory.Facade) *MemoryTool {
	return &MemoryTool{store: store}
}

func (t *MemoryTool) Name() string { return "memory" }
func (t *MemoryTool) Description() string {
	return "Record a learning for later sessions, or recall learnings by topic"
}
func (t *MemoryTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"action": map[string]interface{}{
				"type":        "string",
				"enum":        []string{"record", "recall"},
				"description": "Operation to perform",
			},
			"topic": map[string]interface{}{
				"type":        "string",
				"description": "Topic of the learning",
			},
			"content": map[string]interface{}{
				"type":        "string",
				"description": "The learning itself (record)",
			},
		},
		"required": []string{"action", "topic"},
	}
}

func (t *MemoryTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	botID := BotIDFrom(ctx)
	action, _ := args["action"].(string)
	topic, _ := args["topic"].(string)
	if topic == "" {
		return ErrorResult("topic is required")
	}

	switch action {
	case "record":
		content, _ := args["content"].(string)
		if strings.TrimSpace(content) == "" {
			return ErrorResult("content is required for record")
		}
		if err := t.store.RecordLearning(ctx, botID, topic, content); err != nil {
			return ErrorResult(fmt.Sprintf("record failed: %v", err))
		}
		return SilentResult(fmt.Sprintf("learning recorded under %q", topic))

	case "recall":
		learnings, err := t.store.Learnings(ctx, botID, topic, 10)
		if err != nil {
			return ErrorResult(fmt.Sprintf("recall failed: %v", err))
		}
		if len(learnings) == 0 {
			return SilentResult(fmt.Sprintf("no learnings recorded for %q", topic))
		}
		var b strings.Builder
		for _, l := range learnings {
			fmt.Fprintf(&b, "- [%s] %s\n", l.Topic, l.Content)
		}
		return SilentResult(b.String())

	default:
		return ErrorResult(fmt.Sprintf("unknown action: %s", action))
	}
}
