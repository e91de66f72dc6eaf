package tools

import (
	"context"
	"fmt"
	"strings"
)

// Sender delivers a message to a chat destination mid-turn.
type Sender interface {
	SendMessage(ctx context.Context, destination, content string) error
}

// MessageTool lets a bot push a message to the user before the turn finishes.
// A successful send marks the turn so the agent loop can skip the duplicate
// final reply.
type MessageTool struct {
	sender Sender
}

func NewMessageTool(sender Sender) *MessageTool {
	return &MessageTool{sender: sender}
}

func (t *MessageTool) Name() string { return "message" }
func (t *MessageTool) Description() string {
	return "Send a message to the user immediately, before the turn ends"
}
func (t *MessageTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"content": map[string]interface{}{
				"type":        "string",
				"description": "Message text to deliver",
			},
			"destination": map[string]interface{}{
				"type":        "string",
				"description": "Optional channel destination; defaults to the current conversation",
			},
		},
		"required": []string{"content"},
	}
}

func (t *MessageTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	content, _ := args["content"].(string)
	if strings.TrimSpace(content) == "" {
		return ErrorResult("content is required")
	}
	destination, _ := args["destination"].(string)

	if err := t.sender.SendMessage(ctx, destination, content); err != nil {
		return ErrorResult(fmt.Sprintf("send failed: %v", err))
	}
	sentInTurnFrom(ctx).Mark()
	return SilentResult("message sent")
}
