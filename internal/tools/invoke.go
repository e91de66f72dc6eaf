package tools

import (
	"context"
	"fmt"
	"strings"
)

// Invoker starts an asynchronous bot-to-bot task. Implemented by the agent
// layer; defined here to keep the dependency pointing inward.
type Invoker interface {
	Invoke(ctx context.Context, fromBot, toBot, task string) (invocationID string, err error)
	ListBots() []string
}

// InvokeBotTool delegates a task to another bot. The target runs on its own
// session and announces its result back into the originating room.
type InvokeBotTool struct {
	invoker Invoker
}

func NewInvokeBotTool(invoker Invoker) *InvokeBotTool {
	return &InvokeBotTool{invoker: invoker}
}

func (t *InvokeBotTool) Name() string { return "invoke_bot" }
func (t *InvokeBotTool) Description() string {
	return "Delegate a task to another bot; it works asynchronously and reports back"
}
func (t *InvokeBotTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"bot": map[string]interface{}{
				"type":        "string",
				"description": "Name of the bot to invoke",
			},
			"task": map[string]interface{}{
				"type":        "string",
				"description": "Task description for the invoked bot",
			},
		},
		"required": []string{"bot", "task"},
	}
}

func (t *InvokeBotTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	bot, _ := args["bot"].(string)
	task, _ := args["task"].(string)
	if bot == "" || strings.TrimSpace(task) == "" {
		return ErrorResult("bot and task are required")
	}

	fromBot := BotIDFrom(ctx)
	if fromBot == bot {
		return ErrorResult("a bot cannot invoke itself")
	}

	id, err := t.invoker.Invoke(ctx, fromBot, bot, task)
	if err != nil {
		known := strings.Join(t.invoker.ListBots(), ", ")
		return ErrorResult(fmt.Sprintf("invoke failed: %v (known bots: %s)", err, known))
	}
	return AsyncResult(fmt.Sprintf("invocation %s started: @%s is working on the task and will report back", id, bot))
}
