package mcp

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/crewgate/crewgate/internal/tools"
)

// BridgeTool exposes one remote MCP tool through the local tool interface.
type BridgeTool struct {
	server     string
	remote     mcpgo.Tool
	client     *mcpclient.Client
	name       string
	timeoutSec int
	connected  *atomic.Bool
}

func newBridgeTool(server string, remote mcpgo.Tool, client *mcpclient.Client, prefix string, timeoutSec int, connected *atomic.Bool) *BridgeTool {
	if prefix == "" {
		prefix = "mcp_" + server + "_"
	}
	return &BridgeTool{
		server:     server,
		remote:     remote,
		client:     client,
		name:       prefix + remote.Name,
		timeoutSec: timeoutSec,
		connected:  connected,
	}
}

func (t *BridgeTool) Name() string { return t.name }

// OriginalName is the tool's name on the remote server, before prefixing.
func (t *BridgeTool) OriginalName() string { return t.remote.Name }

func (t *BridgeTool) Description() string {
	desc := t.remote.Description
	if desc == "" {
		desc = "Remote tool " + t.remote.Name
	}
	return fmt.Sprintf("[%s] %s", t.server, desc)
}

func (t *BridgeTool) Parameters() map[string]interface{} {
	schema := map[string]interface{}{
		"type": "object",
	}
	if t.remote.InputSchema.Type != "" {
		schema["type"] = t.remote.InputSchema.Type
	}
	if len(t.remote.InputSchema.Properties) > 0 {
		schema["properties"] = t.remote.InputSchema.Properties
	}
	if len(t.remote.InputSchema.Required) > 0 {
		schema["required"] = t.remote.InputSchema.Required
	}
	return schema
}

func (t *BridgeTool) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	if !t.connected.Load() {
		return tools.ErrorResult(fmt.Sprintf("MCP server %s is not connected", t.server))
	}

	callCtx, cancel := context.WithTimeout(ctx, time.Duration(t.timeoutSec)*time.Second)
	defer cancel()

	req := mcpgo.CallToolRequest{}
	req.Params.Name = t.remote.Name
	req.Params.Arguments = args

	result, err := t.client.CallTool(callCtx, req)
	if err != nil {
		return tools.ErrorResult(fmt.Sprintf("MCP call failed: %v", err))
	}

	var parts []string
	for _, content := range result.Content {
		if text, ok := content.(mcpgo.TextContent); ok {
			parts = append(parts, text.Text)
		}
	}
	output := strings.Join(parts, "\n")
	if output == "" {
		output = "(no output)"
	}
	if result.IsError {
		return tools.ErrorResult(output)
	}
	return tools.SilentResult(output)
}
