package agent

import (
	"fmt"
	"sort"
	"strings"

	"github.com/crewgate/crewgate/internal/identity"
	"github.com/crewgate/crewgate/internal/rooms"
)

// PromptConfig collects everything the system prompt is assembled from.
type PromptConfig struct {
	Bot           *identity.Bot
	Room          *rooms.Room
	Workspace     string
	ToolNames     []string
	MemoryContext string
	MCPServers    []string
	Extra         string
}

// BuildSystemPrompt assembles the per-bot system prompt: persona files first,
// then room context, then operating rules.
func BuildSystemPrompt(cfg PromptConfig) string {
	var b strings.Builder

	bot := cfg.Bot
	b.WriteString(fmt.Sprintf("You are %s %s, a bot in a multi-agent workspace.\n\n",
		bot.Emoji(), bot.DisplayName()))

	if bot.Soul != "" {
		b.WriteString("# Your Soul\n\n")
		b.WriteString(strings.TrimSpace(bot.Soul))
		b.WriteString("\n\n")
	}
	if bot.Identity != "" {
		b.WriteString("# Your Identity\n\n")
		b.WriteString(strings.TrimSpace(bot.Identity))
		b.WriteString("\n\n")
	}
	if bot.Role != "" {
		b.WriteString("# Your Role\n\n")
		b.WriteString(strings.TrimSpace(bot.Role))
		b.WriteString("\n\n")
	}

	if cfg.Room != nil {
		b.WriteString(fmt.Sprintf("# Current Room\n\nYou are in room %q (%s).\n", cfg.Room.Name, cfg.Room.ID))
		others := otherParticipants(cfg.Room, bot.Name)
		if len(others) > 0 {
			b.WriteString("Other participants: " + strings.Join(others, ", ") + ".\n")
		}
		if len(cfg.Room.SharedContext) > 0 {
			b.WriteString("\nShared room context:\n")
			keys := make([]string, 0, len(cfg.Room.SharedContext))
			for k := range cfg.Room.SharedContext {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				b.WriteString(fmt.Sprintf("- %s: %s\n", k, cfg.Room.SharedContext[k]))
			}
		}
		b.WriteString("\n")
	}

	if cfg.MemoryContext != "" {
		b.WriteString("# Memory\n\n")
		b.WriteString(strings.TrimSpace(cfg.MemoryContext))
		b.WriteString("\n\n")
	}

	if cfg.Workspace != "" {
		b.WriteString(fmt.Sprintf("Your workspace directory is %s.\n", cfg.Workspace))
	}
	if len(cfg.ToolNames) > 0 {
		b.WriteString("Available tools: " + strings.Join(cfg.ToolNames, ", ") + ".\n")
	}
	if len(cfg.MCPServers) > 0 {
		b.WriteString("Connected MCP servers: " + strings.Join(cfg.MCPServers, ", ") + ".\n")
	}

	b.WriteString("\n# Rules\n\n")
	b.WriteString("- Secrets appear as {{symbolic_references}}. Use them verbatim in tool arguments; never ask for or repeat raw credentials.\n")
	b.WriteString("- Reply NO_REPLY if the message needs no answer from you.\n")
	b.WriteString("- Use invoke_bot to delegate work that fits another bot better.\n")
	b.WriteString("- Keep replies conversational and appropriately short for chat.\n")

	if cfg.Extra != "" {
		b.WriteString("\n")
		b.WriteString(strings.TrimSpace(cfg.Extra))
		b.WriteString("\n")
	}
	return b.String()
}

func otherParticipants(room *rooms.Room, self string) []string {
	var others []string
	for _, p := range room.Participants {
		if p != self {
			others = append(others, "@"+p)
		}
	}
	sort.Strings(others)
	return others
}
