package tools

import (
	"context"
	"fmt"
	"sort"

	"github.com/crewgate/crewgate/internal/identity"
	"github.com/crewgate/crewgate/internal/providers"
)

// Tool is one operation the LLM may request.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) *Result
}

// CredentialTool is implemented by tools that resolve a vault key internally.
// The declared ref is what the audit log records for their executions.
type CredentialTool interface {
	Tool
	KeyRef() string
}

// Registry maps tool names to instances and exposes their schemas to the
// provider layer.
type Registry struct {
	tools     map[string]Tool
	overrides map[string]string // description overrides from custom entries
}

func NewRegistry() *Registry {
	return &Registry{
		tools:     make(map[string]Tool),
		overrides: make(map[string]string),
	}
}

func (r *Registry) Register(t Tool) {
	r.tools[t.Name()] = t
}

func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

func (r *Registry) Unregister(name string) {
	delete(r.tools, name)
	delete(r.overrides, name)
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Definitions returns provider-shaped schemas for all tools, sorted by name
// so prompts stay stable across runs.
func (r *Registry) Definitions() []providers.ToolDefinition {
	defs := make([]providers.ToolDefinition, 0, len(r.tools))
	for _, name := range r.Names() {
		t := r.tools[name]
		desc := t.Description()
		if override, ok := r.overrides[name]; ok {
			desc = override
		}
		defs = append(defs, providers.ToolDefinition{
			Type: "function",
			Function: providers.ToolFunctionSchema{
				Name:        name,
				Description: desc,
				Parameters:  t.Parameters(),
			},
		})
	}
	return defs
}

// Execute runs a tool by name.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]interface{}) *Result {
	t, ok := r.tools[name]
	if !ok {
		return ErrorResult(fmt.Sprintf("unknown tool: %s", name))
	}
	return t.Execute(ctx, args)
}

// FilterFor produces a registry restricted by a bot's tool permissions.
// A tool is visible iff permissions allow it; custom entries override the
// visible description.
func (r *Registry) FilterFor(perms *identity.ToolPermissions) *Registry {
	filtered := NewRegistry()
	for name, t := range r.tools {
		if !perms.IsAllowed(name) {
			continue
		}
		filtered.tools[name] = t
		if desc, ok := r.overrides[name]; ok {
			filtered.overrides[name] = desc
		}
		if desc, ok := perms.Description(name); ok {
			filtered.overrides[name] = desc
		}
	}
	return filtered
}

// capabilityGates maps tool names to the role-card flag that governs them.
// Unlisted tools are not capability-gated.
var capabilityGates = map[string]func(identity.Capabilities) bool{
	"invoke_bot":   func(c identity.Capabilities) bool { return c.CanInvokeBots },
	"web_search":   func(c identity.Capabilities) bool { return c.CanAccessWeb },
	"web_fetch":    func(c identity.Capabilities) bool { return c.CanAccessWeb },
	"exec_command": func(c identity.Capabilities) bool { return c.CanExecCommands },
	"message":      func(c identity.Capabilities) bool { return c.CanSendMessages },
	"routine":      func(c identity.Capabilities) bool { return c.CanDoHeartbeat },
}

// FilterByCapabilities drops tools whose governing role-card capability flag
// is off. Applied on top of FilterFor.
func (r *Registry) FilterByCapabilities(caps identity.Capabilities) *Registry {
	filtered := NewRegistry()
	for name, t := range r.tools {
		if gate, ok := capabilityGates[name]; ok && !gate(caps) {
			continue
		}
		filtered.tools[name] = t
		if desc, ok := r.overrides[name]; ok {
			filtered.overrides[name] = desc
		}
	}
	return filtered
}
