package identity

import (
	"strings"
)

// ToolPermissions is a bot's per-tool allow/deny policy, parsed from its
// personality files. An empty allowed set means "everything not denied".
type ToolPermissions struct {
	Allowed map[string]bool
	Denied  map[string]bool
	Custom  map[string]string // tool name → description override
}

func NewToolPermissions() *ToolPermissions {
	return &ToolPermissions{
		Allowed: make(map[string]bool),
		Denied:  make(map[string]bool),
		Custom:  make(map[string]string),
	}
}

// IsAllowed applies the effective policy: name must be in the allowed set
// when one exists, and must not be denied.
func (p *ToolPermissions) IsAllowed(name string) bool {
	if p == nil {
		return true
	}
	if len(p.Allowed) > 0 && !p.Allowed[name] {
		return false
	}
	return !p.Denied[name]
}

// Description returns the custom description for a tool, if any.
func (p *ToolPermissions) Description(name string) (string, bool) {
	if p == nil {
		return "", false
	}
	d, ok := p.Custom[name]
	return d, ok
}

// ParseToolPermissions scans markdown for "## Allowed Tools",
// "## Denied Tools", and "## Custom Tools" sections. Allowed/denied entries
// are bullet items naming one tool; custom entries are "- name: description".
func ParseToolPermissions(markdown string) *ToolPermissions {
	p := NewToolPermissions()

	var section string
	for _, line := range strings.Split(markdown, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "## ") {
			section = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(trimmed, "## ")))
			continue
		}

		item, ok := bulletItem(trimmed)
		if !ok {
			continue
		}
		switch section {
		case "allowed tools":
			if name := toolName(item); name != "" {
				p.Allowed[name] = true
			}
		case "denied tools":
			if name := toolName(item); name != "" {
				p.Denied[name] = true
			}
		case "custom tools":
			name, desc, found := strings.Cut(item, ":")
			name = toolName(name)
			if found && name != "" {
				p.Custom[name] = strings.TrimSpace(desc)
			}
		}
	}
	return p
}

// toolName normalizes a tool reference: trims backticks and whitespace.
func toolName(s string) string {
	return strings.Trim(strings.TrimSpace(s), "`")
}

// Merge overlays other's entries onto p (other wins on custom conflicts).
func (p *ToolPermissions) Merge(other *ToolPermissions) {
	if other == nil {
		return
	}
	for name := range other.Allowed {
		p.Allowed[name] = true
	}
	for name := range other.Denied {
		p.Denied[name] = true
	}
	for name, desc := range other.Custom {
		p.Custom[name] = desc
	}
}
