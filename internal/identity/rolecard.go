package identity

import (
	"strings"
)

// Capabilities are the hard capability flags on a bot's role card.
type Capabilities struct {
	CanInvokeBots      bool `json:"can_invoke_bots"`
	CanAccessWeb       bool `json:"can_access_web"`
	CanExecCommands    bool `json:"can_exec_commands"`
	CanSendMessages    bool `json:"can_send_messages"`
	CanDoHeartbeat     bool `json:"can_do_heartbeat"`
	MaxConcurrentTasks int  `json:"max_concurrent_tasks"`
}

// RoleCard is the immutable-at-runtime description of what a bot is for.
// It is combined with the bot's personality files at prompt time.
type RoleCard struct {
	Name               string       `json:"name"`
	DisplayName        string       `json:"display_name"`
	Emoji              string       `json:"emoji,omitempty"`
	Voice              string       `json:"voice,omitempty"`
	Domain             string       `json:"domain"`
	Inputs             []string     `json:"inputs,omitempty"`
	Outputs            []string     `json:"outputs,omitempty"`
	DefinitionOfDone   string       `json:"definition_of_done,omitempty"`
	HardBans           []string     `json:"hard_bans,omitempty"`
	EscalationTriggers []string     `json:"escalation_triggers,omitempty"`
	Metrics            []string     `json:"metrics,omitempty"`
	Capabilities       Capabilities `json:"capabilities"`
}

// ViolatesHardBan checks text against the card's hard bans and returns the
// first matching ban. Matching is case-insensitive substring on the ban's
// keyword portion.
func (rc *RoleCard) ViolatesHardBan(text string) (string, bool) {
	lower := strings.ToLower(text)
	for _, ban := range rc.HardBans {
		keyword := strings.ToLower(strings.TrimSpace(ban))
		if keyword == "" {
			continue
		}
		if strings.Contains(lower, keyword) {
			return ban, true
		}
	}
	return "", false
}

// ParseRoleCard reads a role card from markdown. Section headers map to
// fields; list items become slice entries.
//
// A card with an explicit "## Capabilities" section grants only what it
// lists; a card without one gets the permissive defaults, so hand-written
// role files do not silently lose tools.
func ParseRoleCard(name, markdown string) *RoleCard {
	rc := &RoleCard{
		Name:        name,
		DisplayName: name,
		Capabilities: Capabilities{
			CanSendMessages:    true,
			MaxConcurrentTasks: 3,
		},
	}

	var section string
	sawCapabilities := false
	for _, line := range strings.Split(markdown, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "## ") {
			section = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(trimmed, "## ")))
			if section == "capabilities" {
				sawCapabilities = true
			}
			continue
		}
		if trimmed == "" {
			continue
		}

		switch section {
		case "display name":
			rc.DisplayName = trimmed
		case "emoji":
			rc.Emoji = trimmed
		case "voice":
			rc.Voice = appendLine(rc.Voice, trimmed)
		case "domain":
			rc.Domain = appendLine(rc.Domain, trimmed)
		case "definition of done":
			rc.DefinitionOfDone = appendLine(rc.DefinitionOfDone, trimmed)
		case "inputs":
			if item, ok := bulletItem(trimmed); ok {
				rc.Inputs = append(rc.Inputs, item)
			}
		case "outputs":
			if item, ok := bulletItem(trimmed); ok {
				rc.Outputs = append(rc.Outputs, item)
			}
		case "hard bans":
			if item, ok := bulletItem(trimmed); ok {
				rc.HardBans = append(rc.HardBans, item)
			}
		case "escalation triggers":
			if item, ok := bulletItem(trimmed); ok {
				rc.EscalationTriggers = append(rc.EscalationTriggers, item)
			}
		case "metrics":
			if item, ok := bulletItem(trimmed); ok {
				rc.Metrics = append(rc.Metrics, item)
			}
		case "capabilities":
			if item, ok := bulletItem(trimmed); ok {
				applyCapability(&rc.Capabilities, item)
			}
		}
	}
	if !sawCapabilities {
		rc.Capabilities = permissiveCapabilities()
	}
	return rc
}

func permissiveCapabilities() Capabilities {
	return Capabilities{
		CanInvokeBots:      true,
		CanAccessWeb:       true,
		CanExecCommands:    true,
		CanSendMessages:    true,
		CanDoHeartbeat:     true,
		MaxConcurrentTasks: 3,
	}
}

func appendLine(existing, line string) string {
	if existing == "" {
		return line
	}
	return existing + " " + line
}

func bulletItem(line string) (string, bool) {
	for _, prefix := range []string{"- ", "* "} {
		if rest, ok := strings.CutPrefix(line, prefix); ok {
			return strings.TrimSpace(rest), true
		}
	}
	return "", false
}

func applyCapability(c *Capabilities, item string) {
	key, value, _ := strings.Cut(item, ":")
	key = strings.ToLower(strings.TrimSpace(key))
	enabled := strings.TrimSpace(strings.ToLower(value)) != "false"

	switch key {
	case "can_invoke_bots":
		c.CanInvokeBots = enabled
	case "can_access_web":
		c.CanAccessWeb = enabled
	case "can_exec_commands":
		c.CanExecCommands = enabled
	case "can_send_messages":
		c.CanSendMessages = enabled
	case "can_do_heartbeat":
		c.CanDoHeartbeat = enabled
	case "max_concurrent_tasks":
		n := 0
		for _, r := range strings.TrimSpace(value) {
			if r < '0' || r > '9' {
				break
			}
			n = n*10 + int(r-'0')
		}
		if n > 0 {
			c.MaxConcurrentTasks = n
		}
	}
}
