package identity

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Bot is one loaded bot identity: role card, tool policy, and the raw
// personality files that feed the system prompt.
type Bot struct {
	Name          string
	Card          *RoleCard
	Permissions   *ToolPermissions
	Soul          string
	Identity      string
	Role          string
	Agents        string
	Heartbeat     string
	Relationships map[string]Relationship
}

// DisplayName returns the bot's styled name.
func (b *Bot) DisplayName() string {
	if b.Card != nil && b.Card.DisplayName != "" {
		return b.Card.DisplayName
	}
	return b.Name
}

// Emoji returns the bot's emoji, if styled.
func (b *Bot) Emoji() string {
	if b.Card != nil {
		return b.Card.Emoji
	}
	return ""
}

// Manager loads bot personality files from <workspace>/bots/<name>/ and
// keeps them hot-reloadable.
type Manager struct {
	mu        sync.RWMutex
	workspace string
	team      string
	bots      map[string]*Bot
}

func NewManager(workspace, team string) (*Manager, error) {
	m := &Manager{
		workspace: workspace,
		team:      team,
		bots:      make(map[string]*Bot),
	}
	if err := m.EnsureTeamFiles(); err != nil {
		return nil, err
	}
	if err := m.LoadAll(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) botsDir() string {
	return filepath.Join(m.workspace, "bots")
}

// Team returns the configured team name.
func (m *Manager) Team() string { return m.team }

// EnsureTeamFiles generates SOUL/IDENTITY/ROLE/AGENTS/HEARTBEAT files for
// every canonical role when the leader's SOUL.md is absent and a team is
// configured. Existing files are never overwritten.
func (m *Manager) EnsureTeamFiles() error {
	if m.team == "" {
		return nil
	}
	leaderSoul := filepath.Join(m.botsDir(), "leader", "SOUL.md")
	if _, err := os.Stat(leaderSoul); err == nil {
		return nil
	}

	team, ok := Teams[m.team]
	if !ok {
		return fmt.Errorf("identity: unknown team %q", m.team)
	}

	for _, role := range CanonicalRoles {
		member := team.Members[role]
		dir := filepath.Join(m.botsDir(), role)
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("identity: create bot directory: %w", err)
		}
		files := map[string]string{
			"SOUL.md":      soulTemplate(role, member),
			"IDENTITY.md":  identityTemplate(role, member, team),
			"ROLE.md":      roleTemplate(role, member),
			"AGENTS.md":    agentsTemplate(role),
			"HEARTBEAT.md": heartbeatTemplate(role),
		}
		for name, content := range files {
			path := filepath.Join(dir, name)
			if _, err := os.Stat(path); err == nil {
				continue
			}
			if err := os.WriteFile(path, []byte(content), 0600); err != nil {
				return fmt.Errorf("identity: write %s: %w", path, err)
			}
		}
	}
	slog.Info("identity: generated team files", "team", m.team, "roles", len(CanonicalRoles))
	return nil
}

// LoadAll (re)loads every bot directory.
func (m *Manager) LoadAll() error {
	entries, err := os.ReadDir(m.botsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("identity: read bots directory: %w", err)
	}

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if err := m.Reload(e.Name()); err != nil {
			slog.Warn("identity: skipping bot", "bot", e.Name(), "error", err)
		}
	}
	return nil
}

// Reload re-reads one bot's personality files from disk.
func (m *Manager) Reload(name string) error {
	dir := filepath.Join(m.botsDir(), name)

	read := func(file string) string {
		data, err := os.ReadFile(filepath.Join(dir, file))
		if err != nil {
			return ""
		}
		return string(data)
	}

	bot := &Bot{
		Name:      name,
		Soul:      read("SOUL.md"),
		Identity:  read("IDENTITY.md"),
		Role:      read("ROLE.md"),
		Agents:    read("AGENTS.md"),
		Heartbeat: read("HEARTBEAT.md"),
	}
	if bot.Soul == "" && bot.Role == "" {
		return fmt.Errorf("identity: %q has no personality files", name)
	}

	bot.Card = ParseRoleCard(name, bot.Role)
	bot.Permissions = ParseToolPermissions(bot.Soul)
	bot.Permissions.Merge(ParseToolPermissions(bot.Agents))
	bot.Relationships = parseRelationships(bot.Identity)
	if len(bot.Relationships) == 0 {
		bot.Relationships = defaultRelationships(name, CanonicalRoles)
	}

	m.mu.Lock()
	m.bots[name] = bot
	m.mu.Unlock()
	return nil
}

// Bot returns a loaded bot by name.
func (m *Manager) Bot(name string) (*Bot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bots[name]
	return b, ok
}

// Names returns all loaded bot names.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.bots))
	for n := range m.bots {
		names = append(names, n)
	}
	return names
}

// parseRelationships reads a "## Relationships" section from IDENTITY.md:
// "- other_bot: 0.8 - description" bullets.
func parseRelationships(markdown string) map[string]Relationship {
	rels := make(map[string]Relationship)

	var inSection bool
	for _, line := range strings.Split(markdown, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "## ") {
			inSection = strings.EqualFold(strings.TrimSpace(strings.TrimPrefix(trimmed, "## ")), "relationships")
			continue
		}
		if !inSection {
			continue
		}
		item, ok := bulletItem(trimmed)
		if !ok {
			continue
		}
		name, rest, found := strings.Cut(item, ":")
		if !found {
			continue
		}
		rest = strings.TrimSpace(rest)
		affStr, desc, _ := strings.Cut(rest, " ")
		var aff float64
		if _, err := fmt.Sscanf(affStr, "%f", &aff); err != nil {
			continue
		}
		rels[strings.TrimSpace(name)] = Relationship{
			Affinity:    aff,
			Description: strings.TrimSpace(desc),
		}
	}
	return rels
}
