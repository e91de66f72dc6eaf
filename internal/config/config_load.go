package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
	"github.com/titanous/json5"
)

// KeyringMarker in a credential field means "resolve from the key vault at
// load time". The marker never survives loading.
const KeyringMarker = "__KEYRING__"

// KeyResolver resolves a vault key name to its concrete secret.
// Satisfied by *secrets.KeyVault.
type KeyResolver interface {
	Resolve(name string) (string, error)
}

// DefaultBotID is used when no bot in the roster is marked default.
const DefaultBotID = "assistant"

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		DataDir: "~/.crewgate",
		Bots: BotsConfig{
			Defaults: BotDefaults{
				Workspace:           "~/.crewgate/workspace",
				RestrictToWorkspace: true,
				MaxTokens:           8192,
				Temperature:         0.7,
				MaxToolIterations:   20,
				ContextWindow:       200000,
			},
		},
		Router: RouterConfig{
			DefaultTier:  "medium",
			StickyTTLSec: 300,
			Tiers: map[string]TierSpec{
				"simple":    {Primary: "openrouter/meta-llama/llama-3.3-70b-instruct", Secondary: "openrouter/google/gemini-2.0-flash-001"},
				"medium":    {Primary: "openrouter/anthropic/claude-sonnet-4", Secondary: "openrouter/openai/gpt-4o"},
				"complex":   {Primary: "openrouter/anthropic/claude-opus-4", Secondary: "openrouter/anthropic/claude-sonnet-4"},
				"reasoning": {Primary: "openrouter/openai/o3", Secondary: "openrouter/deepseek/deepseek-r1"},
				"coding":    {Primary: "openrouter/anthropic/claude-sonnet-4", Secondary: "openrouter/qwen/qwen-2.5-coder-32b-instruct"},
			},
		},
		Channels: ChannelsConfig{
			CLI:      CLIConfig{Enabled: true, Prompt: "> ", Stream: true},
			Telegram: TelegramConfig{RateRPM: 20},
			Discord:  DiscordConfig{RateRPM: 20},
		},
		Sessions: SessionsConfig{
			Compaction: CompactionConfig{
				Mode:             "summary",
				ThresholdPercent: 0.8,
				MaxContextTokens: 100000,
				KeepLastMessages: 4,
			},
		},
		Secrets: SecretsConfig{Sensitivity: 0.7},
		Routines: RoutinesConfig{
			TickInterval: "30s",
			MaxHistory:   20,
		},
		Tools: ToolsConfig{
			Web:   WebToolsConfig{MaxResults: 5, MaxChars: 50000},
			Shell: ShellToolConfig{TimeoutSec: 60},
		},
	}
}

// Load reads config from a JSON5 file, overlays env vars, resolves keyring
// markers, and enforces permissions on the file and data directory.
// A nil resolver leaves keyring markers in place (they fail loudly later).
func Load(path string, resolver KeyResolver) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.finishLoad(resolver)
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	enforcePerms(path, 0600)
	cfg.finishLoad(resolver)
	return cfg, nil
}

func (c *Config) finishLoad(resolver KeyResolver) {
	if err := env.Parse(c); err != nil {
		slog.Warn("config: env override parse failed", "error", err)
	}
	c.resolveKeyringMarkers(resolver)
	c.applyDerivedDefaults()
	enforcePerms(c.DataPath(), 0700)
}

// enforcePerms tightens permissions in place, warning when it had to.
func enforcePerms(path string, want os.FileMode) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if info.Mode().Perm()&^want != 0 {
		if err := os.Chmod(path, want); err != nil {
			slog.Warn("config: could not repair permissions", "path", path, "want", want, "error", err)
			return
		}
		slog.Warn("config: repaired loose permissions", "path", path, "was", info.Mode().Perm(), "now", want)
	}
}

// resolveKeyringMarkers replaces __KEYRING__ values with vault lookups.
func (c *Config) resolveKeyringMarkers(resolver KeyResolver) {
	resolve := func(field *string, keyName string) {
		if *field != KeyringMarker {
			return
		}
		if resolver == nil {
			slog.Warn("config: keyring marker with no vault available", "key", keyName)
			*field = ""
			return
		}
		secret, err := resolver.Resolve(keyName)
		if err != nil {
			slog.Warn("config: keyring resolution failed", "key", keyName, "error", err)
			*field = ""
			return
		}
		*field = secret
	}

	resolve(&c.Providers.OpenRouter.APIKey, "openrouter_key")
	resolve(&c.Providers.Anthropic.APIKey, "anthropic_key")
	resolve(&c.Providers.OpenAI.APIKey, "openai_key")
	resolve(&c.Providers.Groq.APIKey, "groq_key")
	resolve(&c.Providers.DeepSeek.APIKey, "deepseek_key")
	resolve(&c.Providers.Gemini.APIKey, "google_key")
	resolve(&c.Channels.Telegram.Token, "telegram_bot_token")
	resolve(&c.Channels.Discord.Token, "discord_bot_token")
	resolve(&c.Tools.Web.BraveKey, "brave_key")
}

// applyDerivedDefaults fills storage paths derived from the data dir.
func (c *Config) applyDerivedDefaults() {
	if c.Rooms.Storage == "" {
		c.Rooms.Storage = filepath.Join(c.DataPath(), "rooms")
	}
	if c.Sessions.Storage == "" {
		c.Sessions.Storage = filepath.Join(c.DataPath(), "sessions")
	}
	if c.Memory.Path == "" {
		c.Memory.Path = filepath.Join(c.DataPath(), "memory.db")
	}
	if c.Secrets.VaultDir == "" {
		c.Secrets.VaultDir = filepath.Join(c.DataPath(), "vault")
	}
	if c.Secrets.AuditLog == "" {
		c.Secrets.AuditLog = filepath.Join(c.DataPath(), "audit.jsonl")
	}
	if c.Routines.Storage == "" {
		c.Routines.Storage = filepath.Join(c.DataPath(), "routines.json")
	}
	if c.Channels.Telegram.Token != "" {
		c.Channels.Telegram.Enabled = true
	}
	if c.Channels.Discord.Token != "" {
		c.Channels.Discord.Enabled = true
	}
}

// Save writes the config to disk with 0600 permissions.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// Hash returns a short SHA-256 hash of the config for change detection.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

// DataPath returns the expanded data directory.
func (c *Config) DataPath() string {
	return ExpandHome(c.DataDir)
}

// WorkspacePath returns the expanded workspace path.
func (c *Config) WorkspacePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Bots.Defaults.Workspace)
}

// ResolveBot returns the effective settings for one bot, merging defaults
// with per-bot overrides.
func (c *Config) ResolveBot(botID string) BotDefaults {
	c.mu.RLock()
	defer c.mu.RUnlock()

	d := c.Bots.Defaults
	if spec, ok := c.Bots.List[botID]; ok {
		if spec.MaxTokens > 0 {
			d.MaxTokens = spec.MaxTokens
		}
		if spec.Temperature > 0 {
			d.Temperature = spec.Temperature
		}
		if spec.MaxToolIterations > 0 {
			d.MaxToolIterations = spec.MaxToolIterations
		}
		if spec.ContextWindow > 0 {
			d.ContextWindow = spec.ContextWindow
		}
		if spec.Workspace != "" {
			d.Workspace = spec.Workspace
		}
	}
	return d
}

// ResolveDefaultBotID returns the bot marked default, or DefaultBotID.
func (c *Config) ResolveDefaultBotID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for id, spec := range c.Bots.List {
		if spec.Default {
			return id
		}
	}
	return DefaultBotID
}

// BotIDs returns the configured bot IDs (unordered).
func (c *Config) BotIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.Bots.List))
	for id := range c.Bots.List {
		ids = append(ids, id)
	}
	return ids
}

const secretMask = "***"

// MaskedCopy returns a deep copy with all secret fields masked.
func (c *Config) MaskedCopy() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	data, err := json.Marshal(c)
	if err != nil {
		return &Config{}
	}
	cp := Default()
	if err := json.Unmarshal(data, cp); err != nil {
		return &Config{}
	}

	maskNonEmpty(&cp.Providers.OpenRouter.APIKey)
	maskNonEmpty(&cp.Providers.Anthropic.APIKey)
	maskNonEmpty(&cp.Providers.OpenAI.APIKey)
	maskNonEmpty(&cp.Providers.Groq.APIKey)
	maskNonEmpty(&cp.Providers.DeepSeek.APIKey)
	maskNonEmpty(&cp.Providers.Gemini.APIKey)
	maskNonEmpty(&cp.Channels.Telegram.Token)
	maskNonEmpty(&cp.Channels.Discord.Token)
	maskNonEmpty(&cp.Tools.Web.BraveKey)
	return cp
}

func maskNonEmpty(s *string) {
	if *s != "" && *s != KeyringMarker {
		*s = secretMask
	}
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
