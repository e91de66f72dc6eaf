package config

import (
	"encoding/json"
	"fmt"
	"sync"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration for the crewgate gateway.
type Config struct {
	DataDir   string          `json:"data_dir" env:"CREWGATE_DATA_DIR"`
	Bots      BotsConfig      `json:"bots"`
	Router    RouterConfig    `json:"router"`
	Providers ProvidersConfig `json:"providers"`
	Channels  ChannelsConfig  `json:"channels"`
	Rooms     RoomsConfig     `json:"rooms"`
	Sessions  SessionsConfig  `json:"sessions"`
	Memory    MemoryConfig    `json:"memory,omitempty"`
	Secrets   SecretsConfig   `json:"secrets,omitempty"`
	Routines  RoutinesConfig  `json:"routines,omitempty"`
	Tools     ToolsConfig     `json:"tools,omitempty"`
	Database  DatabaseConfig  `json:"database,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	mu        sync.RWMutex
}

// BotsConfig contains bot defaults and the roster of configured bots.
type BotsConfig struct {
	Defaults BotDefaults        `json:"defaults"`
	List     map[string]BotSpec `json:"list,omitempty"`
	Team     string             `json:"team,omitempty"` // preset team to seed role cards from
}

// BotDefaults are default settings for all bots.
type BotDefaults struct {
	Workspace           string  `json:"workspace" env:"CREWGATE_WORKSPACE"`
	RestrictToWorkspace bool    `json:"restrict_to_workspace"`
	MaxTokens           int     `json:"max_tokens"`
	Temperature         float64 `json:"temperature"`
	MaxToolIterations   int     `json:"max_tool_iterations"`
	ContextWindow       int     `json:"context_window"`
}

// BotSpec is the per-bot configuration override.
// Zero values mean "inherit from defaults".
type BotSpec struct {
	DisplayName       string   `json:"display_name,omitempty"`
	RoleCard          string   `json:"role_card,omitempty"` // path to role card markdown
	Model             string   `json:"model,omitempty"`     // pin a model, bypassing the router
	MaxTokens         int      `json:"max_tokens,omitempty"`
	Temperature       float64  `json:"temperature,omitempty"`
	MaxToolIterations int      `json:"max_tool_iterations,omitempty"`
	ContextWindow     int      `json:"context_window,omitempty"`
	Workspace         string   `json:"workspace,omitempty"`
	Default           bool     `json:"default,omitempty"`
	AutoJoinGeneral   *bool    `json:"auto_join_to_general,omitempty"` // default true
	Routines          []string `json:"routines,omitempty"`
}

// RouterConfig configures tier classification and per-tier model choices.
type RouterConfig struct {
	DefaultTier     string              `json:"default_tier,omitempty"` // fallback tier (default "medium")
	ClassifierModel string              `json:"classifier_model,omitempty"`
	StickyTTLSec    int                 `json:"sticky_ttl_sec,omitempty"` // sticky tier window per room (default 300)
	Rules           []RouterRule        `json:"rules,omitempty"`
	Tiers           map[string]TierSpec `json:"tiers,omitempty"`
}

// RouterRule maps a keyword/regex match to a tier before the LLM classifier runs.
type RouterRule struct {
	Pattern string `json:"pattern"` // regex over the inbound text
	Tier    string `json:"tier"`
}

// TierSpec names the primary and secondary model for one tier.
type TierSpec struct {
	Primary   string `json:"primary"`
	Secondary string `json:"secondary,omitempty"`
}

// ProvidersConfig holds API credentials and endpoints per provider.
// A key field may hold the literal "__KEYRING__", resolved at load time.
type ProvidersConfig struct {
	OpenRouter ProviderConfig `json:"openrouter,omitempty"`
	Anthropic  ProviderConfig `json:"anthropic,omitempty"`
	OpenAI     ProviderConfig `json:"openai,omitempty"`
	Groq       ProviderConfig `json:"groq,omitempty"`
	DeepSeek   ProviderConfig `json:"deepseek,omitempty"`
	Gemini     ProviderConfig `json:"gemini,omitempty"`
}

// HasCredential reports whether at least one provider has a usable key.
func (p *ProvidersConfig) HasCredential() bool {
	for _, pc := range []ProviderConfig{p.OpenRouter, p.Anthropic, p.OpenAI, p.Groq, p.DeepSeek, p.Gemini} {
		if pc.APIKey != "" {
			return true
		}
	}
	return false
}

// ProviderConfig is one provider's credentials and endpoint override.
type ProviderConfig struct {
	APIKey  string `json:"api_key,omitempty"`
	BaseURL string `json:"base_url,omitempty"`
}

// ChannelsConfig configures the chat platform adapters.
type ChannelsConfig struct {
	CLI      CLIConfig      `json:"cli,omitempty"`
	Telegram TelegramConfig `json:"telegram,omitempty"`
	Discord  DiscordConfig  `json:"discord,omitempty"`
}

// CLIConfig configures the interactive terminal channel.
type CLIConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Prompt  string `json:"prompt,omitempty"` // readline prompt (default "> ")
	Stream  bool   `json:"stream,omitempty"` // print replies as they generate (default true)
}

// TelegramConfig configures the Telegram adapter.
type TelegramConfig struct {
	Enabled    bool                `json:"enabled,omitempty"`
	Token      string              `json:"token,omitempty" env:"CREWGATE_TELEGRAM_TOKEN"`
	AllowedIDs FlexibleStringSlice `json:"allowed_ids,omitempty"`
	RateRPM    int                 `json:"rate_rpm,omitempty"` // outbound messages per minute (default 20)
}

// DiscordConfig configures the Discord adapter.
type DiscordConfig struct {
	Enabled    bool                `json:"enabled,omitempty"`
	Token      string              `json:"token,omitempty" env:"CREWGATE_DISCORD_TOKEN"`
	GuildID    string              `json:"guild_id,omitempty"`
	AllowedIDs FlexibleStringSlice `json:"allowed_ids,omitempty"`
	RateRPM    int                 `json:"rate_rpm,omitempty"`
}

// RoomsConfig configures room storage and membership defaults.
type RoomsConfig struct {
	Storage         string `json:"storage,omitempty"` // rooms directory (default <data_dir>/rooms)
	AutoJoinGeneral *bool  `json:"auto_join_to_general,omitempty"`
}

// SessionsConfig configures session persistence and compaction.
type SessionsConfig struct {
	Storage    string           `json:"storage,omitempty"` // sessions directory (default <data_dir>/sessions)
	Compaction CompactionConfig `json:"compaction,omitempty"`
}

// CompactionConfig configures history compaction per session. Compaction
// triggers when estimated history tokens exceed threshold_percent of
// max_context_tokens.
type CompactionConfig struct {
	Mode             string  `json:"mode,omitempty"`               // "summary" (default), "token-limit", "off"
	ThresholdPercent float64 `json:"threshold_percent,omitempty"`  // fraction of the window (default 0.8)
	MaxContextTokens int     `json:"max_context_tokens,omitempty"` // context budget (default 100000)
	KeepLastMessages int     `json:"keep_last_messages,omitempty"` // messages preserved verbatim (default 4)
	SummaryModel     string  `json:"summary_model,omitempty"`      // model for summary mode
	MemoryFlush      *bool   `json:"memory_flush,omitempty"`       // flush learnings pre-compaction (default true)
}

// MemoryConfig configures the SQLite-backed long-term memory.
type MemoryConfig struct {
	Enabled    *bool  `json:"enabled,omitempty"`     // default true
	Path       string `json:"path,omitempty"`        // default <data_dir>/memory.db
	MaxResults int    `json:"max_results,omitempty"` // context assembly cap (default 6)
}

// SecretsConfig configures the vault, sanitizer, and audit trail.
type SecretsConfig struct {
	VaultDir    string  `json:"vault_dir,omitempty"` // default <data_dir>/vault
	AuditLog    string  `json:"audit_log,omitempty"` // default <data_dir>/audit.jsonl
	Sensitivity float64 `json:"sensitivity,omitempty"`
}

// RoutinesConfig configures the scheduler.
type RoutinesConfig struct {
	Storage      string `json:"storage,omitempty"`        // default <data_dir>/routines.json
	TickInterval string `json:"tick_interval,omitempty"`  // gronx poll interval (default "30s")
	MaxHistory   int    `json:"max_history,omitempty"`    // run records kept per routine (default 20)
}

// ToolsConfig configures tool behaviour and per-tool credentials.
type ToolsConfig struct {
	Web   WebToolsConfig  `json:"web,omitempty"`
	Shell ShellToolConfig `json:"shell,omitempty"`
	MCP   []MCPServerSpec `json:"mcp,omitempty"`
}

// WebToolsConfig configures search and fetch tools.
type WebToolsConfig struct {
	BraveKey   string `json:"brave_key,omitempty" env:"CREWGATE_BRAVE_KEY"` // usually "{{brave_key}}"
	MaxResults int    `json:"max_results,omitempty"`
	MaxChars   int    `json:"max_chars,omitempty"` // fetch truncation (default 50000)
}

// ShellToolConfig configures the shell execution tool.
type ShellToolConfig struct {
	Enabled    *bool    `json:"enabled,omitempty"` // default true
	TimeoutSec int      `json:"timeout_sec,omitempty"`
	Deny       []string `json:"deny,omitempty"` // extra denied command patterns
}

// MCPServerSpec declares one MCP server bots may connect to.
type MCPServerSpec struct {
	Name       string            `json:"name"`
	Command    string            `json:"command,omitempty"` // stdio transport
	Args       []string          `json:"args,omitempty"`
	URL        string            `json:"url,omitempty"` // sse or streamable-http transport
	Transport  string            `json:"transport,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	ToolPrefix string            `json:"tool_prefix,omitempty"`
	TimeoutSec int               `json:"timeout_sec,omitempty"`
	Disabled   bool              `json:"disabled,omitempty"`
}

// ResolvedTransport infers the transport when not set explicitly.
func (s *MCPServerSpec) ResolvedTransport() string {
	if s.Transport != "" {
		return s.Transport
	}
	if s.URL != "" {
		return "sse"
	}
	return "stdio"
}

// DatabaseConfig configures the optional Postgres session store.
// The DSN is never read from the config file, only from the environment.
type DatabaseConfig struct {
	PostgresDSN string `json:"-" env:"CREWGATE_POSTGRES_DSN"`
}

// TelemetryConfig configures OTLP trace export.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty" env:"CREWGATE_TELEMETRY_ENABLED"`
	Endpoint    string            `json:"endpoint,omitempty" env:"CREWGATE_TELEMETRY_ENDPOINT"`
	Insecure    bool              `json:"insecure,omitempty"`
	ServiceName string            `json:"service_name,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.DataDir = src.DataDir
	c.Bots = src.Bots
	c.Router = src.Router
	c.Providers = src.Providers
	c.Channels = src.Channels
	c.Rooms = src.Rooms
	c.Sessions = src.Sessions
	c.Memory = src.Memory
	c.Secrets = src.Secrets
	c.Routines = src.Routines
	c.Tools = src.Tools
	c.Database = src.Database
	c.Telemetry = src.Telemetry
}
