package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/crewgate/crewgate/internal/agent"
	"github.com/crewgate/crewgate/internal/audit"
	"github.com/crewgate/crewgate/internal/broker"
	"github.com/crewgate/crewgate/internal/bus"
	"github.com/crewgate/crewgate/internal/channels"
	"github.com/crewgate/crewgate/internal/channels/cli"
	"github.com/crewgate/crewgate/internal/channels/discord"
	"github.com/crewgate/crewgate/internal/channels/telegram"
	"github.com/crewgate/crewgate/internal/config"
	"github.com/crewgate/crewgate/internal/identity"
	"github.com/crewgate/crewgate/internal/mcp"
	"github.com/crewgate/crewgate/internal/memory"
	"github.com/crewgate/crewgate/internal/providers"
	"github.com/crewgate/crewgate/internal/rooms"
	"github.com/crewgate/crewgate/internal/router"
	"github.com/crewgate/crewgate/internal/routines"
	"github.com/crewgate/crewgate/internal/secrets"
	"github.com/crewgate/crewgate/internal/sessions"
	"github.com/crewgate/crewgate/internal/store/pg"
	"github.com/crewgate/crewgate/internal/telemetry"
	"github.com/crewgate/crewgate/internal/tools"
)

func runGateway() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	vault, cfg, err := loadConfigWithVault()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	telemetryShutdown, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		slog.Warn("telemetry disabled", "error", err)
		telemetryShutdown = func(context.Context) error { return nil }
	}

	workspace := cfg.WorkspacePath()
	if !filepath.IsAbs(workspace) {
		workspace, _ = filepath.Abs(workspace)
	}
	os.MkdirAll(workspace, 0700)

	// Secret pipeline
	auditor, err := audit.New(cfg.Secrets.AuditLog)
	if err != nil {
		slog.Error("failed to open audit log", "error", err)
		os.Exit(1)
	}
	sanitizer := secrets.NewSanitizer(cfg.Secrets.Sensitivity)
	secretMgr := secrets.NewSecretManager(vault, sanitizer)

	// Long-term memory
	var mem *memory.Facade
	if cfg.Memory.Enabled == nil || *cfg.Memory.Enabled {
		mem, err = memory.Open(cfg.Memory.Path, cfg.Memory.MaxResults)
		if err != nil {
			slog.Error("failed to open memory store", "error", err)
			os.Exit(1)
		}
		defer mem.Close()
	}

	// Bot roster
	bots, err := identity.NewManager(workspace, cfg.Bots.Team)
	if err != nil {
		slog.Error("failed to load bot identities", "error", err)
		os.Exit(1)
	}
	if err := bots.Watch(ctx); err != nil {
		slog.Warn("identity hot reload unavailable", "error", err)
	}

	// Rooms
	roomMgr, err := rooms.NewManager(cfg.Rooms.Storage, cfg.ResolveDefaultBotID())
	if err != nil {
		slog.Error("failed to load rooms", "error", err)
		os.Exit(1)
	}

	// Providers and model router
	registry := providers.NewRegistry()
	registerProviders(registry, cfg)
	modelRouter := router.New(cfg.Router, registry)

	// Sessions: file store by default, Postgres when a DSN is set
	var sessStore sessions.Store
	if cfg.Database.PostgresDSN != "" {
		db, dbErr := pg.Open(cfg.Database.PostgresDSN)
		if dbErr != nil {
			slog.Error("failed to connect to postgres", "error", dbErr)
			os.Exit(1)
		}
		defer db.Close()
		sessStore = pg.NewSessionStore(db)
		slog.Info("session store: postgres")
	} else {
		sessStore, err = sessions.NewFileStore(cfg.Sessions.Storage)
		if err != nil {
			slog.Error("failed to open session store", "error", err)
			os.Exit(1)
		}
	}
	sessionMgr := sessions.NewManager(sessStore)
	compactor := newCompactor(cfg, sessionMgr, modelRouter, mem)

	// Tools
	toolsReg := tools.NewRegistry()
	policy := &tools.PathPolicy{
		Workspace: workspace,
		Restrict:  cfg.Bots.Defaults.RestrictToWorkspace,
		Protected: []string{
			resolveConfigPath(),
			cfg.Secrets.VaultDir,
			cfg.Secrets.AuditLog,
			cfg.Memory.Path,
		},
	}
	toolsReg.Register(tools.NewReadFileTool(policy))
	toolsReg.Register(tools.NewWriteFileTool(policy))
	toolsReg.Register(tools.NewEditFileTool(policy))
	toolsReg.Register(tools.NewListDirTool(policy))
	if cfg.Tools.Shell.Enabled == nil || *cfg.Tools.Shell.Enabled {
		toolsReg.Register(tools.NewExecTool(policy))
	}
	toolsReg.Register(tools.NewWebSearchTool(vault, ""))
	toolsReg.Register(tools.NewWebFetchTool())
	toolsReg.Register(tools.NewRoomTaskTool(roomMgr))
	if mem != nil {
		toolsReg.Register(tools.NewMemoryTool(mem))
	}

	// MCP bridges
	var mcpMgr *mcp.Manager
	if len(cfg.Tools.MCP) > 0 {
		mcpMgr = mcp.NewManager(toolsReg, cfg.Tools.MCP)
		if err := mcpMgr.Start(ctx); err != nil {
			slog.Warn("some MCP servers failed to start", "error", err)
		}
		defer mcpMgr.Stop()
	}

	msgBus := bus.NewMessageBus()

	// The stop and stream hooks are bound after the broker and channel
	// manager exist; turns arriving before that degrade to one-shot replies.
	var stopRoom agent.StopFunc
	var streamFor agent.StreamFunc
	deps := agent.Deps{
		Config:    cfg,
		Bots:      bots,
		Sessions:  sessionMgr,
		Compactor: compactor,
		Router:    modelRouter,
		Registry:  toolsReg,
		Secrets:   secretMgr,
		Auditor:   auditor,
		Memory:    mem,
		Rooms:     roomMgr,
		StopRoom: func(roomID string) string {
			if stopRoom == nil {
				return "Nothing to stop."
			}
			return stopRoom(roomID)
		},
		Stream: func(channel, chatID, sender string) func(string) {
			if streamFor == nil {
				return nil
			}
			return streamFor(channel, chatID, sender)
		},
	}
	if mcpMgr != nil {
		deps.MCP = mcpMgr
	}
	loop := agent.NewLoop(deps)

	// Bot-to-bot delegation
	invoker := agent.NewInvoker(loop, msgBus)
	toolsReg.Register(tools.NewInvokeBotTool(invoker))

	// Mid-turn message delivery
	toolsReg.Register(tools.NewMessageTool(&busSender{bus: msgBus}))

	// Routines
	tick, err := time.ParseDuration(cfg.Routines.TickInterval)
	if err != nil {
		tick = 0
	}
	routineSvc, err := routines.NewService(cfg.Routines.Storage, tick, cfg.Routines.MaxHistory,
		loop.RunRoutine, loop.RecordMistake)
	if err != nil {
		slog.Error("failed to load routines", "error", err)
		os.Exit(1)
	}
	toolsReg.Register(tools.NewRoutineTool(routineSvc))
	go routineSvc.Run(ctx)

	// Broker: one serialized worker per room
	brokerMgr := broker.NewManager(msgBus, roomMgr, loop)
	stopRoom = broker.MakeStopFunc(broker.StopRoomDeps{
		Invoker: invoker,
		Rooms:   roomMgr,
	})
	go brokerMgr.Run(ctx)

	// Channel adapters
	channelMgr := channels.NewManager(msgBus)
	if cfg.Channels.CLI.Enabled {
		channelMgr.Register(cli.New(cfg.Channels.CLI, msgBus))
	}
	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token != "" {
		tg, tgErr := telegram.New(cfg.Channels.Telegram, msgBus)
		if tgErr != nil {
			slog.Error("failed to initialize telegram channel", "error", tgErr)
		} else {
			channelMgr.Register(tg)
			slog.Info("telegram channel enabled")
		}
	}
	if cfg.Channels.Discord.Enabled && cfg.Channels.Discord.Token != "" {
		dc, dcErr := discord.New(cfg.Channels.Discord, msgBus)
		if dcErr != nil {
			slog.Error("failed to initialize discord channel", "error", dcErr)
		} else {
			channelMgr.Register(dc)
			slog.Info("discord channel enabled")
		}
	}
	streamFor = channelMgr.StreamSink
	if err := channelMgr.StartAll(ctx); err != nil {
		slog.Error("failed to start channels", "error", err)
	}

	slog.Info("crewgate gateway started",
		"version", Version,
		"bots", bots.Names(),
		"leader", loop.Leader(),
		"tools", len(toolsReg.Definitions()),
		"channels", channelStatusNames(channelMgr),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("graceful shutdown initiated", "signal", sig)

	channelMgr.StopAll(context.Background())
	msgBus.Close()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := telemetryShutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown failed", "error", err)
	}
}

// loadConfigWithVault builds the key vault before the config, since config
// loading resolves keyring markers through it. The vault directory is fixed
// relative to the data dir, which only the environment can move.
func loadConfigWithVault() (*secrets.KeyVault, *config.Config, error) {
	dataDir := os.Getenv("CREWGATE_DATA_DIR")
	if dataDir == "" {
		dataDir = "~/.crewgate"
	}
	vault, err := secrets.NewKeyVault(filepath.Join(config.ExpandHome(dataDir), "vault"))
	if err != nil {
		return nil, nil, fmt.Errorf("open key vault: %w", err)
	}
	cfg, err := config.Load(resolveConfigPath(), vault)
	if err != nil {
		return nil, nil, err
	}
	return vault, cfg, nil
}

// registerProviders wires every configured provider into the registry.
// OpenRouter doubles as the default since the router tiers reference it.
func registerProviders(registry *providers.Registry, cfg *config.Config) {
	p := cfg.Providers
	if p.OpenRouter.APIKey != "" {
		registry.Register(providers.NewOpenAIProvider("openrouter", p.OpenRouter.APIKey,
			orDefault(p.OpenRouter.BaseURL, "https://openrouter.ai/api/v1"), ""))
		registry.SetDefault("openrouter")
	}
	if p.Anthropic.APIKey != "" {
		registry.Register(providers.NewAnthropicProvider(p.Anthropic.APIKey, p.Anthropic.BaseURL, ""))
	}
	if p.OpenAI.APIKey != "" {
		registry.Register(providers.NewOpenAIProvider("openai", p.OpenAI.APIKey, p.OpenAI.BaseURL, ""))
	}
	if p.Groq.APIKey != "" {
		registry.Register(providers.NewOpenAIProvider("groq", p.Groq.APIKey,
			orDefault(p.Groq.BaseURL, "https://api.groq.com/openai/v1"), ""))
	}
	if p.DeepSeek.APIKey != "" {
		registry.Register(providers.NewOpenAIProvider("deepseek", p.DeepSeek.APIKey,
			orDefault(p.DeepSeek.BaseURL, "https://api.deepseek.com/v1"), ""))
	}
	if p.Gemini.APIKey != "" {
		registry.Register(providers.NewOpenAIProvider("gemini", p.Gemini.APIKey,
			orDefault(p.Gemini.BaseURL, "https://generativelanguage.googleapis.com/v1beta/openai"), ""))
	}
}

// newCompactor builds the session compactor. Summaries run through the
// model router; the memory flush appends a trace of what was dropped.
func newCompactor(cfg *config.Config, mgr *sessions.Manager, modelRouter *router.Router, mem *memory.Facade) *sessions.Compactor {
	cc := cfg.Sessions.Compaction
	opts := sessions.CompactOptions{
		Mode:             sessions.CompactionMode(cc.Mode),
		ThresholdPercent: cc.ThresholdPercent,
		MaxContextTokens: cc.MaxContextTokens,
		KeepLastMessages: cc.KeepLastMessages,
		MemoryFlush:      cc.MemoryFlush == nil || *cc.MemoryFlush,
	}

	summarize := func(ctx context.Context, msgs []providers.Message) (string, error) {
		var b strings.Builder
		for _, m := range msgs {
			if m.Content == "" {
				continue
			}
			fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
		}
		req := providers.ChatRequest{Messages: []providers.Message{
			{Role: "system", Content: "Summarize the conversation below in a compact paragraph. Keep decisions, open tasks, and facts; drop pleasantries."},
			{Role: "user", Content: b.String()},
		}}
		resp, _, err := modelRouter.Chat(ctx, "", cc.SummaryModel, req)
		if err != nil {
			return "", err
		}
		return resp.Content, nil
	}

	flush := func(ctx context.Context, key string, msgs []providers.Message) error {
		if mem == nil {
			return nil
		}
		if roomID, ok := sessions.RoomIDFromKey(key); ok {
			mem.AppendEvent(ctx, roomID, "system", "compaction",
				fmt.Sprintf("compacted %d messages out of history", len(msgs)))
		}
		return nil
	}

	return sessions.NewCompactor(mgr, opts, summarize, flush)
}

// busSender delivers mid-turn messages to the conversation the turn came
// from, or to an explicit "channel:chat_id" destination.
type busSender struct {
	bus *bus.MessageBus
}

func (s *busSender) SendMessage(ctx context.Context, destination, content string) error {
	channel, chatID := "", ""
	if destination != "" {
		if i := strings.IndexByte(destination, ':'); i > 0 {
			channel, chatID = destination[:i], destination[i+1:]
		}
	}
	if channel == "" {
		origin := tools.OriginFrom(ctx)
		channel, chatID = origin.Channel, origin.ChatID
	}
	if channel == "" {
		return fmt.Errorf("no destination for message")
	}
	s.bus.PublishOutbound(bus.MessageEnvelope{
		Channel:    channel,
		ChatID:     chatID,
		SenderID:   tools.BotIDFrom(ctx),
		SenderRole: bus.RoleAssistant,
		Content:    content,
	})
	return nil
}

func channelStatusNames(m *channels.Manager) []string {
	status := m.Status()
	names := make([]string, 0, len(status))
	for name := range status {
		names = append(names, name)
	}
	return names
}

func orDefault(v, def string) string {
	if v != "" {
		return v
	}
	return def
}
