package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/crewgate/crewgate/internal/audit"
	"github.com/crewgate/crewgate/internal/bus"
	"github.com/crewgate/crewgate/internal/config"
	"github.com/crewgate/crewgate/internal/identity"
	"github.com/crewgate/crewgate/internal/memory"
	"github.com/crewgate/crewgate/internal/providers"
	"github.com/crewgate/crewgate/internal/rooms"
	"github.com/crewgate/crewgate/internal/router"
	"github.com/crewgate/crewgate/internal/secrets"
	"github.com/crewgate/crewgate/internal/sessions"
	"github.com/crewgate/crewgate/internal/telemetry"
	"github.com/crewgate/crewgate/internal/tools"
)

const (
	defaultMaxIterations = 20
	maxMessageChars      = 32000

	onboardingMessage = "No provider credentials are configured yet. " +
		"Add an API key with `crewgate secrets set openrouter_key` (or set it in the config file) and try again."

	fallbackReply = "I could not produce a reply this time."
)

// MCPStatus is the slice of the MCP manager the loop needs for prompts.
type MCPStatus interface {
	ConnectedServers() []string
}

// StopFunc cancels running work for a room and returns a user-facing summary.
type StopFunc func(roomID string) string

// StreamFunc returns a per-turn delta sink for a conversation, or nil when
// the channel does not stream.
type StreamFunc func(channel, chatID, sender string) func(delta string)

// Deps wires the loop to every subsystem it touches.
type Deps struct {
	Config    *config.Config
	Bots      *identity.Manager
	Sessions  *sessions.Manager
	Compactor *sessions.Compactor
	Router    *router.Router
	Registry  *tools.Registry
	Secrets   *secrets.SecretManager
	Auditor   *audit.Log
	Memory    *memory.Facade
	Rooms     *rooms.Manager
	MCP       MCPStatus
	StopRoom  StopFunc
	Stream    StreamFunc
}

// Loop processes inbound envelopes through the full agent pipeline:
// commands, dispatch, secret conversion, memory, routing, the iterative
// tool loop, and finalization.
type Loop struct {
	deps          Deps
	dispatcher    *Dispatcher
	multibot      *MultiBot
	maxIterations int

	mu        sync.Mutex
	invokeSeq int
}

func NewLoop(deps Deps) *Loop {
	maxIter := deps.Config.Bots.Defaults.MaxToolIterations
	if maxIter <= 0 {
		maxIter = defaultMaxIterations
	}
	leader := deps.Config.ResolveDefaultBotID()

	keywords := make(map[string][]string)
	for _, name := range deps.Bots.Names() {
		if bot, ok := deps.Bots.Bot(name); ok && bot.Card != nil {
			keywords[name] = strings.Fields(strings.ToLower(bot.Card.Domain))
		}
	}

	l := &Loop{
		deps:          deps,
		dispatcher:    NewDispatcher(leader, keywords),
		maxIterations: maxIter,
	}
	l.multibot = NewMultiBot(l)
	return l
}

func (l *Loop) Leader() string { return l.dispatcher.leader }

// ProcessInbound handles one inbound envelope and returns the outbound reply,
// or nil when nothing should be delivered.
func (l *Loop) ProcessInbound(ctx context.Context, env bus.MessageEnvelope) (*bus.MessageEnvelope, error) {
	// Announcements from async invocations reuse the origin channel encoded
	// in the chat ID and skip dispatch.
	if env.Channel == bus.ChannelSystem {
		return l.processAnnouncement(ctx, env)
	}

	if !l.deps.Config.Providers.HasCredential() {
		return reply(env, l.Leader(), onboardingMessage), nil
	}

	// Nothing to dispatch on; answer without burning a model call.
	if strings.TrimSpace(env.Content) == "" {
		return reply(env, l.Leader(), fallbackReply), nil
	}

	if strings.HasPrefix(strings.TrimSpace(env.Content), "/") {
		return l.handleCommand(env), nil
	}

	room, ok := l.deps.Rooms.Get(env.RoomID)
	if !ok {
		return nil, fmt.Errorf("agent: unknown room %q", env.RoomID)
	}

	// Room-creation intent short-circuits the normal pipeline.
	if intent := DetectRoomIntent(env.Content); intent.ShouldCreate {
		return l.createRoomFor(env, intent)
	}

	decision := l.dispatcher.Dispatch(env.Content, room, room.Type == rooms.TypeDirect, l.dmTarget(room))
	slog.Debug("agent: dispatch", "room", room.ID, "target", decision.Target,
		"primary", decision.PrimaryBot, "reason", decision.Reason)

	switch decision.Target {
	case TargetMultiBot, TargetCrewContext:
		content, err := l.multibot.Generate(ctx, env, room, decision)
		if err != nil {
			return nil, err
		}
		res := reply(env, decision.PrimaryBot, content)
		res.SetMeta("multi_bot", "true")
		mode := "multi_bot"
		if decision.Target == TargetCrewContext {
			mode = "crew_context"
		}
		res.SetMeta("mode", mode)
		res.SetMeta("responding_bots",
			strings.Join(append([]string{decision.PrimaryBot}, decision.SecondaryBots...), ","))
		return res, nil
	default:
		return l.processSingle(ctx, env, room, decision.PrimaryBot)
	}
}

// processSingle runs the pipeline for one responding bot.
func (l *Loop) processSingle(ctx context.Context, env bus.MessageEnvelope, room *rooms.Room, botID string) (*bus.MessageEnvelope, error) {
	bot, ok := l.deps.Bots.Bot(botID)
	if !ok {
		bot, ok = l.deps.Bots.Bot(l.Leader())
	}
	if !ok {
		return nil, fmt.Errorf("agent: no bot available for room %s", room.ID)
	}

	sessionKey := sessions.RoomKey(room.ID)
	content := l.prepareInbound(env.Content, sessionKey)
	compactionsBefore := l.deps.Sessions.GetCompactionCount(sessionKey)

	l.deps.Memory.AppendEvent(ctx, room.ID, bot.Name, "message", "inbound: "+truncate(content, 500))

	run, err := l.runBot(ctx, bot, room, sessionKey, content, runOpts{
		channel: env.Channel,
		chatID:  env.ChatID,
	})
	if err != nil {
		slog.Error("agent: run failed", "bot", bot.Name, "room", room.ID, "error", err)
		return reply(env, bot.Name, "Something went wrong while processing that: "+err.Error()), nil
	}

	l.deps.Memory.AppendEvent(ctx, room.ID, bot.Name, "message", "outbound: "+truncate(run.text, 500))

	// A message tool already delivered the content mid-turn.
	if run.sent || run.text == "" {
		return nil, nil
	}
	res := reply(env, bot.Name, run.text)
	if run.streamed {
		res.SetMeta("streamed", "true")
	}
	l.annotateTurn(res, sessionKey, bot.Name, compactionsBefore)
	return res, nil
}

// annotateTurn attaches per-turn metadata so channels can surface context
// pressure and compaction events to the user.
func (l *Loop) annotateTurn(res *bus.MessageEnvelope, sessionKey, botName string, compactionsBefore int) {
	if res == nil {
		return
	}
	if tokens, _ := l.deps.Sessions.GetLastPromptTokens(sessionKey); tokens > 0 {
		if cw := l.deps.Config.ResolveBot(botName).ContextWindow; cw > 0 {
			res.SetMeta("context_usage", fmt.Sprintf("%d/%d", tokens, cw))
		}
	}
	if l.deps.Sessions.GetCompactionCount(sessionKey) > compactionsBefore {
		res.SetMeta("compaction_notice", "Older messages in this conversation were summarized to free up context.")
	}
}

// prepareInbound converts detected credentials to symbolic refs, masks any
// residue, and truncates oversized input.
func (l *Loop) prepareInbound(content, sessionKey string) string {
	content = l.deps.Secrets.ConvertToSymbolic(content, sessionKey)
	content = l.deps.Secrets.Vault().MaskKnown(content)
	if len(content) > maxMessageChars {
		original := len(content)
		content = content[:maxMessageChars] +
			fmt.Sprintf("\n\n[Message truncated from %d to %d characters.]", original, maxMessageChars)
		slog.Warn("agent: inbound truncated", "original_len", original)
	}
	return content
}

type runOpts struct {
	channel       string
	chatID        string
	maxIterations int // 0 = loop default
	extraPrompt   string
	skipMemory    bool
}

// runResult is what one full agent turn produced.
type runResult struct {
	text     string
	sent     bool // a message tool already delivered output this turn
	streamed bool // the final text reached the channel incrementally
}

// runBot is the iterative provider/tool loop shared by normal turns, async
// invocations, and routine ticks.
func (l *Loop) runBot(ctx context.Context, bot *identity.Bot, room *rooms.Room, sessionKey, userText string, opts runOpts) (runResult, error) {
	maxIter := opts.maxIterations
	if maxIter <= 0 {
		maxIter = l.maxIterations
	}

	if _, err := l.deps.Compactor.MaybeCompact(ctx, sessionKey); err != nil {
		slog.Warn("agent: compaction failed", "session", sessionKey, "error", err)
	}

	var memoryContext string
	if !opts.skipMemory && l.deps.Memory != nil {
		memoryContext = l.deps.Memory.AssembleContext(ctx, room.ID, bot.Name)
	}

	filtered := l.deps.Registry.FilterFor(bot.Permissions)
	if bot.Card != nil {
		filtered = filtered.FilterByCapabilities(bot.Card.Capabilities)
	}

	var mcpServers []string
	if l.deps.MCP != nil {
		mcpServers = l.deps.MCP.ConnectedServers()
	}

	systemPrompt := BuildSystemPrompt(PromptConfig{
		Bot:           bot,
		Room:          room,
		Workspace:     l.deps.Config.ResolveBot(bot.Name).Workspace,
		ToolNames:     filtered.Names(),
		MemoryContext: memoryContext,
		MCPServers:    mcpServers,
		Extra:         opts.extraPrompt,
	})

	messages := []providers.Message{{Role: "system", Content: systemPrompt}}
	if summary := l.deps.Sessions.GetSummary(sessionKey); summary != "" {
		messages = append(messages, providers.Message{
			Role:    "user",
			Content: "[Previous conversation summary]\n" + summary,
		})
		messages = append(messages, providers.Message{
			Role:    "assistant",
			Content: "Understood, I have the context.",
		})
	}
	messages = append(messages, l.deps.Sessions.GetHistory(sessionKey)...)
	messages = append(messages, providers.Message{Role: "user", Content: userText})

	// Buffer new messages; flush to the session only after the run completes
	// so a failed run leaves the session untouched.
	pending := []providers.Message{{Role: "user", Content: userText}}

	ctx = tools.WithRoomID(ctx, room.ID)
	ctx = tools.WithBotID(ctx, bot.Name)
	if opts.channel != "" {
		ctx = tools.WithOrigin(ctx, tools.Origin{Channel: opts.channel, ChatID: opts.chatID})
	}
	ctx, sentFlag := tools.WithSentInTurn(ctx)

	botDefaults := l.deps.Config.ResolveBot(bot.Name)
	pinnedModel := ""
	if spec, ok := l.deps.Config.Bots.List[bot.Name]; ok {
		pinnedModel = spec.Model
	}

	var sink func(string)
	if l.deps.Stream != nil && opts.channel != "" {
		sink = l.deps.Stream(opts.channel, opts.chatID, bot.Name)
	}

	var finalContent string
	var totalUsage providers.Usage
	lastPromptTokens := 0
	streamedIter := false
	iteration := 0

	for iteration < maxIter {
		iteration++

		req := providers.ChatRequest{
			Messages: messages,
			Tools:    filtered.Definitions(),
			Options: map[string]interface{}{
				providers.OptMaxTokens:   botDefaults.MaxTokens,
				providers.OptTemperature: botDefaults.Temperature,
			},
		}

		var resp *providers.ChatResponse
		var decision router.Decision
		var err error
		if sink != nil {
			streamedIter = false
			resp, decision, err = l.deps.Router.ChatStream(ctx, room.ID, pinnedModel, req, func(chunk providers.StreamChunk) {
				if chunk.Content != "" {
					streamedIter = true
					sink(chunk.Content)
				}
			})
		} else {
			resp, decision, err = l.deps.Router.Chat(ctx, room.ID, pinnedModel, req)
		}
		if err != nil {
			return runResult{}, fmt.Errorf("LLM call failed (iteration %d): %w", iteration, err)
		}
		slog.Debug("agent: iteration", "bot", bot.Name, "iteration", iteration,
			"tier", decision.Tier, "tool_calls", len(resp.ToolCalls))

		if resp.Usage != nil {
			totalUsage.PromptTokens += resp.Usage.PromptTokens
			totalUsage.CompletionTokens += resp.Usage.CompletionTokens
			lastPromptTokens = resp.Usage.PromptTokens
		}

		if len(resp.ToolCalls) == 0 {
			finalContent = resp.Content
			break
		}

		assistantMsg := providers.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		}
		messages = append(messages, assistantMsg)
		pending = append(pending, assistantMsg)

		toolMsgs := l.executeToolCalls(ctx, bot, filtered, room.ID, resp.ToolCalls)
		messages = append(messages, toolMsgs...)
		pending = append(pending, toolMsgs...)
	}

	finalContent = SanitizeAssistantContent(finalContent)
	silent := IsSilentReply(finalContent)
	if finalContent == "" {
		finalContent = fallbackReply
	}
	pending = append(pending, providers.Message{Role: "assistant", Content: finalContent})

	for _, msg := range pending {
		l.deps.Sessions.AddMessage(sessionKey, msg)
	}
	l.deps.Sessions.AccumulateTokens(sessionKey, int64(totalUsage.PromptTokens), int64(totalUsage.CompletionTokens))
	if lastPromptTokens > 0 {
		l.deps.Sessions.SetLastPromptTokens(sessionKey, lastPromptTokens, len(messages))
	}
	if cw := botDefaults.ContextWindow; cw > 0 {
		l.deps.Sessions.SetContextWindow(sessionKey, cw)
	}
	if err := l.deps.Sessions.Save(sessionKey); err != nil {
		slog.Warn("agent: session save failed", "session", sessionKey, "error", err)
	}

	if silent {
		slog.Info("agent: silent reply, suppressing delivery", "bot", bot.Name, "session", sessionKey)
		return runResult{sent: sentFlag.Sent()}, nil
	}
	return runResult{text: finalContent, sent: sentFlag.Sent(), streamed: streamedIter}, nil
}

// executeToolCalls runs tool calls, in parallel when there is more than one.
// Results come back ordered by the original call index so the transcript is
// deterministic. Secret refs in arguments are resolved only for the duration
// of the call and the audit trail sees symbolic refs only.
func (l *Loop) executeToolCalls(ctx context.Context, bot *identity.Bot, registry *tools.Registry, roomID string, calls []providers.ToolCall) []providers.Message {
	results := make([]*tools.Result, len(calls))

	run := func(idx int, tc providers.ToolCall) {
		results[idx] = l.executeOne(ctx, bot, registry, roomID, tc)
	}

	if len(calls) == 1 {
		run(0, calls[0])
	} else {
		var wg sync.WaitGroup
		for i, tc := range calls {
			wg.Add(1)
			go func(idx int, tc providers.ToolCall) {
				defer wg.Done()
				run(idx, tc)
			}(i, tc)
		}
		wg.Wait()
	}

	msgs := make([]providers.Message, 0, len(calls))
	for i, tc := range calls {
		result := results[i]
		if result.IsError {
			slog.Warn("agent: tool error", "bot", bot.Name, "tool", tc.Name,
				"error", truncate(result.ForLLM, 200))
		}
		msgs = append(msgs, providers.Message{
			Role:       "tool",
			Content:    result.ForLLM,
			ToolCallID: tc.ID,
		})
	}
	return msgs
}

func (l *Loop) executeOne(ctx context.Context, bot *identity.Bot, registry *tools.Registry, roomID string, tc providers.ToolCall) *tools.Result {
	if bot.Card != nil {
		argsJSON, _ := json.Marshal(tc.Arguments)
		if ban, violated := bot.Card.ViolatesHardBan(string(argsJSON)); violated {
			return tools.ErrorResult(fmt.Sprintf("refused: this action violates a hard ban (%s)", ban))
		}
	}

	resolved, refs := l.deps.Secrets.ResolveArgs(tc.Arguments)
	keyRef := ""
	if len(refs) > 0 {
		keyRef = refs[0]
	}
	// Tools that resolve their own vault key declare the ref to record.
	if keyRef == "" {
		if t, ok := registry.Get(tc.Name); ok {
			if ct, ok := t.(tools.CredentialTool); ok {
				keyRef = ct.KeyRef()
			}
		}
	}

	toolCtx, span := telemetry.Tracer().Start(ctx, "tool."+tc.Name,
		trace.WithAttributes(
			attribute.String("tool.name", tc.Name),
			attribute.String("bot.name", bot.Name),
			attribute.String("room.id", roomID),
		))
	defer span.End()

	var result *tools.Result
	_ = l.deps.Auditor.Op("tool."+tc.Name, keyRef, roomID, func() error {
		result = registry.Execute(toolCtx, tc.Name, resolved)
		if result.IsError {
			return fmt.Errorf("%s", truncate(result.ForLLM, 200))
		}
		return nil
	})
	// Drop resolved copies as soon as the call returns.
	for k := range resolved {
		delete(resolved, k)
	}
	return result
}

// processAnnouncement handles a system-channel envelope published by an async
// invocation: the leader summarizes the result for the origin conversation.
func (l *Loop) processAnnouncement(ctx context.Context, env bus.MessageEnvelope) (*bus.MessageEnvelope, error) {
	originChannel, originChatID := env.SystemOrigin()
	if originChannel == "" {
		return nil, fmt.Errorf("agent: malformed system envelope chat_id %q", env.ChatID)
	}

	roomID := env.RoomID
	if roomID == "" {
		roomID = l.deps.Rooms.AutoJoinGeneral(originChannel, originChatID)
	}
	room, ok := l.deps.Rooms.Get(roomID)
	if !ok {
		return nil, fmt.Errorf("agent: unknown room %q for announcement", roomID)
	}

	bot, ok := l.deps.Bots.Bot(l.Leader())
	if !ok {
		return nil, fmt.Errorf("agent: leader bot missing")
	}

	sessionKey := sessions.RoomKey(room.ID)
	compactionsBefore := l.deps.Sessions.GetCompactionCount(sessionKey)
	run, err := l.runBot(ctx, bot, room, sessionKey, env.Content, runOpts{
		channel:     originChannel,
		chatID:      originChatID,
		extraPrompt: "A delegated bot finished its task. Summarize the result above for the user in one or two short sentences.",
	})
	if err != nil {
		return nil, err
	}
	if run.sent || run.text == "" {
		return nil, nil
	}
	res := &bus.MessageEnvelope{
		Channel:    originChannel,
		ChatID:     originChatID,
		RoomID:     room.ID,
		SenderID:   bot.Name,
		SenderRole: bus.RoleAssistant,
		Direction:  bus.DirectionOutbound,
		Content:    run.text,
	}
	if run.streamed {
		res.SetMeta("streamed", "true")
	}
	l.annotateTurn(res, sessionKey, bot.Name, compactionsBefore)
	return res, nil
}

func (l *Loop) createRoomFor(env bus.MessageEnvelope, intent RoomIntent) (*bus.MessageEnvelope, error) {
	participants := SuggestBotsForProject(intent.ProjectType)
	room, err := l.deps.Rooms.Create(intent.RoomName, rooms.TypeProject, participants, true)
	if err != nil {
		return reply(env, l.Leader(), "Could not create the room: "+err.Error()), nil
	}
	msg := fmt.Sprintf("Created room %q (%s) for a %s project with %s.",
		room.Name, room.ID, intent.ProjectType, strings.Join(prefixed(room.Participants), ", "))
	return reply(env, l.Leader(), msg), nil
}

func (l *Loop) handleCommand(env bus.MessageEnvelope) *bus.MessageEnvelope {
	cmd := strings.Fields(strings.TrimSpace(env.Content))[0]
	switch cmd {
	case "/new":
		l.deps.Sessions.Reset(sessions.RoomKey(env.RoomID))
		l.deps.Router.ClearSticky(env.RoomID)
		return reply(env, l.Leader(), "Session cleared. The room and its tasks are untouched.")
	case "/stop":
		summary := "Nothing was running."
		if l.deps.StopRoom != nil {
			summary = l.deps.StopRoom(env.RoomID)
		}
		return reply(env, l.Leader(), summary)
	case "/help":
		return reply(env, l.Leader(), helpText)
	default:
		return reply(env, l.Leader(), fmt.Sprintf("Unknown command %s. Try /help.", cmd))
	}
}

const helpText = `Commands:
/new  - clear this room's conversation history
/stop - cancel running work in this room
/help - this text

Mention @all for everyone, @team for the best-matching bots, or @<bot> directly.`

func (l *Loop) dmTarget(room *rooms.Room) string {
	if room.Type != rooms.TypeDirect {
		return ""
	}
	for _, p := range room.Participants {
		if p != l.Leader() {
			return p
		}
	}
	return l.Leader()
}

func (l *Loop) nextInvocationID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.invokeSeq++
	return fmt.Sprintf("inv-%04d", l.invokeSeq)
}

func reply(inbound bus.MessageEnvelope, botID, content string) *bus.MessageEnvelope {
	return &bus.MessageEnvelope{
		Channel:    inbound.Channel,
		ChatID:     inbound.ChatID,
		RoomID:     inbound.RoomID,
		SenderID:   botID,
		SenderRole: bus.RoleAssistant,
		Direction:  bus.DirectionOutbound,
		Content:    content,
	}
}

func prefixed(names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = "@" + n
	}
	sort.Strings(out)
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
