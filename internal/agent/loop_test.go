package agent

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/crewgate/crewgate/internal/audit"
	"github.com/crewgate/crewgate/internal/bus"
	"github.com/crewgate/crewgate/internal/config"
	"github.com/crewgate/crewgate/internal/identity"
	"github.com/crewgate/crewgate/internal/providers"
	"github.com/crewgate/crewgate/internal/rooms"
	"github.com/crewgate/crewgate/internal/router"
	"github.com/crewgate/crewgate/internal/secrets"
	"github.com/crewgate/crewgate/internal/sessions"
	"github.com/crewgate/crewgate/internal/tools"
)

// scriptedProvider replays canned responses in order, repeating the last one
// when the script runs out.
type scriptedProvider struct {
	mu       sync.Mutex
	script   []providers.ChatResponse
	requests []providers.ChatRequest
	streams  int
}

func (p *scriptedProvider) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if len(p.script) == 0 {
		return &providers.ChatResponse{Content: "ok", FinishReason: "stop"}, nil
	}
	resp := p.script[0]
	if len(p.script) > 1 {
		p.script = p.script[1:]
	}
	return &resp, nil
}

func (p *scriptedProvider) ChatStream(ctx context.Context, req providers.ChatRequest, onChunk func(providers.StreamChunk)) (*providers.ChatResponse, error) {
	p.mu.Lock()
	p.streams++
	p.mu.Unlock()

	resp, err := p.Chat(ctx, req)
	if err != nil {
		return nil, err
	}
	if onChunk != nil && resp.Content != "" && len(resp.ToolCalls) == 0 {
		mid := len(resp.Content) / 2
		onChunk(providers.StreamChunk{Content: resp.Content[:mid]})
		onChunk(providers.StreamChunk{Content: resp.Content[mid:]})
		onChunk(providers.StreamChunk{Done: true})
	}
	return resp, nil
}

func (p *scriptedProvider) DefaultModel() string { return "scripted" }
func (p *scriptedProvider) Name() string         { return "fake" }

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func (p *scriptedProvider) request(i int) providers.ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[i]
}

// scriptedTool records its calls and returns a fixed result.
type scriptedTool struct {
	name   string
	result *tools.Result

	mu    sync.Mutex
	calls int
}

func (s *scriptedTool) Name() string        { return s.name }
func (s *scriptedTool) Description() string { return "scripted" }
func (s *scriptedTool) Parameters() map[string]interface{} {
	return map[string]interface{}{"type": "object"}
}

func (s *scriptedTool) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.result != nil {
		return s.result
	}
	return tools.SilentResult("done")
}

func (s *scriptedTool) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// keyRefTool is a scriptedTool that declares a vault key, like web_search.
type keyRefTool struct {
	scriptedTool
}

func (k *keyRefTool) KeyRef() string { return secrets.RefFor("brave_key") }

const testSoul = `# Soul
You coordinate the crew and keep answers short.
`

const openRole = `## Display Name
Assistant

## Domain
coordination
`

const restrictedRole = `## Display Name
Assistant

## Domain
coordination

## Capabilities
- can_send_messages
- can_exec_commands
`

func writeBot(t *testing.T, workspace, name, role string) {
	t.Helper()
	dir := filepath.Join(workspace, "bots", name)
	if err := os.MkdirAll(dir, 0700); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	for file, content := range map[string]string{"SOUL.md": testSoul, "ROLE.md": role} {
		if err := os.WriteFile(filepath.Join(dir, file), []byte(content), 0600); err != nil {
			t.Fatalf("WriteFile %s: %v", file, err)
		}
	}
}

type loopFixture struct {
	cfg      *config.Config
	provider *scriptedProvider
	registry *tools.Registry
	sessions *sessions.Manager
	auditor  *audit.Log
	rooms    *rooms.Manager
	deps     Deps
}

// newLoopFixture wires a Loop against a scripted provider and throwaway
// storage. roleByBot defaults to a single leader bot named assistant.
func newLoopFixture(t *testing.T, provider *scriptedProvider, roleByBot map[string]string) *loopFixture {
	t.Helper()

	workspace := t.TempDir()
	if roleByBot == nil {
		roleByBot = map[string]string{"assistant": openRole}
	}
	for name, role := range roleByBot {
		writeBot(t, workspace, name, role)
	}
	bots, err := identity.NewManager(workspace, "")
	if err != nil {
		t.Fatalf("identity.NewManager: %v", err)
	}

	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Bots.Defaults.Workspace = workspace
	cfg.Providers.OpenRouter.APIKey = "configured"

	reg := providers.NewRegistry()
	reg.Register(provider)
	reg.SetDefault(provider.Name())
	modelRouter := router.New(config.RouterConfig{
		DefaultTier: "medium",
		Tiers:       map[string]config.TierSpec{"medium": {Primary: "fake/scripted"}},
	}, reg)

	roomMgr, err := rooms.NewManager(t.TempDir(), "assistant")
	if err != nil {
		t.Fatalf("rooms.NewManager: %v", err)
	}
	sessionMgr := sessions.NewManager(nil)

	vault, err := secrets.NewKeyVault(t.TempDir())
	if err != nil {
		t.Fatalf("secrets.NewKeyVault: %v", err)
	}
	auditor, err := audit.New(filepath.Join(t.TempDir(), "audit.jsonl"))
	if err != nil {
		t.Fatalf("audit.New: %v", err)
	}

	f := &loopFixture{
		cfg:      cfg,
		provider: provider,
		registry: tools.NewRegistry(),
		sessions: sessionMgr,
		auditor:  auditor,
		rooms:    roomMgr,
	}
	f.deps = Deps{
		Config:    cfg,
		Bots:      bots,
		Sessions:  sessionMgr,
		Compactor: sessions.NewCompactor(sessionMgr, sessions.CompactOptions{Mode: sessions.CompactOff}, nil, nil),
		Router:    modelRouter,
		Registry:  f.registry,
		Secrets:   secrets.NewSecretManager(vault, secrets.NewSanitizer(0.7)),
		Auditor:   auditor,
		Rooms:     roomMgr,
	}
	return f
}

func (f *loopFixture) newLoop() *Loop { return NewLoop(f.deps) }

func userMessage(content string) bus.MessageEnvelope {
	return bus.MessageEnvelope{
		Channel:    "cli",
		ChatID:     "local",
		RoomID:     rooms.GeneralRoomID,
		SenderID:   "dave",
		SenderRole: bus.RoleUser,
		Direction:  bus.DirectionInbound,
		Content:    content,
	}
}

func TestProcessInboundBlankContent(t *testing.T) {
	p := &scriptedProvider{}
	f := newLoopFixture(t, p, nil)
	l := f.newLoop()

	res, err := l.ProcessInbound(context.Background(), userMessage("   "))
	if err != nil {
		t.Fatalf("ProcessInbound: %v", err)
	}
	if res == nil || res.Content != fallbackReply {
		t.Fatalf("reply = %+v, want fallback", res)
	}
	if n := p.callCount(); n != 0 {
		t.Fatalf("model called %d times for blank input", n)
	}
}

func TestProcessInboundWithoutCredentials(t *testing.T) {
	p := &scriptedProvider{}
	f := newLoopFixture(t, p, nil)
	f.cfg.Providers = config.ProvidersConfig{}
	l := f.newLoop()

	res, err := l.ProcessInbound(context.Background(), userMessage("hello"))
	if err != nil {
		t.Fatalf("ProcessInbound: %v", err)
	}
	if res == nil || res.Content != onboardingMessage {
		t.Fatalf("reply = %+v, want onboarding", res)
	}
	if n := p.callCount(); n != 0 {
		t.Fatalf("model called %d times without credentials", n)
	}
}

func TestRunBotStopsAtIterationBound(t *testing.T) {
	call := providers.ToolCall{ID: "call_1", Name: "noop", Arguments: map[string]interface{}{}}
	p := &scriptedProvider{script: []providers.ChatResponse{
		{ToolCalls: []providers.ToolCall{call}, FinishReason: "tool_calls"},
	}}
	f := newLoopFixture(t, p, nil)
	noop := &scriptedTool{name: "noop"}
	f.registry.Register(noop)
	f.cfg.Bots.Defaults.MaxToolIterations = 3
	l := f.newLoop()

	res, err := l.ProcessInbound(context.Background(), userMessage("keep going"))
	if err != nil {
		t.Fatalf("ProcessInbound: %v", err)
	}
	if res == nil || res.Content != fallbackReply {
		t.Fatalf("reply = %+v, want fallback after exhausted iterations", res)
	}
	if n := p.callCount(); n != 3 {
		t.Fatalf("model calls = %d, want 3", n)
	}
	if n := noop.callCount(); n != 3 {
		t.Fatalf("tool calls = %d, want 3", n)
	}
}

func TestInboundCredentialConvertedBeforeProvider(t *testing.T) {
	p := &scriptedProvider{script: []providers.ChatResponse{
		{Content: "Noted, stored safely.", FinishReason: "stop"},
	}}
	f := newLoopFixture(t, p, nil)
	l := f.newLoop()

	const raw = "sk-or-v1-abcdef0123456789abcdef0123456789"
	res, err := l.ProcessInbound(context.Background(), userMessage("use "+raw+" for my account"))
	if err != nil {
		t.Fatalf("ProcessInbound: %v", err)
	}
	if res == nil {
		t.Fatal("no reply")
	}

	sawRef := false
	for i := 0; i < p.callCount(); i++ {
		for _, msg := range p.request(i).Messages {
			if strings.Contains(msg.Content, raw) {
				t.Fatalf("raw credential reached the provider in a %s message", msg.Role)
			}
			if strings.Contains(msg.Content, "{{openrouter_key}}") {
				sawRef = true
			}
		}
	}
	if !sawRef {
		t.Fatal("symbolic reference missing from the prompt")
	}
}

func TestSilentReplySuppressed(t *testing.T) {
	p := &scriptedProvider{script: []providers.ChatResponse{
		{Content: "NO_REPLY", FinishReason: "stop"},
	}}
	f := newLoopFixture(t, p, nil)
	l := f.newLoop()

	res, err := l.ProcessInbound(context.Background(), userMessage("overheard chatter"))
	if err != nil {
		t.Fatalf("ProcessInbound: %v", err)
	}
	if res != nil {
		t.Fatalf("silent reply delivered: %+v", res)
	}
}

func TestCredentialToolAuditedOncePerCall(t *testing.T) {
	search := &keyRefTool{scriptedTool{
		name:   "web_search",
		result: tools.SilentResult("1. Go documentation\n   https://go.dev/doc\n"),
	}}
	p := &scriptedProvider{script: []providers.ChatResponse{
		{ToolCalls: []providers.ToolCall{
			{ID: "call_1", Name: "web_search", Arguments: map[string]interface{}{"query": "go docs"}},
		}, FinishReason: "tool_calls"},
		{Content: "The docs live at go.dev/doc.", FinishReason: "stop"},
	}}
	f := newLoopFixture(t, p, nil)
	f.registry.Register(search)
	l := f.newLoop()

	res, err := l.ProcessInbound(context.Background(), userMessage("find the go docs"))
	if err != nil {
		t.Fatalf("ProcessInbound: %v", err)
	}
	if res == nil || !strings.Contains(res.Content, "go.dev") {
		t.Fatalf("reply = %+v", res)
	}

	entries, err := f.auditor.Tail(0)
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	var searches []audit.Entry
	for _, e := range entries {
		if e.Operation == "tool.web_search" {
			searches = append(searches, e)
		}
	}
	if len(searches) != 1 {
		t.Fatalf("web_search audit entries = %d, want exactly 1", len(searches))
	}
	e := searches[0]
	if e.KeyRef != "{{brave_key}}" {
		t.Fatalf("key_ref = %q, want symbolic brave_key", e.KeyRef)
	}
	if !e.Success || e.RoomID != rooms.GeneralRoomID {
		t.Fatalf("entry = %+v", e)
	}
}

func TestReplyCarriesContextUsage(t *testing.T) {
	p := &scriptedProvider{script: []providers.ChatResponse{
		{Content: "All set.", FinishReason: "stop", Usage: &providers.Usage{PromptTokens: 1200, CompletionTokens: 12}},
	}}
	f := newLoopFixture(t, p, nil)
	l := f.newLoop()

	res, err := l.ProcessInbound(context.Background(), userMessage("status"))
	if err != nil {
		t.Fatalf("ProcessInbound: %v", err)
	}
	if res == nil {
		t.Fatal("no reply")
	}
	if got := res.Meta("context_usage"); got != "1200/200000" {
		t.Fatalf("context_usage = %q", got)
	}
	if res.Meta("compaction_notice") != "" {
		t.Fatal("compaction notice set without a compaction")
	}
}

func TestReplyCarriesCompactionNotice(t *testing.T) {
	p := &scriptedProvider{script: []providers.ChatResponse{
		{Content: "Picking up where we left off.", FinishReason: "stop"},
	}}
	f := newLoopFixture(t, p, nil)
	f.deps.Compactor = sessions.NewCompactor(f.sessions, sessions.CompactOptions{
		Mode:             sessions.CompactSummary,
		ThresholdPercent: 0.8,
		MaxContextTokens: 125,
		KeepLastMessages: 2,
	}, nil, nil)
	l := f.newLoop()

	key := sessions.RoomKey(rooms.GeneralRoomID)
	for i := 0; i < 10; i++ {
		f.sessions.AddMessage(key, providers.Message{Role: "user", Content: strings.Repeat("filler text here ", 20)})
		f.sessions.AddMessage(key, providers.Message{Role: "assistant", Content: "noted"})
	}

	res, err := l.ProcessInbound(context.Background(), userMessage("where were we"))
	if err != nil {
		t.Fatalf("ProcessInbound: %v", err)
	}
	if res == nil {
		t.Fatal("no reply")
	}
	if res.Meta("compaction_notice") == "" {
		t.Fatal("compaction ran but no notice on the reply")
	}
}

func TestMultiBotReplyMetadata(t *testing.T) {
	p := &scriptedProvider{script: []providers.ChatResponse{
		{Content: "Short take from me.", FinishReason: "stop"},
	}}
	f := newLoopFixture(t, p, map[string]string{"assistant": openRole, "scout": openRole})
	room, err := f.rooms.Create("triage", rooms.TypeProject, []string{"assistant", "scout"}, false)
	if err != nil {
		t.Fatalf("Create room: %v", err)
	}
	l := f.newLoop()

	env := userMessage("@all status check")
	env.RoomID = room.ID
	res, err := l.ProcessInbound(context.Background(), env)
	if err != nil {
		t.Fatalf("ProcessInbound: %v", err)
	}
	if res == nil {
		t.Fatal("no reply")
	}
	if res.Meta("multi_bot") != "true" || res.Meta("mode") != "multi_bot" {
		t.Fatalf("meta = %v", res.Metadata)
	}
	if got := res.Meta("responding_bots"); got != "assistant,scout" {
		t.Fatalf("responding_bots = %q", got)
	}
	if !strings.Contains(res.Content, "@assistant") || !strings.Contains(res.Content, "@scout") {
		t.Fatalf("combined reply missing labels: %q", res.Content)
	}
}

func TestStreamedReplyMarksEnvelope(t *testing.T) {
	p := &scriptedProvider{script: []providers.ChatResponse{
		{Content: "streamed reply text", FinishReason: "stop"},
	}}
	f := newLoopFixture(t, p, nil)

	var mu sync.Mutex
	var streamed strings.Builder
	f.deps.Stream = func(channel, chatID, sender string) func(delta string) {
		return func(delta string) {
			mu.Lock()
			streamed.WriteString(delta)
			mu.Unlock()
		}
	}
	l := f.newLoop()

	res, err := l.ProcessInbound(context.Background(), userMessage("hello"))
	if err != nil {
		t.Fatalf("ProcessInbound: %v", err)
	}
	if res == nil {
		t.Fatal("no reply")
	}
	if res.Meta("streamed") != "true" {
		t.Fatalf("meta = %v, want streamed marker", res.Metadata)
	}
	if res.Content != "streamed reply text" {
		t.Fatalf("content = %q", res.Content)
	}
	mu.Lock()
	got := streamed.String()
	mu.Unlock()
	if got != res.Content {
		t.Fatalf("deltas assembled to %q, want %q", got, res.Content)
	}
	if p.streams != 1 {
		t.Fatalf("stream calls = %d, want 1", p.streams)
	}
}

func TestNonStreamingTurnHasNoStreamMarker(t *testing.T) {
	p := &scriptedProvider{script: []providers.ChatResponse{
		{Content: "plain reply", FinishReason: "stop"},
	}}
	f := newLoopFixture(t, p, nil)
	l := f.newLoop()

	res, err := l.ProcessInbound(context.Background(), userMessage("hello"))
	if err != nil {
		t.Fatalf("ProcessInbound: %v", err)
	}
	if res == nil || res.Meta("streamed") != "" {
		t.Fatalf("reply = %+v, want no stream marker", res)
	}
	if p.streams != 0 {
		t.Fatalf("stream calls = %d without a sink", p.streams)
	}
}

func TestCapabilityGateLimitsToolDefinitions(t *testing.T) {
	p := &scriptedProvider{script: []providers.ChatResponse{
		{Content: "done", FinishReason: "stop"},
	}}
	f := newLoopFixture(t, p, map[string]string{"assistant": restrictedRole})
	f.registry.Register(&scriptedTool{name: "web_search"})
	f.registry.Register(&scriptedTool{name: "read_file"})
	f.registry.Register(&scriptedTool{name: "exec_command"})
	l := f.newLoop()

	if _, err := l.ProcessInbound(context.Background(), userMessage("hello")); err != nil {
		t.Fatalf("ProcessInbound: %v", err)
	}

	names := make(map[string]bool)
	for _, d := range p.request(0).Tools {
		names[d.Function.Name] = true
	}
	if names["web_search"] {
		t.Fatal("web_search offered despite can_access_web off")
	}
	if !names["read_file"] || !names["exec_command"] {
		t.Fatalf("allowed tools missing from prompt: %v", names)
	}
}

func TestInvokerRejectsLeaderAndUnknown(t *testing.T) {
	p := &scriptedProvider{}
	f := newLoopFixture(t, p, map[string]string{"assistant": openRole, "scout": openRole})
	l := f.newLoop()
	inv := NewInvoker(l, bus.NewMessageBus())

	if _, err := inv.Invoke(context.Background(), "scout", "assistant", "summarize"); err == nil {
		t.Fatal("leader invocation accepted")
	}
	if _, err := inv.Invoke(context.Background(), "assistant", "ghost", "summarize"); err == nil {
		t.Fatal("unknown bot accepted")
	}
	if n := p.callCount(); n != 0 {
		t.Fatalf("model called %d times for rejected invocations", n)
	}
}

func TestInvokerConcurrencyLimit(t *testing.T) {
	p := &scriptedProvider{}
	f := newLoopFixture(t, p, map[string]string{"assistant": openRole, "scout": openRole})
	inv := NewInvoker(f.newLoop(), bus.NewMessageBus())

	if !inv.reserve("scout", 2) || !inv.reserve("scout", 2) {
		t.Fatal("slots within the limit refused")
	}
	if inv.reserve("scout", 2) {
		t.Fatal("slot granted beyond the limit")
	}
	inv.release("scout")
	if !inv.reserve("scout", 2) {
		t.Fatal("released slot not reusable")
	}
}

func TestRunRoutineHonorsHeartbeatGate(t *testing.T) {
	p := &scriptedProvider{}
	f := newLoopFixture(t, p, map[string]string{"assistant": restrictedRole})
	l := f.newLoop()

	if err := l.RunRoutine(context.Background(), "assistant", "r1", "tick"); err == nil {
		t.Fatal("routine ran with heartbeat disabled on the role card")
	}
	if n := p.callCount(); n != 0 {
		t.Fatalf("model called %d times for a gated routine", n)
	}
}
