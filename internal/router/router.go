package router

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/crewgate/crewgate/internal/config"
	"github.com/crewgate/crewgate/internal/providers"
	"github.com/crewgate/crewgate/internal/telemetry"
)

// Tier buckets a request by the capability it needs.
type Tier string

const (
	TierSimple    Tier = "simple"
	TierMedium    Tier = "medium"
	TierComplex   Tier = "complex"
	TierReasoning Tier = "reasoning"
	TierCoding    Tier = "coding"
)

const classifierTimeout = 500 * time.Millisecond

// Decision records how a request was routed.
type Decision struct {
	Tier      Tier
	Primary   string
	Secondary string
	Source    string // "rule", "sticky", "classifier", "default", "pinned"
}

// Router picks a model tier for each inbound request. Classification is
// layered: explicit rules, then the sticky tier for the room, then a fast
// LLM classifier, then the configured default. Routing never fails a
// request; every error path degrades to the default tier.
type Router struct {
	registry *providers.Registry

	defaultTier     Tier
	classifierModel string
	stickyTTL       time.Duration
	tiers           map[Tier]config.TierSpec
	rules           []compiledRule

	mu     sync.Mutex
	sticky map[string]stickyEntry // room ID → last tier
}

type compiledRule struct {
	re   *regexp.Regexp
	tier Tier
}

type stickyEntry struct {
	tier Tier
	at   time.Time
}

func New(cfg config.RouterConfig, registry *providers.Registry) *Router {
	r := &Router{
		registry:        registry,
		defaultTier:     TierMedium,
		classifierModel: cfg.ClassifierModel,
		stickyTTL:       time.Duration(cfg.StickyTTLSec) * time.Second,
		tiers:           make(map[Tier]config.TierSpec),
		sticky:          make(map[string]stickyEntry),
	}
	if cfg.DefaultTier != "" {
		r.defaultTier = Tier(cfg.DefaultTier)
	}
	if r.stickyTTL <= 0 {
		r.stickyTTL = 5 * time.Minute
	}
	for name, spec := range cfg.Tiers {
		r.tiers[Tier(name)] = spec
	}
	for _, rule := range cfg.Rules {
		re, err := regexp.Compile("(?i)" + rule.Pattern)
		if err != nil {
			slog.Warn("router: invalid rule pattern, skipping", "pattern", rule.Pattern, "error", err)
			continue
		}
		r.rules = append(r.rules, compiledRule{re: re, tier: Tier(rule.Tier)})
	}
	return r
}

// Route classifies text and returns the models to use. pinnedModel, when
// non-empty, bypasses classification entirely.
func (r *Router) Route(ctx context.Context, roomID, text, pinnedModel string) Decision {
	if pinnedModel != "" {
		return Decision{Tier: r.defaultTier, Primary: pinnedModel, Source: "pinned"}
	}

	tier, source := r.classify(ctx, roomID, text)
	spec, ok := r.tiers[tier]
	if !ok {
		spec = r.tiers[r.defaultTier]
		tier = r.defaultTier
	}

	r.remember(roomID, tier)
	return Decision{Tier: tier, Primary: spec.Primary, Secondary: spec.Secondary, Source: source}
}

func (r *Router) classify(ctx context.Context, roomID, text string) (Tier, string) {
	for _, rule := range r.rules {
		if rule.re.MatchString(text) {
			return rule.tier, "rule"
		}
	}

	if tier, ok := r.stickyFor(roomID); ok {
		return tier, "sticky"
	}

	if tier, ok := r.classifyLLM(ctx, text); ok {
		return tier, "classifier"
	}
	return r.defaultTier, "default"
}

func (r *Router) stickyFor(roomID string) (Tier, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.sticky[roomID]
	if !ok || time.Since(entry.at) > r.stickyTTL {
		return "", false
	}
	return entry.tier, true
}

func (r *Router) remember(roomID string, tier Tier) {
	r.mu.Lock()
	r.sticky[roomID] = stickyEntry{tier: tier, at: time.Now()}
	r.mu.Unlock()
}

// ClearSticky drops the sticky tier for a room (new conversation).
func (r *Router) ClearSticky(roomID string) {
	r.mu.Lock()
	delete(r.sticky, roomID)
	r.mu.Unlock()
}

const classifierPrompt = `Classify the request into exactly one tier.
Tiers: simple (greetings, short factual), medium (general conversation),
complex (multi-step analysis, long documents), reasoning (math, logic,
puzzles), coding (writing or debugging code).
Reply with the tier name only.`

func (r *Router) classifyLLM(ctx context.Context, text string) (Tier, bool) {
	if r.classifierModel == "" {
		return "", false
	}
	provider, model, err := r.registry.Resolve(r.classifierModel)
	if err != nil {
		return "", false
	}

	cctx, cancel := context.WithTimeout(ctx, classifierTimeout)
	defer cancel()

	if len(text) > 2000 {
		text = text[:2000]
	}
	resp, err := provider.Chat(cctx, providers.ChatRequest{
		Model: model,
		Messages: []providers.Message{
			{Role: "system", Content: classifierPrompt},
			{Role: "user", Content: text},
		},
		Options: map[string]interface{}{providers.OptMaxTokens: 8, providers.OptTemperature: 0.0},
	})
	if err != nil {
		slog.Debug("router: classifier unavailable", "error", err)
		return "", false
	}

	switch tier := Tier(strings.ToLower(strings.TrimSpace(resp.Content))); tier {
	case TierSimple, TierMedium, TierComplex, TierReasoning, TierCoding:
		return tier, true
	}
	return "", false
}

// Chat routes the request and calls the primary model, falling back to the
// secondary on failure. The decision is returned for logging either way.
func (r *Router) Chat(ctx context.Context, roomID, pinnedModel string, req providers.ChatRequest) (*providers.ChatResponse, Decision, error) {
	text := lastUserContent(req.Messages)
	decision := r.Route(ctx, roomID, text, pinnedModel)

	resp, err := r.chatWith(ctx, decision.Primary, req)
	if err == nil {
		return resp, decision, nil
	}
	if decision.Secondary == "" {
		return nil, decision, err
	}

	slog.Warn("router: primary model failed, trying secondary",
		"primary", decision.Primary, "secondary", decision.Secondary, "error", err)
	resp, err2 := r.chatWith(ctx, decision.Secondary, req)
	if err2 != nil {
		return nil, decision, err
	}
	return resp, decision, nil
}

// ChatStream is Chat with incremental delivery: onChunk receives content as
// the provider produces it. Fallback to the secondary stays non-streaming so
// a half-streamed primary failure never interleaves two answers.
func (r *Router) ChatStream(ctx context.Context, roomID, pinnedModel string, req providers.ChatRequest, onChunk func(providers.StreamChunk)) (*providers.ChatResponse, Decision, error) {
	text := lastUserContent(req.Messages)
	decision := r.Route(ctx, roomID, text, pinnedModel)

	resp, err := r.chatStreamWith(ctx, decision.Primary, req, onChunk)
	if err == nil {
		return resp, decision, nil
	}
	if decision.Secondary == "" {
		return nil, decision, err
	}

	slog.Warn("router: primary model failed, trying secondary",
		"primary", decision.Primary, "secondary", decision.Secondary, "error", err)
	resp, err2 := r.chatWith(ctx, decision.Secondary, req)
	if err2 != nil {
		return nil, decision, err
	}
	return resp, decision, nil
}

func (r *Router) chatStreamWith(ctx context.Context, spec string, req providers.ChatRequest, onChunk func(providers.StreamChunk)) (*providers.ChatResponse, error) {
	provider, model, err := r.registry.Resolve(spec)
	if err != nil {
		return nil, err
	}
	req.Model = model
	if req.Options == nil {
		req.Options = r.registry.Options(spec, 8192, 0.7)
	}

	ctx, span := telemetry.Tracer().Start(ctx, "llm.chat_stream",
		trace.WithAttributes(attribute.String("llm.model", spec)))
	defer span.End()

	resp, err := provider.ChatStream(ctx, req, onChunk)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if resp.Usage != nil {
		span.SetAttributes(
			attribute.Int("llm.tokens.prompt", resp.Usage.PromptTokens),
			attribute.Int("llm.tokens.completion", resp.Usage.CompletionTokens),
		)
	}
	return resp, nil
}

func (r *Router) chatWith(ctx context.Context, spec string, req providers.ChatRequest) (*providers.ChatResponse, error) {
	provider, model, err := r.registry.Resolve(spec)
	if err != nil {
		return nil, err
	}
	req.Model = model
	if req.Options == nil {
		req.Options = r.registry.Options(spec, 8192, 0.7)
	}

	ctx, span := telemetry.Tracer().Start(ctx, "llm.chat",
		trace.WithAttributes(attribute.String("llm.model", spec)))
	defer span.End()

	resp, err := provider.Chat(ctx, req)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if resp.Usage != nil {
		span.SetAttributes(
			attribute.Int("llm.tokens.prompt", resp.Usage.PromptTokens),
			attribute.Int("llm.tokens.completion", resp.Usage.CompletionTokens),
		)
	}
	return resp, nil
}

func lastUserContent(msgs []providers.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			return msgs[i].Content
		}
	}
	return ""
}
