package providers

import (
	"fmt"
	"strings"
	"sync"
)

// ModelParams are per-model request overrides applied by the registry.
type ModelParams struct {
	MaxTokens     int
	Temperature   *float64
	ThinkingLevel string // "off", "low", "medium", "high"
}

// Registry maps model specs to providers. A spec is "<provider>/<model>"
// where the first segment names a registered provider; the remainder is the
// model ID passed through (OpenRouter IDs keep their own vendor prefix, so
// "openrouter/anthropic/claude-sonnet-4" is provider openrouter, model
// "anthropic/claude-sonnet-4"). Bare model names fall through prefix
// heuristics, then the default provider.
type Registry struct {
	mu              sync.RWMutex
	providers       map[string]Provider
	overrides       map[string]ModelParams
	defaultProvider string
}

func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
		overrides: make(map[string]ModelParams),
	}
}

// Register adds a provider. The first registered provider becomes the
// default unless SetDefault is called.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
	if r.defaultProvider == "" {
		r.defaultProvider = p.Name()
	}
}

func (r *Registry) SetDefault(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[name]; ok {
		r.defaultProvider = name
	}
}

// SetOverride attaches request parameter overrides to a model spec.
func (r *Registry) SetOverride(spec string, params ModelParams) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overrides[spec] = params
}

// Names returns the registered provider names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for n := range r.providers {
		names = append(names, n)
	}
	return names
}

// Get returns a provider by name.
func (r *Registry) Get(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// Resolve splits a model spec into its provider and model ID.
func (r *Registry) Resolve(spec string) (Provider, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.providers) == 0 {
		return nil, "", fmt.Errorf("registry: no providers configured")
	}

	if name, model, ok := strings.Cut(spec, "/"); ok {
		if p, exists := r.providers[name]; exists {
			return p, model, nil
		}
	}

	// Bare model name: recognize well-known prefixes.
	name := r.defaultProvider
	switch {
	case strings.HasPrefix(spec, "claude-"):
		if _, ok := r.providers["anthropic"]; ok {
			name = "anthropic"
		}
	case strings.HasPrefix(spec, "gpt-"), strings.HasPrefix(spec, "o1"),
		strings.HasPrefix(spec, "o3"), strings.HasPrefix(spec, "o4"):
		if _, ok := r.providers["openai"]; ok {
			name = "openai"
		}
	}

	p, ok := r.providers[name]
	if !ok {
		return nil, "", fmt.Errorf("registry: unknown provider for model %q", spec)
	}
	if spec == "" {
		return p, p.DefaultModel(), nil
	}
	return p, spec, nil
}

// Options returns the request options for a model spec, merging registry
// overrides over the supplied defaults.
func (r *Registry) Options(spec string, maxTokens int, temperature float64) map[string]interface{} {
	opts := map[string]interface{}{
		OptMaxTokens:   maxTokens,
		OptTemperature: temperature,
	}

	r.mu.RLock()
	params, ok := r.overrides[spec]
	r.mu.RUnlock()
	if !ok {
		return opts
	}

	if params.MaxTokens > 0 {
		opts[OptMaxTokens] = params.MaxTokens
	}
	if params.Temperature != nil {
		opts[OptTemperature] = *params.Temperature
	}
	if params.ThinkingLevel != "" {
		opts[OptThinkingLevel] = params.ThinkingLevel
	}
	return opts
}
