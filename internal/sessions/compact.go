package sessions

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/crewgate/crewgate/internal/providers"
)

// CompactionMode selects how history is reduced when it grows too large.
type CompactionMode string

const (
	CompactOff        CompactionMode = "off"
	CompactSummary    CompactionMode = "summary"
	CompactTokenLimit CompactionMode = "token-limit"
)

// CompactOptions configures the Compactor. Compaction triggers when
// estimated history tokens exceed ThresholdPercent of MaxContextTokens.
type CompactOptions struct {
	Mode             CompactionMode
	ThresholdPercent float64 // fraction of the window (default 0.8)
	MaxContextTokens int     // context budget (default 100000)
	KeepLastMessages int     // messages preserved verbatim (default 4)
	MemoryFlush      bool
}

// SummarizeFunc condenses dropped history into a summary paragraph.
type SummarizeFunc func(ctx context.Context, msgs []providers.Message) (string, error)

// FlushFunc persists learnings from history before it is dropped.
type FlushFunc func(ctx context.Context, key string, msgs []providers.Message) error

// Compactor reduces session history when it exceeds the token budget.
// The cut never splits an assistant tool_calls message from its tool
// results, and the most recent message always survives byte-identical.
type Compactor struct {
	mgr       *Manager
	opts      CompactOptions
	summarize SummarizeFunc
	flush     FlushFunc
}

func NewCompactor(mgr *Manager, opts CompactOptions, summarize SummarizeFunc, flush FlushFunc) *Compactor {
	if opts.Mode == "" {
		opts.Mode = CompactSummary
	}
	if opts.ThresholdPercent <= 0 || opts.ThresholdPercent > 1 {
		opts.ThresholdPercent = 0.8
	}
	if opts.MaxContextTokens <= 0 {
		opts.MaxContextTokens = 100000
	}
	if opts.KeepLastMessages <= 0 {
		opts.KeepLastMessages = 4
	}
	return &Compactor{mgr: mgr, opts: opts, summarize: summarize, flush: flush}
}

// MaybeCompact checks the session against the budget and compacts if needed.
// Returns whether compaction ran. Errors are soft: a failed summary still
// compacts with an extractive recap rather than blocking the conversation.
func (c *Compactor) MaybeCompact(ctx context.Context, key string) (bool, error) {
	if c.opts.Mode == CompactOff {
		return false, nil
	}

	msgs := c.mgr.GetHistory(key)
	if len(msgs) <= c.opts.KeepLastMessages {
		return false, nil
	}
	threshold := int(c.opts.ThresholdPercent * float64(c.opts.MaxContextTokens))
	if historyTokens(msgs) <= threshold {
		return false, nil
	}

	cut := SafeCutIndex(msgs, c.opts.KeepLastMessages)
	if cut <= 0 {
		return false, nil
	}
	dropped, kept := msgs[:cut], msgs[cut:]

	if c.opts.MemoryFlush && c.flush != nil {
		if c.mgr.GetMemoryFlushCompactionCount(key) != c.mgr.GetCompactionCount(key) || c.mgr.GetMemoryFlushCompactionCount(key) == -1 {
			if err := c.flush(ctx, key, dropped); err != nil {
				slog.Warn("sessions: memory flush failed before compaction", "key", key, "error", err)
			} else {
				c.mgr.SetMemoryFlushDone(key)
			}
		}
	}

	switch c.opts.Mode {
	case CompactSummary:
		summary := extractiveRecap(dropped)
		if c.summarize != nil {
			if s, err := c.summarize(ctx, dropped); err != nil {
				slog.Warn("sessions: summary generation failed, using extractive recap", "key", key, "error", err)
			} else if s != "" {
				summary = s
			}
		}
		prev := c.mgr.GetSummary(key)
		if prev != "" {
			summary = prev + "\n\n" + summary
		}
		c.mgr.SetSummary(key, summary)
	case CompactTokenLimit:
		// Drop silently; the context builder notes the gap.
	}

	c.mgr.ReplaceHistory(key, kept)
	c.mgr.IncrementCompaction(key)

	if issues := ValidateHistory(kept); len(issues) > 0 {
		slog.Warn("sessions: history validation after compaction",
			"key", key, "issues", strings.Join(issues, "; "))
	}

	slog.Info("sessions: compacted history",
		"key", key, "dropped", len(dropped), "kept", len(kept), "mode", c.opts.Mode)
	return true, nil
}

// extractiveRecap builds a short recap from the dropped window without a
// model: the first sentence of up to three of the most recent user messages
// and error results, oldest first.
func extractiveRecap(dropped []providers.Message) string {
	var picks []string
	for i := len(dropped) - 1; i >= 0 && len(picks) < 3; i-- {
		m := dropped[i]
		relevant := m.Role == "user" ||
			(m.Role == "tool" && strings.Contains(strings.ToLower(m.Content), "error"))
		if !relevant || strings.TrimSpace(m.Content) == "" {
			continue
		}
		picks = append(picks, firstSentence(m.Content))
	}
	if len(picks) == 0 {
		return fmt.Sprintf("Earlier conversation (%d messages) was removed to stay within the context window.", len(dropped))
	}
	for i, j := 0, len(picks)-1; i < j; i, j = i+1, j-1 {
		picks[i], picks[j] = picks[j], picks[i]
	}
	return "Earlier conversation covered: " + strings.Join(picks, " ")
}

func firstSentence(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.IndexByte(s, '\n'); idx > 0 {
		s = s[:idx]
	}
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '.', '!', '?':
			return s[:i+1]
		}
	}
	if len(s) > 120 {
		s = s[:120] + "..."
	}
	return s + "."
}

func historyTokens(msgs []providers.Message) int {
	total := 0
	for _, m := range msgs {
		total += EstimateTokens(m.Content)
		for _, tc := range m.ToolCalls {
			total += EstimateTokens(fmt.Sprintf("%v", tc.Arguments)) + EstimateTokens(tc.Name)
		}
	}
	return total
}

// SafeCutIndex finds the largest cut index <= len(msgs)-keepLast such that
// the kept window is self-contained: no tool result in the window refers to
// an assistant tool call before the cut. The cut moves earlier until the
// window opens on a user or assistant message with no dangling references.
func SafeCutIndex(msgs []providers.Message, keepLast int) int {
	cut := len(msgs) - keepLast
	if cut <= 0 {
		return 0
	}

	for cut > 0 {
		if windowSelfContained(msgs[cut:]) {
			return cut
		}
		cut--
	}
	return 0
}

func windowSelfContained(window []providers.Message) bool {
	if len(window) == 0 {
		return false
	}
	// A window must not open on a tool result.
	if window[0].Role == "tool" {
		return false
	}

	issued := make(map[string]bool)
	for _, m := range window {
		for _, tc := range m.ToolCalls {
			issued[tc.ID] = true
		}
		if m.Role == "tool" && m.ToolCallID != "" && !issued[m.ToolCallID] {
			return false
		}
	}
	return true
}

// ValidateHistory reports structural problems in a message sequence: tool
// results without a matching call, and calls that never got a result.
func ValidateHistory(msgs []providers.Message) []string {
	var issues []string

	issued := make(map[string]bool)
	answered := make(map[string]bool)
	for i, m := range msgs {
		for _, tc := range m.ToolCalls {
			if m.Role != "assistant" {
				issues = append(issues, fmt.Sprintf("message %d: tool_calls on role %q", i, m.Role))
			}
			issued[tc.ID] = true
		}
		if m.Role == "tool" {
			if m.ToolCallID == "" {
				issues = append(issues, fmt.Sprintf("message %d: tool result missing tool_call_id", i))
				continue
			}
			if !issued[m.ToolCallID] {
				issues = append(issues, fmt.Sprintf("message %d: tool result %s has no matching call", i, m.ToolCallID))
			}
			answered[m.ToolCallID] = true
		}
	}
	for id := range issued {
		if !answered[id] {
			issues = append(issues, fmt.Sprintf("tool call %s never got a result", id))
		}
	}
	return issues
}
