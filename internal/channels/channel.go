// Package channels connects chat platforms to the message bus. Each adapter
// turns platform events into inbound envelopes and delivers outbound envelopes
// back to the platform, with per-adapter outbound rate limiting.
package channels

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/crewgate/crewgate/internal/bus"
)

const (
	// defaultRateRPM bounds outbound sends per adapter when the config
	// does not say otherwise.
	defaultRateRPM = 20

	// rateBurst allows short bursts above the sustained rate, enough for
	// one chunked long reply.
	rateBurst = 5
)

// Adapter is one chat platform connection.
type Adapter interface {
	// Name is the channel label carried in envelopes ("telegram", "cli", ...).
	Name() string

	// Start begins receiving platform events. Non-blocking after setup.
	Start(ctx context.Context) error

	// Stop shuts the connection down.
	Stop(ctx context.Context) error

	// Send delivers one outbound envelope to the platform.
	Send(ctx context.Context, env bus.MessageEnvelope) error

	// Running reports whether the adapter is receiving events.
	Running() bool
}

// StreamingChannel is an Adapter that can render a reply incrementally.
// OpenStream returns a per-turn sink for deltas; the adapter closes the
// block when the final envelope arrives carrying the "streamed" metadata
// flag.
type StreamingChannel interface {
	Adapter
	StreamEnabled() bool
	OpenStream(chatID, sender string) func(delta string)
}

// Base carries the state every adapter shares: bus access, an allowlist,
// the running flag, and the outbound rate limiter.
type Base struct {
	name    string
	bus     *bus.MessageBus
	allowed []string
	limiter *rate.Limiter

	mu      sync.Mutex
	running bool
}

// NewBase builds the shared adapter state. rateRPM <= 0 uses the default.
func NewBase(name string, msgBus *bus.MessageBus, allowed []string, rateRPM int) *Base {
	if rateRPM <= 0 {
		rateRPM = defaultRateRPM
	}
	return &Base{
		name:    name,
		bus:     msgBus,
		allowed: allowed,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(rateRPM)), rateBurst),
	}
}

func (b *Base) Name() string { return b.name }

func (b *Base) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

// SetRunning flips the running flag. Adapters call this from Start/Stop.
func (b *Base) SetRunning(v bool) {
	b.mu.Lock()
	b.running = v
	b.mu.Unlock()
}

// WaitSend blocks until the rate limiter admits one outbound send.
func (b *Base) WaitSend(ctx context.Context) error {
	return b.limiter.Wait(ctx)
}

// Allowed checks the sender against the allowlist. An empty allowlist admits
// everyone. Entries match either the raw ID or an "@username" form.
func (b *Base) Allowed(senderID string) bool {
	if len(b.allowed) == 0 {
		return true
	}
	for _, a := range b.allowed {
		if senderID == a || senderID == strings.TrimPrefix(a, "@") {
			return true
		}
	}
	return false
}

// Inbound publishes a received message onto the bus.
func (b *Base) Inbound(chatID, senderID, content string, metadata map[string]string) {
	b.bus.PublishInbound(bus.MessageEnvelope{
		Channel:    b.name,
		ChatID:     chatID,
		SenderID:   senderID,
		SenderRole: bus.RoleUser,
		Content:    content,
		Metadata:   metadata,
	})
}

// SplitMessage breaks content into chunks of at most maxLen bytes, preferring
// to cut at a newline in the back half of the window.
func SplitMessage(content string, maxLen int) []string {
	var chunks []string
	for len(content) > 0 {
		if len(content) <= maxLen {
			chunks = append(chunks, content)
			break
		}
		cutAt := maxLen
		if idx := strings.LastIndexByte(content[:maxLen], '\n'); idx > maxLen/2 {
			cutAt = idx + 1
		}
		chunks = append(chunks, content[:cutAt])
		content = content[cutAt:]
	}
	return chunks
}

// Truncate shortens s to maxLen with an ellipsis marker.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
