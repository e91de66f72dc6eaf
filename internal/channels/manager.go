package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/crewgate/crewgate/internal/bus"
)

// Manager owns the registered adapters, their lifecycle, and the outbound
// dispatch loop that routes bus envelopes to the right platform.
type Manager struct {
	bus *bus.MessageBus

	mu       sync.RWMutex
	adapters map[string]Adapter
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewManager(msgBus *bus.MessageBus) *Manager {
	return &Manager{
		bus:      msgBus,
		adapters: make(map[string]Adapter),
	}
}

// Register adds an adapter. Call before StartAll.
func (m *Manager) Register(a Adapter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adapters[a.Name()] = a
}

// Adapter returns a registered adapter by name.
func (m *Manager) Adapter(name string) (Adapter, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.adapters[name]
	return a, ok
}

// StartAll starts every adapter and the outbound dispatcher. A single adapter
// failing to start is logged, not fatal; the rest keep running.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dispatchCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.dispatchOutbound(dispatchCtx)

	if len(m.adapters) == 0 {
		slog.Warn("channels: no adapters enabled")
		return nil
	}

	for name, a := range m.adapters {
		slog.Info("channels: starting adapter", "channel", name)
		if err := a.Start(ctx); err != nil {
			slog.Error("channels: adapter failed to start", "channel", name, "error", err)
		}
	}
	return nil
}

// StopAll stops the dispatcher and every adapter.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancel != nil {
		m.cancel()
		<-m.done
		m.cancel = nil
	}

	for name, a := range m.adapters {
		if err := a.Stop(ctx); err != nil {
			slog.Error("channels: adapter stop failed", "channel", name, "error", err)
		}
	}
	slog.Info("channels: all adapters stopped")
	return nil
}

// SendTo delivers content straight to a named adapter, bypassing the bus.
// Used by tools that address a destination explicitly.
func (m *Manager) SendTo(ctx context.Context, channel, chatID, content string) error {
	m.mu.RLock()
	a, ok := m.adapters[channel]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("channels: unknown channel %q", channel)
	}
	return a.Send(ctx, bus.MessageEnvelope{
		Channel: channel,
		ChatID:  chatID,
		Content: content,
	})
}

// StreamSink returns a delta sink for the conversation when the target
// adapter streams, or nil so callers fall back to one-shot replies.
func (m *Manager) StreamSink(channel, chatID, sender string) func(string) {
	m.mu.RLock()
	a, ok := m.adapters[channel]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	sc, ok := a.(StreamingChannel)
	if !ok || !sc.StreamEnabled() {
		return nil
	}
	return sc.OpenStream(chatID, sender)
}

// Status reports each adapter's running state.
func (m *Manager) Status() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]bool, len(m.adapters))
	for name, a := range m.adapters {
		out[name] = a.Running()
	}
	return out
}

// dispatchOutbound consumes outbound envelopes and hands each to its adapter.
// System envelopes never leave the process.
func (m *Manager) dispatchOutbound(ctx context.Context) {
	defer close(m.done)
	for {
		env, ok := m.bus.SubscribeOutbound(ctx)
		if !ok {
			return
		}
		if env.Channel == bus.ChannelSystem || env.Content == "" {
			continue
		}

		m.mu.RLock()
		a, exists := m.adapters[env.Channel]
		m.mu.RUnlock()
		if !exists {
			slog.Warn("channels: outbound for unknown channel", "channel", env.Channel, "chat_id", env.ChatID)
			continue
		}

		if err := a.Send(ctx, env); err != nil {
			slog.Error("channels: send failed", "channel", env.Channel, "chat_id", env.ChatID, "error", err)
		}
	}
}
