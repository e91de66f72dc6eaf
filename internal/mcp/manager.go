package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"

	"github.com/crewgate/crewgate/internal/config"
	"github.com/crewgate/crewgate/internal/tools"
)

const (
	healthCheckInterval  = 30 * time.Second
	initialBackoff       = 2 * time.Second
	maxBackoff           = 60 * time.Second
	maxReconnectAttempts = 10
)

// ServerStatus reports the connection status of one MCP server.
type ServerStatus struct {
	Name      string `json:"name"`
	Transport string `json:"transport"`
	Connected bool   `json:"connected"`
	ToolCount int    `json:"tool_count"`
	Error     string `json:"error,omitempty"`
}

type serverState struct {
	name       string
	transport  string
	client     *mcpclient.Client
	connected  atomic.Bool
	toolNames  []string
	timeoutSec int
	cancel     context.CancelFunc

	mu             sync.Mutex
	reconnAttempts int
	lastErr        string
}

// Manager connects configured MCP servers and registers their tools into the
// shared registry. Per-bot visibility is handled downstream by permission
// filtering, same as built-in tools.
type Manager struct {
	mu       sync.RWMutex
	servers  map[string]*serverState
	registry *tools.Registry
	specs    []config.MCPServerSpec
}

func NewManager(registry *tools.Registry, specs []config.MCPServerSpec) *Manager {
	return &Manager{
		servers:  make(map[string]*serverState),
		registry: registry,
		specs:    specs,
	}
}

// Start connects all configured servers. Per-server failures are logged and
// reported but do not stop the rest.
func (m *Manager) Start(ctx context.Context) error {
	var errs []string
	for _, spec := range m.specs {
		if spec.Disabled {
			slog.Info("mcp: server disabled", "server", spec.Name)
			continue
		}
		if err := m.connectServer(ctx, spec); err != nil {
			slog.Warn("mcp: server connect failed", "server", spec.Name, "error", err)
			errs = append(errs, fmt.Sprintf("%s: %v", spec.Name, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("some MCP servers failed to connect: %s", joinErrors(errs))
	}
	return nil
}

// Stop closes all connections and removes their tools from the registry.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for name, ss := range m.servers {
		if ss.cancel != nil {
			ss.cancel()
		}
		if ss.client != nil {
			if err := ss.client.Close(); err != nil {
				slog.Debug("mcp: close error", "server", name, "error", err)
			}
		}
		for _, toolName := range ss.toolNames {
			m.registry.Unregister(toolName)
		}
	}
	m.servers = make(map[string]*serverState)
}

// ConnectedServers lists servers that currently have a live connection,
// sorted for stable prompt context.
func (m *Manager) ConnectedServers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var names []string
	for _, ss := range m.servers {
		if ss.connected.Load() {
			names = append(names, ss.name)
		}
	}
	sort.Strings(names)
	return names
}

// Status returns the state of all known servers.
func (m *Manager) Status() []ServerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	statuses := make([]ServerStatus, 0, len(m.servers))
	for _, ss := range m.servers {
		ss.mu.Lock()
		lastErr := ss.lastErr
		ss.mu.Unlock()
		statuses = append(statuses, ServerStatus{
			Name:      ss.name,
			Transport: ss.transport,
			Connected: ss.connected.Load(),
			ToolCount: len(ss.toolNames),
			Error:     lastErr,
		})
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
	return statuses
}

func joinErrors(errs []string) string {
	result := ""
	for i, e := range errs {
		if i > 0 {
			result += "; "
		}
		result += e
	}
	return result
}
