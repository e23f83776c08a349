package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// toolDelimiter joins server and tool into the fully-qualified name the
// model sees.
const toolDelimiter = "__"

// ConnectionManager owns the MCP server connections it starts and resolves
// fully-qualified tool names. Connections are not shared between managers:
// each manager launches its own server processes. Writes to a server are
// serialized; concurrent requests are matched to responses by id.
type ConnectionManager struct {
	mu      sync.RWMutex
	clients map[string]*Client
	logger  *slog.Logger
}

// NewConnectionManager connects to every configured server. Individual
// startup failures are logged and skipped so one bad server cannot take the
// session down.
func NewConnectionManager(ctx context.Context, servers []ServerConfig) *ConnectionManager {
	m := &ConnectionManager{
		clients: make(map[string]*Client),
		logger:  slog.Default().With("component", "mcp"),
	}
	for _, cfg := range servers {
		timeout := cfg.StartupTimeout
		if timeout <= 0 {
			timeout = DefaultStartupTimeout
		}
		startCtx, cancel := context.WithTimeout(ctx, timeout)
		client, err := m.connect(startCtx, cfg)
		cancel()
		if err != nil {
			m.logger.Error("failed to start MCP server", "server", cfg.Name, "error", err)
			continue
		}
		m.clients[cfg.Name] = client
	}
	return m
}

func (m *ConnectionManager) connect(ctx context.Context, cfg ServerConfig) (*Client, error) {
	transport, err := NewStdioTransport(cfg)
	if err != nil {
		return nil, err
	}
	client, err := NewClient(ctx, cfg.Name, transport)
	if err != nil {
		transport.Close()
		return nil, err
	}
	return client, nil
}

// AddClient registers an already-connected client. Used by tests and by
// embedders with custom transports.
func (m *ConnectionManager) AddClient(client *Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients[client.Name()] = client
}

// Tools returns all advertised tools keyed by fully-qualified name. The map
// is unordered; ToolNames gives the names in sorted order.
func (m *ConnectionManager) Tools() map[string]ToolInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]ToolInfo)
	for server, client := range m.clients {
		for _, tool := range client.Tools() {
			out[server+toolDelimiter+tool.Name] = tool
		}
	}
	return out
}

// ToolNames returns the sorted qualified names.
func (m *ConnectionManager) ToolNames() []string {
	tools := m.Tools()
	names := make([]string, 0, len(tools))
	for name := range tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ParseToolName splits a fully-qualified tool name.
func ParseToolName(qualified string) (server, tool string, ok bool) {
	server, tool, ok = strings.Cut(qualified, toolDelimiter)
	return server, tool, ok && server != "" && tool != ""
}

// CallTool routes a qualified tool call to its server.
func (m *ConnectionManager) CallTool(ctx context.Context, qualified string, arguments json.RawMessage) (*CallResult, error) {
	server, tool, ok := ParseToolName(qualified)
	if !ok {
		return nil, fmt.Errorf("mcp: malformed tool name %q", qualified)
	}
	m.mu.RLock()
	client := m.clients[server]
	m.mu.RUnlock()
	if client == nil {
		return nil, fmt.Errorf("mcp: unknown server %q", server)
	}
	return client.CallTool(ctx, tool, arguments)
}

// Close disconnects every server.
func (m *ConnectionManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, client := range m.clients {
		if err := client.Close(); err != nil {
			m.logger.Error("failed to close MCP client", "server", name, "error", err)
		}
		delete(m.clients, name)
	}
}
