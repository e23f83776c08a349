package mcp

import (
	"context"
	"encoding/json"
	"fmt"
)

// Client wraps one server connection with the MCP lifecycle: initialize,
// tools/list, tools/call.
type Client struct {
	name      string
	transport Transport
	tools     []ToolInfo
}

// NewClient performs the initialize handshake and fetches the tool list,
// both bounded by ctx.
func NewClient(ctx context.Context, name string, transport Transport) (*Client, error) {
	c := &Client{name: name, transport: transport}

	initParams := map[string]any{
		"protocolVersion": ProtocolVersion,
		"clientInfo":      map[string]any{"name": "codexd", "version": "0"},
		"capabilities":    map[string]any{},
	}
	if _, err := transport.Request(ctx, "initialize", initParams); err != nil {
		return nil, fmt.Errorf("initialize %s: %w", name, err)
	}

	raw, err := transport.Request(ctx, "tools/list", map[string]any{})
	if err != nil {
		return nil, fmt.Errorf("tools/list %s: %w", name, err)
	}
	var listed struct {
		Tools []ToolInfo `json:"tools"`
	}
	if err := json.Unmarshal(raw, &listed); err != nil {
		return nil, fmt.Errorf("decode tools/list %s: %w", name, err)
	}
	c.tools = listed.Tools
	return c, nil
}

// Name returns the server name.
func (c *Client) Name() string { return c.name }

// Tools returns the tools advertised at startup.
func (c *Client) Tools() []ToolInfo { return c.tools }

// CallTool invokes one tool on the server.
func (c *Client) CallTool(ctx context.Context, tool string, arguments json.RawMessage) (*CallResult, error) {
	params := map[string]any{"name": tool}
	if len(arguments) > 0 {
		params["arguments"] = arguments
	}
	raw, err := c.transport.Request(ctx, "tools/call", params)
	if err != nil {
		return nil, fmt.Errorf("tools/call %s on %s: %w", tool, c.name, err)
	}
	var result CallResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode tools/call result: %w", err)
	}
	return &result, nil
}

// Close shuts the connection down.
func (c *Client) Close() error { return c.transport.Close() }
