//
// Tencent is pleased to support the open source community by making tRPC available.
//
// Copyright (C) 2025 Tencent.
// All rights reserved.
//
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tRPC source code is licensed under the  Apache 2.0 License,
// A copy of the Apache 2.0 License is included in this file.
//
//

package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"
	mcp "trpc.group/trpc-go/trpc-mcp-go"

	"trpc.group/trpc-go/threadgraph/log"
	"trpc.group/trpc-go/threadgraph/tool"
)

// reconnectErrorPatterns mark errors after which the session is recreated
// once before the operation is retried.
var reconnectErrorPatterns = []string{
	"session_expired:",
	"transport is closed",
	"not initialized",
	"connection refused",
	"connection reset",
	"EOF",
	"broken pipe",
	"session not found",
}

// client is the subset of the MCP connector used by the tool set.
type client interface {
	Initialize(ctx context.Context, req *mcp.InitializeRequest) (*mcp.InitializeResult, error)
	ListTools(ctx context.Context, req *mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

// ToolSet lists and calls the tools of one MCP server.
type ToolSet struct {
	config  toolSetConfig
	session *sessionManager
}

// NewToolSet creates a tool set. The connection is established lazily on
// the first call to Tools.
func NewToolSet(config ConnectionConfig, opts ...ToolSetOption) (*ToolSet, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	cfg := toolSetConfig{
		connectionConfig: config,
		clientInfo:       defaultClientInfo,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.newClient == nil {
		cfg.newClient = func() (client, error) { return createClient(cfg) }
	}
	return &ToolSet{
		config:  cfg,
		session: &sessionManager{config: config, newClient: cfg.newClient},
	}, nil
}

// Tools connects if needed and returns the filtered server tools.
func (ts *ToolSet) Tools(ctx context.Context) ([]tool.CallableTool, error) {
	listed, err := ts.session.listTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list tools from MCP server %q: %w", ts.config.connectionConfig.Name, err)
	}
	out := make([]tool.CallableTool, 0, len(listed))
	for _, t := range listed {
		if !ts.config.connectionConfig.allowed(t.Name) {
			continue
		}
		out = append(out, newMCPTool(t, ts.session))
	}
	log.Debugf("MCP server %q exposes %d tools", ts.config.connectionConfig.Name, len(out))
	return out, nil
}

// Close closes the MCP session.
func (ts *ToolSet) Close() error {
	return ts.session.close()
}

func createClient(cfg toolSetConfig) (client, error) {
	c := cfg.connectionConfig
	tr, err := validateTransport(c.Transport)
	if err != nil {
		return nil, err
	}
	switch tr {
	case transportStdio:
		return mcp.NewStdioClient(mcp.StdioTransportConfig{
			ServerParams: mcp.StdioServerParameters{
				Command: c.Command,
				Args:    c.Args,
			},
			Timeout: c.Timeout,
		}, cfg.clientInfo)
	case transportSSE:
		options := append([]mcp.ClientOption{mcp.WithHTTPHeaders(c.httpHeaders())}, cfg.mcpOptions...)
		return mcp.NewSSEClient(c.ServerURL, cfg.clientInfo, options...)
	default:
		options := append([]mcp.ClientOption{mcp.WithHTTPHeaders(c.httpHeaders())}, cfg.mcpOptions...)
		return mcp.NewClient(c.ServerURL, cfg.clientInfo, options...)
	}
}

// sessionManager owns the client connection.
type sessionManager struct {
	config    ConnectionConfig
	newClient func() (client, error)

	mu          sync.RWMutex
	client      client
	initialized bool
	reconnect   singleflight.Group
}

func (m *sessionManager) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.config.Timeout > 0 {
		if _, ok := ctx.Deadline(); !ok {
			return context.WithTimeout(ctx, m.config.Timeout)
		}
	}
	return ctx, func() {}
}

func (m *sessionManager) connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectLocked(ctx)
}

func (m *sessionManager) connectLocked(ctx context.Context) error {
	if m.client != nil && m.initialized {
		return nil
	}
	c, err := m.newClient()
	if err != nil {
		return fmt.Errorf("failed to create MCP client: %w", err)
	}
	initCtx, cancel := m.withTimeout(ctx)
	defer cancel()
	rsp, err := c.Initialize(initCtx, &mcp.InitializeRequest{})
	if err != nil {
		if closeErr := c.Close(); closeErr != nil {
			log.Warnf("close MCP client after failed initialize: %v", closeErr)
		}
		return fmt.Errorf("failed to initialize MCP session: %w", err)
	}
	log.Debugf("MCP session initialized (server=%s version=%s)", rsp.ServerInfo.Name, rsp.ServerInfo.Version)
	m.client = c
	m.initialized = true
	return nil
}

func (m *sessionManager) listTools(ctx context.Context) ([]mcp.Tool, error) {
	var result []mcp.Tool
	err := m.do(ctx, func(c client) error {
		listCtx, cancel := m.withTimeout(ctx)
		defer cancel()
		rsp, err := c.ListTools(listCtx, &mcp.ListToolsRequest{})
		if err != nil {
			return err
		}
		result = rsp.Tools
		return nil
	})
	return result, err
}

func (m *sessionManager) callTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	var result *mcp.CallToolResult
	err := m.do(ctx, func(c client) error {
		callCtx, cancel := m.withTimeout(ctx)
		defer cancel()
		req := &mcp.CallToolRequest{}
		req.Params.Name = name
		req.Params.Arguments = args
		rsp, err := c.CallTool(callCtx, req)
		if err != nil {
			return fmt.Errorf("failed to call tool %s: %w", name, err)
		}
		result = rsp
		return nil
	})
	return result, err
}

// do runs op against a connected client, recreating the session once if
// the failure looks like a dropped connection.
func (m *sessionManager) do(ctx context.Context, op func(client) error) error {
	if err := m.connect(ctx); err != nil {
		return err
	}
	err := m.run(op)
	if err == nil || !shouldReconnect(err) || ctx.Err() != nil {
		return err
	}
	log.Debugf("MCP session lost, reconnecting: %v", err)
	if _, rerr, _ := m.reconnect.Do("reconnect", func() (any, error) {
		return nil, m.recreate(ctx)
	}); rerr != nil {
		return err
	}
	return m.run(op)
}

func (m *sessionManager) run(op func(client) error) error {
	m.mu.RLock()
	c := m.client
	m.mu.RUnlock()
	if c == nil {
		return fmt.Errorf("transport is closed")
	}
	return op(c)
}

func (m *sessionManager) recreate(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client != nil {
		if err := m.client.Close(); err != nil {
			log.Warnf("close stale MCP client: %v", err)
		}
	}
	m.client = nil
	m.initialized = false
	return m.connectLocked(ctx)
}

func (m *sessionManager) close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client == nil {
		return nil
	}
	err := m.client.Close()
	m.client = nil
	m.initialized = false
	if err != nil {
		return fmt.Errorf("failed to close MCP client: %w", err)
	}
	return nil
}

func shouldReconnect(err error) bool {
	msg := err.Error()
	for _, p := range reconnectErrorPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// mcpTool adapts one MCP tool to tool.CallableTool.
type mcpTool struct {
	name        string
	description string
	inputSchema *tool.Schema
	session     *sessionManager
}

func newMCPTool(t mcp.Tool, session *sessionManager) *mcpTool {
	return &mcpTool{
		name:        t.Name,
		description: t.Description,
		inputSchema: convertSchema(t.InputSchema),
		session:     session,
	}
}

// Call forwards the call and returns the concatenated text content. A
// result flagged as an error by the server is returned as an error.
func (t *mcpTool) Call(ctx context.Context, jsonArgs []byte) (any, error) {
	args := map[string]any{}
	if len(jsonArgs) > 0 {
		if err := json.Unmarshal(jsonArgs, &args); err != nil {
			return nil, fmt.Errorf("failed to parse tool arguments: %w", err)
		}
	}
	rsp, err := t.session.callTool(ctx, t.name, args)
	if err != nil {
		return nil, err
	}
	text := contentText(rsp.Content)
	if rsp.IsError {
		return nil, fmt.Errorf("tool %s reported an error: %s", t.name, text)
	}
	return text, nil
}

// Declaration implements tool.Tool.
func (t *mcpTool) Declaration() *tool.Declaration {
	return &tool.Declaration{
		Name:        t.name,
		Description: t.description,
		InputSchema: t.inputSchema,
	}
}

func contentText(contents []mcp.Content) string {
	parts := make([]string, 0, len(contents))
	for _, c := range contents {
		switch tc := c.(type) {
		case mcp.TextContent:
			parts = append(parts, tc.Text)
		case *mcp.TextContent:
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// convertSchema converts any JSON schema value into a tool.Schema by way
// of its JSON encoding.
func convertSchema(v any) *tool.Schema {
	raw, err := json.Marshal(v)
	if err != nil || string(raw) == "null" {
		return &tool.Schema{Type: "object"}
	}
	var s tool.Schema
	if err := json.Unmarshal(raw, &s); err != nil || s.Type == "" {
		return &tool.Schema{Type: "object"}
	}
	return &s
}
