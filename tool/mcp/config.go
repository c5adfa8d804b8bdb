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

// Package mcp exposes the tools of a Model Context Protocol server as
// callable tools.
package mcp

import (
	"fmt"
	"net/http"
	"time"

	mcp "trpc.group/trpc-go/trpc-mcp-go"
)

// transport specifies the transport method: "stdio", "sse", "streamable".
type transport string

const (
	transportStdio      transport = "stdio"
	transportSSE        transport = "sse"
	transportStreamable transport = "streamable"
)

var defaultClientInfo = mcp.Implementation{
	Name:    "threadgraph",
	Version: "1.0.0",
}

// ConnectionConfig defines the configuration for connecting to an MCP server.
type ConnectionConfig struct {
	// Name labels the server in logs and errors.
	Name string `json:"name" yaml:"name" mapstructure:"name"`
	// Transport specifies the transport method: "stdio", "sse", "streamable".
	Transport string `json:"transport" yaml:"transport" mapstructure:"transport"`

	// Streamable/SSE configuration.
	ServerURL string            `json:"server_url,omitempty" yaml:"server_url" mapstructure:"server_url"`
	Headers   map[string]string `json:"headers,omitempty" yaml:"headers" mapstructure:"headers"`

	// STDIO configuration.
	Command string   `json:"command,omitempty" yaml:"command" mapstructure:"command"`
	Args    []string `json:"args,omitempty" yaml:"args" mapstructure:"args"`

	// Timeout bounds every request sent to the server.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout" mapstructure:"timeout"`

	// Include and Exclude filter the listed tools by name.
	Include []string `json:"include,omitempty" yaml:"include" mapstructure:"include"`
	Exclude []string `json:"exclude,omitempty" yaml:"exclude" mapstructure:"exclude"`
}

// toolSetConfig holds internal configuration for ToolSet.
type toolSetConfig struct {
	connectionConfig ConnectionConfig
	mcpOptions       []mcp.ClientOption
	clientInfo       mcp.Implementation
	newClient        func() (client, error)
}

// ToolSetOption is a function type for configuring ToolSet.
type ToolSetOption func(*toolSetConfig)

// WithMCPOptions sets additional MCP client options.
func WithMCPOptions(options ...mcp.ClientOption) ToolSetOption {
	return func(c *toolSetConfig) {
		c.mcpOptions = append(c.mcpOptions, options...)
	}
}

// WithClientInfo overrides the implementation info sent on initialize.
func WithClientInfo(info mcp.Implementation) ToolSetOption {
	return func(c *toolSetConfig) {
		c.clientInfo = info
	}
}

// validateTransport validates the transport string and returns the internal transport type.
func validateTransport(t string) (transport, error) {
	switch t {
	case "stdio":
		return transportStdio, nil
	case "sse":
		return transportSSE, nil
	case "streamable", "streamable_http":
		return transportStreamable, nil
	default:
		return "", fmt.Errorf("unsupported transport: %s, supported: stdio, sse, streamable", t)
	}
}

// Validate checks that the fields required by the transport are set.
func (c ConnectionConfig) Validate() error {
	tr, err := validateTransport(c.Transport)
	if err != nil {
		return err
	}
	switch tr {
	case transportStdio:
		if c.Command == "" {
			return fmt.Errorf("mcp server %q: command is required for stdio transport", c.Name)
		}
	default:
		if c.ServerURL == "" {
			return fmt.Errorf("mcp server %q: server_url is required for %s transport", c.Name, tr)
		}
	}
	return nil
}

func (c ConnectionConfig) httpHeaders() http.Header {
	headers := http.Header{}
	for k, v := range c.Headers {
		headers.Set(k, v)
	}
	return headers
}

// allowed applies the include and exclude lists.
func (c ConnectionConfig) allowed(name string) bool {
	if len(c.Include) > 0 && !contains(c.Include, name) {
		return false
	}
	return !contains(c.Exclude, name)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
