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

package graph

import (
	"fmt"
	"time"

	"trpc.group/trpc-go/threadgraph/model"
	"trpc.group/trpc-go/threadgraph/tool"
)

// StateGraph provides a fluent interface for building graphs.
// Problems found while building are collected and reported together by
// Compile, so a chain of calls never needs intermediate error checks.
//
// Example usage:
//
//	g, err := NewStateGraph(MessagesStateSchema()).
//	  AddLLMNode("chatbot", m, "You are helpful.", tools).
//	  AddToolsNode("tools", tools, "chatbot").
//	  AddToolsConditionalEdges("chatbot", "tools", End).
//	  SetEntryPoint("chatbot").
//	  Compile()
//
// The compiled Graph can then be executed with NewExecutor(g).
type StateGraph struct {
	schema      *StateSchema
	nodes       map[string]*Node
	order       []string
	edges       []Edge
	conditional []ConditionalEdge
	entryPoint  string
	problems    []string
}

// NewStateGraph creates a new graph builder with the given state schema.
func NewStateGraph(schema *StateSchema) *StateGraph {
	if schema == nil {
		schema = NewStateSchema()
	}
	return &StateGraph{
		schema: schema,
		nodes:  make(map[string]*Node),
	}
}

// Option is a function that configures a Node.
type Option func(*Node)

// WithName sets the display name of the node.
func WithName(name string) Option {
	return func(node *Node) {
		node.Name = name
	}
}

// WithDescription sets the description of the node.
func WithDescription(description string) Option {
	return func(node *Node) {
		node.Description = description
	}
}

// WithNodeType sets the type of the node.
func WithNodeType(t NodeType) Option {
	return func(node *Node) {
		node.Type = t
	}
}

// WithNodeRetryPolicy overrides the executor's retry policy for the node.
func WithNodeRetryPolicy(p RetryPolicy) Option {
	return func(node *Node) {
		node.retryPolicy = &p
	}
}

// WithTimeout overrides the executor's node timeout for the node.
func WithTimeout(d time.Duration) Option {
	return func(node *Node) {
		node.timeout = d
	}
}

// WithWrites declares the state fields the node writes. Compile checks
// that every one of them is registered in the schema.
func WithWrites(fields ...string) Option {
	return func(node *Node) {
		node.writes = append(node.writes, fields...)
	}
}

// AddNode adds a node with the given ID and function.
func (sg *StateGraph) AddNode(id string, function NodeFunc, opts ...Option) *StateGraph {
	switch {
	case id == "":
		sg.problem("node id cannot be empty")
		return sg
	case id == Start || id == End:
		sg.problem("node id %q is reserved", id)
		return sg
	case function == nil:
		sg.problem("node %q has no function", id)
		return sg
	}
	if _, exists := sg.nodes[id]; exists {
		sg.problem("node %q declared twice", id)
		return sg
	}
	node := &Node{
		ID:       id,
		Name:     id,
		Type:     NodeTypeFunction,
		Function: function,
	}
	for _, opt := range opts {
		opt(node)
	}
	sg.nodes[id] = node
	sg.order = append(sg.order, id)
	return sg
}

// AddLLMNode adds a reasoning node backed by the given model.
func (sg *StateGraph) AddLLMNode(
	id string,
	llm model.Model,
	instruction string,
	tools *tool.Set,
	opts ...Option,
) *StateGraph {
	opts = append([]Option{
		WithNodeType(NodeTypeLLM),
		WithWrites(StateKeyMessages, StateKeyLastResponse),
	}, opts...)
	return sg.AddNode(id, NewLLMNodeFunc(llm, instruction, tools), opts...)
}

// AddToolsNode adds a tool dispatch node and routes it back to resumeTo,
// the node that consumes the tool results.
func (sg *StateGraph) AddToolsNode(
	id string,
	tools *tool.Set,
	resumeTo string,
	opts ...Option,
) *StateGraph {
	opts = append([]Option{
		WithNodeType(NodeTypeTool),
		WithWrites(StateKeyMessages),
	}, opts...)
	sg.AddNode(id, NewToolsNodeFunc(tools), opts...)
	return sg.AddEdge(id, resumeTo)
}

// AddEdge adds an unconditional edge between two nodes.
func (sg *StateGraph) AddEdge(from, to string) *StateGraph {
	sg.edges = append(sg.edges, Edge{From: from, To: to})
	return sg
}

// AddConditionalEdges adds ordered routing rules from a node. Branches
// are evaluated in order and the first whose predicate holds wins;
// defaultTo is taken when none does.
func (sg *StateGraph) AddConditionalEdges(
	from string,
	branches []Branch,
	defaultTo string,
) *StateGraph {
	sg.conditional = append(sg.conditional, ConditionalEdge{
		From:     from,
		Branches: append([]Branch(nil), branches...),
		Default:  defaultTo,
	})
	return sg
}

// AddToolsConditionalEdges routes from a reasoning node to toolsNode when
// the last message carries tool calls, and to fallback otherwise.
func (sg *StateGraph) AddToolsConditionalEdges(
	fromLLMNode string,
	toolsNode string,
	fallback string,
) *StateGraph {
	return sg.AddConditionalEdges(fromLLMNode, []Branch{{
		Label:     "tool_calls",
		Predicate: HasPendingToolCalls,
		To:        toolsNode,
	}}, fallback)
}

// SetEntryPoint sets the first node of every run.
func (sg *StateGraph) SetEntryPoint(nodeID string) *StateGraph {
	sg.entryPoint = nodeID
	return sg
}

// SetFinishPoint adds an edge from the node to End.
func (sg *StateGraph) SetFinishPoint(nodeID string) *StateGraph {
	return sg.AddEdge(nodeID, End)
}

// Compile validates the graph and returns an immutable copy of it.
// All problems are reported at once in a *GraphConfigError.
func (sg *StateGraph) Compile() (*Graph, error) {
	problems := append([]string(nil), sg.problems...)
	report := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}
	isTarget := func(id string) bool {
		_, ok := sg.nodes[id]
		return ok || id == End
	}

	if sg.entryPoint == "" {
		report("entry point not set")
	} else if _, ok := sg.nodes[sg.entryPoint]; !ok {
		report("entry point %q is not a declared node", sg.entryPoint)
	}

	routes := make(map[string]int)
	g := &Graph{
		schema:      sg.schema.Clone(),
		nodes:       make(map[string]*Node, len(sg.nodes)),
		order:       append([]string(nil), sg.order...),
		edges:       make(map[string]Edge),
		conditional: make(map[string]ConditionalEdge),
		entryPoint:  sg.entryPoint,
	}
	for _, e := range sg.edges {
		if _, ok := sg.nodes[e.From]; !ok {
			report("edge source %q is not a declared node", e.From)
			continue
		}
		if !isTarget(e.To) {
			report("edge %s -> %s targets an undeclared node", e.From, e.To)
		}
		routes[e.From]++
		g.edges[e.From] = e
	}
	for _, c := range sg.conditional {
		if _, ok := sg.nodes[c.From]; !ok {
			report("conditional edge source %q is not a declared node", c.From)
			continue
		}
		for i, b := range c.Branches {
			if b.Predicate == nil {
				report("branch %d from %s has no predicate", i, c.From)
			}
			if !isTarget(b.To) {
				report("branch %d from %s targets undeclared node %q", i, c.From, b.To)
			}
		}
		if c.Default == "" {
			report("conditional edge from %s has no default target", c.From)
		} else if !isTarget(c.Default) {
			report("conditional edge from %s defaults to undeclared node %q", c.From, c.Default)
		}
		routes[c.From]++
		g.conditional[c.From] = c
	}

	for _, id := range sg.order {
		switch n := routes[id]; {
		case n == 0:
			report("node %q has no outgoing route", id)
		case n > 1:
			report("node %q has %d routing rules, want exactly one", id, n)
		}
		node := *sg.nodes[id]
		for _, field := range node.writes {
			if !sg.schema.Has(field) {
				report("node %q writes unregistered field %q", id, field)
			}
		}
		node.writes = append([]string(nil), node.writes...)
		g.nodes[id] = &node
	}

	if len(problems) > 0 {
		return nil, &GraphConfigError{Problems: problems}
	}
	return g, nil
}

// MustCompile compiles the graph or panics if invalid.
func (sg *StateGraph) MustCompile() *Graph {
	g, err := sg.Compile()
	if err != nil {
		panic(err)
	}
	return g
}

func (sg *StateGraph) problem(format string, args ...any) {
	sg.problems = append(sg.problems, fmt.Sprintf(format, args...))
}

// HasPendingToolCalls reports whether the last message of the state is an
// assistant message requesting tool calls.
func HasPendingToolCalls(state State) bool {
	last, ok := LastMessage(state)
	return ok && last.HasToolCalls()
}
