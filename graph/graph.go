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

// Package graph provides a state graph execution engine: typed state with
// per-field reducers, nodes and ordered conditional routing, a bounded tool
// dispatch loop and per-thread checkpointing.
package graph

import (
	"context"
	"fmt"
	"time"
)

// Special node identifiers.
const (
	// Start is the virtual node preceding the entry point.
	Start = "__start__"
	// End is the terminal marker. Routing to End finishes a run.
	End = "__end__"
)

// NodeFunc is the function signature of a node. It reads the current
// state and returns a partial update to be merged by the schema.
type NodeFunc func(ctx context.Context, state State) (State, error)

// NodeType classifies a node for tracing, metrics and rendering.
type NodeType string

// Node types.
const (
	NodeTypeFunction NodeType = "function"
	NodeTypeLLM      NodeType = "llm"
	NodeTypeTool     NodeType = "tool"
	NodeTypeRouter   NodeType = "router"
)

// Node is a named step of the graph.
type Node struct {
	ID          string
	Name        string
	Description string
	Type        NodeType
	Function    NodeFunc

	retryPolicy *RetryPolicy
	timeout     time.Duration
	writes      []string
}

// RetryPolicy returns the node level retry policy, if one was set.
func (n Node) RetryPolicy() (RetryPolicy, bool) {
	if n.retryPolicy == nil {
		return RetryPolicy{}, false
	}
	return *n.retryPolicy, true
}

// Timeout returns the node level timeout, zero if unset.
func (n Node) Timeout() time.Duration {
	return n.timeout
}

// Writes returns the state fields the node declared it writes.
func (n Node) Writes() []string {
	return append([]string(nil), n.writes...)
}

// Edge is an unconditional transition.
type Edge struct {
	From string
	To   string
}

// Predicate decides whether a branch is taken. Predicates must be pure.
type Predicate func(state State) bool

// Branch is one routing rule of a conditional edge.
type Branch struct {
	// Label names the branch in traces and renderings.
	Label     string
	Predicate Predicate
	To        string
}

// ConditionalEdge routes by evaluating branches in order. The first
// branch whose predicate holds wins; Default is taken when none does.
type ConditionalEdge struct {
	From     string
	Branches []Branch
	Default  string
}

// Resolve returns the target for state.
func (c ConditionalEdge) Resolve(state State) (to string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("routing from %s: predicate panicked: %v", c.From, r)
		}
	}()
	for _, b := range c.Branches {
		if b.Predicate(state) {
			return b.To, nil
		}
	}
	return c.Default, nil
}

// Graph is a compiled graph. It has no mutators and may be shared by
// any number of concurrent runs.
type Graph struct {
	schema      *StateSchema
	nodes       map[string]*Node
	order       []string
	edges       map[string]Edge
	conditional map[string]ConditionalEdge
	entryPoint  string
}

// Schema returns the reducer registry of the graph.
func (g *Graph) Schema() *StateSchema {
	return g.schema
}

// EntryPoint returns the first node of every run.
func (g *Graph) EntryPoint() string {
	return g.entryPoint
}

// Node returns a copy of the node with the given id.
func (g *Graph) Node(id string) (Node, bool) {
	n, ok := g.nodes[id]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// Nodes returns copies of all nodes in declaration order.
func (g *Graph) Nodes() []Node {
	out := make([]Node, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, *g.nodes[id])
	}
	return out
}

// Edges returns the unconditional edges in node declaration order.
func (g *Graph) Edges() []Edge {
	var out []Edge
	for _, id := range g.order {
		if e, ok := g.edges[id]; ok {
			out = append(out, e)
		}
	}
	return out
}

// ConditionalEdges returns the conditional edges in node declaration order.
func (g *Graph) ConditionalEdges() []ConditionalEdge {
	var out []ConditionalEdge
	for _, id := range g.order {
		if c, ok := g.conditional[id]; ok {
			out = append(out, c)
		}
	}
	return out
}

// IsToolNode reports whether id names a tool node.
func (g *Graph) IsToolNode(id string) bool {
	n, ok := g.nodes[id]
	return ok && n.Type == NodeTypeTool
}

// Next evaluates the routing rule of node from against state. The result
// depends only on from and state.
func (g *Graph) Next(from string, state State) (string, error) {
	if from == Start {
		return g.entryPoint, nil
	}
	if e, ok := g.edges[from]; ok {
		return e.To, nil
	}
	if c, ok := g.conditional[from]; ok {
		return c.Resolve(state)
	}
	return "", fmt.Errorf("no route from node %q", from)
}
