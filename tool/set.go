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

package tool

import (
	"fmt"
	"sort"
)

// Set is an immutable name to tool registry.
type Set struct {
	tools map[string]CallableTool
	order []string
}

// NewSet builds a Set. Tools with an empty or duplicate name are rejected.
func NewSet(tools ...CallableTool) (*Set, error) {
	s := &Set{tools: make(map[string]CallableTool, len(tools))}
	for _, t := range tools {
		decl := t.Declaration()
		if decl == nil || decl.Name == "" {
			return nil, fmt.Errorf("tool declaration without a name")
		}
		if _, dup := s.tools[decl.Name]; dup {
			return nil, fmt.Errorf("duplicate tool name %q", decl.Name)
		}
		s.tools[decl.Name] = t
		s.order = append(s.order, decl.Name)
	}
	return s, nil
}

// MustNewSet is like NewSet but panics on error.
func MustNewSet(tools ...CallableTool) *Set {
	s, err := NewSet(tools...)
	if err != nil {
		panic(err)
	}
	return s
}

// Get looks a tool up by name.
func (s *Set) Get(name string) (CallableTool, bool) {
	if s == nil {
		return nil, false
	}
	t, ok := s.tools[name]
	return t, ok
}

// Names returns the registered names in registration order.
func (s *Set) Names() []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s.order...)
}

// Len returns the number of registered tools.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.order)
}

// Declarations returns the declarations sorted by name.
func (s *Set) Declarations() []*Declaration {
	if s == nil {
		return nil
	}
	names := s.Names()
	sort.Strings(names)
	out := make([]*Declaration, 0, len(names))
	for _, n := range names {
		out = append(out, s.tools[n].Declaration())
	}
	return out
}

// Tools returns the set as the map shape carried by model requests.
func (s *Set) Tools() map[string]Tool {
	out := make(map[string]Tool, s.Len())
	if s == nil {
		return out
	}
	for n, t := range s.tools {
		out[n] = t
	}
	return out
}

// Merge returns a new Set holding the tools of s followed by others.
func (s *Set) Merge(others ...CallableTool) (*Set, error) {
	all := make([]CallableTool, 0, s.Len()+len(others))
	for _, n := range s.Names() {
		all = append(all, s.tools[n])
	}
	return NewSet(append(all, others...)...)
}
