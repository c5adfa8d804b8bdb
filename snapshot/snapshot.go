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

// Package snapshot exports the state of a thread as a diagnostic
// document. Documents are read only. Resume always goes through the
// checkpoint savers.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"trpc.group/trpc-go/threadgraph/graph"
	"trpc.group/trpc-go/threadgraph/model"
)

// DefaultFileName is the file written by the chat loop after every turn.
const DefaultFileName = "state.json"

// Document holds one entry per state field.
type Document map[string]any

// MessageEntry is the exported form of a message.
type MessageEntry struct {
	Role       string          `json:"role"`
	Content    string          `json:"content"`
	Name       string          `json:"name,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCallEntry `json:"tool_calls,omitempty"`
}

// ToolCallEntry is the exported form of a tool call.
type ToolCallEntry struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// Build converts a state into a document. Keys starting with "__" are
// internal to the engine and are skipped.
func Build(state graph.State) Document {
	doc := make(Document, len(state))
	for k, v := range state {
		if strings.HasPrefix(k, "__") {
			continue
		}
		if msgs, ok := v.([]model.Message); ok {
			doc[k] = messageEntries(msgs)
			continue
		}
		doc[k] = v
	}
	return doc
}

func messageEntries(msgs []model.Message) []MessageEntry {
	out := make([]MessageEntry, 0, len(msgs))
	for _, m := range msgs {
		e := MessageEntry{
			Role:       m.Role.String(),
			Content:    m.Content,
			Name:       m.ToolName,
			ToolCallID: m.ToolID,
		}
		for _, c := range m.ToolCalls {
			args, err := c.Args()
			if err != nil {
				args = map[string]any{"_raw": string(c.Function.Arguments)}
			}
			e.ToolCalls = append(e.ToolCalls, ToolCallEntry{ID: c.ID, Name: c.Function.Name, Args: args})
		}
		out = append(out, e)
	}
	return out
}

// Messages returns the message entries of the document.
func (d Document) Messages() []MessageEntry {
	msgs, _ := d[graph.StateKeyMessages].([]MessageEntry)
	return msgs
}

// Writer stores documents.
type Writer interface {
	Write(ctx context.Context, threadID string, doc Document) error
}

// FileWriter writes the document of the latest turn to a single file,
// replacing it atomically.
type FileWriter struct {
	Path string
}

// NewFileWriter creates a FileWriter. An empty path writes state.json in
// the working directory.
func NewFileWriter(path string) *FileWriter {
	if path == "" {
		path = DefaultFileName
	}
	return &FileWriter{Path: path}
}

// Write implements Writer.
func (w *FileWriter) Write(_ context.Context, _ string, doc Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return writeFileAtomic(w.Path, append(data, '\n'))
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}
