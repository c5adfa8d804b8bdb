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

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeConfig writes a config storing checkpoints and the export file
// under a temporary directory.
func writeConfig(t *testing.T) (cfgPath, dir string) {
	t.Helper()
	dir = t.TempDir()
	cfgPath = filepath.Join(dir, "threadgraph.yaml")
	content := fmt.Sprintf(`log_level: error
checkpoint:
  backend: file
  path: %s
snapshot:
  path: %s
telemetry:
  prometheus: false
`, filepath.Join(dir, "checkpoints"), filepath.Join(dir, "state.json"))
	require.NoError(t, os.WriteFile(cfgPath, []byte(content), 0o644))
	return cfgPath, dir
}

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "", "version")
	require.NoError(t, err)
	assert.Equal(t, "threadgraph version "+version+"\n", out)
}

func TestGraphCommand(t *testing.T) {
	cfg, _ := writeConfig(t)
	out, err := execute(t, "", "graph", "--offline", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "digraph G {")
	assert.Contains(t, out, "chatbot")
	assert.Contains(t, out, "tools")
}

func TestChatExportAndThreads(t *testing.T) {
	cfg, dir := writeConfig(t)

	out, err := execute(t, "What is the weather like in Madrid?\nq\n",
		"chat", "--offline", "--config", cfg, "--thread", "madrid")
	require.NoError(t, err)
	assert.Contains(t, out, "Thread madrid.")
	assert.Contains(t, out, "--- Node: chatbot ---")
	assert.Contains(t, out, "--- Node: tools ---")
	assert.Contains(t, out, `Tool call: get_weather({"city":"Madrid"})`)
	assert.Contains(t, out, "Sunny, 25°C")
	assert.Contains(t, out, "Goodbye!")
	assert.Less(t, strings.Index(out, "--- Node: tools ---"), strings.LastIndex(out, "--- Node: chatbot ---"))

	data, err := os.ReadFile(filepath.Join(dir, "state.json"))
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	msgs, ok := doc["messages"].([]any)
	require.True(t, ok)
	assert.Len(t, msgs, 4)

	out, err = execute(t, "", "threads", "list", "--offline", "--config", cfg)
	require.NoError(t, err)
	assert.Equal(t, "madrid\n", out)

	out, err = execute(t, "", "threads", "history", "madrid", "--offline", "--config", cfg, "--limit", "2")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "STEP"))
	assert.True(t, strings.HasPrefix(lines[1], "4 "))

	out, err = execute(t, "", "export", "--offline", "--config", cfg, "--thread", "madrid")
	require.NoError(t, err)
	assert.Contains(t, out, `"get_weather"`)

	htmlPath := filepath.Join(dir, "madrid.html")
	_, err = execute(t, "", "export", "--offline", "--config", cfg, "--thread", "madrid",
		"--format", "html", "--out", htmlPath)
	require.NoError(t, err)
	html, err := os.ReadFile(htmlPath)
	require.NoError(t, err)
	assert.Contains(t, string(html), "<h1>Thread madrid</h1>")

	out, err = execute(t, "", "threads", "delete", "madrid", "--offline", "--config", cfg)
	require.NoError(t, err)
	assert.Equal(t, "Deleted thread madrid\n", out)

	out, err = execute(t, "", "threads", "list", "--offline", "--config", cfg)
	require.NoError(t, err)
	assert.Equal(t, "No threads found.\n", out)

	_, err = execute(t, "", "export", "--offline", "--config", cfg, "--thread", "madrid")
	require.Error(t, err)
}

func TestChatResumesThread(t *testing.T) {
	cfg, dir := writeConfig(t)

	_, err := execute(t, "Hello\nq\n", "chat", "--offline", "--config", cfg)
	require.NoError(t, err)
	out, err := execute(t, "How are you?\nquit\n", "chat", "--offline", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "Assistant: You said: How are you?")

	data, err := os.ReadFile(filepath.Join(dir, "state.json"))
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Len(t, doc["messages"], 4)
}

func TestChatEndOfInput(t *testing.T) {
	cfg, _ := writeConfig(t)
	out, err := execute(t, "\n\n", "chat", "--offline", "--config", cfg)
	require.NoError(t, err)
	assert.NotContains(t, out, "--- Node:")
}

func TestExportFlagErrors(t *testing.T) {
	cfg, _ := writeConfig(t)

	_, err := execute(t, "", "export", "--offline", "--config", cfg, "--format", "xml")
	assert.ErrorContains(t, err, "unsupported format")

	_, err = execute(t, "", "export", "--offline", "--config", cfg, "--format", "html", "--cos")
	assert.ErrorContains(t, err, "--cos")

	_, err = execute(t, "", "export", "--offline", "--config", cfg, "--out", "x.json", "--cos")
	assert.Error(t, err)
}

func TestExportCOSRequiresBucket(t *testing.T) {
	cfg, _ := writeConfig(t)
	_, err := execute(t, "Hello\nq\n", "chat", "--offline", "--config", cfg)
	require.NoError(t, err)

	_, err = execute(t, "", "export", "--offline", "--config", cfg, "--cos")
	assert.ErrorContains(t, err, "cos_bucket_url")
}

func TestInvalidConfig(t *testing.T) {
	_, err := execute(t, "", "graph", "--offline", "--log-level", "loud")
	assert.ErrorContains(t, err, "log_level")

	_, err = execute(t, "", "graph", "--offline", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "read config")
}

func TestServeStopsWithContext(t *testing.T) {
	cfg, _ := writeConfig(t)
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"serve", "--offline", "--config", cfg, "--addr", "127.0.0.1:0"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, cmd.ExecuteContext(ctx))
}
