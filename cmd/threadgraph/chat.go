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
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"trpc.group/trpc-go/threadgraph/graph"
	"trpc.group/trpc-go/threadgraph/model"
	"trpc.group/trpc-go/threadgraph/runner"
)

const defaultWrapWidth = 100

func newChatCmd(o *rootOptions) *cobra.Command {
	var threadID string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the assistant on a thread",
		Long: `Start an interactive session on a thread. Every step of the graph is
printed as it completes and the thread state is exported after each turn.
Type q to quit.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := o.build(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			c := &chat{
				runner:   app.Runner,
				threadID: threadID,
				in:       cmd.InOrStdin(),
				out:      cmd.OutOrStdout(),
				render:   newRenderer(cmd.OutOrStdout()),
			}
			return c.loop(cmd.Context())
		},
	}
	cmd.Flags().StringVarP(&threadID, "thread", "t", "1", "thread id")
	return cmd
}

type chat struct {
	runner   *runner.Runner
	threadID string
	in       io.Reader
	out      io.Writer
	render   func(string) string
}

func (c *chat) loop(ctx context.Context) error {
	fmt.Fprintf(c.out, "Thread %s. Type q to quit.\n", c.threadID)
	sc := bufio.NewScanner(c.in)
	for {
		fmt.Fprint(c.out, "User: ")
		if !sc.Scan() {
			fmt.Fprintln(c.out)
			return sc.Err()
		}
		text := strings.TrimSpace(sc.Text())
		switch strings.ToLower(text) {
		case "":
			continue
		case "q", "quit", "exit":
			fmt.Fprintln(c.out, "Goodbye!")
			return nil
		}
		if err := c.turn(ctx, text); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			fmt.Fprintf(c.out, "Error: %v\n", err)
		}
	}
}

// turn runs one user message and prints every node update.
func (c *chat) turn(ctx context.Context, text string) error {
	updates, err := c.runner.RunStream(ctx, c.threadID, text)
	if err != nil {
		return err
	}
	var runErr error
	for u := range updates {
		if u.Done {
			runErr = u.Err
			continue
		}
		if u.Node == "" {
			continue
		}
		fmt.Fprintf(c.out, "--- Node: %s ---\n", u.Node)
		c.printUpdate(u.Update)
		if u.Err != nil {
			fmt.Fprintf(c.out, "Warning: %v\n", u.Err)
		}
	}
	return runErr
}

func (c *chat) printUpdate(update graph.State) {
	if msgs, ok := update[graph.StateKeyMessages].([]model.Message); ok {
		for _, m := range msgs {
			c.printMessage(m)
		}
	}
	keys := make([]string, 0, len(update))
	for k := range update {
		switch {
		case k == graph.StateKeyMessages, k == graph.StateKeyLastResponse, strings.HasPrefix(k, "__"):
		default:
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(c.out, "%s: %v\n", k, update[k])
	}
}

func (c *chat) printMessage(m model.Message) {
	switch m.Role {
	case model.RoleTool:
		fmt.Fprintf(c.out, "Tool result (%s): %s\n", m.ToolName, m.Content)
	case model.RoleAssistant:
		for _, tc := range m.ToolCalls {
			fmt.Fprintf(c.out, "Tool call: %s(%s)\n", tc.Function.Name, tc.Function.Arguments)
		}
		if m.Content != "" {
			fmt.Fprintf(c.out, "Assistant: %s\n", c.render(m.Content))
		}
	default:
		if m.Content != "" {
			fmt.Fprintf(c.out, "%s: %s\n", m.Role, m.Content)
		}
	}
}

// newRenderer renders markdown with glamour when w is a terminal and
// returns the text unchanged otherwise.
func newRenderer(w io.Writer) func(string) string {
	plain := func(s string) string { return s }
	f, ok := w.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return plain
	}
	width := defaultWrapWidth
	if cols, _, err := term.GetSize(int(f.Fd())); err == nil && cols > 0 && cols < width {
		width = cols
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return plain
	}
	return func(s string) string {
		out, err := r.Render(s)
		if err != nil {
			return s
		}
		return strings.TrimSpace(out)
	}
}
