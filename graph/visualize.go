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
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
)

// Layout and image format constants.
const (
	// RankDirLR sets a left-to-right layout in Graphviz.
	RankDirLR = "LR"
	// RankDirTB sets a top-to-bottom layout in Graphviz.
	RankDirTB = "TB"

	// ImageFormatPNG is the PNG output format for Graphviz.
	ImageFormatPNG = "png"
	// ImageFormatSVG is the SVG output format for Graphviz.
	ImageFormatSVG = "svg"
)

const (
	shapeBox     = "box"
	shapeDiamond = "diamond"
	shapeOval    = "oval"

	colorLLMFill       = "#e3f2fd"
	colorLLMBorder     = "#2196f3"
	colorToolFill      = "#fff3e0"
	colorToolBorder    = "#ff9800"
	colorRouterFill    = "#eeeeee"
	colorRouterBorder  = "#757575"
	colorDefaultFill   = "#f3e5f5"
	colorDefaultBorder = "#9c27b0"

	colorStartFill   = "#e1f5e1"
	colorStartBorder = "#4caf50"
	colorEndFill     = "#ffe1e1"
	colorEndBorder   = "#f44336"

	colorConditionalEdge = "#999999"
)

// VizOptions configures DOT export and rendering.
type VizOptions struct {
	// RankDir sets DOT graph direction: "LR" or "TB".
	RankDir string
	// IncludeStartEnd toggles visualization of virtual Start/End nodes.
	IncludeStartEnd bool
	// GraphLabel optionally labels the whole graph.
	GraphLabel string
}

// VizOption mutates VizOptions.
type VizOption func(*VizOptions)

// WithRankDir sets DOT graph direction. Valid values: "LR", "TB".
func WithRankDir(dir string) VizOption {
	return func(o *VizOptions) {
		if dir == RankDirLR || dir == RankDirTB {
			o.RankDir = dir
		}
	}
}

// WithIncludeStartEnd toggles rendering of Start/End virtual nodes.
func WithIncludeStartEnd(include bool) VizOption {
	return func(o *VizOptions) { o.IncludeStartEnd = include }
}

// WithGraphLabel sets an optional label for the graph.
func WithGraphLabel(label string) VizOption {
	return func(o *VizOptions) { o.GraphLabel = label }
}

func defaultVizOptions() *VizOptions {
	return &VizOptions{
		RankDir:         RankDirLR,
		IncludeStartEnd: true,
	}
}

// DOT returns a Graphviz DOT representation of the graph. Nodes are styled
// by NodeType, unconditional edges are solid and conditional branches are
// dashed and labeled with their priority and label. Nodes appear in
// declaration order so the output is stable.
func (g *Graph) DOT(opts ...VizOption) string {
	o := defaultVizOptions()
	for _, fn := range opts {
		fn(o)
	}

	var b strings.Builder
	b.WriteString("digraph G {\n")
	fmt.Fprintf(&b, "  rankdir=%s;\n", escapeLabel(o.RankDir))
	b.WriteString("  node [fontname=\"Helvetica\"];\n")
	b.WriteString("  edge [fontname=\"Helvetica\"];\n")
	if o.GraphLabel != "" {
		fmt.Fprintf(&b, "  label=\"%s\";\n  labelloc=t;\n", escapeLabel(o.GraphLabel))
	}
	if o.IncludeStartEnd {
		fmt.Fprintf(&b, "  \"%s\" [label=\"start\", shape=%s, style=filled, fillcolor=\"%s\", color=\"%s\"];\n",
			escapeLabel(Start), shapeOval, colorStartFill, colorStartBorder)
		fmt.Fprintf(&b, "  \"%s\" [label=\"finish\", shape=%s, style=filled, fillcolor=\"%s\", color=\"%s\"];\n",
			escapeLabel(End), shapeOval, colorEndFill, colorEndBorder)
	}
	for _, n := range g.Nodes() {
		shape, fill, color := styleForNodeType(n.Type)
		fmt.Fprintf(&b, "  \"%s\" [label=\"%s\", shape=%s, style=filled, fillcolor=\"%s\", color=\"%s\"];\n",
			escapeLabel(n.ID), escapeLabel(n.Name), shape, fill, color)
	}
	if o.IncludeStartEnd && g.entryPoint != "" {
		fmt.Fprintf(&b, "  \"%s\" -> \"%s\";\n", escapeLabel(Start), escapeLabel(g.entryPoint))
	} else if g.entryPoint != "" {
		fmt.Fprintf(&b, "  \"%s\" [peripheries=2];\n", escapeLabel(g.entryPoint))
	}
	for _, e := range g.Edges() {
		if !o.IncludeStartEnd && e.To == End {
			continue
		}
		fmt.Fprintf(&b, "  \"%s\" -> \"%s\";\n", escapeLabel(e.From), escapeLabel(e.To))
	}
	for _, c := range g.ConditionalEdges() {
		for i, br := range c.Branches {
			if !o.IncludeStartEnd && br.To == End {
				continue
			}
			label := fmt.Sprintf("%d", i+1)
			if br.Label != "" {
				label += ": " + br.Label
			}
			writeConditional(&b, c.From, br.To, label)
		}
		if o.IncludeStartEnd || c.Default != End {
			writeConditional(&b, c.From, c.Default, "default")
		}
	}
	b.WriteString("}\n")
	return b.String()
}

func writeConditional(b *strings.Builder, from, to, label string) {
	fmt.Fprintf(b, "  \"%s\" -> \"%s\" [style=dashed, color=\"%s\", label=\"%s\"];\n",
		escapeLabel(from), escapeLabel(to), colorConditionalEdge, escapeLabel(label))
}

// WriteDOT writes the DOT representation to the provided writer.
func (g *Graph) WriteDOT(w io.Writer, opts ...VizOption) error {
	_, err := io.WriteString(w, g.DOT(opts...))
	return err
}

// RenderImage renders the graph to an image by invoking Graphviz's `dot` binary.
// It returns an error if `dot` is not found or the command fails.
func (g *Graph) RenderImage(ctx context.Context, format, outputPath string, opts ...VizOption) error {
	if format == "" {
		format = ImageFormatPNG
	}
	dotPath, err := exec.LookPath("dot")
	if err != nil {
		return fmt.Errorf("graphviz 'dot' binary not found in PATH: %w", err)
	}
	cmd := exec.CommandContext(ctx, dotPath, "-T"+format, "-o", outputPath)
	cmd.Stdin = bytes.NewBufferString(g.DOT(opts...))
	out, runErr := cmd.CombinedOutput()
	if runErr != nil {
		return fmt.Errorf("dot render failed: %w, output: %s", runErr, string(out))
	}
	return nil
}

func styleForNodeType(nt NodeType) (shape, fill, color string) {
	switch nt {
	case NodeTypeLLM:
		return shapeBox, colorLLMFill, colorLLMBorder
	case NodeTypeTool:
		return shapeBox, colorToolFill, colorToolBorder
	case NodeTypeRouter:
		return shapeDiamond, colorRouterFill, colorRouterBorder
	default:
		return shapeBox, colorDefaultFill, colorDefaultBorder
	}
}

// escapeLabel escapes label strings and quoted identifiers for DOT.
func escapeLabel(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "\"", "\\\"")
	s = strings.ReplaceAll(s, "\n", "\\n")
	return s
}
