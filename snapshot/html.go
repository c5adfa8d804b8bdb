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

package snapshot

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html"
	"sort"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"trpc.group/trpc-go/threadgraph/graph"
)

var md = goldmark.New(goldmark.WithExtensions(extension.GFM))

// Markdown renders the transcript and the remaining fields of a document.
func Markdown(title string, doc Document) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", title)
	for _, m := range doc.Messages() {
		fmt.Fprintf(&b, "### %s", m.Role)
		if m.Name != "" {
			fmt.Fprintf(&b, " (%s)", m.Name)
		}
		b.WriteString("\n\n")
		if m.Content != "" {
			b.WriteString(m.Content)
			b.WriteString("\n\n")
		}
		for _, c := range m.ToolCalls {
			args, _ := json.Marshal(c.Args)
			fmt.Fprintf(&b, "- call `%s` `%s`\n", c.Name, args)
		}
		if len(m.ToolCalls) > 0 {
			b.WriteString("\n")
		}
	}

	keys := make([]string, 0, len(doc))
	for k := range doc {
		if k != graph.StateKeyMessages {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return b.String()
	}
	sort.Strings(keys)
	b.WriteString("## State\n\n| field | value |\n|---|---|\n")
	for _, k := range keys {
		v, _ := json.Marshal(doc[k])
		fmt.Fprintf(&b, "| %s | `%s` |\n", k, strings.ReplaceAll(string(v), "|", "\\|"))
	}
	return b.String()
}

// RenderHTML renders the document as a standalone HTML page.
func RenderHTML(title string, doc Document) ([]byte, error) {
	var body bytes.Buffer
	if err := md.Convert([]byte(Markdown(title, doc)), &body); err != nil {
		return nil, fmt.Errorf("render transcript: %w", err)
	}
	var out bytes.Buffer
	fmt.Fprintf(&out, "<!DOCTYPE html>\n<html>\n<head><meta charset=\"utf-8\"><title>%s</title></head>\n<body>\n",
		html.EscapeString(title))
	out.Write(body.Bytes())
	out.WriteString("</body>\n</html>\n")
	return out.Bytes(), nil
}
