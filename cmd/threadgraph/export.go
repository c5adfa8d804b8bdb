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
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"trpc.group/trpc-go/threadgraph/snapshot"
)

const (
	formatJSON = "json"
	formatHTML = "html"
)

type exportOptions struct {
	threadID string
	out      string
	format   string
	cos      bool
}

func newExportCmd(o *rootOptions) *cobra.Command {
	e := &exportOptions{}
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the latest state of a thread",
		Long: `Export the latest checkpointed state of a thread as JSON or as an HTML
transcript. The document goes to stdout unless --out or --cos is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return e.run(cmd, o)
		},
	}
	cmd.Flags().StringVarP(&e.threadID, "thread", "t", "1", "thread id")
	cmd.Flags().StringVarP(&e.out, "out", "o", "", "write the document to this file")
	cmd.Flags().StringVar(&e.format, "format", formatJSON, "document format (json, html)")
	cmd.Flags().BoolVar(&e.cos, "cos", false, "upload the JSON document to the configured COS bucket")
	cmd.MarkFlagsMutuallyExclusive("out", "cos")
	return cmd
}

func (e *exportOptions) run(cmd *cobra.Command, o *rootOptions) error {
	if e.format != formatJSON && e.format != formatHTML {
		return fmt.Errorf("unsupported format %q", e.format)
	}
	if e.cos && e.format != formatJSON {
		return fmt.Errorf("--cos only uploads %s documents", formatJSON)
	}
	app, err := o.build(cmd.Context())
	if err != nil {
		return err
	}
	defer app.Close()

	state, err := app.Runner.Snapshot(cmd.Context(), e.threadID)
	if err != nil {
		return err
	}
	doc := snapshot.Build(state)

	if e.cos {
		w, err := app.COSWriter()
		if err != nil {
			return err
		}
		if err := w.Write(cmd.Context(), e.threadID, doc); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "uploaded thread %s\n", e.threadID)
		return nil
	}

	if e.format == formatJSON && e.out != "" {
		return snapshot.NewFileWriter(e.out).Write(cmd.Context(), e.threadID, doc)
	}
	data, err := encode(e.format, e.threadID, doc)
	if err != nil {
		return err
	}
	if e.out != "" {
		return os.WriteFile(e.out, data, 0o644)
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}

func encode(format, threadID string, doc snapshot.Document) ([]byte, error) {
	if format == formatHTML {
		return snapshot.RenderHTML("Thread "+threadID, doc)
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return append(data, '\n'), nil
}
