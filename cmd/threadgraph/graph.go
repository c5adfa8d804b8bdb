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
	"fmt"

	"github.com/spf13/cobra"

	"trpc.group/trpc-go/threadgraph/graph"
)

func newGraphCmd(o *rootOptions) *cobra.Command {
	var rankDir string
	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Print the assistant graph in Graphviz DOT format",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := o.build(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			var opts []graph.VizOption
			if rankDir != "" {
				opts = append(opts, graph.WithRankDir(rankDir))
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), app.Graph.DOT(opts...))
			return err
		},
	}
	cmd.Flags().StringVar(&rankDir, "rankdir", "", "layout direction (LR, TB)")
	return cmd
}
