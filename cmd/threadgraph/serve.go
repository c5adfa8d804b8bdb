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
	"github.com/spf13/cobra"

	"trpc.group/trpc-go/threadgraph/config"
	"trpc.group/trpc-go/threadgraph/server"
)

func newServeCmd(o *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the thread API over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := o.build(cmd.Context(), func(cfg *config.Config) {
				if addr != "" {
					cfg.Server.Addr = addr
				}
				// Concurrent requests would race on a single export file.
				cfg.Snapshot.Path = ""
			})
			if err != nil {
				return err
			}
			defer app.Close()

			opts := []server.Option{
				server.WithCORSOrigins(app.Config.Server.CORSOrigins...),
				server.WithLogger(app.Logger),
			}
			if app.Metrics != nil {
				opts = append(opts, server.WithMetricsHandler(app.Metrics.Handler()))
			}
			srv := server.New(app.Runner, opts...)
			return srv.ListenAndServe(cmd.Context(), app.Config.Server.Addr, app.Config.Server.ShutdownTimeout)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides server.addr")
	return cmd
}
