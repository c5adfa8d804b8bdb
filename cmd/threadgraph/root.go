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
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"trpc.group/trpc-go/threadgraph/config"
	"trpc.group/trpc-go/threadgraph/internal/assistant"
	"trpc.group/trpc-go/threadgraph/log"
)

// rootOptions holds the persistent flags shared by every command.
type rootOptions struct {
	configPath string
	logLevel   string
	offline    bool
}

func newRootCmd() *cobra.Command {
	o := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "threadgraph",
		Short: "threadgraph runs durable multi-turn conversation graphs",
		Long: `threadgraph runs a conversation graph whose state is checkpointed after
every step, so a thread can be resumed by any process sharing the store.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := cmd.PersistentFlags()
	flags.StringVarP(&o.configPath, "config", "c", "", "path to the YAML config file")
	flags.StringVar(&o.logLevel, "log-level", "", "log level (debug, info, warn, error), overrides the config")
	flags.BoolVar(&o.offline, "offline", false, "use the built-in offline model instead of the configured one")

	cmd.AddCommand(
		newChatCmd(o),
		newServeCmd(o),
		newGraphCmd(o),
		newExportCmd(o),
		newThreadsCmd(o),
		newVersionCmd(),
	)
	return cmd
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	log.SetLevel(cfg.LogLevel)
	return cfg, nil
}

// build loads the config, lets the command adjust it and assembles the
// application. The caller closes the returned App.
func (o *rootOptions) build(ctx context.Context, adjust ...func(*config.Config)) (*assistant.App, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	for _, fn := range adjust {
		fn(cfg)
	}
	return assistant.Build(ctx, cfg, assistant.WithOffline(o.offline))
}
