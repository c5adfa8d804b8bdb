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
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

const defaultHistoryLimit = 20

func newThreadsCmd(o *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "threads",
		Short: "Manage checkpointed threads",
	}
	cmd.AddCommand(newThreadsListCmd(o), newThreadsHistoryCmd(o), newThreadsDeleteCmd(o))
	return cmd
}

func newThreadsListCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List the threads with checkpoints",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := o.build(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			ids, err := app.Runner.Threads(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(ids) == 0 {
				fmt.Fprintln(out, "No threads found.")
				return nil
			}
			for _, id := range ids {
				fmt.Fprintln(out, id)
			}
			return nil
		},
	}
}

func newThreadsHistoryCmd(o *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <thread-id>",
		Short: "Show the checkpoints of a thread, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := o.build(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			cps, err := app.Runner.History(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "STEP\tSOURCE\tNODE\tNEXT\tTIME")
			for _, cp := range cps {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n",
					cp.Step, cp.Source, orDash(cp.Node), orDash(cp.Next), cp.Timestamp.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", defaultHistoryLimit, "maximum number of checkpoints")
	return cmd
}

func newThreadsDeleteCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "delete <thread-id>...",
		Aliases: []string{"rm"},
		Short:   "Delete the checkpoints of one or more threads",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := o.build(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			for _, id := range args {
				if err := app.Runner.DeleteThread(cmd.Context(), id); err != nil {
					return fmt.Errorf("delete thread %s: %w", id, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted thread %s\n", id)
			}
			return nil
		},
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
