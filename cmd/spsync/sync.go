// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
)

var syncAll bool

var syncCmd = &cobra.Command{
	Use:   "sync [entity]",
	Short: "Drain the outbox and pull from the server",
	Long: `Sync drains pending local changes to the server, then pulls.

With no argument, OnOpen tables are pulled in priority order. With
--all every enabled table is pulled. With an entity name only that
entity is pulled.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, closeFn, err := openClient()
		if err != nil {
			return err
		}
		defer closeFn()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		if err := client.Initialize(ctx); err != nil {
			return err
		}

		switch {
		case len(args) == 1:
			err = client.SyncTable(ctx, args[0])
		case syncAll:
			err = client.SyncAll(ctx)
		default:
			err = client.SyncOnOpen(ctx)
		}
		if err != nil {
			return err
		}
		fmt.Println("Sync complete.")
		return nil
	},
}

func init() {
	syncCmd.Flags().BoolVar(&syncAll, "all", false, "pull every enabled table")
}
