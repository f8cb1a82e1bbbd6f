// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show per-entity watermarks and the outbox head",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, closeFn, err := openClient()
		if err != nil {
			return err
		}
		defer closeFn()

		ctx := context.Background()
		cfg, err := client.EnsureConfig(ctx)
		if err != nil {
			return err
		}

		fmt.Printf("App %s, config version %d, %d tables\n\n", cfg.AppID, cfg.ConfigVersion, len(cfg.Tables))
		for _, table := range cfg.Tables {
			state, err := client.SyncStateFor(ctx, table.EntityName)
			if err != nil {
				return err
			}
			line := fmt.Sprintf("  %-24s policy=%s priority=%d", table.EntityName, table.SyncPolicy, table.Priority)
			if !table.Enabled {
				line += " (disabled)"
			}
			if state != nil && state.LastSyncModifiedUtc != nil {
				line += " watermark=" + state.LastSyncModifiedUtc.Format("2006-01-02T15:04:05Z") +
					"/" + strconv.FormatInt(state.LastSyncSpID, 10)
			} else {
				line += " never pulled"
			}
			if state != nil && state.LastError != "" {
				line += " last_error=" + state.LastError
			}
			fmt.Println(line)
		}

		pending, err := client.PendingChanges(ctx, 20)
		if err != nil {
			return err
		}
		fmt.Printf("\n%d pending change(s) at the outbox head\n", len(pending))
		for _, p := range pending {
			fmt.Printf("  #%d %s %s/%s attempts=%d", p.ID, p.Operation, p.EntityName, p.AppPK, p.AttemptCount)
			if p.LastError != "" {
				fmt.Printf(" last_error=%s", p.LastError)
			}
			fmt.Println()
		}
		return nil
	},
}
