// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var conflictsLimit int

var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "Show recent conflict-log entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, closeFn, err := openClient()
		if err != nil {
			return err
		}
		defer closeFn()

		entries, err := client.RecentConflicts(context.Background(), conflictsLimit)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("No conflicts recorded.")
			return nil
		}
		for _, e := range entries {
			fmt.Printf("#%d %s %s %s/%s change=%d policy=%s sp_id=%d\n    %s\n",
				e.ID, e.OccurredUtc.Format("2006-01-02T15:04:05Z"), e.Operation,
				e.EntityName, e.AppPK, e.ChangeID, e.Policy, e.SharePointID, e.Message)
		}
		return nil
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry <change-id>",
	Short: "Requeue a conflicted outbox entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid change id %q", args[0])
		}
		client, closeFn, err := openClient()
		if err != nil {
			return err
		}
		defer closeFn()

		if err := client.RequeueChange(context.Background(), id); err != nil {
			return err
		}
		fmt.Printf("Change %d requeued.\n", id)
		return nil
	},
}

func init() {
	conflictsCmd.Flags().IntVar(&conflictsLimit, "limit", 20, "number of entries to show")
}
