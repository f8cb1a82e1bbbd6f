// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package spsync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Conflict resolution for push. Every path appends a ConflictLogEntry
// first, with both payloads captured verbatim, then acts per the
// table's policy:
//
//   - Manual: the outbox row turns Conflict and is not retried; the
//     mirror is refreshed from the server so reads observe server
//     state.
//   - ServerWins: the mirror is refreshed from the server and the
//     client mutation is dropped (the change counts as applied).
//   - ClientWins: the write is retried once with the server's ETag; a
//     second concurrency failure terminates the row as Conflict.

// resolveConcurrency handles a 409/412 (or etag-citing 400) on update.
func (e *Engine) resolveConcurrency(ctx context.Context, table *AppTableConfig, entry *ChangeLogEntry, spID int64, localETag string, desired map[string]any) (bool, error) {
	serverItem, err := e.conn.GetListItem(ctx, table.ListID, int(spID), pullSelect(table))
	if err != nil {
		// Cannot resolve without the server row; stay Pending.
		return false, fmt.Errorf("failed to fetch server item for conflict: %w", err)
	}

	if err := e.logConflict(ctx, table, entry, serverItem, localETag, desired, "concurrency conflict"); err != nil {
		return false, err
	}

	switch table.ConflictPolicy {
	case Manual:
		if err := e.store.MarkChangeConflicted(ctx, entry.ID, "concurrency conflict (manual policy)"); err != nil {
			return false, err
		}
		if err := e.refreshMirrorFromItem(ctx, table, entry.AppPK, serverItem); err != nil {
			e.logger.Warn("Mirror refresh after manual conflict failed",
				"entity", table.EntityName, "app_pk", entry.AppPK, "error", err)
		}
		return false, nil

	case ServerWins:
		if err := e.refreshMirrorFromItem(ctx, table, entry.AppPK, serverItem); err != nil {
			return false, err
		}
		return true, nil

	case ClientWins:
		return e.retryWithServerETag(ctx, table, entry, serverItem, desired)
	}
	return false, fmt.Errorf("unknown conflict policy %v", table.ConflictPolicy)
}

// resolveInsertExists handles a duplicate-create answer. The existing
// server row is fetched by PK; under ClientWins the engine adopts its
// id and overwrites the fields with the payload.
func (e *Engine) resolveInsertExists(ctx context.Context, table *AppTableConfig, entry *ChangeLogEntry, desired map[string]any, createErr error) (bool, error) {
	serverItem, err := e.queryByPK(ctx, table, entry.AppPK)
	if err != nil {
		return false, err
	}
	if serverItem == nil {
		// The server claimed a duplicate but we cannot see it; keep
		// the original failure for the retry loop.
		return false, createErr
	}

	if err := e.logConflict(ctx, table, entry, serverItem, "", desired, "insert target already exists"); err != nil {
		return false, err
	}

	switch table.ConflictPolicy {
	case Manual:
		if err := e.store.MarkChangeConflicted(ctx, entry.ID, "insert target already exists (manual policy)"); err != nil {
			return false, err
		}
		if err := e.refreshMirrorFromItem(ctx, table, entry.AppPK, serverItem); err != nil {
			e.logger.Warn("Mirror refresh after manual conflict failed",
				"entity", table.EntityName, "app_pk", entry.AppPK, "error", err)
		}
		return false, nil

	case ServerWins:
		// The server row is authoritative; adopting it completes the
		// insert.
		if err := e.refreshMirrorFromItem(ctx, table, entry.AppPK, serverItem); err != nil {
			return false, err
		}
		return true, nil

	case ClientWins:
		return e.retryWithServerETag(ctx, table, entry, serverItem, desired)
	}
	return false, fmt.Errorf("unknown conflict policy %v", table.ConflictPolicy)
}

// retryWithServerETag performs the single ClientWins retry. There is
// no retry loop within one drain: a second concurrency failure
// terminates the row.
func (e *Engine) retryWithServerETag(ctx context.Context, table *AppTableConfig, entry *ChangeLogEntry, serverItem *ListItem, desired map[string]any) (bool, error) {
	etag := serverItem.ETag
	if etag == "" {
		etag = "*"
	}
	if err := e.conn.UpdateListItem(ctx, table.ListID, serverItem.ID, desired, etag); err != nil {
		if IsConcurrencyConflict(err) {
			msg := "concurrency conflict persisted after retry"
			if err := e.store.MarkChangeConflicted(ctx, entry.ID, msg); err != nil {
				return false, err
			}
			return false, nil
		}
		return false, err
	}
	e.refreshMirrorByID(ctx, table, entry.AppPK, serverItem.ID)
	return true, nil
}

// logConflict appends the audit row. Local payload and server fields
// are captured verbatim.
func (e *Engine) logConflict(ctx context.Context, table *AppTableConfig, entry *ChangeLogEntry, serverItem *ListItem, localETag string, desired map[string]any, message string) error {
	localPayload := entry.PayloadJSON
	if localPayload == nil && desired != nil {
		if raw, err := json.Marshal(desired); err == nil {
			localPayload = raw
		}
	}
	var serverFields json.RawMessage
	if serverItem != nil {
		if raw, err := json.Marshal(serverItem.Fields); err == nil {
			serverFields = raw
		}
	}

	logEntry := &ConflictLogEntry{
		OccurredUtc:      time.Now().UTC(),
		EntityName:       entry.EntityName,
		AppPK:            entry.AppPK,
		ChangeID:         entry.ID,
		Operation:        entry.Operation,
		Policy:           table.ConflictPolicy,
		LocalETag:        localETag,
		LocalPayloadJSON: localPayload,
		ServerFieldsJSON: serverFields,
		Message:          sanitizeMessage(message),
	}
	if serverItem != nil {
		logEntry.SharePointID = int64(serverItem.ID)
		logEntry.ServerETag = serverItem.ETag
	}
	if err := e.store.LogConflict(ctx, logEntry); err != nil {
		return fmt.Errorf("failed to log conflict: %w", err)
	}
	return nil
}
