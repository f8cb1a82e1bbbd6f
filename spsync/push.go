// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package spsync

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// SyncUp drains up to maxChanges pending outbox entries in ascending
// (CreatedUtc, Id). maxChanges <= 0 selects the engine default.
//
// Failed entries stay Pending and are retried on the next drain;
// conflicts are resolved per the table's policy and may terminate the
// row as Conflict.
func (e *Engine) SyncUp(ctx context.Context, cfg *LocalConfig, maxChanges int) error {
	if cfg == nil || len(cfg.Tables) == 0 {
		return fmt.Errorf("no table configuration loaded; run EnsureConfig first")
	}
	if maxChanges <= 0 {
		maxChanges = e.opts.MaxChanges
	}

	pending, err := e.store.GetPendingChanges(ctx, maxChanges)
	if err != nil {
		return fmt.Errorf("failed to load pending changes: %w", err)
	}

	for i := range pending {
		if err := ctx.Err(); err != nil {
			return err
		}
		entry := &pending[i]

		table := cfg.TableByEntity(entry.EntityName)
		if table == nil {
			// Config may be refreshed before the next drain, so the
			// row stays Pending.
			e.failChange(ctx, entry, fmt.Errorf("unknown entity/table: %s", entry.EntityName))
			continue
		}

		applied, err := e.pushChange(ctx, table, entry)
		switch {
		case err != nil:
			e.logger.Warn("Push failed", "entity", entry.EntityName,
				"app_pk", entry.AppPK, "change_id", entry.ID, "error", err)
			e.failChange(ctx, entry, err)
		case applied:
			if err := e.store.MarkChangeApplied(ctx, entry.ID, time.Now().UTC()); err != nil {
				return fmt.Errorf("failed to mark change %d applied: %w", entry.ID, err)
			}
		}
		// applied=false with nil error: the resolver already marked
		// the row Conflict.
	}
	return nil
}

// pushChange dispatches one outbox entry by operation. The returned
// applied flag is false when the row was terminated as Conflict.
func (e *Engine) pushChange(ctx context.Context, table *AppTableConfig, entry *ChangeLogEntry) (bool, error) {
	if err := e.entities.EnsureEntitySchema(ctx, table); err != nil {
		return false, fmt.Errorf("failed to ensure schema: %w", err)
	}

	var payload map[string]any
	if len(entry.PayloadJSON) > 0 {
		if err := json.Unmarshal(entry.PayloadJSON, &payload); err != nil {
			return false, fmt.Errorf("failed to decode payload: %w", err)
		}
	}

	switch entry.Operation {
	case OpInsert:
		return e.pushInsert(ctx, table, entry, payload)
	case OpUpdate:
		return e.pushUpdate(ctx, table, entry, payload)
	case OpSoftDelete:
		deletedAt := time.Now().UTC()
		fields := map[string]any{
			table.PKColumn(): entry.AppPK,
			ColIsDeleted:     true,
			ColDeletedAtUtc:  deletedAt.Format(time.RFC3339),
		}
		return e.pushUpdate(ctx, table, entry, fields)
	default:
		return false, fmt.Errorf("unknown operation %q", entry.Operation)
	}
}

// pushInsert creates the server item. A duplicate-create answer routes
// into the insert-exists conflict path.
func (e *Engine) pushInsert(ctx context.Context, table *AppTableConfig, entry *ChangeLogEntry, payload map[string]any) (bool, error) {
	fields := make(map[string]any, len(payload)+2)
	for k, v := range payload {
		fields[k] = v
	}
	fields[table.PKColumn()] = entry.AppPK
	if _, ok := fields[FieldTitle]; !ok {
		fields[FieldTitle] = entry.AppPK
	}

	newID, err := e.conn.CreateListItem(ctx, table.ListID, fields)
	if err != nil {
		if IsAlreadyExists(err) {
			return e.resolveInsertExists(ctx, table, entry, fields, err)
		}
		return false, err
	}

	// Merge the created server id into the mirror row, preserving any
	// fields written by the local enqueue.
	if err := e.adoptServerID(ctx, table, entry.AppPK, int64(newID)); err != nil {
		return false, err
	}
	e.refreshMirrorByID(ctx, table, entry.AppPK, newID)
	return true, nil
}

// pushUpdate applies fields to the resolved server item with the local
// ETag. Used for both Update and SoftDelete entries.
func (e *Engine) pushUpdate(ctx context.Context, table *AppTableConfig, entry *ChangeLogEntry, fields map[string]any) (bool, error) {
	spID, etag, err := e.resolveServerItem(ctx, table, entry.AppPK)
	if err != nil {
		return false, err
	}
	if spID == 0 {
		return false, fmt.Errorf("cannot resolve server item for %s/%s", entry.EntityName, entry.AppPK)
	}
	if etag == "" {
		etag = "*"
	}

	if err := e.conn.UpdateListItem(ctx, table.ListID, int(spID), fields, etag); err != nil {
		if IsConcurrencyConflict(err) {
			return e.resolveConcurrency(ctx, table, entry, spID, etag, fields)
		}
		return false, err
	}

	e.refreshMirrorByID(ctx, table, entry.AppPK, int(spID))
	return true, nil
}

// resolveServerItem finds the server id and local ETag for appPK,
// falling back to a server query by PK when the mirror has no id yet.
func (e *Engine) resolveServerItem(ctx context.Context, table *AppTableConfig, appPK string) (int64, string, error) {
	_, system, err := e.entities.GetEntity(ctx, table.EntityName, appPK)
	if err != nil && err != ErrNotFound {
		return 0, "", err
	}
	if system != nil && system.SharePointID != 0 {
		return system.SharePointID, system.SharePointETag, nil
	}

	item, err := e.queryByPK(ctx, table, appPK)
	if err != nil {
		return 0, "", err
	}
	if item == nil {
		return 0, "", nil
	}
	return int64(item.ID), item.ETag, nil
}

// queryByPK fetches the single server item whose PK column equals
// appPK, or nil.
func (e *Engine) queryByPK(ctx context.Context, table *AppTableConfig, appPK string) (*ListItem, error) {
	page, err := e.conn.QueryListItems(ctx, table.ListID, ListQuery{
		Select: pullSelect(table),
		Filter: FilterEq(table.PKColumn(), appPK),
		Top:    1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query %s by %s: %w", table.EntityName, table.PKColumn(), err)
	}
	if len(page.Items) == 0 {
		return nil, nil
	}
	return &page.Items[0], nil
}

// adoptServerID merges system columns into the mirror row without
// disturbing its user fields.
func (e *Engine) adoptServerID(ctx context.Context, table *AppTableConfig, appPK string, spID int64) error {
	fields, system, err := e.entities.GetEntity(ctx, table.EntityName, appPK)
	if err == ErrNotFound {
		fields, system = map[string]any{}, &SystemFields{}
	} else if err != nil {
		return err
	}
	system.SharePointID = spID
	return e.entities.UpsertEntity(ctx, table.EntityName, appPK, fields, system)
}

// refreshMirrorByID re-reads the server item and rewrites the mirror
// row. Best effort: the mirror may briefly lag the server fields, but
// AppPK and the server id are already correct.
func (e *Engine) refreshMirrorByID(ctx context.Context, table *AppTableConfig, appPK string, spID int) {
	item, err := e.conn.GetListItem(ctx, table.ListID, spID, pullSelect(table))
	if err != nil {
		e.logger.Debug("Post-push mirror refresh failed",
			"entity", table.EntityName, "app_pk", appPK, "sp_id", spID, "error", err)
		return
	}
	if err := e.refreshMirrorFromItem(ctx, table, appPK, item); err != nil {
		e.logger.Debug("Post-push mirror write failed",
			"entity", table.EntityName, "app_pk", appPK, "error", err)
	}
}

// refreshMirrorFromItem rewrites the mirror row from a server item.
func (e *Engine) refreshMirrorFromItem(ctx context.Context, table *AppTableConfig, appPK string, item *ListItem) error {
	fields, system := mirrorRowFromItem(table, item)
	return e.entities.UpsertEntity(ctx, table.EntityName, appPK, fields, system)
}

// failChange records a transient failure. When the attempt limit is
// configured and reached, the row is terminated as Conflict with an
// audit entry so operators see it in the conflict stream.
func (e *Engine) failChange(ctx context.Context, entry *ChangeLogEntry, cause error) {
	if e.opts.MaxAttempts > 0 && entry.AttemptCount+1 >= e.opts.MaxAttempts {
		msg := fmt.Sprintf("attempt limit %d reached: %v", e.opts.MaxAttempts, cause)
		if err := e.store.MarkChangeConflicted(ctx, entry.ID, msg); err != nil {
			e.logger.Error("Failed to dead-letter change", "change_id", entry.ID, "error", err)
			return
		}
		logErr := e.store.LogConflict(ctx, &ConflictLogEntry{
			OccurredUtc: time.Now().UTC(),
			EntityName:  entry.EntityName,
			AppPK:       entry.AppPK,
			ChangeID:    entry.ID,
			Operation:   entry.Operation,
			Message:     msg,
		})
		if logErr != nil {
			e.logger.Error("Failed to log dead-letter conflict", "change_id", entry.ID, "error", logErr)
		}
		return
	}
	if err := e.store.MarkChangeFailed(ctx, entry.ID, cause.Error()); err != nil {
		e.logger.Error("Failed to record change failure", "change_id", entry.ID, "error", err)
	}
}

// sanitizeMessage keeps conflict-log messages single-line.
func sanitizeMessage(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, "\r", " "), "\n", " ")
}
