// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package spsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
)

// EngineOptions tunes the sync engine. Zero values select defaults.
type EngineOptions struct {
	PageSize    int           // pull page size, default 200
	Overlap     time.Duration // watermark overlap, default 5m
	MaxChanges  int           // outbox drain batch, default 100
	MaxAttempts int           // 0 = retry failed changes forever
}

func (o EngineOptions) withDefaults() EngineOptions {
	if o.PageSize <= 0 {
		o.PageSize = 200
	}
	if o.Overlap <= 0 {
		o.Overlap = 5 * time.Minute
	}
	if o.MaxChanges <= 0 {
		o.MaxChanges = 100
	}
	return o
}

// Engine orchestrates per-table pull (incremental, watermark-based)
// and outbox drain (push with conflict resolution). All server I/O
// goes through the Connector; all local state through the two store
// traits.
type Engine struct {
	store    Store
	entities EntityStore
	conn     Connector
	logger   *slog.Logger
	opts     EngineOptions
}

// NewEngine creates a sync engine. logger may be nil.
func NewEngine(store Store, entities EntityStore, conn Connector, opts EngineOptions, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:    store,
		entities: entities,
		conn:     conn,
		logger:   logger,
		opts:     opts.withDefaults(),
	}
}

// SyncDown performs one incremental pull for a table. The watermark
// (LastSyncModifiedUtc, LastSyncSpID) only advances on completion;
// partial pages are safe because mirror upserts are keyed by AppPK.
func (e *Engine) SyncDown(ctx context.Context, table *AppTableConfig, configVersion int64) error {
	if table == nil {
		return fmt.Errorf("table config cannot be nil")
	}
	if err := e.entities.EnsureEntitySchema(ctx, table); err != nil {
		return fmt.Errorf("failed to ensure schema for %s: %w", table.EntityName, err)
	}

	state, err := e.store.GetSyncState(ctx, table.EntityName)
	if err != nil {
		return fmt.Errorf("failed to load sync state for %s: %w", table.EntityName, err)
	}
	if state == nil {
		state = &SyncState{EntityName: table.EntityName}
	}

	q := ListQuery{
		Select:  pullSelect(table),
		OrderBy: FieldModified + " asc, " + FieldID + " asc",
		Top:     e.opts.PageSize,
	}
	if state.LastSyncModifiedUtc != nil {
		// The overlap absorbs server clock skew and the window where
		// Modified is indexed after it becomes observable. Re-reads
		// are idempotent.
		w := state.LastSyncModifiedUtc.Add(-e.opts.Overlap)
		q.Filter = FilterGeDate(FieldModified, w)
	}

	maxModified := state.LastSyncModifiedUtc
	maxID := state.LastSyncSpID
	total := 0

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, err := e.conn.QueryListItems(ctx, table.ListID, q)
		if err != nil {
			e.recordPullError(ctx, state, err)
			return fmt.Errorf("failed to query %s: %w", table.EntityName, err)
		}
		for i := range page.Items {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := &page.Items[i]
			if err := e.ingestItem(ctx, table, item); err != nil {
				e.recordPullError(ctx, state, err)
				return fmt.Errorf("failed to ingest item %d for %s: %w", item.ID, table.EntityName, err)
			}
			if laterWatermark(maxModified, maxID, item.ModifiedUtc, int64(item.ID)) {
				m := item.ModifiedUtc
				maxModified = &m
				maxID = int64(item.ID)
			}
			total++
		}
		if page.NextPageCursor == "" {
			break
		}
		q = ListQuery{PageCursor: page.NextPageCursor}
	}

	now := time.Now().UTC()
	state.LastSyncModifiedUtc = maxModified
	state.LastSyncSpID = maxID
	state.LastSuccessfulSyncUtc = &now
	state.LastConfigVersionApplied = configVersion
	state.LastError = ""
	if err := e.store.SaveSyncState(ctx, state); err != nil {
		return fmt.Errorf("failed to persist sync state for %s: %w", table.EntityName, err)
	}
	e.logger.Debug("Pull complete", "entity", table.EntityName, "items", total)
	return nil
}

// SyncDownOnOpen pulls every enabled OnOpen table in priority order.
// A failing table does not block the rest; errors are joined.
func (e *Engine) SyncDownOnOpen(ctx context.Context, cfg *LocalConfig) error {
	return e.syncDownWhere(ctx, cfg, func(t *AppTableConfig) bool {
		return t.Enabled && t.SyncPolicy == SyncOnOpen
	})
}

// SyncDownAll pulls every enabled table in priority order.
func (e *Engine) SyncDownAll(ctx context.Context, cfg *LocalConfig) error {
	return e.syncDownWhere(ctx, cfg, func(t *AppTableConfig) bool {
		return t.Enabled
	})
}

func (e *Engine) syncDownWhere(ctx context.Context, cfg *LocalConfig, match func(*AppTableConfig) bool) error {
	if cfg == nil || len(cfg.Tables) == 0 {
		return fmt.Errorf("no table configuration loaded; run EnsureConfig first")
	}
	selected := make([]*AppTableConfig, 0, len(cfg.Tables))
	for i := range cfg.Tables {
		if match(&cfg.Tables[i]) {
			selected = append(selected, &cfg.Tables[i])
		}
	}
	sort.SliceStable(selected, func(i, j int) bool {
		return selected[i].Priority < selected[j].Priority
	})

	var errs []error
	for _, table := range selected {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.SyncDown(ctx, table, cfg.ConfigVersion); err != nil {
			e.logger.Error("Pull failed", "entity", table.EntityName, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ingestItem materializes one server item into the mirror.
func (e *Engine) ingestItem(ctx context.Context, table *AppTableConfig, item *ListItem) error {
	appPK := strings.TrimSpace(AsString(item.Fields[table.PKColumn()]))
	if appPK == "" {
		// Rows without an application key are foreign to this client.
		return nil
	}

	// A pending local soft delete must not be resurrected by an
	// overlapping pull of older server state; the push side will
	// reconcile the tombstone.
	pendingDelete, err := e.store.HasPendingChange(ctx, table.EntityName, appPK, OpSoftDelete)
	if err != nil {
		return err
	}
	if pendingDelete {
		return nil
	}

	fields, system := mirrorRowFromItem(table, item)
	return e.entities.UpsertEntity(ctx, table.EntityName, appPK, fields, system)
}

// recordPullError stores LastError without touching the watermark.
func (e *Engine) recordPullError(ctx context.Context, state *SyncState, cause error) {
	state.LastError = cause.Error()
	if err := e.store.SaveSyncState(ctx, state); err != nil {
		e.logger.Warn("Failed to record pull error", "entity", state.EntityName, "error", err)
	}
}

// pullSelect is SelectFields plus the PK and the fixed system fields.
func pullSelect(table *AppTableConfig) []string {
	sel := make([]string, 0, len(table.SelectFields)+5)
	seen := make(map[string]struct{})
	add := func(f string) {
		key := strings.ToLower(f)
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		sel = append(sel, f)
	}
	for _, f := range table.SelectFields {
		add(f)
	}
	add(table.PKColumn())
	add(ColIsDeleted)
	add(ColDeletedAtUtc)
	add(FieldID)
	add(FieldModified)
	return sel
}

// mirrorRowFromItem splits a server item into whitelisted user fields
// and system columns. The PK and tombstone fields never land in the
// user-field map.
func mirrorRowFromItem(table *AppTableConfig, item *ListItem) (map[string]any, *SystemFields) {
	fields := make(map[string]any)
	for _, f := range table.SelectFields {
		if IsReservedColumn(f, table.PKColumn()) {
			continue
		}
		if v, ok := item.Fields[f]; ok {
			fields[f] = v
		}
	}

	system := &SystemFields{
		SharePointID:          int64(item.ID),
		SharePointModifiedUtc: item.ModifiedUtc,
		SharePointETag:        item.ETag,
		IsDeleted:             AsBool(item.Fields[ColIsDeleted]),
	}
	if system.IsDeleted {
		if t, ok := AsTime(item.Fields[ColDeletedAtUtc]); ok {
			system.DeletedAtUtc = &t
		} else {
			m := item.ModifiedUtc
			system.DeletedAtUtc = &m
		}
	}
	return fields, system
}

// laterWatermark compares (modified, id) pairs lexicographically.
func laterWatermark(curModified *time.Time, curID int64, modified time.Time, id int64) bool {
	if curModified == nil {
		return true
	}
	if modified.After(*curModified) {
		return true
	}
	return modified.Equal(*curModified) && id > curID
}
