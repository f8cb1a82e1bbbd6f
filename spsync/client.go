// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package spsync implements an offline-first bidirectional sync engine
// that keeps a local, queryable mirror of SharePoint lists. Reads and
// writes always hit the local store; local mutations are captured in a
// durable outbox and reconciled with the server in the background.
package spsync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Client binds a local store, a remote connector, the configuration
// manager and the sync engine behind one lifecycle. It is safe for
// concurrent use. Outbox drains run one at a time. SyncTable calls for
// the same entity are serialized, distinct entities may sync
// concurrently; SyncOnOpen and SyncAll take no per-entity lock, so
// their pulls are not serialized against SyncTable or each other.
type Client struct {
	store    Store
	entities EntityStore
	conn     Connector
	cfgMgr   *ConfigManager
	engine   *Engine
	appID    string
	logger   *slog.Logger

	cfgMu  sync.Mutex
	config *LocalConfig

	// Per-entity binary semaphores under one coarse lock.
	lockMu     sync.Mutex
	tableLocks map[string]chan struct{}

	drainMu sync.Mutex // one outbox drain at a time
}

// NewClient creates a sync client. logger may be nil.
func NewClient(store Store, entities EntityStore, conn Connector, appID string, opts EngineOptions, logger *slog.Logger) (*Client, error) {
	if store == nil || entities == nil || conn == nil {
		return nil, fmt.Errorf("store, entities and connector must all be provided")
	}
	if strings.TrimSpace(appID) == "" {
		return nil, fmt.Errorf("app id cannot be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		store:      store,
		entities:   entities,
		conn:       conn,
		cfgMgr:     NewConfigManager(store, conn, logger),
		engine:     NewEngine(store, entities, conn, opts, logger),
		appID:      appID,
		logger:     logger,
		tableLocks: make(map[string]chan struct{}),
	}, nil
}

// Initialize opens the store schema and ensures configuration. Call
// once before any sync or local write.
func (c *Client) Initialize(ctx context.Context) error {
	if err := c.store.InitializeSchema(ctx); err != nil {
		return fmt.Errorf("failed to initialize local schema: %w", err)
	}
	_, err := c.EnsureConfig(ctx)
	return err
}

// EnsureConfig refreshes the table catalog when the server carries a
// newer ConfigVersion and returns the current catalog.
func (c *Client) EnsureConfig(ctx context.Context) (*LocalConfig, error) {
	cfg, err := c.cfgMgr.EnsureConfig(ctx, c.appID)
	if err != nil {
		return nil, err
	}
	c.cfgMu.Lock()
	c.config = cfg
	c.cfgMu.Unlock()
	return cfg, nil
}

// currentConfig returns the cached catalog, loading it from the store
// when the client has not synced config yet.
func (c *Client) currentConfig(ctx context.Context) (*LocalConfig, error) {
	c.cfgMu.Lock()
	cfg := c.config
	c.cfgMu.Unlock()
	if cfg != nil {
		return cfg, nil
	}
	cfg, err := c.store.GetLocalConfig(ctx, c.appID)
	if err != nil {
		return nil, fmt.Errorf("failed to load local config: %w", err)
	}
	if cfg == nil || len(cfg.Tables) == 0 {
		return nil, fmt.Errorf("no table configuration for app %s; run EnsureConfig first", c.appID)
	}
	c.cfgMu.Lock()
	c.config = cfg
	c.cfgMu.Unlock()
	return cfg, nil
}

// SyncOnOpen drains the outbox, then pulls all OnOpen tables in
// priority order. The drain runs first so locally enqueued changes are
// visible on the server before the pull rewrites the mirror.
func (c *Client) SyncOnOpen(ctx context.Context) error {
	return c.compositeSync(ctx, c.engine.SyncDownOnOpen)
}

// SyncAll drains the outbox, then pulls all enabled tables in priority
// order.
func (c *Client) SyncAll(ctx context.Context) error {
	return c.compositeSync(ctx, c.engine.SyncDownAll)
}

func (c *Client) compositeSync(ctx context.Context, pull func(context.Context, *LocalConfig) error) error {
	cfg, err := c.currentConfig(ctx)
	if err != nil {
		return err
	}
	if err := c.drainOutbox(ctx, cfg); err != nil {
		return err
	}
	return pull(ctx, cfg)
}

// SyncTable drains the outbox then pulls one entity. Overlapping syncs
// of the same entity are serialized; distinct entities proceed in
// parallel.
func (c *Client) SyncTable(ctx context.Context, entity string) error {
	if strings.TrimSpace(entity) == "" {
		return fmt.Errorf("entity name cannot be empty")
	}
	cfg, err := c.currentConfig(ctx)
	if err != nil {
		return err
	}
	table := cfg.TableByEntity(entity)
	if table == nil {
		return fmt.Errorf("unknown entity/table: %s", entity)
	}

	release, err := c.acquireTableLock(ctx, table.EntityName)
	if err != nil {
		return err
	}
	defer release()

	if err := c.drainOutbox(ctx, cfg); err != nil {
		return err
	}
	return c.engine.SyncDown(ctx, table, cfg.ConfigVersion)
}

func (c *Client) drainOutbox(ctx context.Context, cfg *LocalConfig) error {
	c.drainMu.Lock()
	defer c.drainMu.Unlock()
	return c.engine.SyncUp(ctx, cfg, 0)
}

// acquireTableLock takes the per-entity binary semaphore, honoring
// cancellation while waiting.
func (c *Client) acquireTableLock(ctx context.Context, entity string) (func(), error) {
	key := strings.ToLower(entity)
	c.lockMu.Lock()
	sem, ok := c.tableLocks[key]
	if !ok {
		sem = make(chan struct{}, 1)
		c.tableLocks[key] = sem
	}
	c.lockMu.Unlock()

	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// GetLocal reads a mirror row. Returns ErrNotFound when absent.
func (c *Client) GetLocal(ctx context.Context, entity, appPK string) (map[string]any, *SystemFields, error) {
	if strings.TrimSpace(entity) == "" {
		return nil, nil, fmt.Errorf("entity name cannot be empty")
	}
	if strings.TrimSpace(appPK) == "" {
		return nil, nil, fmt.Errorf("app pk cannot be empty")
	}
	return c.entities.GetEntity(ctx, entity, appPK)
}

// UpsertLocalAndEnqueueInsert writes the mirror row locally and
// appends an Insert outbox entry.
func (c *Client) UpsertLocalAndEnqueueInsert(ctx context.Context, entity, appPK string, fields map[string]any) error {
	return c.upsertLocalAndEnqueue(ctx, entity, appPK, fields, OpInsert)
}

// UpsertLocalAndEnqueueUpdate merges fields into the mirror row and
// appends an Update outbox entry.
func (c *Client) UpsertLocalAndEnqueueUpdate(ctx context.Context, entity, appPK string, fields map[string]any) error {
	return c.upsertLocalAndEnqueue(ctx, entity, appPK, fields, OpUpdate)
}

func (c *Client) upsertLocalAndEnqueue(ctx context.Context, entity, appPK string, fields map[string]any, op string) error {
	table, err := c.tableFor(ctx, entity)
	if err != nil {
		return err
	}
	if strings.TrimSpace(appPK) == "" {
		return fmt.Errorf("app pk cannot be empty")
	}
	if err := c.entities.EnsureEntitySchema(ctx, table); err != nil {
		return fmt.Errorf("failed to ensure schema for %s: %w", entity, err)
	}

	payload := sanitizePayload(fields, table.PKColumn())

	// Merge into the existing user-field map: existing fields are
	// preserved unless overwritten, system columns survive untouched.
	existing, system, err := c.entities.GetEntity(ctx, table.EntityName, appPK)
	if err == ErrNotFound {
		existing, system = map[string]any{}, &SystemFields{}
	} else if err != nil {
		return err
	}
	for k, v := range payload {
		if table.HasSelectField(k) {
			existing[k] = v
		}
	}
	if err := c.entities.UpsertEntity(ctx, table.EntityName, appPK, existing, system); err != nil {
		return fmt.Errorf("failed to write mirror row: %w", err)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}
	_, err = c.store.EnqueueChange(ctx, &ChangeLogEntry{
		EntityName:  table.EntityName,
		AppPK:       appPK,
		Operation:   op,
		PayloadJSON: raw,
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue change: %w", err)
	}
	return nil
}

// MarkLocalDeletedAndEnqueueSoftDelete sets the local tombstone and
// appends a SoftDelete outbox entry (no payload).
func (c *Client) MarkLocalDeletedAndEnqueueSoftDelete(ctx context.Context, entity, appPK string) error {
	table, err := c.tableFor(ctx, entity)
	if err != nil {
		return err
	}
	if strings.TrimSpace(appPK) == "" {
		return fmt.Errorf("app pk cannot be empty")
	}
	if err := c.entities.MarkEntityDeleted(ctx, table.EntityName, appPK, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to mark local row deleted: %w", err)
	}
	_, err = c.store.EnqueueChange(ctx, &ChangeLogEntry{
		EntityName: table.EntityName,
		AppPK:      appPK,
		Operation:  OpSoftDelete,
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue soft delete: %w", err)
	}
	return nil
}

// RecentConflicts returns the newest conflict-log rows.
func (c *Client) RecentConflicts(ctx context.Context, limit int) ([]ConflictLogEntry, error) {
	return c.store.GetRecentConflicts(ctx, limit)
}

// RequeueChange resets a Conflict outbox row back to Pending so the
// next drain retries it.
func (c *Client) RequeueChange(ctx context.Context, id int64) error {
	return c.store.RequeueChange(ctx, id)
}

// PendingChanges exposes the outbox head, mostly for tooling.
func (c *Client) PendingChanges(ctx context.Context, limit int) ([]ChangeLogEntry, error) {
	return c.store.GetPendingChanges(ctx, limit)
}

// SyncStateFor returns the pull watermark for entity, or nil.
func (c *Client) SyncStateFor(ctx context.Context, entity string) (*SyncState, error) {
	return c.store.GetSyncState(ctx, entity)
}

func (c *Client) tableFor(ctx context.Context, entity string) (*AppTableConfig, error) {
	if strings.TrimSpace(entity) == "" {
		return nil, fmt.Errorf("entity name cannot be empty")
	}
	cfg, err := c.currentConfig(ctx)
	if err != nil {
		return nil, err
	}
	table := cfg.TableByEntity(entity)
	if table == nil {
		return nil, fmt.Errorf("unknown entity/table: %s", entity)
	}
	return table, nil
}

// sanitizePayload strips reserved keys (system columns, AppPK, the
// table's PK column) from a user-provided field map. The engine
// re-injects the PK via PkInternalName on push.
func sanitizePayload(fields map[string]any, pkInternalName string) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if IsReservedColumn(k, pkInternalName) {
			continue
		}
		out[k] = v
	}
	return out
}
