// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package spsync

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by store lookups when no row matches.
var ErrNotFound = errors.New("spsync: not found")

// Store is the core local-store trait: config, sync state, the outbox
// and the conflict log. EntityStore covers per-entity mirror rows; one
// backend type typically implements both.
type Store interface {
	// InitializeSchema creates core tables and indexes idempotently.
	InitializeSchema(ctx context.Context) error

	// GetLocalConfig returns the persisted catalog for appID, or
	// (nil, nil) when none has been stored yet.
	GetLocalConfig(ctx context.Context, appID string) (*LocalConfig, error)

	// SaveLocalConfig replaces the catalog for cfg.AppID in a single
	// write.
	SaveLocalConfig(ctx context.Context, cfg *LocalConfig) error

	// GetSyncState returns the watermark for entity, or (nil, nil)
	// when the entity has never been pulled.
	GetSyncState(ctx context.Context, entity string) (*SyncState, error)

	SaveSyncState(ctx context.Context, state *SyncState) error

	// EnqueueChange appends an outbox row with Status=Pending and
	// AttemptCount=0, returning the assigned id. CreatedUtc defaults
	// to now when zero.
	EnqueueChange(ctx context.Context, entry *ChangeLogEntry) (int64, error)

	// GetPendingChanges returns up to limit Pending rows in ascending
	// (CreatedUtc, Id).
	GetPendingChanges(ctx context.Context, limit int) ([]ChangeLogEntry, error)

	// HasPendingChange reports whether a Pending row with the given
	// operation exists for (entity, appPK).
	HasPendingChange(ctx context.Context, entity, appPK, op string) (bool, error)

	// MarkChangeApplied sets Status=Applied and clears LastError.
	MarkChangeApplied(ctx context.Context, id int64, appliedUtc time.Time) error

	// MarkChangeFailed increments AttemptCount and records the error;
	// the row stays Pending and is retried on the next drain.
	MarkChangeFailed(ctx context.Context, id int64, message string) error

	// MarkChangeConflicted sets Status=Conflict and increments
	// AttemptCount. Conflict is terminal until RequeueChange.
	MarkChangeConflicted(ctx context.Context, id int64, message string) error

	// RequeueChange resets a Conflict row back to Pending (operator
	// action).
	RequeueChange(ctx context.Context, id int64) error

	LogConflict(ctx context.Context, entry *ConflictLogEntry) error

	// GetRecentConflicts returns the most recent conflict rows by
	// OccurredUtc desc, Id desc.
	GetRecentConflicts(ctx context.Context, limit int) ([]ConflictLogEntry, error)
}

// EntityStore is the per-entity mirror trait.
type EntityStore interface {
	// EnsureEntitySchema creates the mirror table for the entity if
	// absent and adds columns for new whitelisted fields. Column
	// additions are additive only.
	EnsureEntitySchema(ctx context.Context, table *AppTableConfig) error

	// UpsertEntity replaces the whole mirror row by AppPK. Reserved
	// keys are filtered from fields before writing.
	UpsertEntity(ctx context.Context, entity, appPK string, fields map[string]any, system *SystemFields) error

	// GetEntity returns the user-field map and system columns for the
	// row, or ErrNotFound.
	GetEntity(ctx context.Context, entity, appPK string) (map[string]any, *SystemFields, error)

	// MarkEntityDeleted sets the tombstone columns on an existing row.
	MarkEntityDeleted(ctx context.Context, entity, appPK string, deletedAt time.Time) error

	// PurgeTombstones removes soft-deleted rows older than the cutoff
	// and returns the number of rows removed.
	PurgeTombstones(ctx context.Context, entity string, olderThan time.Time) (int64, error)
}
