// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package spstore provides local-store backends for the spsync engine:
// an embedded SQLite store and a PostgreSQL store, both implementing
// the spsync Store and EntityStore traits.
package spstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/mobiletoly/go-spsync/spsync"
)

// timeLayout is the ISO-8601 UTC text form used for every datetime
// column. Millisecond precision keeps round-trips idempotent.
const timeLayout = "2006-01-02T15:04:05.000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{timeLayout, time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// SQLiteStore is the embedded local store. One instance owns one
// database handle; short-lived statements make it safe for concurrent
// engine operations.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger

	// Mirror-table column cache, keyed by lowercased table name.
	colMu   sync.Mutex
	columns map[string][]string
}

// NewSQLiteStore wraps an opened sqlite3 database. WAL mode and
// foreign keys are enabled up front.
func NewSQLiteStore(db *sql.DB, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	return &SQLiteStore{
		db:      db,
		logger:  logger,
		columns: make(map[string][]string),
	}, nil
}

// DB exposes the underlying handle for application queries against
// mirror tables.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

// InitializeSchema creates the core tables and indexes idempotently.
func (s *SQLiteStore) InitializeSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS LocalConfig (
			AppId          TEXT NOT NULL PRIMARY KEY,
			ConfigVersion  INTEGER NOT NULL DEFAULT 0,
			TablesJson     TEXT NOT NULL DEFAULT '[]',
			UpdatedUtc     TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS SyncState (
			EntityName               TEXT NOT NULL PRIMARY KEY,
			LastSyncModifiedUtc      TEXT,
			LastSyncSpId             INTEGER NOT NULL DEFAULT 0,
			LastSuccessfulSyncUtc    TEXT,
			LastConfigVersionApplied INTEGER NOT NULL DEFAULT 0,
			LastError                TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS ChangeLog (
			Id           INTEGER PRIMARY KEY AUTOINCREMENT,
			EntityName   TEXT NOT NULL,
			AppPK        TEXT NOT NULL,
			Operation    TEXT NOT NULL,
			PayloadJson  TEXT,
			CreatedUtc   TEXT NOT NULL,
			Status       TEXT NOT NULL DEFAULT 'Pending',
			AttemptCount INTEGER NOT NULL DEFAULT 0,
			AppliedUtc   TEXT,
			LastError    TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_changelog_status_created
			ON ChangeLog (Status, CreatedUtc)`,
		`CREATE INDEX IF NOT EXISTS idx_changelog_entity_pk
			ON ChangeLog (EntityName, AppPK)`,
		`CREATE TABLE IF NOT EXISTS ConflictLog (
			Id               INTEGER PRIMARY KEY AUTOINCREMENT,
			OccurredUtc      TEXT NOT NULL,
			EntityName       TEXT NOT NULL,
			AppPK            TEXT NOT NULL,
			ChangeId         INTEGER NOT NULL DEFAULT 0,
			Operation        TEXT,
			Policy           TEXT,
			SharePointId     INTEGER NOT NULL DEFAULT 0,
			LocalETag        TEXT,
			ServerETag       TEXT,
			LocalPayloadJson TEXT,
			ServerFieldsJson TEXT,
			Message          TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conflictlog_occurred
			ON ConflictLog (OccurredUtc)`,
		`CREATE INDEX IF NOT EXISTS idx_conflictlog_entity_pk
			ON ConflictLog (EntityName, AppPK)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create core schema: %w", err)
		}
	}
	return nil
}

// GetLocalConfig returns the catalog for appID, or (nil, nil).
func (s *SQLiteStore) GetLocalConfig(ctx context.Context, appID string) (*spsync.LocalConfig, error) {
	var version int64
	var tablesJSON, updated string
	err := s.db.QueryRowContext(ctx, `
		SELECT ConfigVersion, TablesJson, UpdatedUtc FROM LocalConfig WHERE AppId = ?
	`, appID).Scan(&version, &tablesJSON, &updated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load local config: %w", err)
	}

	cfg := &spsync.LocalConfig{AppID: appID, ConfigVersion: version}
	if err := json.Unmarshal([]byte(tablesJSON), &cfg.Tables); err != nil {
		return nil, fmt.Errorf("failed to decode table catalog: %w", err)
	}
	if t, ok := parseTime(updated); ok {
		cfg.UpdatedUtc = t
	}
	return cfg, nil
}

// SaveLocalConfig replaces the catalog row in a single write.
func (s *SQLiteStore) SaveLocalConfig(ctx context.Context, cfg *spsync.LocalConfig) error {
	tablesJSON, err := json.Marshal(cfg.Tables)
	if err != nil {
		return fmt.Errorf("failed to encode table catalog: %w", err)
	}
	updated := cfg.UpdatedUtc
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO LocalConfig (AppId, ConfigVersion, TablesJson, UpdatedUtc)
		VALUES (?, ?, ?, ?)
	`, cfg.AppID, cfg.ConfigVersion, string(tablesJSON), formatTime(updated))
	if err != nil {
		return fmt.Errorf("failed to save local config: %w", err)
	}
	return nil
}

// GetSyncState returns the watermark for entity, or (nil, nil).
func (s *SQLiteStore) GetSyncState(ctx context.Context, entity string) (*spsync.SyncState, error) {
	var lastModified, lastSuccess, lastError sql.NullString
	var spID, cfgVersion int64
	err := s.db.QueryRowContext(ctx, `
		SELECT LastSyncModifiedUtc, LastSyncSpId, LastSuccessfulSyncUtc,
		       LastConfigVersionApplied, LastError
		FROM SyncState WHERE EntityName = ?
	`, entity).Scan(&lastModified, &spID, &lastSuccess, &cfgVersion, &lastError)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load sync state: %w", err)
	}

	state := &spsync.SyncState{
		EntityName:               entity,
		LastSyncSpID:             spID,
		LastConfigVersionApplied: cfgVersion,
		LastError:                lastError.String,
	}
	if t, ok := parseTime(lastModified.String); ok {
		state.LastSyncModifiedUtc = &t
	}
	if t, ok := parseTime(lastSuccess.String); ok {
		state.LastSuccessfulSyncUtc = &t
	}
	return state, nil
}

// SaveSyncState upserts the watermark row.
func (s *SQLiteStore) SaveSyncState(ctx context.Context, state *spsync.SyncState) error {
	var lastModified, lastSuccess any
	if state.LastSyncModifiedUtc != nil {
		lastModified = formatTime(*state.LastSyncModifiedUtc)
	}
	if state.LastSuccessfulSyncUtc != nil {
		lastSuccess = formatTime(*state.LastSuccessfulSyncUtc)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO SyncState
			(EntityName, LastSyncModifiedUtc, LastSyncSpId,
			 LastSuccessfulSyncUtc, LastConfigVersionApplied, LastError)
		VALUES (?, ?, ?, ?, ?, ?)
	`, state.EntityName, lastModified, state.LastSyncSpID,
		lastSuccess, state.LastConfigVersionApplied, nullIfEmpty(state.LastError))
	if err != nil {
		return fmt.Errorf("failed to save sync state: %w", err)
	}
	return nil
}

// EnqueueChange appends an outbox row. CreatedUtc defaults to now.
func (s *SQLiteStore) EnqueueChange(ctx context.Context, entry *spsync.ChangeLogEntry) (int64, error) {
	created := entry.CreatedUtc
	if created.IsZero() {
		created = time.Now().UTC()
	}
	var payload any
	if entry.PayloadJSON != nil {
		payload = string(entry.PayloadJSON)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO ChangeLog (EntityName, AppPK, Operation, PayloadJson, CreatedUtc, Status, AttemptCount)
		VALUES (?, ?, ?, ?, ?, 'Pending', 0)
	`, entry.EntityName, entry.AppPK, entry.Operation, payload, formatTime(created))
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue change: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read change id: %w", err)
	}
	return id, nil
}

// GetPendingChanges returns Pending rows in ascending (CreatedUtc, Id).
func (s *SQLiteStore) GetPendingChanges(ctx context.Context, limit int) ([]spsync.ChangeLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT Id, EntityName, AppPK, Operation, PayloadJson, CreatedUtc,
		       Status, AttemptCount, AppliedUtc, LastError
		FROM ChangeLog
		WHERE Status = 'Pending'
		ORDER BY CreatedUtc ASC, Id ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending changes: %w", err)
	}
	defer rows.Close()
	return scanChangeRows(rows)
}

// HasPendingChange reports a Pending row for (entity, appPK, op).
func (s *SQLiteStore) HasPendingChange(ctx context.Context, entity, appPK, op string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM ChangeLog
			WHERE EntityName = ? AND AppPK = ? AND Operation = ? AND Status = 'Pending'
		)
	`, entity, appPK, op).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check pending change: %w", err)
	}
	return exists, nil
}

// MarkChangeApplied terminates a row as Applied and clears LastError.
func (s *SQLiteStore) MarkChangeApplied(ctx context.Context, id int64, appliedUtc time.Time) error {
	return s.updateChange(ctx, `
		UPDATE ChangeLog SET Status = 'Applied', AppliedUtc = ?, LastError = NULL WHERE Id = ?
	`, formatTime(appliedUtc), id)
}

// MarkChangeFailed records the error and bumps AttemptCount; the row
// stays Pending.
func (s *SQLiteStore) MarkChangeFailed(ctx context.Context, id int64, message string) error {
	return s.updateChange(ctx, `
		UPDATE ChangeLog SET AttemptCount = AttemptCount + 1, LastError = ? WHERE Id = ?
	`, message, id)
}

// MarkChangeConflicted terminates a row as Conflict.
func (s *SQLiteStore) MarkChangeConflicted(ctx context.Context, id int64, message string) error {
	return s.updateChange(ctx, `
		UPDATE ChangeLog
		SET Status = 'Conflict', AttemptCount = AttemptCount + 1, LastError = ?
		WHERE Id = ?
	`, message, id)
}

// RequeueChange resets a Conflict row back to Pending.
func (s *SQLiteStore) RequeueChange(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE ChangeLog SET Status = 'Pending', LastError = NULL
		WHERE Id = ? AND Status = 'Conflict'
	`, id)
	if err != nil {
		return fmt.Errorf("failed to requeue change %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("change %d is not in Conflict status: %w", id, spsync.ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) updateChange(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update change: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("change not found: %w", spsync.ErrNotFound)
	}
	return nil
}

// LogConflict appends one audit row.
func (s *SQLiteStore) LogConflict(ctx context.Context, entry *spsync.ConflictLogEntry) error {
	occurred := entry.OccurredUtc
	if occurred.IsZero() {
		occurred = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ConflictLog
			(OccurredUtc, EntityName, AppPK, ChangeId, Operation, Policy,
			 SharePointId, LocalETag, ServerETag, LocalPayloadJson, ServerFieldsJson, Message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, formatTime(occurred), entry.EntityName, entry.AppPK, entry.ChangeID,
		entry.Operation, entry.Policy.String(), entry.SharePointID,
		nullIfEmpty(entry.LocalETag), nullIfEmpty(entry.ServerETag),
		rawOrNil(entry.LocalPayloadJSON), rawOrNil(entry.ServerFieldsJSON), entry.Message)
	if err != nil {
		return fmt.Errorf("failed to log conflict: %w", err)
	}
	return nil
}

// GetRecentConflicts returns rows by OccurredUtc desc, Id desc.
func (s *SQLiteStore) GetRecentConflicts(ctx context.Context, limit int) ([]spsync.ConflictLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT Id, OccurredUtc, EntityName, AppPK, ChangeId, Operation, Policy,
		       SharePointId, LocalETag, ServerETag, LocalPayloadJson, ServerFieldsJson, Message
		FROM ConflictLog
		ORDER BY OccurredUtc DESC, Id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query conflicts: %w", err)
	}
	defer rows.Close()

	var out []spsync.ConflictLogEntry
	for rows.Next() {
		var e spsync.ConflictLogEntry
		var occurred, policy string
		var op, localETag, serverETag, localPayload, serverFields, message sql.NullString
		if err := rows.Scan(&e.ID, &occurred, &e.EntityName, &e.AppPK, &e.ChangeID,
			&op, &policy, &e.SharePointID, &localETag, &serverETag,
			&localPayload, &serverFields, &message); err != nil {
			return nil, fmt.Errorf("failed to scan conflict row: %w", err)
		}
		if t, ok := parseTime(occurred); ok {
			e.OccurredUtc = t
		}
		e.Operation = op.String
		e.Policy = spsync.ParseConflictPolicy(policy)
		e.LocalETag = localETag.String
		e.ServerETag = serverETag.String
		if localPayload.Valid {
			e.LocalPayloadJSON = json.RawMessage(localPayload.String)
		}
		if serverFields.Valid {
			e.ServerFieldsJSON = json.RawMessage(serverFields.String)
		}
		e.Message = message.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanChangeRows(rows *sql.Rows) ([]spsync.ChangeLogEntry, error) {
	var out []spsync.ChangeLogEntry
	for rows.Next() {
		var e spsync.ChangeLogEntry
		var payload, applied, lastError sql.NullString
		var created string
		if err := rows.Scan(&e.ID, &e.EntityName, &e.AppPK, &e.Operation,
			&payload, &created, &e.Status, &e.AttemptCount, &applied, &lastError); err != nil {
			return nil, fmt.Errorf("failed to scan change row: %w", err)
		}
		if payload.Valid {
			e.PayloadJSON = json.RawMessage(payload.String)
		}
		if t, ok := parseTime(created); ok {
			e.CreatedUtc = t
		}
		if t, ok := parseTime(applied.String); ok {
			e.AppliedUtc = &t
		}
		e.LastError = lastError.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func rawOrNil(raw json.RawMessage) any {
	if raw == nil {
		return nil
	}
	return string(raw)
}

// quoteIdent safely quotes a SQLite identifier.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
