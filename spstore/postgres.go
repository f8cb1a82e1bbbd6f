// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package spstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mobiletoly/go-spsync/spsync"
)

// PostgresStore is the relational local-store backend. Same contract
// as the SQLite store; datetimes stay ISO-8601 text so the two
// backends are byte-compatible for the engine.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
	logger *slog.Logger

	colMu   sync.Mutex
	columns map[string][]string
}

// NewPostgresStore wraps an existing pool. schema defaults to
// "spsync" and is created on InitializeSchema.
func NewPostgresStore(pool *pgxpool.Pool, schema string, logger *slog.Logger) *PostgresStore {
	if schema == "" {
		schema = "spsync"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{
		pool:    pool,
		schema:  schema,
		logger:  logger,
		columns: make(map[string][]string),
	}
}

func (s *PostgresStore) qualified(table string) string {
	return pgx.Identifier{s.schema, table}.Sanitize()
}

// InitializeSchema creates the schema, core tables and indexes
// idempotently.
func (s *PostgresStore) InitializeSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, pgx.Identifier{s.schema}.Sanitize()),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			app_id          TEXT PRIMARY KEY,
			config_version  BIGINT NOT NULL DEFAULT 0,
			tables_json     JSONB NOT NULL DEFAULT '[]',
			updated_utc     TEXT NOT NULL
		)`, s.qualified("local_config")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			entity_name                 TEXT PRIMARY KEY,
			last_sync_modified_utc      TEXT,
			last_sync_sp_id             BIGINT NOT NULL DEFAULT 0,
			last_successful_sync_utc    TEXT,
			last_config_version_applied BIGINT NOT NULL DEFAULT 0,
			last_error                  TEXT
		)`, s.qualified("sync_state")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id            BIGSERIAL PRIMARY KEY,
			entity_name   TEXT NOT NULL,
			app_pk        TEXT NOT NULL,
			operation     TEXT NOT NULL,
			payload_json  JSONB,
			created_utc   TEXT NOT NULL,
			status        TEXT NOT NULL DEFAULT 'Pending',
			attempt_count INT NOT NULL DEFAULT 0,
			applied_utc   TEXT,
			last_error    TEXT
		)`, s.qualified("change_log")),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS change_log_status_created_idx
			ON %s (status, created_utc)`, s.qualified("change_log")),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS change_log_entity_pk_idx
			ON %s (entity_name, app_pk)`, s.qualified("change_log")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id                 BIGSERIAL PRIMARY KEY,
			occurred_utc       TEXT NOT NULL,
			entity_name        TEXT NOT NULL,
			app_pk             TEXT NOT NULL,
			change_id          BIGINT NOT NULL DEFAULT 0,
			operation          TEXT,
			policy             TEXT,
			sharepoint_id      BIGINT NOT NULL DEFAULT 0,
			local_etag         TEXT,
			server_etag        TEXT,
			local_payload_json JSONB,
			server_fields_json JSONB,
			message            TEXT
		)`, s.qualified("conflict_log")),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS conflict_log_occurred_idx
			ON %s (occurred_utc)`, s.qualified("conflict_log")),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS conflict_log_entity_pk_idx
			ON %s (entity_name, app_pk)`, s.qualified("conflict_log")),
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create core schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) GetLocalConfig(ctx context.Context, appID string) (*spsync.LocalConfig, error) {
	var version int64
	var tablesJSON []byte
	var updated string
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT config_version, tables_json, updated_utc FROM %s WHERE app_id = $1
	`, s.qualified("local_config")), appID).Scan(&version, &tablesJSON, &updated)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load local config: %w", err)
	}
	cfg := &spsync.LocalConfig{AppID: appID, ConfigVersion: version}
	if err := json.Unmarshal(tablesJSON, &cfg.Tables); err != nil {
		return nil, fmt.Errorf("failed to decode table catalog: %w", err)
	}
	if t, ok := parseTime(updated); ok {
		cfg.UpdatedUtc = t
	}
	return cfg, nil
}

func (s *PostgresStore) SaveLocalConfig(ctx context.Context, cfg *spsync.LocalConfig) error {
	tablesJSON, err := json.Marshal(cfg.Tables)
	if err != nil {
		return fmt.Errorf("failed to encode table catalog: %w", err)
	}
	updated := cfg.UpdatedUtc
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	_, err = s.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (app_id, config_version, tables_json, updated_utc)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (app_id) DO UPDATE SET
			config_version = EXCLUDED.config_version,
			tables_json = EXCLUDED.tables_json,
			updated_utc = EXCLUDED.updated_utc
	`, s.qualified("local_config")), cfg.AppID, cfg.ConfigVersion, tablesJSON, formatTime(updated))
	if err != nil {
		return fmt.Errorf("failed to save local config: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSyncState(ctx context.Context, entity string) (*spsync.SyncState, error) {
	var lastModified, lastSuccess, lastError *string
	var spID, cfgVersion int64
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT last_sync_modified_utc, last_sync_sp_id, last_successful_sync_utc,
		       last_config_version_applied, last_error
		FROM %s WHERE entity_name = $1
	`, s.qualified("sync_state")), entity).Scan(&lastModified, &spID, &lastSuccess, &cfgVersion, &lastError)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load sync state: %w", err)
	}
	state := &spsync.SyncState{
		EntityName:               entity,
		LastSyncSpID:             spID,
		LastConfigVersionApplied: cfgVersion,
	}
	if lastModified != nil {
		if t, ok := parseTime(*lastModified); ok {
			state.LastSyncModifiedUtc = &t
		}
	}
	if lastSuccess != nil {
		if t, ok := parseTime(*lastSuccess); ok {
			state.LastSuccessfulSyncUtc = &t
		}
	}
	if lastError != nil {
		state.LastError = *lastError
	}
	return state, nil
}

func (s *PostgresStore) SaveSyncState(ctx context.Context, state *spsync.SyncState) error {
	var lastModified, lastSuccess *string
	if state.LastSyncModifiedUtc != nil {
		v := formatTime(*state.LastSyncModifiedUtc)
		lastModified = &v
	}
	if state.LastSuccessfulSyncUtc != nil {
		v := formatTime(*state.LastSuccessfulSyncUtc)
		lastSuccess = &v
	}
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (entity_name, last_sync_modified_utc, last_sync_sp_id,
		                last_successful_sync_utc, last_config_version_applied, last_error)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''))
		ON CONFLICT (entity_name) DO UPDATE SET
			last_sync_modified_utc = EXCLUDED.last_sync_modified_utc,
			last_sync_sp_id = EXCLUDED.last_sync_sp_id,
			last_successful_sync_utc = EXCLUDED.last_successful_sync_utc,
			last_config_version_applied = EXCLUDED.last_config_version_applied,
			last_error = EXCLUDED.last_error
	`, s.qualified("sync_state")), state.EntityName, lastModified, state.LastSyncSpID,
		lastSuccess, state.LastConfigVersionApplied, state.LastError)
	if err != nil {
		return fmt.Errorf("failed to save sync state: %w", err)
	}
	return nil
}

func (s *PostgresStore) EnqueueChange(ctx context.Context, entry *spsync.ChangeLogEntry) (int64, error) {
	created := entry.CreatedUtc
	if created.IsZero() {
		created = time.Now().UTC()
	}
	var payload any
	if entry.PayloadJSON != nil {
		payload = []byte(entry.PayloadJSON)
	}
	var id int64
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`
		INSERT INTO %s (entity_name, app_pk, operation, payload_json, created_utc, status, attempt_count)
		VALUES ($1, $2, $3, $4, $5, 'Pending', 0)
		RETURNING id
	`, s.qualified("change_log")), entry.EntityName, entry.AppPK, entry.Operation, payload, formatTime(created)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue change: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) GetPendingChanges(ctx context.Context, limit int) ([]spsync.ChangeLogEntry, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT id, entity_name, app_pk, operation, payload_json, created_utc,
		       status, attempt_count, applied_utc, last_error
		FROM %s
		WHERE status = 'Pending'
		ORDER BY created_utc ASC, id ASC
		LIMIT $1
	`, s.qualified("change_log")), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending changes: %w", err)
	}
	defer rows.Close()

	var out []spsync.ChangeLogEntry
	for rows.Next() {
		var e spsync.ChangeLogEntry
		var payload []byte
		var created string
		var applied, lastError *string
		if err := rows.Scan(&e.ID, &e.EntityName, &e.AppPK, &e.Operation,
			&payload, &created, &e.Status, &e.AttemptCount, &applied, &lastError); err != nil {
			return nil, fmt.Errorf("failed to scan change row: %w", err)
		}
		if payload != nil {
			e.PayloadJSON = json.RawMessage(payload)
		}
		if t, ok := parseTime(created); ok {
			e.CreatedUtc = t
		}
		if applied != nil {
			if t, ok := parseTime(*applied); ok {
				e.AppliedUtc = &t
			}
		}
		if lastError != nil {
			e.LastError = *lastError
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) HasPendingChange(ctx context.Context, entity, appPK, op string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT EXISTS(
			SELECT 1 FROM %s
			WHERE entity_name = $1 AND app_pk = $2 AND operation = $3 AND status = 'Pending'
		)
	`, s.qualified("change_log")), entity, appPK, op).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check pending change: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) MarkChangeApplied(ctx context.Context, id int64, appliedUtc time.Time) error {
	return s.updateChange(ctx, fmt.Sprintf(`
		UPDATE %s SET status = 'Applied', applied_utc = $1, last_error = NULL WHERE id = $2
	`, s.qualified("change_log")), formatTime(appliedUtc), id)
}

func (s *PostgresStore) MarkChangeFailed(ctx context.Context, id int64, message string) error {
	return s.updateChange(ctx, fmt.Sprintf(`
		UPDATE %s SET attempt_count = attempt_count + 1, last_error = $1 WHERE id = $2
	`, s.qualified("change_log")), message, id)
}

func (s *PostgresStore) MarkChangeConflicted(ctx context.Context, id int64, message string) error {
	return s.updateChange(ctx, fmt.Sprintf(`
		UPDATE %s SET status = 'Conflict', attempt_count = attempt_count + 1, last_error = $1
		WHERE id = $2
	`, s.qualified("change_log")), message, id)
}

func (s *PostgresStore) RequeueChange(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE %s SET status = 'Pending', last_error = NULL
		WHERE id = $1 AND status = 'Conflict'
	`, s.qualified("change_log")), id)
	if err != nil {
		return fmt.Errorf("failed to requeue change %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("change %d is not in Conflict status: %w", id, spsync.ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) updateChange(ctx context.Context, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update change: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("change not found: %w", spsync.ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) LogConflict(ctx context.Context, entry *spsync.ConflictLogEntry) error {
	occurred := entry.OccurredUtc
	if occurred.IsZero() {
		occurred = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s
			(occurred_utc, entity_name, app_pk, change_id, operation, policy,
			 sharepoint_id, local_etag, server_etag, local_payload_json, server_fields_json, message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), NULLIF($9, ''), $10, $11, $12)
	`, s.qualified("conflict_log")), formatTime(occurred), entry.EntityName, entry.AppPK,
		entry.ChangeID, entry.Operation, entry.Policy.String(), entry.SharePointID,
		entry.LocalETag, entry.ServerETag, rawBytesOrNil(entry.LocalPayloadJSON),
		rawBytesOrNil(entry.ServerFieldsJSON), entry.Message)
	if err != nil {
		return fmt.Errorf("failed to log conflict: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRecentConflicts(ctx context.Context, limit int) ([]spsync.ConflictLogEntry, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT id, occurred_utc, entity_name, app_pk, change_id, operation, policy,
		       sharepoint_id, local_etag, server_etag, local_payload_json, server_fields_json, message
		FROM %s
		ORDER BY occurred_utc DESC, id DESC
		LIMIT $1
	`, s.qualified("conflict_log")), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query conflicts: %w", err)
	}
	defer rows.Close()

	var out []spsync.ConflictLogEntry
	for rows.Next() {
		var e spsync.ConflictLogEntry
		var occurred, policy string
		var op, localETag, serverETag, message *string
		var localPayload, serverFields []byte
		if err := rows.Scan(&e.ID, &occurred, &e.EntityName, &e.AppPK, &e.ChangeID,
			&op, &policy, &e.SharePointID, &localETag, &serverETag,
			&localPayload, &serverFields, &message); err != nil {
			return nil, fmt.Errorf("failed to scan conflict row: %w", err)
		}
		if t, ok := parseTime(occurred); ok {
			e.OccurredUtc = t
		}
		if op != nil {
			e.Operation = *op
		}
		e.Policy = spsync.ParseConflictPolicy(policy)
		if localETag != nil {
			e.LocalETag = *localETag
		}
		if serverETag != nil {
			e.ServerETag = *serverETag
		}
		if localPayload != nil {
			e.LocalPayloadJSON = json.RawMessage(localPayload)
		}
		if serverFields != nil {
			e.ServerFieldsJSON = json.RawMessage(serverFields)
		}
		if message != nil {
			e.Message = *message
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func rawBytesOrNil(raw json.RawMessage) any {
	if raw == nil {
		return nil
	}
	return []byte(raw)
}

// EnsureEntitySchema creates the mirror table in the store schema and
// adds columns for new whitelisted fields.
func (s *PostgresStore) EnsureEntitySchema(ctx context.Context, table *spsync.AppTableConfig) error {
	if table == nil || strings.TrimSpace(table.EntityName) == "" {
		return fmt.Errorf("entity name cannot be empty")
	}
	name := table.EntityName

	create := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		"AppPK" TEXT PRIMARY KEY,
		%s BIGINT NOT NULL DEFAULT 0,
		%s TEXT,
		%s TEXT,
		%s BOOLEAN NOT NULL DEFAULT FALSE,
		%s TEXT
	)`, s.qualified(name),
		pgx.Identifier{spsync.ColSpID}.Sanitize(),
		pgx.Identifier{spsync.ColSpModifiedUtc}.Sanitize(),
		pgx.Identifier{spsync.ColSpETag}.Sanitize(),
		pgx.Identifier{spsync.ColIsDeleted}.Sanitize(),
		pgx.Identifier{spsync.ColDeletedAtUtc}.Sanitize())
	if _, err := s.pool.Exec(ctx, create); err != nil {
		return fmt.Errorf("failed to create mirror table %s: %w", name, err)
	}

	for _, field := range table.SelectFields {
		if spsync.IsReservedColumn(field, table.PKColumn()) {
			continue
		}
		alter := fmt.Sprintf(`ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s TEXT`,
			s.qualified(name), pgx.Identifier{field}.Sanitize())
		if _, err := s.pool.Exec(ctx, alter); err != nil {
			return fmt.Errorf("failed to add column %s to %s: %w", field, name, err)
		}
	}
	s.invalidateColumns(name)

	for col, suffix := range map[string]string{
		spsync.ColIsDeleted:     "is_deleted",
		spsync.ColSpModifiedUtc: "sp_modified",
		spsync.ColDeletedAtUtc:  "deleted_at",
	} {
		idx := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (%s)`,
			pgx.Identifier{indexSafe(name) + "_" + suffix + "_idx"}.Sanitize(),
			s.qualified(name), pgx.Identifier{col}.Sanitize())
		if _, err := s.pool.Exec(ctx, idx); err != nil {
			return fmt.Errorf("failed to create index on %s.%s: %w", name, col, err)
		}
	}
	return nil
}

// UpsertEntity replaces the whole mirror row by AppPK.
func (s *PostgresStore) UpsertEntity(ctx context.Context, entity, appPK string, fields map[string]any, system *spsync.SystemFields) error {
	if strings.TrimSpace(appPK) == "" {
		return fmt.Errorf("app pk cannot be empty")
	}
	if system == nil {
		system = &spsync.SystemFields{}
	}

	cols, err := s.tableColumns(ctx, entity)
	if err != nil {
		return err
	}

	lookup := make(map[string]any, len(fields))
	for k, v := range fields {
		if spsync.IsReservedColumn(k, "") {
			continue
		}
		lookup[strings.ToLower(k)] = v
	}

	names := make([]string, 0, len(cols))
	placeholders := make([]string, 0, len(cols))
	values := make([]any, 0, len(cols))
	updates := make([]string, 0, len(cols))
	add := func(col string, v any) {
		q := pgx.Identifier{col}.Sanitize()
		names = append(names, q)
		placeholders = append(placeholders, fmt.Sprintf("$%d", len(values)+1))
		values = append(values, v)
		if col != "AppPK" {
			updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", q, q))
		}
	}

	add("AppPK", appPK)
	add(spsync.ColSpID, system.SharePointID)
	if system.SharePointModifiedUtc.IsZero() {
		add(spsync.ColSpModifiedUtc, nil)
	} else {
		add(spsync.ColSpModifiedUtc, formatTime(system.SharePointModifiedUtc))
	}
	var etag any
	if system.SharePointETag != "" {
		etag = system.SharePointETag
	}
	add(spsync.ColSpETag, etag)
	add(spsync.ColIsDeleted, system.IsDeleted)
	if system.DeletedAtUtc != nil {
		add(spsync.ColDeletedAtUtc, formatTime(*system.DeletedAtUtc))
	} else {
		add(spsync.ColDeletedAtUtc, nil)
	}

	for _, col := range cols {
		if isSystemColumn(col) || strings.EqualFold(col, "AppPK") {
			continue
		}
		add(col, toTextValue(lookup[strings.ToLower(col)]))
	}

	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)
		ON CONFLICT ("AppPK") DO UPDATE SET %s`,
		s.qualified(entity), strings.Join(names, ", "),
		strings.Join(placeholders, ", "), strings.Join(updates, ", "))
	if _, err := s.pool.Exec(ctx, query, values...); err != nil {
		return fmt.Errorf("failed to upsert %s/%s: %w", entity, appPK, err)
	}
	return nil
}

// GetEntity returns the user-field map and system columns for a row.
func (s *PostgresStore) GetEntity(ctx context.Context, entity, appPK string) (map[string]any, *spsync.SystemFields, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`SELECT * FROM %s WHERE "AppPK" = $1`,
		s.qualified(entity)), appPK)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query %s: %w", entity, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, nil, err
		}
		return nil, nil, spsync.ErrNotFound
	}

	descs := rows.FieldDescriptions()
	values, err := rows.Values()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read %s row: %w", entity, err)
	}

	fields := make(map[string]any)
	system := &spsync.SystemFields{}
	for i, desc := range descs {
		col := string(desc.Name)
		val := values[i]
		switch {
		case strings.EqualFold(col, "AppPK"):
		case strings.EqualFold(col, spsync.ColSpID):
			system.SharePointID, _ = spsync.AsInt64(val)
		case strings.EqualFold(col, spsync.ColSpModifiedUtc):
			if t, ok := spsync.AsTime(val); ok {
				system.SharePointModifiedUtc = t
			}
		case strings.EqualFold(col, spsync.ColSpETag):
			system.SharePointETag = spsync.AsString(val)
		case strings.EqualFold(col, spsync.ColIsDeleted):
			system.IsDeleted = spsync.AsBool(val)
		case strings.EqualFold(col, spsync.ColDeletedAtUtc):
			if t, ok := spsync.AsTime(val); ok {
				system.DeletedAtUtc = &t
			}
		default:
			if val != nil {
				fields[col] = val
			}
		}
	}
	return fields, system, nil
}

func (s *PostgresStore) MarkEntityDeleted(ctx context.Context, entity, appPK string, deletedAt time.Time) error {
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE %s SET %s = TRUE, %s = $1 WHERE "AppPK" = $2
	`, s.qualified(entity),
		pgx.Identifier{spsync.ColIsDeleted}.Sanitize(),
		pgx.Identifier{spsync.ColDeletedAtUtc}.Sanitize()), formatTime(deletedAt), appPK)
	if err != nil {
		return fmt.Errorf("failed to mark %s/%s deleted: %w", entity, appPK, err)
	}
	if tag.RowsAffected() == 0 {
		return spsync.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) PurgeTombstones(ctx context.Context, entity string, olderThan time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
		DELETE FROM %s WHERE %s = TRUE AND %s IS NOT NULL AND %s < $1
	`, s.qualified(entity),
		pgx.Identifier{spsync.ColIsDeleted}.Sanitize(),
		pgx.Identifier{spsync.ColDeletedAtUtc}.Sanitize(),
		pgx.Identifier{spsync.ColDeletedAtUtc}.Sanitize()), formatTime(olderThan))
	if err != nil {
		return 0, fmt.Errorf("failed to purge tombstones for %s: %w", entity, err)
	}
	return tag.RowsAffected(), nil
}

// tableColumns reads (and caches) the mirror table's columns from
// information_schema.
func (s *PostgresStore) tableColumns(ctx context.Context, entity string) ([]string, error) {
	key := strings.ToLower(entity)
	s.colMu.Lock()
	if cols, ok := s.columns[key]; ok {
		s.colMu.Unlock()
		return cols, nil
	}
	s.colMu.Unlock()

	rows, err := s.pool.Query(ctx, `
		SELECT column_name FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2
		ORDER BY ordinal_position
	`, s.schema, entity)
	if err != nil {
		return nil, fmt.Errorf("failed to read columns for %s: %w", entity, err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		cols = append(cols, name)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("mirror table %s does not exist", entity)
	}

	s.colMu.Lock()
	s.columns[key] = cols
	s.colMu.Unlock()
	return cols, nil
}

func (s *PostgresStore) invalidateColumns(entity string) {
	s.colMu.Lock()
	delete(s.columns, strings.ToLower(entity))
	s.colMu.Unlock()
}

// toTextValue renders payload values for TEXT columns.
func toTextValue(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		return t
	case time.Time:
		return formatTime(t)
	default:
		return spsync.AsString(t)
	}
}
