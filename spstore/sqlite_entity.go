// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package spstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/mobiletoly/go-spsync/spsync"
)

// Per-entity mirror tables. A mirror table is named after the entity
// (safely quoted) and carries AppPK as primary key, the system columns
// and one TEXT column per whitelisted user field.

var systemColumns = []string{
	spsync.ColSpID,
	spsync.ColSpModifiedUtc,
	spsync.ColSpETag,
	spsync.ColIsDeleted,
	spsync.ColDeletedAtUtc,
}

// EnsureEntitySchema creates the mirror table if absent and adds
// columns for new whitelisted fields. Additive only; nothing is ever
// dropped or retyped.
func (s *SQLiteStore) EnsureEntitySchema(ctx context.Context, table *spsync.AppTableConfig) error {
	if table == nil || strings.TrimSpace(table.EntityName) == "" {
		return fmt.Errorf("entity name cannot be empty")
	}
	name := table.EntityName

	create := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		AppPK             TEXT NOT NULL PRIMARY KEY,
		%s INTEGER NOT NULL DEFAULT 0,
		%s TEXT,
		%s TEXT,
		%s INTEGER NOT NULL DEFAULT 0,
		%s TEXT
	)`, quoteIdent(name),
		quoteIdent(spsync.ColSpID), quoteIdent(spsync.ColSpModifiedUtc),
		quoteIdent(spsync.ColSpETag), quoteIdent(spsync.ColIsDeleted),
		quoteIdent(spsync.ColDeletedAtUtc))
	if _, err := s.db.ExecContext(ctx, create); err != nil {
		return fmt.Errorf("failed to create mirror table %s: %w", name, err)
	}

	existing, err := s.tableColumns(ctx, name, true)
	if err != nil {
		return err
	}
	have := make(map[string]struct{}, len(existing))
	for _, col := range existing {
		have[strings.ToLower(col)] = struct{}{}
	}

	added := false
	for _, field := range table.SelectFields {
		if spsync.IsReservedColumn(field, table.PKColumn()) {
			continue
		}
		if _, ok := have[strings.ToLower(field)]; ok {
			continue
		}
		alter := fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s TEXT`,
			quoteIdent(name), quoteIdent(field))
		if _, err := s.db.ExecContext(ctx, alter); err != nil {
			return fmt.Errorf("failed to add column %s to %s: %w", field, name, err)
		}
		have[strings.ToLower(field)] = struct{}{}
		added = true
	}
	if added {
		s.invalidateColumns(name)
	}

	for col, suffix := range map[string]string{
		spsync.ColIsDeleted:     "is_deleted",
		spsync.ColSpModifiedUtc: "sp_modified",
		spsync.ColDeletedAtUtc:  "deleted_at",
	} {
		idx := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (%s)`,
			quoteIdent("idx_"+indexSafe(name)+"_"+suffix), quoteIdent(name), quoteIdent(col))
		if _, err := s.db.ExecContext(ctx, idx); err != nil {
			return fmt.Errorf("failed to create index on %s.%s: %w", name, col, err)
		}
	}
	return nil
}

// UpsertEntity replaces the whole mirror row by AppPK. Reserved keys
// are filtered from fields; user columns absent from fields become
// NULL.
func (s *SQLiteStore) UpsertEntity(ctx context.Context, entity, appPK string, fields map[string]any, system *spsync.SystemFields) error {
	if strings.TrimSpace(appPK) == "" {
		return fmt.Errorf("app pk cannot be empty")
	}
	if system == nil {
		system = &spsync.SystemFields{}
	}

	cols, err := s.tableColumns(ctx, entity, false)
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
	add := func(col string, v any) {
		names = append(names, quoteIdent(col))
		placeholders = append(placeholders, "?")
		values = append(values, v)
	}

	add("AppPK", appPK)
	add(spsync.ColSpID, system.SharePointID)
	if system.SharePointModifiedUtc.IsZero() {
		add(spsync.ColSpModifiedUtc, nil)
	} else {
		add(spsync.ColSpModifiedUtc, formatTime(system.SharePointModifiedUtc))
	}
	add(spsync.ColSpETag, nullIfEmpty(system.SharePointETag))
	add(spsync.ColIsDeleted, boolToInt(system.IsDeleted))
	if system.DeletedAtUtc != nil {
		add(spsync.ColDeletedAtUtc, formatTime(*system.DeletedAtUtc))
	} else {
		add(spsync.ColDeletedAtUtc, nil)
	}

	for _, col := range cols {
		if isSystemColumn(col) || strings.EqualFold(col, "AppPK") {
			continue
		}
		add(col, toSQLiteValue(lookup[strings.ToLower(col)]))
	}

	query := fmt.Sprintf(`INSERT OR REPLACE INTO %s (%s) VALUES (%s)`,
		quoteIdent(entity), strings.Join(names, ", "), strings.Join(placeholders, ", "))
	if _, err := s.db.ExecContext(ctx, query, values...); err != nil {
		return fmt.Errorf("failed to upsert %s/%s: %w", entity, appPK, err)
	}
	return nil
}

// GetEntity returns the user-field map and system columns for a row.
func (s *SQLiteStore) GetEntity(ctx context.Context, entity, appPK string) (map[string]any, *spsync.SystemFields, error) {
	query := fmt.Sprintf(`SELECT * FROM %s WHERE AppPK = ?`, quoteIdent(entity))
	rows, err := s.db.QueryContext(ctx, query, appPK)
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

	cols, err := rows.Columns()
	if err != nil {
		return nil, nil, err
	}
	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, nil, fmt.Errorf("failed to scan %s row: %w", entity, err)
	}

	fields := make(map[string]any)
	system := &spsync.SystemFields{}
	for i, col := range cols {
		val := values[i]
		if b, ok := val.([]byte); ok {
			val = string(b)
		}
		switch {
		case strings.EqualFold(col, "AppPK"):
			// The key is implied by the lookup.
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

// MarkEntityDeleted sets the tombstone on an existing row.
func (s *SQLiteStore) MarkEntityDeleted(ctx context.Context, entity, appPK string, deletedAt time.Time) error {
	query := fmt.Sprintf(`UPDATE %s SET %s = 1, %s = ? WHERE AppPK = ?`,
		quoteIdent(entity), quoteIdent(spsync.ColIsDeleted), quoteIdent(spsync.ColDeletedAtUtc))
	res, err := s.db.ExecContext(ctx, query, formatTime(deletedAt), appPK)
	if err != nil {
		return fmt.Errorf("failed to mark %s/%s deleted: %w", entity, appPK, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return spsync.ErrNotFound
	}
	return nil
}

// PurgeTombstones removes soft-deleted rows older than the cutoff.
func (s *SQLiteStore) PurgeTombstones(ctx context.Context, entity string, olderThan time.Time) (int64, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE %s = 1 AND %s IS NOT NULL AND %s < ?`,
		quoteIdent(entity), quoteIdent(spsync.ColIsDeleted),
		quoteIdent(spsync.ColDeletedAtUtc), quoteIdent(spsync.ColDeletedAtUtc))
	res, err := s.db.ExecContext(ctx, query, formatTime(olderThan))
	if err != nil {
		return 0, fmt.Errorf("failed to purge tombstones for %s: %w", entity, err)
	}
	return res.RowsAffected()
}

// tableColumns reads (and caches) the column list of a mirror table
// via PRAGMA table_info.
func (s *SQLiteStore) tableColumns(ctx context.Context, entity string, refresh bool) ([]string, error) {
	key := strings.ToLower(entity)
	s.colMu.Lock()
	if !refresh {
		if cols, ok := s.columns[key]; ok {
			s.colMu.Unlock()
			return cols, nil
		}
	}
	s.colMu.Unlock()

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s)`, quoteIdent(entity)))
	if err != nil {
		return nil, fmt.Errorf("failed to read table info for %s: %w", entity, err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var cid, notNull, pk int
		var name, declType string
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &declType, &notNull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("failed to scan table info: %w", err)
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

func (s *SQLiteStore) invalidateColumns(entity string) {
	s.colMu.Lock()
	delete(s.columns, strings.ToLower(entity))
	s.colMu.Unlock()
}

func isSystemColumn(col string) bool {
	for _, sys := range systemColumns {
		if strings.EqualFold(col, sys) {
			return true
		}
	}
	return false
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// toSQLiteValue normalizes payload values for storage in TEXT columns.
func toSQLiteValue(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case time.Time:
		return formatTime(t)
	case bool:
		return boolToInt(t)
	default:
		return v
	}
}

// indexSafe rewrites an entity name into an index-name fragment.
func indexSafe(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
