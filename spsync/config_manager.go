// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package spsync

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ConfigManager discovers what to sync. It compares the server-side
// ConfigVersion in APP_Config against the locally persisted catalog
// and refreshes the catalog from APP_Tables when the server is newer.
type ConfigManager struct {
	store  Store
	conn   Connector
	logger *slog.Logger

	mu           sync.Mutex
	configListID uuid.UUID
	tablesListID uuid.UUID
}

// NewConfigManager creates a configuration manager. logger may be nil.
func NewConfigManager(store Store, conn Connector, logger *slog.Logger) *ConfigManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConfigManager{store: store, conn: conn, logger: logger}
}

// configSelect are the APP_Config fields the manager reads.
var configSelect = []string{"AppId", "ConfigVersion", "MinClientVersion", "LastModifiedUtc"}

// tablesSelect are the APP_Tables fields, ConflictPolicy last so the
// schema-evolution retry can drop it.
var tablesSelect = []string{
	"EntityName", "ListId", "ListTitle", "Enabled", "PkInternalName",
	"SelectFieldsJson", "SyncPolicy", "Priority", "AttachmentsMode",
	"PartitionStrategy", "ExpectedIndexesJson", "ConflictPolicy",
}

// EnsureConfig loads the local catalog for appID and refreshes it from
// the server when a newer ConfigVersion exists. The returned config is
// always usable: absent remote config yields the local copy unchanged
// (or an empty version-0 default).
func (m *ConfigManager) EnsureConfig(ctx context.Context, appID string) (*LocalConfig, error) {
	if strings.TrimSpace(appID) == "" {
		return nil, fmt.Errorf("app id cannot be empty")
	}

	local, err := m.store.GetLocalConfig(ctx, appID)
	if err != nil {
		return nil, fmt.Errorf("failed to load local config: %w", err)
	}
	if local == nil {
		local = &LocalConfig{AppID: appID}
	}

	remoteVersion, err := m.fetchRemoteVersion(ctx, appID)
	if err != nil {
		return nil, err
	}
	if remoteVersion == nil {
		// No remote row for this app; keep whatever we have.
		return local, nil
	}
	if *remoteVersion <= local.ConfigVersion {
		return local, nil
	}

	tables, err := m.fetchTables(ctx)
	if err != nil {
		return nil, err
	}

	refreshed := &LocalConfig{
		AppID:         appID,
		ConfigVersion: *remoteVersion,
		Tables:        tables,
		UpdatedUtc:    time.Now().UTC(),
	}
	if err := m.store.SaveLocalConfig(ctx, refreshed); err != nil {
		return nil, fmt.Errorf("failed to persist refreshed config: %w", err)
	}
	m.logger.Info("Refreshed table catalog",
		"app_id", appID, "config_version", *remoteVersion, "tables", len(tables))
	return refreshed, nil
}

// fetchRemoteVersion reads the APP_Config row for appID. A nil result
// means no row exists.
func (m *ConfigManager) fetchRemoteVersion(ctx context.Context, appID string) (*int64, error) {
	listID, err := m.listID(ctx, ConfigListTitle, &m.configListID)
	if err != nil {
		return nil, err
	}
	page, err := m.conn.QueryListItems(ctx, listID, ListQuery{
		Select: configSelect,
		Filter: FilterEq("AppId", appID),
		Top:    1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", ConfigListTitle, err)
	}
	if len(page.Items) == 0 {
		return nil, nil
	}
	version, _ := AsInt64(page.Items[0].Fields["ConfigVersion"])
	return &version, nil
}

// fetchTables pages through APP_Tables in priority order. Older
// deployments lack the ConflictPolicy column; a 400 citing it triggers
// one retry without the column, and parsed rows fall back to
// ServerWins.
func (m *ConfigManager) fetchTables(ctx context.Context) ([]AppTableConfig, error) {
	listID, err := m.listID(ctx, TablesListTitle, &m.tablesListID)
	if err != nil {
		return nil, err
	}

	sel := tablesSelect
	items, err := m.queryAllTables(ctx, listID, sel)
	if err != nil {
		if re := AsRemoteError(err); re != nil && re.StatusCode == 400 &&
			strings.Contains(re.Body, "ConflictPolicy") {
			m.logger.Warn("Server lacks ConflictPolicy column; retrying without it")
			items, err = m.queryAllTables(ctx, listID, sel[:len(sel)-1])
		}
		if err != nil {
			return nil, fmt.Errorf("failed to query %s: %w", TablesListTitle, err)
		}
	}

	tables := make([]AppTableConfig, 0, len(items))
	for _, item := range items {
		table, err := parseTableConfig(item.Fields)
		if err != nil {
			m.logger.Warn("Skipping unparsable table row", "item_id", item.ID, "error", err)
			continue
		}
		// A table whose server PK column is literally AppPK while the
		// whitelist also carries AppPK would have the payload filter
		// silently strip the key the engine re-injects. Keep the row
		// in the catalog but disabled until the server config is
		// fixed.
		if table.PKColumn() == DefaultPkInternalName && table.HasSelectField(DefaultPkInternalName) && table.Enabled {
			m.logger.Warn("Disabling table: PkInternalName collides with the AppPK select field",
				"entity", table.EntityName)
			table.Enabled = false
		}
		tables = append(tables, table)
	}
	return tables, nil
}

func (m *ConfigManager) queryAllTables(ctx context.Context, listID uuid.UUID, sel []string) ([]ListItem, error) {
	var items []ListItem
	q := ListQuery{Select: sel, OrderBy: "Priority asc", Top: 200}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page, err := m.conn.QueryListItems(ctx, listID, q)
		if err != nil {
			return nil, err
		}
		items = append(items, page.Items...)
		if page.NextPageCursor == "" {
			return items, nil
		}
		q = ListQuery{PageCursor: page.NextPageCursor}
	}
}

// listID resolves and caches a system list id by title.
func (m *ConfigManager) listID(ctx context.Context, title string, cached *uuid.UUID) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if *cached != uuid.Nil {
		return *cached, nil
	}
	id, err := m.conn.GetListIDByTitle(ctx, title)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to resolve list %s: %w", title, err)
	}
	*cached = id
	return id, nil
}

// parseTableConfig coerces one APP_Tables row. EntityName and ListId
// are required; everything else has a sensible default.
func parseTableConfig(fields map[string]any) (AppTableConfig, error) {
	entity := strings.TrimSpace(AsString(fields["EntityName"]))
	if entity == "" {
		return AppTableConfig{}, fmt.Errorf("row has no EntityName")
	}
	listID, err := uuid.Parse(strings.Trim(AsString(fields["ListId"]), "{}"))
	if err != nil {
		return AppTableConfig{}, fmt.Errorf("row %s has invalid ListId: %w", entity, err)
	}

	table := AppTableConfig{
		EntityName:        entity,
		ListID:            listID,
		ListTitle:         AsString(fields["ListTitle"]),
		Enabled:           AsBool(fields["Enabled"]),
		PkInternalName:    strings.TrimSpace(AsString(fields["PkInternalName"])),
		SelectFields:      AsStringSlice(fields["SelectFieldsJson"]),
		SyncPolicy:        ParseSyncPolicy(fields["SyncPolicy"]),
		AttachmentsMode:   ParseAttachmentsMode(fields["AttachmentsMode"]),
		PartitionStrategy: ParsePartitionStrategy(fields["PartitionStrategy"]),
		ConflictPolicy:    ParseConflictPolicy(fields["ConflictPolicy"]),
		ExpectedIndexes:   AsStringSlice(fields["ExpectedIndexesJson"]),
	}
	if n, ok := AsInt(fields["Priority"]); ok {
		table.Priority = n
	}
	if table.PkInternalName == "" {
		table.PkInternalName = DefaultPkInternalName
	}
	return table, nil
}
