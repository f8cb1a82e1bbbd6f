package spstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mobiletoly/go-spsync/spsync"
)

func clientsTable() *spsync.AppTableConfig {
	return &spsync.AppTableConfig{
		EntityName:     "Clients",
		Enabled:        true,
		PkInternalName: "AppPK",
		SelectFields:   []string{"Title", "Value"},
	}
}

func TestEnsureEntitySchemaAdditive(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	table := clientsTable()

	require.NoError(t, store.EnsureEntitySchema(ctx, table))
	// Re-running is a no-op.
	require.NoError(t, store.EnsureEntitySchema(ctx, table))

	cols, err := store.tableColumns(ctx, "Clients", true)
	require.NoError(t, err)
	require.Contains(t, cols, "AppPK")
	require.Contains(t, cols, "__sp_id")
	require.Contains(t, cols, "__sp_modified_utc")
	require.Contains(t, cols, "__sp_etag")
	require.Contains(t, cols, "IsDeleted")
	require.Contains(t, cols, "DeletedAtUtc")
	require.Contains(t, cols, "Title")
	require.Contains(t, cols, "Value")

	// Whitelist growth adds columns without touching existing data.
	require.NoError(t, store.UpsertEntity(ctx, "Clients", "A",
		map[string]any{"Title": "a"}, &spsync.SystemFields{SharePointID: 1}))
	table.SelectFields = append(table.SelectFields, "Extra")
	require.NoError(t, store.EnsureEntitySchema(ctx, table))

	fields, system, err := store.GetEntity(ctx, "Clients", "A")
	require.NoError(t, err)
	require.Equal(t, "a", fields["Title"])
	require.Equal(t, int64(1), system.SharePointID)

	cols, err = store.tableColumns(ctx, "Clients", true)
	require.NoError(t, err)
	require.Contains(t, cols, "Extra")
}

// Reserved SelectFields never become duplicate user columns.
func TestEnsureEntitySchemaSkipsReserved(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	table := clientsTable()
	table.SelectFields = []string{"Title", "AppPK", "IsDeleted", "DeletedAtUtc"}

	require.NoError(t, store.EnsureEntitySchema(ctx, table))
	cols, err := store.tableColumns(ctx, "Clients", true)
	require.NoError(t, err)

	seen := map[string]int{}
	for _, c := range cols {
		seen[c]++
	}
	require.Equal(t, 1, seen["AppPK"])
	require.Equal(t, 1, seen["IsDeleted"])
	require.Equal(t, 1, seen["DeletedAtUtc"])
}

// Mirror round-trip: whitelisted fields and exactly the system columns
// come back.
func TestUpsertEntityRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	table := clientsTable()
	require.NoError(t, store.EnsureEntitySchema(ctx, table))

	modified := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	deleted := modified.Add(time.Hour)
	system := &spsync.SystemFields{
		SharePointID:          42,
		SharePointModifiedUtc: modified,
		SharePointETag:        "3",
		IsDeleted:             true,
		DeletedAtUtc:          &deleted,
	}
	fields := map[string]any{
		"Title": "hello",
		"Value": "v1",
		// Reserved keys must be filtered out, not written.
		"AppPK":   "spoof",
		"__sp_id": 999,
	}
	require.NoError(t, store.UpsertEntity(ctx, "Clients", "A", fields, system))

	got, gotSystem, err := store.GetEntity(ctx, "Clients", "A")
	require.NoError(t, err)
	require.Equal(t, map[string]any{"Title": "hello", "Value": "v1"}, got)
	require.Equal(t, int64(42), gotSystem.SharePointID)
	require.True(t, gotSystem.SharePointModifiedUtc.Equal(modified))
	require.Equal(t, "3", gotSystem.SharePointETag)
	require.True(t, gotSystem.IsDeleted)
	require.True(t, gotSystem.DeletedAtUtc.Equal(deleted))
}

// Upsert replaces the whole row: fields missing from the new map
// become NULL.
func TestUpsertEntityWholeRowReplace(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	require.NoError(t, store.EnsureEntitySchema(ctx, clientsTable()))

	require.NoError(t, store.UpsertEntity(ctx, "Clients", "A",
		map[string]any{"Title": "a", "Value": "v"}, &spsync.SystemFields{SharePointID: 1}))
	require.NoError(t, store.UpsertEntity(ctx, "Clients", "A",
		map[string]any{"Title": "a2"}, &spsync.SystemFields{SharePointID: 1}))

	fields, _, err := store.GetEntity(ctx, "Clients", "A")
	require.NoError(t, err)
	require.Equal(t, "a2", fields["Title"])
	require.NotContains(t, fields, "Value")
}

func TestGetEntityNotFound(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	require.NoError(t, store.EnsureEntitySchema(ctx, clientsTable()))

	_, _, err := store.GetEntity(ctx, "Clients", "missing")
	require.ErrorIs(t, err, spsync.ErrNotFound)
}

func TestMarkEntityDeletedAndPurge(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	require.NoError(t, store.EnsureEntitySchema(ctx, clientsTable()))

	require.ErrorIs(t, store.MarkEntityDeleted(ctx, "Clients", "missing", time.Now().UTC()), spsync.ErrNotFound)

	require.NoError(t, store.UpsertEntity(ctx, "Clients", "A",
		map[string]any{"Title": "a"}, &spsync.SystemFields{}))
	deletedAt := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, store.MarkEntityDeleted(ctx, "Clients", "A", deletedAt))

	fields, system, err := store.GetEntity(ctx, "Clients", "A")
	require.NoError(t, err)
	require.True(t, system.IsDeleted)
	require.True(t, system.DeletedAtUtc.Equal(deletedAt))
	require.Equal(t, "a", fields["Title"], "tombstone keeps user fields")

	// Purge removes only tombstones older than the cutoff.
	n, err := store.PurgeTombstones(ctx, "Clients", deletedAt)
	require.NoError(t, err)
	require.Zero(t, n, "cutoff is exclusive")
	n, err = store.PurgeTombstones(ctx, "Clients", deletedAt.Add(time.Second))
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	_, _, err = store.GetEntity(ctx, "Clients", "A")
	require.ErrorIs(t, err, spsync.ErrNotFound)
}

// Entity names with unusual characters are quoted safely everywhere.
func TestEntityNameQuoting(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	table := &spsync.AppTableConfig{
		EntityName:   `Weird "Name"`,
		SelectFields: []string{"Title"},
	}
	require.NoError(t, store.EnsureEntitySchema(ctx, table))
	require.NoError(t, store.UpsertEntity(ctx, table.EntityName, "A",
		map[string]any{"Title": "a"}, &spsync.SystemFields{}))

	fields, _, err := store.GetEntity(ctx, table.EntityName, "A")
	require.NoError(t, err)
	require.Equal(t, "a", fields["Title"])
}
