package spstore

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/mobiletoly/go-spsync/spsync"
)

// newPostgresStore spins up a disposable PostgreSQL container. Skipped
// in -short runs (requires Docker).
func newPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container-backed test in short mode")
	}
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("spsync_test"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	store := NewPostgresStore(pool, "spsync", nil)
	require.NoError(t, store.InitializeSchema(ctx))
	return store
}

func TestPostgresOutboxContract(t *testing.T) {
	ctx := context.Background()
	store := newPostgresStore(t)

	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	id1, err := store.EnqueueChange(ctx, &spsync.ChangeLogEntry{
		EntityName: "Clients", AppPK: "A", Operation: spsync.OpInsert,
		PayloadJSON: []byte(`{"Title":"a"}`), CreatedUtc: base,
	})
	require.NoError(t, err)
	id2, err := store.EnqueueChange(ctx, &spsync.ChangeLogEntry{
		EntityName: "Clients", AppPK: "B", Operation: spsync.OpSoftDelete, CreatedUtc: base,
	})
	require.NoError(t, err)
	require.Less(t, id1, id2)

	pending, err := store.GetPendingChanges(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, id1, pending[0].ID)
	require.Nil(t, pending[1].PayloadJSON)

	require.NoError(t, store.MarkChangeFailed(ctx, id1, "boom"))
	require.NoError(t, store.MarkChangeApplied(ctx, id1, base.Add(time.Minute)))
	require.NoError(t, store.MarkChangeConflicted(ctx, id2, "conflict"))

	pending, err = store.GetPendingChanges(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, pending)

	require.NoError(t, store.RequeueChange(ctx, id2))
	pending, err = store.GetPendingChanges(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	ok, err := store.HasPendingChange(ctx, "Clients", "B", spsync.OpSoftDelete)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestPostgresMirrorRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newPostgresStore(t)

	table := &spsync.AppTableConfig{
		EntityName:     "Clients",
		PkInternalName: "AppPK",
		SelectFields:   []string{"Title", "Value"},
	}
	require.NoError(t, store.EnsureEntitySchema(ctx, table))
	// Additive re-run with a wider whitelist.
	table.SelectFields = append(table.SelectFields, "Extra")
	require.NoError(t, store.EnsureEntitySchema(ctx, table))

	modified := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, store.UpsertEntity(ctx, "Clients", "A",
		map[string]any{"Title": "hello", "Value": "v1", "AppPK": "spoof"},
		&spsync.SystemFields{SharePointID: 42, SharePointModifiedUtc: modified, SharePointETag: "3"}))

	fields, system, err := store.GetEntity(ctx, "Clients", "A")
	require.NoError(t, err)
	require.Equal(t, "hello", fields["Title"])
	require.Equal(t, "v1", fields["Value"])
	require.NotContains(t, fields, "AppPK")
	require.Equal(t, int64(42), system.SharePointID)
	require.True(t, system.SharePointModifiedUtc.Equal(modified))
	require.Equal(t, "3", system.SharePointETag)
	require.False(t, system.IsDeleted)

	// Whole-row replace drops omitted fields.
	require.NoError(t, store.UpsertEntity(ctx, "Clients", "A",
		map[string]any{"Title": "h2"}, &spsync.SystemFields{SharePointID: 42}))
	fields, _, err = store.GetEntity(ctx, "Clients", "A")
	require.NoError(t, err)
	require.Equal(t, "h2", fields["Title"])
	require.NotContains(t, fields, "Value")

	deletedAt := modified.Add(time.Hour)
	require.NoError(t, store.MarkEntityDeleted(ctx, "Clients", "A", deletedAt))
	_, system, err = store.GetEntity(ctx, "Clients", "A")
	require.NoError(t, err)
	require.True(t, system.IsDeleted)

	n, err := store.PurgeTombstones(ctx, "Clients", deletedAt.Add(time.Second))
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
	_, _, err = store.GetEntity(ctx, "Clients", "A")
	require.ErrorIs(t, err, spsync.ErrNotFound)
}

func TestPostgresSyncStateAndConfig(t *testing.T) {
	ctx := context.Background()
	store := newPostgresStore(t)

	cfg := &spsync.LocalConfig{
		AppID:         "app",
		ConfigVersion: 5,
		Tables:        []spsync.AppTableConfig{{EntityName: "Clients", Enabled: true}},
		UpdatedUtc:    time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, store.SaveLocalConfig(ctx, cfg))
	got, err := store.GetLocalConfig(ctx, "app")
	require.NoError(t, err)
	require.Equal(t, int64(5), got.ConfigVersion)
	require.Len(t, got.Tables, 1)

	modified := time.Date(2024, 3, 1, 10, 0, 0, 500e6, time.UTC)
	state := &spsync.SyncState{
		EntityName:          "Clients",
		LastSyncModifiedUtc: &modified,
		LastSyncSpID:        9,
	}
	require.NoError(t, store.SaveSyncState(ctx, state))
	gotState, err := store.GetSyncState(ctx, "Clients")
	require.NoError(t, err)
	require.True(t, gotState.LastSyncModifiedUtc.Equal(modified))
	require.Equal(t, int64(9), gotState.LastSyncSpID)
}
