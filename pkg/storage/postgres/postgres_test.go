package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/partsearch/partsearch/pkg/logging"
	"github.com/partsearch/partsearch/pkg/schema"
)

// setupTestDB starts a disposable PostgreSQL container and returns a
// migrated DB. Skipped under -short and when Docker is unavailable.
func setupTestDB(t *testing.T) (*DB, context.Context) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container-backed test in short mode")
	}
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:15-alpine",
		tcpostgres.WithDatabase("partsearch_test"),
		tcpostgres.WithUsername("test_user"),
		tcpostgres.WithPassword("test_password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Skipf("could not start postgres container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := New(ctx, &Config{ConnectionString: connStr, MaxConnections: 5}, logging.Nop())
	require.NoError(t, err)
	t.Cleanup(db.Close)

	require.NoError(t, db.MigrateToLatest())
	return db, ctx
}

func TestDatasetLifecycle(t *testing.T) {
	db, ctx := setupTestDB(t)

	id, err := db.CreateDataset(ctx, "parts.csv", "text/csv")
	require.NoError(t, err)
	require.Greater(t, id, int64(0))

	ds, err := db.GetDataset(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusUploaded, ds.Status)
	assert.Equal(t, "parts.csv", ds.Filename)

	require.NoError(t, db.UpdateDatasetStatus(ctx, id, StatusProcessing))
	require.NoError(t, db.UpdateDatasetRowCount(ctx, id, 3))
	require.NoError(t, db.SetDatasetSyncState(ctx, id, true, ""))

	ds, err = db.GetDataset(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, ds.Status)
	assert.Equal(t, int64(3), ds.RowCount)
	assert.True(t, ds.IndexSynced)

	list, err := db.ListDatasets(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, db.DeleteDataset(ctx, id))
	_, err = db.GetDataset(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDatasetTableInsertAndQuery(t *testing.T) {
	db, ctx := setupTestDB(t)

	id, err := db.CreateDataset(ctx, "parts.csv", "text/csv")
	require.NoError(t, err)
	require.NoError(t, db.EnsureDatasetTable(ctx, id))

	rows := []schema.Row{
		{PrimaryBuyer: "Acme", ItemDescription: "CONN 3585720 GOLD", Quantity: 1200, UnitOfMeasure: "EA", UnitPrice: 3.45, PartNumber: "3585720"},
		{PrimaryBuyer: "Globex", ItemDescription: "BOLT-M8x20", Quantity: 5, UnitOfMeasure: "EA", UnitPrice: 0.12, PartNumber: "BOLT-M8x20"},
		{PrimaryBuyer: "Acme", ItemDescription: "CONN 3585720 GOLD", Quantity: 10, UnitOfMeasure: "EA", UnitPrice: 3.40, PartNumber: "3585720"},
	}
	require.NoError(t, db.InsertRows(ctx, id, rows))

	count, err := db.DatasetRowCount(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	stored, err := db.DatasetRows(ctx, id, 0, 10)
	require.NoError(t, err)
	require.Len(t, stored, 3)
	assert.Equal(t, "Acme", stored[0].PrimaryBuyer)
	assert.Equal(t, int64(1200), stored[0].Quantity)

	after, err := db.RowsAfter(ctx, id, stored[0].ID, 10)
	require.NoError(t, err)
	assert.Len(t, after, 2)

	top, err := db.TopPartNumbers(ctx, id, 10)
	require.NoError(t, err)
	require.NotEmpty(t, top)
	assert.Equal(t, "3585720", top[0].PartNumber)
	assert.Equal(t, int64(2), top[0].Count)

	var parts []string
	require.NoError(t, db.ForEachPartNumber(ctx, id, func(p string) error {
		parts = append(parts, p)
		return nil
	}))
	assert.Len(t, parts, 2)

	// Index creation is best-effort and must not error out.
	db.CreateDatasetIndexes(ctx, id, db.TrigramAvailable(ctx))
}

func TestSearchPartsBulkModes(t *testing.T) {
	db, ctx := setupTestDB(t)

	id, err := db.CreateDataset(ctx, "parts.csv", "text/csv")
	require.NoError(t, err)
	require.NoError(t, db.EnsureDatasetTable(ctx, id))
	require.NoError(t, db.InsertRows(ctx, id, []schema.Row{
		{PrimaryBuyer: "Acme", ItemDescription: "gold connector", UnitPrice: 3.45, PartNumber: "ABC-123"},
	}))

	// Exact mode matches case-insensitively, like single search.
	matches, err := db.SearchPartsBulk(ctx, id, []string{"abc-123"}, false, false, 0.6, 100)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "ABC-123", matches[0].Row.PartNumber)

	// A separator variant is not an exact match.
	matches, err = db.SearchPartsBulk(ctx, id, []string{"ABC123"}, false, false, 0.6, 100)
	require.NoError(t, err)
	assert.Empty(t, matches)

	// Fuzzy mode accepts it through separator-stripped equality.
	matches, err = db.SearchPartsBulk(ctx, id, []string{"ABC123"}, true, false, 0.6, 100)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "ABC-123", matches[0].Row.PartNumber)
}

func TestDatasetRowCountMissingTable(t *testing.T) {
	db, ctx := setupTestDB(t)
	count, err := db.DatasetRowCount(ctx, 999999)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestWithRetry(t *testing.T) {
	db := &DB{}
	ctx := context.Background()

	// Deadlocks are retried until the statement goes through.
	attempts := 0
	err := db.WithRetry(ctx, func(context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("ERROR: deadlock detected (SQLSTATE 40P01)")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)

	// Non-transient errors surface immediately.
	attempts = 0
	permanent := errors.New("syntax error at or near")
	err = db.WithRetry(ctx, func(context.Context) error {
		attempts++
		return permanent
	})
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, attempts)

	// Retries give up once the budget is spent.
	attempts = 0
	err = db.WithRetry(ctx, func(context.Context) error {
		attempts++
		return errors.New("could not serialize access due to concurrent update")
	})
	require.Error(t, err)
	assert.Equal(t, 3, attempts)
}

func TestUsers(t *testing.T) {
	db, ctx := setupTestDB(t)

	user, err := db.CreateUser(ctx, "alice", "hash")
	require.NoError(t, err)
	assert.Equal(t, "alice", user.Username)

	_, err = db.CreateUser(ctx, "alice", "other")
	assert.ErrorIs(t, err, ErrUserExists)

	loaded, err := db.GetUserByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "hash", loaded.PasswordHash)

	_, err = db.GetUserByUsername(ctx, "bob")
	assert.ErrorIs(t, err, ErrNotFound)
}
