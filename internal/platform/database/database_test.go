package database

import (
	"context"
	stderrors "errors"
	"path/filepath"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTempDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(db.Close)

	ctx := context.Background()
	_, err = db.Exec(ctx, `CREATE TABLE items (id TEXT PRIMARY KEY, qty INTEGER NOT NULL)`)
	require.NoError(t, err)
	return db
}

func countItems(t *testing.T, db *DB) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow(context.Background(), `SELECT COUNT(*) FROM items`).Scan(&n))
	return n
}

func TestOpenSQLiteRequiresPath(t *testing.T) {
	_, err := OpenSQLite("  ")
	assert.Error(t, err)
}

func TestPlaceholdersRebind(t *testing.T) {
	db := openTempDB(t)
	ctx := context.Background()

	n, err := db.Exec(ctx, `INSERT INTO items (id, qty) VALUES ($1, $2)`, "a", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	var qty int
	require.NoError(t, db.QueryRow(ctx, `SELECT qty FROM items WHERE id = $1 AND qty > $2`, "a", 1).Scan(&qty))
	assert.Equal(t, 3, qty)
	assert.Equal(t, SQLite, db.Dialect())
	assert.Empty(t, db.ForUpdate())
}

func TestInTransactionCommits(t *testing.T) {
	db := openTempDB(t)

	err := db.InTransaction(context.Background(), func(ctx context.Context) error {
		assert.True(t, InTx(ctx))
		_, err := db.Exec(ctx, `INSERT INTO items (id, qty) VALUES ($1, $2)`, "a", 1)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 1, countItems(t, db))
}

func TestInTransactionRollsBackOnError(t *testing.T) {
	db := openTempDB(t)
	boom := stderrors.New("boom")

	err := db.InTransaction(context.Background(), func(ctx context.Context) error {
		if _, err := db.Exec(ctx, `INSERT INTO items (id, qty) VALUES ($1, $2)`, "a", 1); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, countItems(t, db))
}

func TestInTransactionRollsBackOnPanic(t *testing.T) {
	db := openTempDB(t)

	assert.Panics(t, func() {
		_ = db.InTransaction(context.Background(), func(ctx context.Context) error {
			_, _ = db.Exec(ctx, `INSERT INTO items (id, qty) VALUES ($1, $2)`, "a", 1)
			panic("kaboom")
		})
	})
	assert.Equal(t, 0, countItems(t, db))
}

func TestNestedTransactionJoinsOuter(t *testing.T) {
	db := openTempDB(t)
	boom := stderrors.New("outer fails")

	err := db.InTransaction(context.Background(), func(ctx context.Context) error {
		err := db.InTransaction(ctx, func(ctx context.Context) error {
			_, err := db.Exec(ctx, `INSERT INTO items (id, qty) VALUES ($1, $2)`, "inner", 1)
			return err
		})
		require.NoError(t, err)
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, countItems(t, db))
}

func TestAfterCommit(t *testing.T) {
	db := openTempDB(t)
	var ran []string

	AfterCommit(context.Background(), func() { ran = append(ran, "no-tx") })
	assert.Equal(t, []string{"no-tx"}, ran)

	err := db.InTransaction(context.Background(), func(ctx context.Context) error {
		AfterCommit(ctx, func() { ran = append(ran, "committed") })
		return db.InTransaction(ctx, func(ctx context.Context) error {
			AfterCommit(ctx, func() { ran = append(ran, "nested") })
			assert.Len(t, ran, 1, "hooks wait for the outer commit")
			return nil
		})
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"no-tx", "committed", "nested"}, ran)

	err = db.InTransaction(context.Background(), func(ctx context.Context) error {
		AfterCommit(ctx, func() { ran = append(ran, "rolled-back") })
		return stderrors.New("boom")
	})
	require.Error(t, err)
	assert.NotContains(t, ran, "rolled-back")
}

func TestIsUniqueViolation(t *testing.T) {
	db := openTempDB(t)
	ctx := context.Background()

	_, err := db.Exec(ctx, `INSERT INTO items (id, qty) VALUES ($1, $2)`, "a", 1)
	require.NoError(t, err)
	_, err = db.Exec(ctx, `INSERT INTO items (id, qty) VALUES ($1, $2)`, "a", 2)
	require.Error(t, err)

	assert.True(t, IsUniqueViolation(err))
	assert.False(t, IsUniqueViolation(stderrors.New("other")))
}

func TestIsNoRows(t *testing.T) {
	db := openTempDB(t)

	var qty int
	err := db.QueryRow(context.Background(), `SELECT qty FROM items WHERE id = $1`, "missing").Scan(&qty)
	assert.True(t, IsNoRows(err))
}

func TestRowsIteration(t *testing.T) {
	db := openTempDB(t)
	ctx := context.Background()
	for i, id := range []string{"a", "b", "c"} {
		_, err := db.Exec(ctx, `INSERT INTO items (id, qty) VALUES ($1, $2)`, id, i)
		require.NoError(t, err)
	}

	rows, err := db.Query(ctx, `SELECT id FROM items ORDER BY id`)
	require.NoError(t, err)
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		require.NoError(t, rows.Scan(&id))
		ids = append(ids, id)
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, []string{"a", "b", "c"}, ids)
}

func TestMigrateAppliesOnce(t *testing.T) {
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "migrate.db"))
	require.NoError(t, err)
	t.Cleanup(db.Close)

	fsys := fstest.MapFS{
		"migrations/001_init.sql": {Data: []byte("-- +migrate Up\nCREATE TABLE widgets (id TEXT PRIMARY KEY);\n-- +migrate Down\nDROP TABLE widgets;\n")},
		"migrations/002_seed.sql": {Data: []byte("INSERT INTO widgets (id) VALUES ('w1');")},
		"migrations/README.md":    {Data: []byte("ignored")},
	}
	ctx := context.Background()

	require.NoError(t, db.Migrate(ctx, fsys, "migrations"))
	require.NoError(t, db.Migrate(ctx, fsys, "migrations"))

	var n int
	require.NoError(t, db.QueryRow(ctx, `SELECT COUNT(*) FROM widgets`).Scan(&n))
	assert.Equal(t, 1, n)

	var applied int
	require.NoError(t, db.QueryRow(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&applied))
	assert.Equal(t, 2, applied)
}

func TestExtractUpMigration(t *testing.T) {
	assert.Equal(t, "\nA\n", ExtractUpMigration("-- +migrate Up\nA\n-- +migrate Down\nB"))
	assert.Equal(t, "plain", ExtractUpMigration("plain"))
}

func TestMillisRoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 30, 0, 123_000_000, time.UTC)
	assert.Equal(t, now, FromMillis(ToMillis(now)))
	assert.Nil(t, FromNullMillis(nil))
	assert.Nil(t, ToNullMillis(nil))
	assert.Equal(t, now, *FromNullMillis(ToNullMillis(&now)))
}
