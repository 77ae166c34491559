package database

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (creating if needed) a SQLite database file.
//
// The pool holds a single connection and transactions begin IMMEDIATE, so
// writers are serialised by the database the way row locks serialise them
// on PostgreSQL.
func OpenSQLite(path string) (*DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate"

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite store: %w", err)
	}

	return &DB{backend: &sqlBackend{db: sqlDB}, dialect: SQLite}, nil
}

type sqlBackend struct {
	db *sql.DB
}

func (b *sqlBackend) queryRow(ctx context.Context, query string, args ...any) Row {
	return b.db.QueryRowContext(ctx, query, args...)
}

func (b *sqlBackend) query(ctx context.Context, query string, args ...any) (Rows, error) {
	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return sqlRows{rows}, nil
}

func (b *sqlBackend) exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := b.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (b *sqlBackend) begin(ctx context.Context) (transaction, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &sqlTx{tx: tx}, nil
}

func (b *sqlBackend) ping(ctx context.Context) error {
	return b.db.PingContext(ctx)
}

func (b *sqlBackend) close() {
	_ = b.db.Close()
}

type sqlTx struct {
	tx *sql.Tx
}

func (t *sqlTx) queryRow(ctx context.Context, query string, args ...any) Row {
	return t.tx.QueryRowContext(ctx, query, args...)
}

func (t *sqlTx) query(ctx context.Context, query string, args ...any) (Rows, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return sqlRows{rows}, nil
}

func (t *sqlTx) exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (t *sqlTx) commit(context.Context) error {
	return t.tx.Commit()
}

func (t *sqlTx) rollback(context.Context) error {
	return t.tx.Rollback()
}

// sqlRows adapts *sql.Rows to Rows.
type sqlRows struct {
	*sql.Rows
}

func (r sqlRows) Close() {
	_ = r.Rows.Close()
}
