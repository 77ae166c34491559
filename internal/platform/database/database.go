// Package database provides a small query abstraction over PostgreSQL (pgx)
// and SQLite (modernc) with transactions carried in the context.
//
// Queries are written once in PostgreSQL style with $N placeholders. The
// SQLite backend rewrites them to ?N, which SQLite binds by the same index.
package database

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

// Dialect names the SQL backend.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

// Row is a single-row query result.
type Row interface {
	Scan(dest ...any) error
}

// Rows is a multi-row query result. Callers must Close it.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close()
}

type querier interface {
	queryRow(ctx context.Context, query string, args ...any) Row
	query(ctx context.Context, query string, args ...any) (Rows, error)
	exec(ctx context.Context, query string, args ...any) (int64, error)
}

type transaction interface {
	querier
	commit(ctx context.Context) error
	rollback(ctx context.Context) error
}

type backend interface {
	querier
	begin(ctx context.Context) (transaction, error)
	ping(ctx context.Context) error
	close()
}

// DB is a connection pool bound to one dialect.
type DB struct {
	backend backend
	dialect Dialect
}

type txKey struct{}

// txState is the context value for an open transaction.
type txState struct {
	tx          transaction
	afterCommit []func()
}

// Dialect reports the SQL backend in use.
func (db *DB) Dialect() Dialect {
	return db.dialect
}

// ForUpdate returns the row-locking suffix for SELECT statements. SQLite
// serialises writers at the transaction level and has no row locks.
func (db *DB) ForUpdate() string {
	if db.dialect == Postgres {
		return " FOR UPDATE"
	}
	return ""
}

// QueryRow runs a query expected to return at most one row, inside the
// context transaction when there is one.
func (db *DB) QueryRow(ctx context.Context, query string, args ...any) Row {
	return db.conn(ctx).queryRow(ctx, db.rebind(query), args...)
}

// Query runs a query returning rows.
func (db *DB) Query(ctx context.Context, query string, args ...any) (Rows, error) {
	return db.conn(ctx).query(ctx, db.rebind(query), args...)
}

// Exec runs a statement and returns the number of affected rows.
func (db *DB) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	return db.conn(ctx).exec(ctx, db.rebind(query), args...)
}

// InTransaction runs fn inside a transaction stored in the context handed to
// fn. Repository calls made with that context join the transaction. A nested
// call joins the outer transaction instead of opening a new one. The
// transaction commits when fn returns nil and rolls back otherwise.
func (db *DB) InTransaction(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if _, ok := ctx.Value(txKey{}).(*txState); ok {
		return fn(ctx)
	}

	tx, err := db.backend.begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.rollback(context.WithoutCancel(ctx))
			panic(p)
		}
	}()

	state := &txState{tx: tx}
	if err := fn(context.WithValue(ctx, txKey{}, state)); err != nil {
		if rbErr := tx.rollback(context.WithoutCancel(ctx)); rbErr != nil {
			return stderrors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}

	if err := tx.commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	for _, hook := range state.afterCommit {
		hook()
	}
	return nil
}

// InTx reports whether ctx carries an open transaction.
func InTx(ctx context.Context) bool {
	_, ok := ctx.Value(txKey{}).(*txState)
	return ok
}

// AfterCommit defers fn until the context transaction commits and drops it
// on rollback. Outside a transaction fn runs immediately.
func AfterCommit(ctx context.Context, fn func()) {
	if state, ok := ctx.Value(txKey{}).(*txState); ok {
		state.afterCommit = append(state.afterCommit, fn)
		return
	}
	fn()
}

// Ping checks connectivity.
func (db *DB) Ping(ctx context.Context) error {
	return db.backend.ping(ctx)
}

// Close releases all connections.
func (db *DB) Close() {
	db.backend.close()
}

func (db *DB) conn(ctx context.Context) querier {
	if state, ok := ctx.Value(txKey{}).(*txState); ok {
		return state.tx
	}
	return db.backend
}

func (db *DB) rebind(query string) string {
	if db.dialect != SQLite {
		return query
	}
	return strings.ReplaceAll(query, "$", "?")
}

// IsNoRows reports whether err signals an empty single-row result.
func IsNoRows(err error) bool {
	return stderrors.Is(err, pgx.ErrNoRows) || stderrors.Is(err, sql.ErrNoRows)
}

// IsUniqueViolation reports whether err is a unique or primary key violation
// from either backend.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var sqliteErr *msqlite.Error
	if stderrors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return false
}

// ToMillis converts a timestamp to the integer form stored in every table.
func ToMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

// FromMillis is the inverse of ToMillis.
func FromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// FromNullMillis converts an optional stored timestamp.
func FromNullMillis(ms *int64) *time.Time {
	if ms == nil {
		return nil
	}
	t := FromMillis(*ms)
	return &t
}

// ToNullMillis converts an optional timestamp for storage.
func ToNullMillis(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	ms := ToMillis(*t)
	return &ms
}
