package database

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"
)

const migrationTable = "schema_migrations"

// Migrate executes the .sql files under root in name order, each at most once.
// Files may carry "-- +migrate Up" / "-- +migrate Down" markers; only the Up
// section runs.
func (db *DB) Migrate(ctx context.Context, migrationFS fs.FS, root string) error {
	root = strings.TrimSpace(root)
	if root == "" {
		root = "."
	}

	entries, err := fs.ReadDir(migrationFS, root)
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var sqlFiles []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			sqlFiles = append(sqlFiles, entry.Name())
		}
	}
	sort.Strings(sqlFiles)

	createSQL := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
    name TEXT PRIMARY KEY,
    applied_at BIGINT NOT NULL
)`, migrationTable)
	if _, err := db.Exec(ctx, createSQL); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}

	for _, file := range sqlFiles {
		content, err := fs.ReadFile(migrationFS, path.Join(root, file))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}

		upSQL := ExtractUpMigration(string(content))
		if strings.TrimSpace(upSQL) == "" {
			continue
		}

		err = db.InTransaction(ctx, func(ctx context.Context) error {
			var count int
			if err := db.QueryRow(ctx,
				fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE name = $1", migrationTable), file,
			).Scan(&count); err != nil {
				return fmt.Errorf("check migration: %w", err)
			}
			if count > 0 {
				return nil
			}
			if _, err := db.Exec(ctx, upSQL); err != nil {
				return fmt.Errorf("exec migration: %w", err)
			}
			if _, err := db.Exec(ctx,
				fmt.Sprintf("INSERT INTO %s (name, applied_at) VALUES ($1, $2)", migrationTable),
				file, ToMillis(time.Now()),
			); err != nil {
				return fmt.Errorf("record migration: %w", err)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("migration %s: %w", file, err)
		}
	}

	return nil
}

// ExtractUpMigration returns the SQL in the -- +migrate Up section.
func ExtractUpMigration(content string) string {
	upIdx := strings.Index(content, "-- +migrate Up")
	if upIdx == -1 {
		return content
	}
	downIdx := strings.Index(content, "-- +migrate Down")
	if downIdx == -1 {
		return content[upIdx+len("-- +migrate Up"):]
	}
	return content[upIdx+len("-- +migrate Up") : downIdx]
}
