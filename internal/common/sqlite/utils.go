// Package sqlite provides schema migration helpers for SQLite stores.
package sqlite

import (
	"database/sql"
	"fmt"
)

// EnsureColumn adds a column to a table if it doesn't exist. CREATE TABLE IF
// NOT EXISTS never alters existing tables, so columns introduced after the
// first release go through here.
func EnsureColumn(db *sql.DB, table, column, definition string) error {
	exists, err := ColumnExists(db, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	query := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition)
	if _, err := db.Exec(query); err != nil {
		return fmt.Errorf("adding column %s.%s: %w", table, column, err)
	}
	return nil
}

// ColumnExists checks if a column exists in a table.
func ColumnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, err
	}
	defer func() {
		_ = rows.Close()
	}()

	for rows.Next() {
		var cid int
		var name, colType string
		var notNull int
		var defaultValue sql.NullString
		var pk int
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultValue, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
