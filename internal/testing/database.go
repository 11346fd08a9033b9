// Package testing holds helpers shared by vetta's package tests.
package testing

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/teranos/vetta/db"
)

// CreateTestDB creates a migrated SQLite database in a temporary directory.
// A file is used rather than :memory: so every pooled connection sees the
// same schema. Cleanup is registered via t.Cleanup().
func CreateTestDB(t *testing.T) *sql.DB {
	t.Helper()

	conn, err := db.OpenWithMigrations(filepath.Join(t.TempDir(), "vetta.db"), nil)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}

	t.Cleanup(func() {
		conn.Close()
	})

	return conn
}
