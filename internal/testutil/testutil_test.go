package testutil

import (
	"testing"
)

func TestSetupTestDB(t *testing.T) {
	db, cleanup := SetupTestDB(t, "TestSetupTestDB")
	defer cleanup()

	if db == nil {
		t.Fatal("Expected non-nil database")
	}

	var result string
	if err := db.QueryRow("SELECT 'test'").Scan(&result); err != nil {
		t.Errorf("Test query failed: %v", err)
	}
	if result != "test" {
		t.Errorf("Expected 'test', got '%s'", result)
	}

	var fk int
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&fk); err != nil {
		t.Errorf("Reading foreign_keys pragma failed: %v", err)
	}
	if fk != 1 {
		t.Errorf("Expected foreign keys enabled, got %d", fk)
	}
}

func TestSetupTestDBWithMigrations(t *testing.T) {
	db, cleanup := SetupTestDBWithMigrations(t, "TestSetupTestDBWithMigrations")
	defer cleanup()

	tables := []string{"schema_migrations", "nodes", "workshops", "sessions", "machines"}
	for _, table := range tables {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		if err != nil {
			t.Errorf("Error checking for table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("Expected table %s to exist", table)
		}
	}
}

func TestSetupTestDB_Isolation(t *testing.T) {
	db1, cleanup1 := SetupTestDB(t, "TestSetupTestDB_Isolation_1")
	defer cleanup1()
	db2, cleanup2 := SetupTestDB(t, "TestSetupTestDB_Isolation_2")
	defer cleanup2()

	if _, err := db1.Exec("CREATE TABLE only_here (id INTEGER)"); err != nil {
		t.Fatalf("Failed to create table: %v", err)
	}

	var count int
	if err := db2.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE name = 'only_here'").Scan(&count); err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if count != 0 {
		t.Errorf("Expected databases to be isolated")
	}
}
