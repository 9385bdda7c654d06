package database

import (
	"testing"
)

func TestOpenMigratesMemoryDatabase(t *testing.T) {
	db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	var n int
	err = db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'webhook_events'`).Scan(&n)
	if err != nil {
		t.Fatalf("query schema: %v", err)
	}
	if n != 1 {
		t.Fatalf("webhook_events tables = %d, want 1", n)
	}
}

func TestMigrateDownAndUp(t *testing.T) {
	db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := Migrate(db, "down"); err != nil {
		t.Fatalf("down: %v", err)
	}
	var n int
	db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE name = 'webhook_events'`).Scan(&n)
	if n != 0 {
		t.Fatalf("table still present after down")
	}
	if err := Migrate(db, "up"); err != nil {
		t.Fatalf("up: %v", err)
	}
}

func TestMigrateUnknownCommand(t *testing.T) {
	db, err := OpenUnmigrated(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := Migrate(db, "sideways"); err == nil {
		t.Fatal("expected error for unknown command")
	}
}
