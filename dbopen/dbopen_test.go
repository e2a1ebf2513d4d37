package dbopen_test

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/maridot/docmill/dbopen"
)

func TestOpenAppliesPragmas(t *testing.T) {
	db := dbopen.OpenMemory(t)

	var fk, sync, busy int
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&fk); err != nil {
		t.Fatal(err)
	}
	if fk != 1 {
		t.Errorf("foreign_keys = %d, want 1", fk)
	}
	if err := db.QueryRow("PRAGMA synchronous").Scan(&sync); err != nil {
		t.Fatal(err)
	}
	if sync != 1 {
		t.Errorf("synchronous = %d, want 1 (NORMAL)", sync)
	}
	if err := db.QueryRow("PRAGMA busy_timeout").Scan(&busy); err != nil {
		t.Fatal(err)
	}
	if busy != 10_000 {
		t.Errorf("busy_timeout = %d, want 10000", busy)
	}

	// :memory: reports journal_mode "memory"; a file database reports "wal".
	var mode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatal(err)
	}
	if mode != "wal" && mode != "memory" {
		t.Errorf("journal_mode = %q, want wal or memory", mode)
	}
}

func TestWithBusyTimeout(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithBusyTimeout(5000))

	var busy int
	if err := db.QueryRow("PRAGMA busy_timeout").Scan(&busy); err != nil {
		t.Fatal(err)
	}
	if busy != 5000 {
		t.Fatalf("busy_timeout = %d, want 5000", busy)
	}
}

// Stores run their schema on every New, so reopening the same file with
// the same WithSchema must succeed and keep existing rows.
func TestWithSchemaReopenIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "docmill.db")
	schema := `CREATE TABLE IF NOT EXISTS widgets (id TEXT PRIMARY KEY, name TEXT)`

	db, err := dbopen.Open(path, dbopen.WithSchema(schema))
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO widgets (id, name) VALUES ('1', 'hello')`); err != nil {
		t.Fatalf("insert: %v", err)
	}
	db.Close()

	db, err = dbopen.Open(path, dbopen.WithSchema(schema))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()

	var name string
	if err := db.QueryRow(`SELECT name FROM widgets WHERE id = '1'`).Scan(&name); err != nil {
		t.Fatal(err)
	}
	if name != "hello" {
		t.Fatalf("name = %q, want hello", name)
	}
}

func TestWithMkdirAll(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "db", "docmill.db")

	db, err := dbopen.Open(path, dbopen.WithMkdirAll())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	if _, err := os.Stat(filepath.Dir(path)); err != nil {
		t.Fatalf("parent directory not created: %v", err)
	}
}

func TestIsBusy(t *testing.T) {
	for _, tt := range []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("no such table: widgets"), false},
		{errors.New("SQLITE_BUSY"), true},
		{errors.New("queue claim: SQLITE_BUSY (5)"), true},
		{errors.New("database is locked"), true},
		{errors.New("database table is locked"), true},
	} {
		if got := dbopen.IsBusy(tt.err); got != tt.want {
			t.Errorf("IsBusy(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestRunTx(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(`CREATE TABLE counters (id TEXT PRIMARY KEY, n INTEGER)`))
	ctx := context.Background()

	t.Run("commit", func(t *testing.T) {
		err := dbopen.RunTx(ctx, db, func(tx *sql.Tx) error {
			_, err := tx.Exec(`INSERT INTO counters (id, n) VALUES ('a', 1)`)
			return err
		})
		if err != nil {
			t.Fatalf("RunTx: %v", err)
		}

		var n int
		if err := db.QueryRow(`SELECT n FROM counters WHERE id = 'a'`).Scan(&n); err != nil {
			t.Fatal(err)
		}
		if n != 1 {
			t.Fatalf("n = %d, want 1", n)
		}
	})

	t.Run("rollback on error", func(t *testing.T) {
		sentinel := errors.New("abort")
		err := dbopen.RunTx(ctx, db, func(tx *sql.Tx) error {
			tx.Exec(`INSERT INTO counters (id, n) VALUES ('b', 2)`)
			return sentinel
		})
		if !errors.Is(err, sentinel) {
			t.Fatalf("RunTx error = %v, want sentinel", err)
		}

		var count int
		db.QueryRow(`SELECT COUNT(*) FROM counters WHERE id = 'b'`).Scan(&count)
		if count != 0 {
			t.Fatalf("rolled-back row visible, count = %d", count)
		}
	})

	t.Run("cancelled context", func(t *testing.T) {
		cancelled, cancel := context.WithCancel(context.Background())
		cancel()
		err := dbopen.RunTx(cancelled, db, func(tx *sql.Tx) error { return nil })
		if err == nil {
			t.Fatal("expected error on cancelled context")
		}
	})
}

func TestExec(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(`CREATE TABLE events (id TEXT PRIMARY KEY)`))

	res, err := dbopen.Exec(context.Background(), db, `INSERT INTO events (id) VALUES (?)`, "e1")
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		t.Fatalf("rows affected = %d, want 1", n)
	}
}
