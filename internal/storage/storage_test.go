package storage

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
)

func TestParseDriver(t *testing.T) {
	cases := map[string]Driver{
		"":           DriverSQLite,
		"sqlite3":    DriverSQLite,
		"PostgreSQL": DriverPostgres,
		"pgx":        DriverPostgres,
		"mariadb":    DriverMySQL,
	}
	for raw, want := range cases {
		got, err := ParseDriver(raw)
		if err != nil {
			t.Fatalf("ParseDriver(%q): %v", raw, err)
		}
		if got != want {
			t.Fatalf("ParseDriver(%q) = %q, want %q", raw, got, want)
		}
	}

	if _, err := ParseDriver("oracle"); err == nil {
		t.Fatal("expected unsupported driver error")
	}
}

func TestRebindPostgres(t *testing.T) {
	db := &DB{driver: DriverPostgres}
	got := db.Rebind(`UPDATE t SET a = ?, b = ? WHERE c = ?`)
	want := `UPDATE t SET a = $1, b = $2 WHERE c = $3`
	if got != want {
		t.Fatalf("Rebind = %q, want %q", got, want)
	}

	lite := &DB{driver: DriverSQLite}
	if q := lite.Rebind("SELECT ?"); q != "SELECT ?" {
		t.Fatalf("sqlite rebind changed query: %q", q)
	}
}

func TestOpenSQLiteDetectsUniqueViolation(t *testing.T) {
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "nested", "cadence.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	if err := db.Migrate(ctx, `CREATE TABLE kv (k VARCHAR(191) PRIMARY KEY, v TEXT NOT NULL)`); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := db.ExecContext(ctx, db.Rebind(`INSERT INTO kv (k, v) VALUES (?, ?)`), "a", "1"); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	_, err = db.ExecContext(ctx, db.Rebind(`INSERT INTO kv (k, v) VALUES (?, ?)`), "a", "2")
	if !IsUniqueViolation(err) {
		t.Fatalf("expected unique violation, got %v", err)
	}
	if IsUniqueViolation(nil) {
		t.Fatal("nil error must not be a unique violation")
	}
}

func TestIsNotFound(t *testing.T) {
	if !IsNotFound(sql.ErrNoRows) {
		t.Fatal("expected sql.ErrNoRows to be not found")
	}
	if IsNotFound(errors.New("boom")) {
		t.Fatal("unexpected not found")
	}
}
