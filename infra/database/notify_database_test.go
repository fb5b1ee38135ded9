package database

import (
	"context"
	"errors"
	"testing"

	"github.com/jmoiron/sqlx"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), "sqlite::memory:", nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpen_MigratesSQLite(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	v, err := Version(ctx, db)
	if err != nil {
		t.Fatal(err)
	}
	if v != migrations[len(migrations)-1].version {
		t.Errorf("Version() = %d, want %d", v, migrations[len(migrations)-1].version)
	}

	// re-running is a no-op
	if err := Migrate(ctx, db); err != nil {
		t.Fatalf("second Migrate() error = %v", err)
	}
	var rows int
	if err := db.GetContext(ctx, &rows, `SELECT COUNT(*) FROM schema_version`); err != nil {
		t.Fatal(err)
	}
	if rows != len(migrations) {
		t.Errorf("schema_version rows = %d, want %d", rows, len(migrations))
	}
}

func TestOpen_UnsupportedScheme(t *testing.T) {
	if _, err := Open(context.Background(), "mysql://localhost/db", nil); err == nil {
		t.Fatal("expected error for unsupported scheme")
	}
}

func TestInTx(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	insert := db.Rebind(`INSERT INTO accounts (account_id, blacklisted, created_at) VALUES (?, ?, ?)`)

	err := db.InTx(ctx, func(s sqlx.ExtContext) error {
		_, err := s.ExecContext(ctx, insert, "committed", false, 1)
		return err
	})
	if err != nil {
		t.Fatalf("InTx() error = %v", err)
	}

	boom := errors.New("boom")
	err = db.InTx(ctx, func(s sqlx.ExtContext) error {
		if _, err := s.ExecContext(ctx, insert, "rolled-back", false, 1); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("InTx() error = %v, want boom", err)
	}

	var ids []string
	if err := sqlx.SelectContext(ctx, db.Session(), &ids, `SELECT account_id FROM accounts ORDER BY account_id`); err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != "committed" {
		t.Errorf("accounts = %v, want [committed]", ids)
	}
}

func TestSplitStatements(t *testing.T) {
	got := splitStatements("CREATE TABLE a (x INT);\n\n CREATE INDEX i ON a(x);  ")
	if len(got) != 2 || got[1] != "CREATE INDEX i ON a(x)" {
		t.Errorf("splitStatements() = %q", got)
	}
}
