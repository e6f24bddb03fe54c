package migration

import (
	"strings"
	"testing"
)

func TestDiffSchemas_AddColumn(t *testing.T) {
	oldDDL := `CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT NOT NULL);`
	newDDL := `CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT NOT NULL, email TEXT);`

	upSQL, downSQL := DiffSchemas(oldDDL, newDDL)

	if !strings.Contains(upSQL, "ADD COLUMN email") {
		t.Errorf("up should add email column, got: %s", upSQL)
	}
	if !strings.Contains(downSQL, "DROP COLUMN email") {
		t.Errorf("down should drop email column, got: %s", downSQL)
	}
}

func TestDiffSchemas_DropColumn(t *testing.T) {
	oldDDL := `CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT NOT NULL, email TEXT);`
	newDDL := `CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT NOT NULL);`

	upSQL, downSQL := DiffSchemas(oldDDL, newDDL)

	if !strings.Contains(upSQL, "DROP COLUMN email") {
		t.Errorf("up should drop email column, got: %s", upSQL)
	}
	if !strings.Contains(downSQL, "ADD COLUMN email") {
		t.Errorf("down should add email column, got: %s", downSQL)
	}
}

func TestDiffSchemas_AddTable(t *testing.T) {
	oldDDL := `CREATE TABLE users (id INTEGER PRIMARY KEY);`
	newDDL := `CREATE TABLE users (id INTEGER PRIMARY KEY);
CREATE TABLE posts (id INTEGER PRIMARY KEY, user_id INTEGER);`

	upSQL, downSQL := DiffSchemas(oldDDL, newDDL)

	if !strings.Contains(upSQL, "CREATE TABLE IF NOT EXISTS posts") {
		t.Errorf("up should create posts table, got: %s", upSQL)
	}
	if !strings.Contains(downSQL, "DROP TABLE") {
		t.Errorf("down should drop posts table, got: %s", downSQL)
	}
}

func TestDiffSchemas_DropTable(t *testing.T) {
	oldDDL := `CREATE TABLE users (id INTEGER PRIMARY KEY);
CREATE TABLE posts (id INTEGER PRIMARY KEY);`
	newDDL := `CREATE TABLE users (id INTEGER PRIMARY KEY);`

	upSQL, downSQL := DiffSchemas(oldDDL, newDDL)

	if !strings.Contains(upSQL, "DROP TABLE IF EXISTS posts") {
		t.Errorf("up should drop posts table, got: %s", upSQL)
	}
	if !strings.Contains(downSQL, "CREATE TABLE") {
		t.Errorf("down should recreate posts table, got: %s", downSQL)
	}
}

func TestDiffSchemas_AddIndex(t *testing.T) {
	oldDDL := `CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT);`
	newDDL := `CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT);
CREATE INDEX idx_users_name ON users (name);`

	upSQL, downSQL := DiffSchemas(oldDDL, newDDL)

	if !strings.Contains(upSQL, "CREATE INDEX") {
		t.Errorf("up should create index, got: %s", upSQL)
	}
	if !strings.Contains(downSQL, "DROP INDEX") {
		t.Errorf("down should drop index, got: %s", downSQL)
	}
}

func TestDiffSchemas_NoChange(t *testing.T) {
	ddl := `CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT);`

	upSQL, downSQL := DiffSchemas(ddl, ddl)

	if upSQL != "" {
		t.Errorf("expected empty up, got: %s", upSQL)
	}
	if downSQL != "" {
		t.Errorf("expected empty down, got: %s", downSQL)
	}
}

func TestParseTables(t *testing.T) {
	ddl := `CREATE TABLE users (
    id INTEGER PRIMARY KEY,
    name TEXT NOT NULL,
    email TEXT
);
CREATE TABLE posts (
    id INTEGER PRIMARY KEY,
    title TEXT
);`

	tables := parseTables(ddl)
	if len(tables) != 2 {
		t.Fatalf("expected 2 tables, got %d", len(tables))
	}

	users, ok := tables["users"]
	if !ok {
		t.Fatal("missing users table")
	}
	if len(users.columns) != 3 {
		t.Errorf("expected 3 columns in users, got %d", len(users.columns))
	}
}

func TestParseIndexes(t *testing.T) {
	ddl := `CREATE INDEX idx_users_name ON users (name);
CREATE UNIQUE INDEX idx_users_email ON users (email);`

	indexes := parseIndexes(ddl)
	if len(indexes) != 2 {
		t.Fatalf("expected 2 indexes, got %d", len(indexes))
	}
	if _, ok := indexes["idx_users_name"]; !ok {
		t.Error("missing idx_users_name")
	}
	if _, ok := indexes["idx_users_email"]; !ok {
		t.Error("missing idx_users_email")
	}
}

func TestDiffSchemas_DownReversesUp(t *testing.T) {
	oldDDL := `CREATE TABLE users (id INTEGER PRIMARY KEY);`
	newDDL := `CREATE TABLE users (id INTEGER PRIMARY KEY, email TEXT);
CREATE TABLE audit (id INTEGER PRIMARY KEY, note TEXT);
CREATE INDEX idx_audit_note ON audit (note);`

	upSQL, downSQL := DiffSchemas(oldDDL, newDDL)

	up := strings.Split(upSQL, "\n")
	if !strings.HasPrefix(up[0], "CREATE TABLE IF NOT EXISTS audit") {
		t.Errorf("expected audit table first in up, got: %s", up[0])
	}
	if last := up[len(up)-1]; !strings.HasPrefix(last, "CREATE INDEX idx_audit_note") {
		t.Errorf("expected index last in up, got: %s", last)
	}
	if !strings.HasPrefix(downSQL, "DROP INDEX IF EXISTS idx_audit_note;") {
		t.Errorf("expected down to start by dropping the index, got: %s", downSQL)
	}
	if !strings.HasSuffix(downSQL, "DROP TABLE IF EXISTS audit;") {
		t.Errorf("expected down to end by dropping audit, got: %s", downSQL)
	}
}
