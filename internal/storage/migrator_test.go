package storage

import (
	"reflect"
	"strings"
	"testing"
	"testing/fstest"
)

func TestSplitStatements(t *testing.T) {
	tests := []struct {
		name string
		sql  string
		want []string
	}{
		{
			name: "single statement",
			sql:  "CREATE TABLE test (id INT)",
			want: []string{"CREATE TABLE test (id INT)"},
		},
		{
			name: "multiple statements",
			sql:  "CREATE TABLE a (id INT); CREATE TABLE b (id INT)",
			want: []string{"CREATE TABLE a (id INT)", "CREATE TABLE b (id INT)"},
		},
		{
			name: "semicolon in string",
			sql:  "INSERT INTO t VALUES ('hello; world')",
			want: []string{"INSERT INTO t VALUES ('hello; world')"},
		},
		{
			name: "escaped quote",
			sql:  "INSERT INTO t VALUES ('it''s; fine'); SELECT 1",
			want: []string{"INSERT INTO t VALUES ('it''s; fine')", "SELECT 1"},
		},
		{
			name: "comments dropped",
			sql:  "-- Comment\nCREATE TABLE a (id INT);\n  -- Another comment\nCREATE TABLE b (id INT)",
			want: []string{"CREATE TABLE a (id INT)", "CREATE TABLE b (id INT)"},
		},
		{
			name: "only comments",
			sql:  "-- nothing here;\n",
			want: nil,
		},
		{
			name: "empty",
			sql:  "   \n\t  ",
			want: nil,
		},
		{
			name: "trailing semicolon",
			sql:  "CREATE TABLE test (id INT);",
			want: []string{"CREATE TABLE test (id INT)"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := splitStatements(tt.sql); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("splitStatements() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLoadMigrations(t *testing.T) {
	fsys := fstest.MapFS{
		"migrations/002_second.sql": {Data: []byte("SELECT 2")},
		"migrations/001_first.sql":  {Data: []byte("SELECT 1")},
		"migrations/readme.md":      {Data: []byte("ignored")},
		"migrations/bad_name.sql":   {Data: []byte("ignored")},
	}

	got, err := loadMigrations(fsys)
	if err != nil {
		t.Fatalf("loadMigrations() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("loadMigrations() returned %d, want 2", len(got))
	}
	if got[0].Version != 1 || got[0].Name != "first" || got[1].Version != 2 {
		t.Errorf("loadMigrations() = %+v", got)
	}
}

func TestEmbeddedMigrations(t *testing.T) {
	migrations, err := loadMigrations(migrationFiles)
	if err != nil {
		t.Fatalf("loadMigrations() error = %v", err)
	}

	tables := []string{TableIncidentEvents, TableCorrelations, TableResponseExecutions}
	if len(migrations) < len(tables) {
		t.Fatalf("embedded migrations = %d, want at least %d", len(migrations), len(tables))
	}
	for i, table := range tables {
		if !strings.Contains(migrations[i].SQL, "CREATE TABLE IF NOT EXISTS "+table) {
			t.Errorf("migration %d does not create %s", migrations[i].Version, table)
		}
		for _, stmt := range splitStatements(migrations[i].SQL) {
			if strings.HasPrefix(stmt, "--") {
				t.Errorf("statement kept a comment prefix: %q", stmt)
			}
		}
	}
}
