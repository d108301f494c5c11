package migration

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"testing/fstest"

	_ "modernc.org/sqlite"
)

func TestReadFilesSortsAndValidates(t *testing.T) {
	fsys := fstest.MapFS{
		"0002_second.sql": {Data: []byte("CREATE TABLE b (id INTEGER);")},
		"0001_first.sql":  {Data: []byte("CREATE TABLE a (id INTEGER);")},
		"README.md":       {Data: []byte("ignored")},
	}
	migrations, err := ReadFiles(fsys)
	if err != nil {
		t.Fatalf("read files: %v", err)
	}
	if len(migrations) != 2 || migrations[0].Name != "first" || migrations[1].Version != 2 {
		t.Fatalf("unexpected migrations: %+v", migrations)
	}

	if _, err := ReadFiles(fstest.MapFS{"bad.sql": {Data: []byte("")}}); err == nil {
		t.Fatalf("expected error for filename without version")
	}
	if _, err := ReadFiles(fstest.MapFS{
		"0001_a.sql": {Data: []byte("")},
		"001_b.sql":  {Data: []byte("")},
	}); err == nil {
		t.Fatalf("expected error for duplicate versions")
	}
}

func TestPendingRejectsNewerDatabase(t *testing.T) {
	all := []Migration{{Version: 1}, {Version: 2}}
	if _, err := Pending(all, 3); err == nil {
		t.Fatalf("expected error when database is ahead")
	}
	pending, err := Pending(all, 1)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 || pending[0].Version != 2 {
		t.Fatalf("unexpected pending: %+v", pending)
	}
}

func TestRunnerAppliesOnce(t *testing.T) {
	ctx := context.Background()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "migrate.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	fsys := fstest.MapFS{
		"0001_init.sql": {Data: []byte("CREATE TABLE widgets (id INTEGER PRIMARY KEY);")},
	}
	runner := NewRunner(db, fsys)

	applied, err := runner.Apply(ctx, nil)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if applied != 1 {
		t.Fatalf("expected 1 applied, got %d", applied)
	}
	applied, err = runner.Apply(ctx, nil)
	if err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if applied != 0 {
		t.Fatalf("expected no migrations on second run, got %d", applied)
	}
	version, err := runner.CurrentVersion(ctx)
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if version != 1 {
		t.Fatalf("expected version 1, got %d", version)
	}
}
