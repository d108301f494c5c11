package backend

import (
	"context"
	"path/filepath"
	"testing"

	"qms/clinic-queue/internal/store"
)

func TestKind(t *testing.T) {
	cases := map[string]string{
		"postgres://user@localhost/clinic":   "postgres",
		"POSTGRESQL://user@localhost/clinic": "postgres",
		"clinic-queue.db":                    "sqlite",
		"sqlite:///var/lib/clinic.db":        "sqlite",
		"file:clinic.db?mode=rwc":            "sqlite",
	}
	for dsn, want := range cases {
		if got := Kind(dsn); got != want {
			t.Fatalf("Kind(%q) = %s, want %s", dsn, got, want)
		}
	}
}

func TestOpenSQLiteAndMigrate(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "clinic.db")
	st, err := Open(ctx, "sqlite://"+path, store.Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer st.Close()

	applied, err := st.Migrate(ctx, nil)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if applied == 0 {
		t.Fatalf("expected migrations to run on a fresh database")
	}
	applied, err = st.Migrate(ctx, nil)
	if err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	if applied != 0 {
		t.Fatalf("expected no pending migrations, got %d", applied)
	}
	if err := st.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
}
