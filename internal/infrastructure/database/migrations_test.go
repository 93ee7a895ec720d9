package database

import (
	"context"
	"testing"
	"testing/fstest"
)

func testMigrations() fstest.MapFS {
	return fstest.MapFS{
		"20260101_000000_widgets.up.sql":   {Data: []byte("CREATE TABLE widgets (id INTEGER PRIMARY KEY);")},
		"20260101_000000_widgets.down.sql": {Data: []byte("DROP TABLE widgets;")},
		"20260102_000000_gadgets.up.sql":   {Data: []byte("CREATE TABLE gadgets (id INTEGER PRIMARY KEY);")},
		"README.md":                        {Data: []byte("ignored")},
		"20260103_000000_orphan.down.sql":  {Data: []byte("DROP TABLE nothing;")},
	}
}

func tableExists(t *testing.T, db *DB, name string) bool {
	t.Helper()
	var n int
	err := db.QueryRowContext(context.Background(),
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", name).Scan(&n)
	if err != nil {
		t.Fatalf("sqlite_master query: %v", err)
	}
	return n == 1
}

func TestMigrate(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	fsys := testMigrations()

	if err := db.Migrate(ctx, fsys); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	for _, table := range []string{"widgets", "gadgets"} {
		if !tableExists(t, db, table) {
			t.Errorf("table %s not created", table)
		}
	}

	applied, pending, err := db.MigrationStatus(ctx, fsys)
	if err != nil {
		t.Fatalf("MigrationStatus() error = %v", err)
	}
	if len(applied) != 2 || len(pending) != 0 {
		t.Errorf("applied = %d, pending = %d; want 2, 0", len(applied), len(pending))
	}
	if applied[0].AppliedAt.IsZero() {
		t.Error("AppliedAt not recorded")
	}

	// Idempotent.
	if err := db.Migrate(ctx, fsys); err != nil {
		t.Fatalf("second Migrate() error = %v", err)
	}
}

func TestMigrate_FailureRollsBackOnlyThatMigration(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	fsys := fstest.MapFS{
		"20260101_000000_good.up.sql":  {Data: []byte("CREATE TABLE good (id INTEGER);")},
		"20260102_000000_bad.up.sql":   {Data: []byte("CREATE TABLE broken (;")},
		"20260103_000000_later.up.sql": {Data: []byte("CREATE TABLE later (id INTEGER);")},
	}

	if err := db.Migrate(ctx, fsys); err == nil {
		t.Fatal("Migrate() error = nil, want failure")
	}
	if !tableExists(t, db, "good") {
		t.Error("earlier migration not kept")
	}
	if tableExists(t, db, "later") {
		t.Error("migration after the failure was applied")
	}

	_, pending, err := db.MigrationStatus(ctx, fsys)
	if err != nil {
		t.Fatalf("MigrationStatus() error = %v", err)
	}
	if len(pending) != 2 || pending[0].Name != "bad" {
		t.Errorf("pending = %+v, want bad and later", pending)
	}
}

func TestMigrateDown(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	fsys := testMigrations()
	fsys["20260102_000000_gadgets.down.sql"] = &fstest.MapFile{Data: []byte("DROP TABLE gadgets;")}

	if err := db.Migrate(ctx, fsys); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	if err := db.MigrateDown(ctx, fsys); err != nil {
		t.Fatalf("MigrateDown() error = %v", err)
	}
	if tableExists(t, db, "gadgets") {
		t.Error("gadgets still exists after MigrateDown")
	}
	if !tableExists(t, db, "widgets") {
		t.Error("widgets dropped; only the latest migration should roll back")
	}

	delete(fsys, "20260101_000000_widgets.down.sql")
	if err := db.MigrateDown(ctx, fsys); err == nil {
		t.Error("MigrateDown() without down SQL returned nil")
	}
}

func TestMigrateDown_NothingApplied(t *testing.T) {
	db := openTestDB(t)
	if err := db.MigrateDown(context.Background(), testMigrations()); err != nil {
		t.Errorf("MigrateDown() on empty database = %v", err)
	}
}

func TestLoadMigrations(t *testing.T) {
	migs, err := LoadMigrations(testMigrations())
	if err != nil {
		t.Fatalf("LoadMigrations() error = %v", err)
	}
	if len(migs) != 2 {
		t.Fatalf("got %d migrations, want 2 (orphan down and README ignored)", len(migs))
	}
	if migs[0].Version != "20260101_000000" || migs[0].Name != "widgets" || migs[0].DownSQL == "" {
		t.Errorf("migs[0] = %+v", migs[0])
	}
	if migs[1].Name != "gadgets" || migs[1].DownSQL != "" {
		t.Errorf("migs[1] = %+v", migs[1])
	}

	if migs, err := LoadMigrations(nil); err != nil || migs != nil {
		t.Errorf("LoadMigrations(nil) = %v, %v", migs, err)
	}
}

func TestParseMigrationFilename(t *testing.T) {
	tests := []struct {
		file    string
		version string
		name    string
		up, ok  bool
	}{
		{"20260118_120000_audit_log.up.sql", "20260118_120000", "audit_log", true, true},
		{"20260118_120000_audit_log.down.sql", "20260118_120000", "audit_log", false, true},
		{"20260118_120000.up.sql", "20260118_120000", "20260118_120000", true, true},
		{"20260118.up.sql", "", "", false, false},
		{"notes.txt", "", "", false, false},
		{"20260118_120000_x.sql", "", "", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.file, func(t *testing.T) {
			v, n, up, ok := parseMigrationFilename(tt.file)
			if v != tt.version || n != tt.name || up != tt.up || ok != tt.ok {
				t.Errorf("parseMigrationFilename() = %q, %q, %v, %v", v, n, up, ok)
			}
		})
	}
}
