// Package database provides the SQLite connection that backs the audit log.
//
// Migrations are plain SQL files embedded by the migrations package and
// passed to Migrate as an fs.FS, so tests can supply their own set.
// Migrations are additive: new columns are nullable or defaulted, and each
// .up.sql has a .down.sql.
//
// Usage:
//
//	db, err := database.Open(database.Config{Path: cfg.Database.Path, WALMode: true, BusyTimeout: 5})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
package database
