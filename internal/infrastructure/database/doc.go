// Package database provides the SQLite connection that holds the
// simulator's local state: broker credentials per device and the
// settings documents modules persist (door schedule, flock).
//
// The connection runs in WAL mode with a busy timeout and a single
// writer. Schema changes are plain .up.sql/.down.sql files embedded by
// the migrations package and applied with Migrate.
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
