// Package database provides SQLite connectivity for the resolver's
// persistent stores (currently the command log).
//
// This package manages:
//   - Database connection with WAL mode for concurrent access
//   - Schema migrations registered by the migrations package
//   - Connection pooling and lifecycle management
//
// All queries use parameterised statements and the database file is
// created with 0600 permissions.
//
// Usage:
//
//	db, err := database.Open(ctx, cfg.Database)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	if _, err := db.Migrate(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// Migration files are named YYYYMMDD_HHMMSS_description.up.sql with an
// optional matching .down.sql. Migrations are additive: new columns must be
// NULLABLE or carry a DEFAULT.
package database
