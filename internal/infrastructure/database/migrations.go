package database

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"
)

// Migration filename parsing constants.
const (
	// migrationFilenameParts is the expected number of parts in a migration filename.
	// Format: YYYYMMDD_HHMMSS_description.up.sql (3 parts when split by "_")
	migrationFilenameParts = 3

	// minVersionParts is the minimum parts needed to extract a version.
	minVersionParts = 2
)

// MigrationsFS holds the migration files. The migrations package registers
// its embedded files here; tests may substitute an fstest.MapFS.
// A nil MigrationsFS means there is nothing to migrate.
var MigrationsFS fs.FS

// MigrationsDir is the directory within MigrationsFS containing migration files.
// Can be set to "." if files are at the root of the embedded filesystem.
var MigrationsDir = "migrations"

// Migration represents a single database migration.
type Migration struct {
	// Version is the migration version number (extracted from filename).
	// Format: YYYYMMDD_HHMMSS (e.g., 20260118_120000)
	Version string

	// Name is the human-readable migration name.
	Name string

	// UpSQL contains the SQL to apply this migration.
	UpSQL string

	// DownSQL contains the SQL to rollback this migration.
	DownSQL string
}

// MigrationRecord represents a row in the schema_migrations table.
type MigrationRecord struct {
	Version   string
	AppliedAt time.Time
}

// Migrate applies every pending migration in version order, each in its
// own transaction. A failing migration is rolled back and later ones are not
// attempted; earlier ones stay committed, so re-running Migrate resumes at
// the failed version.
//
// Returns:
//   - int: number of migrations applied by this call
//   - error: wrapping the failed version and name
func (db *DB) Migrate(ctx context.Context) (int, error) {
	if err := db.createMigrationsTable(ctx); err != nil {
		return 0, fmt.Errorf("creating migrations table: %w", err)
	}

	status, err := db.SchemaStatus(ctx)
	if err != nil {
		return 0, err
	}

	for i, m := range status.Pending {
		if err := db.applyMigration(ctx, m); err != nil {
			return i, fmt.Errorf("applying migration %s (%s): %w", m.Version, m.Name, err)
		}
	}
	return len(status.Pending), nil
}

// MigrateDown reverts the newest applied migration. It is a no-op on a
// fresh database and fails with ErrNoDownSQL for one-way migrations.
func (db *DB) MigrateDown(ctx context.Context) error {
	if err := db.createMigrationsTable(ctx); err != nil {
		return fmt.Errorf("creating migrations table: %w", err)
	}
	status, err := db.SchemaStatus(ctx)
	if err != nil {
		return err
	}
	if status.Version == "" {
		return nil
	}

	all, err := loadMigrations()
	if err != nil {
		return fmt.Errorf("loading migrations: %w", err)
	}
	i := sort.Search(len(all), func(i int) bool { return all[i].Version >= status.Version })
	if i == len(all) || all[i].Version != status.Version {
		return fmt.Errorf("%w: %s", ErrMigrationNotFound, status.Version)
	}
	m := all[i]
	if m.DownSQL == "" {
		return fmt.Errorf("%w: %s", ErrNoDownSQL, m.Version)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, m.DownSQL); err != nil {
		return fmt.Errorf("reverting %s: %w", m.Version, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM schema_migrations WHERE version = ?", m.Version); err != nil {
		return fmt.Errorf("removing migration record: %w", err)
	}
	return tx.Commit()
}

// SchemaStatus describes the migration state of the command log database.
type SchemaStatus struct {
	// Version is the newest applied version, empty on a fresh database.
	Version string

	Applied []MigrationRecord
	Pending []Migration
}

// SchemaStatus compares the applied versions with the embedded files.
// The schema_migrations table must exist (Migrate creates it).
func (db *DB) SchemaStatus(ctx context.Context) (SchemaStatus, error) {
	applied, err := db.getAppliedMigrations(ctx)
	if err != nil {
		return SchemaStatus{}, fmt.Errorf("getting applied migrations: %w", err)
	}
	all, err := loadMigrations()
	if err != nil {
		return SchemaStatus{}, fmt.Errorf("loading migrations: %w", err)
	}

	st := SchemaStatus{Applied: applied, Pending: pendingMigrations(all, applied)}
	if n := len(applied); n > 0 {
		st.Version = applied[n-1].Version
	}
	return st, nil
}

func pendingMigrations(all []Migration, applied []MigrationRecord) []Migration {
	done := make(map[string]struct{}, len(applied))
	for _, r := range applied {
		done[r.Version] = struct{}{}
	}
	var pending []Migration
	for _, m := range all {
		if _, ok := done[m.Version]; !ok {
			pending = append(pending, m)
		}
	}
	return pending
}

// createMigrationsTable creates the schema_migrations table if it doesn't exist.
func (db *DB) createMigrationsTable(ctx context.Context) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TEXT NOT NULL
		)
	`)
	return err
}

// getAppliedMigrations returns all migrations that have been applied.
func (db *DB) getAppliedMigrations(ctx context.Context) ([]MigrationRecord, error) {
	rows, err := db.DB.QueryContext(ctx,
		"SELECT version, applied_at FROM schema_migrations ORDER BY version",
	)
	if err != nil {
		return nil, fmt.Errorf("querying migrations: %w", err)
	}
	defer rows.Close()

	var records []MigrationRecord
	for rows.Next() {
		var r MigrationRecord
		var appliedAt string
		if err := rows.Scan(&r.Version, &appliedAt); err != nil {
			return nil, fmt.Errorf("scanning migration row: %w", err)
		}
		r.AppliedAt, _ = time.Parse(time.RFC3339, appliedAt) //nolint:errcheck // written by applyMigration
		records = append(records, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating migrations: %w", err)
	}
	return records, nil
}

// applyMigration applies a single migration within a transaction.
func (db *DB) applyMigration(ctx context.Context, m Migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	if _, err := tx.ExecContext(ctx, m.UpSQL); err != nil {
		return fmt.Errorf("executing SQL: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)",
		m.Version,
		time.Now().UTC().Format(time.RFC3339),
	); err != nil {
		return fmt.Errorf("recording migration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing migration: %w", err)
	}
	return nil
}

// migrationFile is a parsed migration filename:
// YYYYMMDD_HHMMSS_name.up.sql or YYYYMMDD_HHMMSS_name.down.sql.
type migrationFile struct {
	version string
	name    string
	up      bool
}

func parseMigrationFilename(filename string) (migrationFile, bool) {
	base, ok := strings.CutSuffix(filename, ".sql")
	if !ok {
		return migrationFile{}, false
	}

	var f migrationFile
	if b, ok := strings.CutSuffix(base, ".up"); ok {
		f.up, base = true, b
	} else if b, ok := strings.CutSuffix(base, ".down"); ok {
		base = b
	} else {
		return migrationFile{}, false
	}

	parts := strings.SplitN(base, "_", migrationFilenameParts)
	if len(parts) < minVersionParts {
		return migrationFile{}, false
	}
	f.version = parts[0] + "_" + parts[1]
	f.name = base
	if len(parts) == migrationFilenameParts {
		f.name = parts[2]
	}
	return f, true
}

// loadMigrations reads MigrationsDir, pairing up and down files by version.
// Down files without an up file are ignored. The result is sorted by version.
func loadMigrations() ([]Migration, error) {
	if MigrationsFS == nil {
		return nil, nil
	}
	entries, err := fs.ReadDir(MigrationsFS, MigrationsDir)
	if err != nil {
		return nil, nil //nolint:nilerr // a missing directory means no migrations
	}

	byVersion := make(map[string]*Migration)
	var downs []migrationFile
	var downNames []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		f, ok := parseMigrationFilename(entry.Name())
		if !ok {
			continue
		}
		if !f.up {
			downs = append(downs, f)
			downNames = append(downNames, entry.Name())
			continue
		}
		sql, err := readMigration(entry.Name())
		if err != nil {
			return nil, err
		}
		byVersion[f.version] = &Migration{Version: f.version, Name: f.name, UpSQL: sql}
	}

	for i, f := range downs {
		m, ok := byVersion[f.version]
		if !ok {
			continue
		}
		sql, err := readMigration(downNames[i])
		if err != nil {
			return nil, err
		}
		m.DownSQL = sql
	}

	migrations := make([]Migration, 0, len(byVersion))
	for _, m := range byVersion {
		migrations = append(migrations, *m)
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Version < migrations[j].Version })
	return migrations, nil
}

func readMigration(name string) (string, error) {
	b, err := fs.ReadFile(MigrationsFS, path.Join(MigrationsDir, name))
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", name, err)
	}
	return string(b), nil
}
