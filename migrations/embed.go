// Package migrations embeds SQL migration files into the binary.
//
// Importing this package for its side effect registers the files with the
// database package, so the resolver can migrate without the SQL on disk.
package migrations

import (
	"embed"

	"github.com/nrkno/sofie-timeline-state-resolver-sub006/internal/infrastructure/database"
)

//go:embed *.sql
var migrationsFS embed.FS

func init() {
	database.MigrationsFS = migrationsFS
	database.MigrationsDir = "."
}
