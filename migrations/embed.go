// Package migrations embeds the SQLite schema into the binary.
//
// Importing this package registers the files with the database package, so
// the sqlite storage backend can migrate without SQL files on disk.
package migrations

import (
	"embed"

	"github.com/nerrad567/kura-gateway/internal/infrastructure/database"
)

//go:embed *.sql
var migrationsFS embed.FS

func init() {
	database.MigrationsFS = migrationsFS
	database.MigrationsDir = "."
}
