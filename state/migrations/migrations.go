package migrations

import (
	"database/sql"
	"embed"

	"github.com/pressly/goose/v3"
)

// All migrations in this package are Go migrations registered in init(), so goose is
// pointed at an empty filesystem rather than the working directory.
var noSQLMigrations embed.FS

// Up applies every pending migration to db.
func Up(db *sql.DB) error {
	goose.SetBaseFS(noSQLMigrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.Up(db, ".", goose.WithAllowMissing())
}
