package migrate

import (
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

// DefaultDir is where migrations live when the config leaves the
// directory unset.
const DefaultDir = "db/migrations"

// Run applies every pending goose migration from dir against the
// database at dsn. It uses a short-lived connection of its own rather
// than the store's pool; startup runs it before the pool exists.
func Run(dsn, dir string) error {
	if dir == "" {
		dir = DefaultDir
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open migration db: %w", err)
	}
	defer db.Close()

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.Up(db, dir); err != nil {
		return fmt.Errorf("apply migrations from %s: %w", dir, err)
	}
	return nil
}
