package postgres

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// ErrNoChange is returned when a migration run has nothing to do.
var ErrNoChange = migrate.ErrNoChange

// RunMigrations applies the embedded migrations in the given direction,
// "up" or "down". A run that is already at the target version returns nil.
func RunMigrations(dsn, direction string) error {
	if dsn == "" {
		return errors.New("postgres: empty DSN")
	}
	if direction != "up" && direction != "down" {
		return fmt.Errorf("postgres: direction must be up or down, got %q", direction)
	}

	src, err := iofs.New(MigrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("migrate source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, dsn)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	defer func() { _, _ = m.Close() }()

	if direction == "up" {
		err = m.Up()
	} else {
		err = m.Down()
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}
