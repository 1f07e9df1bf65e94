package db

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/sirupsen/logrus"
)

// fixtures is the sample urban-object schema used by integration tests and
// local setups. The importer itself never creates or alters tables.
//
//go:embed migrations/*.sql
var fixtures embed.FS

// RunMigrations applies the embedded fixture migrations.
func RunMigrations(config Config, log *logrus.Entry) error {
	if log == nil {
		log = nopLogger()
	}

	source, err := iofs.New(fixtures, "migrations")
	if err != nil {
		return fmt.Errorf("failed to read migrations: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, config.URL("pgx5"))
	if err != nil {
		return fmt.Errorf("failed to initialise migrations: %w", err)
	}
	defer func() {
		if srcErr, dbErr := m.Close(); srcErr != nil || dbErr != nil {
			log.WithField("source_error", srcErr).WithField("database_error", dbErr).Warn("failed to close migrator")
		}
	}()

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			log.Debug("fixture migrations already applied")
			return nil
		}
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	version, _, _ := m.Version()
	log.WithField("version", version).Info("fixture migrations applied")
	return nil
}
