// Package migration applies the database schema. Postgres runs the embedded
// versioned SQL; other dialects fall back to gorm auto-migration, which is
// what the test databases use.
package migration

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/smallbiznis/voltara/internal/config"
	consumptiondomain "github.com/smallbiznis/voltara/internal/consumption/domain"
	transactiondomain "github.com/smallbiznis/voltara/internal/transaction/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed sql/*.sql
var migrations embed.FS

// Run brings the schema up to date.
func Run(cfg config.Config, log *zap.Logger, db *gorm.DB) error {
	log = log.Named("migration")

	if cfg.DBType != "postgres" {
		log.Info("non-postgres dialect, using auto-migration", zap.String("dialect", cfg.DBType))
		return AutoMigrate(db)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("unwrap sql db: %w", err)
	}

	source, err := iofs.New(migrations, "sql")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	driver, err := migratepg.WithInstance(sqlDB, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return err
	}
	log.Info("schema up to date", zap.Uint("version", version), zap.Bool("dirty", dirty))
	return nil
}

// AutoMigrate creates the schema from the gorm models.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&consumptiondomain.HourlyBucket{},
		&transactiondomain.Snapshot{},
	)
}

var Module = fx.Module("migration",
	fx.Invoke(Run),
)
