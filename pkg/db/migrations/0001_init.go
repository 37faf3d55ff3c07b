package migrations

import (
	"context"
	"database/sql"

	"github.com/pressly/goose/v3"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"symbold/pkg/db/models"
)

func init() {
	goose.AddMigrationContext(upInit, downInit)
}

func openGorm(tx *sql.Tx) (*gorm.DB, error) {
	return gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
}

func upInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openGorm(tx)
	if err != nil {
		return err
	}

	if err := gormDB.WithContext(ctx).AutoMigrate(
		&models.Build{},
		&models.BuildMetadata{},
		&models.AccessToken{},
		&models.ProjectGrant{},
	); err != nil {
		return err
	}

	// Lookups match keys case-insensitively.
	return gormDB.WithContext(ctx).Exec(
		`CREATE INDEX IF NOT EXISTS build_metadata_provider_key_idx ON build_metadata (provider_id, lower(metadata_key))`,
	).Error
}

func downInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openGorm(tx)
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Migrator().DropTable(
		&models.ProjectGrant{},
		&models.AccessToken{},
		&models.BuildMetadata{},
		&models.Build{},
	)
}
