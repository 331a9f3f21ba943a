package db

import (
	"gorm.io/gorm"

	"github.com/wallfleet/wallsync/internal/models"
)

// Migrate applies database schema migrations using GORM auto-migrate.
func Migrate(database *gorm.DB) error {
	return database.AutoMigrate(
		&models.Device{},
		&models.Preset{},
		&models.PresetAssignment{},
		&models.SyncSession{},
		&models.SyncSessionDevice{},
		&models.SyncCommand{},
		&models.SyncCorrectionEvent{},
	)
}
