package db

import (
	"fmt"

	"github.com/notch8/bulkrax/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AllModels returns every GORM model for migration.
func AllModels() []interface{} {
	return []interface{}{
		&models.Importer{},
		&models.Exporter{},
		&models.Run{},
		&models.Entry{},
		&models.Job{},
		&models.Object{},
		&models.Membership{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}

// UpsertImporter inserts imp, or updates the definition columns of the
// importer with the same name.
func UpsertImporter(db *gorm.DB, imp *models.Importer) error {
	var existing models.Importer
	err := db.Where("name = ?", imp.Name).Limit(1).Find(&existing).Error
	if err != nil {
		return fmt.Errorf("db: find importer %q: %w", imp.Name, err)
	}
	if existing.ID != 0 {
		imp.ID = existing.ID
	}
	result := db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"format", "user", "parser_fields", "field_mapping", "limit", "frequency", "replace_files", "next_import_at",
		}),
	}).Create(imp)
	if result.Error != nil {
		return fmt.Errorf("db: upsert importer %q: %w", imp.Name, result.Error)
	}
	return nil
}

// UpsertExporter inserts ex, or updates the definition columns of the
// exporter with the same name.
func UpsertExporter(db *gorm.DB, ex *models.Exporter) error {
	var existing models.Exporter
	err := db.Where("name = ?", ex.Name).Limit(1).Find(&existing).Error
	if err != nil {
		return fmt.Errorf("db: find exporter %q: %w", ex.Name, err)
	}
	if existing.ID != 0 {
		ex.ID = existing.ID
	}
	result := db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"format", "user", "export_from", "export_source", "export_type", "limit", "field_mapping",
		}),
	}).Create(ex)
	if result.Error != nil {
		return fmt.Errorf("db: upsert exporter %q: %w", ex.Name, result.Error)
	}
	return nil
}
