package pipeline

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/notch8/bulkrax/internal/config"
	"github.com/notch8/bulkrax/internal/db"
	"github.com/notch8/bulkrax/internal/models"
	"github.com/notch8/bulkrax/internal/schedule"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ImporterModel converts a validated definition into a row. Importers with
// a frequency get their first NextImportAt from now.
func ImporterModel(def *config.ImporterDef, now time.Time) (*models.Importer, error) {
	fields, err := json.Marshal(def.ParserFields)
	if err != nil {
		return nil, fmt.Errorf("pipeline: encode parser fields: %w", err)
	}
	table, err := json.Marshal(def.FieldMapping)
	if err != nil {
		return nil, fmt.Errorf("pipeline: encode field mapping: %w", err)
	}
	next, err := schedule.Next(def.Frequency, now)
	if err != nil {
		return nil, fmt.Errorf("pipeline: importer %q: %w", def.Name, err)
	}
	return &models.Importer{
		Name:         def.Name,
		Format:       def.Format,
		User:         def.User,
		ParserFields: datatypes.JSON(fields),
		FieldMapping: datatypes.JSON(table),
		Limit:        def.Limit,
		Frequency:    def.Frequency,
		ReplaceFiles: def.ReplaceFiles,
		NextImportAt: next,
	}, nil
}

// ExporterModel converts a validated definition into a row.
func ExporterModel(def *config.ExporterDef) (*models.Exporter, error) {
	table, err := json.Marshal(def.FieldMapping)
	if err != nil {
		return nil, fmt.Errorf("pipeline: encode field mapping: %w", err)
	}
	return &models.Exporter{
		Name:         def.Name,
		Format:       def.Format,
		User:         def.User,
		ExportFrom:   def.ExportFrom,
		ExportSource: def.ExportSource,
		ExportType:   def.ExportType,
		Limit:        def.Limit,
		FieldMapping: datatypes.JSON(table),
	}, nil
}

// SaveImporter stores def, replacing the settings of an importer with the
// same name.
func SaveImporter(gdb *gorm.DB, def *config.ImporterDef, now time.Time) (*models.Importer, error) {
	m, err := ImporterModel(def, now)
	if err != nil {
		return nil, err
	}
	if err := db.UpsertImporter(gdb, m); err != nil {
		return nil, err
	}
	return m, nil
}

// SaveExporter stores def, replacing the settings of an exporter with the
// same name.
func SaveExporter(gdb *gorm.DB, def *config.ExporterDef) (*models.Exporter, error) {
	m, err := ExporterModel(def)
	if err != nil {
		return nil, err
	}
	if err := db.UpsertExporter(gdb, m); err != nil {
		return nil, err
	}
	return m, nil
}
