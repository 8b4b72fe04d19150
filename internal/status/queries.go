package status

import (
	"time"

	"github.com/notch8/bulkrax/internal/entry"
	"github.com/notch8/bulkrax/internal/failure"
	"github.com/notch8/bulkrax/internal/models"
	"github.com/notch8/bulkrax/internal/run"
	"gorm.io/gorm"
)

// OwnerError is the last terminal error of an importer or exporter.
type OwnerError struct {
	Class   string `json:"class"`
	Message string `json:"message"`
}

// ImporterView is an importer with its latest run.
type ImporterView struct {
	ID             uint           `json:"id"`
	Name           string         `json:"name"`
	Format         string         `json:"format"`
	Frequency      string         `json:"frequency,omitempty"`
	Status         string         `json:"status"`
	LastError      *OwnerError    `json:"last_error,omitempty"`
	LastImportedAt *time.Time     `json:"last_imported_at,omitempty"`
	NextImportAt   *time.Time     `json:"next_import_at,omitempty"`
	LatestRun      *run.Snapshot  `json:"latest_run,omitempty"`
	Entries        map[string]int `json:"entries,omitempty"`
}

// ExporterView is an exporter with its latest run.
type ExporterView struct {
	ID           uint          `json:"id"`
	Name         string        `json:"name"`
	ExportFrom   string        `json:"export_from"`
	ExportSource string        `json:"export_source"`
	ExportType   string        `json:"export_type"`
	Status       string        `json:"status"`
	LastError    *OwnerError   `json:"last_error,omitempty"`
	ArtifactPath string        `json:"artifact_path,omitempty"`
	LatestRun    *run.Snapshot `json:"latest_run,omitempty"`
}

// EntryView is one entry with its structured last error.
type EntryView struct {
	ID         uint               `json:"id"`
	OwnerID    uint               `json:"owner_id"`
	OwnerKind  string             `json:"owner_kind"`
	Identifier string             `json:"identifier"`
	Kind       string             `json:"kind"`
	Status     string             `json:"status"`
	ObjectID   string             `json:"object_id,omitempty"`
	RunID      uint               `json:"run_id,omitempty"`
	Succeeded  *time.Time         `json:"succeeded_at,omitempty"`
	LastError  *models.EntryError `json:"last_error,omitempty"`
}

func ownerError(class, msg string) *OwnerError {
	if class == "" && msg == "" {
		return nil
	}
	return &OwnerError{Class: class, Message: msg}
}

func latestSnapshot(db *gorm.DB, ownerID uint, ownerKind, ownerStatus string) (*run.Snapshot, string, error) {
	r, err := run.Latest(db, ownerID, ownerKind)
	if err != nil {
		return nil, "", err
	}
	snap := run.Snap(r, ownerStatus)
	if r == nil {
		return nil, snap.Status, nil
	}
	return &snap, snap.Status, nil
}

func importerView(db *gorm.DB, m *models.Importer) (ImporterView, error) {
	v := ImporterView{
		ID:             m.ID,
		Name:           m.Name,
		Format:         m.Format,
		Frequency:      m.Frequency,
		LastError:      ownerError(m.LastErrorClass, m.LastErrorMessage),
		LastImportedAt: m.LastImportedAt,
		NextImportAt:   m.NextImportAt,
	}
	snap, st, err := latestSnapshot(db, m.ID, models.OwnerImporter, m.Status)
	if err != nil {
		return v, err
	}
	v.LatestRun, v.Status = snap, st
	return v, nil
}

func exporterView(db *gorm.DB, m *models.Exporter) (ExporterView, error) {
	v := ExporterView{
		ID:           m.ID,
		Name:         m.Name,
		ExportFrom:   m.ExportFrom,
		ExportSource: m.ExportSource,
		ExportType:   m.ExportType,
		LastError:    ownerError(m.LastErrorClass, m.LastErrorMessage),
		ArtifactPath: m.ArtifactPath,
	}
	snap, st, err := latestSnapshot(db, m.ID, models.OwnerExporter, m.Status)
	if err != nil {
		return v, err
	}
	v.LatestRun, v.Status = snap, st
	return v, nil
}

func entryView(e *models.Entry) EntryView {
	return EntryView{
		ID:         e.ID,
		OwnerID:    e.OwnerID,
		OwnerKind:  e.OwnerKind,
		Identifier: e.Identifier,
		Kind:       e.Kind,
		Status:     e.Status,
		ObjectID:   e.ObjectID,
		RunID:      e.RunID,
		Succeeded:  e.SucceededAt(),
		LastError:  e.LastError(),
	}
}

// ListImporters returns every importer, newest first.
func ListImporters(db *gorm.DB) ([]ImporterView, error) {
	var rows []models.Importer
	if err := db.Order("id DESC").Find(&rows).Error; err != nil {
		return nil, failure.Infrastructure("status: list importers", err)
	}
	out := make([]ImporterView, 0, len(rows))
	for i := range rows {
		v, err := importerView(db, &rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// ListExporters returns every exporter, newest first.
func ListExporters(db *gorm.DB) ([]ExporterView, error) {
	var rows []models.Exporter
	if err := db.Order("id DESC").Find(&rows).Error; err != nil {
		return nil, failure.Infrastructure("status: list exporters", err)
	}
	out := make([]ExporterView, 0, len(rows))
	for i := range rows {
		v, err := exporterView(db, &rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Importer returns one importer with entry counts, or (nil, nil).
func Importer(db *gorm.DB, id uint) (*ImporterView, error) {
	var m models.Importer
	result := db.Limit(1).Find(&m, id)
	if result.Error != nil {
		return nil, failure.Infrastructure("status: get importer", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	v, err := importerView(db, &m)
	if err != nil {
		return nil, err
	}
	if v.Entries, err = entry.StatusCounts(db, m.ID, models.OwnerImporter); err != nil {
		return nil, err
	}
	return &v, nil
}

// Exporter returns one exporter, or (nil, nil).
func Exporter(db *gorm.DB, id uint) (*ExporterView, error) {
	var m models.Exporter
	result := db.Limit(1).Find(&m, id)
	if result.Error != nil {
		return nil, failure.Infrastructure("status: get exporter", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	v, err := exporterView(db, &m)
	if err != nil {
		return nil, err
	}
	return &v, nil
}
