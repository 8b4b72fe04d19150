// Package run tracks aggregate progress for one importer or exporter
// execution. Counters are updated with single-column atomic increments so
// concurrent workers never read-modify-write a row.
package run

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/notch8/bulkrax/internal/failure"
	"github.com/notch8/bulkrax/internal/models"
	"gorm.io/gorm"
)

// Counter columns accepted by Increment.
const (
	Total                = "total"
	Processed            = "processed"
	Failed               = "failed"
	Enqueued             = "enqueued"
	TotalCollections     = "total_collections"
	ProcessedCollections = "processed_collections"
	FailedCollections    = "failed_collections"
)

var counters = map[string]bool{
	Total: true, Processed: true, Failed: true, Enqueued: true,
	TotalCollections: true, ProcessedCollections: true, FailedCollections: true,
}

// Snapshot is a read-only view of a run with its derived status.
type Snapshot struct {
	ID                   uint       `json:"id"`
	OwnerID              uint       `json:"owner_id"`
	OwnerKind            string     `json:"owner_kind"`
	Status               string     `json:"status"`
	Total                int        `json:"total"`
	Processed            int        `json:"processed"`
	Failed               int        `json:"failed"`
	Enqueued             int        `json:"enqueued"`
	TotalCollections     int        `json:"total_collections"`
	ProcessedCollections int        `json:"processed_collections"`
	FailedCollections    int        `json:"failed_collections"`
	InvalidRecords       []string   `json:"invalid_records,omitempty"`
	StartedAt            time.Time  `json:"started_at"`
	CompletedAt          *time.Time `json:"completed_at,omitempty"`
}

// Start creates a running Run for the owner.
func Start(db *gorm.DB, ownerID uint, ownerKind string, total int) (*models.Run, error) {
	r := models.Run{
		OwnerID:   ownerID,
		OwnerKind: ownerKind,
		Total:     total,
		Status:    models.RunRunning,
		StartedAt: time.Now(),
	}
	if err := db.Create(&r).Error; err != nil {
		return nil, failure.Infrastructure("run: start", err)
	}
	return &r, nil
}

// Get retrieves a run by ID.
func Get(db *gorm.DB, id uint) (*models.Run, error) {
	var r models.Run
	if err := db.First(&r, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("run: not found: %d", id)
		}
		return nil, failure.Infrastructure(fmt.Sprintf("run: get %d", id), err)
	}
	return &r, nil
}

// Latest returns the most recent run for an owner, or (nil, nil).
func Latest(db *gorm.DB, ownerID uint, ownerKind string) (*models.Run, error) {
	var r models.Run
	result := db.Where("owner_id = ? AND owner_kind = ?", ownerID, ownerKind).
		Order("id DESC").Limit(1).Find(&r)
	if result.Error != nil {
		return nil, failure.Infrastructure("run: latest", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &r, nil
}

// List returns every run for an owner, newest first.
func List(db *gorm.DB, ownerID uint, ownerKind string) ([]models.Run, error) {
	var out []models.Run
	err := db.Where("owner_id = ? AND owner_kind = ?", ownerID, ownerKind).
		Order("id DESC").Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("run: list: %w", err)
	}
	return out, nil
}

// Increment adds n to one counter column.
func Increment(db *gorm.DB, runID uint, column string, n int) error {
	if !counters[column] {
		return fmt.Errorf("run: unknown counter %q", column)
	}
	err := db.Model(&models.Run{}).Where("id = ?", runID).
		UpdateColumn(column, gorm.Expr(column+" + ?", n)).Error
	if err != nil {
		return failure.Infrastructure(fmt.Sprintf("run: increment %s on %d", column, runID), err)
	}
	return nil
}

// RecordEnqueued counts n newly enqueued build jobs.
func RecordEnqueued(db *gorm.DB, runID uint, n int) error {
	return Increment(db, runID, Enqueued, n)
}

// RecordProcessed counts one successful build that was previously enqueued.
func RecordProcessed(db *gorm.DB, runID uint) error {
	return settle(db, runID, Processed)
}

// RecordFailed counts one failed build that was previously enqueued.
func RecordFailed(db *gorm.DB, runID uint) error {
	return settle(db, runID, Failed)
}

func settle(db *gorm.DB, runID uint, column string) error {
	err := db.Model(&models.Run{}).Where("id = ?", runID).UpdateColumns(map[string]interface{}{
		column:   gorm.Expr(column+" + ?", 1),
		Enqueued: gorm.Expr(Enqueued+" - ?", 1),
	}).Error
	if err != nil {
		return failure.Infrastructure(fmt.Sprintf("run: record %s on %d", column, runID), err)
	}
	return nil
}

// SetTotal overwrites the work total once the real number of enqueued
// records is known.
func SetTotal(db *gorm.DB, runID uint, total int) error {
	err := db.Model(&models.Run{}).Where("id = ?", runID).UpdateColumn(Total, total).Error
	if err != nil {
		return failure.Infrastructure(fmt.Sprintf("run: set total on %d", runID), err)
	}
	return nil
}

// AddInvalid records identifiers of source records skipped before any
// entry was created. Only the owner's own job writes this column.
func AddInvalid(db *gorm.DB, runID uint, identifiers ...string) error {
	if len(identifiers) == 0 {
		return nil
	}
	r, err := Get(db, runID)
	if err != nil {
		return err
	}
	list := InvalidRecords(r)
	list = append(list, identifiers...)
	err = db.Model(&models.Run{}).Where("id = ?", runID).
		UpdateColumn("invalid_records", strings.Join(list, "\n")).Error
	if err != nil {
		return failure.Infrastructure(fmt.Sprintf("run: add invalid on %d", runID), err)
	}
	return nil
}

// InvalidRecords splits the stored invalid record list.
func InvalidRecords(r *models.Run) []string {
	if strings.TrimSpace(r.InvalidRecords) == "" {
		return nil
	}
	return strings.Split(r.InvalidRecords, "\n")
}

// Fail marks a run finished without completing its work, used when the
// owning execution aborts.
func Fail(db *gorm.DB, runID uint) error {
	now := time.Now()
	err := db.Model(&models.Run{}).Where("id = ? AND completed_at IS NULL", runID).
		UpdateColumns(map[string]interface{}{
			"status":       models.StatusFailed,
			"completed_at": now,
		}).Error
	if err != nil {
		return failure.Infrastructure(fmt.Sprintf("run: fail %d", runID), err)
	}
	return nil
}

// Complete records the final status once every enqueued build has settled.
// It returns true only for the single caller whose update made the
// transition.
func Complete(db *gorm.DB, runID uint) (bool, error) {
	result := db.Model(&models.Run{}).
		Where("id = ? AND completed_at IS NULL AND enqueued <= 0 AND processed + failed >= total", runID).
		UpdateColumns(map[string]interface{}{
			"status": gorm.Expr("CASE WHEN failed > 0 OR failed_collections > 0 THEN ? ELSE ? END",
				models.RunCompleteWithFailures, models.RunComplete),
			"completed_at": time.Now(),
		})
	if result.Error != nil {
		return false, failure.Infrastructure(fmt.Sprintf("run: complete %d", runID), result.Error)
	}
	return result.RowsAffected == 1, nil
}

// DerivedStatus applies status precedence: a terminal owner failure wins,
// then the run's recorded status, then Pending.
func DerivedStatus(r *models.Run, ownerStatus string) string {
	if ownerStatus == models.StatusFailed {
		return models.StatusFailed
	}
	if r != nil && r.Status != "" {
		return r.Status
	}
	return models.RunPending
}

// Snap builds a Snapshot for r. A nil run yields a Pending snapshot.
func Snap(r *models.Run, ownerStatus string) Snapshot {
	s := Snapshot{Status: DerivedStatus(r, ownerStatus)}
	if r == nil {
		return s
	}
	s.ID = r.ID
	s.OwnerID = r.OwnerID
	s.OwnerKind = r.OwnerKind
	s.Total = r.Total
	s.Processed = r.Processed
	s.Failed = r.Failed
	s.Enqueued = r.Enqueued
	s.TotalCollections = r.TotalCollections
	s.ProcessedCollections = r.ProcessedCollections
	s.FailedCollections = r.FailedCollections
	s.InvalidRecords = InvalidRecords(r)
	s.StartedAt = r.StartedAt
	s.CompletedAt = r.CompletedAt
	return s
}

// Load returns the snapshot of run id, resolving the owner's status.
func Load(db *gorm.DB, id uint) (Snapshot, error) {
	r, err := Get(db, id)
	if err != nil {
		return Snapshot{}, err
	}
	return Snap(r, ownerStatus(db, r.OwnerID, r.OwnerKind)), nil
}

func ownerStatus(db *gorm.DB, ownerID uint, ownerKind string) string {
	var statuses []string
	switch ownerKind {
	case models.OwnerImporter:
		db.Model(&models.Importer{}).Where("id = ?", ownerID).Pluck("status", &statuses)
	case models.OwnerExporter:
		db.Model(&models.Exporter{}).Where("id = ?", ownerID).Pluck("status", &statuses)
	}
	if len(statuses) == 0 {
		return ""
	}
	return statuses[0]
}
