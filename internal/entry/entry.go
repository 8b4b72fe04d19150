// Package entry manages per-record staging rows and their build state
// machine.
package entry

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/notch8/bulkrax/internal/failure"
	"github.com/notch8/bulkrax/internal/models"
	"github.com/notch8/bulkrax/internal/parser"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ListFilters holds optional filters for listing entries.
type ListFilters struct {
	OwnerID   uint
	OwnerKind string
	Kind      string
	Status    string
	Limit     int
}

// FindOrCreate returns the entry for (owner, identifier), creating it when
// absent. The raw payload is always replaced with rec so a re-import reflects
// the latest source.
func FindOrCreate(db *gorm.DB, ownerID uint, ownerKind, kind string, rec parser.Record) (*models.Entry, error) {
	if rec.Identifier == "" {
		return nil, fmt.Errorf("entry: identifier is required")
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("entry: marshal raw metadata for %s: %w", rec.Identifier, err)
	}

	e := models.Entry{
		OwnerID:     ownerID,
		OwnerKind:   ownerKind,
		Identifier:  rec.Identifier,
		Kind:        kind,
		Status:      models.EntryWaiting,
		RawMetadata: datatypes.JSON(raw),
	}
	result := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&e)
	if result.Error != nil {
		return nil, failure.Infrastructure("entry: create "+rec.Identifier, result.Error)
	}
	if result.RowsAffected == 1 && e.ID != 0 {
		return &e, nil
	}

	existing, err := Lookup(db, ownerID, ownerKind, rec.Identifier)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, fmt.Errorf("entry: %s vanished after conflict", rec.Identifier)
	}
	if err := db.Model(existing).Updates(map[string]interface{}{
		"raw_metadata": datatypes.JSON(raw),
		"kind":         kind,
	}).Error; err != nil {
		return nil, failure.Infrastructure("entry: update raw metadata "+rec.Identifier, err)
	}
	existing.RawMetadata = datatypes.JSON(raw)
	existing.Kind = kind
	return existing, nil
}

// Get retrieves an entry by ID.
func Get(db *gorm.DB, id uint) (*models.Entry, error) {
	var e models.Entry
	if err := db.First(&e, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("entry: not found: %d", id)
		}
		return nil, failure.Infrastructure(fmt.Sprintf("entry: get %d", id), err)
	}
	return &e, nil
}

// Lookup finds an entry by identifier scoped to its owner. It returns
// (nil, nil) when there is none.
func Lookup(db *gorm.DB, ownerID uint, ownerKind, identifier string) (*models.Entry, error) {
	var e models.Entry
	result := db.Where("owner_id = ? AND owner_kind = ? AND identifier = ?", ownerID, ownerKind, identifier).Limit(1).Find(&e)
	if result.Error != nil {
		return nil, failure.Infrastructure("entry: lookup "+identifier, result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &e, nil
}

// List returns entries matching the filters, oldest first.
func List(db *gorm.DB, f ListFilters) ([]models.Entry, error) {
	q := db.Model(&models.Entry{})
	if f.OwnerID != 0 {
		q = q.Where("owner_id = ?", f.OwnerID)
	}
	if f.OwnerKind != "" {
		q = q.Where("owner_kind = ?", f.OwnerKind)
	}
	if f.Kind != "" {
		q = q.Where("kind = ?", f.Kind)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var out []models.Entry
	if err := q.Order("id ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("entry: list: %w", err)
	}
	return out, nil
}

// StatusCounts returns entry counts by status for an owner.
func StatusCounts(db *gorm.DB, ownerID uint, ownerKind string) (map[string]int, error) {
	var rows []struct {
		Status string
		Count  int
	}
	err := db.Model(&models.Entry{}).
		Select("status, COUNT(*) as count").
		Where("owner_id = ? AND owner_kind = ?", ownerID, ownerKind).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("entry: status counts: %w", err)
	}
	out := make(map[string]int, len(rows))
	for _, r := range rows {
		out[r.Status] = r.Count
	}
	return out, nil
}

// Save persists the entry's build outcome.
func Save(db *gorm.DB, e *models.Entry) error {
	if err := db.Save(e).Error; err != nil {
		return failure.Infrastructure(fmt.Sprintf("entry: save %d", e.ID), err)
	}
	return nil
}

// Record decodes an entry's raw payload.
func Record(e *models.Entry) (parser.Record, error) {
	var rec parser.Record
	if len(e.RawMetadata) == 0 {
		return rec, fmt.Errorf("entry: %d has no raw metadata", e.ID)
	}
	if err := json.Unmarshal(e.RawMetadata, &rec); err != nil {
		return rec, fmt.Errorf("entry: decode raw metadata for %d: %w", e.ID, err)
	}
	return rec, nil
}
