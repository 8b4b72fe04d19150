package repository

import (
	"context"
	"fmt"

	"github.com/notch8/bulkrax/internal/entry"
	"github.com/notch8/bulkrax/internal/failure"
	"github.com/notch8/bulkrax/internal/models"
)

// Export sources.
const (
	FromImporter   = "importer"
	FromCollection = "collection"
	FromWorkType   = "worktype"
)

// ByImporter returns the works created by an importer's succeeded entries.
func (s *Store) ByImporter(ctx context.Context, importerID uint, limit int) ([]models.Object, error) {
	sub := s.db.Model(&models.Entry{}).Select("object_id").
		Where("owner_id = ? AND owner_kind = ? AND kind = ? AND status = ?",
			importerID, models.OwnerImporter, models.EntryWork, models.EntrySucceeded)
	q := s.db.WithContext(ctx).Where("id IN (?)", sub).Order("system_identifier ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []models.Object
	if err := q.Find(&out).Error; err != nil {
		return nil, failure.Infrastructure(fmt.Sprintf("repository: objects for importer %d", importerID), err)
	}
	return out, nil
}

// ByCollection returns the members of a collection, given its object ID or
// system identifier.
func (s *Store) ByCollection(ctx context.Context, collection string, limit int) ([]models.Object, error) {
	col, err := s.Get(ctx, collection)
	if err != nil {
		return nil, err
	}
	if col == nil {
		if col, err = s.FindBySystemIdentifier(ctx, collection); err != nil {
			return nil, err
		}
	}
	if col == nil {
		return nil, failure.Configuration(fmt.Sprintf("collection %q not found", collection), "export_source")
	}

	sub := s.db.Model(&models.Membership{}).Select("child_id").
		Where("parent_id = ? AND kind = ?", col.ID, models.MemberCollection)
	q := s.db.WithContext(ctx).Where("id IN (?)", sub).Order("system_identifier ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []models.Object
	if err := q.Find(&out).Error; err != nil {
		return nil, failure.Infrastructure("repository: members of "+collection, err)
	}
	return out, nil
}

// ByWorkType returns every object of a model.
func (s *Store) ByWorkType(ctx context.Context, model string, limit int) ([]models.Object, error) {
	q := s.db.WithContext(ctx).Where("model = ?", model).Order("system_identifier ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []models.Object
	if err := q.Find(&out).Error; err != nil {
		return nil, failure.Infrastructure("repository: objects of type "+model, err)
	}
	return out, nil
}

// Query dispatches an export source to the matching query. Importer sources
// are importer IDs.
func (s *Store) Query(ctx context.Context, from, source string, limit int) ([]models.Object, error) {
	switch from {
	case FromImporter:
		var id uint
		if _, err := fmt.Sscan(source, &id); err != nil || id == 0 {
			return nil, failure.Configuration(fmt.Sprintf("invalid importer id %q", source), "export_source")
		}
		return s.ByImporter(ctx, id, limit)
	case FromCollection:
		return s.ByCollection(ctx, source, limit)
	case FromWorkType:
		if source == entry.CollectionModel {
			return nil, failure.Configuration("collections cannot be exported as a work type", "export_source")
		}
		return s.ByWorkType(ctx, source, limit)
	default:
		return nil, failure.Configuration(fmt.Sprintf("unknown export_from %q", from), "export_from")
	}
}
