// Package repository is a gorm-backed object repository. It stands in for
// the managed repository the pipeline deposits into: it creates and updates
// objects, tracks collection and child memberships, and answers export
// queries.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/notch8/bulkrax/internal/entry"
	"github.com/notch8/bulkrax/internal/failure"
	"github.com/notch8/bulkrax/internal/mapping"
	"github.com/notch8/bulkrax/internal/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store implements entry.ObjectFactory, entry.CollectionLookup and
// entry.ObjectReader over the objects and memberships tables.
type Store struct {
	db *gorm.DB
}

// New returns a Store over db.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// CreateOrUpdate upserts the object keyed by identifier and links it to the
// collections referenced in md.
func (s *Store) CreateOrUpdate(ctx context.Context, md mapping.Metadata, identifier string, opts entry.FactoryOptions, actor string) (*models.Object, error) {
	if identifier == "" {
		return nil, failure.Validation(mapping.FieldSourceIdentifier, "is required")
	}
	title := md.First(mapping.FieldTitle)
	if title == "" {
		return nil, failure.Validation(mapping.FieldTitle, "is required")
	}
	model := opts.WorkType
	if opts.Collection {
		model = entry.CollectionModel
	}
	if model == "" {
		model = entry.DefaultWorkType
	}
	visibility := md.First(mapping.FieldVisibility)
	if visibility == "" {
		visibility = entry.DefaultVisibility
	}

	var obj models.Object
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := findBy(tx, "system_identifier = ?", identifier)
		if err != nil {
			return err
		}

		files := md.Values(mapping.FieldFile)
		id := uuid.NewString()
		if existing != nil {
			id = existing.ID
			if !opts.ReplaceFiles {
				files = union(decodeList(existing.Files), files)
			}
		}

		meta, err := json.Marshal(md)
		if err != nil {
			return fmt.Errorf("repository: marshal metadata for %s: %w", identifier, err)
		}
		fileJSON, err := json.Marshal(files)
		if err != nil {
			return fmt.Errorf("repository: marshal files for %s: %w", identifier, err)
		}

		obj = models.Object{
			ID:               id,
			SystemIdentifier: identifier,
			Model:            model,
			Title:            title,
			Visibility:       visibility,
			Metadata:         datatypes.JSON(meta),
			Files:            datatypes.JSON(fileJSON),
			Depositor:        actor,
		}
		if existing != nil {
			obj.CreatedAt = existing.CreatedAt
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "system_identifier"}},
			DoUpdates: clause.AssignmentColumns([]string{"model", "title", "visibility", "metadata", "files", "depositor", "updated_at"}),
		}).Create(&obj).Error; err != nil {
			return failure.Infrastructure("repository: save "+identifier, err)
		}

		for i, parent := range collectionRefs(md) {
			m := models.Membership{ParentID: parent, ChildID: obj.ID, Kind: models.MemberCollection, Position: i}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&m).Error; err != nil {
				return failure.Infrastructure("repository: link collection "+parent, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &obj, nil
}

// FindBySystemIdentifier returns the object with the given system
// identifier, or (nil, nil).
func (s *Store) FindBySystemIdentifier(ctx context.Context, id string) (*models.Object, error) {
	return findBy(s.db.WithContext(ctx), "system_identifier = ?", id)
}

// Get returns the object with the given ID, or (nil, nil).
func (s *Store) Get(ctx context.Context, id string) (*models.Object, error) {
	return findBy(s.db.WithContext(ctx), "id = ?", id)
}

// CollectionsOf returns the collections obj belongs to, in link order.
func (s *Store) CollectionsOf(ctx context.Context, id string) ([]models.Object, error) {
	return s.related(ctx, "memberships.parent_id", "memberships.child_id", id, models.MemberCollection)
}

// ChildrenOf returns the child objects of a parent work, in position order.
func (s *Store) ChildrenOf(ctx context.Context, id string) ([]models.Object, error) {
	return s.related(ctx, "memberships.child_id", "memberships.parent_id", id, models.MemberChild)
}

func (s *Store) related(ctx context.Context, join, match, id, kind string) ([]models.Object, error) {
	var out []models.Object
	err := s.db.WithContext(ctx).
		Joins("JOIN memberships ON memberships.kind = ? AND "+join+" = objects.id", kind).
		Where(match+" = ?", id).
		Order("memberships.position ASC, objects.system_identifier ASC").
		Find(&out).Error
	if err != nil {
		return nil, failure.Infrastructure("repository: related "+id, err)
	}
	return out, nil
}

// AddChildren links childIDs under parentID in order. Re-linking an existing
// child updates its position.
func (s *Store) AddChildren(ctx context.Context, parentID string, childIDs []string) error {
	if len(childIDs) == 0 {
		return nil
	}
	now := time.Now()
	links := make([]models.Membership, len(childIDs))
	for i, c := range childIDs {
		links[i] = models.Membership{ParentID: parentID, ChildID: c, Kind: models.MemberChild, Position: i, CreatedAt: now}
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "parent_id"}, {Name: "child_id"}, {Name: "kind"}},
		DoUpdates: clause.AssignmentColumns([]string{"position"}),
	}).Create(&links).Error
	if err != nil {
		return failure.Infrastructure("repository: add children to "+parentID, err)
	}
	return nil
}

func findBy(db *gorm.DB, query string, arg any) (*models.Object, error) {
	var obj models.Object
	if err := db.Where(query, arg).First(&obj).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, failure.Infrastructure("repository: find object", err)
	}
	return &obj, nil
}

// collectionRefs extracts object IDs from the canonical collections field,
// a list of {"id": ...} references.
func collectionRefs(md mapping.Metadata) []string {
	var out []string
	switch refs := md[mapping.FieldCollections].(type) {
	case []map[string]string:
		for _, r := range refs {
			if r["id"] != "" {
				out = append(out, r["id"])
			}
		}
	case []any:
		for _, r := range refs {
			if m, ok := r.(map[string]any); ok {
				if id, ok := m["id"].(string); ok && id != "" {
					out = append(out, id)
				}
			}
		}
	}
	return out
}

func decodeList(data datatypes.JSON) []string {
	var out []string
	if len(data) > 0 {
		_ = json.Unmarshal(data, &out)
	}
	return out
}

func union(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, s := range append(append([]string(nil), a...), b...) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
