package entry

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"time"

	"github.com/notch8/bulkrax/internal/failure"
	"github.com/notch8/bulkrax/internal/mapping"
	"github.com/notch8/bulkrax/internal/models"
	"github.com/notch8/bulkrax/internal/parser"
	"gorm.io/datatypes"
)

// Model names assigned when a record does not declare one.
const (
	DefaultWorkType   = "Work"
	CollectionModel   = "Collection"
	DefaultVisibility = "open"
)

// FactoryOptions tune how the object factory persists an object.
type FactoryOptions struct {
	ReplaceFiles bool
	WorkType     string
	Collection   bool
}

// ObjectFactory creates or updates a repository object from canonical
// metadata, keyed by the record's source identifier.
type ObjectFactory interface {
	CreateOrUpdate(ctx context.Context, md mapping.Metadata, identifier string, opts FactoryOptions, actor string) (*models.Object, error)
}

// CollectionLookup finds an existing object by its system identifier. It
// returns (nil, nil) when there is none.
type CollectionLookup interface {
	FindBySystemIdentifier(ctx context.Context, id string) (*models.Object, error)
}

// Defaults are the importer-level values injected into every record.
type Defaults struct {
	Visibility              string
	RightsStatement         string
	OverrideRightsStatement bool
	WorkType                string
}

// Builder runs the import build for one entry at a time.
type Builder struct {
	Factory      ObjectFactory
	Collections  CollectionLookup
	Mapper       *mapping.Mapper
	Defaults     Defaults
	ReplaceFiles bool
	Actor        string
	Now          func() time.Time
}

func (b *Builder) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}

// Build maps the entry's raw payload, resolves its collections and hands it
// to the object factory. The outcome is recorded on e (not persisted).
//
// A nil error means the entry reached a terminal state, succeeded or failed.
// A non-nil error is either failure.ErrDependencyNotReady (e stays waiting)
// or an infrastructure error; both leave the failure bookkeeping to the
// caller.
func (b *Builder) Build(ctx context.Context, e *models.Entry) (*models.Object, error) {
	rec, err := Record(e)
	if err != nil {
		b.fail(e, failure.Validation(mapping.FieldSourceIdentifier, "%v", err))
		return nil, nil
	}

	md, err := b.Metadata(rec, e.Kind)
	if err != nil {
		b.fail(e, err)
		return nil, nil
	}
	if err := checkFiles(rec.Files); err != nil {
		if failure.IsRetryable(err) {
			return nil, err
		}
		b.fail(e, err)
		return nil, nil
	}

	opts := FactoryOptions{
		ReplaceFiles: b.ReplaceFiles,
		WorkType:     md.First(mapping.FieldModel),
		Collection:   e.Kind == models.EntryCollection,
	}
	if !opts.Collection {
		ids, err := b.resolveCollections(ctx, rec.Collections)
		if err != nil {
			e.ParsedMetadata = toJSON(md)
			return nil, err
		}
		if len(ids) > 0 {
			refs := make([]map[string]string, len(ids))
			for i, id := range ids {
				refs[i] = map[string]string{"id": id}
			}
			md[mapping.FieldCollections] = refs
		}
		e.CollectionIDs = toJSON(ids)
	}
	e.ParsedMetadata = toJSON(md)

	obj, err := b.Factory.CreateOrUpdate(ctx, md, rec.Identifier, opts, b.Actor)
	if err != nil {
		if failure.IsRetryable(err) {
			return nil, err
		}
		b.fail(e, err)
		return nil, nil
	}
	e.ObjectID = obj.ID
	e.MarkSucceeded(b.now())
	return obj, nil
}

// Metadata maps rec to canonical metadata and injects defaults.
func (b *Builder) Metadata(rec parser.Record, kind string) (mapping.Metadata, error) {
	var md mapping.Metadata
	if rec.XML != "" {
		root, err := mapping.ParseXML(rec.XML)
		if err != nil {
			return nil, failure.Validation("metadata", "unparseable xml: %v", err)
		}
		md = b.Mapper.MapXML(root)
	} else {
		md = b.Mapper.MapFields(rec.Fields)
	}

	if strings.TrimSpace(rec.Identifier) == "" {
		return md, failure.Validation(mapping.FieldSourceIdentifier, "is required")
	}
	md[mapping.FieldSourceIdentifier] = []string{rec.Identifier}
	if !md.Has(mapping.FieldTitle) {
		return md, failure.Validation(mapping.FieldTitle, "is required")
	}

	delete(md, mapping.FieldCollection)
	delete(md, mapping.FieldChildren)
	delete(md, mapping.FieldFile)
	if len(rec.Children) > 0 {
		md[mapping.FieldChildren] = rec.Children
	}
	if len(rec.Files) > 0 {
		md[mapping.FieldFile] = rec.Files
	}

	visibility := md.First(mapping.FieldVisibility)
	if visibility == "" {
		visibility = b.Defaults.Visibility
	}
	if visibility == "" {
		visibility = DefaultVisibility
	}
	md[mapping.FieldVisibility] = visibility

	if rs := b.Defaults.RightsStatement; rs != "" && (b.Defaults.OverrideRightsStatement || !md.Has(mapping.FieldRightsStatement)) {
		md[mapping.FieldRightsStatement] = []string{rs}
	}

	md[mapping.FieldModel] = b.workType(md, kind)
	return md, nil
}

// workType resolves the model: collection entries are always collections,
// otherwise the record's model field, then the importer default.
func (b *Builder) workType(md mapping.Metadata, kind string) string {
	if kind == models.EntryCollection {
		return CollectionModel
	}
	if m := md.First(mapping.FieldModel); m != "" {
		return m
	}
	if b.Defaults.WorkType != "" {
		return b.Defaults.WorkType
	}
	return DefaultWorkType
}

// resolveCollections maps collection identifiers to object IDs. Any missing
// collection defers the whole build.
func (b *Builder) resolveCollections(ctx context.Context, names []string) ([]string, error) {
	var ids, missing []string
	for _, name := range names {
		obj, err := b.Collections.FindBySystemIdentifier(ctx, name)
		if err != nil {
			return nil, err
		}
		if obj == nil {
			missing = append(missing, name)
			continue
		}
		ids = append(ids, obj.ID)
	}
	if len(missing) > 0 {
		return nil, failure.DependencyNotReady("collections not yet created: %s", strings.Join(missing, ", "))
	}
	return ids, nil
}

// checkFiles fails on the first local file reference that does not exist.
// Remote references are left to the repository.
func checkFiles(paths []string) error {
	for _, p := range paths {
		if strings.Contains(p, "://") {
			continue
		}
		if _, err := os.Stat(p); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return failure.Validation(mapping.FieldFile, "%s does not exist", p)
			}
			return failure.Infrastructure("entry: stat "+p, err)
		}
	}
	return nil
}

func (b *Builder) fail(e *models.Entry, err error) {
	class, msg, trace := failure.Info(err)
	e.MarkFailed(b.now(), class, msg, trace)
}

// Fail records err on e as a terminal failure.
func Fail(e *models.Entry, at time.Time, err error) {
	class, msg, trace := failure.Info(err)
	e.MarkFailed(at, class, msg, trace)
}

func toJSON(v any) datatypes.JSON {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return datatypes.JSON(data)
}
