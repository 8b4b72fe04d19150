package entry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/notch8/bulkrax/internal/failure"
	"github.com/notch8/bulkrax/internal/mapping"
	"github.com/notch8/bulkrax/internal/models"
)

// Export types.
const (
	ExportMetadata = "metadata"
	ExportFull     = "full"
)

// Fixed export columns.
const (
	ColumnID         = "id"
	ColumnModel      = "model"
	ColumnCollection = "collection"
	ColumnFile       = "file"
)

// ExportJoin separates multiple values in one export cell. The csv parser
// splits it back apart.
const ExportJoin = "|"

// ObjectReader reads repository objects for export.
type ObjectReader interface {
	Get(ctx context.Context, id string) (*models.Object, error)
	CollectionsOf(ctx context.Context, id string) ([]models.Object, error)
}

// ExportBuilder turns one exporter entry (identifier = object ID) into an
// export row stored as the entry's parsed metadata.
type ExportBuilder struct {
	Objects    ObjectReader
	Mapper     *mapping.Mapper
	ExportType string
	// FilesDir receives binaries for full exports.
	FilesDir string
	Now      func() time.Time
}

// Build fills e.ParsedMetadata with a column -> value row. Like Builder.Build
// a nil error means e reached a terminal state.
func (b *ExportBuilder) Build(ctx context.Context, e *models.Entry) error {
	now := time.Now
	if b.Now != nil {
		now = b.Now
	}

	obj, err := b.Objects.Get(ctx, e.Identifier)
	if err != nil {
		if failure.IsRetryable(err) {
			return err
		}
		Fail(e, now(), err)
		return nil
	}
	if obj == nil {
		Fail(e, now(), failure.Validation(ColumnID, "object %s not found", e.Identifier))
		return nil
	}

	row, err := b.Row(ctx, obj)
	if err != nil {
		if failure.IsRetryable(err) {
			return err
		}
		Fail(e, now(), err)
		return nil
	}
	e.ParsedMetadata = toJSON(row)
	e.MarkSucceeded(now())
	return nil
}

// Row reverse-maps obj into export columns.
func (b *ExportBuilder) Row(ctx context.Context, obj *models.Object) (map[string]string, error) {
	var md mapping.Metadata
	if len(obj.Metadata) > 0 {
		if err := json.Unmarshal(obj.Metadata, &md); err != nil {
			return nil, failure.Validation("metadata", "decode object %s: %v", obj.ID, err)
		}
	}

	row := map[string]string{
		ColumnID:    obj.ID,
		ColumnModel: obj.Model,
	}
	for _, field := range md.Fields() {
		switch field {
		case mapping.FieldModel, mapping.FieldCollections, mapping.FieldFile:
			continue
		}
		if b.Mapper.Excluded(field) {
			continue
		}
		if vs := md.Values(field); len(vs) > 0 {
			row[b.Mapper.Column(field)] = strings.Join(vs, ExportJoin)
		}
	}

	parents, err := b.Objects.CollectionsOf(ctx, obj.ID)
	if err != nil {
		return nil, err
	}
	if len(parents) > 0 {
		ids := make([]string, len(parents))
		for i, p := range parents {
			ids[i] = p.SystemIdentifier
		}
		row[ColumnCollection] = strings.Join(ids, ExportJoin)
	}

	var files []string
	if len(obj.Files) > 0 {
		if err := json.Unmarshal(obj.Files, &files); err != nil {
			return nil, failure.Validation(ColumnFile, "decode files for %s: %v", obj.ID, err)
		}
	}
	if len(files) > 0 {
		names := make([]string, len(files))
		for i, f := range files {
			names[i] = ExportFileName(obj.ID, f)
			if b.ExportType == ExportFull {
				if err := copyFile(f, filepath.Join(b.FilesDir, names[i])); err != nil {
					return nil, failure.Infrastructure("export: copy "+f, err)
				}
			}
		}
		row[ColumnFile] = strings.Join(names, ExportJoin)
	}
	return row, nil
}

// ExportFileName is the unique name a binary gets inside an export.
func ExportFileName(objectID, path string) string {
	return objectID + "_" + filepath.Base(path)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy %s: %w", src, err)
	}
	return out.Close()
}
