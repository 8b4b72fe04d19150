package pipeline

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/notch8/bulkrax/internal/archive"
	"github.com/notch8/bulkrax/internal/entry"
	"github.com/notch8/bulkrax/internal/failure"
	"github.com/notch8/bulkrax/internal/logging"
	"github.com/notch8/bulkrax/internal/mapping"
	"github.com/notch8/bulkrax/internal/models"
	"github.com/notch8/bulkrax/internal/parser"
	"github.com/notch8/bulkrax/internal/queue"
	"github.com/notch8/bulkrax/internal/repository"
	"github.com/notch8/bulkrax/internal/run"
	"gorm.io/gorm"
)

// CSVName is the metadata file inside every export.
const CSVName = "export.csv"

// Exporter is a loaded exporter ready to run.
type Exporter struct {
	p      *Pipeline
	Model  *models.Exporter
	Mapper *mapping.Mapper
	log    *slog.Logger
}

// LoadExporter reads exporter id.
func (p *Pipeline) LoadExporter(id uint) (*Exporter, error) {
	var m models.Exporter
	if err := p.d.DB.First(&m, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("pipeline: exporter not found: %d", id)
		}
		return nil, failure.Infrastructure(fmt.Sprintf("pipeline: load exporter %d", id), err)
	}
	mapper, err := decodeMapping(m.FieldMapping)
	if err != nil {
		return nil, err
	}
	return &Exporter{p: p, Model: &m, Mapper: mapper, log: p.d.Logger.With("exporter_id", m.ID, "exporter", m.Name)}, nil
}

// Dir is the working directory of one export run.
func (ex *Exporter) Dir(runID uint) string {
	return filepath.Join(ex.p.d.Config.Paths.Export, fmt.Sprintf("exporter_%d", ex.Model.ID), fmt.Sprintf("run_%d", runID))
}

// ArtifactPath is where the zipped export of a run is written.
func (ex *Exporter) ArtifactPath(runID uint) string {
	return filepath.Join(ex.p.d.Config.Paths.Export, fmt.Sprintf("exporter_%d_run_%d.zip", ex.Model.ID, runID))
}

// source resolves the configured export source. Importer sources may be
// given by name.
func (ex *Exporter) source() (string, error) {
	if ex.Model.ExportFrom != repository.FromImporter {
		return ex.Model.ExportSource, nil
	}
	if _, err := strconv.ParseUint(ex.Model.ExportSource, 10, 64); err == nil {
		return ex.Model.ExportSource, nil
	}
	var imp models.Importer
	result := ex.p.d.DB.Where("name = ?", ex.Model.ExportSource).Limit(1).Find(&imp)
	if result.Error != nil {
		return "", failure.Infrastructure("pipeline: find importer "+ex.Model.ExportSource, result.Error)
	}
	if result.RowsAffected == 0 {
		return "", failure.Configuration(fmt.Sprintf("importer %q not found", ex.Model.ExportSource), "export_source")
	}
	return strconv.FormatUint(uint64(imp.ID), 10), nil
}

// Export queries the objects to export, creates one entry per object and
// enqueues its row build. The artifact is written when the run completes.
func (ex *Exporter) Export(ctx context.Context) (*models.Run, error) {
	db := ex.p.d.DB
	ctx = logging.WithFields(ctx, "exporter_id", ex.Model.ID)

	source, err := ex.source()
	if err != nil {
		return nil, ex.abort(nil, err)
	}
	objects, err := ex.p.d.Store.Query(ctx, ex.Model.ExportFrom, source, ex.Model.Limit)
	if err != nil {
		return nil, ex.abort(nil, err)
	}

	r, err := run.Start(db, ex.Model.ID, models.OwnerExporter, len(objects))
	if err != nil {
		return nil, err
	}
	ctx = logging.WithFields(ctx, "run_id", r.ID)
	if err := os.MkdirAll(ex.Dir(r.ID), 0o755); err != nil {
		return r, ex.abort(r, failure.Infrastructure("pipeline: create export dir", err))
	}
	if err := run.RecordEnqueued(db, r.ID, 1); err != nil {
		return r, ex.abort(r, err)
	}

	for _, obj := range objects {
		e, err := entry.FindOrCreate(db, ex.Model.ID, models.OwnerExporter, models.EntryWork, parser.Record{
			Identifier: obj.ID,
			Fields:     map[string]string{mapping.FieldSourceIdentifier: obj.SystemIdentifier},
		})
		if err != nil {
			return r, ex.abort(r, err)
		}
		if err := db.Model(e).Update("run_id", r.ID).Error; err != nil {
			return r, ex.abort(r, failure.Infrastructure("pipeline: tag entry run", err))
		}
		if err := run.RecordEnqueued(db, r.ID, 1); err != nil {
			return r, ex.abort(r, err)
		}
		if err := ex.p.d.Queue.Enqueue(ctx, KindExportWork, EntryArgs{EntryID: e.ID, RunID: r.ID}, 0); err != nil {
			return r, ex.abort(r, err)
		}
	}
	if err := run.RecordEnqueued(db, r.ID, -1); err != nil {
		return r, ex.abort(r, err)
	}
	logging.FromContext(ctx).Info("export enqueued", "objects", len(objects))
	if err := ex.p.maybeComplete(ctx, r.ID); err != nil {
		return r, err
	}
	return run.Get(db, r.ID)
}

func (ex *Exporter) abort(r *models.Run, err error) error {
	ex.log.Error("export aborted", "error", err)
	if r != nil {
		if ferr := run.Fail(ex.p.d.DB, r.ID); ferr != nil {
			ex.log.Error("mark run failed", "error", ferr)
		}
	}
	if !failure.IsRetryable(err) {
		ex.p.recordOwnerFailure(models.OwnerExporter, ex.Model.ID, err)
	}
	return err
}

// WriteCSV writes the rows of a run's succeeded entries. Columns are id,
// model, the remaining fields sorted, then file.
func WriteCSV(w io.Writer, entries []models.Entry) error {
	rows := make([]map[string]string, 0, len(entries))
	columns := map[string]bool{}
	for _, e := range entries {
		var row map[string]string
		if err := json.Unmarshal(e.ParsedMetadata, &row); err != nil {
			return fmt.Errorf("pipeline: decode export row for entry %d: %w", e.ID, err)
		}
		for k := range row {
			columns[k] = true
		}
		rows = append(rows, row)
	}

	headers := []string{entry.ColumnID, entry.ColumnModel}
	var middle []string
	for k := range columns {
		switch k {
		case entry.ColumnID, entry.ColumnModel, entry.ColumnFile:
			continue
		}
		middle = append(middle, k)
	}
	sort.Strings(middle)
	headers = append(headers, middle...)
	headers = append(headers, entry.ColumnFile)

	cw := csv.NewWriter(w)
	if err := cw.Write(headers); err != nil {
		return err
	}
	for _, row := range rows {
		record := make([]string, len(headers))
		for i, h := range headers {
			record[i] = row[h]
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// finishExport writes export.csv for a completed run, zips the run directory
// and records the artifact on the exporter.
func (p *Pipeline) finishExport(ctx context.Context, r *models.Run) (*models.Exporter, error) {
	ex, err := p.LoadExporter(r.OwnerID)
	if err != nil {
		return nil, err
	}
	var entries []models.Entry
	err = p.d.DB.WithContext(ctx).
		Where("owner_id = ? AND owner_kind = ? AND run_id = ? AND status = ?",
			r.OwnerID, models.OwnerExporter, r.ID, models.EntrySucceeded).
		Order("id ASC").Find(&entries).Error
	if err != nil {
		return nil, failure.Infrastructure("pipeline: load export rows", err)
	}

	dir := ex.Dir(r.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, failure.Infrastructure("pipeline: create export dir", err)
	}
	f, err := os.Create(filepath.Join(dir, CSVName))
	if err != nil {
		return nil, failure.Infrastructure("pipeline: create export csv", err)
	}
	if err := WriteCSV(f, entries); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, failure.Infrastructure("pipeline: close export csv", err)
	}

	artifact := ex.ArtifactPath(r.ID)
	if err := archive.Zip(dir, artifact); err != nil {
		return nil, failure.Infrastructure("pipeline: package export", err)
	}
	if err := p.recordOwnerSuccess(models.OwnerExporter, ex.Model.ID, map[string]interface{}{"artifact_path": artifact}); err != nil {
		return nil, err
	}
	ex.Model.ArtifactPath = artifact
	logging.FromContext(ctx).Info("export packaged", "artifact", artifact, "rows", len(entries))
	return ex.Model, nil
}

func (p *Pipeline) handleExporter(ctx context.Context, job *models.Job) error {
	var args ExporterArgs
	if err := queue.DecodeArgs(job, &args); err != nil {
		return err
	}
	ex, err := p.LoadExporter(args.ExporterID)
	if err != nil {
		if failure.IsRetryable(err) {
			return err
		}
		p.recordOwnerFailure(models.OwnerExporter, args.ExporterID, err)
		return nil
	}
	if _, err := ex.Export(ctx); err != nil && failure.IsRetryable(err) {
		return err
	}
	return nil
}

func (p *Pipeline) handleExportEntry(ctx context.Context, job *models.Job) error {
	var args EntryArgs
	if err := queue.DecodeArgs(job, &args); err != nil {
		return err
	}
	ctx = logging.WithFields(ctx, "entry_id", args.EntryID, "run_id", args.RunID)

	e, err := entry.Get(p.d.DB, args.EntryID)
	if err != nil {
		return p.giveUp(ctx, job, err, nil, args.RunID)
	}
	ex, err := p.LoadExporter(e.OwnerID)
	if err != nil {
		return p.giveUp(ctx, job, err, e, args.RunID)
	}
	b := &entry.ExportBuilder{
		Objects:    p.d.Store,
		Mapper:     ex.Mapper,
		ExportType: ex.Model.ExportType,
		FilesDir:   filepath.Join(ex.Dir(args.RunID), "files"),
		Now:        p.d.Now,
	}
	e.RunID = args.RunID
	if err := b.Build(ctx, e); err != nil {
		return p.giveUp(ctx, job, err, e, args.RunID)
	}
	if err := p.settle(e, args.RunID); err != nil {
		return err
	}
	return p.maybeComplete(ctx, args.RunID)
}
