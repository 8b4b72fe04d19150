package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/notch8/bulkrax/internal/config"
	"github.com/notch8/bulkrax/internal/entry"
	"github.com/notch8/bulkrax/internal/failure"
	"github.com/notch8/bulkrax/internal/logging"
	"github.com/notch8/bulkrax/internal/mapping"
	"github.com/notch8/bulkrax/internal/models"
	"github.com/notch8/bulkrax/internal/parser"
	"github.com/notch8/bulkrax/internal/queue"
	"github.com/notch8/bulkrax/internal/run"
	"github.com/notch8/bulkrax/internal/schedule"
	"gorm.io/gorm"
)

// Importer is a loaded importer ready to execute.
type Importer struct {
	p      *Pipeline
	Model  *models.Importer
	Fields config.ParserFields
	Mapper *mapping.Mapper
	Parser parser.SourceParser
	log    *slog.Logger
}

// LoadImporter reads importer id and builds its parser. Bad stored settings
// are configuration errors.
func (p *Pipeline) LoadImporter(id uint) (*Importer, error) {
	var m models.Importer
	if err := p.d.DB.First(&m, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("pipeline: importer not found: %d", id)
		}
		return nil, failure.Infrastructure(fmt.Sprintf("pipeline: load importer %d", id), err)
	}

	fields, err := decodeFields(m.ParserFields)
	if err != nil {
		return nil, err
	}
	mapper, err := decodeMapping(m.FieldMapping)
	if err != nil {
		return nil, err
	}
	log := p.d.Logger.With("importer_id", m.ID, "importer", m.Name)
	src, err := parser.New(m.Format, parser.Options{
		Fields:  fields,
		Mapper:  mapper,
		WorkDir: filepath.Join(p.d.Config.Paths.Import, fmt.Sprintf("importer_%d", m.ID)),
		Client:  p.d.HTTPClient,
		Logger:  log,
	})
	if err != nil {
		return nil, err
	}
	return &Importer{p: p, Model: &m, Fields: fields, Mapper: mapper, Parser: src, log: log}, nil
}

func decodeFields(data []byte) (config.ParserFields, error) {
	var f config.ParserFields
	if len(data) > 0 {
		if err := json.Unmarshal(data, &f); err != nil {
			return f, failure.Configuration(fmt.Sprintf("parser fields: %v", err), "parser_fields")
		}
	}
	return f, nil
}

// builder returns the entry builder for this importer's settings.
func (imp *Importer) builder() *entry.Builder {
	return &entry.Builder{
		Factory:     imp.p.d.Store,
		Collections: imp.p.d.Store,
		Mapper:      imp.Mapper,
		Defaults: entry.Defaults{
			Visibility:              imp.Fields.Visibility,
			RightsStatement:         imp.Fields.RightsStatement,
			OverrideRightsStatement: imp.Fields.OverrideRightsStatement,
			WorkType:                imp.Fields.WorkType,
		},
		ReplaceFiles: imp.Model.ReplaceFiles,
		Actor:        imp.Model.User,
		Now:          imp.p.d.Now,
	}
}

// Execute validates the source, starts a run, creates collections
// synchronously, enqueues one build per record and schedules the
// relationship pass. A configuration error is recorded on the importer and
// returned; no entries exist for that execution.
func (imp *Importer) Execute(ctx context.Context, onlyUpdates bool) (*models.Run, error) {
	db := imp.p.d.DB
	ctx = logging.WithFields(ctx, "importer_id", imp.Model.ID)

	if err := imp.Parser.Validate(ctx); err != nil {
		imp.log.Error("source validation failed", "error", err)
		imp.p.recordOwnerFailure(models.OwnerImporter, imp.Model.ID, err)
		return nil, err
	}
	total, err := imp.Parser.Total(ctx)
	if err != nil {
		return nil, imp.abort(nil, err)
	}
	if imp.Model.Limit > 0 && total > imp.Model.Limit {
		total = imp.Model.Limit
	}

	r, err := run.Start(db, imp.Model.ID, models.OwnerImporter, total)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithFields(ctx, "run_id", r.ID)
	logging.FromContext(ctx).Info("import started", "total", total, "only_updates", onlyUpdates)

	if err := imp.CreateCollections(ctx, r); err != nil {
		return r, imp.abort(r, err)
	}
	enqueued, err := imp.CreateWorks(ctx, r, onlyUpdates)
	if err != nil {
		return r, imp.abort(r, err)
	}

	delay := imp.p.d.Config.Workers.RelationshipDelay
	if err := imp.p.d.Queue.Enqueue(ctx, KindRelationships, RelationshipsArgs{ImporterID: imp.Model.ID, RunID: r.ID}, delay); err != nil {
		return r, imp.abort(r, err)
	}

	next, err := schedule.Next(imp.Model.Frequency, imp.p.d.Now())
	if err != nil {
		imp.log.Warn("invalid frequency, importer will not be rescheduled", "error", err)
	}
	if err := imp.p.recordOwnerSuccess(models.OwnerImporter, imp.Model.ID, map[string]interface{}{
		"last_imported_at": r.StartedAt,
		"next_import_at":   next,
	}); err != nil {
		return r, err
	}
	logging.FromContext(ctx).Info("import enqueued", "works", enqueued)
	return run.Get(db, r.ID)
}

// abort records a terminal failure. Configuration errors stop the run for
// good; anything else is returned for the job queue to retry.
func (imp *Importer) abort(r *models.Run, err error) error {
	imp.log.Error("import aborted", "error", err)
	if r != nil {
		if ferr := run.Fail(imp.p.d.DB, r.ID); ferr != nil {
			imp.log.Error("mark run failed", "error", ferr)
		}
	}
	if !failure.IsRetryable(err) {
		imp.p.recordOwnerFailure(models.OwnerImporter, imp.Model.ID, err)
	}
	return err
}

// CreateCollections finds or creates an entry per referenced collection and
// builds it inline, so collections exist before any work build runs.
// Collections that hit a transient error are handed to the queue instead.
func (imp *Importer) CreateCollections(ctx context.Context, r *models.Run) error {
	db := imp.p.d.DB
	names, err := imp.Parser.Collections(ctx)
	if err != nil {
		return err
	}
	if len(names) == 0 {
		return nil
	}
	if err := run.Increment(db, r.ID, run.TotalCollections, len(names)); err != nil {
		return err
	}

	b := imp.builder()
	for _, name := range names {
		e, err := entry.FindOrCreate(db, imp.Model.ID, models.OwnerImporter, models.EntryCollection, parser.Record{
			Identifier: name,
			Fields:     map[string]string{mapping.FieldTitle: name},
		})
		if err != nil {
			return err
		}
		e.RunID = r.ID

		if _, err := b.Build(ctx, e); err != nil {
			logging.FromContext(ctx).Warn("collection build deferred", "collection", name, "error", err)
			if err := entry.Save(db, e); err != nil {
				return err
			}
			if err := imp.p.d.Queue.Enqueue(ctx, KindImportCollection, EntryArgs{EntryID: e.ID, RunID: r.ID}, imp.p.d.Config.Workers.RescheduleDelay); err != nil {
				return err
			}
			continue
		}
		if err := imp.p.settle(e, r.ID); err != nil {
			return err
		}
	}
	return nil
}

// CreateWorks streams the source, finds or creates one entry per record and
// enqueues its build. Records with a blank identifier are recorded as
// invalid on the run; repeated identifiers are built once. It returns the
// number of builds enqueued.
func (imp *Importer) CreateWorks(ctx context.Context, r *models.Run, onlyUpdates bool) (int, error) {
	db := imp.p.d.DB
	log := logging.FromContext(ctx)

	// Hold the run open while enqueueing so early finishers cannot
	// complete it against a provisional total.
	if err := run.RecordEnqueued(db, r.ID, 1); err != nil {
		return 0, err
	}

	opts := parser.RecordOpts{}
	if onlyUpdates {
		opts.Since = imp.Model.LastImportedAt
	}

	seen := make(map[string]bool)
	var invalid []string
	enqueued, index := 0, 0
	for rec, err := range imp.Parser.Records(ctx, opts) {
		if err != nil {
			return enqueued, err
		}
		index++
		if imp.Model.Limit > 0 && enqueued >= imp.Model.Limit {
			break
		}
		if rec.Identifier == "" {
			invalid = append(invalid, fmt.Sprintf("record %d: missing %s", index, mapping.FieldSourceIdentifier))
			continue
		}
		if seen[rec.Identifier] {
			log.Warn("duplicate identifier in source, skipping", "identifier", rec.Identifier)
			continue
		}
		seen[rec.Identifier] = true

		e, err := entry.FindOrCreate(db, imp.Model.ID, models.OwnerImporter, models.EntryWork, rec)
		if err != nil {
			return enqueued, err
		}
		if err := db.Model(e).Update("run_id", r.ID).Error; err != nil {
			return enqueued, failure.Infrastructure("pipeline: tag entry run", err)
		}
		if err := run.RecordEnqueued(db, r.ID, 1); err != nil {
			return enqueued, err
		}
		if err := imp.p.d.Queue.Enqueue(ctx, KindImportWork, EntryArgs{EntryID: e.ID, RunID: r.ID}, 0); err != nil {
			return enqueued, err
		}
		enqueued++
	}

	if err := run.AddInvalid(db, r.ID, invalid...); err != nil {
		return enqueued, err
	}
	if err := run.SetTotal(db, r.ID, enqueued); err != nil {
		return enqueued, err
	}
	if err := run.RecordEnqueued(db, r.ID, -1); err != nil {
		return enqueued, err
	}
	return enqueued, imp.p.maybeComplete(ctx, r.ID)
}

func (p *Pipeline) handleImporter(ctx context.Context, job *models.Job) error {
	var args ImporterArgs
	if err := queue.DecodeArgs(job, &args); err != nil {
		return err
	}
	imp, err := p.LoadImporter(args.ImporterID)
	if err != nil {
		if failure.IsRetryable(err) {
			return err
		}
		p.recordOwnerFailure(models.OwnerImporter, args.ImporterID, err)
		logging.FromContext(ctx).Error("importer not runnable", "importer_id", args.ImporterID, "error", err)
		return nil
	}
	if _, err := imp.Execute(ctx, args.OnlyUpdates); err != nil && failure.IsRetryable(err) {
		return err
	}
	return nil
}

// handleImportEntry builds one collection or work entry.
func (p *Pipeline) handleImportEntry(ctx context.Context, job *models.Job) error {
	var args EntryArgs
	if err := queue.DecodeArgs(job, &args); err != nil {
		return err
	}
	ctx = logging.WithFields(ctx, "entry_id", args.EntryID, "run_id", args.RunID)
	log := logging.FromContext(ctx)

	e, err := entry.Get(p.d.DB, args.EntryID)
	if err != nil {
		return p.giveUp(ctx, job, err, nil, args.RunID)
	}
	imp, err := p.LoadImporter(e.OwnerID)
	if err != nil {
		return p.giveUp(ctx, job, err, e, args.RunID)
	}
	e.RunID = args.RunID

	_, err = imp.builder().Build(ctx, e)
	switch {
	case err == nil:
	case isDependency(err):
		if p.dependencyExhausted(args.Retries) {
			log.Error("dependency never became ready, failing entry", "retries", args.Retries, "error", err)
			entry.Fail(e, p.d.Now(), err)
			break
		}
		if err := entry.Save(p.d.DB, e); err != nil {
			return err
		}
		args.Retries++
		log.Info("dependency not ready, rescheduling", "retries", args.Retries, "error", err)
		return p.d.Queue.Enqueue(ctx, job.Kind, args, p.d.Config.Workers.RescheduleDelay)
	default:
		return p.giveUp(ctx, job, err, e, args.RunID)
	}

	if err := p.settle(e, args.RunID); err != nil {
		return err
	}
	if e.Status == models.EntryFailed {
		log.Warn("entry failed", "identifier", e.Identifier, "error_class", e.ErrorClass, "error", e.ErrorMessage)
	}
	return p.maybeComplete(ctx, args.RunID)
}

// giveUp returns err for a backoff retry, unless this is the job's last
// attempt: then the entry is failed and counted so the run can still
// complete.
func (p *Pipeline) giveUp(ctx context.Context, job *models.Job, err error, e *models.Entry, runID uint) error {
	if failure.IsRetryable(err) && !lastAttempt(job) {
		return err
	}
	logging.FromContext(ctx).Error("entry build abandoned", "error", err)
	if e == nil {
		return nil
	}
	entry.Fail(e, p.d.Now(), err)
	if serr := p.settle(e, runID); serr != nil {
		return serr
	}
	return p.maybeComplete(ctx, runID)
}
