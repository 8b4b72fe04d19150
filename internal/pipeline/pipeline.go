// Package pipeline is the composition root of the import/export flow. It
// owns the job kinds and their handlers: importer executions, per-entry
// builds, relationship passes and exports.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/notch8/bulkrax/internal/config"
	"github.com/notch8/bulkrax/internal/entry"
	"github.com/notch8/bulkrax/internal/failure"
	"github.com/notch8/bulkrax/internal/logging"
	"github.com/notch8/bulkrax/internal/mapping"
	"github.com/notch8/bulkrax/internal/models"
	"github.com/notch8/bulkrax/internal/notify"
	"github.com/notch8/bulkrax/internal/queue"
	"github.com/notch8/bulkrax/internal/relationship"
	"github.com/notch8/bulkrax/internal/repository"
	"github.com/notch8/bulkrax/internal/run"
	"gorm.io/gorm"
)

// Job kinds.
const (
	KindImporter           = "importer"
	KindImportCollection   = "import_collection"
	KindImportWork         = "import_work"
	KindRelationships      = "relationships"
	KindChildRelationships = relationship.KindChildRelationships
	KindExporter           = "exporter"
	KindExportWork         = "export_work"
)

// ImporterArgs start one importer execution.
type ImporterArgs struct {
	ImporterID  uint `json:"importer_id"`
	OnlyUpdates bool `json:"only_updates"`
}

// EntryArgs build one entry for one run. Retries counts dependency
// reschedules of this (entry, run) pair.
type EntryArgs struct {
	EntryID uint `json:"entry_id"`
	RunID   uint `json:"run_id"`
	Retries int  `json:"retries,omitempty"`
}

// RelationshipsArgs start a relationship pass for an importer run.
type RelationshipsArgs struct {
	ImporterID uint `json:"importer_id"`
	RunID      uint `json:"run_id"`
}

// ChildArgs wire one parent; Retries counts dependency reschedules.
type ChildArgs struct {
	relationship.ChildRelationshipsArgs
	Retries int `json:"retries,omitempty"`
}

// ExporterArgs start one exporter execution.
type ExporterArgs struct {
	ExporterID uint `json:"exporter_id"`
}

// Deps are the collaborators a Pipeline is built from.
type Deps struct {
	DB         *gorm.DB
	Queue      *queue.Queue
	Store      *repository.Store
	Config     *config.Config
	Notifier   notify.Notifier
	HTTPClient *http.Client
	Logger     *slog.Logger
	Now        func() time.Time
}

// Pipeline runs importers and exporters through the job queue.
type Pipeline struct {
	d Deps
}

// New returns a Pipeline. Missing optional deps get defaults.
func New(d Deps) (*Pipeline, error) {
	if d.DB == nil {
		return nil, fmt.Errorf("pipeline: db is required")
	}
	if d.Config == nil {
		d.Config = config.Default()
	}
	if d.Queue == nil {
		d.Queue = queue.New(d.DB, queue.Options{
			MaxAttempts: d.Config.Workers.MaxAttempts,
			BackoffBase: d.Config.Workers.BackoffBase,
			BackoffMax:  d.Config.Workers.BackoffMax,
		})
	}
	if d.Store == nil {
		d.Store = repository.New(d.DB)
	}
	if d.Notifier == nil {
		d.Notifier = notify.Nop{}
	}
	if d.HTTPClient == nil {
		d.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Pipeline{d: d}, nil
}

// Queue returns the job queue the pipeline enqueues into.
func (p *Pipeline) Queue() *queue.Queue { return p.d.Queue }

// Register installs every job handler on pool.
func (p *Pipeline) Register(pool *queue.Pool) {
	pool.Register(KindImporter, p.handleImporter)
	pool.Register(KindImportCollection, p.handleImportEntry)
	pool.Register(KindImportWork, p.handleImportEntry)
	pool.Register(KindRelationships, p.handleRelationships)
	pool.Register(KindChildRelationships, p.handleChildRelationships)
	pool.Register(KindExporter, p.handleExporter)
	pool.Register(KindExportWork, p.handleExportEntry)
}

// StartImport enqueues an importer job unless one is already pending or
// running for that importer.
func (p *Pipeline) StartImport(ctx context.Context, importerID uint, onlyUpdates bool) (bool, error) {
	return p.start(ctx, KindImporter, queue.OwnerKey(models.OwnerImporter, importerID),
		ImporterArgs{ImporterID: importerID, OnlyUpdates: onlyUpdates})
}

// StartExport enqueues an exporter job unless one is already active.
func (p *Pipeline) StartExport(ctx context.Context, exporterID uint) (bool, error) {
	return p.start(ctx, KindExporter, queue.OwnerKey(models.OwnerExporter, exporterID),
		ExporterArgs{ExporterID: exporterID})
}

func (p *Pipeline) start(ctx context.Context, kind, key string, args any) (bool, error) {
	active, err := p.d.Queue.HasActive(ctx, kind, key)
	if err != nil {
		return false, err
	}
	if active {
		return false, nil
	}
	if _, err := p.d.Queue.EnqueueFor(ctx, kind, key, args, 0); err != nil {
		return false, err
	}
	return true, nil
}

// dependencyExhausted reports whether a job rescheduled retries times for a
// missing dependency should give up.
func (p *Pipeline) dependencyExhausted(retries int) bool {
	limit := p.d.Config.Workers.MaxDependencyRetries
	return limit >= 0 && retries >= limit
}

// lastAttempt reports whether a failing job will not be retried again.
func lastAttempt(job *models.Job) bool {
	return job.MaxAttempts > 0 && job.Attempts >= job.MaxAttempts
}

// maybeComplete records run completion once and notifies.
func (p *Pipeline) maybeComplete(ctx context.Context, runID uint) error {
	done, err := run.Complete(p.d.DB, runID)
	if err != nil || !done {
		return err
	}
	r, err := run.Get(p.d.DB, runID)
	if err != nil {
		return err
	}
	log := logging.FromContext(ctx).With("owner_kind", r.OwnerKind, "owner_id", r.OwnerID)
	log.Info("run complete", "status", r.Status, "processed", r.Processed, "failed", r.Failed)

	sum := notify.Summary{
		OwnerKind: r.OwnerKind,
		OwnerID:   r.OwnerID,
		RunID:     r.ID,
		Status:    r.Status,
		Total:     r.Total,
		Processed: r.Processed,
		Failed:    r.Failed,
		Invalid:   len(run.InvalidRecords(r)),
	}
	switch r.OwnerKind {
	case models.OwnerImporter:
		var imp models.Importer
		if err := p.d.DB.First(&imp, r.OwnerID).Error; err == nil {
			sum.Name = imp.Name
		}
	case models.OwnerExporter:
		ex, err := p.finishExport(ctx, r)
		if err != nil {
			// the run is already closed, so packaging is not retried
			log.Error("packaging export failed", "error", err)
			p.recordOwnerFailure(models.OwnerExporter, r.OwnerID, err)
			return nil
		}
		sum.Name = ex.Name
		sum.Artifact = ex.ArtifactPath
	}
	return p.d.Notifier.Notify(ctx, sum)
}

// recordOwnerFailure stores err as the terminal status of an importer or
// exporter.
func (p *Pipeline) recordOwnerFailure(ownerKind string, ownerID uint, err error) {
	class, msg, trace := failure.Info(err)
	now := p.d.Now()
	updates := map[string]interface{}{
		"status":             models.StatusFailed,
		"status_at":          now,
		"last_error_class":   class,
		"last_error_message": msg,
		"last_error_trace":   trace,
	}
	var model interface{} = &models.Importer{}
	if ownerKind == models.OwnerExporter {
		model = &models.Exporter{}
	}
	if dbErr := p.d.DB.Model(model).Where("id = ?", ownerID).Updates(updates).Error; dbErr != nil {
		p.d.Logger.Error("record owner failure", "owner_kind", ownerKind, "owner_id", ownerID, "error", dbErr)
	}
}

// recordOwnerSuccess clears the owner's last error.
func (p *Pipeline) recordOwnerSuccess(ownerKind string, ownerID uint, extra map[string]interface{}) error {
	updates := map[string]interface{}{
		"status":             models.StatusComplete,
		"status_at":          p.d.Now(),
		"last_error_class":   "",
		"last_error_message": "",
		"last_error_trace":   "",
	}
	for k, v := range extra {
		updates[k] = v
	}
	var model interface{} = &models.Importer{}
	if ownerKind == models.OwnerExporter {
		model = &models.Exporter{}
	}
	if err := p.d.DB.Model(model).Where("id = ?", ownerID).Updates(updates).Error; err != nil {
		return failure.Infrastructure(fmt.Sprintf("pipeline: update %s %d", ownerKind, ownerID), err)
	}
	return nil
}

func decodeMapping(data []byte) (*mapping.Mapper, error) {
	var table mapping.Table
	if len(data) > 0 {
		if err := json.Unmarshal(data, &table); err != nil {
			return nil, failure.Configuration(fmt.Sprintf("field mapping: %v", err), "field_mapping")
		}
	}
	m, err := mapping.New(table)
	if err != nil {
		return nil, failure.Configuration(err.Error(), "field_mapping")
	}
	return m, nil
}

// settle saves a built entry and moves the run counters for its outcome.
func (p *Pipeline) settle(e *models.Entry, runID uint) error {
	if err := entry.Save(p.d.DB, e); err != nil {
		return err
	}
	collection := e.Kind == models.EntryCollection
	switch {
	case e.Status == models.EntrySucceeded && collection:
		return run.Increment(p.d.DB, runID, run.ProcessedCollections, 1)
	case e.Status == models.EntrySucceeded:
		return run.RecordProcessed(p.d.DB, runID)
	case collection:
		return run.Increment(p.d.DB, runID, run.FailedCollections, 1)
	default:
		return run.RecordFailed(p.d.DB, runID)
	}
}

func isDependency(err error) bool {
	return errors.Is(err, failure.ErrDependencyNotReady)
}
