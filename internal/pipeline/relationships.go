package pipeline

import (
	"context"

	"github.com/notch8/bulkrax/internal/entry"
	"github.com/notch8/bulkrax/internal/logging"
	"github.com/notch8/bulkrax/internal/models"
	"github.com/notch8/bulkrax/internal/parser"
	"github.com/notch8/bulkrax/internal/queue"
	"github.com/notch8/bulkrax/internal/relationship"
)

// handleRelationships rebuilds the parent map from every entry's raw record
// and dispatches one child_relationships job per parent.
func (p *Pipeline) handleRelationships(ctx context.Context, job *models.Job) error {
	var args RelationshipsArgs
	if err := queue.DecodeArgs(job, &args); err != nil {
		return err
	}
	ctx = logging.WithFields(ctx, "importer_id", args.ImporterID, "run_id", args.RunID)
	log := logging.FromContext(ctx)

	entries, err := entry.List(p.d.DB, entry.ListFilters{OwnerID: args.ImporterID, OwnerKind: models.OwnerImporter})
	if err != nil {
		return err
	}
	records := make([]parser.Record, 0, len(entries))
	for i := range entries {
		rec, err := entry.Record(&entries[i])
		if err != nil {
			log.Warn("skipping entry with unreadable record", "entry_id", entries[i].ID, "error", err)
			continue
		}
		records = append(records, rec)
	}

	parents := relationship.Parents(records, log)
	if parents.Len() == 0 {
		return nil
	}
	resolver := &relationship.Resolver{DB: p.d.DB, Jobs: p.d.Queue, Logger: log}
	n, err := resolver.Dispatch(ctx, args.ImporterID, models.OwnerImporter, parents, args.RunID)
	if err != nil {
		return err
	}
	log.Info("relationship pass dispatched", "parents", parents.Len(), "jobs", n)
	return nil
}

// handleChildRelationships wires one parent, rescheduling while either side
// has not been built yet.
func (p *Pipeline) handleChildRelationships(ctx context.Context, job *models.Job) error {
	var args ChildArgs
	if err := queue.DecodeArgs(job, &args); err != nil {
		return err
	}
	ctx = logging.WithFields(ctx, "parent_entry_id", args.ParentEntryID, "run_id", args.RunID)
	log := logging.FromContext(ctx)

	w := &relationship.Wirer{DB: p.d.DB, Objects: p.d.Store}
	err := w.Wire(ctx, args.ParentEntryID, args.ChildEntryIDs, args.RunID)
	switch {
	case err == nil:
		return nil
	case isDependency(err):
		if p.dependencyExhausted(args.Retries) {
			log.Error("relationship dependency never became ready, giving up", "retries", args.Retries, "error", err)
			return nil
		}
		args.Retries++
		log.Info("relationship not ready, rescheduling", "retries", args.Retries, "error", err)
		return p.d.Queue.Enqueue(ctx, KindChildRelationships, args, p.d.Config.Workers.RescheduleDelay)
	default:
		return err
	}
}
