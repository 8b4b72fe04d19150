// Package relationship wires parent works to their children once both sides
// exist. A pass scans the source records' children lists, resolves entries
// by identifier and dispatches one child_relationships job per parent.
package relationship

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/notch8/bulkrax/internal/entry"
	"github.com/notch8/bulkrax/internal/failure"
	"github.com/notch8/bulkrax/internal/models"
	"github.com/notch8/bulkrax/internal/parser"
	"gorm.io/gorm"
)

// KindChildRelationships is the job kind that wires one parent.
const KindChildRelationships = "child_relationships"

// JobRunner enqueues background jobs.
type JobRunner interface {
	Enqueue(ctx context.Context, kind string, args any, delay time.Duration) error
}

// ChildRelationshipsArgs are the args of a child_relationships job.
type ChildRelationshipsArgs struct {
	ParentEntryID uint   `json:"parent_entry_id"`
	ChildEntryIDs []uint `json:"child_entry_ids"`
	RunID         uint   `json:"run_id"`
}

// ParentMap is parent identifier -> ordered child identifiers, iterated in
// first-seen parent order.
type ParentMap struct {
	order    []string
	children map[string][]string
}

// Parents returns parent identifiers in first-seen order.
func (m ParentMap) Parents() []string { return m.order }

// Children returns the ordered children of parent.
func (m ParentMap) Children(parent string) []string { return m.children[parent] }

// Len is the number of parents.
func (m ParentMap) Len() int { return len(m.order) }

// Parents builds the parent map from records. A parent listed by more than
// one record keeps every child, in order, without duplicates; each repeat is
// logged. Self references are dropped.
func Parents(records []parser.Record, logger *slog.Logger) ParentMap {
	if logger == nil {
		logger = slog.Default()
	}
	m := ParentMap{children: make(map[string][]string)}
	for _, rec := range records {
		if rec.Identifier == "" || len(rec.Children) == 0 {
			continue
		}
		existing, dup := m.children[rec.Identifier]
		if dup {
			logger.Warn("duplicate parent in source, merging children", "parent", rec.Identifier)
		} else {
			m.order = append(m.order, rec.Identifier)
		}
		seen := make(map[string]bool, len(existing)+len(rec.Children))
		for _, c := range existing {
			seen[c] = true
		}
		for _, c := range rec.Children {
			if c == "" || seen[c] {
				continue
			}
			if c == rec.Identifier {
				logger.Warn("record lists itself as a child, skipping", "parent", rec.Identifier)
				continue
			}
			seen[c] = true
			existing = append(existing, c)
		}
		m.children[rec.Identifier] = existing
	}
	return m
}

// Resolver dispatches child_relationships jobs for an owner's records.
type Resolver struct {
	DB     *gorm.DB
	Jobs   JobRunner
	Logger *slog.Logger
}

// Dispatch resolves each parent and its children to entries and enqueues one
// job per parent. Unresolvable children are logged and left out. A parent
// that cannot be found is skipped; a parent with no resolvable children ends
// the whole pass. It returns the number of jobs enqueued.
func (r *Resolver) Dispatch(ctx context.Context, ownerID uint, ownerKind string, parents ParentMap, runID uint) (int, error) {
	log := r.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("owner_id", ownerID, "owner_kind", ownerKind, "run_id", runID)

	dispatched := 0
	for _, pid := range parents.Parents() {
		parent, err := entry.Lookup(r.DB, ownerID, ownerKind, pid)
		if err != nil {
			return dispatched, err
		}
		if parent == nil {
			log.Warn("parent entry not found, skipping", "parent", pid)
			continue
		}

		wanted := parents.Children(pid)
		var childIDs []uint
		for _, cid := range wanted {
			child, err := entry.Lookup(r.DB, ownerID, ownerKind, cid)
			if err != nil {
				return dispatched, err
			}
			if child == nil {
				log.Warn("child entry not found", "parent", pid, "child", cid)
				continue
			}
			childIDs = append(childIDs, child.ID)
		}
		if len(childIDs) != len(wanted) {
			log.Warn("child count mismatch", "parent", pid, "expected", len(wanted), "found", len(childIDs))
		}
		if len(childIDs) == 0 {
			log.Error("no children resolved, stopping relationship pass", "parent", pid)
			return dispatched, nil
		}

		args := ChildRelationshipsArgs{ParentEntryID: parent.ID, ChildEntryIDs: childIDs, RunID: runID}
		if err := r.Jobs.Enqueue(ctx, KindChildRelationships, args, 0); err != nil {
			return dispatched, fmt.Errorf("relationship: enqueue for %s: %w", pid, err)
		}
		dispatched++
	}
	return dispatched, nil
}

// Linker attaches child objects to a parent object.
type Linker interface {
	AddChildren(ctx context.Context, parentID string, childIDs []string) error
}

// Wirer links the objects behind a parent entry and its child entries.
type Wirer struct {
	DB      *gorm.DB
	Objects Linker
}

// Wire attaches the children's objects to the parent's object, preserving
// child order. It returns failure.ErrDependencyNotReady while any of the
// entries has no object yet.
func (w *Wirer) Wire(ctx context.Context, parentEntryID uint, childEntryIDs []uint, runID uint) error {
	parent, err := entry.Get(w.DB, parentEntryID)
	if err != nil {
		return err
	}
	if parent.ObjectID == "" {
		return failure.DependencyNotReady("parent %s has no object yet", parent.Identifier)
	}

	var children []models.Entry
	if err := w.DB.WithContext(ctx).Where("id IN ?", childEntryIDs).Find(&children).Error; err != nil {
		return failure.Infrastructure("relationship: load children", err)
	}
	byID := make(map[uint]models.Entry, len(children))
	for _, c := range children {
		byID[c.ID] = c
	}

	objectIDs := make([]string, 0, len(childEntryIDs))
	for _, id := range childEntryIDs {
		c, ok := byID[id]
		if !ok {
			return fmt.Errorf("relationship: child entry %d not found", id)
		}
		if c.ObjectID == "" {
			return failure.DependencyNotReady("child %s has no object yet", c.Identifier)
		}
		objectIDs = append(objectIDs, c.ObjectID)
	}
	return w.Objects.AddChildren(ctx, parent.ObjectID, objectIDs)
}
