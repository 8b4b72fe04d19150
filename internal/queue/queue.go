// Package queue is a durable job queue backed by the jobs table, plus the
// worker pool that drains it.
//
// Claiming is a conditional update (status pending to running) checked via
// RowsAffected, not SELECT ... FOR UPDATE SKIP LOCKED.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/notch8/bulkrax/internal/failure"
	"github.com/notch8/bulkrax/internal/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Job states.
const (
	StatusPending = "pending"
	StatusRunning = "running"
	StatusDone    = "done"
	StatusDead    = "dead"
)

// Defaults used when Options leaves a field zero.
const (
	DefaultMaxAttempts = 5
	DefaultBackoffBase = 5 * time.Second
	DefaultBackoffMax  = 10 * time.Minute
	claimBatch         = 10
)

// ErrLockLost is returned when a job is no longer running under the worker
// that claimed it, usually because it was released as stale and claimed
// again.
var ErrLockLost = errors.New("queue: job lock lost")

// Options tune retry behaviour.
type Options struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	Now         func() time.Time
}

// Queue persists and claims jobs.
type Queue struct {
	db   *gorm.DB
	opts Options
}

// New returns a Queue over db.
func New(db *gorm.DB, opts Options) *Queue {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = DefaultBackoffBase
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = DefaultBackoffMax
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Queue{db: db, opts: opts}
}

// OwnerKey identifies the importer or exporter a job belongs to.
func OwnerKey(ownerKind string, ownerID uint) string {
	return fmt.Sprintf("%s:%d", ownerKind, ownerID)
}

// Enqueue persists a job of kind with JSON-encoded args, due after delay.
func (q *Queue) Enqueue(ctx context.Context, kind string, args any, delay time.Duration) error {
	_, err := q.EnqueueFor(ctx, kind, "", args, delay)
	return err
}

// EnqueueFor is Enqueue with an owner key so the scheduler can tell whether
// the owner already has an active job.
func (q *Queue) EnqueueFor(ctx context.Context, kind, ownerKey string, args any, delay time.Duration) (*models.Job, error) {
	if kind == "" {
		return nil, fmt.Errorf("queue: kind is required")
	}
	data, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("queue: marshal %s args: %w", kind, err)
	}
	if delay < 0 {
		delay = 0
	}
	job := models.Job{
		ID:          uuid.NewString(),
		Kind:        kind,
		OwnerKey:    ownerKey,
		Args:        datatypes.JSON(data),
		Status:      StatusPending,
		RunAt:       q.opts.Now().Add(delay),
		MaxAttempts: q.opts.MaxAttempts,
	}
	if err := q.db.WithContext(ctx).Create(&job).Error; err != nil {
		return nil, failure.Infrastructure("queue: enqueue "+kind, err)
	}
	return &job, nil
}

// Claim marks the oldest due job of one of kinds as running for worker and
// returns it. It returns (nil, nil) when nothing is due.
func (q *Queue) Claim(ctx context.Context, worker string, kinds []string) (*models.Job, error) {
	if worker == "" {
		return nil, fmt.Errorf("queue: worker is required")
	}
	now := q.opts.Now()
	db := q.db.WithContext(ctx)

	var candidates []models.Job
	query := db.Where("status = ? AND run_at <= ?", StatusPending, now)
	if len(kinds) > 0 {
		query = query.Where("kind IN ?", kinds)
	}
	if err := query.Order("run_at ASC").Limit(claimBatch).Find(&candidates).Error; err != nil {
		return nil, failure.Infrastructure("queue: find due jobs", err)
	}

	for i := range candidates {
		c := &candidates[i]
		result := db.Model(&models.Job{}).
			Where("id = ? AND status = ?", c.ID, StatusPending).
			Updates(map[string]interface{}{
				"status":    StatusRunning,
				"locked_by": worker,
				"locked_at": now,
				"attempts":  gorm.Expr("attempts + 1"),
			})
		if result.Error != nil {
			return nil, failure.Infrastructure("queue: claim "+c.ID, result.Error)
		}
		if result.RowsAffected == 1 {
			c.Status = StatusRunning
			c.LockedBy = worker
			c.LockedAt = &now
			c.Attempts++
			return c, nil
		}
		// Another worker won this one.
	}
	return nil, nil
}

// owned scopes an update to job while it is still running under the worker
// that claimed it.
func (q *Queue) owned(ctx context.Context, job *models.Job) *gorm.DB {
	return q.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND status = ? AND locked_by = ?", job.ID, StatusRunning, job.LockedBy)
}

// Finish marks a claimed job done. It returns ErrLockLost when the claim
// has since passed to another worker.
func (q *Queue) Finish(ctx context.Context, job *models.Job) error {
	now := q.opts.Now()
	result := q.owned(ctx, job).Updates(map[string]interface{}{
		"status":       StatusDone,
		"completed_at": now,
		"locked_by":    "",
	})
	if result.Error != nil {
		return failure.Infrastructure("queue: finish "+job.ID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("queue: finish %s: %w", job.ID, ErrLockLost)
	}
	job.Status = StatusDone
	job.CompletedAt = &now
	return nil
}

// Retry reschedules a failed claimed job with exponential backoff, or marks
// it dead once its attempts are used up. It reports whether the job is dead.
func (q *Queue) Retry(ctx context.Context, job *models.Job, cause error) (dead bool, err error) {
	limit := job.MaxAttempts
	if limit <= 0 {
		limit = q.opts.MaxAttempts
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	updates := map[string]interface{}{
		"last_error": msg,
		"locked_by":  "",
	}
	if job.Attempts >= limit {
		dead = true
		updates["status"] = StatusDead
		updates["completed_at"] = q.opts.Now()
	} else {
		updates["status"] = StatusPending
		updates["run_at"] = q.opts.Now().Add(Backoff(q.opts.BackoffBase, q.opts.BackoffMax, job.Attempts))
	}
	result := q.owned(ctx, job).Updates(updates)
	if result.Error != nil {
		return dead, failure.Infrastructure("queue: retry "+job.ID, result.Error)
	}
	if result.RowsAffected == 0 {
		return false, fmt.Errorf("queue: retry %s: %w", job.ID, ErrLockLost)
	}
	job.Status = updates["status"].(string)
	job.LastError = msg
	return dead, nil
}

// Touch refreshes a running job's locked_at so ReleaseStale leaves it alone.
// It returns ErrLockLost when the job is no longer held by its claimant.
func (q *Queue) Touch(ctx context.Context, job *models.Job) error {
	now := q.opts.Now()
	result := q.owned(ctx, job).Update("locked_at", now)
	if result.Error != nil {
		return failure.Infrastructure("queue: touch "+job.ID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("queue: touch %s: %w", job.ID, ErrLockLost)
	}
	job.LockedAt = &now
	return nil
}

// ReleaseStale returns running jobs locked before cutoff to pending, for
// workers that died mid-job. Live workers keep their locks fresh with
// StartHeartbeat.
func (q *Queue) ReleaseStale(ctx context.Context, cutoff time.Time) (int64, error) {
	result := q.db.WithContext(ctx).Model(&models.Job{}).
		Where("status = ? AND locked_at < ?", StatusRunning, cutoff).
		Updates(map[string]interface{}{
			"status":    StatusPending,
			"locked_by": "",
			"run_at":    q.opts.Now(),
		})
	if result.Error != nil {
		return 0, failure.Infrastructure("queue: release stale", result.Error)
	}
	return result.RowsAffected, nil
}

// Outstanding counts jobs that are pending or running, limited to kinds when
// any are given.
func (q *Queue) Outstanding(ctx context.Context, kinds ...string) (int64, error) {
	var n int64
	query := q.db.WithContext(ctx).Model(&models.Job{}).
		Where("status IN ?", []string{StatusPending, StatusRunning})
	if len(kinds) > 0 {
		query = query.Where("kind IN ?", kinds)
	}
	err := query.Count(&n).Error
	if err != nil {
		return 0, failure.Infrastructure("queue: count outstanding", err)
	}
	return n, nil
}

// NextRunAt returns the earliest run_at among pending jobs of kinds, or nil.
func (q *Queue) NextRunAt(ctx context.Context, kinds ...string) (*time.Time, error) {
	var job models.Job
	query := q.db.WithContext(ctx).Where("status = ?", StatusPending)
	if len(kinds) > 0 {
		query = query.Where("kind IN ?", kinds)
	}
	result := query.Order("run_at ASC").Limit(1).Find(&job)
	if result.Error != nil {
		return nil, failure.Infrastructure("queue: next run", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &job.RunAt, nil
}

// HasActive reports whether ownerKey has a pending or running job of kind.
func (q *Queue) HasActive(ctx context.Context, kind, ownerKey string) (bool, error) {
	var n int64
	err := q.db.WithContext(ctx).Model(&models.Job{}).
		Where("kind = ? AND owner_key = ? AND status IN ?", kind, ownerKey, []string{StatusPending, StatusRunning}).
		Count(&n).Error
	if err != nil {
		return false, failure.Infrastructure("queue: active "+ownerKey, err)
	}
	return n > 0, nil
}

// List returns jobs, newest first, optionally filtered by status.
func (q *Queue) List(ctx context.Context, status string, limit int) ([]models.Job, error) {
	query := q.db.WithContext(ctx).Model(&models.Job{})
	if status != "" {
		query = query.Where("status = ?", status)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	var out []models.Job
	if err := query.Order("created_at DESC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("queue: list: %w", err)
	}
	return out, nil
}

// DecodeArgs unmarshals a job's args into v.
func DecodeArgs(job *models.Job, v any) error {
	if err := json.Unmarshal(job.Args, v); err != nil {
		return fmt.Errorf("queue: decode %s args for %s: %w", job.Kind, job.ID, err)
	}
	return nil
}

// Backoff returns base * 2^(attempts-1), capped at ceiling.
func Backoff(base, ceiling time.Duration, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= ceiling {
			return ceiling
		}
	}
	return min(d, ceiling)
}
