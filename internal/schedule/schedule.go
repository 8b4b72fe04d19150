// Package schedule re-runs importers that carry a cron frequency.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/notch8/bulkrax/internal/models"
	"github.com/robfig/cron/v3"
	"gorm.io/gorm"
)

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// DefaultInterval is how often the scheduler looks for due importers.
const DefaultInterval = time.Minute

// Validate reports whether expr is a usable frequency. Empty means one-shot.
func Validate(expr string) error {
	if expr == "" {
		return nil
	}
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("schedule: invalid frequency %q: %w", expr, err)
	}
	return nil
}

// Next returns the next fire time of expr after from. Empty expr yields nil.
func Next(expr string, from time.Time) (*time.Time, error) {
	if expr == "" {
		return nil, nil
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("schedule: invalid frequency %q: %w", expr, err)
	}
	next := sched.Next(from)
	return &next, nil
}

// Starter begins an importer execution. It reports false when the importer
// already has one pending or running.
type Starter interface {
	StartImport(ctx context.Context, importerID uint, onlyUpdates bool) (bool, error)
}

// Scheduler enqueues due importers.
type Scheduler struct {
	DB      *gorm.DB
	Starter Starter
	Logger  *slog.Logger
	Now     func() time.Time
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Scheduler) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// Tick starts every importer whose next_import_at has passed and advances
// its schedule. Scheduled runs only pick up records changed since the last
// import. It returns the number of importers started.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	now := s.now()
	var due []models.Importer
	err := s.DB.WithContext(ctx).
		Where("frequency <> '' AND next_import_at IS NOT NULL AND next_import_at <= ?", now).
		Order("next_import_at ASC").
		Find(&due).Error
	if err != nil {
		return 0, fmt.Errorf("schedule: find due importers: %w", err)
	}

	started := 0
	for _, imp := range due {
		log := s.logger().With("importer_id", imp.ID, "importer", imp.Name)
		ok, err := s.Starter.StartImport(ctx, imp.ID, imp.LastImportedAt != nil)
		if err != nil {
			log.Error("scheduled start failed", "error", err)
			continue
		}
		if !ok {
			log.Info("importer already active, skipping scheduled run")
		} else {
			started++
		}

		next, err := Next(imp.Frequency, now)
		if err != nil {
			log.Error("bad frequency, unscheduling", "error", err)
		}
		if err := s.DB.WithContext(ctx).Model(&models.Importer{}).Where("id = ?", imp.ID).
			Update("next_import_at", next).Error; err != nil {
			return started, fmt.Errorf("schedule: advance importer %d: %w", imp.ID, err)
		}
	}
	return started, nil
}

// Run ticks every interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := s.Tick(ctx); err != nil {
			s.logger().Error("scheduler tick", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
