package models

import "time"

// Run status values recorded by the run package.
const (
	RunRunning              = "Running"
	RunComplete             = "Complete"
	RunCompleteWithFailures = "Complete (with failures)"
	RunPending              = "Pending"
)

// Run aggregates progress for one execution of an importer or exporter.
// Counters are updated with per-field atomic increments.
type Run struct {
	ID                   uint   `gorm:"primaryKey;autoIncrement"`
	OwnerID              uint   `gorm:"not null;index:idx_run_owner,priority:1"`
	OwnerKind            string `gorm:"size:16;not null;index:idx_run_owner,priority:2"`
	Total                int    `gorm:"default:0"`
	Processed            int    `gorm:"default:0"`
	Failed               int    `gorm:"default:0"`
	Enqueued             int    `gorm:"default:0"`
	TotalCollections     int    `gorm:"default:0"`
	ProcessedCollections int    `gorm:"default:0"`
	FailedCollections    int    `gorm:"default:0"`
	InvalidRecords       string `gorm:"type:text"`
	Status               string `gorm:"size:32"`
	StartedAt            time.Time
	CompletedAt          *time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
}
