package models

import (
	"time"

	"gorm.io/datatypes"
)

// Job is a durable queue row.
type Job struct {
	ID          string         `gorm:"primaryKey;size:36"`
	Kind        string         `gorm:"size:32;not null;index"`
	OwnerKey    string         `gorm:"size:64;index"`
	Args        datatypes.JSON `gorm:"type:json"`
	Status      string         `gorm:"size:16;default:pending;index:idx_job_due,priority:1"`
	RunAt       time.Time      `gorm:"index:idx_job_due,priority:2"`
	Attempts    int            `gorm:"default:0"`
	MaxAttempts int            `gorm:"default:5"`
	LastError   string         `gorm:"type:text"`
	LockedBy    string         `gorm:"size:64"`
	LockedAt    *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}
