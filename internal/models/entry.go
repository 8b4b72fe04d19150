package models

import (
	"time"

	"gorm.io/datatypes"
)

// Entry kinds.
const (
	EntryWork       = "work"
	EntryCollection = "collection"
)

// Entry build states.
const (
	EntryWaiting   = "waiting"
	EntrySucceeded = "succeeded"
	EntryFailed    = "failed"
)

// Entry is the per-record staging row. Identity is unique per owner.
type Entry struct {
	ID             uint           `gorm:"primaryKey;autoIncrement"`
	OwnerID        uint           `gorm:"not null;uniqueIndex:idx_entry_identity,priority:1"`
	OwnerKind      string         `gorm:"size:16;not null;uniqueIndex:idx_entry_identity,priority:2"`
	Identifier     string         `gorm:"size:255;not null;uniqueIndex:idx_entry_identity,priority:3"`
	Kind           string         `gorm:"size:16;default:work;index"`
	RawMetadata    datatypes.JSON `gorm:"type:json"`
	ParsedMetadata datatypes.JSON `gorm:"type:json"`
	CollectionIDs  datatypes.JSON `gorm:"type:json"`
	ObjectID       string         `gorm:"size:36"`
	RunID          uint           `gorm:"index"` // last run that enqueued this entry
	Status         string         `gorm:"size:16;default:waiting;index"`
	StatusAt       *time.Time
	ErrorClass     string `gorm:"size:128"`
	ErrorMessage   string `gorm:"type:text"`
	ErrorTrace     string `gorm:"type:text"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// EntryError is the structured last error of a failed entry.
type EntryError struct {
	Class   string `json:"error_class"`
	Message string `json:"error_message"`
	Trace   string `json:"error_trace"`
}

// MarkSucceeded records a successful build and clears any error.
func (e *Entry) MarkSucceeded(at time.Time) {
	e.Status = EntrySucceeded
	e.StatusAt = &at
	e.ErrorClass, e.ErrorMessage, e.ErrorTrace = "", "", ""
}

// MarkFailed records a failed build; the previous success timestamp is gone.
func (e *Entry) MarkFailed(at time.Time, class, message, trace string) {
	e.Status = EntryFailed
	e.StatusAt = &at
	e.ErrorClass, e.ErrorMessage, e.ErrorTrace = class, message, trace
}

// SucceededAt returns the success timestamp, or nil unless succeeded.
func (e *Entry) SucceededAt() *time.Time {
	if e.Status != EntrySucceeded {
		return nil
	}
	return e.StatusAt
}

// LastError returns the structured error, or nil unless failed.
func (e *Entry) LastError() *EntryError {
	if e.Status != EntryFailed {
		return nil
	}
	return &EntryError{Class: e.ErrorClass, Message: e.ErrorMessage, Trace: e.ErrorTrace}
}
