package models

import (
	"time"

	"gorm.io/datatypes"
)

// Owner kinds shared by Run and Entry.
const (
	OwnerImporter = "importer"
	OwnerExporter = "exporter"
)

// Owner status values.
const (
	StatusComplete = "Complete"
	StatusFailed   = "Failed"
)

// Importer is a configured source of records.
type Importer struct {
	ID               uint           `gorm:"primaryKey;autoIncrement"`
	Name             string         `gorm:"size:255;not null"`
	Format           string         `gorm:"size:16;not null"`
	User             string         `gorm:"size:64"`
	ParserFields     datatypes.JSON `gorm:"type:json"`
	FieldMapping     datatypes.JSON `gorm:"type:json"`
	Limit            int            `gorm:"default:0"`
	Frequency        string         `gorm:"size:64"`
	ReplaceFiles     bool           `gorm:"default:false"`
	Status           string         `gorm:"size:32"`
	StatusAt         *time.Time
	LastErrorClass   string `gorm:"size:128"`
	LastErrorMessage string `gorm:"type:text"`
	LastErrorTrace   string `gorm:"type:text"`
	LastImportedAt   *time.Time
	NextImportAt     *time.Time `gorm:"index"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Exporter is a configured export of existing repository objects.
type Exporter struct {
	ID               uint           `gorm:"primaryKey;autoIncrement"`
	Name             string         `gorm:"size:255;not null"`
	Format           string         `gorm:"size:16;default:csv"`
	User             string         `gorm:"size:64"`
	ExportFrom       string         `gorm:"size:16;not null"`
	ExportSource     string         `gorm:"size:255;not null"`
	ExportType       string         `gorm:"size:16;default:metadata"`
	Limit            int            `gorm:"default:0"`
	FieldMapping     datatypes.JSON `gorm:"type:json"`
	ArtifactPath     string         `gorm:"size:1024"`
	Status           string         `gorm:"size:32"`
	StatusAt         *time.Time
	LastErrorClass   string `gorm:"size:128"`
	LastErrorMessage string `gorm:"type:text"`
	LastErrorTrace   string `gorm:"type:text"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}
