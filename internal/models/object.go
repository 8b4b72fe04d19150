package models

import (
	"time"

	"gorm.io/datatypes"
)

// Membership kinds.
const (
	MemberCollection = "collection"
	MemberChild      = "child"
)

// Object is a repository object held by the local repository adapter.
type Object struct {
	ID               string         `gorm:"primaryKey;size:36"`
	SystemIdentifier string         `gorm:"size:255;not null;uniqueIndex"`
	Model            string         `gorm:"size:64;index"`
	Title            string         `gorm:"size:1024"`
	Visibility       string         `gorm:"size:32;default:open"`
	Metadata         datatypes.JSON `gorm:"type:json"`
	Files            datatypes.JSON `gorm:"type:json"`
	Depositor        string         `gorm:"size:64"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Membership links a parent object (collection or work) to a child.
type Membership struct {
	ParentID  string `gorm:"primaryKey;size:36"`
	ChildID   string `gorm:"primaryKey;size:36;index"`
	Kind      string `gorm:"primaryKey;size:16"`
	Position  int    `gorm:"default:0"`
	CreatedAt time.Time
}
