package gormstore

import "gorm.io/datatypes"

// documentRow stores one document; Parent is the collection path.
type documentRow struct {
	Path        string         `gorm:"primaryKey;size:512"`
	Parent      string         `gorm:"index:idx_documents_parent;size:512;not null"`
	DocID       string         `gorm:"column:doc_id;size:128;not null"`
	Body        datatypes.JSON `gorm:"not null"`
	CreateNanos int64          `gorm:"not null"`
	UpdateNanos int64          `gorm:"not null"`
}

func (documentRow) TableName() string { return "documents" }

// clockRow is the single row holding the last commit timestamp.
type clockRow struct {
	ID        uint  `gorm:"primaryKey"`
	LastNanos int64 `gorm:"not null"`
}

func (clockRow) TableName() string { return "store_clock" }
