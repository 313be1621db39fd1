package results

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Run records one analysis over one trace.
type Run struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	Source     string    `gorm:"size:512"`
	WindowNS   int64     `gorm:"not null"`
	ApplyMode  string    `gorm:"size:16"`
	KeyByTopic bool
	Dense      bool
	Records    int64
	Events     int64
	RowCount   int64
	Digest     string `gorm:"size:64"`
	StartedAt  time.Time
	FinishedAt time.Time
	CreatedAt  time.Time
}

// WindowRow stores one output row. Mesh holds the comma-separated member ids
// when the run kept them.
type WindowRow struct {
	ID          uint      `gorm:"primaryKey"`
	RunID       uuid.UUID `gorm:"type:uuid;index:idx_rows_lookup,priority:1;uniqueIndex:idx_rows_unique,priority:1"`
	Peer        int64     `gorm:"index:idx_rows_lookup,priority:2;uniqueIndex:idx_rows_unique,priority:2"`
	Topic       string    `gorm:"size:256;uniqueIndex:idx_rows_unique,priority:3"`
	WindowStart int64     `gorm:"index:idx_rows_lookup,priority:3;uniqueIndex:idx_rows_unique,priority:4"`
	WindowEnd   int64
	Honest      int
	Attacker    int
	Mesh        string
}

// AutoMigrate creates or updates the result schema.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Run{}, &WindowRow{})
}
