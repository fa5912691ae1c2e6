package ingest

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type BatchStatus string

const (
	BatchRunning  BatchStatus = "running"
	BatchComplete BatchStatus = "complete"
	BatchPartial  BatchStatus = "partial"
	BatchFatal    BatchStatus = "fatal"
)

// BatchRecord is the ledger row for one load run. (dataset_id, schema_version, ingest_batch_id)
// is unique; a row in status running blocks a second run with the same key.
type BatchRecord struct {
	ID            uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	DatasetID     string         `gorm:"column:dataset_id;not null;uniqueIndex:idx_ingest_batch_key,priority:1" json:"dataset_id"`
	SchemaVersion string         `gorm:"column:schema_version;not null;uniqueIndex:idx_ingest_batch_key,priority:2" json:"schema_version"`
	IngestBatchID string         `gorm:"column:ingest_batch_id;not null;uniqueIndex:idx_ingest_batch_key,priority:3" json:"ingest_batch_id"`
	Status        BatchStatus    `gorm:"column:status;not null;index" json:"status"`
	StartedAt     time.Time      `gorm:"column:started_at;not null" json:"started_at"`
	FinishedAt    *time.Time     `gorm:"column:finished_at" json:"finished_at,omitempty"`
	RowsAttempted int64          `gorm:"column:rows_attempted;not null;default:0" json:"rows_attempted"`
	RowsLoaded    int64          `gorm:"column:rows_loaded;not null;default:0" json:"rows_loaded"`
	RowsRejected  int64          `gorm:"column:rows_rejected;not null;default:0" json:"rows_rejected"`
	Report        datatypes.JSON `gorm:"column:report" json:"report,omitempty"`
	UpdatedAt     time.Time      `gorm:"column:updated_at" json:"updated_at"`
}

func (BatchRecord) TableName() string { return "ingest_batch" }

// RunKey identifies a run for collision detection.
func (r *BatchRecord) RunKey() string {
	return r.DatasetID + "/" + r.SchemaVersion + "/" + r.IngestBatchID
}
