package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/yungbote/graphstage/internal/domain/ingest"
	"github.com/yungbote/graphstage/internal/platform/logger"
)

// Ledger persists one BatchRecord per (dataset, schema, batch id). A record in status running
// owns the key until it finishes or goes stale.
type Ledger struct {
	db         *gorm.DB
	log        *logger.Logger
	staleAfter time.Duration
	now        func() time.Time
}

// New returns a ledger. staleAfter <= 0 means a running record is never taken over.
func New(db *gorm.DB, baseLog *logger.Logger, staleAfter time.Duration) *Ledger {
	if baseLog == nil {
		baseLog = logger.NewNop()
	}
	return &Ledger{
		db:         db,
		log:        baseLog.With("repo", "BatchLedger"),
		staleAfter: staleAfter,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Begin records rec as running. If the key exists and is finished (or stale) the existing row
// is reset and claimed; if another run holds it, Begin returns ingest.ErrRunCollision.
func (l *Ledger) Begin(ctx context.Context, rec *ingest.BatchRecord) error {
	now := l.now()
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	rec.Status = ingest.BatchRunning
	rec.StartedAt = now
	rec.FinishedAt = nil
	rec.UpdatedAt = now

	err := l.db.WithContext(ctx).Create(rec).Error
	if err == nil {
		l.log.Debug("batch registered", "run", rec.RunKey(), "id", rec.ID)
		return nil
	}
	if !isUniqueViolation(err) {
		return fmt.Errorf("ledger: begin %s: %w", rec.RunKey(), err)
	}

	q := l.db.WithContext(ctx).Model(&ingest.BatchRecord{}).
		Where("dataset_id = ? AND schema_version = ? AND ingest_batch_id = ?", rec.DatasetID, rec.SchemaVersion, rec.IngestBatchID)
	if l.staleAfter > 0 {
		q = q.Where("status <> ? OR updated_at < ?", ingest.BatchRunning, now.Add(-l.staleAfter))
	} else {
		q = q.Where("status <> ?", ingest.BatchRunning)
	}
	res := q.Updates(map[string]any{
		"status":         ingest.BatchRunning,
		"started_at":     now,
		"finished_at":    nil,
		"rows_attempted": 0,
		"rows_loaded":    0,
		"rows_rejected":  0,
		"report":         nil,
		"updated_at":     now,
	})
	if res.Error != nil {
		return fmt.Errorf("ledger: reclaim %s: %w", rec.RunKey(), res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("ledger: %s is held by another run: %w", rec.RunKey(), ingest.ErrRunCollision)
	}

	existing, err := l.Get(ctx, rec.DatasetID, rec.SchemaVersion, rec.IngestBatchID)
	if err != nil {
		return err
	}
	if existing != nil {
		rec.ID = existing.ID
	}
	l.log.Info("batch key reclaimed", "run", rec.RunKey(), "id", rec.ID)
	return nil
}

// Heartbeat refreshes updated_at so a long run is not treated as stale.
func (l *Ledger) Heartbeat(ctx context.Context, rec *ingest.BatchRecord) error {
	return l.db.WithContext(ctx).Model(&ingest.BatchRecord{}).
		Where("id = ? AND status = ?", rec.ID, ingest.BatchRunning).
		Update("updated_at", l.now()).Error
}

// Finish stores the final status, counters and report of rec.
func (l *Ledger) Finish(ctx context.Context, rec *ingest.BatchRecord, status ingest.BatchStatus, report []byte) error {
	now := l.now()
	rec.Status = status
	rec.FinishedAt = &now
	rec.UpdatedAt = now
	if len(report) > 0 {
		rec.Report = datatypes.JSON(report)
	}
	err := l.db.WithContext(ctx).Model(&ingest.BatchRecord{}).
		Where("id = ?", rec.ID).
		Updates(map[string]any{
			"status":         status,
			"finished_at":    now,
			"rows_attempted": rec.RowsAttempted,
			"rows_loaded":    rec.RowsLoaded,
			"rows_rejected":  rec.RowsRejected,
			"report":         rec.Report,
			"updated_at":     now,
		}).Error
	if err != nil {
		return fmt.Errorf("ledger: finish %s: %w", rec.RunKey(), err)
	}
	l.log.Info("batch finished", "run", rec.RunKey(), "status", status)
	return nil
}

func (l *Ledger) Get(ctx context.Context, datasetID, schemaVersion, batchID string) (*ingest.BatchRecord, error) {
	var rec ingest.BatchRecord
	err := l.db.WithContext(ctx).
		Where("dataset_id = ? AND schema_version = ? AND ingest_batch_id = ?", datasetID, schemaVersion, batchID).
		Limit(1).
		Find(&rec).Error
	if err != nil {
		return nil, fmt.Errorf("ledger: get: %w", err)
	}
	if rec.ID == uuid.Nil {
		return nil, nil
	}
	return &rec, nil
}

// List returns the most recent batches of a dataset, newest first.
func (l *Ledger) List(ctx context.Context, datasetID string, limit int) ([]*ingest.BatchRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	var out []*ingest.BatchRecord
	err := l.db.WithContext(ctx).
		Where("dataset_id = ?", datasetID).
		Order("started_at DESC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("ledger: list: %w", err)
	}
	return out, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && strings.TrimSpace(pgErr.Code) == "23505" {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "unique constraint failed")
}
