package persistence

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/finops/costpipe/internal/domain/tagging"
	"github.com/finops/costpipe/internal/domain/usage"
	"github.com/finops/costpipe/internal/infrastructure/persistence/models"
)

// UsageRepository persists canonical usage records: staging inserts during a
// run, fact refreshes once a month is complete, and tag audit appends.
type UsageRepository struct {
	db        *gorm.DB
	batchSize int
	logger    *zap.Logger
}

// NewUsageRepository creates a new usage repository.
func NewUsageRepository(db *gorm.DB, batchSize int, logger *zap.Logger) *UsageRepository {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &UsageRepository{db: db, batchSize: batchSize, logger: logger}
}

// InsertStagingBatch writes one chunk of canonical records into the staging
// table. The whole chunk is inserted in a single transaction so a failure
// leaves no partial chunk behind.
func (r *UsageRepository) InsertStagingBatch(ctx context.Context, records []usage.CanonicalRecord) error {
	if len(records) == 0 {
		return nil
	}
	rows := make([]models.UsageDetailModel, 0, len(records))
	for _, rec := range records {
		rows = append(rows, models.NewUsageDetailModel(rec))
	}
	if err := r.db.WithContext(ctx).CreateInBatches(rows, r.batchSize).Error; err != nil {
		return fmt.Errorf("usage repository: insert staging batch of %d: %w", len(rows), err)
	}
	return nil
}

// DeleteStagingMonth clears the staging table for a month before re-ingesting
// it, so retried months never double-count.
func (r *UsageRepository) DeleteStagingMonth(ctx context.Context, month time.Time) error {
	result := r.db.WithContext(ctx).
		Where("month_date = ?", month).
		Delete(&models.UsageDetailModel{})
	if result.Error != nil {
		return fmt.Errorf("usage repository: delete staging month %s: %w", month.Format("2006-01"), result.Error)
	}
	if result.RowsAffected > 0 {
		r.logger.Info("cleared staging rows for month",
			zap.String("month", month.Format("2006-01")),
			zap.Int64("rows", result.RowsAffected))
	}
	return nil
}

// RefreshFactForMonth rebuilds the fact rows for one month from staging. The
// month's fact rows are deleted and re-derived inside one transaction;
// readers never see a half-refreshed month.
func (r *UsageRepository) RefreshFactForMonth(ctx context.Context, month time.Time) (int64, error) {
	var total int64

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("month_date = ?", month).Delete(&models.UsageFactModel{}).Error; err != nil {
			return fmt.Errorf("delete existing facts: %w", err)
		}

		var details []models.UsageDetailModel
		result := tx.Where("month_date = ?", month).
			FindInBatches(&details, r.batchSize, func(_ *gorm.DB, _ int) error {
				facts := make([]models.UsageFactModel, 0, len(details))
				seen := make(map[string]struct{}, len(details))
				for _, d := range details {
					f := models.NewUsageFactModel(d)
					if _, dup := seen[f.RecordHash]; dup {
						continue
					}
					seen[f.RecordHash] = struct{}{}
					facts = append(facts, f)
				}
				if len(facts) == 0 {
					return nil
				}
				if err := tx.CreateInBatches(facts, r.batchSize).Error; err != nil {
					return fmt.Errorf("insert facts: %w", err)
				}
				total += int64(len(facts))
				return nil
			})
		return result.Error
	})
	if err != nil {
		return 0, fmt.Errorf("usage repository: refresh facts for %s: %w", month.Format("2006-01"), err)
	}

	r.logger.Info("refreshed fact rows",
		zap.String("month", month.Format("2006-01")),
		zap.Int64("rows", total))
	return total, nil
}

// InsertAuditBatch appends tag audit entries for a month. Audit rows are
// append-only; they are never updated or deleted by the pipeline.
func (r *UsageRepository) InsertAuditBatch(ctx context.Context, month time.Time, entries []tagging.AuditEntry) error {
	if len(entries) == 0 {
		return nil
	}
	rows := make([]models.TagAuditModel, 0, len(entries))
	for _, entry := range entries {
		rows = append(rows, models.NewTagAuditModel(entry, month))
	}
	if err := r.db.WithContext(ctx).CreateInBatches(rows, r.batchSize).Error; err != nil {
		return fmt.Errorf("usage repository: insert audit batch of %d: %w", len(rows), err)
	}
	return nil
}

// CountStagingForMonth reports how many staging rows a month holds.
func (r *UsageRepository) CountStagingForMonth(ctx context.Context, month time.Time) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.UsageDetailModel{}).
		Where("month_date = ?", month).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("usage repository: count staging for %s: %w", month.Format("2006-01"), err)
	}
	return count, nil
}

// StagingColumns lists the staging table's columns in model order.
func (r *UsageRepository) StagingColumns() ([]string, error) {
	return StagingColumns(r.db)
}

// StagingColumns lists the staging table's columns in model order. The
// loader logs this set when an insert fails so a schema drift is visible in
// the failure itself.
func StagingColumns(db *gorm.DB) ([]string, error) {
	stmt := &gorm.Statement{DB: db}
	if err := stmt.Parse(&models.UsageDetailModel{}); err != nil {
		return nil, fmt.Errorf("usage repository: parse staging schema: %w", err)
	}
	cols := make([]string, 0, len(stmt.Schema.Fields))
	for _, field := range stmt.Schema.Fields {
		if field.DBName != "" {
			cols = append(cols, field.DBName)
		}
	}
	return cols, nil
}
