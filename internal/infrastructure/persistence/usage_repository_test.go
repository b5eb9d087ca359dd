package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/finops/costpipe/internal/domain/tagging"
	"github.com/finops/costpipe/internal/domain/usage"
	"github.com/finops/costpipe/internal/infrastructure/persistence/models"
)

func setupUsageTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	err = db.AutoMigrate(
		&models.UsageDetailModel{},
		&models.UsageFactModel{},
		&models.TagAuditModel{},
		&models.TagPatternModel{},
	)
	require.NoError(t, err)

	return db
}

func strPtr(s string) *string { return &s }

func decPtr(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func canonicalFixture(instanceID string, month time.Time) usage.CanonicalRecord {
	date := month.AddDate(0, 0, 3)
	return usage.CanonicalRecord{
		InstanceID:       strPtr(instanceID),
		Date:             &date,
		MonthDate:        month,
		NewMonth:         month.Format("January 2006"),
		MeterID:          strPtr("meter-1"),
		MeterCategory:    strPtr("Virtual Machines"),
		ResourceGroup:    strPtr("rg-payments"),
		SubscriptionGuid: strPtr("00000000-0000-0000-0000-000000000001"),
		ConsumedQuantity: decPtr("24"),
		ExtendedCost:     decPtr("10.50"),
		ExtendedCostTax:  decPtr("11.55"),
		Tag:              strPtr("payments-team"),
	}
}

func TestUsageRepository_InsertStagingBatch(t *testing.T) {
	db := setupUsageTestDB(t)
	repo := NewUsageRepository(db, 100, zap.NewNop())
	month := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	t.Run("inserts all records in the chunk", func(t *testing.T) {
		records := []usage.CanonicalRecord{
			canonicalFixture("/subscriptions/s/vm-a", month),
			canonicalFixture("/subscriptions/s/vm-b", month),
			canonicalFixture("/subscriptions/s/vm-c", month),
		}
		err := repo.InsertStagingBatch(context.Background(), records)
		require.NoError(t, err)

		count, err := repo.CountStagingForMonth(context.Background(), month)
		require.NoError(t, err)
		assert.Equal(t, int64(3), count)
	})

	t.Run("empty chunk is a no-op", func(t *testing.T) {
		err := repo.InsertStagingBatch(context.Background(), nil)
		assert.NoError(t, err)
	})
}

func TestUsageRepository_DeleteStagingMonth(t *testing.T) {
	db := setupUsageTestDB(t)
	repo := NewUsageRepository(db, 100, zap.NewNop())
	march := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	april := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, repo.InsertStagingBatch(context.Background(), []usage.CanonicalRecord{
		canonicalFixture("/subscriptions/s/vm-a", march),
		canonicalFixture("/subscriptions/s/vm-b", april),
	}))

	require.NoError(t, repo.DeleteStagingMonth(context.Background(), march))

	marchCount, err := repo.CountStagingForMonth(context.Background(), march)
	require.NoError(t, err)
	assert.Equal(t, int64(0), marchCount)

	// other months untouched
	aprilCount, err := repo.CountStagingForMonth(context.Background(), april)
	require.NoError(t, err)
	assert.Equal(t, int64(1), aprilCount)
}

func TestUsageRepository_RefreshFactForMonth(t *testing.T) {
	db := setupUsageTestDB(t)
	repo := NewUsageRepository(db, 100, zap.NewNop())
	month := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	t.Run("derives one fact per distinct identity", func(t *testing.T) {
		records := []usage.CanonicalRecord{
			canonicalFixture("/subscriptions/s/vm-a", month),
			canonicalFixture("/subscriptions/s/vm-b", month),
			// duplicate identity of vm-a, collapses into one fact
			canonicalFixture("/subscriptions/s/vm-a", month),
		}
		require.NoError(t, repo.InsertStagingBatch(context.Background(), records))

		total, err := repo.RefreshFactForMonth(context.Background(), month)
		require.NoError(t, err)
		assert.Equal(t, int64(2), total)

		var facts []models.UsageFactModel
		require.NoError(t, db.Find(&facts).Error)
		assert.Len(t, facts, 2)
		for _, f := range facts {
			assert.Len(t, f.RecordHash, 64)
			assert.Equal(t, "2024-03-01", f.MonthDate.Format("2006-01-02"))
		}
	})

	t.Run("refresh replaces instead of accumulating", func(t *testing.T) {
		total, err := repo.RefreshFactForMonth(context.Background(), month)
		require.NoError(t, err)
		assert.Equal(t, int64(2), total)

		var count int64
		require.NoError(t, db.Model(&models.UsageFactModel{}).Count(&count).Error)
		assert.Equal(t, int64(2), count)
	})
}

func TestUsageRepository_InsertAuditBatch(t *testing.T) {
	db := setupUsageTestDB(t)
	repo := NewUsageRepository(db, 100, zap.NewNop())
	month := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	entries := []tagging.AuditEntry{
		{
			InstanceID:         "/subscriptions/s/vm-a",
			LastSegmentMatch:   strPtr("team-a"),
			ResourceGroupMatch: strPtr("team-b"),
			SelectedMatch:      "team-a",
			ConflictType:       tagging.ConflictSegmentResourceGroup,
			Timestamp:          time.Now().UTC(),
		},
	}
	require.NoError(t, repo.InsertAuditBatch(context.Background(), month, entries))

	var rows []models.TagAuditModel
	require.NoError(t, db.Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.Equal(t, "/subscriptions/s/vm-a", rows[0].InstanceID)
	assert.Equal(t, "team-a", rows[0].SelectedMatch)
	assert.Equal(t, string(tagging.ConflictSegmentResourceGroup), rows[0].ConflictType)
}

func TestFactRecordHash_Stable(t *testing.T) {
	month := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	a := models.NewUsageDetailModel(canonicalFixture("/subscriptions/s/vm-a", month))
	b := models.NewUsageDetailModel(canonicalFixture("/subscriptions/s/vm-a", month))
	c := models.NewUsageDetailModel(canonicalFixture("/subscriptions/s/vm-b", month))

	assert.Equal(t, models.FactRecordHash(a), models.FactRecordHash(b))
	assert.NotEqual(t, models.FactRecordHash(a), models.FactRecordHash(c))
}

func TestStagingColumns(t *testing.T) {
	db := setupUsageTestDB(t)
	cols, err := StagingColumns(db)
	require.NoError(t, err)
	assert.Contains(t, cols, "instance_id")
	assert.Contains(t, cols, "month_date")
	assert.Contains(t, cols, "extended_cost_tax")
}
