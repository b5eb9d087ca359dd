package persistence

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/finops/costpipe/internal/domain/shared"
)

// newMockDB opens a gorm handle over a mocked postgres connection, for
// driver-level error paths the sqlite round-trip tests cannot produce.
func newMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)

	dialector := postgres.New(postgres.Config{
		Conn:       mockDB,
		DriverName: "postgres",
	})
	gormDB, err := gorm.Open(dialector, &gorm.Config{
		SkipDefaultTransaction: true,
	})
	require.NoError(t, err)

	return gormDB, mock, mockDB
}

func TestUsageRepository_DeleteStagingMonth_Mock(t *testing.T) {
	month := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	t.Run("issues a delete scoped to the month", func(t *testing.T) {
		gormDB, mock, mockDB := newMockDB(t)
		defer mockDB.Close()
		repo := NewUsageRepository(gormDB, 100, zap.NewNop())

		mock.ExpectExec(`DELETE FROM "usage_details_staging"`).
			WillReturnResult(sqlmock.NewResult(0, 3))

		err := repo.DeleteStagingMonth(context.Background(), month)
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("surfaces driver errors", func(t *testing.T) {
		gormDB, mock, mockDB := newMockDB(t)
		defer mockDB.Close()
		repo := NewUsageRepository(gormDB, 100, zap.NewNop())

		mock.ExpectExec(`DELETE FROM "usage_details_staging"`).
			WillReturnError(errors.New("permission denied"))

		err := repo.DeleteStagingMonth(context.Background(), month)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "delete staging month 2024-03")
	})
}

func TestUsageRepository_CountStagingForMonth_Mock(t *testing.T) {
	gormDB, mock, mockDB := newMockDB(t)
	defer mockDB.Close()
	repo := NewUsageRepository(gormDB, 100, zap.NewNop())

	mock.ExpectQuery(`SELECT count\(\*\) FROM "usage_details_staging"`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))

	count, err := repo.CountStagingForMonth(context.Background(), time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, int64(7), count)
}

func TestPatternRepository_Fetch_SourceDown(t *testing.T) {
	gormDB, mock, mockDB := newMockDB(t)
	defer mockDB.Close()
	repo := NewPatternRepository(gormDB)

	mock.ExpectQuery(`SELECT \* FROM "tag_patterns"`).
		WillReturnError(errors.New("connection refused"))

	_, err := repo.Fetch(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrPatternSourceDown)
}
