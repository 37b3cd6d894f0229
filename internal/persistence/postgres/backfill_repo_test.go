package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/candlekeep/candlekeep/internal/models"
)

func backfillFixture() *models.BackfillState {
	return &models.BackfillState{
		JobID:      "job-2024-03-01",
		Symbol:     "AAPL",
		AssetClass: models.AssetStock,
		Period:     models.Period1d,
		StartDate:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		EndDate:    time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestBackfillRegister_DefaultsToPending(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewBackfillRepo(db, 5*time.Second)

	st := backfillFixture()
	mock.ExpectQuery("INSERT INTO backfill_state").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(11)))

	err := repo.Register(context.Background(), st)
	require.NoError(t, err)

	assert.Equal(t, int64(11), st.ID)
	assert.Equal(t, models.BackfillPending, st.Status)
	assert.False(t, st.CreatedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBackfillRegister_Duplicate(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewBackfillRepo(db, 5*time.Second)

	mock.ExpectQuery("INSERT INTO backfill_state").
		WillReturnError(&pq.Error{Code: "23505"})

	err := repo.Register(context.Background(), backfillFixture())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate backfill registration")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBackfillLifecycleUpdates(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewBackfillRepo(db, 5*time.Second)
	ctx := context.Background()

	mock.ExpectExec("UPDATE backfill_state").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.MarkInProgress(ctx, 11))

	last := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectExec("UPDATE backfill_state").
		WithArgs(int64(11), last, models.BackfillInProgress, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.Advance(ctx, 11, last))

	mock.ExpectExec("UPDATE backfill_state").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.Complete(ctx, 11))

	mock.ExpectExec("retry_count = retry_count \\+ 1").
		WithArgs(int64(11), models.BackfillFailed, "provider down", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.Fail(ctx, 11, "provider down"))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBackfillUpdate_NotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewBackfillRepo(db, 5*time.Second)

	mock.ExpectExec("UPDATE backfill_state").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.MarkInProgress(context.Background(), 99)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindResumable_ReturnsNewestIncomplete(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewBackfillRepo(db, 5*time.Second)

	last := time.Date(2024, 2, 10, 0, 0, 0, 0, time.UTC)
	now := time.Date(2024, 2, 11, 6, 0, 0, 0, time.UTC)
	mock.ExpectQuery("in_progress").
		WithArgs("AAPL", models.AssetStock, models.Period1d).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "job_id", "symbol", "asset_class", "period", "start_date",
			"end_date", "last_successful_date", "status", "retry_count",
			"last_error", "created_at", "updated_at",
		}).AddRow(
			int64(11), "job-2024-03-01", "AAPL", "stock", "1d",
			time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
			last, "in_progress", 1, "", now, now,
		))

	st, err := repo.FindResumable(context.Background(), "AAPL", models.AssetStock, models.Period1d)
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, models.BackfillInProgress, st.Status)
	require.NotNil(t, st.LastSuccessfulDate)
	assert.Equal(t, last, *st.LastSuccessfulDate)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindResumable_NothingToResume(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewBackfillRepo(db, 5*time.Second)

	mock.ExpectQuery("in_progress").
		WillReturnError(sql.ErrNoRows)

	st, err := repo.FindResumable(context.Background(), "AAPL", models.AssetStock, models.Period1d)
	require.NoError(t, err)
	assert.Nil(t, st)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListByJob(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewBackfillRepo(db, 5*time.Second)

	now := time.Date(2024, 2, 11, 6, 0, 0, 0, time.UTC)
	mock.ExpectQuery("WHERE job_id").
		WithArgs("job-2024-03-01").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "job_id", "symbol", "asset_class", "period", "start_date",
			"end_date", "last_successful_date", "status", "retry_count",
			"last_error", "created_at", "updated_at",
		}).AddRow(
			int64(11), "job-2024-03-01", "AAPL", "stock", "1d",
			now.AddDate(0, -1, 0), now, nil, "completed", 0, "", now, now,
		).AddRow(
			int64(12), "job-2024-03-01", "MSFT", "stock", "1d",
			now.AddDate(0, -1, 0), now, nil, "pending", 0, "", now, now,
		))

	out, err := repo.ListByJob(context.Background(), "job-2024-03-01")
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "AAPL", out[0].Symbol)
	assert.Equal(t, models.BackfillCompleted, out[0].Status)
	assert.Nil(t, out[0].LastSuccessfulDate)
	assert.NoError(t, mock.ExpectationsWereMet())
}
