package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/candlekeep/candlekeep/internal/models"
	"github.com/candlekeep/candlekeep/internal/persistence"
)

type backfillRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewBackfillRepo creates the PostgreSQL backfill-state store.
func NewBackfillRepo(db *sqlx.DB, timeout time.Duration) persistence.BackfillRepo {
	return &backfillRepo{db: db, timeout: timeout}
}

const backfillColumns = `
	id, job_id, symbol, asset_class, period, start_date, end_date,
	last_successful_date, status, retry_count, last_error,
	created_at, updated_at`

func (r *backfillRepo) Register(ctx context.Context, st *models.BackfillState) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if st.Status == "" {
		st.Status = models.BackfillPending
	}
	now := time.Now().UTC()
	st.CreatedAt = now
	st.UpdatedAt = now

	query := `
		INSERT INTO backfill_state (job_id, symbol, asset_class, period,
			start_date, end_date, last_successful_date, status,
			retry_count, last_error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id`

	err := r.db.QueryRowxContext(ctx, query,
		st.JobID, st.Symbol, st.AssetClass, st.Period,
		st.StartDate, st.EndDate, st.LastSuccessfulDate, st.Status,
		st.RetryCount, st.LastError, st.CreatedAt, st.UpdatedAt).
		Scan(&st.ID)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return fmt.Errorf("duplicate backfill registration for %s/%s/%s in job %s: %w",
				st.Symbol, st.AssetClass, st.Period, st.JobID, err)
		}
		return fmt.Errorf("failed to register backfill: %w", err)
	}
	return nil
}

func (r *backfillRepo) MarkInProgress(ctx context.Context, id int64) error {
	return r.setStatus(ctx, id, models.BackfillInProgress)
}

// Advance records progress and keeps the row in progress; partial windows
// stay resumable.
func (r *backfillRepo) Advance(ctx context.Context, id int64, last time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE backfill_state
		SET last_successful_date = $2, status = $3, updated_at = $4
		WHERE id = $1`,
		id, last, models.BackfillInProgress, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to advance backfill %d: %w", id, err)
	}
	return requireRow(res, id)
}

func (r *backfillRepo) Complete(ctx context.Context, id int64) error {
	return r.setStatus(ctx, id, models.BackfillCompleted)
}

// Fail counts as a spent attempt, so the retry counter moves with it.
func (r *backfillRepo) Fail(ctx context.Context, id int64, lastError string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE backfill_state
		SET status = $2, last_error = $3, retry_count = retry_count + 1, updated_at = $4
		WHERE id = $1`,
		id, models.BackfillFailed, lastError, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to mark backfill %d failed: %w", id, err)
	}
	return requireRow(res, id)
}

func (r *backfillRepo) setStatus(ctx context.Context, id int64, status models.BackfillStatus) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE backfill_state
		SET status = $2, updated_at = $3
		WHERE id = $1`,
		id, status, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to mark backfill %d %s: %w", id, status, err)
	}
	return requireRow(res, id)
}

func (r *backfillRepo) FindResumable(ctx context.Context, symbol string, class models.AssetClass, period models.Period) (*models.BackfillState, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var st models.BackfillState
	err := r.db.GetContext(ctx, &st, `
		SELECT `+backfillColumns+`
		FROM backfill_state
		WHERE symbol = $1 AND asset_class = $2 AND period = $3
		  AND status IN ('in_progress', 'failed')
		ORDER BY updated_at DESC, id DESC
		LIMIT 1`,
		symbol, class, period)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find resumable backfill: %w", err)
	}
	return &st, nil
}

func (r *backfillRepo) ListByJob(ctx context.Context, jobID string) ([]models.BackfillState, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var out []models.BackfillState
	err := r.db.SelectContext(ctx, &out, `
		SELECT `+backfillColumns+`
		FROM backfill_state
		WHERE job_id = $1
		ORDER BY symbol ASC, period ASC, id ASC`,
		jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list backfills for job %s: %w", jobID, err)
	}
	return out, nil
}

func requireRow(res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("backfill state %d not found", id)
	}
	return nil
}
