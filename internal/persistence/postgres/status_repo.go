package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/candlekeep/candlekeep/internal/models"
	"github.com/candlekeep/candlekeep/internal/persistence"
)

type statusRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewStatusRepo creates the PostgreSQL per-symbol status store.
func NewStatusRepo(db *sqlx.DB, timeout time.Duration) persistence.StatusRepo {
	return &statusRepo{db: db, timeout: timeout}
}

const statusColumns = `
	id, symbol, asset_class, last_success, last_source, last_compute_ms,
	state, quality_score, record_count, last_error, updated_at`

func (r *statusRepo) Get(ctx context.Context, symbol string, class models.AssetClass) (*models.EnrichmentStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var st models.EnrichmentStatus
	err := r.db.GetContext(ctx, &st, `
		SELECT `+statusColumns+`
		FROM enrichment_status
		WHERE symbol = $1 AND asset_class = $2`,
		symbol, class)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get status for %s: %w", symbol, err)
	}
	return &st, nil
}

func (r *statusRepo) List(ctx context.Context) ([]models.EnrichmentStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var out []models.EnrichmentStatus
	err := r.db.SelectContext(ctx, &out, `
		SELECT `+statusColumns+`
		FROM enrichment_status
		ORDER BY symbol ASC, asset_class ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list statuses: %w", err)
	}
	return out, nil
}

// Upsert keys on (symbol, asset_class); the newest pass wins outright since
// status is a current-state row, not a journal.
func (r *statusRepo) Upsert(ctx context.Context, st *models.EnrichmentStatus) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	st.UpdatedAt = time.Now().UTC()

	query := `
		INSERT INTO enrichment_status (symbol, asset_class, last_success,
			last_source, last_compute_ms, state, quality_score,
			record_count, last_error, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (symbol, asset_class) DO UPDATE SET
			last_success = EXCLUDED.last_success,
			last_source = EXCLUDED.last_source,
			last_compute_ms = EXCLUDED.last_compute_ms,
			state = EXCLUDED.state,
			quality_score = EXCLUDED.quality_score,
			record_count = EXCLUDED.record_count,
			last_error = EXCLUDED.last_error,
			updated_at = EXCLUDED.updated_at
		RETURNING id`

	err := r.db.QueryRowxContext(ctx, query,
		st.Symbol, st.AssetClass, st.LastSuccess,
		st.LastSource, st.LastComputeMS, st.State, st.QualityScore,
		st.RecordCount, st.LastError, st.UpdatedAt).
		Scan(&st.ID)
	if err != nil {
		return fmt.Errorf("failed to upsert status for %s: %w", st.Symbol, err)
	}
	return nil
}
