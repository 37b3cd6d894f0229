package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/candlekeep/candlekeep/internal/models"
	"github.com/candlekeep/candlekeep/internal/persistence"
)

type auditRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewAuditRepo creates the PostgreSQL fetch/compute audit store.
func NewAuditRepo(db *sqlx.DB, timeout time.Duration) persistence.AuditRepo {
	return &auditRepo{db: db, timeout: timeout}
}

func (r *auditRepo) RecordFetch(ctx context.Context, a *models.FetchAudit) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO fetch_audit (symbol, source, period, range_start,
			range_end, records_fetched, records_stored, records_updated,
			latency_ms, success, quota_remaining, error_text, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id`

	err := r.db.QueryRowxContext(ctx, query,
		a.Symbol, a.Source, a.Period, a.RangeStart,
		a.RangeEnd, a.RecordsFetched, a.RecordsStored, a.RecordsUpdated,
		a.LatencyMS, a.Success, a.QuotaRemaining, a.ErrorText, a.CreatedAt).
		Scan(&a.ID)
	if err != nil {
		return fmt.Errorf("failed to record fetch audit: %w", err)
	}
	return nil
}

func (r *auditRepo) RecordCompute(ctx context.Context, a *models.ComputeAudit) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO compute_audit (symbol, period, candles_processed,
			features_computed, duration_ms, success, error_text, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`

	err := r.db.QueryRowxContext(ctx, query,
		a.Symbol, a.Period, a.CandlesProcessed,
		a.FeaturesComputed, a.DurationMS, a.Success, a.ErrorText, a.CreatedAt).
		Scan(&a.ID)
	if err != nil {
		return fmt.Errorf("failed to record compute audit: %w", err)
	}
	return nil
}

func (r *auditRepo) RecentFetches(ctx context.Context, symbol string, limit int) ([]models.FetchAudit, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var out []models.FetchAudit
	err := r.db.SelectContext(ctx, &out, `
		SELECT id, symbol, source, period, range_start, range_end,
			records_fetched, records_stored, records_updated, latency_ms,
			success, quota_remaining, error_text, created_at
		FROM fetch_audit
		WHERE symbol = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`,
		symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent fetches for %s: %w", symbol, err)
	}
	return out, nil
}

func (r *auditRepo) FetchWindow(ctx context.Context, since time.Time) (*persistence.FetchWindowStats, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	stats := &persistence.FetchWindowStats{BySource: map[string]int64{}}
	err := r.db.QueryRowxContext(ctx, `
		SELECT COUNT(*),
			COUNT(*) FILTER (WHERE success),
			COALESCE(SUM(records_fetched), 0),
			COALESCE(SUM(records_stored), 0),
			COALESCE(SUM(records_updated), 0),
			COALESCE(AVG(latency_ms), 0)
		FROM fetch_audit
		WHERE created_at >= $1`,
		since).
		Scan(&stats.Attempts, &stats.Successes, &stats.Fetched,
			&stats.Stored, &stats.Updated, &stats.AvgLatencyMS)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate fetch window: %w", err)
	}

	rows, err := r.db.QueryxContext(ctx, `
		SELECT source, COUNT(*)
		FROM fetch_audit
		WHERE created_at >= $1
		GROUP BY source`,
		since)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate fetches by source: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var source string
		var count int64
		if err := rows.Scan(&source, &count); err != nil {
			return nil, fmt.Errorf("failed to scan source count: %w", err)
		}
		stats.BySource[source] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate source counts: %w", err)
	}
	return stats, nil
}

func (r *auditRepo) ComputeWindow(ctx context.Context, since time.Time) (*persistence.ComputeWindowStats, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	stats := &persistence.ComputeWindowStats{}
	err := r.db.QueryRowxContext(ctx, `
		SELECT COUNT(*),
			COUNT(*) FILTER (WHERE success),
			COALESCE(SUM(candles_processed), 0),
			COALESCE(AVG(duration_ms), 0)
		FROM compute_audit
		WHERE created_at >= $1`,
		since).
		Scan(&stats.Passes, &stats.Successes, &stats.CandlesProcessed,
			&stats.AvgDurationMS)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate compute window: %w", err)
	}
	return stats, nil
}
