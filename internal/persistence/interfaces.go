// Package persistence defines the storage contracts for enriched candles,
// backfill state, per-symbol status, and the audit logs. The postgres
// subpackage implements them; the enrich engine and ops surface consume
// them.
package persistence

import (
	"context"
	"time"

	"github.com/candlekeep/candlekeep/internal/models"
)

// UpsertStats summarises one UpsertBatch call. LastTimestamp is the newest
// period-open instant that was inserted or updated; backfill resumption
// advances from it even when the batch was only partially new.
type UpsertStats struct {
	Inserted      int       `json:"inserted"`
	Updated       int       `json:"updated"`
	Skipped       int       `json:"skipped"`
	LastTimestamp time.Time `json:"last_timestamp"`
}

func (s *UpsertStats) Total() int { return s.Inserted + s.Updated + s.Skipped }

// QualityDay is one day of aggregated quality for a symbol.
type QualityDay struct {
	Date        time.Time `db:"day" json:"date"`
	AvgScore    float64   `db:"avg_score" json:"avg_score"`
	Rows        int64     `db:"rows" json:"rows"`
	Gaps        int64     `db:"gaps" json:"gaps"`
	Anomalies   int64     `db:"anomalies" json:"anomalies"`
	MinRevision int       `db:"min_revision" json:"min_revision"`
	MaxRevision int       `db:"max_revision" json:"max_revision"`
}

// FetchWindowStats aggregates the fetch audit log over a window.
type FetchWindowStats struct {
	Attempts     int64            `json:"attempts"`
	Successes    int64            `json:"successes"`
	Fetched      int64            `json:"fetched"`
	Stored       int64            `json:"stored"`
	Updated      int64            `json:"updated"`
	AvgLatencyMS float64          `json:"avg_latency_ms"`
	BySource     map[string]int64 `json:"by_source"`
}

// ComputeWindowStats aggregates the compute audit log over a window.
type ComputeWindowStats struct {
	Passes           int64   `json:"passes"`
	Successes        int64   `json:"successes"`
	CandlesProcessed int64   `json:"candles_processed"`
	AvgDurationMS    float64 `json:"avg_duration_ms"`
}

// CandleRepo stores enriched rows with quality-gated idempotent UPSERT
// semantics: a row is inserted when new, updated only when the incoming
// quality score strictly exceeds the persisted one (revision incremented and
// the overwritten fields journaled), and skipped otherwise.
type CandleRepo interface {
	UpsertBatch(ctx context.Context, rows []*models.EnrichedCandle) (*UpsertStats, error)

	// LatestTimestamp returns the newest period-open instant stored for the
	// tuple, or nil when no rows exist.
	LatestTimestamp(ctx context.Context, symbol string, class models.AssetClass, period models.Period) (*time.Time, error)

	// CountForSymbol counts enriched rows across all periods of a symbol.
	CountForSymbol(ctx context.Context, symbol string, class models.AssetClass) (int64, error)

	// Range returns enriched rows for the tuple ordered ascending.
	Range(ctx context.Context, symbol string, class models.AssetClass, period models.Period, rng models.TimeRange) ([]models.EnrichedCandle, error)

	// QualityDaily aggregates per-day quality for the symbol over the last
	// `days` days.
	QualityDaily(ctx context.Context, symbol string, class models.AssetClass, days int) ([]QualityDay, error)

	// AmendmentsFor lists the journal entries referencing a row.
	AmendmentsFor(ctx context.Context, candleID int64) ([]models.AmendmentEntry, error)
}

// BackfillRepo drives the resumable backfill state machine. Rows are unique
// on (job_id, symbol, asset_class, period) and never deleted.
type BackfillRepo interface {
	// Register inserts the row as pending and fills ID/CreatedAt.
	Register(ctx context.Context, st *models.BackfillState) error

	// MarkInProgress transitions pending -> in_progress.
	MarkInProgress(ctx context.Context, id int64) error

	// Advance records progress through the requested window.
	Advance(ctx context.Context, id int64, last time.Time) error

	// Complete marks the row completed. last_successful_date keeps the
	// newest stored candle, which may trail end_date on windows whose
	// tail has no complete candles yet.
	Complete(ctx context.Context, id int64) error

	// Fail marks the row failed with the attempt's error and moves the
	// retry counter; the task runner re-enters the same row on retry.
	Fail(ctx context.Context, id int64, lastError string) error

	// FindResumable returns the most recent in_progress or failed row for
	// the (symbol, asset_class, period) tuple regardless of job, or nil.
	FindResumable(ctx context.Context, symbol string, class models.AssetClass, period models.Period) (*models.BackfillState, error)

	// ListByJob returns all rows of one job.
	ListByJob(ctx context.Context, jobID string) ([]models.BackfillState, error)
}

// StatusRepo maintains the one-row-per-(symbol, asset_class) current state.
type StatusRepo interface {
	Get(ctx context.Context, symbol string, class models.AssetClass) (*models.EnrichmentStatus, error)
	List(ctx context.Context) ([]models.EnrichmentStatus, error)
	Upsert(ctx context.Context, st *models.EnrichmentStatus) error
}

// AuditRepo appends to the fetch and compute logs and serves the aggregates
// behind the ops summary endpoint.
type AuditRepo interface {
	RecordFetch(ctx context.Context, a *models.FetchAudit) error
	RecordCompute(ctx context.Context, a *models.ComputeAudit) error
	RecentFetches(ctx context.Context, symbol string, limit int) ([]models.FetchAudit, error)
	FetchWindow(ctx context.Context, since time.Time) (*FetchWindowStats, error)
	ComputeWindow(ctx context.Context, since time.Time) (*ComputeWindowStats, error)
}

// Repositories bundles the four stores the pipeline needs.
type Repositories struct {
	Candles   CandleRepo
	Backfills BackfillRepo
	Status    StatusRepo
	Audits    AuditRepo
}
