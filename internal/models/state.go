package models

import "time"

// BackfillStatus is the lifecycle state of one backfill-state row.
type BackfillStatus string

const (
	BackfillPending    BackfillStatus = "pending"
	BackfillInProgress BackfillStatus = "in_progress"
	BackfillCompleted  BackfillStatus = "completed"
	BackfillFailed     BackfillStatus = "failed"
)

// BackfillState is the resumption record for a (symbol, asset_class, period,
// job_id) four-tuple. A new job matching an in-progress or failed row resumes
// from LastSuccessfulDate + one period instead of StartDate.
type BackfillState struct {
	ID                 int64          `db:"id" json:"id"`
	JobID              string         `db:"job_id" json:"job_id"`
	Symbol             string         `db:"symbol" json:"symbol"`
	AssetClass         AssetClass     `db:"asset_class" json:"asset_class"`
	Period             Period         `db:"period" json:"period"`
	StartDate          time.Time      `db:"start_date" json:"start_date"`
	EndDate            time.Time      `db:"end_date" json:"end_date"`
	LastSuccessfulDate *time.Time     `db:"last_successful_date" json:"last_successful_date,omitempty"`
	Status             BackfillStatus `db:"status" json:"status"`
	RetryCount         int            `db:"retry_count" json:"retry_count"`
	LastError          string         `db:"last_error" json:"last_error,omitempty"`
	CreatedAt          time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time      `db:"updated_at" json:"updated_at"`
}

// EnrichmentState classifies a symbol's data age against its freshness SLA.
type EnrichmentState string

const (
	StateHealthy     EnrichmentState = "healthy"
	StateWarning     EnrichmentState = "warning"
	StateStale       EnrichmentState = "stale"
	StateError       EnrichmentState = "error"
	StateNotEnriched EnrichmentState = "not_enriched"
)

// EnrichmentStatus is the per-(symbol, asset_class) current-state row,
// updated after every pipeline pass.
type EnrichmentStatus struct {
	ID            int64           `db:"id" json:"id"`
	Symbol        string          `db:"symbol" json:"symbol"`
	AssetClass    AssetClass      `db:"asset_class" json:"asset_class"`
	LastSuccess   *time.Time      `db:"last_success" json:"last_success,omitempty"`
	LastSource    string          `db:"last_source" json:"last_source,omitempty"`
	LastComputeMS int64           `db:"last_compute_ms" json:"last_compute_ms"`
	State         EnrichmentState `db:"state" json:"state"`
	QualityScore  float64         `db:"quality_score" json:"quality_score"`
	RecordCount   int64           `db:"record_count" json:"record_count"`
	LastError     string          `db:"last_error" json:"last_error,omitempty"`
	UpdatedAt     time.Time       `db:"updated_at" json:"updated_at"`
}

// AmendmentReason categorises why a persisted field was overwritten.
type AmendmentReason string

const (
	ReasonSourceUpdated     AmendmentReason = "source_updated"
	ReasonBugFix            AmendmentReason = "bug_fix"
	ReasonManualCorrection  AmendmentReason = "manual_correction"
	ReasonValidationFailure AmendmentReason = "validation_failure"
)

// AmendmentEntry is one append-only record of a field-level overwrite on an
// existing enriched row.
type AmendmentEntry struct {
	ID        int64           `db:"id" json:"id"`
	CandleID  int64           `db:"candle_id" json:"candle_id"`
	Field     string          `db:"field" json:"field"`
	OldValue  string          `db:"old_value" json:"old_value"`
	NewValue  string          `db:"new_value" json:"new_value"`
	Reason    AmendmentReason `db:"reason" json:"reason"`
	Actor     string          `db:"actor" json:"actor"`
	AmendedAt time.Time       `db:"amended_at" json:"amended_at"`
}

// FetchAudit is one append-only record of a provider fetch attempt.
type FetchAudit struct {
	ID             int64     `db:"id" json:"id"`
	Symbol         string    `db:"symbol" json:"symbol"`
	Source         string    `db:"source" json:"source"`
	Period         Period    `db:"period" json:"period"`
	RangeStart     time.Time `db:"range_start" json:"range_start"`
	RangeEnd       time.Time `db:"range_end" json:"range_end"`
	RecordsFetched int       `db:"records_fetched" json:"records_fetched"`
	RecordsStored  int       `db:"records_stored" json:"records_stored"`
	RecordsUpdated int       `db:"records_updated" json:"records_updated"`
	LatencyMS      int64     `db:"latency_ms" json:"latency_ms"`
	Success        bool      `db:"success" json:"success"`
	QuotaRemaining *int      `db:"quota_remaining" json:"quota_remaining,omitempty"`
	ErrorText      string    `db:"error_text" json:"error_text,omitempty"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// ComputeAudit is one append-only record of a feature-computation pass.
type ComputeAudit struct {
	ID               int64     `db:"id" json:"id"`
	Symbol           string    `db:"symbol" json:"symbol"`
	Period           Period    `db:"period" json:"period"`
	CandlesProcessed int       `db:"candles_processed" json:"candles_processed"`
	FeaturesComputed int       `db:"features_computed" json:"features_computed"`
	DurationMS       int64     `db:"duration_ms" json:"duration_ms"`
	Success          bool      `db:"success" json:"success"`
	ErrorText        string    `db:"error_text" json:"error_text,omitempty"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
}
