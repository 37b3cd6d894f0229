package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// schemaStatements are applied in order at startup. All DDL is idempotent so
// boot never depends on an external migration step.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS enriched_candles (
		id                    BIGSERIAL PRIMARY KEY,
		symbol                TEXT NOT NULL,
		asset_class           TEXT NOT NULL,
		period                TEXT NOT NULL,
		ts                    TIMESTAMPTZ NOT NULL,
		open                  DOUBLE PRECISION NOT NULL,
		high                  DOUBLE PRECISION NOT NULL,
		low                   DOUBLE PRECISION NOT NULL,
		close                 DOUBLE PRECISION NOT NULL,
		volume                DOUBLE PRECISION NOT NULL,
		taker_buy_volume      DOUBLE PRECISION,
		taker_sell_volume     DOUBLE PRECISION,
		open_interest         DOUBLE PRECISION,
		funding_rate          DOUBLE PRECISION,
		long_liquidations     DOUBLE PRECISION,
		short_liquidations    DOUBLE PRECISION,
		return_period         DOUBLE PRECISION,
		return_day            DOUBLE PRECISION,
		volatility_20         DOUBLE PRECISION,
		volatility_50         DOUBLE PRECISION,
		atr_14                DOUBLE PRECISION,
		trend_direction       TEXT,
		market_structure      TEXT,
		rolling_volume_20     DOUBLE PRECISION,
		delta                 DOUBLE PRECISION,
		buy_sell_ratio        DOUBLE PRECISION,
		liquidation_intensity DOUBLE PRECISION,
		volume_spike_score    DOUBLE PRECISION,
		open_interest_change  DOUBLE PRECISION,
		source                TEXT NOT NULL,
		validated             BOOLEAN NOT NULL DEFAULT FALSE,
		quality_score         DOUBLE PRECISION NOT NULL DEFAULT 0,
		completeness          DOUBLE PRECISION NOT NULL DEFAULT 0,
		gap_flag              BOOLEAN NOT NULL DEFAULT FALSE,
		volume_anomaly_flag   BOOLEAN NOT NULL DEFAULT FALSE,
		validation_note       TEXT NOT NULL DEFAULT '',
		revision              INTEGER NOT NULL DEFAULT 1,
		amended_from          BIGINT,
		fetched_at            TIMESTAMPTZ NOT NULL,
		computed_at           TIMESTAMPTZ NOT NULL,
		updated_at            TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (symbol, asset_class, period, ts)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_enriched_candles_tuple_ts
		ON enriched_candles (symbol, asset_class, period, ts DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_enriched_candles_quality
		ON enriched_candles (symbol, asset_class, ts)`,

	`CREATE TABLE IF NOT EXISTS candle_amendments (
		id         BIGSERIAL PRIMARY KEY,
		candle_id  BIGINT NOT NULL REFERENCES enriched_candles (id),
		field      TEXT NOT NULL,
		old_value  TEXT NOT NULL DEFAULT '',
		new_value  TEXT NOT NULL DEFAULT '',
		reason     TEXT NOT NULL,
		actor      TEXT NOT NULL,
		amended_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_candle_amendments_candle
		ON candle_amendments (candle_id, amended_at)`,

	`CREATE TABLE IF NOT EXISTS backfill_state (
		id                   BIGSERIAL PRIMARY KEY,
		job_id               TEXT NOT NULL,
		symbol               TEXT NOT NULL,
		asset_class          TEXT NOT NULL,
		period               TEXT NOT NULL,
		start_date           TIMESTAMPTZ NOT NULL,
		end_date             TIMESTAMPTZ NOT NULL,
		last_successful_date TIMESTAMPTZ,
		status               TEXT NOT NULL DEFAULT 'pending',
		retry_count          INTEGER NOT NULL DEFAULT 0,
		last_error           TEXT NOT NULL DEFAULT '',
		created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (job_id, symbol, asset_class, period)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_backfill_state_resume
		ON backfill_state (symbol, asset_class, period, status)`,

	`CREATE TABLE IF NOT EXISTS enrichment_status (
		id              BIGSERIAL PRIMARY KEY,
		symbol          TEXT NOT NULL,
		asset_class     TEXT NOT NULL,
		last_success    TIMESTAMPTZ,
		last_source     TEXT NOT NULL DEFAULT '',
		last_compute_ms BIGINT NOT NULL DEFAULT 0,
		state           TEXT NOT NULL DEFAULT 'not_enriched',
		quality_score   DOUBLE PRECISION NOT NULL DEFAULT 0,
		record_count    BIGINT NOT NULL DEFAULT 0,
		last_error      TEXT NOT NULL DEFAULT '',
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (symbol, asset_class)
	)`,

	`CREATE TABLE IF NOT EXISTS fetch_audit (
		id              BIGSERIAL PRIMARY KEY,
		symbol          TEXT NOT NULL,
		source          TEXT NOT NULL,
		period          TEXT NOT NULL,
		range_start     TIMESTAMPTZ NOT NULL,
		range_end       TIMESTAMPTZ NOT NULL,
		records_fetched INTEGER NOT NULL DEFAULT 0,
		records_stored  INTEGER NOT NULL DEFAULT 0,
		records_updated INTEGER NOT NULL DEFAULT 0,
		latency_ms      BIGINT NOT NULL DEFAULT 0,
		success         BOOLEAN NOT NULL DEFAULT FALSE,
		quota_remaining INTEGER,
		error_text      TEXT NOT NULL DEFAULT '',
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_fetch_audit_symbol_time
		ON fetch_audit (symbol, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_fetch_audit_time
		ON fetch_audit (created_at)`,

	`CREATE TABLE IF NOT EXISTS compute_audit (
		id                BIGSERIAL PRIMARY KEY,
		symbol            TEXT NOT NULL,
		period            TEXT NOT NULL,
		candles_processed INTEGER NOT NULL DEFAULT 0,
		features_computed INTEGER NOT NULL DEFAULT 0,
		duration_ms       BIGINT NOT NULL DEFAULT 0,
		success           BOOLEAN NOT NULL DEFAULT FALSE,
		error_text        TEXT NOT NULL DEFAULT '',
		created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_compute_audit_time
		ON compute_audit (created_at)`,
}

// EnsureSchema creates every warehouse table and index if missing.
func EnsureSchema(ctx context.Context, db *sqlx.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement: %w", err)
		}
	}
	return nil
}
