package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/candlekeep/candlekeep/internal/models"
	"github.com/candlekeep/candlekeep/internal/persistence"
)

// upsertBatchSize bounds one transaction. Batches are independent: a failed
// batch rolls back alone and earlier batches stay committed.
const upsertBatchSize = 500

// amendmentActor stamps journal rows written by the pipeline itself.
const amendmentActor = "candlekeep"

type candlesRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewCandlesRepo creates the PostgreSQL enriched-candle store.
func NewCandlesRepo(db *sqlx.DB, timeout time.Duration) persistence.CandleRepo {
	return &candlesRepo{db: db, timeout: timeout}
}

const candleColumns = `
	symbol, asset_class, period, ts,
	open, high, low, close, volume,
	taker_buy_volume, taker_sell_volume, open_interest, funding_rate,
	long_liquidations, short_liquidations,
	return_period, return_day, volatility_20, volatility_50, atr_14,
	trend_direction, market_structure, rolling_volume_20,
	delta, buy_sell_ratio, liquidation_intensity, volume_spike_score,
	open_interest_change,
	source, validated, quality_score, completeness, gap_flag,
	volume_anomaly_flag, validation_note,
	revision, amended_from, fetched_at, computed_at, updated_at`

const insertCandle = `
	INSERT INTO enriched_candles (` + candleColumns + `)
	VALUES (
		:symbol, :asset_class, :period, :ts,
		:open, :high, :low, :close, :volume,
		:taker_buy_volume, :taker_sell_volume, :open_interest, :funding_rate,
		:long_liquidations, :short_liquidations,
		:return_period, :return_day, :volatility_20, :volatility_50, :atr_14,
		:trend_direction, :market_structure, :rolling_volume_20,
		:delta, :buy_sell_ratio, :liquidation_intensity, :volume_spike_score,
		:open_interest_change,
		:source, :validated, :quality_score, :completeness, :gap_flag,
		:volume_anomaly_flag, :validation_note,
		:revision, :amended_from, :fetched_at, :computed_at, :updated_at)
	RETURNING id`

const updateCandle = `
	UPDATE enriched_candles SET
		open = :open, high = :high, low = :low, close = :close,
		volume = :volume,
		taker_buy_volume = :taker_buy_volume,
		taker_sell_volume = :taker_sell_volume,
		open_interest = :open_interest, funding_rate = :funding_rate,
		long_liquidations = :long_liquidations,
		short_liquidations = :short_liquidations,
		return_period = :return_period, return_day = :return_day,
		volatility_20 = :volatility_20, volatility_50 = :volatility_50,
		atr_14 = :atr_14, trend_direction = :trend_direction,
		market_structure = :market_structure,
		rolling_volume_20 = :rolling_volume_20,
		delta = :delta, buy_sell_ratio = :buy_sell_ratio,
		liquidation_intensity = :liquidation_intensity,
		volume_spike_score = :volume_spike_score,
		open_interest_change = :open_interest_change,
		source = :source, validated = :validated,
		quality_score = :quality_score, completeness = :completeness,
		gap_flag = :gap_flag, volume_anomaly_flag = :volume_anomaly_flag,
		validation_note = :validation_note,
		revision = :revision, amended_from = :amended_from,
		fetched_at = :fetched_at, computed_at = :computed_at,
		updated_at = :updated_at
	WHERE id = :id`

// UpsertBatch writes rows in independent transactions of up to 500. Each
// key is locked, inserted when absent, updated only when the incoming
// quality score strictly beats the stored one, and skipped otherwise.
// Stats cover the batches that committed before any error.
func (r *candlesRepo) UpsertBatch(ctx context.Context, rows []*models.EnrichedCandle) (*persistence.UpsertStats, error) {
	stats := &persistence.UpsertStats{}
	for from := 0; from < len(rows); from += upsertBatchSize {
		to := from + upsertBatchSize
		if to > len(rows) {
			to = len(rows)
		}
		if err := r.upsertOne(ctx, rows[from:to], stats); err != nil {
			return stats, err
		}
	}
	return stats, nil
}

func (r *candlesRepo) upsertOne(ctx context.Context, batch []*models.EnrichedCandle, stats *persistence.UpsertStats) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Local tallies commit together with the transaction.
	var inserted, updated, skipped int
	var last time.Time

	for _, row := range batch {
		existing, err := lockExisting(ctx, tx, row)
		if err != nil {
			return err
		}

		if existing == nil {
			row.Revision = 1
			row.AmendedFrom = nil
			if err := insertReturningID(ctx, tx, row); err != nil {
				return fmt.Errorf("failed to insert candle %s: %w", row.Key(), err)
			}
			inserted++
			if row.Timestamp.After(last) {
				last = row.Timestamp
			}
			continue
		}

		if row.QualityScore <= existing.QualityScore {
			skipped++
			continue
		}

		diffs := valueDiffs(existing, row)
		row.ID = existing.ID
		row.Revision = existing.Revision + 1
		prior := existing.ID
		row.AmendedFrom = &prior
		row.UpdatedAt = time.Now().UTC()

		if _, err := tx.NamedExecContext(ctx, updateCandle, row); err != nil {
			return fmt.Errorf("failed to update candle %s: %w", row.Key(), err)
		}
		for _, d := range diffs {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO candle_amendments (candle_id, field, old_value, new_value, reason, actor, amended_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				existing.ID, d.Field, d.OldValue, d.NewValue,
				models.ReasonSourceUpdated, amendmentActor, row.UpdatedAt); err != nil {
				return fmt.Errorf("failed to journal amendment for %s.%s: %w", row.Key(), d.Field, err)
			}
		}
		updated++
		if row.Timestamp.After(last) {
			last = row.Timestamp
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}

	stats.Inserted += inserted
	stats.Updated += updated
	stats.Skipped += skipped
	if last.After(stats.LastTimestamp) {
		stats.LastTimestamp = last
	}
	return nil
}

func lockExisting(ctx context.Context, tx *sqlx.Tx, row *models.EnrichedCandle) (*models.EnrichedCandle, error) {
	var existing models.EnrichedCandle
	err := tx.GetContext(ctx, &existing, `
		SELECT id, `+candleColumns+`
		FROM enriched_candles
		WHERE symbol = $1 AND asset_class = $2 AND period = $3 AND ts = $4
		FOR UPDATE`,
		row.Symbol, row.AssetClass, row.Period, row.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock candle %s: %w", row.Key(), err)
	}
	return &existing, nil
}

func insertReturningID(ctx context.Context, tx *sqlx.Tx, row *models.EnrichedCandle) error {
	rows, err := sqlx.NamedQueryContext(ctx, tx, insertCandle, row)
	if err != nil {
		return err
	}
	defer rows.Close()
	if rows.Next() {
		if err := rows.Scan(&row.ID); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (r *candlesRepo) LatestTimestamp(ctx context.Context, symbol string, class models.AssetClass, period models.Period) (*time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var ts sql.NullTime
	err := r.db.QueryRowxContext(ctx, `
		SELECT MAX(ts) FROM enriched_candles
		WHERE symbol = $1 AND asset_class = $2 AND period = $3`,
		symbol, class, period).Scan(&ts)
	if err != nil {
		return nil, fmt.Errorf("failed to read latest timestamp: %w", err)
	}
	if !ts.Valid {
		return nil, nil
	}
	utc := ts.Time.UTC()
	return &utc, nil
}

func (r *candlesRepo) CountForSymbol(ctx context.Context, symbol string, class models.AssetClass) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var count int64
	err := r.db.QueryRowxContext(ctx, `
		SELECT COUNT(*) FROM enriched_candles
		WHERE symbol = $1 AND asset_class = $2`,
		symbol, class).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count candles: %w", err)
	}
	return count, nil
}

func (r *candlesRepo) Range(ctx context.Context, symbol string, class models.AssetClass, period models.Period, rng models.TimeRange) ([]models.EnrichedCandle, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var out []models.EnrichedCandle
	err := r.db.SelectContext(ctx, &out, `
		SELECT id, `+candleColumns+`
		FROM enriched_candles
		WHERE symbol = $1 AND asset_class = $2 AND period = $3
		  AND ts >= $4 AND ts <= $5
		ORDER BY ts ASC`,
		symbol, class, period, rng.Start, rng.End)
	if err != nil {
		return nil, fmt.Errorf("failed to query candle range: %w", err)
	}
	return out, nil
}

func (r *candlesRepo) QualityDaily(ctx context.Context, symbol string, class models.AssetClass, days int) ([]persistence.QualityDay, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	since := time.Now().UTC().AddDate(0, 0, -days)
	var out []persistence.QualityDay
	err := r.db.SelectContext(ctx, &out, `
		SELECT
			date_trunc('day', ts) AS day,
			AVG(quality_score) AS avg_score,
			COUNT(*) AS "rows",
			COUNT(*) FILTER (WHERE gap_flag) AS gaps,
			COUNT(*) FILTER (WHERE volume_anomaly_flag) AS anomalies,
			MIN(revision) AS min_revision,
			MAX(revision) AS max_revision
		FROM enriched_candles
		WHERE symbol = $1 AND asset_class = $2 AND ts >= $3
		GROUP BY 1
		ORDER BY 1 ASC`,
		symbol, class, since)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate daily quality: %w", err)
	}
	return out, nil
}

func (r *candlesRepo) AmendmentsFor(ctx context.Context, candleID int64) ([]models.AmendmentEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var out []models.AmendmentEntry
	err := r.db.SelectContext(ctx, &out, `
		SELECT id, candle_id, field, old_value, new_value, reason, actor, amended_at
		FROM candle_amendments
		WHERE candle_id = $1
		ORDER BY amended_at ASC, id ASC`,
		candleID)
	if err != nil {
		return nil, fmt.Errorf("failed to query amendments: %w", err)
	}
	return out, nil
}

// valueDiffs compares the persisted value fields and formats one journal
// entry per change.
func valueDiffs(old, upd *models.EnrichedCandle) []models.AmendmentEntry {
	var out []models.AmendmentEntry
	add := func(field, oldVal, newVal string) {
		if oldVal == newVal {
			return
		}
		out = append(out, models.AmendmentEntry{
			CandleID: old.ID,
			Field:    field,
			OldValue: oldVal,
			NewValue: newVal,
		})
	}

	add("open", fmtF(old.Open), fmtF(upd.Open))
	add("high", fmtF(old.High), fmtF(upd.High))
	add("low", fmtF(old.Low), fmtF(upd.Low))
	add("close", fmtF(old.Close), fmtF(upd.Close))
	add("volume", fmtF(old.Volume), fmtF(upd.Volume))

	add("taker_buy_volume", fmtFP(old.TakerBuyVolume), fmtFP(upd.TakerBuyVolume))
	add("taker_sell_volume", fmtFP(old.TakerSellVolume), fmtFP(upd.TakerSellVolume))
	add("open_interest", fmtFP(old.OpenInterest), fmtFP(upd.OpenInterest))
	add("funding_rate", fmtFP(old.FundingRate), fmtFP(upd.FundingRate))
	add("long_liquidations", fmtFP(old.LongLiquidations), fmtFP(upd.LongLiquidations))
	add("short_liquidations", fmtFP(old.ShortLiquidations), fmtFP(upd.ShortLiquidations))

	add("return_period", fmtFP(old.ReturnPeriod), fmtFP(upd.ReturnPeriod))
	add("return_day", fmtFP(old.ReturnDay), fmtFP(upd.ReturnDay))
	add("volatility_20", fmtFP(old.Volatility20), fmtFP(upd.Volatility20))
	add("volatility_50", fmtFP(old.Volatility50), fmtFP(upd.Volatility50))
	add("atr_14", fmtFP(old.ATR14), fmtFP(upd.ATR14))
	add("trend_direction", fmtSP(old.TrendDirection), fmtSP(upd.TrendDirection))
	add("market_structure", fmtSP(old.MarketStructure), fmtSP(upd.MarketStructure))
	add("rolling_volume_20", fmtFP(old.RollingVolume20), fmtFP(upd.RollingVolume20))
	add("delta", fmtFP(old.Delta), fmtFP(upd.Delta))
	add("buy_sell_ratio", fmtFP(old.BuySellRatio), fmtFP(upd.BuySellRatio))
	add("liquidation_intensity", fmtFP(old.LiquidationIntensity), fmtFP(upd.LiquidationIntensity))
	add("volume_spike_score", fmtFP(old.VolumeSpikeScore), fmtFP(upd.VolumeSpikeScore))
	add("open_interest_change", fmtFP(old.OpenInterestChange), fmtFP(upd.OpenInterestChange))

	add("source", old.Source, upd.Source)
	add("quality_score", fmtF(old.QualityScore), fmtF(upd.QualityScore))
	add("completeness", fmtF(old.Completeness), fmtF(upd.Completeness))
	add("gap_flag", strconv.FormatBool(old.GapFlag), strconv.FormatBool(upd.GapFlag))
	add("volume_anomaly_flag", strconv.FormatBool(old.VolumeAnomalyFlag), strconv.FormatBool(upd.VolumeAnomalyFlag))
	add("validation_note", old.ValidationNote, upd.ValidationNote)

	return out
}

func fmtF(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }

func fmtFP(v *float64) string {
	if v == nil {
		return ""
	}
	return fmtF(*v)
}

func fmtSP(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
