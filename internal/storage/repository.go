package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"tiered-sto/internal/events"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	upsertPriceSampleSQL = `INSERT INTO price_samples (
        bucket_ts,
        base,
        quote,
        price,
        deviation_pct,
        source,
        raw,
        block_number,
        status,
        error
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10
    )
    ON CONFLICT (bucket_ts, base, quote) DO UPDATE
    SET
        price         = EXCLUDED.price,
        deviation_pct = EXCLUDED.deviation_pct,
        source        = EXCLUDED.source,
        raw           = EXCLUDED.raw,
        block_number  = EXCLUDED.block_number,
        status        = EXCLUDED.status,
        error         = EXCLUDED.error;`

	sampleColumns = `bucket_ts,
        base,
        quote,
        price,
        deviation_pct,
        source,
        raw,
        block_number,
        status,
        error,
        created_at`

	listSamplesBetweenSQL = `SELECT ` + sampleColumns + `
    FROM price_samples
    WHERE bucket_ts >= $1
      AND bucket_ts < $2
    ORDER BY bucket_ts, base, quote;`

	listRecentSamplesSQL = `SELECT ` + sampleColumns + `
    FROM price_samples
    ORDER BY bucket_ts DESC, base, quote
    LIMIT $1;`

	latestSampleSQL = `SELECT ` + sampleColumns + `
    FROM price_samples
    WHERE base = $1
      AND quote = $2
      AND status = 'complete'
    ORDER BY bucket_ts DESC
    LIMIT 1;`

	insertAlertSQL = `INSERT INTO alerts (
        sample_ts,
        base,
        quote,
        deviation_pct,
        threshold_pct,
        direction,
        channels
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7
    )
    ON CONFLICT (sample_ts, base, quote) DO UPDATE
    SET deviation_pct = EXCLUDED.deviation_pct,
        threshold_pct = EXCLUDED.threshold_pct,
        direction     = EXCLUDED.direction,
        channels      = EXCLUDED.channels
    RETURNING id, sample_ts, base, quote, deviation_pct, threshold_pct, direction, channels, created_at;`

	listRecentAlertsSQL = `SELECT
        id,
        sample_ts,
        base,
        quote,
        deviation_pct,
        threshold_pct,
        direction,
        channels,
        created_at
    FROM alerts
    ORDER BY created_at DESC
    LIMIT $1;`

	listRecentEventsSQL = `SELECT
        run_id,
        seq,
        source,
        name,
        at,
        fields,
        created_at
    FROM events
    ORDER BY created_at DESC, seq DESC
    LIMIT $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// PriceSampleStore defines operations for oracle sample persistence.
type PriceSampleStore interface {
	UpsertPriceSample(ctx context.Context, sample PriceSample) error
	ListSamplesBetween(ctx context.Context, from, to time.Time) ([]PriceSample, error)
	ListRecentSamples(ctx context.Context, limit int) ([]PriceSample, error)
	LatestSample(ctx context.Context, base, quote string) (PriceSample, bool, error)
}

// AlertStore defines operations for alert auditing.
type AlertStore interface {
	InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error)
	ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error)
}

// EventStore persists scenario event trails.
type EventStore interface {
	InsertEvents(ctx context.Context, runID string, evs []events.Event) (int64, error)
	ListRecentEvents(ctx context.Context, limit int) ([]EventRecord, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to price samples, alerts and events.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// the lock dies with the session anyway
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// UpsertPriceSample persists or updates a sample for its bucket and pair.
func (s *Store) UpsertPriceSample(ctx context.Context, sample PriceSample) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var block any
	if sample.BlockNumber != nil {
		block = *sample.BlockNumber
	}
	var errMsg any
	if sample.Error != nil {
		errMsg = *sample.Error
	}
	var raw any
	if len(sample.Raw) > 0 {
		raw = []byte(sample.Raw)
	}

	if _, err := pool.Exec(ctx, upsertPriceSampleSQL,
		sample.Bucket,
		sample.Base,
		sample.Quote,
		sample.Price.String(),
		sample.DeviationPct.String(),
		sample.Source,
		raw,
		block,
		sample.Status,
		errMsg,
	); err != nil {
		return fmt.Errorf("upsert price sample: %w", err)
	}
	return nil
}

// ListSamplesBetween lists samples within a time window.
func (s *Store) ListSamplesBetween(ctx context.Context, from, to time.Time) ([]PriceSample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listSamplesBetweenSQL, from, to)
	if err != nil {
		return nil, fmt.Errorf("list samples between: %w", err)
	}
	return collectSamples(rows)
}

// ListRecentSamples lists the most recent samples ordered by descending bucket.
func (s *Store) ListRecentSamples(ctx context.Context, limit int) ([]PriceSample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listRecentSamplesSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent samples: %w", err)
	}
	return collectSamples(rows)
}

// LatestSample returns the newest complete sample for a pair.
func (s *Store) LatestSample(ctx context.Context, base, quote string) (PriceSample, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return PriceSample{}, false, err
	}
	rows, err := pool.Query(ctx, latestSampleSQL, base, quote)
	if err != nil {
		return PriceSample{}, false, fmt.Errorf("latest sample: %w", err)
	}
	samples, err := collectSamples(rows)
	if err != nil {
		return PriceSample{}, false, err
	}
	if len(samples) == 0 {
		return PriceSample{}, false, nil
	}
	return samples[0], true, nil
}

// InsertAlert persists an alert emission.
func (s *Store) InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertRecord{}, err
	}

	row := pool.QueryRow(ctx, insertAlertSQL,
		alert.SampleTS,
		alert.Base,
		alert.Quote,
		alert.DeviationPct.String(),
		alert.ThresholdPct.String(),
		alert.Direction,
		alert.Channels,
	)
	rec, err := scanAlert(row)
	if err != nil {
		return AlertRecord{}, fmt.Errorf("insert alert: %w", err)
	}
	return rec, nil
}

// ListRecentAlerts lists most recent alerts.
func (s *Store) ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, listRecentAlertsSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent alerts: %w", err)
	}
	defer rows.Close()

	alerts := make([]AlertRecord, 0, limit)
	for rows.Next() {
		rec, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

// InsertEvents bulk-loads a run's event trail with COPY.
func (s *Store) InsertEvents(ctx context.Context, runID string, evs []events.Event) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	if len(evs) == 0 {
		return 0, nil
	}

	rows := make([][]any, 0, len(evs))
	for _, ev := range evs {
		fields, err := json.Marshal(ev.Fields)
		if err != nil {
			return 0, fmt.Errorf("encode event %d fields: %w", ev.Seq, err)
		}
		rows = append(rows, []any{runID, int64(ev.Seq), ev.Source, ev.Name, ev.At, fields})
	}

	n, err := pool.CopyFrom(ctx,
		pgx.Identifier{"events"},
		[]string{"run_id", "seq", "source", "name", "at", "fields"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return 0, fmt.Errorf("copy events: %w", err)
	}
	return n, nil
}

// ListRecentEvents lists the most recently stored events.
func (s *Store) ListRecentEvents(ctx context.Context, limit int) ([]EventRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, listRecentEventsSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent events: %w", err)
	}
	defer rows.Close()

	out := make([]EventRecord, 0, limit)
	for rows.Next() {
		var (
			rec    EventRecord
			fields []byte
		)
		if err := rows.Scan(&rec.RunID, &rec.Seq, &rec.Source, &rec.Name, &rec.At, &fields, &rec.CreatedAt); err != nil {
			return nil, err
		}
		if len(fields) > 0 {
			if err := json.Unmarshal(fields, &rec.Fields); err != nil {
				return nil, fmt.Errorf("decode event fields: %w", err)
			}
		}
		out = append(out, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func collectSamples(rows pgx.Rows) ([]PriceSample, error) {
	defer rows.Close()

	samples := make([]PriceSample, 0)
	for rows.Next() {
		sample, err := scanPriceSample(rows)
		if err != nil {
			return nil, err
		}
		samples = append(samples, sample)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return samples, nil
}

func scanPriceSample(row pgx.Row) (PriceSample, error) {
	var (
		sample       PriceSample
		priceStr     string
		deviationStr string
		raw          []byte
		block        sql.NullInt64
		errMsg       sql.NullString
	)

	if err := row.Scan(
		&sample.Bucket,
		&sample.Base,
		&sample.Quote,
		&priceStr,
		&deviationStr,
		&sample.Source,
		&raw,
		&block,
		&sample.Status,
		&errMsg,
		&sample.CreatedAt,
	); err != nil {
		return PriceSample{}, err
	}

	var err error
	if sample.Price, err = decimal.NewFromString(priceStr); err != nil {
		return PriceSample{}, fmt.Errorf("parse price: %w", err)
	}
	if sample.DeviationPct, err = decimal.NewFromString(deviationStr); err != nil {
		return PriceSample{}, fmt.Errorf("parse deviation pct: %w", err)
	}
	if len(raw) > 0 {
		sample.Raw = json.RawMessage(raw)
	}
	if block.Valid {
		value := block.Int64
		sample.BlockNumber = &value
	}
	if errMsg.Valid {
		msg := errMsg.String
		sample.Error = &msg
	}
	return sample, nil
}

func scanAlert(row pgx.Row) (AlertRecord, error) {
	var (
		rec                        AlertRecord
		deviationStr, thresholdStr string
	)
	if err := row.Scan(
		&rec.ID,
		&rec.SampleTS,
		&rec.Base,
		&rec.Quote,
		&deviationStr,
		&thresholdStr,
		&rec.Direction,
		&rec.Channels,
		&rec.CreatedAt,
	); err != nil {
		return AlertRecord{}, err
	}

	var err error
	if rec.DeviationPct, err = decimal.NewFromString(deviationStr); err != nil {
		return AlertRecord{}, fmt.Errorf("parse deviation pct: %w", err)
	}
	if rec.ThresholdPct, err = decimal.NewFromString(thresholdStr); err != nil {
		return AlertRecord{}, fmt.Errorf("parse threshold pct: %w", err)
	}
	return rec, nil
}

var (
	_ PriceSampleStore = (*Store)(nil)
	_ AlertStore       = (*Store)(nil)
	_ EventStore       = (*Store)(nil)
	_ AdvisoryLocker   = (*Store)(nil)
)
