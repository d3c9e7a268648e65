// Package storage holds the two outbound dependencies every validated
// telemetry point and every identified device eventually reaches: the
// time-series hypertable and the control-plane REST API. Both write paths
// are wrapped in a circuit breaker so a degraded dependency fails fast
// instead of letting every concurrent poller pile up retries against it.
package storage

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nexus-edge/device-server/internal/metrics"
	"github.com/nexus-edge/device-server/internal/telemetry"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
)

// TimescaleConfig configures the time-series connection pool.
type TimescaleConfig struct {
	Host        string
	Port        int
	Database    string
	User        string
	Password    string
	PoolSize    int
	MaxIdleTime time.Duration
	MaxRetries  int
	RetryDelay  time.Duration
}

// TimescaleWriter batch-inserts validated telemetry points into a
// `device_telemetry` hypertable, retrying transient failures with
// exponential backoff and tripping a circuit breaker around the pool
// acquire path when the database is persistently unavailable.
type TimescaleWriter struct {
	pool    *pgxpool.Pool
	cfg     TimescaleConfig
	logger  zerolog.Logger
	metrics *metrics.Registry
	breaker *gobreaker.CircuitBreaker[struct{}]

	batchesWritten atomic.Uint64
	pointsWritten  atomic.Uint64
	writeErrors    atomic.Uint64
	retriesTotal   atomic.Uint64
}

// NewTimescaleWriter opens the pool, ensures the hypertable and its
// supporting indexes exist, and returns a ready writer.
func NewTimescaleWriter(ctx context.Context, cfg TimescaleConfig, logger zerolog.Logger, metricsReg *metrics.Registry) (*TimescaleWriter, error) {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 100 * time.Millisecond
	}

	connString := fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?pool_max_conns=%d&pool_max_conn_idle_time=%s",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database, cfg.PoolSize, cfg.MaxIdleTime.String(),
	)

	poolCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("storage: parse connection string: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping database: %w", err)
	}

	w := &TimescaleWriter{
		pool:    pool,
		cfg:     cfg,
		logger:  logger.With().Str("component", "timescale-writer").Logger(),
		metrics: metricsReg,
		breaker: newBreaker("timescale-pool"),
	}

	if err := w.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ensure schema: %w", err)
	}

	w.logger.Info().Str("host", cfg.Host).Int("port", cfg.Port).Str("database", cfg.Database).
		Int("pool_size", cfg.PoolSize).Msg("timescale writer initialized")

	return w, nil
}

func (w *TimescaleWriter) ensureSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS device_telemetry (
	time             TIMESTAMPTZ NOT NULL,
	device_id        TEXT NOT NULL,
	serial_number    TEXT NOT NULL,
	protocol_id      TEXT NOT NULL,
	device_type      TEXT NOT NULL,
	data             JSONB NOT NULL,
	poll_duration_ms DOUBLE PRECISION
);
CREATE INDEX IF NOT EXISTS idx_device_telemetry_device_time ON device_telemetry (device_id, time DESC);
CREATE INDEX IF NOT EXISTS idx_device_telemetry_serial_time ON device_telemetry (serial_number, time DESC);
`
	_, err := w.pool.Exec(ctx, ddl)
	if err != nil {
		return err
	}

	// SELECT create_hypertable is a TimescaleDB extension function; a plain
	// Postgres instance doesn't have it, and that's fine — the table works
	// as a regular table, just without automatic time-partitioning.
	_, _ = w.pool.Exec(ctx, `SELECT create_hypertable('device_telemetry', 'time', if_not_exists => TRUE, migrate_data => TRUE)`)
	return nil
}

// WritePoints implements telemetry.Sink: it groups points by
// (device_id, timestamp) into telemetry rows and inserts them via a
// pgx.Batch multi-row statement, retrying transient errors with exponential
// backoff and routing every pool acquisition through the circuit breaker.
func (w *TimescaleWriter) WritePoints(ctx context.Context, points []telemetry.Point) error {
	if len(points) == 0 {
		return nil
	}

	rows := groupIntoRows(points)

	var lastErr error
	for attempt := 0; attempt <= w.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			w.retriesTotal.Add(1)
			delay := backoffDelay(w.cfg.RetryDelay, attempt)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		_, err := w.breaker.Execute(func() (struct{}, error) {
			return struct{}{}, w.writeRows(ctx, rows)
		})
		if err == nil {
			w.batchesWritten.Add(1)
			w.pointsWritten.Add(uint64(len(points)))
			return nil
		}

		lastErr = err
		if !isRetryable(err) {
			break
		}
	}

	w.writeErrors.Add(1)
	w.metrics.IncWriteErrors()
	return fmt.Errorf("storage: write batch: %w", lastErr)
}

func (w *TimescaleWriter) writeRows(ctx context.Context, rows []telemetryRow) error {
	batch := &pgx.Batch{}
	const query = `INSERT INTO device_telemetry (time, device_id, serial_number, protocol_id, device_type, data, poll_duration_ms) VALUES ($1, $2, $3, $4, $5, $6, $7)`

	for _, r := range rows {
		batch.Queue(query, r.Time, r.DeviceID, r.SerialNumber, r.ProtocolID, r.DeviceType, r.Data, r.PollDurationMS)
	}

	results := w.pool.SendBatch(ctx, batch)
	defer results.Close()

	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("insert row %d: %w", i, err)
		}
	}
	return nil
}

// telemetryRow is one (device_id, timestamp) group of points flattened into
// a single jsonb data column.
type telemetryRow struct {
	Time           time.Time
	DeviceID       string
	SerialNumber   string
	ProtocolID     string
	DeviceType     string
	Data           map[string]float64
	PollDurationMS *float64
}

func groupIntoRows(points []telemetry.Point) []telemetryRow {
	byKey := make(map[string]*telemetryRow)
	order := make([]string, 0, len(points))

	for _, p := range points {
		key := fmt.Sprintf("%s|%d", p.DeviceID, p.Timestamp.UnixNano())
		row, ok := byKey[key]
		if !ok {
			row = &telemetryRow{
				Time:         p.Timestamp,
				DeviceID:     p.DeviceID,
				SerialNumber: p.SerialNumber,
				Data:         make(map[string]float64),
			}
			byKey[key] = row
			order = append(order, key)
		}
		row.Data[p.MetricName] = p.Value
	}

	rows := make([]telemetryRow, 0, len(order))
	for _, key := range order {
		rows = append(rows, *byKey[key])
	}
	return rows
}

func backoffDelay(base time.Duration, attempt int) time.Duration {
	delay := base * time.Duration(uint64(1)<<uint(attempt-1))
	const maxDelay = 5 * time.Second
	if delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	for _, substr := range []string{"connection refused", "connection reset", "timeout", "i/o timeout", "pool closed", "too many clients"} {
		if contains(s, substr) {
			return true
		}
	}
	return false
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

// IsHealthy reports whether the pool can currently reach the database.
func (w *TimescaleWriter) IsHealthy(ctx context.Context) bool {
	return w.pool.Ping(ctx) == nil
}

// Stats reports cumulative writer counters for the status endpoint.
func (w *TimescaleWriter) Stats() map[string]any {
	poolStats := w.pool.Stat()
	return map[string]any{
		"batches_written":  w.batchesWritten.Load(),
		"points_written":   w.pointsWritten.Load(),
		"write_errors":     w.writeErrors.Load(),
		"retries_total":    w.retriesTotal.Load(),
		"pool_total_conns": poolStats.TotalConns(),
		"pool_idle_conns":  poolStats.IdleConns(),
		"pool_acquired":    poolStats.AcquiredConns(),
	}
}

// Close releases the connection pool.
func (w *TimescaleWriter) Close() {
	w.pool.Close()
	w.logger.Info().Msg("timescale writer closed")
}

// newBreaker builds a gobreaker/v2 circuit breaker with the defaults this
// server uses everywhere it wraps an outbound dependency: trip after 5
// consecutive failures, half-open after 30s.
func newBreaker(name string) *gobreaker.CircuitBreaker[struct{}] {
	return gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
}
