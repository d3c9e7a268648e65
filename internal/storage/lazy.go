package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nexus-edge/device-server/internal/metrics"
	"github.com/nexus-edge/device-server/internal/telemetry"
	"github.com/rs/zerolog"
)

// ErrStoreNotConnected is returned by WritePoints while the time-series
// store is still unreachable. The telemetry worker treats any write error as
// "keep the batch and retry next flush", so points accepted before the store
// comes up are not lost.
var ErrStoreNotConnected = errors.New("storage: time-series store not connected")

// LazyTimescaleWriter defers the TimescaleDB connection so an unreachable
// store at startup is a warning rather than a fatal error. It keeps retrying
// in the background and transparently becomes the real writer once the
// connection succeeds.
type LazyTimescaleWriter struct {
	cfg     TimescaleConfig
	logger  zerolog.Logger
	metrics *metrics.Registry

	mu     sync.RWMutex
	writer *TimescaleWriter

	cancel context.CancelFunc
	done   chan struct{}
}

// NewLazyTimescaleWriter attempts an immediate connection; on failure it
// logs a warning and starts a background retry loop with the given cadence.
func NewLazyTimescaleWriter(ctx context.Context, cfg TimescaleConfig, retryEvery time.Duration, logger zerolog.Logger, metricsReg *metrics.Registry) *LazyTimescaleWriter {
	if retryEvery <= 0 {
		retryEvery = 30 * time.Second
	}

	l := &LazyTimescaleWriter{
		cfg:     cfg,
		logger:  logger.With().Str("component", "timescale-writer").Logger(),
		metrics: metricsReg,
		done:    make(chan struct{}),
	}

	if w, err := NewTimescaleWriter(ctx, cfg, logger, metricsReg); err == nil {
		l.writer = w
		close(l.done)
		return l
	} else {
		l.logger.Warn().Err(err).Msg("time-series store unreachable at startup, retrying in background")
	}

	retryCtx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel

	go func() {
		defer close(l.done)
		ticker := time.NewTicker(retryEvery)
		defer ticker.Stop()
		for {
			select {
			case <-retryCtx.Done():
				return
			case <-ticker.C:
			}

			w, err := NewTimescaleWriter(retryCtx, cfg, logger, metricsReg)
			if err != nil {
				l.logger.Debug().Err(err).Msg("time-series store still unreachable")
				continue
			}
			l.mu.Lock()
			l.writer = w
			l.mu.Unlock()
			l.logger.Info().Msg("time-series store connected")
			return
		}
	}()

	return l
}

func (l *LazyTimescaleWriter) get() *TimescaleWriter {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.writer
}

// WritePoints implements telemetry.Sink, failing with ErrStoreNotConnected
// until the underlying writer exists.
func (l *LazyTimescaleWriter) WritePoints(ctx context.Context, points []telemetry.Point) error {
	w := l.get()
	if w == nil {
		return ErrStoreNotConnected
	}
	return w.WritePoints(ctx, points)
}

// IsHealthy implements health.DependencyChecker.
func (l *LazyTimescaleWriter) IsHealthy(ctx context.Context) bool {
	w := l.get()
	if w == nil {
		return false
	}
	return w.IsHealthy(ctx)
}

// Stats reports the underlying writer's counters, or a connected=false
// placeholder while it doesn't exist yet.
func (l *LazyTimescaleWriter) Stats() map[string]any {
	w := l.get()
	if w == nil {
		return map[string]any{"connected": false}
	}
	stats := w.Stats()
	stats["connected"] = true
	return stats
}

// Close stops the retry loop (if still running) and closes the pool once
// connected.
func (l *LazyTimescaleWriter) Close() {
	if l.cancel != nil {
		l.cancel()
	}
	<-l.done
	if w := l.get(); w != nil {
		w.Close()
	}
}
