// Package telemetry buffers and validates polled device data before it
// reaches the time-series store: a bounded queue absorbs bursts from every
// device poller, a per-sample pipeline drops bad data and raises anomaly
// events, and a parallel flush loop batches valid samples for the sink.
package telemetry

import (
	"context"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nexus-edge/device-server/internal/metrics"
	"github.com/rs/zerolog"
)

// Sample is one poll cycle's worth of telemetry for a single device,
// submitted by the scheduler.
type Sample struct {
	DeviceID   string
	SiteID     string
	SerialNumber string
	Metrics    map[string]any
	Timestamp  time.Time
	Source     string
}

// Point is a single validated metric value, the unit the batch and the
// time-series sink deal in (one row per metric, not per poll cycle).
type Point struct {
	DeviceID     string
	SiteID       string
	SerialNumber string
	MetricName   string
	Value        float64
	Timestamp    time.Time
	Source       string
}

// Anomaly describes a single out-of-bounds or fast-moving metric value,
// reported to the control plane as a best-effort event.
type Anomaly struct {
	DeviceID   string
	MetricName string
	Value      float64
	Kind       string // below_minimum | above_maximum | rapid_change
	Timestamp  time.Time
}

// Threshold bounds one metric's acceptable range and maximum per-sample
// delta, keyed by exact metric name.
type Threshold struct {
	Min           *float64
	Max           *float64
	RateOfChange  *float64
}

// Sink persists a flushed batch of validated points to the time-series
// store. Implemented by internal/storage.TimescaleWriter and
// LazyTimescaleWriter.
type Sink interface {
	WritePoints(ctx context.Context, points []Point) error
}

// EventSink reports anomaly events to the control plane, best-effort.
type EventSink interface {
	ReportAnomaly(ctx context.Context, a Anomaly)
}

// rangeBound is one entry of the built-in case-insensitive-substring range
// table of physically plausible values for solar-fleet metrics.
type rangeBound struct {
	pattern string
	min     float64
	max     float64
}

var defaultRanges = []rangeBound{
	{"grid_voltage", 0, 500},
	{"battery_voltage", 0, 100},
	{"pv_voltage", 0, 1000},
	{"voltage", 0, 1000},
	{"grid_current", -100, 100},
	{"battery_current", -500, 500},
	{"current", -1000, 1000},
	{"grid_power", -50000, 50000},
	{"pv_power", 0, 100000},
	{"load_power", 0, 100000},
	{"power", -100000, 100000},
	{"temperature", -40, 100},
	{"battery_soc", 0, 100},
	{"soc", 0, 100},
	{"grid_frequency", 40, 70},
	{"frequency", 40, 70},
}

// Config controls queue capacity, batching cadence, and the anomaly sliding
// window size.
type Config struct {
	QueueSize     int
	BatchSize     int
	FlushInterval time.Duration
	WindowSize    int
}

// Worker is the telemetry pipeline: a bounded queue feeding a validation/
// anomaly-detection stage, which in turn feeds a batching/flush stage.
type Worker struct {
	cfg     Config
	sink    Sink
	events  EventSink
	logger  zerolog.Logger
	metrics *metrics.Registry

	queue chan Sample

	thresholdsMu sync.RWMutex
	thresholds   map[string]Threshold

	historyMu sync.Mutex
	history   map[string]map[string][]float64 // device_id -> metric -> recent window

	batchMu sync.Mutex
	batch   []Point

	received  atomic64
	dropped   atomic64
	processed atomic64
	anomalies atomic64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// atomic64 is a tiny mutex-guarded uint64 counter; telemetry doesn't need
// the full sync/atomic API surface.
type atomic64 struct {
	mu sync.Mutex
	v  uint64
}

func (a *atomic64) add(n uint64) {
	a.mu.Lock()
	a.v += n
	a.mu.Unlock()
}

func (a *atomic64) load() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.v
}

// NewWorker builds a Worker. sink is required; events may be nil, in which
// case anomalies are logged but not reported anywhere.
func NewWorker(cfg Config, sink Sink, events EventSink, logger zerolog.Logger, metricsReg *metrics.Registry) *Worker {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 10000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 10
	}

	return &Worker{
		cfg:        cfg,
		sink:       sink,
		events:     events,
		logger:     logger.With().Str("component", "telemetry-worker").Logger(),
		metrics:    metricsReg,
		queue:      make(chan Sample, cfg.QueueSize),
		thresholds: make(map[string]Threshold),
		history:    make(map[string]map[string][]float64),
	}
}

// SetThresholds replaces the anomaly-detection threshold table, keyed by
// exact metric name (not substring, unlike the range-check table).
func (w *Worker) SetThresholds(thresholds map[string]Threshold) {
	w.thresholdsMu.Lock()
	w.thresholds = thresholds
	w.thresholdsMu.Unlock()
}

// Start launches the process loop and the flush loop.
func (w *Worker) Start(ctx context.Context) {
	w.ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(2)
	go w.processLoop()
	go w.flushLoop()

	w.logger.Info().Int("queue_size", w.cfg.QueueSize).Int("batch_size", w.cfg.BatchSize).
		Dur("flush_interval", w.cfg.FlushInterval).Msg("telemetry worker started")
}

// Stop cancels both loops and waits for them to exit, returning ctx's error
// if ctx expires first; otherwise it then flushes whatever remains in the
// batch and returns once that final flush completes.
func (w *Worker) Stop(ctx context.Context) error {
	w.cancel()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		w.logger.Warn().Msg("telemetry worker stop timed out")
		return ctx.Err()
	}

	w.flushBatch(context.Background())
	return nil
}

// Submit enqueues a sample without blocking. If the queue is full the
// sample is dropped and the drop counter incremented — polling progress
// matters more than telemetry completeness.
func (w *Worker) Submit(s Sample) bool {
	w.received.add(1)
	w.metrics.IncTelemetryReceived()

	select {
	case w.queue <- s:
		return true
	default:
		w.dropped.add(1)
		w.metrics.IncTelemetryDropped()
		return false
	}
}

func (w *Worker) processLoop() {
	defer w.wg.Done()
	for {
		select {
		case s, ok := <-w.queue:
			if !ok {
				return
			}
			w.processSample(s)
		case <-w.ctx.Done():
			// Drain whatever is already queued so a shutdown doesn't
			// silently discard samples that were already accepted.
			for {
				select {
				case s := <-w.queue:
					w.processSample(s)
				default:
					return
				}
			}
		}
	}
}

func (w *Worker) processSample(s Sample) {
	valid := w.validate(s.Metrics)
	valid = w.rangeCheck(s.DeviceID, valid)
	points := w.detectAnomalies(s, valid)

	w.batchMu.Lock()
	w.batch = append(w.batch, points...)
	shouldFlush := len(w.batch) >= w.cfg.BatchSize
	w.batchMu.Unlock()

	w.processed.add(1)

	if shouldFlush {
		w.flushBatch(w.ctx)
	}
}

// validate discards null/NaN/infinite/non-numeric values and common Modbus
// "unavailable" markers, coercing the rest to float64. Strings are trimmed
// and parsed; empty strings are dropped and counted as invalid, while other
// non-numeric values are left out of the result without being counted.
func (w *Worker) validate(raw map[string]any) map[string]float64 {
	out := make(map[string]float64, len(raw))
	invalid := 0

	for name, v := range raw {
		if v == nil {
			invalid++
			continue
		}

		f, ok := toFloat(v)
		if !ok {
			if s, isStr := v.(string); isStr {
				if strings.TrimSpace(s) == "" {
					invalid++
				}
			}
			continue
		}

		if math.IsNaN(f) || math.IsInf(f, 0) {
			invalid++
			continue
		}
		if f == 0xFFFF || f == 0xFFFFFFFF {
			invalid++
			continue
		}

		out[name] = f
	}

	if invalid > 0 {
		w.metrics.AddTelemetryInvalid(invalid)
	}
	return out
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint16:
		return float64(t), true
	case uint32:
		return float64(t), true
	case uint64:
		return float64(t), true
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// rangeCheck drops metrics whose value falls outside the bound for the
// first case-insensitive substring match in the built-in range table. A
// rejected value is bad data, not an anomaly: it never reaches anomaly
// detection or the batch.
func (w *Worker) rangeCheck(deviceID string, metrics map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(metrics))
	invalid := 0

	for name, v := range metrics {
		lower := strings.ToLower(name)
		bounded := false
		inRange := true

		for _, rb := range defaultRanges {
			if strings.Contains(lower, rb.pattern) {
				bounded = true
				inRange = v >= rb.min && v <= rb.max
				break
			}
		}

		if bounded && !inRange {
			invalid++
			w.logger.Debug().Str("device_id", deviceID).Str("metric", name).Float64("value", v).
				Msg("metric out of range, dropped")
			continue
		}
		out[name] = v
	}

	if invalid > 0 {
		w.metrics.AddTelemetryInvalid(invalid)
	}
	return out
}

// detectAnomalies maintains a sliding window of the last WindowSize values
// per (device_id, metric_name), compares each new value against configured
// thresholds, and emits an anomaly event (best-effort) for any breach. Every
// valid value becomes a Point regardless of whether it triggered an
// anomaly — an anomaly is a side-channel notification, not a drop.
func (w *Worker) detectAnomalies(s Sample, metrics map[string]float64) []Point {
	if len(metrics) == 0 {
		return nil
	}

	w.thresholdsMu.RLock()
	thresholds := w.thresholds
	w.thresholdsMu.RUnlock()

	w.historyMu.Lock()
	deviceHistory, ok := w.history[s.DeviceID]
	if !ok {
		deviceHistory = make(map[string][]float64)
		w.history[s.DeviceID] = deviceHistory
	}

	points := make([]Point, 0, len(metrics))
	for name, v := range metrics {
		th, hasThreshold := thresholds[name]
		prior := deviceHistory[name]

		if hasThreshold {
			w.checkThreshold(s.DeviceID, name, v, th, prior)
		}

		prior = append(prior, v)
		if len(prior) > w.cfg.WindowSize {
			prior = prior[len(prior)-w.cfg.WindowSize:]
		}
		deviceHistory[name] = prior

		points = append(points, Point{
			DeviceID:     s.DeviceID,
			SiteID:       s.SiteID,
			SerialNumber: s.SerialNumber,
			MetricName:   name,
			Value:        v,
			Timestamp:    s.Timestamp,
			Source:       s.Source,
		})
	}
	w.historyMu.Unlock()

	return points
}

func (w *Worker) checkThreshold(deviceID, name string, v float64, th Threshold, prior []float64) {
	var kind string
	switch {
	case th.Min != nil && v < *th.Min:
		kind = "below_minimum"
	case th.Max != nil && v > *th.Max:
		kind = "above_maximum"
	case th.RateOfChange != nil && len(prior) > 0:
		if math.Abs(v-prior[len(prior)-1]) > *th.RateOfChange {
			kind = "rapid_change"
		}
	}

	if kind == "" {
		return
	}

	w.anomalies.add(1)
	w.metrics.IncAnomalies()

	a := Anomaly{DeviceID: deviceID, MetricName: name, Value: v, Kind: kind, Timestamp: time.Now()}
	w.logger.Warn().Str("device_id", deviceID).Str("metric", name).Str("kind", kind).Float64("value", v).
		Msg("telemetry anomaly detected")

	if w.events != nil {
		go w.events.ReportAnomaly(context.Background(), a)
	}
}

func (w *Worker) flushLoop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.flushBatch(w.ctx)
		case <-w.ctx.Done():
			return
		}
	}
}

// flushBatch swaps out the current batch and writes it to the sink. On
// failure the batch is put back at the front so the next flush retries it —
// the system accepts eventual duplicates over data loss at this layer.
func (w *Worker) flushBatch(ctx context.Context) {
	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return
	}
	toFlush := w.batch
	w.batch = nil
	w.batchMu.Unlock()

	start := time.Now()
	err := w.sink.WritePoints(ctx, toFlush)
	w.metrics.ObserveBatchDuration(time.Since(start).Seconds())

	if err != nil {
		w.logger.Error().Err(err).Int("points", len(toFlush)).Msg("failed to flush telemetry batch, retrying next cycle")
		w.batchMu.Lock()
		w.batch = append(toFlush, w.batch...)
		w.batchMu.Unlock()
		return
	}

	w.metrics.IncBatchesFlushed()
}

// Stats summarizes the worker's counters for the status endpoint.
type Stats struct {
	Received    uint64
	Dropped     uint64
	Processed   uint64
	Anomalies   uint64
	QueueLength int
	QueueCap    int
}

// Stats returns a point-in-time snapshot.
func (w *Worker) Stats() Stats {
	return Stats{
		Received:    w.received.load(),
		Dropped:     w.dropped.load(),
		Processed:   w.processed.load(),
		Anomalies:   w.anomalies.load(),
		QueueLength: len(w.queue),
		QueueCap:    cap(w.queue),
	}
}
