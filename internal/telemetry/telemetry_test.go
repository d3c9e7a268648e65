package telemetry

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/nexus-edge/device-server/internal/metrics"
	"github.com/rs/zerolog"
)

type fakeSink struct {
	mu     sync.Mutex
	writes [][]Point
	fail   bool
}

func (f *fakeSink) WritePoints(ctx context.Context, points []Point) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errTest
	}
	cp := make([]Point, len(points))
	copy(cp, points)
	f.writes = append(f.writes, cp)
	return nil
}

func (f *fakeSink) all() []Point {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Point
	for _, w := range f.writes {
		out = append(out, w...)
	}
	return out
}

type errString string

func (e errString) Error() string { return string(e) }

const errTest = errString("write failed")

type fakeEvents struct {
	mu        sync.Mutex
	anomalies []Anomaly
}

func (f *fakeEvents) ReportAnomaly(ctx context.Context, a Anomaly) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.anomalies = append(f.anomalies, a)
}

func (f *fakeEvents) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.anomalies)
}

func newTestWorker(cfg Config, sink Sink, events EventSink) *Worker {
	return NewWorker(cfg, sink, events, zerolog.Nop(), metrics.NewTestRegistry())
}

func TestValidateDropsNullNaNInfAndMarkers(t *testing.T) {
	w := newTestWorker(Config{}, &fakeSink{}, nil)

	raw := map[string]any{
		"good":      42.5,
		"nullish":   nil,
		"nan":       math.NaN(),
		"inf":       math.Inf(1),
		"unavail16": float64(0xFFFF),
		"text":      "3.14",
		"empty":     "",
	}

	out := w.validate(raw)

	if _, ok := out["good"]; !ok {
		t.Fatalf("expected good to survive validation")
	}
	if _, ok := out["text"]; !ok {
		t.Fatalf("expected numeric string to be coerced")
	}
	for _, bad := range []string{"nullish", "nan", "inf", "unavail16", "empty"} {
		if _, ok := out[bad]; ok {
			t.Errorf("expected %q to be dropped by validation", bad)
		}
	}
}

func TestRangeCheckDropsOutOfBoundsSilently(t *testing.T) {
	w := newTestWorker(Config{}, &fakeSink{}, nil)

	in := map[string]float64{
		"battery_soc": 150,
		"temperature": 25,
	}
	out := w.rangeCheck("dev-1", in)

	if _, ok := out["battery_soc"]; ok {
		t.Errorf("expected battery_soc=150 to be dropped by range check")
	}
	if v, ok := out["temperature"]; !ok || v != 25 {
		t.Errorf("expected in-range temperature to survive, got %v ok=%v", v, ok)
	}
}

func TestSubmitDropsOnFullQueue(t *testing.T) {
	w := newTestWorker(Config{QueueSize: 1, BatchSize: 10, FlushInterval: time.Hour}, &fakeSink{}, nil)

	if !w.Submit(Sample{DeviceID: "d1", Metrics: map[string]any{"x": 1.0}, Timestamp: time.Now()}) {
		t.Fatalf("expected first submit to succeed")
	}
	if w.Submit(Sample{DeviceID: "d1", Metrics: map[string]any{"x": 2.0}, Timestamp: time.Now()}) {
		t.Fatalf("expected second submit to be dropped on a full queue")
	}
	if w.Stats().Dropped != 1 {
		t.Errorf("expected dropped counter to be 1, got %d", w.Stats().Dropped)
	}
}

func TestAnomalyDetectionRapidChangeAndBounds(t *testing.T) {
	events := &fakeEvents{}
	w := newTestWorker(Config{WindowSize: 10}, &fakeSink{}, events)

	minVal := 0.0
	maxVal := 100.0
	rate := 10.0
	w.SetThresholds(map[string]Threshold{
		"battery_soc": {Min: &minVal, Max: &maxVal, RateOfChange: &rate},
	})

	s := Sample{DeviceID: "dev-1", Timestamp: time.Now()}
	w.detectAnomalies(s, map[string]float64{"battery_soc": 50})
	w.detectAnomalies(s, map[string]float64{"battery_soc": 70}) // delta 20 > rate 10

	time.Sleep(10 * time.Millisecond) // anomaly reporting is fire-and-forget
	if events.count() != 1 {
		t.Errorf("expected exactly one rapid_change anomaly, got %d", events.count())
	}
}

func TestFlushRetriesBatchOnWriteFailure(t *testing.T) {
	sink := &fakeSink{fail: true}
	w := newTestWorker(Config{BatchSize: 100, FlushInterval: time.Hour}, sink, nil)

	w.batch = []Point{{DeviceID: "d1", MetricName: "x", Value: 1}}
	w.flushBatch(context.Background())

	if len(w.batch) != 1 {
		t.Fatalf("expected failed flush to put the batch back, got %d points", len(w.batch))
	}

	sink.mu.Lock()
	sink.fail = false
	sink.mu.Unlock()

	w.flushBatch(context.Background())
	if len(w.batch) != 0 {
		t.Fatalf("expected successful retry to clear the batch")
	}
	if len(sink.all()) != 1 {
		t.Fatalf("expected the retried point to reach the sink")
	}
}

func TestEndToEndProcessSampleBatchesValidPoints(t *testing.T) {
	sink := &fakeSink{}
	w := newTestWorker(Config{BatchSize: 1, FlushInterval: time.Hour}, sink, nil)
	w.ctx = context.Background()

	w.processSample(Sample{
		DeviceID: "dev-2",
		Metrics: map[string]any{
			"battery_soc": 55.0,
			"bad_soc":     "not-a-number",
		},
		Timestamp: time.Now(),
	})

	points := sink.all()
	if len(points) != 1 || points[0].MetricName != "battery_soc" || points[0].Value != 55 {
		t.Fatalf("expected exactly one battery_soc=55 point to be flushed, got %+v", points)
	}
}
