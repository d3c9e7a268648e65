// Package metrics wires the device server's counters, gauges, and histograms
// into a Prometheus registry mounted at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds all Prometheus metrics for the device server.
type Registry struct {
	connectionsAccepted prometheus.Counter
	connectionsRejected prometheus.Counter
	connectionsActive   prometheus.Gauge

	identificationsOK     prometheus.Counter
	identificationsFailed prometheus.Counter

	devicesOnline prometheus.Gauge

	pollsTotal    prometheus.Counter
	pollsFailed   prometheus.Counter
	pollDuration  prometheus.Histogram

	telemetryReceived prometheus.Counter
	telemetryDropped  prometheus.Counter
	telemetryInvalid  prometheus.Counter
	anomaliesTotal    prometheus.Counter

	batchesFlushed prometheus.Counter
	batchDuration  prometheus.Histogram
	writeErrors    prometheus.Counter
}

// NewRegistry creates a new metrics registry bound to the default Prometheus
// registerer, which is what promhttp.Handler serves.
func NewRegistry() *Registry {
	return newRegistry(prometheus.DefaultRegisterer)
}

// NewTestRegistry creates a registry bound to a throwaway registerer, so
// tests can construct as many as they need without duplicate-registration
// panics on the process-global default.
func NewTestRegistry() *Registry {
	return newRegistry(prometheus.NewRegistry())
}

func newRegistry(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)
	return &Registry{
		connectionsAccepted: factory.NewCounter(prometheus.CounterOpts{
			Name: "device_server_connections_accepted_total",
			Help: "Total number of TCP connections accepted.",
		}),
		connectionsRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "device_server_connections_rejected_total",
			Help: "Total number of TCP connections rejected due to the connection cap.",
		}),
		connectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "device_server_connections_active",
			Help: "Current number of active sessions.",
		}),
		identificationsOK: factory.NewCounter(prometheus.CounterOpts{
			Name: "device_server_identifications_succeeded_total",
			Help: "Total number of sessions successfully identified.",
		}),
		identificationsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "device_server_identifications_failed_total",
			Help: "Total number of sessions that failed identification.",
		}),
		devicesOnline: factory.NewGauge(prometheus.GaugeOpts{
			Name: "device_server_devices_online",
			Help: "Current number of devices in the online state.",
		}),
		pollsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "device_server_polls_total",
			Help: "Total number of poll cycles attempted.",
		}),
		pollsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "device_server_polls_failed_total",
			Help: "Total number of poll cycles that failed or timed out.",
		}),
		pollDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "device_server_poll_duration_seconds",
			Help:    "Duration of individual poll cycles.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		telemetryReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "device_server_telemetry_received_total",
			Help: "Total number of telemetry samples submitted to the worker.",
		}),
		telemetryDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "device_server_telemetry_dropped_total",
			Help: "Total number of telemetry samples dropped due to a full queue.",
		}),
		telemetryInvalid: factory.NewCounter(prometheus.CounterOpts{
			Name: "device_server_telemetry_invalid_metrics_total",
			Help: "Total number of individual metrics dropped by validation or range checks.",
		}),
		anomaliesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "device_server_telemetry_anomalies_total",
			Help: "Total number of anomalies detected in telemetry.",
		}),
		batchesFlushed: factory.NewCounter(prometheus.CounterOpts{
			Name: "device_server_batches_flushed_total",
			Help: "Total number of telemetry batches flushed to storage.",
		}),
		batchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "device_server_batch_write_duration_seconds",
			Help:    "Duration of batch write operations against the time-series store.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}),
		writeErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "device_server_write_errors_total",
			Help: "Total number of storage write errors.",
		}),
	}
}

func (r *Registry) IncConnectionsAccepted()     { r.connectionsAccepted.Inc() }
func (r *Registry) IncConnectionsRejected()     { r.connectionsRejected.Inc() }
func (r *Registry) SetConnectionsActive(n int)  { r.connectionsActive.Set(float64(n)) }
func (r *Registry) IncIdentificationsOK()       { r.identificationsOK.Inc() }
func (r *Registry) IncIdentificationsFailed()   { r.identificationsFailed.Inc() }
func (r *Registry) SetDevicesOnline(n int)      { r.devicesOnline.Set(float64(n)) }
func (r *Registry) IncPolls()                   { r.pollsTotal.Inc() }
func (r *Registry) IncPollsFailed()             { r.pollsFailed.Inc() }
func (r *Registry) ObservePollDuration(s float64) { r.pollDuration.Observe(s) }
func (r *Registry) IncTelemetryReceived()       { r.telemetryReceived.Inc() }
func (r *Registry) IncTelemetryDropped()        { r.telemetryDropped.Inc() }
func (r *Registry) AddTelemetryInvalid(n int)   { r.telemetryInvalid.Add(float64(n)) }
func (r *Registry) IncAnomalies()               { r.anomaliesTotal.Inc() }
func (r *Registry) IncBatchesFlushed()          { r.batchesFlushed.Inc() }
func (r *Registry) ObserveBatchDuration(s float64) { r.batchDuration.Observe(s) }
func (r *Registry) IncWriteErrors()             { r.writeErrors.Inc() }
