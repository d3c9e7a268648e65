// Package status exposes a single aggregate JSON snapshot of every
// subsystem's running counters, mirroring the data-ingestion service's
// IngestionService.StatusHandler pattern: one handler, one map literal
// built from each collaborator's own Stats() method.
package status

import (
	"net/http"
	"time"

	"github.com/goccy/go-json"
)

// Reporter aggregates every subsystem's counters into a single /status
// JSON response. Each field is optional: a nil collaborator is simply
// omitted from the response, so the handler works the same whether command
// dispatch or discovery are enabled for this deployment.
type Reporter struct {
	startTime time.Time

	acceptor  AcceptorStatsFunc
	devices   DeviceStatsFunc
	scheduler SchedulerStatsFunc
	telemetry TelemetryStatsFunc
	command   CommandStatsFunc
	storage   StorageStatsFunc
}

// The *Func types let main.go wire in each collaborator's existing Stats
// method directly as a closure, without this package importing every
// other internal package (which would create an import cycle through
// device/scheduler/telemetry's own dependencies on each other).
type (
	AcceptorStatsFunc  func() map[string]any
	DeviceStatsFunc    func() map[string]any
	SchedulerStatsFunc func() map[string]any
	TelemetryStatsFunc func() map[string]any
	CommandStatsFunc   func() map[string]any
	StorageStatsFunc   func() map[string]any
)

// NewReporter builds a Reporter. Any *Func argument may be nil.
func NewReporter(acceptor AcceptorStatsFunc, devices DeviceStatsFunc, scheduler SchedulerStatsFunc, telemetry TelemetryStatsFunc, command CommandStatsFunc, storage StorageStatsFunc) *Reporter {
	return &Reporter{
		startTime: time.Now(),
		acceptor:  acceptor,
		devices:   devices,
		scheduler: scheduler,
		telemetry: telemetry,
		command:   command,
		storage:   storage,
	}
}

// StatusHandler serves the aggregate snapshot.
func (r *Reporter) StatusHandler(w http.ResponseWriter, req *http.Request) {
	uptime := time.Since(r.startTime)
	snapshot := map[string]any{
		"service":   "device-server",
		"uptime":    uptime.String(),
		"uptime_ms": uptime.Milliseconds(),
	}

	if r.acceptor != nil {
		snapshot["connections"] = r.acceptor()
	}
	if r.devices != nil {
		snapshot["devices"] = r.devices()
	}
	if r.scheduler != nil {
		snapshot["scheduler"] = r.scheduler()
	}
	if r.telemetry != nil {
		snapshot["telemetry"] = r.telemetry()
	}
	if r.command != nil {
		snapshot["commands"] = r.command()
	}
	if r.storage != nil {
		snapshot["storage"] = r.storage()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snapshot)
}
