// Package scheduler runs one independent polling task per device: collect
// telemetry on an interval, back off exponentially on repeated failure, and
// stop cleanly the moment the device disconnects or the server shuts down.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/nexus-edge/device-server/internal/adapter"
	"github.com/nexus-edge/device-server/internal/device"
	"github.com/nexus-edge/device-server/internal/metrics"
	"github.com/nexus-edge/device-server/internal/protocol"
	"github.com/nexus-edge/device-server/internal/telemetry"
	"github.com/rs/zerolog"
)

// TelemetrySubmitter accepts a poll cycle's worth of data. Implemented by
// internal/telemetry.Worker.
type TelemetrySubmitter interface {
	Submit(s telemetry.Sample) bool
}

// devicePoller owns one device's independent polling goroutine: a stop
// channel plus a done channel, with a Timer reset each cycle to the
// backoff-computed interval (the interval is mutable between cycles, which
// a fixed-period Ticker cannot express).
type devicePoller struct {
	deviceID string
	siteID   string
	serial   string
	adapter  adapter.Adapter
	polling  protocol.Polling

	mu           sync.Mutex
	baseInterval time.Duration
	interval     time.Duration

	stopCh chan struct{}
	doneCh chan struct{}
}

// Scheduler owns every active devicePoller.
type Scheduler struct {
	deviceManager *device.Manager
	telemetry     TelemetrySubmitter
	metrics       *metrics.Registry
	logger        zerolog.Logger

	mu      sync.Mutex
	pollers map[string]*devicePoller

	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler builds a Scheduler.
func NewScheduler(deviceManager *device.Manager, telemetryWorker TelemetrySubmitter, metricsReg *metrics.Registry, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		deviceManager: deviceManager,
		telemetry:     telemetryWorker,
		metrics:       metricsReg,
		logger:        logger.With().Str("component", "scheduler").Logger(),
		pollers:       make(map[string]*devicePoller),
	}
}

// Start prepares the scheduler to accept devices. It does not itself start
// any poller; pollers begin with StartDevice.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
}

// Stop cancels every running poller and waits for them to exit.
func (s *Scheduler) Stop() {
	s.cancel()

	s.mu.Lock()
	pollers := make([]*devicePoller, 0, len(s.pollers))
	for _, p := range s.pollers {
		pollers = append(pollers, p)
	}
	s.mu.Unlock()

	for _, p := range pollers {
		<-p.doneCh
	}
}

// StartDevice launches a polling goroutine for a newly identified device.
// serial/siteID are carried on every telemetry sample so the sink doesn't
// need a device-manager lookup per sample.
func (s *Scheduler) StartDevice(deviceID, siteID, serial string, a adapter.Adapter, polling protocol.Polling) {
	interval := polling.DefaultInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}

	p := &devicePoller{
		deviceID:     deviceID,
		siteID:       siteID,
		serial:       serial,
		adapter:      a,
		polling:      polling,
		baseInterval: interval,
		interval:     interval,
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}

	s.mu.Lock()
	s.pollers[deviceID] = p
	s.mu.Unlock()

	go s.runPoller(p)
}

// StopDevice stops and removes a single device's poller, used when the
// device disconnects or is explicitly removed.
func (s *Scheduler) StopDevice(deviceID string) {
	s.mu.Lock()
	p, ok := s.pollers[deviceID]
	if ok {
		delete(s.pollers, deviceID)
	}
	s.mu.Unlock()

	if !ok {
		return
	}
	close(p.stopCh)
	<-p.doneCh
}

// UpdatePollInterval changes a device's interval, clamped to
// [min_interval, max_interval]. Takes effect on the poller's next
// scheduling decision.
func (s *Scheduler) UpdatePollInterval(deviceID string, interval time.Duration) {
	s.mu.Lock()
	p, ok := s.pollers[deviceID]
	s.mu.Unlock()
	if !ok {
		return
	}

	p.mu.Lock()
	p.baseInterval = clamp(interval, p.polling.MinInterval, p.polling.MaxInterval)
	p.interval = p.baseInterval
	p.mu.Unlock()
}

// ActiveDevices returns the number of devices with a running poller.
func (s *Scheduler) ActiveDevices() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pollers)
}

func (s *Scheduler) runPoller(p *devicePoller) {
	defer close(p.doneCh)
	defer func() {
		s.mu.Lock()
		delete(s.pollers, p.deviceID)
		s.mu.Unlock()
	}()

	logger := s.logger.With().Str("device_id", p.deviceID).Logger()
	logger.Debug().Dur("interval", p.currentInterval()).Msg("poller started")

	consecutiveFailures := 0
	maxFailures := p.polling.MaxConsecutiveFailures
	if maxFailures <= 0 {
		maxFailures = 5
	}
	timeout := p.polling.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	for {
		success, data, pollErr, durationMS := s.collect(p, timeout)

		s.metrics.IncPolls()
		s.metrics.ObservePollDuration(durationMS / 1000)
		if !success {
			s.metrics.IncPollsFailed()
		}

		s.deviceManager.RecordPoll(p.deviceID, success, data, pollErr, durationMS)

		if success {
			consecutiveFailures = 0
			p.resetInterval()
			if s.telemetry != nil && len(data) > 0 {
				s.telemetry.Submit(telemetry.Sample{
					DeviceID:     p.deviceID,
					SiteID:       p.siteID,
					SerialNumber: p.serial,
					Metrics:      data,
					Timestamp:    time.Now(),
					Source:       "device",
				})
			}
		} else {
			consecutiveFailures++
			p.backoff(consecutiveFailures)
			logger.Warn().Err(errString(pollErr)).Int("consecutive_failures", consecutiveFailures).Msg("poll failed")

			if consecutiveFailures >= maxFailures {
				logger.Warn().Int("consecutive_failures", consecutiveFailures).Msg("device exceeded max consecutive failures, marking offline")
				s.deviceManager.MarkOffline(p.deviceID, "max consecutive poll failures exceeded")
				return
			}
		}

		wait := p.currentInterval()
		timer := time.NewTimer(wait)
		select {
		case <-p.stopCh:
			timer.Stop()
			return
		case <-s.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// collect runs one bounded poll cycle, cancelling the in-flight I/O
// immediately if the poller is stopped or the server shuts down mid-poll.
func (s *Scheduler) collect(p *devicePoller, timeout time.Duration) (success bool, data map[string]any, errMsg string, durationMS float64) {
	pctx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()

	go func() {
		select {
		case <-p.stopCh:
			cancel()
		case <-pctx.Done():
		}
	}()

	start := time.Now()
	result, err := p.adapter.Poll(pctx)
	durationMS = float64(time.Since(start).Microseconds()) / 1000.0

	if err != nil {
		if pctx.Err() == context.DeadlineExceeded {
			return false, nil, "poll timeout", durationMS
		}
		return false, nil, err.Error(), durationMS
	}
	if len(result) == 0 {
		return false, nil, "empty response", durationMS
	}
	return true, result, "", durationMS
}

func (p *devicePoller) currentInterval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.interval
}

func (p *devicePoller) resetInterval() {
	p.mu.Lock()
	p.interval = p.baseInterval
	p.mu.Unlock()
}

// backoff applies next_interval = min(base * 2^failures, max), clamped to
// >= min_interval.
func (p *devicePoller) backoff(failures int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	next := p.baseInterval
	for i := 0; i < failures && i < 10; i++ { // cap the shift to avoid overflow on pathological failure counts
		next *= 2
	}
	p.interval = clamp(next, p.polling.MinInterval, p.polling.MaxInterval)
}

func clamp(d, min, max time.Duration) time.Duration {
	if min > 0 && d < min {
		d = min
	}
	if max > 0 && d > max {
		d = max
	}
	return d
}

type errString string

func (e errString) Error() string { return string(e) }
