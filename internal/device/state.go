// Package device tracks connected, identified devices: their status,
// polling counters, recent poll history, and the mapping from device id /
// serial number / session id back to the live session.
package device

import (
	"time"
)

// Status is the coarse online/offline/error state of a device.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusOnline       Status = "online"
	StatusOffline      Status = "offline"
	StatusError        Status = "error"
)

// PollResult is one entry in a device's poll history ring.
type PollResult struct {
	Timestamp  time.Time
	Success    bool
	Data       map[string]any
	Error      string
	DurationMS float64
}

const maxHistorySize = 100

// State is the complete tracked state for one connected device.
type State struct {
	DeviceID     string
	SerialNumber string
	ProtocolID   string
	DeviceType   string
	SessionID    string
	RemoteAddr   string

	Status        Status
	StatusMessage string

	ConnectedAt        time.Time
	IdentifiedAt       time.Time
	LastPoll           time.Time
	LastSuccessfulPoll time.Time
	LastError          time.Time

	PollInterval        time.Duration
	ConsecutiveFailures int
	TotalPolls          uint64
	SuccessfulPolls     uint64
	FailedPolls         uint64

	LastTelemetry map[string]any

	PollHistory []PollResult

	Model        string
	Manufacturer string
	ExtraData    map[string]any
}

// NewState builds the initial state for a just-identified device.
func NewState(deviceID, serialNumber, protocolID, deviceType, sessionID, remoteAddr string, pollInterval time.Duration) *State {
	return &State{
		DeviceID:     deviceID,
		SerialNumber: serialNumber,
		ProtocolID:   protocolID,
		DeviceType:   deviceType,
		SessionID:    sessionID,
		RemoteAddr:   remoteAddr,
		Status:       StatusInitializing,
		ConnectedAt:  time.Now(),
		PollInterval: pollInterval,
		ExtraData:    make(map[string]any),
	}
}

// RecordPoll appends a poll outcome, updates counters, and trims history to
// maxHistorySize entries (oldest dropped first).
func (s *State) RecordPoll(success bool, data map[string]any, pollErr string, durationMS float64) {
	now := time.Now()

	s.TotalPolls++
	s.LastPoll = now

	if success {
		s.SuccessfulPolls++
		s.LastSuccessfulPoll = now
		s.ConsecutiveFailures = 0
		s.LastTelemetry = data
		s.Status = StatusOnline
		s.StatusMessage = ""
	} else {
		s.FailedPolls++
		s.ConsecutiveFailures++
		s.LastError = now
		s.StatusMessage = pollErr
	}

	s.PollHistory = append(s.PollHistory, PollResult{
		Timestamp:  now,
		Success:    success,
		Data:       data,
		Error:      pollErr,
		DurationMS: durationMS,
	})
	if len(s.PollHistory) > maxHistorySize {
		s.PollHistory = s.PollHistory[len(s.PollHistory)-maxHistorySize:]
	}
}

// MarkOnline transitions the device to online.
func (s *State) MarkOnline() {
	s.Status = StatusOnline
	s.StatusMessage = ""
}

// MarkOffline transitions the device to offline with an optional reason.
func (s *State) MarkOffline(reason string) {
	s.Status = StatusOffline
	if reason == "" {
		reason = "device offline"
	}
	s.StatusMessage = reason
}

// MarkError transitions the device to error.
func (s *State) MarkError(errMsg string) {
	s.Status = StatusError
	s.StatusMessage = errMsg
	s.LastError = time.Now()
}

// IsOnline reports whether the device is currently online.
func (s *State) IsOnline() bool { return s.Status == StatusOnline }

// UptimeSeconds returns seconds since the device connected.
func (s *State) UptimeSeconds() float64 {
	return time.Since(s.ConnectedAt).Seconds()
}

// IdleSeconds returns seconds since the last successful poll, or uptime if
// there has never been one.
func (s *State) IdleSeconds() float64 {
	if s.LastSuccessfulPoll.IsZero() {
		return s.UptimeSeconds()
	}
	return time.Since(s.LastSuccessfulPoll).Seconds()
}

// SuccessRate returns the poll success percentage, 0 if no polls yet.
func (s *State) SuccessRate() float64 {
	if s.TotalPolls == 0 {
		return 0
	}
	return float64(s.SuccessfulPolls) / float64(s.TotalPolls) * 100
}

// AvgPollDurationMS averages duration across successful polls in history.
func (s *State) AvgPollDurationMS() float64 {
	var total float64
	var count int
	for _, r := range s.PollHistory {
		if r.Success {
			total += r.DurationMS
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return total / float64(count)
}
