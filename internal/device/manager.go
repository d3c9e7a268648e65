package device

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// AddedCallback, RemovedCallback, and StatusChangedCallback are invoked
// outside the manager's lock, so they may call back into the manager (for
// example OnlineCount) without deadlocking.
type (
	AddedCallback         func(state *State)
	RemovedCallback       func(state *State)
	StatusChangedCallback func(state *State, oldStatus, newStatus Status)
)

// Manager tracks every currently connected device, indexed by device id,
// serial number, and session id, behind a single coarse mutex. Callback
// invocation happens without the lock held.
type Manager struct {
	mu              sync.RWMutex
	byDeviceID      map[string]*State
	bySerial        map[string]string // serial -> device id
	bySessionID     map[string]string // session id -> device id

	onAdded         AddedCallback
	onRemoved       RemovedCallback
	onStatusChanged StatusChangedCallback

	logger zerolog.Logger
}

// NewManager builds an empty device manager.
func NewManager(logger zerolog.Logger) *Manager {
	return &Manager{
		byDeviceID:  make(map[string]*State),
		bySerial:    make(map[string]string),
		bySessionID: make(map[string]string),
		logger:      logger.With().Str("component", "device-manager").Logger(),
	}
}

// OnAdded, OnRemoved, OnStatusChanged register lifecycle callbacks.
func (m *Manager) OnAdded(cb AddedCallback)                 { m.onAdded = cb }
func (m *Manager) OnRemoved(cb RemovedCallback)              { m.onRemoved = cb }
func (m *Manager) OnStatusChanged(cb StatusChangedCallback)  { m.onStatusChanged = cb }

// Add registers a newly identified device. If a device with the same serial
// number is already tracked (a reconnect, or a stale session that never
// disconnected cleanly), the existing entry's session binding is replaced
// and its device id is returned instead of minting a new one — this is the
// "newer wins" conflict resolution rule.
func (m *Manager) Add(state *State) (deviceID string, replaced bool) {
	m.mu.Lock()

	if existingID, ok := m.bySerial[state.SerialNumber]; ok {
		existing := m.byDeviceID[existingID]
		m.logger.Warn().Str("serial", state.SerialNumber).Str("device_id", existingID).
			Msg("device already registered, replacing connection")

		delete(m.bySessionID, existing.SessionID)
		existing.SessionID = state.SessionID
		existing.RemoteAddr = state.RemoteAddr
		existing.ConsecutiveFailures = 0
		old := existing.Status
		existing.MarkOnline()
		newStatus := existing.Status
		m.bySessionID[state.SessionID] = existingID
		m.mu.Unlock()

		// A reconnect of an offline device is a status transition the
		// control plane needs to hear about, same as any other.
		if old != newStatus && m.onStatusChanged != nil {
			m.onStatusChanged(existing, old, newStatus)
		}
		return existingID, true
	}

	state.MarkOnline()
	m.byDeviceID[state.DeviceID] = state
	m.bySerial[state.SerialNumber] = state.DeviceID
	m.bySessionID[state.SessionID] = state.DeviceID
	m.mu.Unlock()

	m.logger.Info().Str("device_id", state.DeviceID).Str("serial", state.SerialNumber).
		Str("protocol", state.ProtocolID).Msg("added device")

	if m.onAdded != nil {
		m.onAdded(state)
	}
	return state.DeviceID, false
}

// Remove drops a device from all indexes.
func (m *Manager) Remove(deviceID string) {
	m.mu.Lock()
	state, ok := m.byDeviceID[deviceID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.byDeviceID, deviceID)
	delete(m.bySerial, state.SerialNumber)
	delete(m.bySessionID, state.SessionID)
	m.mu.Unlock()

	m.logger.Info().Str("device_id", deviceID).Msg("removed device")

	if m.onRemoved != nil {
		m.onRemoved(state)
	}
}

// MarkOffline transitions a device to offline and fires the status-changed
// callback if the status actually changed.
func (m *Manager) MarkOffline(deviceID, reason string) {
	m.transition(deviceID, func(s *State) { s.MarkOffline(reason) })
}

// MarkError transitions a device to error and fires the status-changed
// callback if the status actually changed.
func (m *Manager) MarkError(deviceID, errMsg string) {
	m.transition(deviceID, func(s *State) { s.MarkError(errMsg) })
}

func (m *Manager) transition(deviceID string, apply func(*State)) {
	m.mu.Lock()
	state, ok := m.byDeviceID[deviceID]
	if !ok {
		m.mu.Unlock()
		return
	}
	old := state.Status
	apply(state)
	newStatus := state.Status
	m.mu.Unlock()

	if old != newStatus && m.onStatusChanged != nil {
		m.onStatusChanged(state, old, newStatus)
	}
}

// RecordPoll updates a device's poll counters and history under lock.
func (m *Manager) RecordPoll(deviceID string, success bool, data map[string]any, pollErr string, durationMS float64) {
	m.mu.Lock()
	state, ok := m.byDeviceID[deviceID]
	if !ok {
		m.mu.Unlock()
		return
	}
	old := state.Status
	state.RecordPoll(success, data, pollErr, durationMS)
	newStatus := state.Status
	m.mu.Unlock()

	if old != newStatus && m.onStatusChanged != nil {
		m.onStatusChanged(state, old, newStatus)
	}
}

// Get returns a device's state by device id.
func (m *Manager) Get(deviceID string) (*State, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byDeviceID[deviceID]
	return s, ok
}

// GetBySerial returns a device's state by serial number.
func (m *Manager) GetBySerial(serial string) (*State, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.bySerial[serial]
	if !ok {
		return nil, false
	}
	return m.byDeviceID[id], true
}

// GetBySession returns a device's state by session id.
func (m *Manager) GetBySession(sessionID string) (*State, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.bySessionID[sessionID]
	if !ok {
		return nil, false
	}
	return m.byDeviceID[id], true
}

// All returns a snapshot slice of every tracked device.
func (m *Manager) All() []*State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*State, 0, len(m.byDeviceID))
	for _, s := range m.byDeviceID {
		out = append(out, s)
	}
	return out
}

// Count returns the number of tracked devices.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byDeviceID)
}

// OnlineCount returns the number of devices currently online.
func (m *Manager) OnlineCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, s := range m.byDeviceID {
		if s.IsOnline() {
			n++
		}
	}
	return n
}

// Stats summarizes the device population for the status endpoint.
type Stats struct {
	TotalDevices  int
	OnlineDevices int
	ByType        map[string]int
	ByStatus      map[string]int
	ByProtocol    map[string]int
}

// Stats computes a point-in-time summary.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{
		ByType:     make(map[string]int),
		ByStatus:   make(map[string]int),
		ByProtocol: make(map[string]int),
	}

	for _, s := range m.byDeviceID {
		stats.TotalDevices++
		stats.ByType[s.DeviceType]++
		stats.ByStatus[string(s.Status)]++
		stats.ByProtocol[s.ProtocolID]++
		if s.IsOnline() {
			stats.OnlineDevices++
		}
	}

	return stats
}

// ErrNotFound is returned by operations addressed to an unknown device id.
var ErrNotFound = fmt.Errorf("device: not found")
