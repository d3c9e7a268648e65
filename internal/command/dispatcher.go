// Package command dispatches control-plane write commands (setpoints,
// curtailment, relay toggles) to the live adapter for their target device.
package command

import (
	"context"
	"fmt"
	"sync"

	"github.com/nexus-edge/device-server/internal/adapter"
	"github.com/nexus-edge/device-server/internal/protocol"
	"github.com/rs/zerolog"
)

// registerWriter is satisfied by *adapter.ModbusAdapter: a single-register
// write keyed by wire address rather than logical register id.
type registerWriter interface {
	WriteSingle(ctx context.Context, addr, value uint16) error
}

// commandSender is satisfied by *adapter.CommandAdapter.
type commandSender interface {
	SendCommand(ctx context.Context, command string) (string, error)
}

type entry struct {
	adapter adapter.Adapter
	regs    []protocol.RegisterDescriptor
}

// Dispatcher routes write commands to the adapter currently serving their
// target device, translating a logical register id plus a decoded value
// into the wire operation the device's transport understands. Devices come
// and go as sessions connect and drop; the connection lifecycle's registrar
// and unregistrar (wired in main) keep the registration current via
// Register/Unregister.
type Dispatcher struct {
	mu      sync.RWMutex
	devices map[string]entry
	logger  zerolog.Logger
}

// NewDispatcher builds an empty Dispatcher.
func NewDispatcher(logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		devices: make(map[string]entry),
		logger:  logger.With().Str("component", "command-dispatcher").Logger(),
	}
}

// Register binds deviceID to the adapter (and its register map, if any)
// currently serving it. Called once a device completes identification.
func (d *Dispatcher) Register(deviceID string, a adapter.Adapter, regs []protocol.RegisterDescriptor) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.devices[deviceID] = entry{adapter: a, regs: regs}
}

// Unregister drops a device, e.g. once its session closes. Commands
// targeting it afterward fail with "device not connected" rather than
// reaching a stale adapter.
func (d *Dispatcher) Unregister(deviceID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.devices, deviceID)
}

// Connected reports whether deviceID currently has a live adapter.
func (d *Dispatcher) Connected(deviceID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.devices[deviceID]
	return ok
}

// WriteCommand is one queued write, already resolved from the control
// plane's pending-commands payload.
type WriteCommand struct {
	ID         string
	DeviceID   string
	RegisterID string
	Command    string
	Value      any
}

// WriteResult is the outcome of dispatching one WriteCommand.
type WriteResult struct {
	Success bool
	Error   string
}

// Execute resolves cmd's target device and performs the write, isolating
// transport-specific translation behind the two narrow interfaces above. An
// adapter satisfying neither interface (e.g. a read-only transport) fails
// the command rather than silently dropping it.
func (d *Dispatcher) Execute(ctx context.Context, cmd WriteCommand) WriteResult {
	d.mu.RLock()
	e, ok := d.devices[cmd.DeviceID]
	d.mu.RUnlock()
	if !ok {
		return WriteResult{Success: false, Error: "device not connected"}
	}

	switch a := e.adapter.(type) {
	case registerWriter:
		return executeRegisterWrite(ctx, a, e.regs, cmd)
	case commandSender:
		return executeCommandSend(ctx, a, cmd)
	default:
		return WriteResult{Success: false, Error: "device adapter does not support writes"}
	}
}

func executeRegisterWrite(ctx context.Context, w registerWriter, regs []protocol.RegisterDescriptor, cmd WriteCommand) WriteResult {
	reg, ok := findRegister(regs, cmd.RegisterID)
	if !ok {
		return WriteResult{Success: false, Error: fmt.Sprintf("unknown register %q", cmd.RegisterID)}
	}
	if reg.RW == protocol.AccessReadOnly {
		return WriteResult{Success: false, Error: fmt.Sprintf("register %q is read-only", cmd.RegisterID)}
	}

	raw, err := toRegisterValue(cmd.Value, reg)
	if err != nil {
		return WriteResult{Success: false, Error: err.Error()}
	}

	if err := w.WriteSingle(ctx, reg.Addr, raw); err != nil {
		return WriteResult{Success: false, Error: err.Error()}
	}
	return WriteResult{Success: true}
}

func executeCommandSend(ctx context.Context, s commandSender, cmd WriteCommand) WriteResult {
	text := cmd.Command
	if text == "" {
		text = fmt.Sprintf("%v", cmd.Value)
	}
	if _, err := s.SendCommand(ctx, text); err != nil {
		return WriteResult{Success: false, Error: err.Error()}
	}
	return WriteResult{Success: true}
}

func findRegister(regs []protocol.RegisterDescriptor, id string) (protocol.RegisterDescriptor, bool) {
	for _, r := range regs {
		if r.ID == id {
			return r, true
		}
	}
	return protocol.RegisterDescriptor{}, false
}

// toRegisterValue converts a command's decoded JSON value into the raw
// register word, applying the register's inverse scale the same way the
// poll path applies it forward when decoding, and clamping to the 16-bit
// range a single register write can hold.
func toRegisterValue(v any, reg protocol.RegisterDescriptor) (uint16, error) {
	f, ok := toFloat(v)
	if !ok {
		return 0, fmt.Errorf("value %v is not numeric", v)
	}
	if reg.Scale != nil && *reg.Scale != 0 {
		f /= *reg.Scale
	}
	if f < 0 {
		f = 0
	}
	if f > 65535 {
		f = 65535
	}
	return uint16(f), nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
