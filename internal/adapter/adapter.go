// Package adapter turns a generic, already-identified session into a
// protocol-specific poller: something the scheduler can call once per cycle
// to get back a flat map of telemetry values.
package adapter

import (
	"context"

	"github.com/nexus-edge/device-server/internal/protocol"
	"github.com/nexus-edge/device-server/internal/session"
	"github.com/rs/zerolog"
)

// Adapter reads one poll cycle's worth of telemetry from a device.
type Adapter interface {
	Poll(ctx context.Context) (map[string]any, error)
}

// Factory builds the right Adapter for a protocol's transport, sharing one
// register-map registry lookup (and cache) across every device of that
// protocol.
type Factory struct {
	registry *protocol.Registry
	logger   zerolog.Logger
}

// NewFactory builds a Factory backed by reg for register-map lookups.
func NewFactory(reg *protocol.Registry, logger zerolog.Logger) *Factory {
	return &Factory{registry: reg, logger: logger.With().Str("component", "adapter-factory").Logger()}
}

// Create builds the adapter for a session already bound to a protocol.
func (f *Factory) Create(sess *session.Session, def *protocol.Definition) Adapter {
	regs := f.registry.RegisterMap(def)

	switch def.Transport {
	case protocol.TransportModbusTCP, protocol.TransportModbusRTU:
		return NewModbusAdapter(sess, def, regs, f.logger)
	case protocol.TransportCommand:
		return NewCommandAdapter(sess, def, regs, f.logger)
	default:
		f.logger.Warn().Str("protocol", def.ProtocolID).Str("transport", string(def.Transport)).
			Msg("unsupported transport, defaulting to modbus adapter")
		return NewModbusAdapter(sess, def, regs, f.logger)
	}
}
