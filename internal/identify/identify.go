// Package identify probes a freshly accepted, not-yet-classified connection
// against the protocol registry until one definition's identification rule
// matches, or every candidate is exhausted.
package identify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nexus-edge/device-server/internal/protocol"
	"github.com/nexus-edge/device-server/internal/session"
	"github.com/rs/zerolog"
)

// Result is what a successful probe yields: enough to register the device
// and start polling it.
type Result struct {
	ProtocolID       string
	SerialNumber     string
	DeviceType       protocol.DeviceType
	Model            string
	Manufacturer     string
	IdentifiedAt     time.Time
	FallbackSerial   bool
	ExtraData        map[string]any
}

// Prober orchestrates the two-pass priority search: Modbus protocols first,
// then command protocols, mirroring the relative likelihood of each in a
// solar fleet (inverters/meters dominate, batteries are the long tail).
type Prober struct {
	registry *protocol.Registry
	modbus   *ModbusProber
	command  *CommandProber
	logger   zerolog.Logger
}

// NewProber builds a Prober over the given registry.
func NewProber(registry *protocol.Registry, logger zerolog.Logger) *Prober {
	l := logger.With().Str("component", "prober").Logger()
	return &Prober{
		registry: registry,
		modbus:   NewModbusProber(l),
		command:  NewCommandProber(l),
		logger:   l,
	}
}

// Identify tries every registered protocol in priority order, Modbus-based
// ones first, until one matches.
func (p *Prober) Identify(ctx context.Context, sess *session.Session) (*Result, error) {
	p.logger.Info().Str("remote", sess.RemoteAddr).Msg("starting device identification")

	for _, def := range p.registry.IterModbusByPriority() {
		if res := p.tryProtocol(ctx, sess, def); res != nil {
			return res, nil
		}
	}
	for _, def := range p.registry.IterCommandByPriority() {
		if res := p.tryProtocol(ctx, sess, def); res != nil {
			return res, nil
		}
	}

	p.logger.Warn().Str("remote", sess.RemoteAddr).Int("protocols_tried", p.registry.Len()).
		Msg("failed to identify device")
	return nil, fmt.Errorf("identify: no protocol matched %s", sess.RemoteAddr)
}

// IdentifyWithProtocol tries exactly one named protocol, for callers that
// already know which protocol this peer speaks.
func (p *Prober) IdentifyWithProtocol(ctx context.Context, sess *session.Session, protocolID string) (*Result, error) {
	def, ok := p.registry.Get(protocolID)
	if !ok {
		return nil, fmt.Errorf("identify: %w: %s", protocol.ErrProtocolNotFound, protocolID)
	}
	if res := p.tryProtocol(ctx, sess, def); res != nil {
		return res, nil
	}
	return nil, fmt.Errorf("identify: protocol %s did not match", protocolID)
}

func (p *Prober) tryProtocol(ctx context.Context, sess *session.Session, def *protocol.Definition) *Result {
	budget := def.Identification.Timeout + time.Second
	pctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	p.logger.Debug().Str("protocol", def.ProtocolID).Msg("trying protocol")

	var res *Result
	var err error

	switch def.Transport {
	case protocol.TransportModbusTCP, protocol.TransportModbusRTU:
		res, err = p.modbus.Probe(pctx, sess, def)
	case protocol.TransportCommand:
		res, err = p.command.Probe(pctx, sess, def)
	case protocol.TransportBLE:
		p.logger.Debug().Str("protocol", def.ProtocolID).Msg("skipping BLE protocol, not reachable over TCP")
		return nil
	default:
		p.logger.Warn().Str("protocol", def.ProtocolID).Str("transport", string(def.Transport)).
			Msg("unsupported protocol transport")
		return nil
	}

	if err != nil {
		if pctx.Err() != nil {
			p.logger.Debug().Str("protocol", def.ProtocolID).Msg("timeout probing protocol")
		} else {
			p.logger.Debug().Err(err).Str("protocol", def.ProtocolID).Msg("error probing protocol")
		}
		return nil
	}
	if res == nil {
		return nil
	}

	p.logger.Info().Str("protocol", def.ProtocolID).Str("serial", res.SerialNumber).
		Msg("identified device")
	return res
}

// SessionIdentifier adapts a Prober to session.Identifier, translating
// between this package's richer Result and the session package's minimal
// IdentifyResult (session cannot import identify without an import cycle).
type SessionIdentifier struct {
	Prober *Prober
}

// Identify implements session.Identifier.
func (s SessionIdentifier) Identify(ctx context.Context, sess *session.Session) (session.IdentifyResult, error) {
	result, err := s.Prober.Identify(ctx, sess)
	if err != nil {
		return session.IdentifyResult{}, err
	}
	return session.IdentifyResult{
		ProtocolID:   result.ProtocolID,
		SerialNumber: result.SerialNumber,
		DeviceType:   string(result.DeviceType),
	}, nil
}

// fallbackSerial synthesizes a serial when the protocol couldn't extract
// one: "<protocol_id>_<remote_ip>_<remote_port>".
func fallbackSerial(protocolID string, sess *session.Session) string {
	return fmt.Sprintf("%s_%s_%d", protocolID, sess.RemoteIP, sess.RemotePort)
}

// isHexCommand reports whether a command string looks like a hex byte
// sequence rather than a text command, matching the generic prober's
// binary-vs-text heuristic.
func isHexCommand(s string) bool {
	if strings.HasPrefix(s, `\x`) {
		return true
	}
	return protocol.IsHexString(s)
}
