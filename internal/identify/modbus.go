package identify

import (
	"context"
	"fmt"
	"strings"

	"github.com/nexus-edge/device-server/internal/mbap"
	"github.com/nexus-edge/device-server/internal/protocol"
	"github.com/nexus-edge/device-server/internal/session"
	"github.com/rs/zerolog"
)

// ModbusProber identifies devices by reading a Modbus holding register and
// comparing it against a protocol's expected values.
type ModbusProber struct {
	txCounter mbap.TransactionCounter
	logger    zerolog.Logger
}

// NewModbusProber builds a ModbusProber.
func NewModbusProber(logger zerolog.Logger) *ModbusProber {
	return &ModbusProber{logger: logger}
}

// ReadRegisters performs a single read-holding-registers round trip.
func (m *ModbusProber) ReadRegisters(ctx context.Context, sess *session.Session, unitID byte, register, count uint16) ([]uint16, error) {
	txID := m.txCounter.Next()
	req := mbap.BuildReadHoldingRequest(txID, unitID, register, count)

	if err := sess.Write(ctx, req); err != nil {
		return nil, fmt.Errorf("identify: modbus write: %w", err)
	}

	head := make([]byte, 9)
	if err := sess.ReadFull(ctx, head); err != nil {
		return nil, fmt.Errorf("identify: modbus read header: %w", err)
	}

	hdr, err := mbap.ParseHeader(head[:7])
	if err != nil {
		return nil, err
	}

	byteCount := int(head[8])
	if head[7]&0x80 != 0 {
		// Exception PDU: head[8] is the exception code, not a byte count.
		byteCount = 0
	}
	body := make([]byte, 0, 2+byteCount)
	body = append(body, head[7], head[8])
	if byteCount > 0 {
		payload := make([]byte, byteCount)
		if err := sess.ReadFull(ctx, payload); err != nil {
			return nil, fmt.Errorf("identify: modbus read payload: %w", err)
		}
		body = append(body, payload...)
	}

	resp, err := mbap.ParseReadHoldingResponse(hdr, txID, body)
	if err != nil {
		return nil, err
	}
	return resp.Words, nil
}

// ReadSerialNumber reads and decodes a serial number register block.
func (m *ModbusProber) ReadSerialNumber(ctx context.Context, sess *session.Session, unitID byte, register, size uint16, encoding string) (string, error) {
	words, err := m.ReadRegisters(ctx, sess, unitID, register, size)
	if err != nil {
		return "", err
	}

	var raw string
	switch strings.ToLower(encoding) {
	case "hex":
		var b strings.Builder
		for _, w := range words {
			fmt.Fprintf(&b, "%04X", w)
		}
		raw = b.String()
	default:
		raw = mbap.DecodeASCII(words)
	}

	raw = strings.TrimSpace(strings.ReplaceAll(raw, "\x00", ""))
	if raw == "" {
		return "", fmt.Errorf("identify: empty serial number")
	}
	return raw, nil
}

// Probe attempts to identify the peer using a Modbus-transport protocol
// definition.
func (m *ModbusProber) Probe(ctx context.Context, sess *session.Session, def *protocol.Definition) (*Result, error) {
	if !def.Identification.IsModbusBased() {
		return nil, nil
	}

	unitID := byte(1)
	if def.Modbus != nil {
		unitID = def.Modbus.UnitID
	}

	register := *def.Identification.Register
	size := def.Identification.Size
	if size == 0 {
		size = 1
	}

	words, err := m.ReadRegisters(ctx, sess, unitID, register, size)
	if err != nil {
		return nil, nil
	}
	if len(words) == 0 {
		return nil, nil
	}

	value := words[0]
	if !containsU16(def.Identification.ExpectedValues, value) {
		return nil, nil
	}

	serial := ""
	if def.SerialNumber.IsRegisterBased() {
		encoding := def.SerialNumber.Encoding
		if encoding == "" {
			encoding = "ascii"
		}
		s, err := m.ReadSerialNumber(ctx, sess, unitID, *def.SerialNumber.Register, def.SerialNumber.Size, encoding)
		if err == nil {
			serial = s
		}
	}

	fallback := false
	if serial == "" {
		serial = fallbackSerial(def.ProtocolID, sess)
		fallback = true
	}

	return &Result{
		ProtocolID:     def.ProtocolID,
		SerialNumber:   serial,
		DeviceType:     def.DeviceType,
		Model:          def.Name,
		Manufacturer:   def.Manufacturer,
		FallbackSerial: fallback,
		ExtraData: map[string]any{
			"identification_register": register,
			"identification_value":    value,
		},
	}, nil
}

func containsU16(haystack []uint16, needle uint16) bool {
	for _, v := range haystack {
		if v == needle {
			return true
		}
	}
	return false
}
