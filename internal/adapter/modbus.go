package adapter

import (
	"context"

	"github.com/nexus-edge/device-server/internal/mbap"
	"github.com/nexus-edge/device-server/internal/protocol"
	"github.com/nexus-edge/device-server/internal/session"
	"github.com/rs/zerolog"
)

// ModbusAdapter polls a device's holding/input registers sequentially,
// isolating failures to the single register that failed rather than
// aborting the whole cycle.
type ModbusAdapter struct {
	sess      *session.Session
	def       *protocol.Definition
	regs      []protocol.RegisterDescriptor
	unitID    byte
	txCounter mbap.TransactionCounter
	logger    zerolog.Logger
}

// NewModbusAdapter builds a ModbusAdapter for an identified session.
func NewModbusAdapter(sess *session.Session, def *protocol.Definition, regs []protocol.RegisterDescriptor, logger zerolog.Logger) *ModbusAdapter {
	unitID := byte(1)
	if def.Modbus != nil {
		unitID = def.Modbus.UnitID
	}
	return &ModbusAdapter{
		sess:   sess,
		def:    def,
		regs:   regs,
		unitID: unitID,
		logger: logger.With().Str("protocol", def.ProtocolID).Logger(),
	}
}

// Poll reads every pollable register and decodes it per its descriptor.
// A register that fails to read or decode is skipped; it does not fail the
// whole poll cycle.
func (a *ModbusAdapter) Poll(ctx context.Context) (map[string]any, error) {
	values := make(map[string]any, len(a.regs))

	for _, reg := range a.regs {
		if !reg.Pollable() {
			continue
		}

		size := reg.Size
		if size == 0 {
			size = 1
		}

		words, err := a.readHoldingRegs(ctx, reg.Addr, size)
		if err != nil {
			a.logger.Debug().Err(err).Str("register", reg.ID).Msg("failed to read register")
			continue
		}

		values[reg.ID] = decodeRegister(reg, words)
	}

	return values, nil
}

func (a *ModbusAdapter) readHoldingRegs(ctx context.Context, addr, count uint16) ([]uint16, error) {
	txID := a.txCounter.Next()
	req := mbap.BuildReadHoldingRequest(txID, a.unitID, addr, count)

	if err := a.sess.Write(ctx, req); err != nil {
		return nil, err
	}

	head := make([]byte, 9)
	if err := a.sess.ReadFull(ctx, head); err != nil {
		return nil, err
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
		if err := a.sess.ReadFull(ctx, payload); err != nil {
			return nil, err
		}
		body = append(body, payload...)
	}

	resp, err := mbap.ParseReadHoldingResponse(hdr, txID, body)
	if err != nil {
		return nil, err
	}
	return resp.Words, nil
}

// WriteSingle writes one holding register, used by the command surface the
// control plane exposes for setpoints (e.g. curtailment commands).
func (a *ModbusAdapter) WriteSingle(ctx context.Context, addr, value uint16) error {
	txID := a.txCounter.Next()
	req := mbap.BuildWriteSingleRequest(txID, a.unitID, addr, value)

	if err := a.sess.Write(ctx, req); err != nil {
		return err
	}

	resp := make([]byte, 12)
	if err := a.sess.ReadFull(ctx, resp); err != nil {
		return err
	}
	hdr, err := mbap.ParseHeader(resp[:7])
	if err != nil {
		return err
	}
	return mbap.ParseWriteEchoResponse(hdr, txID, resp[7:])
}

// decodeRegister applies a register descriptor's type/scale/encoder to the
// raw words read for it.
func decodeRegister(reg protocol.RegisterDescriptor, words []uint16) any {
	if reg.Encoder == "ascii" || reg.Type == protocol.RegisterTypeASCII {
		return mbap.DecodeASCII(words)
	}

	var val float64
	switch reg.Type {
	case protocol.RegisterTypeS16:
		val = float64(mbap.DecodeS16(words))
	case protocol.RegisterTypeU32:
		val = float64(mbap.DecodeU32(words))
	case protocol.RegisterTypeS32:
		val = float64(mbap.DecodeS32(words))
	default: // u16
		val = float64(mbap.DecodeU16(words))
	}

	if reg.Scale != nil {
		val *= *reg.Scale
	}
	return val
}
