package adapter

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/nexus-edge/device-server/internal/protocol"
	"github.com/nexus-edge/device-server/internal/session"
	"github.com/rs/zerolog"
)

func f64(v float64) *float64 { return &v }

type modbusSim struct {
	conn      net.Conn
	regs      map[uint16][]uint16
	exception map[uint16]bool
	writes    chan [2]uint16 // (addr, value) seen by WriteSingle
}

func (m *modbusSim) serve() {
	for {
		head := make([]byte, 8)
		if _, err := io.ReadFull(m.conn, head); err != nil {
			return
		}
		tx := binary.BigEndian.Uint16(head[0:2])
		length := binary.BigEndian.Uint16(head[4:6])
		unit := head[6]
		fn := head[7]

		rest := make([]byte, int(length)-2)
		if _, err := io.ReadFull(m.conn, rest); err != nil {
			return
		}
		addr := binary.BigEndian.Uint16(rest[0:2])

		switch fn {
		case 0x03:
			qty := binary.BigEndian.Uint16(rest[2:4])
			if m.exception[addr] {
				m.conn.Write(exceptionResp(tx, unit, fn))
				continue
			}
			words := m.regs[addr]
			if len(words) > int(qty) {
				words = words[:qty]
			}
			byteCount := len(words) * 2
			resp := make([]byte, 0, 9+byteCount)
			resp = binary.BigEndian.AppendUint16(resp, tx)
			resp = binary.BigEndian.AppendUint16(resp, 0)
			resp = binary.BigEndian.AppendUint16(resp, uint16(3+byteCount))
			resp = append(resp, unit, fn, byte(byteCount))
			for _, w := range words {
				resp = binary.BigEndian.AppendUint16(resp, w)
			}
			m.conn.Write(resp)
		case 0x06:
			value := binary.BigEndian.Uint16(rest[2:4])
			if m.writes != nil {
				m.writes <- [2]uint16{addr, value}
			}
			// Echo the request back, as the function code specifies.
			resp := make([]byte, 0, 12)
			resp = binary.BigEndian.AppendUint16(resp, tx)
			resp = binary.BigEndian.AppendUint16(resp, 0)
			resp = binary.BigEndian.AppendUint16(resp, 6)
			resp = append(resp, unit, fn)
			resp = binary.BigEndian.AppendUint16(resp, addr)
			resp = binary.BigEndian.AppendUint16(resp, value)
			m.conn.Write(resp)
		}
	}
}

func exceptionResp(tx uint16, unit, fn byte) []byte {
	resp := make([]byte, 0, 9)
	resp = binary.BigEndian.AppendUint16(resp, tx)
	resp = binary.BigEndian.AppendUint16(resp, 0)
	resp = binary.BigEndian.AppendUint16(resp, 3)
	return append(resp, unit, fn|0x80, 0x02)
}

func newPipeSession(t *testing.T) (*session.Session, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	sess := session.New("sess-adapter", client, zerolog.Nop())
	t.Cleanup(func() {
		sess.Close()
		server.Close()
	})
	return sess, server
}

func TestModbusAdapterPollDecodesPerDescriptor(t *testing.T) {
	def := &protocol.Definition{
		ProtocolID: "powdrive",
		Transport:  protocol.TransportModbusTCP,
		Modbus:     &protocol.Modbus{UnitID: 1},
	}
	regs := []protocol.RegisterDescriptor{
		{ID: "grid_voltage", Addr: 150, Size: 1, Kind: protocol.RegisterKindHolding, Type: protocol.RegisterTypeU16, RW: protocol.AccessReadOnly, Scale: f64(0.1)},
		{ID: "battery_current", Addr: 151, Size: 1, Kind: protocol.RegisterKindHolding, Type: protocol.RegisterTypeS16, RW: protocol.AccessReadOnly, Scale: f64(0.01)},
		{ID: "grid_power", Addr: 153, Size: 2, Kind: protocol.RegisterKindHolding, Type: protocol.RegisterTypeS32, RW: protocol.AccessReadOnly},
		{ID: "serial", Addr: 3, Size: 2, Kind: protocol.RegisterKindHolding, Type: protocol.RegisterTypeASCII, RW: protocol.AccessReadOnly},
		{ID: "broken", Addr: 199, Size: 1, Kind: protocol.RegisterKindHolding, Type: protocol.RegisterTypeU16, RW: protocol.AccessReadOnly},
		{ID: "restart", Addr: 220, Size: 1, Kind: protocol.RegisterKindHolding, Type: protocol.RegisterTypeU16, RW: protocol.AccessWriteOnly},
	}

	sess, peer := newPipeSession(t)
	sim := &modbusSim{
		conn: peer,
		regs: map[uint16][]uint16{
			150: {2305},             // 230.5 V after scale
			151: {0xFFF6},           // -10 raw, -0.1 after scale
			153: {0xFFFF, 0xFC18},   // -1000
			3:   {0x4142, 0x4344},   // "ABCD"
		},
		exception: map[uint16]bool{199: true},
	}
	go sim.serve()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	values, err := NewModbusAdapter(sess, def, regs, zerolog.Nop()).Poll(ctx)
	if err != nil {
		t.Fatalf("poll failed: %v", err)
	}

	if v := values["grid_voltage"]; v != 230.5 {
		t.Errorf("grid_voltage = %v, want 230.5", v)
	}
	if v := values["battery_current"]; v != -0.1 {
		t.Errorf("battery_current = %v, want -0.1", v)
	}
	if v := values["grid_power"]; v != -1000.0 {
		t.Errorf("grid_power = %v, want -1000", v)
	}
	if v := values["serial"]; v != "ABCD" {
		t.Errorf("serial = %v, want ABCD", v)
	}
	// A refused register is skipped, not fatal to the cycle.
	if _, ok := values["broken"]; ok {
		t.Errorf("expected broken register to be omitted from the result")
	}
	// Write-only registers are never polled.
	if _, ok := values["restart"]; ok {
		t.Errorf("expected write-only register to be skipped")
	}
}

func TestModbusAdapterWriteSingle(t *testing.T) {
	def := &protocol.Definition{
		ProtocolID: "powdrive",
		Transport:  protocol.TransportModbusTCP,
		Modbus:     &protocol.Modbus{UnitID: 1},
	}

	sess, peer := newPipeSession(t)
	sim := &modbusSim{conn: peer, writes: make(chan [2]uint16, 1)}
	go sim.serve()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a := NewModbusAdapter(sess, def, nil, zerolog.Nop())
	if err := a.WriteSingle(ctx, 211, 5000); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	got := <-sim.writes
	if got[0] != 211 || got[1] != 5000 {
		t.Fatalf("device saw write %v, want [211 5000]", got)
	}
}

func TestDecodeRegisterTypes(t *testing.T) {
	tests := []struct {
		name  string
		reg   protocol.RegisterDescriptor
		words []uint16
		want  any
	}{
		{"u16", protocol.RegisterDescriptor{Type: protocol.RegisterTypeU16}, []uint16{42}, 42.0},
		{"s16 negative", protocol.RegisterDescriptor{Type: protocol.RegisterTypeS16}, []uint16{0xFFFF}, -1.0},
		{"u32", protocol.RegisterDescriptor{Type: protocol.RegisterTypeU32}, []uint16{1, 0}, 65536.0},
		{"s32 negative", protocol.RegisterDescriptor{Type: protocol.RegisterTypeS32}, []uint16{0xFFFF, 0xFFFF}, -1.0},
		{"scaled", protocol.RegisterDescriptor{Type: protocol.RegisterTypeU16, Scale: f64(0.1)}, []uint16{2305}, 230.5},
		{"ascii", protocol.RegisterDescriptor{Type: protocol.RegisterTypeASCII}, []uint16{0x4142}, "AB"},
		{"ascii encoder", protocol.RegisterDescriptor{Type: protocol.RegisterTypeU16, Encoder: "ascii"}, []uint16{0x4142}, "AB"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := decodeRegister(tc.reg, tc.words); got != tc.want {
				t.Fatalf("decodeRegister = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestCommandAdapterRunsScript(t *testing.T) {
	def := &protocol.Definition{
		ProtocolID: "pytes_battery",
		Transport:  protocol.TransportCommand,
		Command:    &protocol.Command{LineEnding: "\r\n", ResponseTimeout: time.Second, CommandDelay: time.Millisecond},
	}

	sess, peer := newPipeSession(t)
	go func() {
		r := bufio.NewReader(peer)
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			switch strings.TrimSpace(line) {
			case "pwr":
				peer.Write([]byte("Power 1 : 1500 W\r\n>\r\n"))
			case "bat":
				peer.Write([]byte("Battery 1 : 52.1 V 98%\r\n>\r\n"))
			default:
				peer.Write([]byte("invalid\r\n>\r\n"))
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	values, err := NewCommandAdapter(sess, def, nil, zerolog.Nop()).Poll(ctx)
	if err != nil {
		t.Fatalf("poll failed: %v", err)
	}

	if v, ok := values["pwr_response"].(string); !ok || !strings.Contains(v, "1500") {
		t.Errorf("pwr_response = %v, want the power readout", values["pwr_response"])
	}
	if v, ok := values["bat_response"].(string); !ok || !strings.Contains(v, "52.1") {
		t.Errorf("bat_response = %v, want the battery readout", values["bat_response"])
	}
}
