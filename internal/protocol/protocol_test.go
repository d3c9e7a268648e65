package protocol

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func u16(v uint16) *uint16 { return &v }

func TestRegistryRejectsDuplicateProtocolID(t *testing.T) {
	reg := NewRegistry(nil)

	if err := reg.Register(&Definition{ProtocolID: "powdrive", Transport: TransportModbusTCP}); err != nil {
		t.Fatalf("first registration failed: %v", err)
	}
	err := reg.Register(&Definition{ProtocolID: "powdrive", Transport: TransportModbusTCP})
	if !errors.Is(err, ErrDuplicateProtocolID) {
		t.Fatalf("err = %v, want ErrDuplicateProtocolID", err)
	}
}

func TestRegistryPriorityOrderIsStable(t *testing.T) {
	reg := NewRegistry(nil)

	// Same priority: insertion order must be preserved (stable sort).
	for _, id := range []string{"b_second", "a_first_inserted"} {
		if err := reg.Register(&Definition{ProtocolID: id, Priority: 50, Transport: TransportModbusTCP}); err != nil {
			t.Fatal(err)
		}
	}
	if err := reg.Register(&Definition{ProtocolID: "highest", Priority: 10, Transport: TransportModbusTCP}); err != nil {
		t.Fatal(err)
	}

	order := reg.IterByPriority()
	got := []string{order[0].ProtocolID, order[1].ProtocolID, order[2].ProtocolID}
	want := []string{"highest", "b_second", "a_first_inserted"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("priority order = %v, want %v", got, want)
		}
	}
}

func TestRegistryTransportFilteredIteration(t *testing.T) {
	reg := NewRegistry(nil)
	defs := []*Definition{
		{ProtocolID: "inv", Priority: 10, Transport: TransportModbusTCP},
		{ProtocolID: "bat", Priority: 5, Transport: TransportCommand},
		{ProtocolID: "rtu", Priority: 20, Transport: TransportModbusRTU},
	}
	for _, d := range defs {
		if err := reg.Register(d); err != nil {
			t.Fatal(err)
		}
	}

	modbus := reg.IterModbusByPriority()
	if len(modbus) != 2 || modbus[0].ProtocolID != "inv" || modbus[1].ProtocolID != "rtu" {
		t.Fatalf("modbus iteration = %v", ids(modbus))
	}

	cmd := reg.IterCommandByPriority()
	if len(cmd) != 1 || cmd[0].ProtocolID != "bat" {
		t.Fatalf("command iteration = %v", ids(cmd))
	}
}

func ids(defs []*Definition) []string {
	out := make([]string, len(defs))
	for i, d := range defs {
		out[i] = d.ProtocolID
	}
	return out
}

func TestNormalizeInfersCommandTransportFromIdentification(t *testing.T) {
	def := &Definition{
		ProtocolID:     "pytes_battery",
		Identification: Identification{Command: "info"},
	}
	normalize(def)

	if def.Transport != TransportCommand {
		t.Fatalf("transport = %q, want command", def.Transport)
	}
	if def.Command == nil || def.Command.LineEnding != "\r\n" {
		t.Fatalf("expected command sub-config defaults to be filled in")
	}
}

func TestNormalizeDefaultsToModbusTCP(t *testing.T) {
	def := &Definition{
		ProtocolID:     "legacy_inverter",
		Identification: Identification{Register: u16(0), ExpectedValues: []uint16{3}},
	}
	normalize(def)

	if def.Transport != TransportModbusTCP {
		t.Fatalf("transport = %q, want modbus_tcp", def.Transport)
	}
	if def.Modbus == nil || def.Modbus.UnitID != 1 {
		t.Fatalf("expected modbus sub-config defaults to be filled in")
	}
	if def.Priority != 100 {
		t.Fatalf("priority = %d, want default 100", def.Priority)
	}
	if def.Polling.MaxConsecutiveFailures != 5 {
		t.Fatalf("max consecutive failures = %d, want default 5", def.Polling.MaxConsecutiveFailures)
	}
}

func TestLoadAllParsesDefinitionsAndSidecars(t *testing.T) {
	dir := t.TempDir()
	mapsDir := t.TempDir()

	mainYAML := `
protocols:
  - id: powdrive
    name: Powdrive Inverter
    device_type: inverter
    protocol_type: modbus_tcp
    priority: 10
    register_map: powdrive.json
    identification:
      register: 0
      size: 1
      expected_values: [3]
    serial_number:
      register: 3
      size: 5
      encoding: ascii
`
	sidecarYAML := `
protocols:
  - id: pytes_battery
    device_type: battery
    identification:
      command: info
      expected_response: pytes
`
	writeFile(t, filepath.Join(dir, "protocols.yaml"), mainYAML)
	writeFile(t, filepath.Join(dir, "protocols_batteries.yaml"), sidecarYAML)
	writeFile(t, filepath.Join(mapsDir, "powdrive.json"),
		`[{"id": "grid_voltage", "addr": 150, "size": 1, "kind": "holding", "type": "u16", "rw": "RO", "scale": 0.1}]`)

	reg, err := LoadAll(dir, mapsDir, zerolog.Nop())
	if err != nil {
		t.Fatalf("LoadAll failed: %v", err)
	}
	if reg.Len() != 2 {
		t.Fatalf("loaded %d protocols, want 2", reg.Len())
	}

	pd, ok := reg.Get("powdrive")
	if !ok {
		t.Fatalf("powdrive not registered")
	}
	if pd.Identification.Register == nil || *pd.Identification.Register != 0 {
		t.Fatalf("identification register not parsed: %+v", pd.Identification)
	}
	if len(pd.Identification.ExpectedValues) != 1 || pd.Identification.ExpectedValues[0] != 3 {
		t.Fatalf("expected values not parsed: %v", pd.Identification.ExpectedValues)
	}

	// Transport inference on the sidecar entry with no protocol_type.
	py, _ := reg.Get("pytes_battery")
	if py.Transport != TransportCommand {
		t.Fatalf("inferred transport = %q, want command", py.Transport)
	}

	regs := reg.RegisterMap(pd)
	if len(regs) != 1 || regs[0].ID != "grid_voltage" || regs[0].Scale == nil || *regs[0].Scale != 0.1 {
		t.Fatalf("register map not loaded: %+v", regs)
	}
}

func TestLoadAllFailsOnDuplicateAcrossFiles(t *testing.T) {
	dir := t.TempDir()
	doc := `
protocols:
  - id: powdrive
    identification:
      register: 0
`
	writeFile(t, filepath.Join(dir, "protocols.yaml"), doc)
	writeFile(t, filepath.Join(dir, "protocols_extra.yaml"), doc)

	if _, err := LoadAll(dir, t.TempDir(), zerolog.Nop()); err == nil {
		t.Fatalf("expected duplicate protocol id across files to be fatal")
	}
}

func TestRegisterMapMissingFileIsNonFatalAndCached(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "protocols.yaml"), `
protocols:
  - id: mystery
    register_map: does_not_exist.json
    identification:
      register: 0
`)

	reg, err := LoadAll(dir, t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("LoadAll failed: %v", err)
	}

	def, _ := reg.Get("mystery")
	if regs := reg.RegisterMap(def); len(regs) != 0 {
		t.Fatalf("missing map should yield empty register list, got %v", regs)
	}
	// Second lookup served from cache, still empty.
	if regs := reg.RegisterMap(def); len(regs) != 0 {
		t.Fatalf("cached lookup should stay empty")
	}
}

func TestPollableSkipsWriteOnlyAndUnknownKinds(t *testing.T) {
	tests := []struct {
		reg  RegisterDescriptor
		want bool
	}{
		{RegisterDescriptor{Kind: RegisterKindHolding, RW: AccessReadOnly}, true},
		{RegisterDescriptor{Kind: RegisterKindInput, RW: AccessReadWrite}, true},
		{RegisterDescriptor{Kind: RegisterKindHolding, RW: AccessWriteOnly}, false},
		{RegisterDescriptor{Kind: "coil", RW: AccessReadOnly}, false},
	}
	for _, tc := range tests {
		if got := tc.reg.Pollable(); got != tc.want {
			t.Errorf("Pollable(%+v) = %v, want %v", tc.reg, got, tc.want)
		}
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}
