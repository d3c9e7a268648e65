// Package protocol holds the declarative catalogue of device families the
// server knows how to identify and poll: protocol definitions, register
// maps, and the registry that indexes them.
package protocol

import "time"

// DeviceType classifies the kind of equipment a protocol describes.
type DeviceType string

const (
	DeviceTypeInverter DeviceType = "inverter"
	DeviceTypeMeter    DeviceType = "meter"
	DeviceTypeBattery  DeviceType = "battery"
	DeviceTypeLogger   DeviceType = "logger"
	DeviceTypeUnknown  DeviceType = "unknown"
)

// Transport is the wire transport used to talk to a device family.
type Transport string

const (
	TransportModbusTCP Transport = "modbus_tcp"
	TransportModbusRTU Transport = "modbus_rtu"
	TransportCommand   Transport = "command"
	TransportBLE       Transport = "ble"
)

// Identification describes how to probe a connected peer to see whether it
// matches this protocol. Exactly one of the register-based or command-based
// fields is populated, selected by IsModbusBased/IsCommandBased.
type Identification struct {
	Register       *uint16       `yaml:"register"`
	Size           uint16        `yaml:"size"`
	ExpectedValues []uint16      `yaml:"expected_values"`
	Command        string        `yaml:"command"`
	ExpectedResponse string      `yaml:"expected_response"`
	Timeout        time.Duration `yaml:"timeout"`
}

// IsModbusBased reports whether identification reads a register.
func (i Identification) IsModbusBased() bool { return i.Register != nil }

// IsCommandBased reports whether identification sends a command string.
func (i Identification) IsCommandBased() bool { return i.Command != "" }

// SerialNumber describes how to extract the device's unique serial once
// identified.
type SerialNumber struct {
	Register   *uint16 `yaml:"register"`
	Size       uint16  `yaml:"size"`
	Encoding   string  `yaml:"encoding"` // ascii | hex | raw
	Command    string  `yaml:"command"`
	ParseRegex string  `yaml:"parse_regex"`
}

// IsRegisterBased reports whether the serial is read from a register.
func (s SerialNumber) IsRegisterBased() bool { return s.Register != nil }

// Polling holds per-protocol scheduling parameters.
type Polling struct {
	DefaultInterval       time.Duration `yaml:"default_interval"`
	MinInterval           time.Duration `yaml:"min_interval"`
	MaxInterval           time.Duration `yaml:"max_interval"`
	Timeout               time.Duration `yaml:"timeout"`
	MaxConsecutiveFailures int          `yaml:"max_consecutive_failures"`
	RetryDelay            time.Duration `yaml:"retry_delay"`
}

// Modbus holds Modbus-specific parameters.
type Modbus struct {
	UnitID     byte          `yaml:"unit_id"`
	Timeout    time.Duration `yaml:"timeout"`
	Retries    int           `yaml:"retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
}

// Command holds command-transport-specific parameters.
type Command struct {
	LineEnding      string        `yaml:"line_ending"`
	ResponseTimeout time.Duration `yaml:"response_timeout"`
	CommandDelay    time.Duration `yaml:"command_delay"`
}

// Definition is a single entry in the protocol registry, immutable after load.
type Definition struct {
	ProtocolID      string          `yaml:"id"`
	Name            string          `yaml:"name"`
	DeviceType      DeviceType      `yaml:"device_type"`
	Transport       Transport       `yaml:"protocol_type"`
	Priority        int             `yaml:"priority"`
	RegisterMapFile string          `yaml:"register_map"`
	Identification  Identification  `yaml:"identification"`
	SerialNumber    SerialNumber    `yaml:"serial_number"`
	Polling         Polling         `yaml:"polling"`
	Modbus          *Modbus         `yaml:"modbus"`
	Command         *Command        `yaml:"command"`
	Manufacturer    string          `yaml:"manufacturer"`
	ModelPattern    string          `yaml:"model_pattern"`
	AdapterClass    string          `yaml:"adapter_class"`
	Description     string          `yaml:"description"`
}

// RegisterKind distinguishes holding from input registers; write-only
// registers are represented via RW below rather than a third Kind.
type RegisterKind string

const (
	RegisterKindHolding RegisterKind = "holding"
	RegisterKindInput   RegisterKind = "input"
)

// RegisterAccess constrains whether a register descriptor is read, written,
// or both during a poll.
type RegisterAccess string

const (
	AccessReadOnly  RegisterAccess = "RO"
	AccessReadWrite RegisterAccess = "RW"
	AccessWriteOnly RegisterAccess = "WO"
)

// RegisterType is the decoding applied to a register's raw words.
type RegisterType string

const (
	RegisterTypeU16   RegisterType = "u16"
	RegisterTypeS16   RegisterType = "s16"
	RegisterTypeU32   RegisterType = "u32"
	RegisterTypeS32   RegisterType = "s32"
	RegisterTypeASCII RegisterType = "ascii"
)

// RegisterDescriptor is one entry of a register-map JSON sidecar.
type RegisterDescriptor struct {
	ID      string         `json:"id"`
	Addr    uint16         `json:"addr"`
	Size    uint16         `json:"size"`
	Kind    RegisterKind   `json:"kind"`
	Type    RegisterType   `json:"type"`
	RW      RegisterAccess `json:"rw"`
	Scale   *float64       `json:"scale,omitempty"`
	Encoder string         `json:"encoder,omitempty"`
}

// Pollable reports whether this register should be read during a poll cycle.
func (r RegisterDescriptor) Pollable() bool {
	if r.RW == AccessWriteOnly {
		return false
	}
	return r.Kind == RegisterKindHolding || r.Kind == RegisterKindInput
}
