package protocol

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// rawProtocolsFile mirrors the top-level `protocols:` document key.
type rawProtocolsFile struct {
	Protocols []Definition `yaml:"protocols"`
}

// LoadAll loads the main protocols.yaml in dir plus any protocols_*.yaml
// sidecars, registers every definition it can parse, and returns the
// populated Registry. A malformed entry is logged and skipped rather than
// failing the whole load; a duplicate protocol_id across files is fatal.
func LoadAll(dir, registerMapsDir string, logger zerolog.Logger) (*Registry, error) {
	reg := NewRegistry(func(def *Definition) ([]RegisterDescriptor, error) {
		return loadRegisterMap(registerMapsDir, def, logger)
	})

	mainFile := filepath.Join(dir, "protocols.yaml")
	if _, err := os.Stat(mainFile); err == nil {
		if err := loadFile(mainFile, reg, logger); err != nil {
			return nil, err
		}
	}

	matches, _ := filepath.Glob(filepath.Join(dir, "protocols_*.yaml"))
	for _, f := range matches {
		if err := loadFile(f, reg, logger); err != nil {
			return nil, err
		}
	}

	return reg, nil
}

func loadFile(path string, reg *Registry, logger zerolog.Logger) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("protocol: reading %s: %w", path, err)
	}

	var raw rawProtocolsFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("protocol: parsing %s: %w", path, err)
	}

	for i := range raw.Protocols {
		def := &raw.Protocols[i]
		normalize(def)
		if err := reg.Register(def); err != nil {
			if err == ErrDuplicateProtocolID {
				return fmt.Errorf("protocol: %s: %w (%s)", path, err, def.ProtocolID)
			}
			logger.Warn().Err(err).Str("file", path).Msg("skipping malformed protocol definition")
			continue
		}
	}

	return nil
}

// normalize fills in inferred fields and per-transport sub-config defaults
// so the rest of the server never sees a partially specified definition.
func normalize(def *Definition) {
	if def.Name == "" {
		def.Name = def.ProtocolID
	}
	if def.Priority == 0 {
		def.Priority = 100
	}
	if def.Transport == "" {
		def.Transport = inferTransport(def)
	}
	if def.DeviceType == "" {
		def.DeviceType = DeviceTypeUnknown
	}

	if def.Transport == TransportModbusTCP || def.Transport == TransportModbusRTU {
		if def.Modbus == nil {
			def.Modbus = &Modbus{UnitID: 1, Timeout: 5 * time.Second, Retries: 3}
		}
	}
	if def.Transport == TransportCommand {
		if def.Command == nil {
			def.Command = &Command{LineEnding: "\r\n", ResponseTimeout: 5 * time.Second}
		}
	}

	if def.Polling.DefaultInterval == 0 {
		def.Polling.DefaultInterval = 10 * time.Second
	}
	if def.Polling.MinInterval == 0 {
		def.Polling.MinInterval = 5 * time.Second
	}
	if def.Polling.MaxInterval == 0 {
		def.Polling.MaxInterval = 300 * time.Second
	}
	if def.Polling.MaxConsecutiveFailures == 0 {
		def.Polling.MaxConsecutiveFailures = 5
	}
	if def.Identification.Timeout == 0 {
		def.Identification.Timeout = 5 * time.Second
	}
}

// inferTransport fills in the transport for legacy definitions that omit
// it: an identification command implies the command transport; everything
// else defaults to modbus_tcp.
func inferTransport(def *Definition) Transport {
	if def.Identification.Command != "" {
		return TransportCommand
	}
	return TransportModbusTCP
}

// loadRegisterMap reads a JSON register-map sidecar. A missing file is
// non-fatal and produces an empty map plus a warning.
func loadRegisterMap(dir string, def *Definition, logger zerolog.Logger) ([]RegisterDescriptor, error) {
	path := filepath.Join(dir, def.RegisterMapFile)
	data, err := os.ReadFile(path)
	if err != nil {
		logger.Warn().Str("protocol", def.ProtocolID).Str("path", path).
			Msg("register map file missing, protocol will yield empty telemetry")
		return nil, err
	}

	var regs []RegisterDescriptor
	if err := json.Unmarshal(data, &regs); err != nil {
		logger.Warn().Err(err).Str("protocol", def.ProtocolID).Msg("malformed register map")
		return nil, err
	}

	return regs, nil
}

// isHexString reports whether s consists solely of hex digits (used by the
// command prober to distinguish binary from text commands).
func isHexString(s string) bool {
	s = strings.ReplaceAll(s, " ", "")
	if s == "" {
		return false
	}
	for _, c := range s {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return false
		}
	}
	return true
}

// IsHexString exports isHexString for the identification package.
func IsHexString(s string) bool { return isHexString(s) }
