package identify

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/nexus-edge/device-server/internal/protocol"
	"github.com/nexus-edge/device-server/internal/session"
	"github.com/rs/zerolog"
)

// jkbmsHeader is the "NW" binary response header JK-BMS devices prefix
// their replies with.
var jkbmsHeader = []byte{0x4E, 0x57}

// CommandProber identifies devices that expose a line-oriented or binary
// command interface instead of Modbus registers.
type CommandProber struct {
	logger zerolog.Logger
}

// NewCommandProber builds a CommandProber.
func NewCommandProber(logger zerolog.Logger) *CommandProber {
	return &CommandProber{logger: logger}
}

// SendTextCommand writes command+lineEnding and accumulates response lines
// until a ">" prompt, an empty line, maxLines, or the deadline is hit.
func (c *CommandProber) SendTextCommand(ctx context.Context, sess *session.Session, command, lineEnding string, responseTimeout time.Duration, maxLines int) (string, error) {
	if maxLines <= 0 {
		maxLines = 100
	}

	if err := sess.Write(ctx, []byte(command+lineEnding)); err != nil {
		return "", fmt.Errorf("identify: command write: %w", err)
	}

	deadline := time.Now().Add(responseTimeout)
	var lines []string

	for time.Now().Before(deadline) && len(lines) < maxLines {
		remaining := time.Until(deadline)
		if remaining < 100*time.Millisecond {
			remaining = 100 * time.Millisecond
		}
		rctx, cancel := context.WithTimeout(ctx, remaining)
		raw, err := sess.ReadUntil(rctx, lineEnding[len(lineEnding)-1], 4096)
		cancel()
		if err != nil && len(raw) == 0 {
			break
		}

		line := strings.TrimSpace(string(bytes.ReplaceAll(raw, []byte(lineEnding), nil)))
		if line != "" {
			lines = append(lines, line)
		}

		if strings.HasPrefix(line, ">") || line == "" {
			break
		}
	}

	if len(lines) == 0 {
		return "", fmt.Errorf("identify: no response to command %q", command)
	}
	return strings.Join(lines, "\n"), nil
}

// SendBinaryCommand writes raw command bytes and reads whatever comes back,
// up to 4096 bytes, within responseTimeout.
func (c *CommandProber) SendBinaryCommand(ctx context.Context, sess *session.Session, command []byte, responseTimeout time.Duration) ([]byte, error) {
	if err := sess.Write(ctx, command); err != nil {
		return nil, fmt.Errorf("identify: binary command write: %w", err)
	}

	rctx, cancel := context.WithTimeout(ctx, responseTimeout)
	defer cancel()

	resp, err := sess.ReadAvailable(rctx, 4096)
	if err != nil {
		return nil, err
	}
	if len(resp) == 0 {
		return nil, fmt.Errorf("identify: empty binary response")
	}
	return resp, nil
}

// Probe dispatches to a protocol-specific probe by protocol id substring,
// falling back to the generic probe for anything else.
func (c *CommandProber) Probe(ctx context.Context, sess *session.Session, def *protocol.Definition) (*Result, error) {
	if def.Transport != protocol.TransportCommand {
		return nil, nil
	}

	id := strings.ToLower(def.ProtocolID)
	switch {
	case strings.Contains(id, "pytes"):
		return c.probePytes(ctx, sess, def)
	case strings.Contains(id, "jkbms"):
		return c.probeJKBMS(ctx, sess, def)
	default:
		return c.probeGeneric(ctx, sess, def)
	}
}

func (c *CommandProber) probePytes(ctx context.Context, sess *session.Session, def *protocol.Definition) (*Result, error) {
	ident := def.Identification
	command := ident.Command
	if command == "" {
		command = "info"
	}
	lineEnding := "\r\n"
	if def.Command != nil && def.Command.LineEnding != "" {
		lineEnding = def.Command.LineEnding
	}

	response, err := c.SendTextCommand(ctx, sess, command, lineEnding, ident.Timeout, 100)
	if err != nil {
		return nil, nil
	}

	if ident.ExpectedResponse != "" && !strings.Contains(strings.ToLower(response), strings.ToLower(ident.ExpectedResponse)) {
		return nil, nil
	}

	serial := ""
	if def.SerialNumber.Command != "" {
		snResp, err := c.SendTextCommand(ctx, sess, def.SerialNumber.Command, lineEnding, ident.Timeout, 20)
		if err == nil && def.SerialNumber.ParseRegex != "" {
			if re, reErr := regexp.Compile(def.SerialNumber.ParseRegex); reErr == nil {
				if m := re.FindStringSubmatch(snResp); len(m) > 1 {
					serial = m[1]
				}
			}
		}
	}

	fallback := false
	if serial == "" {
		serial = fmt.Sprintf("pytes_%s_%d", sess.RemoteIP, sess.RemotePort)
		fallback = true
	}

	preview := response
	if len(preview) > 200 {
		preview = preview[:200]
	}

	return &Result{
		ProtocolID:     def.ProtocolID,
		SerialNumber:   serial,
		DeviceType:     def.DeviceType,
		Model:          "Pytes Battery",
		Manufacturer:   "Pytes",
		FallbackSerial: fallback,
		ExtraData:      map[string]any{"info_response": preview},
	}, nil
}

func (c *CommandProber) probeJKBMS(ctx context.Context, sess *session.Session, def *protocol.Definition) (*Result, error) {
	cmdBytes, err := decodeCommandBytes(def.Identification.Command)
	if err != nil {
		return nil, nil
	}

	resp, err := c.SendBinaryCommand(ctx, sess, cmdBytes, def.Identification.Timeout)
	if err != nil {
		return nil, nil
	}
	if len(resp) < 2 || !bytes.Equal(resp[:2], jkbmsHeader) {
		return nil, nil
	}

	serial := fmt.Sprintf("jkbms_%s_%d", sess.RemoteIP, sess.RemotePort)
	headerLen := len(resp)
	if headerLen > 10 {
		headerLen = 10
	}

	return &Result{
		ProtocolID:     def.ProtocolID,
		SerialNumber:   serial,
		DeviceType:     def.DeviceType,
		Model:          "JK-BMS",
		Manufacturer:   "JK",
		FallbackSerial: true,
		ExtraData:      map[string]any{"response_header": hex.EncodeToString(resp[:headerLen])},
	}, nil
}

func (c *CommandProber) probeGeneric(ctx context.Context, sess *session.Session, def *protocol.Definition) (*Result, error) {
	ident := def.Identification
	if ident.Command == "" {
		return nil, nil
	}

	lineEnding := "\r\n"
	if def.Command != nil && def.Command.LineEnding != "" {
		lineEnding = def.Command.LineEnding
	}

	var textResponse string

	if isHexCommand(ident.Command) {
		cmdBytes, err := decodeCommandBytes(ident.Command)
		if err != nil {
			return nil, nil
		}
		resp, err := c.SendBinaryCommand(ctx, sess, cmdBytes, ident.Timeout)
		if err != nil {
			return nil, nil
		}
		if ident.ExpectedResponse != "" {
			expected, err := decodeCommandBytes(ident.ExpectedResponse)
			if err != nil {
				expected = []byte(ident.ExpectedResponse)
			}
			if !bytes.HasPrefix(resp, expected) {
				return nil, nil
			}
		}
	} else {
		response, err := c.SendTextCommand(ctx, sess, ident.Command, lineEnding, ident.Timeout, 100)
		if err != nil {
			return nil, nil
		}
		if ident.ExpectedResponse != "" && !strings.Contains(strings.ToLower(response), strings.ToLower(ident.ExpectedResponse)) {
			return nil, nil
		}
		textResponse = response
	}

	serial, fallback := c.extractGenericSerial(ctx, sess, def, lineEnding, textResponse)

	return &Result{
		ProtocolID:     def.ProtocolID,
		SerialNumber:   serial,
		DeviceType:     def.DeviceType,
		Model:          def.Name,
		Manufacturer:   def.Manufacturer,
		FallbackSerial: fallback,
	}, nil
}

// extractGenericSerial attempts real serial extraction the same way
// probePytes does, before falling back to a synthesized serial: a dedicated
// SerialNumber.Command is issued if present, otherwise the identification
// response itself is matched against ParseRegex. A binary identification
// command leaves no text response to match, so it can only yield a serial
// through SerialNumber.Command.
func (c *CommandProber) extractGenericSerial(ctx context.Context, sess *session.Session, def *protocol.Definition, lineEnding, identResponse string) (serial string, fallback bool) {
	sn := def.SerialNumber
	if sn.ParseRegex == "" {
		return fallbackSerial(def.ProtocolID, sess), true
	}

	re, err := regexp.Compile(sn.ParseRegex)
	if err != nil {
		return fallbackSerial(def.ProtocolID, sess), true
	}

	candidate := identResponse
	if sn.Command != "" {
		if resp, err := c.SendTextCommand(ctx, sess, sn.Command, lineEnding, def.Identification.Timeout, 20); err == nil {
			candidate = resp
		}
	}

	if m := re.FindStringSubmatch(candidate); len(m) > 1 {
		return m[1], false
	}
	return fallbackSerial(def.ProtocolID, sess), true
}

// decodeCommandBytes turns a `\x..` escaped or bare-hex command string into
// raw bytes.
func decodeCommandBytes(s string) ([]byte, error) {
	if strings.HasPrefix(s, `\x`) {
		s = strings.ReplaceAll(s, `\x`, "")
	} else {
		s = strings.ReplaceAll(s, " ", "")
	}
	return hex.DecodeString(s)
}
