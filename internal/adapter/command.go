package adapter

import (
	"bytes"
	"context"
	"strings"
	"time"

	"github.com/nexus-edge/device-server/internal/protocol"
	"github.com/nexus-edge/device-server/internal/session"
	"github.com/rs/zerolog"
)

// commandScripts maps a protocol id substring to the fixed sequence of
// poll-time commands it answers. This generalizes the source adapter's
// Pytes-only hardcoding to any command-based protocol that wants a canned
// script instead of a register map.
var commandScripts = map[string][]string{
	"pytes": {"pwr", "bat"},
}

// CommandAdapter polls a line-oriented command device by running its
// protocol's command script (or, absent one, nothing) each cycle.
type CommandAdapter struct {
	sess            *session.Session
	def             *protocol.Definition
	regs            []protocol.RegisterDescriptor
	lineEnding      string
	responseTimeout time.Duration
	commandDelay    time.Duration
	logger          zerolog.Logger
}

// NewCommandAdapter builds a CommandAdapter for an identified session.
func NewCommandAdapter(sess *session.Session, def *protocol.Definition, regs []protocol.RegisterDescriptor, logger zerolog.Logger) *CommandAdapter {
	lineEnding := "\r\n"
	responseTimeout := 5 * time.Second
	commandDelay := 100 * time.Millisecond
	if def.Command != nil {
		if def.Command.LineEnding != "" {
			lineEnding = def.Command.LineEnding
		}
		if def.Command.ResponseTimeout > 0 {
			responseTimeout = def.Command.ResponseTimeout
		}
		if def.Command.CommandDelay > 0 {
			commandDelay = def.Command.CommandDelay
		}
	}

	return &CommandAdapter{
		sess:            sess,
		def:             def,
		regs:            regs,
		lineEnding:      lineEnding,
		responseTimeout: responseTimeout,
		commandDelay:    commandDelay,
		logger:          logger.With().Str("protocol", def.ProtocolID).Logger(),
	}
}

// SendCommand writes command+lineEnding and accumulates response lines
// until a ">" prompt or the timeout expires.
func (a *CommandAdapter) SendCommand(ctx context.Context, command string) (string, error) {
	if err := a.sess.Write(ctx, []byte(command+a.lineEnding)); err != nil {
		return "", err
	}

	deadline := time.Now().Add(a.responseTimeout)
	var lines []string

	for time.Now().Before(deadline) {
		remaining := time.Until(deadline)
		if remaining < 100*time.Millisecond {
			remaining = 100 * time.Millisecond
		}
		rctx, cancel := context.WithTimeout(ctx, remaining)
		raw, err := a.sess.ReadUntil(rctx, a.lineEnding[len(a.lineEnding)-1], 4096)
		cancel()
		if err != nil && len(raw) == 0 {
			break
		}

		decoded := strings.TrimSpace(string(bytes.ReplaceAll(raw, []byte(a.lineEnding), nil)))
		if decoded != "" {
			lines = append(lines, decoded)
		}
		if strings.HasPrefix(decoded, ">") {
			break
		}
	}

	if len(lines) == 0 {
		return "", nil
	}
	return strings.Join(lines, "\n"), nil
}

// Poll runs the protocol's command script, one command per registered
// script entry, keyed by "<command>_response" in the returned map. Between
// commands it waits CommandDelay, matching devices whose firmware drops
// back-to-back requests sent without a gap.
func (a *CommandAdapter) Poll(ctx context.Context) (map[string]any, error) {
	values := make(map[string]any)

	id := strings.ToLower(a.def.ProtocolID)
	var script []string
	for key, cmds := range commandScripts {
		if strings.Contains(id, key) {
			script = cmds
			break
		}
	}

	for i, cmd := range script {
		if i > 0 {
			select {
			case <-time.After(a.commandDelay):
			case <-ctx.Done():
				return values, ctx.Err()
			}
		}

		response, err := a.SendCommand(ctx, cmd)
		if err != nil {
			a.logger.Debug().Err(err).Str("command", cmd).Msg("command failed")
			continue
		}
		if response != "" {
			values[cmd+"_response"] = response
		}
	}

	return values, nil
}
