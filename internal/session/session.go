// Package session wraps a single accepted TCP connection in the lifecycle
// state machine it moves through from the moment it lands on the listener
// to the moment it is torn down: connected, identifying, identified,
// polling, and finally disconnected or error.
package session

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// State is a position in the session lifecycle.
type State string

const (
	StateConnected    State = "connected"
	StateIdentifying  State = "identifying"
	StateIdentified   State = "identified"
	StatePolling      State = "polling"
	StateDisconnected State = "disconnected"
	StateError        State = "error"
)

var (
	ErrClosed       = errors.New("session: connection is closed")
	ErrInvalidState = errors.New("session: operation not valid in current state")
)

// Stats tracks lightweight connection-level counters, updated on every read
// and write; no accessor exposes them outside this package.
type Stats struct {
	BytesRead     atomic.Uint64
	BytesWritten  atomic.Uint64
	ReadErrors    atomic.Uint64
	WriteErrors   atomic.Uint64
	LastActivity  atomic.Int64 // unix nanos
}

// Session owns one TCP connection and everything about it that must be
// visible across the prober, device manager, and poller without those
// components reaching into net.Conn directly.
type Session struct {
	ID         string
	RemoteAddr string
	RemoteIP   string
	RemotePort int
	ConnectedAt time.Time

	conn   net.Conn
	reader *bufio.Reader

	mu    sync.RWMutex
	state State

	ProtocolID string // set once identified
	DeviceID   string // set once identified

	stats  Stats
	closed atomic.Bool

	logger zerolog.Logger
}

// New wraps an accepted connection. id should be unique for the process
// lifetime (the acceptor uses a monotonically increasing counter).
func New(id string, conn net.Conn, logger zerolog.Logger) *Session {
	host, portStr, _ := net.SplitHostPort(conn.RemoteAddr().String())
	port := 0
	fmt.Sscanf(portStr, "%d", &port)

	s := &Session{
		ID:          id,
		RemoteAddr:  conn.RemoteAddr().String(),
		RemoteIP:    host,
		RemotePort:  port,
		ConnectedAt: time.Now(),
		conn:        conn,
		reader:      bufio.NewReader(conn),
		state:       StateConnected,
		logger:      logger.With().Str("session_id", id).Str("remote_addr", conn.RemoteAddr().String()).Logger(),
	}
	s.stats.LastActivity.Store(time.Now().UnixNano())
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// SetState transitions the session to a new state. Callers are expected to
// enforce the legal transition graph (connection manager); this only
// records the change and logs it.
func (s *Session) SetState(next State) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	s.mu.Unlock()

	if prev != next {
		s.logger.Debug().Str("from", string(prev)).Str("to", string(next)).Msg("session state transition")
	}
}

// Identify records the protocol and device id once identification succeeds.
func (s *Session) Identify(protocolID, deviceID string) {
	s.mu.Lock()
	s.ProtocolID = protocolID
	s.DeviceID = deviceID
	s.mu.Unlock()
}

// Closed reports whether Close has already run.
func (s *Session) Closed() bool {
	return s.closed.Load()
}

// Close tears down the underlying connection. Safe to call more than once.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.SetState(StateDisconnected)
	return s.conn.Close()
}

// Write sends b with a deadline, recording stats on both success and
// failure so a half-dead peer doesn't silently accumulate unbounded writes.
func (s *Session) Write(ctx context.Context, b []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(10 * time.Second)
	}
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("session: set write deadline: %w", err)
	}

	n, err := s.conn.Write(b)
	s.stats.BytesWritten.Add(uint64(n))
	s.stats.LastActivity.Store(time.Now().UnixNano())
	if err != nil {
		s.stats.WriteErrors.Add(1)
		return fmt.Errorf("session: write: %w", err)
	}
	return nil
}

// ReadFull reads exactly len(buf) bytes, or returns an error (including on
// deadline expiry).
func (s *Session) ReadFull(ctx context.Context, buf []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(10 * time.Second)
	}
	if err := s.conn.SetReadDeadline(deadline); err != nil {
		return fmt.Errorf("session: set read deadline: %w", err)
	}

	n, err := io.ReadFull(s.reader, buf)
	s.stats.BytesRead.Add(uint64(n))
	s.stats.LastActivity.Store(time.Now().UnixNano())
	if err != nil {
		s.stats.ReadErrors.Add(1)
		return fmt.Errorf("session: read: %w", err)
	}
	return nil
}

// ReadAvailable reads whatever is currently buffered or arrives before the
// deadline, up to maxBytes, without requiring a specific length. Used by the
// command prober, where response length is not known ahead of time.
func (s *Session) ReadAvailable(ctx context.Context, maxBytes int) ([]byte, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(2 * time.Second)
	}
	if err := s.conn.SetReadDeadline(deadline); err != nil {
		return nil, fmt.Errorf("session: set read deadline: %w", err)
	}

	buf := make([]byte, maxBytes)
	n, err := s.reader.Read(buf)
	s.stats.BytesRead.Add(uint64(n))
	s.stats.LastActivity.Store(time.Now().UnixNano())
	if n > 0 {
		// A short read with data is not itself an error the caller needs
		// to see; timeouts are reported via err when n == 0.
		return buf[:n], nil
	}
	if err != nil {
		s.stats.ReadErrors.Add(1)
		return nil, fmt.Errorf("session: read: %w", err)
	}
	return buf[:n], nil
}

// ReadUntil reads bytes until delim is seen or the deadline expires; a
// result longer than maxBytes is truncated to maxBytes. Used by the command prober's text-mode response
// collection (prompt-terminated or empty-line-terminated replies).
func (s *Session) ReadUntil(ctx context.Context, delim byte, maxBytes int) ([]byte, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(5 * time.Second)
	}
	if err := s.conn.SetReadDeadline(deadline); err != nil {
		return nil, fmt.Errorf("session: set read deadline: %w", err)
	}

	line, err := s.reader.ReadBytes(delim)
	s.stats.BytesRead.Add(uint64(len(line)))
	s.stats.LastActivity.Store(time.Now().UnixNano())
	if len(line) > maxBytes {
		line = line[:maxBytes]
	}
	if err != nil {
		s.stats.ReadErrors.Add(1)
		return line, fmt.Errorf("session: read until delim: %w", err)
	}
	return line, nil
}
