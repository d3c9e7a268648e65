package session

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Handler is invoked once per accepted connection, in its own goroutine. It
// owns the session for its entire lifetime; the acceptor closes the session
// once the handler returns.
type Handler func(ctx context.Context, sess *Session)

// Acceptor runs the TCP listener that the solar fleet dials into. It caps
// concurrent connections, assigns each a unique session id, and hands it off
// to Handler in its own goroutine.
type Acceptor struct {
	Host           string
	Port           int
	Backlog        int
	MaxConnections int

	handler Handler
	logger  zerolog.Logger

	listener net.Listener
	nextID   atomic.Uint64
	active   atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	rejected atomic.Uint64
	accepted atomic.Uint64
}

// NewAcceptor constructs an Acceptor. handler is called for every accepted
// connection.
func NewAcceptor(host string, port, maxConnections int, handler Handler, logger zerolog.Logger) *Acceptor {
	if maxConnections <= 0 {
		maxConnections = 500
	}
	return &Acceptor{
		Host:           host,
		Port:           port,
		MaxConnections: maxConnections,
		handler:        handler,
		logger:         logger.With().Str("component", "tcp-acceptor").Logger(),
	}
}

// Start binds the listener and begins accepting connections. It returns
// once the listener is bound; accept loop runs in the background.
func (a *Acceptor) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", a.Host, a.Port)
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("session: listen on %s: %w", addr, err)
	}
	a.listener = ln

	a.ctx, a.cancel = context.WithCancel(ctx)

	a.logger.Info().Str("addr", addr).Int("max_connections", a.MaxConnections).Msg("device server listening")

	a.wg.Add(1)
	go a.acceptLoop()

	return nil
}

func (a *Acceptor) acceptLoop() {
	defer a.wg.Done()

	for {
		conn, err := a.listener.Accept()
		if err != nil {
			select {
			case <-a.ctx.Done():
				return
			default:
				a.logger.Warn().Err(err).Msg("accept failed")
				continue
			}
		}

		if a.active.Load() >= int64(a.MaxConnections) {
			a.rejected.Add(1)
			a.logger.Warn().Str("remote", conn.RemoteAddr().String()).Msg("connection rejected, at capacity")
			conn.Close()
			continue
		}

		a.accepted.Add(1)
		a.active.Add(1)
		id := fmt.Sprintf("sess-%d", a.nextID.Add(1))
		sess := New(id, conn, a.logger)

		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			defer a.active.Add(-1)
			defer sess.Close()
			a.handler(a.ctx, sess)
		}()
	}
}

// Stop closes the listener and waits (up to timeout) for in-flight handlers
// to return.
func (a *Acceptor) Stop(timeout time.Duration) error {
	if a.cancel != nil {
		a.cancel()
	}
	if a.listener != nil {
		a.listener.Close()
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		a.logger.Info().Msg("acceptor stopped cleanly")
		return nil
	case <-time.After(timeout):
		a.logger.Warn().Msg("acceptor stop timed out, handlers still running")
		return fmt.Errorf("session: stop timed out after %s", timeout)
	}
}

// ActiveConnections returns the current number of live connections.
func (a *Acceptor) ActiveConnections() int64 {
	return a.active.Load()
}

// Stats reports cumulative accept-side counters.
func (a *Acceptor) Stats() (accepted, rejected uint64) {
	return a.accepted.Load(), a.rejected.Load()
}
