package session

import (
	"context"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestSessionStateTransitionsAndCloseIdempotence(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	sess := New("sess-1", client, zerolog.Nop())
	if sess.State() != StateConnected {
		t.Fatalf("initial state = %q, want connected", sess.State())
	}

	sess.SetState(StateIdentifying)
	sess.SetState(StateIdentified)
	sess.Identify("powdrive", "dev-1")
	sess.SetState(StatePolling)

	if sess.State() != StatePolling || sess.ProtocolID != "powdrive" || sess.DeviceID != "dev-1" {
		t.Fatalf("identified session state wrong: %q %q %q", sess.State(), sess.ProtocolID, sess.DeviceID)
	}

	if err := sess.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if !sess.Closed() || sess.State() != StateDisconnected {
		t.Fatalf("close did not transition to disconnected")
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("second close should be a no-op, got %v", err)
	}
	if err := sess.Write(context.Background(), []byte("x")); err != ErrClosed {
		t.Fatalf("write after close = %v, want ErrClosed", err)
	}
}

func TestReadFullHonorsDeadline(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	sess := New("sess-2", client, zerolog.Nop())
	defer sess.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	buf := make([]byte, 4)
	start := time.Now()
	err := sess.ReadFull(ctx, buf)
	if err == nil {
		t.Fatalf("expected read of a silent peer to fail on deadline")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("deadline read took %v, expected prompt expiry", elapsed)
	}
	if sess.stats.ReadErrors.Load() != 1 {
		t.Errorf("read error counter not incremented")
	}
}

func TestAcceptorEnforcesConnectionCap(t *testing.T) {
	release := make(chan struct{})
	var handled atomic.Int64

	handler := func(ctx context.Context, sess *Session) {
		handled.Add(1)
		select {
		case <-release:
		case <-ctx.Done():
		}
	}

	a := NewAcceptor("127.0.0.1", 0, 1, handler, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer a.Stop(time.Second)
	defer close(release)

	addr := a.listener.Addr().String()

	first, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("first dial failed: %v", err)
	}
	defer first.Close()

	// Wait for the first handler to claim its slot.
	deadline := time.Now().Add(time.Second)
	for handled.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if handled.Load() != 1 {
		t.Fatalf("first connection was not handled")
	}

	// The second connection must be closed immediately, with no handler.
	second, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("second dial failed: %v", err)
	}
	defer second.Close()

	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := second.Read(make([]byte, 1)); err != io.EOF {
		t.Fatalf("expected the over-cap connection to be closed (EOF), got %v", err)
	}

	if handled.Load() != 1 {
		t.Fatalf("over-cap connection reached the handler")
	}
	_, rejected := a.Stats()
	if rejected != 1 {
		t.Fatalf("rejected counter = %d, want 1", rejected)
	}
}

func TestAcceptorStopTerminatesHandlers(t *testing.T) {
	handlerDone := make(chan struct{})
	handler := func(ctx context.Context, sess *Session) {
		<-ctx.Done()
		close(handlerDone)
	}

	a := NewAcceptor("127.0.0.1", 0, 10, handler, zerolog.Nop())
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	addr := a.listener.Addr().String()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	// Give the accept loop a beat to hand the connection off.
	time.Sleep(50 * time.Millisecond)

	if err := a.Stop(2 * time.Second); err != nil {
		t.Fatalf("stop failed: %v", err)
	}

	select {
	case <-handlerDone:
	case <-time.After(time.Second):
		t.Fatalf("handler did not observe shutdown")
	}

	if _, err := net.Dial("tcp", addr); err == nil {
		t.Fatalf("listener still accepting after Stop")
	}
	if a.ActiveConnections() != 0 {
		t.Fatalf("active connections = %d after stop", a.ActiveConnections())
	}
}
