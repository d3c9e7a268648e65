package command

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nexus-edge/device-server/internal/protocol"
	"github.com/nexus-edge/device-server/internal/storage"
	"github.com/rs/zerolog"
)

type fakeModbusWriter struct {
	mu       sync.Mutex
	lastAddr uint16
	lastVal  uint16
	err      error
}

func (f *fakeModbusWriter) Poll(ctx context.Context) (map[string]any, error) { return nil, nil }

func (f *fakeModbusWriter) WriteSingle(ctx context.Context, addr, value uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.lastAddr = addr
	f.lastVal = value
	return nil
}

type fakeCommandSender struct {
	lastCommand string
	err         error
}

func (f *fakeCommandSender) Poll(ctx context.Context) (map[string]any, error) { return nil, nil }

func (f *fakeCommandSender) SendCommand(ctx context.Context, command string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.lastCommand = command
	return "ok", nil
}

func TestExecuteWritesScaledRegisterValue(t *testing.T) {
	scale := 0.1
	regs := []protocol.RegisterDescriptor{
		{ID: "setpoint", Addr: 40, RW: protocol.AccessReadWrite, Scale: &scale},
	}
	w := &fakeModbusWriter{}
	d := NewDispatcher(zerolog.Nop())
	d.Register("dev-1", w, regs)

	result := d.Execute(context.Background(), WriteCommand{DeviceID: "dev-1", RegisterID: "setpoint", Value: 50.0})
	if !result.Success {
		t.Fatalf("expected success, got error %q", result.Error)
	}
	if w.lastAddr != 40 {
		t.Errorf("expected write to addr 40, got %d", w.lastAddr)
	}
	if w.lastVal != 500 {
		t.Errorf("expected scaled value 500 (50/0.1), got %d", w.lastVal)
	}
}

func TestExecuteRejectsReadOnlyRegister(t *testing.T) {
	regs := []protocol.RegisterDescriptor{{ID: "status", Addr: 1, RW: protocol.AccessReadOnly}}
	w := &fakeModbusWriter{}
	d := NewDispatcher(zerolog.Nop())
	d.Register("dev-1", w, regs)

	result := d.Execute(context.Background(), WriteCommand{DeviceID: "dev-1", RegisterID: "status", Value: 1.0})
	if result.Success {
		t.Fatal("expected write to a read-only register to fail")
	}
}

func TestExecuteFailsForUnknownDevice(t *testing.T) {
	d := NewDispatcher(zerolog.Nop())
	result := d.Execute(context.Background(), WriteCommand{DeviceID: "ghost", RegisterID: "x"})
	if result.Success || result.Error != "device not connected" {
		t.Fatalf("expected 'device not connected', got %+v", result)
	}
}

func TestExecuteDispatchesCommandSend(t *testing.T) {
	s := &fakeCommandSender{}
	d := NewDispatcher(zerolog.Nop())
	d.Register("dev-2", s, nil)

	result := d.Execute(context.Background(), WriteCommand{DeviceID: "dev-2", Command: "relay_on"})
	if !result.Success {
		t.Fatalf("expected success, got %q", result.Error)
	}
	if s.lastCommand != "relay_on" {
		t.Errorf("expected command 'relay_on' to be sent, got %q", s.lastCommand)
	}
}

func TestUnregisterDropsDevice(t *testing.T) {
	w := &fakeModbusWriter{}
	d := NewDispatcher(zerolog.Nop())
	d.Register("dev-1", w, nil)
	d.Unregister("dev-1")

	if d.Connected("dev-1") {
		t.Fatal("expected device to be unregistered")
	}
}

type fakeSource struct {
	mu       sync.Mutex
	pending  []storage.PendingCommand
	sent     []string
	results  map[string]bool
	expireCt int
	fetchErr error
}

func (f *fakeSource) FetchPendingCommands(ctx context.Context, limit int) ([]storage.PendingCommand, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	out := f.pending
	f.pending = nil
	return out, nil
}

func (f *fakeSource) MarkCommandSent(ctx context.Context, commandID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, commandID)
}

func (f *fakeSource) ReportCommandResult(ctx context.Context, commandID string, success bool, errMsg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.results == nil {
		f.results = make(map[string]bool)
	}
	f.results[commandID] = success
}

func (f *fakeSource) ExpireStaleCommands(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expireCt++
	return 0, nil
}

func TestWorkerProcessesPendingCommandsAndReportsResult(t *testing.T) {
	w := &fakeModbusWriter{}
	regs := []protocol.RegisterDescriptor{{ID: "setpoint", Addr: 1, RW: protocol.AccessReadWrite}}
	d := NewDispatcher(zerolog.Nop())
	d.Register("dev-1", w, regs)

	src := &fakeSource{pending: []storage.PendingCommand{
		{ID: "cmd-1", DeviceID: "dev-1", RegisterID: "setpoint", Value: 42.0},
	}}

	worker := NewWorker(Config{PollInterval: 10 * time.Millisecond, BatchSize: 5}, src, d, zerolog.Nop())
	worker.processPending(context.Background())

	stats := worker.GetStats()
	if stats.CommandsProcessed != 1 {
		t.Fatalf("expected 1 processed command, got %d", stats.CommandsProcessed)
	}

	src.mu.Lock()
	defer src.mu.Unlock()
	if len(src.sent) != 1 || src.sent[0] != "cmd-1" {
		t.Errorf("expected command to be marked sent, got %v", src.sent)
	}
	if !src.results["cmd-1"] {
		t.Errorf("expected successful result to be reported for cmd-1")
	}
}

func TestWorkerCountsFailedCommands(t *testing.T) {
	w := &fakeModbusWriter{err: errors.New("timeout")}
	regs := []protocol.RegisterDescriptor{{ID: "setpoint", Addr: 1, RW: protocol.AccessReadWrite}}
	d := NewDispatcher(zerolog.Nop())
	d.Register("dev-1", w, regs)

	src := &fakeSource{pending: []storage.PendingCommand{
		{ID: "cmd-1", DeviceID: "dev-1", RegisterID: "setpoint", Value: 1.0},
	}}

	worker := NewWorker(Config{}, src, d, zerolog.Nop())
	worker.processPending(context.Background())

	if worker.GetStats().CommandsFailed != 1 {
		t.Fatalf("expected 1 failed command, got %d", worker.GetStats().CommandsFailed)
	}
}

func TestWorkerStartStopRunsExpireStaleOnStartup(t *testing.T) {
	src := &fakeSource{}
	d := NewDispatcher(zerolog.Nop())
	worker := NewWorker(Config{PollInterval: 5 * time.Millisecond}, src, d, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	worker.Start(ctx)
	time.Sleep(20 * time.Millisecond)
	worker.Stop()

	src.mu.Lock()
	defer src.mu.Unlock()
	if src.expireCt == 0 {
		t.Error("expected expire-stale to run at least once on startup")
	}
}
