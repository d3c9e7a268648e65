package discovery

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/nexus-edge/device-server/internal/identify"
	"github.com/nexus-edge/device-server/internal/protocol"
	"github.com/rs/zerolog"
)

func TestEnumerateHostsExcludesNetworkAndBroadcast(t *testing.T) {
	hosts, err := enumerateHosts("192.168.1.0/30")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// /30 has 4 addresses: .0 (network), .1, .2, .3 (broadcast) -> only .1 and .2 usable
	if len(hosts) != 2 {
		t.Fatalf("expected 2 usable hosts in a /30, got %d: %v", len(hosts), hosts)
	}
	if hosts[0] != "192.168.1.1" || hosts[1] != "192.168.1.2" {
		t.Errorf("unexpected host list: %v", hosts)
	}
}

func TestScannerFindsListeningPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to start test listener: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("failed to parse listener port: %v", err)
	}

	scanner := NewScanner(10, 500*time.Millisecond, zerolog.Nop())
	results, err := scanner.Scan(context.Background(), "127.0.0.1/32", []int{port}, nil)
	if err != nil {
		t.Fatalf("unexpected scan error: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected exactly one responsive endpoint, got %d", len(results))
	}
	if results[0].Port != port {
		t.Errorf("expected port %d, got %d", port, results[0].Port)
	}
}

func TestDiscoveryRunForegroundWithNoPortsIsNoOp(t *testing.T) {
	reg := protocol.NewRegistry(nil)
	def := &protocol.Definition{
		ProtocolID: "test-proto",
		Transport:  protocol.TransportModbusTCP,
		Priority:   1,
		Identification: protocol.Identification{
			Register: uint16Ptr(0),
			Size:     1,
			Timeout:  200 * time.Millisecond,
		},
	}
	if err := reg.Register(def); err != nil {
		t.Fatalf("failed to register test protocol: %v", err)
	}

	prober := identify.NewProber(reg, zerolog.Nop())
	scanner := NewScanner(5, 200*time.Millisecond, zerolog.Nop())
	d := NewDiscovery(scanner, prober, 200*time.Millisecond, zerolog.Nop())

	progress := d.RunForeground(context.Background(), "127.0.0.1/32", nil)
	if progress.Total != 0 {
		t.Errorf("expected a no-op scan with empty port list, got total=%d", progress.Total)
	}
	if !progress.Done {
		t.Errorf("expected scan to be marked done")
	}
}

func uint16Ptr(v uint16) *uint16 { return &v }
