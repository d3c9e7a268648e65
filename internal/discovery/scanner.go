// Package discovery sweeps a network range for TCP endpoints that look like
// devices, then hands each responsive endpoint to the identification
// prober so a fleet can be onboarded without a human keying in every IP.
package discovery

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ScanResult is one responsive (ip, port) endpoint found by a scan.
type ScanResult struct {
	IP           string
	Port         int
	ResponseTime time.Duration
}

// Scanner sweeps a CIDR range across a fixed port list, probing each
// candidate with a bounded-concurrency TCP connect.
type Scanner struct {
	maxConcurrent  int
	connectTimeout time.Duration
	logger         zerolog.Logger
}

// NewScanner builds a Scanner.
func NewScanner(maxConcurrent int, connectTimeout time.Duration, logger zerolog.Logger) *Scanner {
	if maxConcurrent <= 0 {
		maxConcurrent = 50
	}
	if connectTimeout <= 0 {
		connectTimeout = 2 * time.Second
	}
	return &Scanner{
		maxConcurrent:  maxConcurrent,
		connectTimeout: connectTimeout,
		logger:         logger.With().Str("component", "network-scanner").Logger(),
	}
}

// Scan enumerates every host in cidr (excluding the network and broadcast
// addresses) crossed with ports, probes each candidate under a bounded
// concurrency semaphore, and returns every endpoint that accepted a
// connection. onProgress, if non-nil, is called after every candidate is
// probed (responsive or not) with (scanned, total) so the caller can report
// an elapsed-time-based ETA.
func (s *Scanner) Scan(ctx context.Context, cidr string, ports []int, onProgress func(scanned, total int)) ([]ScanResult, error) {
	hosts, err := enumerateHosts(cidr)
	if err != nil {
		return nil, fmt.Errorf("discovery: %w", err)
	}

	total := len(hosts) * len(ports)
	if total == 0 {
		return nil, nil
	}

	sem := make(chan struct{}, s.maxConcurrent)
	results := make([]ScanResult, 0)
	var mu sync.Mutex
	var scanned int
	var wg sync.WaitGroup

	for _, host := range hosts {
		for _, port := range ports {
			if ctx.Err() != nil {
				break
			}

			wg.Add(1)
			sem <- struct{}{}
			go func(host string, port int) {
				defer wg.Done()
				defer func() { <-sem }()

				rt, ok := s.probe(ctx, host, port)

				mu.Lock()
				scanned++
				if ok {
					results = append(results, ScanResult{IP: host, Port: port, ResponseTime: rt})
				}
				n := scanned
				mu.Unlock()

				if onProgress != nil {
					onProgress(n, total)
				}
			}(host, port)
		}
	}

	wg.Wait()
	return results, ctx.Err()
}

func (s *Scanner) probe(ctx context.Context, host string, port int) (time.Duration, bool) {
	pctx, cancel := context.WithTimeout(ctx, s.connectTimeout)
	defer cancel()

	start := time.Now()
	d := net.Dialer{}
	conn, err := d.DialContext(pctx, "tcp", fmt.Sprintf("%s:%d", host, port))
	elapsed := time.Since(start)
	if err != nil {
		return 0, false
	}
	conn.Close()
	return elapsed, true
}

// enumerateHosts lists every usable host address in cidr, excluding the
// network and broadcast addresses for subnets large enough to have them.
func enumerateHosts(cidr string) ([]string, error) {
	ip, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, fmt.Errorf("parse cidr %q: %w", cidr, err)
	}

	var hosts []string
	for addr := cloneIP(ip.Mask(ipnet.Mask)); ipnet.Contains(addr); incIP(addr) {
		hosts = append(hosts, addr.String())
	}

	ones, bits := ipnet.Mask.Size()
	if bits-ones >= 2 && len(hosts) >= 2 {
		hosts = hosts[1 : len(hosts)-1] // drop network and broadcast addresses
	}
	return hosts, nil
}

func cloneIP(ip net.IP) net.IP {
	dup := make(net.IP, len(ip))
	copy(dup, ip)
	return dup
}

func incIP(ip net.IP) {
	for i := len(ip) - 1; i >= 0; i-- {
		ip[i]++
		if ip[i] != 0 {
			break
		}
	}
}
