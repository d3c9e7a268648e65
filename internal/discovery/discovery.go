package discovery

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/nexus-edge/device-server/internal/identify"
	"github.com/nexus-edge/device-server/internal/session"
	"github.com/rs/zerolog"
)

// Progress is a point-in-time snapshot of a running or finished scan,
// reported through both the progress callback and ScanStatus. ETA is
// computed from elapsed time and the fraction scanned so far.
type Progress struct {
	ScanID      string
	Total       int
	Scanned     int
	Responsive  int
	Identified  int
	Failed      int
	StartedAt   time.Time
	Done        bool
	ETA         time.Duration
	Devices     []*identify.Result
}

// Discovery runs the two-phase scan-then-identify pipeline: sweep a
// network range for open ports, then probe every responsive endpoint with
// the same Prober used for inbound connections.
type Discovery struct {
	scanner        *Scanner
	prober         *identify.Prober
	identifyTimeout time.Duration
	logger         zerolog.Logger

	mu     sync.Mutex
	scans  map[string]*Progress

	ctxMu   sync.Mutex
	baseCtx context.Context
}

// BindContext sets the context background scans started over HTTP run
// under, so server shutdown cancels them. Without it they run under
// context.Background.
func (d *Discovery) BindContext(ctx context.Context) {
	d.ctxMu.Lock()
	d.baseCtx = ctx
	d.ctxMu.Unlock()
}

func (d *Discovery) baseContext() context.Context {
	d.ctxMu.Lock()
	defer d.ctxMu.Unlock()
	if d.baseCtx != nil {
		return d.baseCtx
	}
	return context.Background()
}

// NewDiscovery builds a Discovery pipeline.
func NewDiscovery(scanner *Scanner, prober *identify.Prober, identifyTimeout time.Duration, logger zerolog.Logger) *Discovery {
	if identifyTimeout <= 0 {
		identifyTimeout = 10 * time.Second
	}
	return &Discovery{
		scanner:         scanner,
		prober:          prober,
		identifyTimeout: identifyTimeout,
		logger:          logger.With().Str("component", "discovery").Logger(),
		scans:           make(map[string]*Progress),
	}
}

// StartBackground launches a scan in the background and returns its
// scan_id immediately; ScanStatus(scanID) tracks progress until Done.
func (d *Discovery) StartBackground(ctx context.Context, cidr string, ports []int) string {
	scanID := newScanID()
	progress := &Progress{ScanID: scanID, StartedAt: time.Now()}

	d.mu.Lock()
	d.scans[scanID] = progress
	d.mu.Unlock()

	go d.run(ctx, cidr, ports, progress)

	return scanID
}

// RunForeground runs a scan to completion and returns its final result
// directly, without registering a lookup-able scan id.
func (d *Discovery) RunForeground(ctx context.Context, cidr string, ports []int) *Progress {
	progress := &Progress{ScanID: newScanID(), StartedAt: time.Now()}
	d.run(ctx, cidr, ports, progress)
	return progress
}

// ScanStatus returns the current progress for a background scan_id.
func (d *Discovery) ScanStatus(scanID string) (*Progress, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.scans[scanID]
	return p, ok
}

func (d *Discovery) run(ctx context.Context, cidr string, ports []int, progress *Progress) {
	onProgress := func(scanned, total int) {
		d.mu.Lock()
		progress.Scanned = scanned
		progress.Total = total
		elapsed := time.Since(progress.StartedAt)
		if scanned > 0 {
			perCandidate := elapsed / time.Duration(scanned)
			progress.ETA = perCandidate * time.Duration(total-scanned)
		}
		d.mu.Unlock()
	}

	results, err := d.scanner.Scan(ctx, cidr, ports, onProgress)
	if err != nil {
		d.logger.Warn().Err(err).Str("scan_id", progress.ScanID).Msg("scan did not complete cleanly")
	}

	d.mu.Lock()
	progress.Responsive = len(results)
	d.mu.Unlock()

	seen := make(map[string]bool)
	identified := make([]*identify.Result, 0, len(results))
	failed := 0

	for _, r := range results {
		if ctx.Err() != nil {
			break
		}

		result, err := d.identifyEndpoint(ctx, r)
		if err != nil || result == nil {
			failed++
			continue
		}
		if seen[result.SerialNumber] {
			continue
		}
		seen[result.SerialNumber] = true
		identified = append(identified, result)
	}

	d.mu.Lock()
	progress.Identified = len(identified)
	progress.Failed = failed
	progress.Devices = identified
	progress.Done = true
	progress.ETA = 0
	d.mu.Unlock()

	d.logger.Info().Str("scan_id", progress.ScanID).Int("responsive", len(results)).
		Int("identified", len(identified)).Int("failed", failed).Msg("discovery scan complete")
}

func (d *Discovery) identifyEndpoint(ctx context.Context, r ScanResult) (*identify.Result, error) {
	addr := fmt.Sprintf("%s:%d", r.IP, r.Port)
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	sess := session.New(fmt.Sprintf("discovery-%s", addr), conn, d.logger)
	defer sess.Close()

	ictx, cancel := context.WithTimeout(ctx, d.identifyTimeout)
	defer cancel()

	return d.prober.Identify(ictx, sess)
}

func newScanID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return "scan-" + hex.EncodeToString(b)
}
