package discovery

import (
	"net/http"

	"github.com/goccy/go-json"
)

// scanRequest is the body accepted by ScanHandler.
type scanRequest struct {
	Network string `json:"network"`
	Ports   []int  `json:"ports"`
}

// ScanHandler starts a background scan of the requested CIDR and returns its
// scan_id immediately. Progress is polled through StatusHandler.
func (d *Discovery) ScanHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req scanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Network == "" {
		http.Error(w, "invalid scan request", http.StatusBadRequest)
		return
	}

	// The request context dies as soon as this handler returns; background
	// scans run under the discovery service's own base context instead so
	// they survive the request but still stop on server shutdown.
	scanID := d.StartBackground(d.baseContext(), req.Network, req.Ports)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"scan_id": scanID})
}

// StatusHandler reports the progress of a background scan by ?scan_id=.
func (d *Discovery) StatusHandler(w http.ResponseWriter, r *http.Request) {
	scanID := r.URL.Query().Get("scan_id")
	progress, ok := d.ScanStatus(scanID)
	if !ok {
		http.Error(w, "unknown scan_id", http.StatusNotFound)
		return
	}

	d.mu.Lock()
	snapshot := struct {
		ScanID     string   `json:"scan_id"`
		Total      int      `json:"total_candidates"`
		Scanned    int      `json:"scanned"`
		Responsive int      `json:"responsive"`
		Identified int      `json:"identified"`
		Failed     int      `json:"failed"`
		Done       bool     `json:"done"`
		ETASeconds float64  `json:"eta_seconds"`
		Serials    []string `json:"serials"`
	}{
		ScanID:     progress.ScanID,
		Total:      progress.Total,
		Scanned:    progress.Scanned,
		Responsive: progress.Responsive,
		Identified: progress.Identified,
		Failed:     progress.Failed,
		Done:       progress.Done,
		ETASeconds: progress.ETA.Seconds(),
	}
	for _, dev := range progress.Devices {
		snapshot.Serials = append(snapshot.Serials, dev.SerialNumber)
	}
	d.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snapshot)
}
