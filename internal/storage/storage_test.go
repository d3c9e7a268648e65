package storage

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nexus-edge/device-server/internal/telemetry"
	"github.com/rs/zerolog"
)

func TestGroupIntoRowsMergesSameDeviceAndTimestamp(t *testing.T) {
	now := time.Now()
	points := []telemetry.Point{
		{DeviceID: "d1", SerialNumber: "s1", MetricName: "voltage", Value: 230, Timestamp: now},
		{DeviceID: "d1", SerialNumber: "s1", MetricName: "current", Value: 5, Timestamp: now},
		{DeviceID: "d2", SerialNumber: "s2", MetricName: "voltage", Value: 231, Timestamp: now},
	}

	rows := groupIntoRows(points)
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows (one per device), got %d", len(rows))
	}

	var d1Row *telemetryRow
	for i := range rows {
		if rows[i].DeviceID == "d1" {
			d1Row = &rows[i]
		}
	}
	if d1Row == nil {
		t.Fatalf("expected a row for d1")
	}
	if d1Row.Data["voltage"] != 230 || d1Row.Data["current"] != 5 {
		t.Errorf("expected both metrics merged into d1's row, got %+v", d1Row.Data)
	}
}

func TestIsRetryableMatchesTransientErrors(t *testing.T) {
	cases := []struct {
		msg  string
		want bool
	}{
		{"connection refused", true},
		{"read: connection reset by peer", true},
		{"context deadline exceeded: i/o timeout", true},
		{"syntax error at or near", false},
		{"duplicate key value violates unique constraint", false},
	}
	for _, tc := range cases {
		if got := isRetryable(errString(tc.msg)); got != tc.want {
			t.Errorf("isRetryable(%q) = %v, want %v", tc.msg, got, tc.want)
		}
	}
}

type errString string

func (e errString) Error() string { return string(e) }

func TestBackoffDelayCapsAtFiveSeconds(t *testing.T) {
	base := 100 * time.Millisecond
	if d := backoffDelay(base, 1); d != 100*time.Millisecond {
		t.Errorf("attempt 1: expected 100ms, got %v", d)
	}
	if d := backoffDelay(base, 10); d != 5*time.Second {
		t.Errorf("attempt 10: expected cap of 5s, got %v", d)
	}
}

func TestControlPlaneRegisterDeviceHandles201And409(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("expected bearer auth header, got %q", r.Header.Get("Authorization"))
		}
		// First call creates the device; the second finds it already there.
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusCreated)
		} else {
			w.WriteHeader(http.StatusConflict)
		}
		w.Write([]byte(`{"device_id":"dev-123"}`))
	}))
	defer srv.Close()

	client := NewControlPlaneClient(ControlPlaneConfig{BaseURL: srv.URL, APIKey: "test-key", MaxRetries: 0}, zerolog.Nop())
	id, err := client.RegisterDevice(context.Background(), RegisterDeviceRequest{SerialNumber: "s1", DeviceType: "inverter", ProtocolID: "p1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "dev-123" {
		t.Errorf("expected device id dev-123, got %q", id)
	}

	id, err = client.RegisterDevice(context.Background(), RegisterDeviceRequest{SerialNumber: "s1", DeviceType: "inverter", ProtocolID: "p1"})
	if err != nil {
		t.Fatalf("unexpected error on 409: %v", err)
	}
	if id != "dev-123" {
		t.Errorf("expected existing device id dev-123 on 409, got %q", id)
	}
}

func TestControlPlaneGetSiteForDeviceReturnsEmptyOn404(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewControlPlaneClient(ControlPlaneConfig{BaseURL: srv.URL, MaxRetries: 0}, zerolog.Nop())
	site, err := client.GetSiteForDevice(context.Background(), "10.0.0.1:502")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if site != "" {
		t.Errorf("expected empty site on 404, got %q", site)
	}
}
