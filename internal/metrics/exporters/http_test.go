package exporters

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/smazurov/edgeprobe/internal/metrics"
)

func TestHTTPHandler(t *testing.T) {
	handler := HTTPHandler()
	if handler == nil {
		t.Fatal("expected non-nil handler")
	}

	// Set a metric so there's something to export
	metrics.RecordFrame("/dev/video-http-test", 1024, 0, 10*time.Millisecond)
	defer metrics.DeleteCaptureMetrics("/dev/video-http-test")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}

	body := w.Body.String()
	if !strings.Contains(body, "edgeprobe_capture_frames_total") {
		t.Error("expected prometheus metrics in response")
	}
}

func TestListenServesMetrics(t *testing.T) {
	srv, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
	}()

	metrics.RecordLogEntry("warn", "exporter-test")

	resp, err := http.Get("http://" + srv.Addr() + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `edgeprobe_log_entries_total{level="warn",module="exporter-test"}`) {
		t.Error("log entry counter missing from scrape")
	}
}

func TestListenBadAddress(t *testing.T) {
	if _, err := Listen("256.0.0.1:99999"); err == nil {
		t.Fatal("expected error for invalid address")
	}
}
