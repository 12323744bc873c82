// Package metrics provides Prometheus metrics for frame capture, the
// accelerator and the log stream.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "edgeprobe"

// captureStates are the values exported on the state gauge.
var captureStates = []string{"closed", "opened", "configured", "streaming", "stopped"}

var (
	captureFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "capture",
		Name:      "frames_total",
		Help:      "Frames captured",
	}, []string{"device"})

	captureBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "capture",
		Name:      "bytes_total",
		Help:      "Frame bytes copied out of the mapped ring",
	}, []string{"device"})

	captureDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "capture",
		Name:      "dropped_frames_total",
		Help:      "Frames skipped by the driver, from sequence gaps",
	}, []string{"device"})

	captureErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "capture",
		Name:      "errors_total",
		Help:      "Capture failures by error code",
	}, []string{"device", "code"})

	captureLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "capture",
		Name:      "frame_latency_seconds",
		Help:      "Time spent waiting for and copying one frame",
		Buckets:   []float64{.001, .005, .01, .02, .035, .05, .1, .25, .5, 1},
	}, []string{"device"})

	captureState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "capture",
		Name:      "state",
		Help:      "1 for the current capture manager state, 0 otherwise",
	}, []string{"device", "state"})

	// Local cache of totals so commands can print them without scraping.
	captureCache   = make(map[string]*CaptureTotals)
	captureCacheMu sync.RWMutex
)

// CaptureTotals holds the running totals for one device.
type CaptureTotals struct {
	Frames  uint64
	Bytes   uint64
	Dropped uint64
	Errors  uint64
}

// RecordFrame counts one captured frame.
func RecordFrame(device string, size int, dropped uint64, latency time.Duration) {
	captureFrames.WithLabelValues(device).Inc()
	captureBytes.WithLabelValues(device).Add(float64(size))
	if dropped > 0 {
		captureDropped.WithLabelValues(device).Add(float64(dropped))
	}
	captureLatency.WithLabelValues(device).Observe(latency.Seconds())

	updateCapture(device, func(t *CaptureTotals) {
		t.Frames++
		t.Bytes += uint64(size)
		t.Dropped += dropped
	})
}

// RecordCaptureError counts one capture failure.
func RecordCaptureError(device, code string) {
	if code == "" {
		code = "unknown"
	}
	captureErrors.WithLabelValues(device, code).Inc()
	updateCapture(device, func(t *CaptureTotals) { t.Errors++ })
}

// SetCaptureState marks state as the current state of device.
func SetCaptureState(device, state string) {
	for _, s := range captureStates {
		v := 0.0
		if s == state {
			v = 1
		}
		captureState.WithLabelValues(device, s).Set(v)
	}
}

// GetCaptureTotals returns a copy of the totals for device.
func GetCaptureTotals(device string) (CaptureTotals, bool) {
	captureCacheMu.RLock()
	defer captureCacheMu.RUnlock()
	t, ok := captureCache[device]
	if !ok {
		return CaptureTotals{}, false
	}
	return *t, true
}

// DeleteCaptureMetrics removes all series for device.
func DeleteCaptureMetrics(device string) {
	captureFrames.DeleteLabelValues(device)
	captureBytes.DeleteLabelValues(device)
	captureDropped.DeleteLabelValues(device)
	captureLatency.DeleteLabelValues(device)
	captureErrors.DeletePartialMatch(prometheus.Labels{"device": device})
	captureState.DeletePartialMatch(prometheus.Labels{"device": device})

	captureCacheMu.Lock()
	delete(captureCache, device)
	captureCacheMu.Unlock()
}

func updateCapture(device string, fn func(*CaptureTotals)) {
	captureCacheMu.Lock()
	defer captureCacheMu.Unlock()
	t, ok := captureCache[device]
	if !ok {
		t = &CaptureTotals{}
		captureCache[device] = t
	}
	fn(t)
}
