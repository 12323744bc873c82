package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	accelInferences = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "accel",
		Name:      "inferences_total",
		Help:      "Frames sent through a network group",
	}, []string{"network_group", "result"})

	accelLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "accel",
		Name:      "inference_latency_seconds",
		Help:      "Write-to-read latency of one inference",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
	}, []string{"network_group"})

	accelTemperature = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "accel",
		Name:      "chip_temperature_celsius",
		Help:      "Chip temperature per thermal sensor",
	}, []string{"device", "sensor"})

	accelPower = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "accel",
		Name:      "power_watts",
		Help:      "Average power draw of the last measurement",
	}, []string{"device"})
)

// RecordInference counts one inference and, when it succeeded, its latency.
func RecordInference(networkGroup string, latency time.Duration, failed bool) {
	if failed {
		accelInferences.WithLabelValues(networkGroup, "error").Inc()
		return
	}
	accelInferences.WithLabelValues(networkGroup, "ok").Inc()
	accelLatency.WithLabelValues(networkGroup).Observe(latency.Seconds())
}

// SetChipTemperature sets both sensor readings for device.
func SetChipTemperature(device string, ts0, ts1 float32) {
	accelTemperature.WithLabelValues(device, "ts0").Set(float64(ts0))
	accelTemperature.WithLabelValues(device, "ts1").Set(float64(ts1))
}

// SetPower sets the power reading for device.
func SetPower(device string, watts float32) {
	accelPower.WithLabelValues(device).Set(float64(watts))
}

// DeleteAccelMetrics removes the telemetry series for device.
func DeleteAccelMetrics(device string) {
	accelTemperature.DeletePartialMatch(prometheus.Labels{"device": device})
	accelPower.DeleteLabelValues(device)
}
