package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var logEntries = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "log",
	Name:      "entries_total",
	Help:      "Log records by level and module",
}, []string{"level", "module"})

// RecordLogEntry counts one log record.
func RecordLogEntry(level, module string) {
	logEntries.WithLabelValues(level, module).Inc()
}
