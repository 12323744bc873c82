package events

import "time"

// Event type constants for kelindar/event.
const (
	TypeFrameCaptured uint32 = iota + 1
	TypeCaptureError
	TypeCaptureStateChanged
	TypeInferenceCompleted
	TypeAccelTelemetry
	TypeLogEntry
)

// Event interface required by kelindar/event.
type Event interface {
	Type() uint32
}

// FrameCapturedEvent is published for every frame the pipeline captures.
type FrameCapturedEvent struct {
	RunID          string        `json:"run_id"`
	DevicePath     string        `json:"device_path"`
	Index          int           `json:"index"`
	Sequence       uint32        `json:"sequence"`
	Size           int           `json:"size"`
	Mean           float64       `json:"mean"`
	CaptureLatency time.Duration `json:"capture_latency"`
	// Dropped is the number of frames the driver skipped before this one.
	Dropped   uint64    `json:"dropped"`
	Timestamp time.Time `json:"timestamp"`
}

// Type returns the event type identifier for FrameCapturedEvent.
func (e FrameCapturedEvent) Type() uint32 { return TypeFrameCaptured }

// CaptureErrorEvent is published when a capture call fails.
type CaptureErrorEvent struct {
	RunID      string    `json:"run_id"`
	DevicePath string    `json:"device_path"`
	Code       string    `json:"code"`
	Error      string    `json:"error"`
	Timestamp  time.Time `json:"timestamp"`
}

// Type returns the event type identifier for CaptureErrorEvent.
func (e CaptureErrorEvent) Type() uint32 { return TypeCaptureError }

// CaptureStateChangedEvent mirrors a capture manager state transition.
type CaptureStateChangedEvent struct {
	DevicePath string    `json:"device_path"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Timestamp  time.Time `json:"timestamp"`
}

// Type returns the event type identifier for CaptureStateChangedEvent.
func (e CaptureStateChangedEvent) Type() uint32 { return TypeCaptureStateChanged }

// InferenceCompletedEvent is published after one frame went through the
// accelerator.
type InferenceCompletedEvent struct {
	RunID        string        `json:"run_id"`
	NetworkGroup string        `json:"network_group"`
	Index        int           `json:"index"`
	InputBytes   int           `json:"input_bytes"`
	OutputBytes  int           `json:"output_bytes"`
	Latency      time.Duration `json:"latency"`
	Error        string        `json:"error,omitempty"`
	Timestamp    time.Time     `json:"timestamp"`
}

// Type returns the event type identifier for InferenceCompletedEvent.
func (e InferenceCompletedEvent) Type() uint32 { return TypeInferenceCompleted }

// AccelTelemetryEvent carries a temperature and optional power sample.
type AccelTelemetryEvent struct {
	DeviceID     string    `json:"device_id"`
	TS0          float32   `json:"ts0"`
	TS1          float32   `json:"ts1"`
	PowerWatts   float32   `json:"power_watts"`
	PowerSampled bool      `json:"power_sampled"`
	Timestamp    time.Time `json:"timestamp"`
}

// Type returns the event type identifier for AccelTelemetryEvent.
func (e AccelTelemetryEvent) Type() uint32 { return TypeAccelTelemetry }

// LogEntryEvent mirrors a log record captured by the logging buffer.
type LogEntryEvent struct {
	Timestamp  time.Time      `json:"timestamp"`
	Level      string         `json:"level"`
	Module     string         `json:"module"`
	Message    string         `json:"message"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Type returns the event type identifier for LogEntryEvent.
func (e LogEntryEvent) Type() uint32 { return TypeLogEntry }
