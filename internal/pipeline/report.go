package pipeline

import (
	"time"

	"github.com/smazurov/edgeprobe/internal/accel"
	"github.com/smazurov/edgeprobe/internal/capture"
	"github.com/smazurov/edgeprobe/internal/logging"
)

// maxWarnings caps how many log warnings a report carries.
const maxWarnings = 10

// Report summarises a run.
type Report struct {
	RunID    string
	Device   string
	Started  time.Time
	Duration time.Duration

	Accel     *AccelInfo
	Camera    CameraInfo
	Buffer    BufferInfo
	Telemetry *TelemetryInfo

	Captured   int
	Failed     int
	Inferences int
	// Interrupted is set when the context ended the run early.
	Interrupted bool
	Stats       capture.Stats

	// Warnings are warn and error log records written during the run.
	Warnings []logging.LogEntry
}

// AccelInfo describes the accelerator the run used.
type AccelInfo struct {
	DeviceID string
	// Identity is nil when the identify request failed.
	Identity *accel.Identity
}

// CameraInfo describes the streaming camera.
type CameraInfo struct {
	Capabilities capture.Capabilities
	Requested    capture.Format
	Format       capture.Format
	RingSize     int
}

// BufferInfo describes the staging buffer.
type BufferInfo struct {
	Size    int
	Storage accel.Storage
	// DMAError is why a DMA buffer could not be used, if one was wanted.
	DMAError error
}

// TelemetryInfo is the end-of-run device sample.
type TelemetryInfo struct {
	DeviceID     string
	Temperature  *accel.Temperature
	Architecture string
}

// FrameStat describes one loop iteration.
type FrameStat struct {
	Index    int
	Size     int
	Sequence uint32
	// Mean is the average of the first bytes of the frame; Small frames
	// are too short to sample.
	Mean    float64
	Small   bool
	Dropped uint64
	Capture time.Duration
	Process time.Duration
	// Inference is nil when no network group is attached.
	Inference *InferenceStat
	Err       error
}

// InferenceStat describes one frame sent through the network group.
type InferenceStat struct {
	InputBytes  int
	OutputBytes int
	Latency     time.Duration
	Err         error
}

// Observer is told about progress while Run executes, from the goroutine
// calling Run.
type Observer interface {
	AccelReady(AccelInfo)
	CameraReady(CameraInfo)
	BufferReady(BufferInfo)
	FrameDone(FrameStat)
	Telemetry(TelemetryInfo)
}

// NopObserver ignores every callback. Embed it to implement only some.
type NopObserver struct{}

func (NopObserver) AccelReady(AccelInfo)    {}
func (NopObserver) CameraReady(CameraInfo)  {}
func (NopObserver) BufferReady(BufferInfo)  {}
func (NopObserver) FrameDone(FrameStat)     {}
func (NopObserver) Telemetry(TelemetryInfo) {}

func recentWarnings(since time.Time) []logging.LogEntry {
	buf := logging.GetBuffer()
	if buf == nil {
		return nil
	}

	return buf.Tail(maxWarnings, func(e logging.LogEntry) bool {
		return !e.Timestamp.Before(since) && (e.Level == "warn" || e.Level == "error")
	})
}
