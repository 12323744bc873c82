package capture

import (
	"context"
	"time"
)

// State is the lifecycle stage of a capture device.
type State int

// Capture states.
const (
	StateClosed State = iota
	StateOpened
	StateConfigured
	StateStreaming
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpened:
		return "opened"
	case StateConfigured:
		return "configured"
	case StateStreaming:
		return "streaming"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Capability flags reported by a capture device.
const (
	CapVideoCapture uint32 = 0x00000001
	CapReadWrite    uint32 = 0x01000000
	CapStreaming    uint32 = 0x04000000
)

// Pixel formats.
const (
	PixelFormatYUYV  uint32 = 0x56595559 // 'YUYV', packed YUV 4:2:2
	PixelFormatMJPEG uint32 = 0x47504A4D // 'MJPG'
	PixelFormatNV12  uint32 = 0x3231564E // 'NV12'
)

// Capabilities describes what a device reports about itself.
type Capabilities struct {
	Driver  string
	Card    string
	BusInfo string
	Caps    uint32
}

// CanCapture reports whether the device supports video capture.
func (c Capabilities) CanCapture() bool {
	return c.Caps&CapVideoCapture != 0
}

// CanStream reports whether the device supports memory-mapped streaming I/O.
func (c Capabilities) CanStream() bool {
	return c.Caps&CapStreaming != 0
}

// Format is a frame format. After negotiation every field holds the value
// the device actually chose.
type Format struct {
	Width        uint32
	Height       uint32
	PixelFormat  uint32
	BytesPerLine uint32
	SizeImage    uint32
}

// BufferInfo is the kernel-side location of one ring buffer.
type BufferInfo struct {
	Index  int
	Offset uint32
	Length uint32
}

// Dequeued describes a filled buffer handed back by the device.
type Dequeued struct {
	Index     int
	BytesUsed uint32
	Sequence  uint32
	Timestamp time.Time
}

// Device is a memory-mapped streaming capture device.
//
// DequeueBuffer blocks until a buffer is filled. Implementations may return
// early with ctx.Err() when ctx is cancelled or its deadline passes; those
// that cannot must document it.
type Device interface {
	QueryCapabilities() (Capabilities, error)
	SetFormat(requested Format) (Format, error)
	RequestBuffers(count int) (int, error)
	QueryBuffer(index int) (BufferInfo, error)
	MapBuffer(info BufferInfo) ([]byte, error)
	UnmapBuffer(region []byte) error
	QueueBuffer(index int) error
	DequeueBuffer(ctx context.Context) (Dequeued, error)
	StreamOn() error
	StreamOff() error
	Close() error
}

// Opener opens capture devices by path.
type Opener interface {
	Open(path string) (Device, error)
}

// OpenerFunc adapts a function to the Opener interface.
type OpenerFunc func(path string) (Device, error)

// Open calls f(path).
func (f OpenerFunc) Open(path string) (Device, error) {
	return f(path)
}

// Stats holds running capture counters.
type Stats struct {
	FramesCaptured  uint64
	BytesCopied     uint64
	DroppedFrames   uint64
	RequeueFailures uint64
	LostSlots       int
	LastSequence    uint32
}
