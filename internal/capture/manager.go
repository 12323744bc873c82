package capture

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/smazurov/edgeprobe/internal/logging"
)

// Manager owns the lifecycle of one streaming capture device:
// open, negotiate format, map the buffer ring, stream, capture, tear down.
//
// A Manager is not safe for concurrent use. Callers that capture from several
// devices create one Manager per device.
type Manager struct {
	opener      Opener
	bufferCount int
	pixelFormat uint32
	logger      *slog.Logger
	onState     func(from, to State)

	path      string
	dev       Device
	state     State
	caps      Capabilities
	requested Format
	format    Format
	ring      ring
	stats     Stats
	seqValid  bool
}

// NewManager creates a Manager in the Closed state.
func NewManager(opener Opener, opts ...Option) *Manager {
	m := &Manager{
		opener:      opener,
		bufferCount: DefaultBufferCount,
		pixelFormat: PixelFormatYUYV,
		logger:      logging.GetLogger("capture"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Open opens the device at path and checks that it can capture video through
// memory-mapped streaming. The requested resolution is stored for Configure.
func (m *Manager) Open(path string, width, height uint32) error {
	const op = "open"

	if m.state != StateClosed {
		return newError(ErrInvalidState, op, fmt.Sprintf("device is %s, close it first", m.state), nil)
	}

	dev, err := m.opener.Open(path)
	if err != nil {
		return newError(ErrDeviceOpen, op, "failed to open "+path, err)
	}

	caps, err := dev.QueryCapabilities()
	if err != nil {
		m.closeHandle(dev)
		return newError(ErrUnsupportedDevice, op, "failed to query device capabilities", err)
	}
	if !caps.CanCapture() {
		m.closeHandle(dev)
		return newError(ErrUnsupportedDevice, op, "device does not support video capture", nil)
	}
	if !caps.CanStream() {
		m.closeHandle(dev)
		return newError(ErrUnsupportedDevice, op, "device does not support streaming", nil)
	}

	m.dev = dev
	m.path = path
	m.caps = caps
	m.requested = Format{Width: width, Height: height, PixelFormat: m.pixelFormat}
	m.format = Format{}
	m.stats = Stats{}
	m.seqValid = false

	m.logger.Info("Capture device opened", "path", path, "card", caps.Card, "driver", caps.Driver)
	m.setState(StateOpened)
	return nil
}

// Configure negotiates the frame format and maps the buffer ring. The
// negotiated format may differ from the requested one and is what Format
// reports afterwards. If any buffer fails to map, every buffer mapped by this
// call is unmapped before the error is returned.
func (m *Manager) Configure() error {
	const op = "configure"

	switch m.state {
	case StateOpened:
	case StateStopped:
		m.releaseRing()
		m.format = Format{}
		m.setState(StateOpened)
	default:
		return newError(ErrInvalidState, op, fmt.Sprintf("cannot configure while %s", m.state), nil)
	}

	negotiated, err := m.dev.SetFormat(m.requested)
	if err != nil {
		return newError(ErrFormatNegotiation, op, "device rejected format", err)
	}
	m.format = negotiated
	if negotiated.Width != m.requested.Width || negotiated.Height != m.requested.Height {
		m.logger.Info("Device adjusted resolution",
			"requested_width", m.requested.Width, "requested_height", m.requested.Height,
			"width", negotiated.Width, "height", negotiated.Height)
	}

	granted, err := m.dev.RequestBuffers(m.bufferCount)
	if err != nil {
		return newError(ErrBufferAllocation, op, "failed to request buffers", err)
	}
	if granted <= 0 {
		return newError(ErrBufferAllocation, op, "device granted zero buffers", nil)
	}

	var r ring
	complete := false
	defer func() {
		if !complete {
			r.release(m.logger)
			m.freeKernelBuffers()
		}
	}()

	for i := 0; i < granted; i++ {
		info, err := m.dev.QueryBuffer(i)
		if err != nil {
			return newError(ErrBufferMapping, op, fmt.Sprintf("failed to query buffer %d", i), err)
		}
		region, err := m.dev.MapBuffer(info)
		if err != nil {
			return newError(ErrBufferMapping, op, fmt.Sprintf("failed to map buffer %d", i), err)
		}
		r.add(&slot{
			index:  i,
			region: region,
			length: info.Length,
			unmap:  m.dev.UnmapBuffer,
		})
	}
	complete = true

	m.ring = r
	m.logger.Info("Capture format negotiated",
		"width", negotiated.Width,
		"height", negotiated.Height,
		"pixel_format", fourCC(negotiated.PixelFormat),
		"buffers", granted)
	m.setState(StateConfigured)
	return nil
}

// Start hands every buffer to the device and turns streaming on. On failure
// the buffers are reclaimed and the state is unchanged, so Start may be
// retried without Configure.
func (m *Manager) Start() error {
	const op = "start"

	if m.state != StateConfigured && m.state != StateStopped {
		return newError(ErrInvalidState, op, fmt.Sprintf("cannot start while %s", m.state), nil)
	}

	for _, s := range m.ring.slots {
		if err := m.dev.QueueBuffer(s.index); err != nil {
			m.reclaim()
			return newError(ErrQueue, op, fmt.Sprintf("failed to queue buffer %d", s.index), err)
		}
		s.owner = ownedByDevice
		s.lost = false
	}

	if err := m.dev.StreamOn(); err != nil {
		m.reclaim()
		return newError(ErrStreamStart, op, "failed to start streaming", err)
	}

	m.stats.LostSlots = 0
	m.seqValid = false
	m.logger.Info("Capture streaming started", "path", m.path, "buffers", m.ring.size())
	m.setState(StateStreaming)
	return nil
}

// CaptureFrame waits for the next filled buffer, copies its bytes-used prefix
// into a new slice and hands the buffer back to the device. The returned slice
// is owned by the caller.
//
// ctx is passed to the device; with the V4L2 backend a context without a
// deadline or cancellation blocks until the device produces a frame.
func (m *Manager) CaptureFrame(ctx context.Context) ([]byte, error) {
	const op = "capture"

	if m.state != StateStreaming {
		return nil, newError(ErrInvalidState, op, fmt.Sprintf("cannot capture while %s", m.state), nil)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	d, err := m.dev.DequeueBuffer(ctx)
	if err != nil {
		return nil, newError(ErrDequeue, op, "failed to dequeue buffer", err)
	}

	s := m.ring.get(d.Index)
	if s == nil || s.released || s.owner != ownedByDevice {
		return nil, newError(ErrDequeue, op, fmt.Sprintf("device returned buffer %d that it does not own", d.Index), nil)
	}
	s.owner = ownedByProcess

	n := d.BytesUsed
	if n > s.length {
		n = s.length
	}
	if int(n) > len(s.region) {
		n = uint32(len(s.region))
	}
	frame := make([]byte, n)
	copy(frame, s.region[:n])
	m.trackSequence(d.Sequence)

	if err := m.dev.QueueBuffer(s.index); err != nil {
		s.lost = true
		m.stats.RequeueFailures++
		m.stats.LostSlots++
		m.logger.Warn("Capture buffer lost, stream degraded",
			"index", s.index, "lost", m.stats.LostSlots, "ring", m.ring.size(), "error", err)
		return nil, newError(ErrRequeue, op, fmt.Sprintf("failed to requeue buffer %d", s.index), err)
	}
	s.owner = ownedByDevice

	m.stats.FramesCaptured++
	m.stats.BytesCopied += uint64(n)
	return frame, nil
}

// Stop turns streaming off and keeps the ring mapped so Start can resume
// without Configure. Errors are logged. It is a no-op unless streaming.
func (m *Manager) Stop() {
	if m.state != StateStreaming {
		return
	}
	if err := m.dev.StreamOff(); err != nil {
		m.logger.Warn("Failed to stop streaming", "path", m.path, "error", err)
	}
	m.ring.reclaim()
	m.logger.Info("Capture streaming stopped", "path", m.path)
	m.setState(StateStopped)
}

// Close releases everything the Manager holds: streaming is turned off,
// every buffer is unmapped and the device handle is closed. Failures are
// logged and teardown continues. Close is safe in any state and may be
// called repeatedly.
func (m *Manager) Close() {
	if m.state == StateClosed && m.dev == nil {
		return
	}

	if m.state == StateStreaming {
		if err := m.dev.StreamOff(); err != nil {
			m.logger.Warn("Failed to stop streaming", "path", m.path, "error", err)
		}
		m.ring.reclaim()
	}

	m.ring.release(m.logger)

	if m.dev != nil {
		m.closeHandle(m.dev)
		m.dev = nil
	}

	m.logger.Info("Capture device closed", "path", m.path)
	m.caps = Capabilities{}
	m.format = Format{}
	m.setState(StateClosed)
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	return m.state
}

// DevicePath returns the path passed to Open.
func (m *Manager) DevicePath() string {
	return m.path
}

// Capabilities returns what the device reported during Open.
func (m *Manager) Capabilities() Capabilities {
	return m.caps
}

// Requested returns the format requested at Open.
func (m *Manager) Requested() Format {
	return m.requested
}

// Format returns the negotiated format. It is zero until Configure succeeds.
func (m *Manager) Format() Format {
	return m.format
}

// RingSize returns the number of buffers in the ring.
func (m *Manager) RingSize() int {
	return m.ring.size()
}

// MappedCount returns the number of ring buffers currently mapped.
func (m *Manager) MappedCount() int {
	return m.ring.mapped()
}

// Stats returns a snapshot of the capture counters.
func (m *Manager) Stats() Stats {
	return m.stats
}

func (m *Manager) setState(to State) {
	from := m.state
	m.state = to
	if from != to && m.onState != nil {
		m.onState(from, to)
	}
}

// reclaim returns queued buffers to the process after a failed start.
func (m *Manager) reclaim() {
	if err := m.dev.StreamOff(); err != nil {
		m.logger.Debug("Stream-off during reclaim failed", "path", m.path, "error", err)
	}
	m.ring.reclaim()
}

// releaseRing unmaps the ring and frees the kernel-side buffers.
func (m *Manager) releaseRing() {
	m.ring.release(m.logger)
	m.freeKernelBuffers()
}

func (m *Manager) freeKernelBuffers() {
	if _, err := m.dev.RequestBuffers(0); err != nil {
		m.logger.Debug("Failed to free device buffers", "path", m.path, "error", err)
	}
}

func (m *Manager) closeHandle(dev Device) {
	if err := dev.Close(); err != nil {
		m.logger.Warn("Failed to close capture device", "error", err)
	}
}

func (m *Manager) trackSequence(seq uint32) {
	if m.seqValid && seq > m.stats.LastSequence+1 {
		m.stats.DroppedFrames += uint64(seq - m.stats.LastSequence - 1)
	}
	m.stats.LastSequence = seq
	m.seqValid = true
}

// fourCC renders a pixel format code as its four characters.
func fourCC(code uint32) string {
	return string([]byte{byte(code), byte(code >> 8), byte(code >> 16), byte(code >> 24)})
}
