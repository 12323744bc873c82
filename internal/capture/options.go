package capture

import "log/slog"

// DefaultBufferCount is the ring size requested when no option overrides it.
const DefaultBufferCount = 4

// Option configures a Manager.
type Option func(*Manager)

// WithBufferCount sets the number of buffers requested from the device.
// Values below 1 are ignored.
func WithBufferCount(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.bufferCount = n
		}
	}
}

// WithPixelFormat sets the FourCC requested during format negotiation.
func WithPixelFormat(fourcc uint32) Option {
	return func(m *Manager) {
		m.pixelFormat = fourcc
	}
}

// WithLogger sets the logger used for narration and teardown warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithStateObserver registers a callback invoked after every state change.
// It runs on the caller's goroutine inside the lifecycle method.
func WithStateObserver(fn func(from, to State)) Option {
	return func(m *Manager) {
		m.onState = fn
	}
}
