// Package devices enumerates V4L2 capture devices and reports when they
// come and go.
package devices

import (
	"errors"
	"fmt"
)

// ErrUnsupported is returned on platforms without V4L2.
var ErrUnsupported = errors.New("V4L2 device discovery is only supported on linux")

// Resolution is one discrete frame size.
type Resolution struct {
	Width  uint32
	Height uint32
	// Framerates lists the frame rates offered at this size, in frames
	// per second. Empty when the driver does not enumerate intervals.
	Framerates []float64
}

func (r Resolution) String() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

// Format is a pixel format with the frame sizes the device offers for it.
type Format struct {
	FourCC      string
	Name        string
	Emulated    bool
	Resolutions []Resolution
}

// Description is a capture device as reported by the driver.
type Description struct {
	Path string
	Name string
	// ID is a stable identifier from /dev/v4l/by-id or by-path.
	ID   string
	Type string
	// Signal describes the input signal of HDMI receivers, e.g.
	// "locked 1920x1080@60". Empty for other devices.
	Signal    string
	Ready     bool
	CanStream bool
	Formats   []Format
}

// Action describes a device change.
type Action string

// Device changes.
const (
	Added   Action = "added"
	Removed Action = "removed"
)

// Change is a capture device node appearing or disappearing.
type Change struct {
	Action Action
	Path   string
}
